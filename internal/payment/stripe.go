package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/tracing"
)

// StripeClient is the two-phase gateway backed by Stripe PaymentIntents.
// It also supports single-call capture of manually-captured intents.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe client bound to apiKey. The key is held by
// this instance only; the SDK's package-level key is left untouched.
// Network retries are disabled: retry policy belongs to the caller.
func NewStripeClient(apiKey string) *StripeClient {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	return NewStripeClientWithBackends(apiKey, backends)
}

// NewStripeClientWithBackends creates a Stripe client using explicit backends.
func NewStripeClientWithBackends(apiKey string, backends *stripe.Backends) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, backends)
	return &StripeClient{api: api}
}

// CreateIntent creates a card PaymentIntent for amount.
func (c *StripeClient) CreateIntent(ctx context.Context, amount money.Money) (_ *IntentResult, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "stripe", "create_intent")
	defer func() { endSpan(err) }()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount.Minor),
		Currency:           stripe.String(amount.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError("create intent", err)
	}

	return stripeIntentResult(pi), nil
}

// RetrieveIntent fetches a PaymentIntent by ID.
func (c *StripeClient) RetrieveIntent(ctx context.Context, gatewayID string) (_ *IntentResult, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "stripe", "retrieve_intent")
	defer func() { endSpan(err) }()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(gatewayID, params)
	if err != nil {
		return nil, mapStripeError("retrieve intent", err)
	}

	return stripeIntentResult(pi), nil
}

// CancelIntent cancels a PaymentIntent the customer abandoned.
func (c *StripeClient) CancelIntent(ctx context.Context, gatewayID string) (_ *IntentResult, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "stripe", "cancel_intent")
	defer func() { endSpan(err) }()

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Cancel(gatewayID, params)
	if err != nil {
		return nil, mapStripeError("cancel intent", err)
	}
	return stripeIntentResult(pi), nil
}

// RetrieveStatus returns the normalized status of a PaymentIntent.
func (c *StripeClient) RetrieveStatus(ctx context.Context, gatewayID string) (GatewayStatus, error) {
	res, err := c.RetrieveIntent(ctx, gatewayID)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

// CaptureNow captures an authorized PaymentIntent identified by token.
func (c *StripeClient) CaptureNow(ctx context.Context, token string) (_ *CaptureResult, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "stripe", "capture_intent")
	defer func() { endSpan(err) }()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Capture(token, params)
	if err != nil {
		return nil, mapStripeError("capture intent", err)
	}

	status := stripeIntentStatus(pi)
	if status == GatewayFailed {
		return nil, fmt.Errorf("capture intent %s: %w", pi.ID, ErrGatewayDeclined)
	}
	res := &CaptureResult{GatewayID: pi.ID, Status: status}
	if pi.Currency != "" {
		res.Amount = money.New(pi.AmountReceived, string(pi.Currency))
	}
	return res, nil
}

func stripeIntentResult(pi *stripe.PaymentIntent) *IntentResult {
	status := stripeIntentStatus(pi)
	return &IntentResult{
		GatewayID:    pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       status,
		Cancelable:   status == GatewayPending && stripeAwaitingCustomer(pi.Status),
	}
}

// stripeAwaitingCustomer reports whether an intent is still waiting for the
// customer to supply or confirm a payment method.
func stripeAwaitingCustomer(s stripe.PaymentIntentStatus) bool {
	switch s {
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		return true
	default:
		return false
	}
}

// stripeIntentStatus maps PaymentIntent states onto the normalized set.
// A requires_payment_method intent with a recorded payment error has been declined;
// without one it is still awaiting the customer.
func stripeIntentStatus(pi *stripe.PaymentIntent) GatewayStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return GatewaySucceeded
	case stripe.PaymentIntentStatusCanceled:
		return GatewayFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return GatewayFailed
		}
		return GatewayPending
	default:
		return GatewayPending
	}
}

// mapStripeError converts an SDK error into the gateway error set.
func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe %s: %w: %v", op, ErrGatewayUnavailable, err)
	}

	switch stripeErr.Type {
	case stripe.ErrorTypeCard:
		return fmt.Errorf("stripe %s: %w: %s", op, ErrGatewayDeclined, stripeErr.Code)
	case stripe.ErrorTypeInvalidRequest:
		if stripeErr.Param == "amount" {
			return fmt.Errorf("stripe %s: %w", op, ErrInvalidAmount)
		}
		code := stripeErr.HTTPStatusCode
		if code == http.StatusUnauthorized || code == http.StatusTooManyRequests || code >= 500 {
			return fmt.Errorf("stripe %s: %w: %s", op, ErrGatewayUnavailable, stripeErr.Code)
		}
		return fmt.Errorf("stripe %s: %w: %s", op, ErrGatewayDeclined, stripeErr.Code)
	default:
		return fmt.Errorf("stripe %s: %w: %s", op, ErrGatewayUnavailable, stripeErr.Msg)
	}
}
