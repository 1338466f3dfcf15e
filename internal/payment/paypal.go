package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/plutov/paypal/v4"

	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/tracing"
)

// PayPal order states relevant to settlement.
const (
	paypalStatusCompleted = "COMPLETED"
	paypalStatusVoided    = "VOIDED"
	paypalStatusDeclined  = "DECLINED"
	paypalStatusFailed    = "FAILED"
)

// PayPal API modes.
const (
	PayPalModeSandbox = "sandbox"
	PayPalModeLive    = "live"
)

// PayPalClient is the single-call gateway: capturing an approved PayPal order
// charges the buyer and reports the outcome in one request.
type PayPalClient struct {
	client *paypal.Client

	mu       sync.Mutex
	hasToken bool
}

// NewPayPalClient creates a PayPal client for the given mode ("sandbox" or "live").
func NewPayPalClient(clientID, secret, mode string) (*PayPalClient, error) {
	base := paypal.APIBaseSandBox
	if mode == PayPalModeLive {
		base = paypal.APIBaseLive
	}
	return NewPayPalClientWithBase(clientID, secret, base)
}

// NewPayPalClientWithBase creates a PayPal client against an explicit API base URL.
func NewPayPalClientWithBase(clientID, secret, apiBase string) (*PayPalClient, error) {
	c, err := paypal.NewClient(clientID, secret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	return &PayPalClient{client: c}, nil
}

// CaptureNow captures the approved PayPal order identified by token.
func (c *PayPalClient) CaptureNow(ctx context.Context, token string) (_ *CaptureResult, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "paypal", "capture_order")
	defer func() { endSpan(err) }()

	if token == "" {
		return nil, fmt.Errorf("paypal capture: %w: empty order id", ErrGatewayDeclined)
	}

	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.CaptureOrder(ctx, token, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, mapPayPalError("capture order", err)
	}

	status := paypalOrderStatus(resp.Status)
	if status == GatewayFailed {
		return nil, fmt.Errorf("paypal capture order %s: %w: %s", token, ErrGatewayDeclined, resp.Status)
	}
	id := resp.ID
	if id == "" {
		id = token
	}
	return &CaptureResult{GatewayID: id, Status: status, Amount: capturedAmount(resp)}, nil
}

// capturedAmount sums the captures reported across purchase units. It returns
// the zero Money when the response has no usable amounts.
func capturedAmount(resp *paypal.CaptureOrderResponse) money.Money {
	var total money.Money
	for _, unit := range resp.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, c := range unit.Payments.Captures {
			if c.Amount == nil || c.Status == paypalStatusDeclined || c.Status == paypalStatusFailed {
				continue
			}
			m, err := money.Parse(c.Amount.Value, c.Amount.Currency)
			if err != nil {
				return money.Money{}
			}
			if total.Currency == "" {
				total = m
				continue
			}
			if total, err = total.Add(m); err != nil {
				return money.Money{}
			}
		}
	}
	return total
}

// RetrieveStatus returns the normalized status of a PayPal order.
func (c *PayPalClient) RetrieveStatus(ctx context.Context, gatewayID string) (_ GatewayStatus, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "paypal", "get_order")
	defer func() { endSpan(err) }()

	if err := c.ensureToken(ctx); err != nil {
		return "", err
	}

	order, err := c.client.GetOrder(ctx, gatewayID)
	if err != nil {
		return "", mapPayPalError("get order", err)
	}
	return paypalOrderStatus(order.Status), nil
}

// ensureToken fetches the first OAuth token. The SDK refreshes it afterwards.
func (c *PayPalClient) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasToken {
		return nil
	}
	if _, err := c.client.GetAccessToken(ctx); err != nil {
		return mapPayPalError("get access token", err)
	}
	c.hasToken = true
	return nil
}

func paypalOrderStatus(s string) GatewayStatus {
	switch s {
	case paypalStatusCompleted:
		return GatewaySucceeded
	case paypalStatusVoided, paypalStatusDeclined, paypalStatusFailed:
		return GatewayFailed
	default:
		return GatewayPending
	}
}

// mapPayPalError converts an SDK error into the gateway error set.
// 4xx responses other than auth and rate-limit failures are treated as declines.
func mapPayPalError(op string, err error) error {
	var ppErr *paypal.ErrorResponse
	if !errors.As(err, &ppErr) || ppErr.Response == nil {
		return fmt.Errorf("paypal %s: %w: %v", op, ErrGatewayUnavailable, err)
	}

	code := ppErr.Response.StatusCode
	switch {
	case code == http.StatusUnauthorized, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("paypal %s: %w: %s", op, ErrGatewayUnavailable, ppErr.Name)
	default:
		return fmt.Errorf("paypal %s: %w: %s", op, ErrGatewayDeclined, ppErr.Name)
	}
}
