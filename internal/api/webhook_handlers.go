package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/paysettle/internal/middleware"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/settlement"
)

// maxWebhookBodyBytes caps Stripe event payloads.
const maxWebhookBodyBytes = 64 << 10

// GatewayNotifier completes the payment correlated with a gateway record.
// *settlement.Engine implements it.
type GatewayNotifier interface {
	CompleteByGatewayRef(ctx context.Context, method payment.Method, ref string) (*settlement.CompleteResult, error)
}

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	webhookSecret string
	notifier      GatewayNotifier
	webhookRepo   payment.WebhookRepository
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(
	webhookSecret string,
	notifier GatewayNotifier,
	webhookRepo payment.WebhookRepository,
) *WebhookHandlers {
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		notifier:      notifier,
		webhookRepo:   webhookRepo,
	}
}

// HandleStripeWebhook processes Stripe webhook events with signature verification.
// Payment intent events are treated as hints only: the engine re-reads the
// intent from Stripe before changing anything.
// POST /internal/stripe
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "missing Stripe-Signature header")
		return
	}

	// Only the event id, type and object id are read, so events rendered for
	// another API version are accepted.
	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		slog.WarnContext(ctx, "webhook signature verification failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid signature")
		return
	}

	slog.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	intentID, handled := paymentIntentRef(event)
	if !handled {
		slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if intentID == "" {
		slog.WarnContext(ctx, "payment intent event without intent id", "event_id", event.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	err = h.webhookRepo.RecordEvent(ctx, payment.WebhookEvent{
		EventID:    event.ID,
		EventType:  string(event.Type),
		GatewayRef: intentID,
	})
	if errors.Is(err, payment.ErrEventAlreadyProcessed) {
		slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	res, err := h.notifier.CompleteByGatewayRef(ctx, payment.MethodStripe, intentID)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "webhook event reconciled",
			"event_id", event.ID,
			"order_id", res.OrderID,
			"payment_id", res.PaymentID,
			"status", res.Outcome)
	case errors.Is(err, settlement.ErrOrderNotPayable):
		// The charge is recorded on the payment; redelivery cannot change the order.
		slog.ErrorContext(ctx, "webhook charge belongs to an order that is not payable",
			"event_id", event.ID,
			"gateway_ref", intentID,
			"error", err)
	case errors.Is(err, settlement.ErrPaymentNotFound), errors.Is(err, settlement.ErrGatewayDeclined):
		// Not one of ours, or Stripe no longer knows the intent. Nothing to retry.
		slog.WarnContext(ctx, "webhook event does not match a payment",
			"event_id", event.ID,
			"gateway_ref", intentID,
			"error", err)
	default:
		// Forget the event so Stripe's redelivery gets another chance.
		if delErr := h.webhookRepo.DeleteEvent(context.WithoutCancel(ctx), event.ID); delErr != nil {
			slog.ErrorContext(ctx, "failed to release webhook event", "event_id", event.ID, "error", delErr)
		}
		writeSettlementError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// paymentIntentRef extracts the intent id from payment intent events. handled
// is false for event types this service does not act on.
func paymentIntentRef(event stripe.Event) (id string, handled bool) {
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return "", false
	}
	if event.Data == nil {
		return "", true
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return "", true
	}
	return intent.ID, true
}
