// Package settlement settles orders against external payment gateways and keeps
// the local order and payment records consistent with gateway-reported outcomes.
//
// Two flows are supported:
//   - two-phase: Initiate creates a gateway intent and a PENDING payment; Complete
//     re-queries the gateway and settles, fails, or leaves the payment pending.
//   - single-call: CaptureDirect charges synchronously and records the result.
//
// The order is only ever marked PAID by an atomic order+payment write made after
// the gateway itself reported success.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/paysettle/internal/ledger"
	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/tracing"
)

// Operation names used for spans and metrics.
const (
	OpInitiate = "initiate"
	OpComplete = "complete"
	OpCapture  = "capture_direct"
	OpVerify   = "verify"
)

// DefaultRetryInterval is the default initial wait between gateway read retries.
const DefaultRetryInterval = 200 * time.Millisecond

// Config configures the settlement engine.
type Config struct {
	// IntentMethod selects the two-phase gateway used by Initiate.
	// Defaults to STRIPE.
	IntentMethod payment.Method
	// MaxRetries bounds retries of read-only gateway calls that fail with
	// ErrGatewayUnavailable. Zero disables retries.
	MaxRetries int
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
	// Logger for settlement activity.
	Logger *slog.Logger
	// Metrics for operation tracking. Optional.
	Metrics *Metrics
}

// Engine orchestrates gateway calls and store writes for settlement attempts.
// It is safe for concurrent use. The only per-order state it keeps is the set
// of orders with a single-call capture in flight on this instance.
type Engine struct {
	store    ledger.Store
	gateways *payment.Gateways
	config   Config

	capturing sync.Map // order ID -> struct{}
}

// NewEngine creates a settlement engine.
func NewEngine(store ledger.Store, gateways *payment.Gateways, config Config) *Engine {
	if config.IntentMethod == "" {
		config.IntentMethod = payment.MethodStripe
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{
		store:    store,
		gateways: gateways,
		config:   config,
	}
}

// Outcome is the result of a settlement attempt.
type Outcome string

// Settlement outcomes.
const (
	OutcomeSettled Outcome = "SETTLED"
	OutcomeFailed  Outcome = "FAILED"
	OutcomePending Outcome = "PENDING"
)

// InitiateResult is returned by Initiate.
type InitiateResult struct {
	PaymentID    string      `json:"payment_id"`
	ClientSecret string      `json:"client_secret"`
	Amount       money.Money `json:"amount"`
	// Resumed is true when an existing pending intent was returned instead of
	// creating a new one.
	Resumed bool `json:"resumed"`
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	OrderID   string  `json:"order_id"`
	PaymentID string  `json:"payment_id"`
	Outcome   Outcome `json:"status"`
	// AlreadyFinal is true when the payment was terminal before this call, so
	// nothing was written.
	AlreadyFinal bool `json:"already_final"`
}

// CaptureRequest describes a single-call capture.
type CaptureRequest struct {
	OrderID string
	UserID  string
	Amount  money.Money
	Method  payment.Method
	// Token identifies the approved gateway order to capture.
	Token string
}

// CaptureResult is returned by CaptureDirect.
type CaptureResult struct {
	PaymentID string  `json:"payment_id"`
	Outcome   Outcome `json:"status"`
}

// VerifyResult pairs the local payment record with the gateway's current view.
type VerifyResult struct {
	Payment       *payment.Payment      `json:"payment"`
	GatewayStatus payment.GatewayStatus `json:"gateway_status"`
}

// Initiate starts a two-phase settlement for an order. The amount is taken from
// the stored order. The order itself is never modified here.
func (e *Engine) Initiate(ctx context.Context, orderID, userID string) (res *InitiateResult, err error) {
	ctx, finish := e.start(ctx, OpInitiate, attribute.String("order.id", orderID))
	defer func() { finish(err, initiateOutcome(res)) }()

	if orderID == "" || userID == "" {
		return nil, fmt.Errorf("%w: order id and user id are required", ErrInvalidRequest)
	}
	gw, ok := e.gateways.Intent(e.config.IntentMethod)
	if !ok {
		return nil, fmt.Errorf("%w: no intent gateway for %s", ErrUnsupportedMethod, e.config.IntentMethod)
	}

	o, err := e.loadPayableOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	pending, intent, err := e.resolveActive(ctx, o)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		if intent.ClientSecret == "" {
			return nil, fmt.Errorf("%w: payment %s is awaiting gateway confirmation", ErrConcurrentModification, pending.ID)
		}
		e.config.Logger.Info("resuming pending payment",
			"order_id", o.ID,
			"payment_id", pending.ID,
			"gateway_ref", pending.GatewayRef)
		return &InitiateResult{
			PaymentID:    pending.ID,
			ClientSecret: intent.ClientSecret,
			Amount:       pending.TotalAmount,
			Resumed:      true,
		}, nil
	}

	amount := o.TotalAfterTax
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: order total %s", ErrInvalidAmount, amount)
	}

	intent, err = gw.CreateIntent(ctx, amount)
	e.countGatewayCall(e.config.IntentMethod, "create_intent", err)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	p := &payment.Payment{
		ID:          uuid.New().String(),
		OrderID:     o.ID,
		UserID:      userID,
		Method:      e.config.IntentMethod,
		Status:      payment.StatusPending,
		TotalAmount: amount,
		GatewayRef:  intent.GatewayID,
	}
	if err := e.store.SavePayment(ctx, p); err != nil {
		// The intent is left to expire unused on the gateway side.
		e.config.Logger.Warn("payment intent created but not recorded",
			"order_id", o.ID,
			"gateway_ref", intent.GatewayID,
			"error", err)
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	e.config.Logger.Info("payment initiated",
		"order_id", o.ID,
		"payment_id", p.ID,
		"gateway_ref", p.GatewayRef,
		"amount", amount.String())

	return &InitiateResult{
		PaymentID:    p.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       amount,
	}, nil
}

// Complete settles a pending payment according to the gateway's authoritative
// status. Repeated calls for a terminal payment return the stored outcome
// without any writes.
func (e *Engine) Complete(ctx context.Context, orderID, paymentID string) (res *CompleteResult, err error) {
	ctx, finish := e.start(ctx, OpComplete,
		attribute.String("order.id", orderID),
		attribute.String("payment.id", paymentID))
	defer func() { finish(err, completeOutcome(res)) }()

	if orderID == "" || paymentID == "" {
		return nil, fmt.Errorf("%w: order id and payment id are required", ErrInvalidRequest)
	}

	p, err := e.store.LoadPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if p.OrderID != orderID {
		return nil, fmt.Errorf("%w: payment %s does not belong to order %s", ErrPaymentNotFound, paymentID, orderID)
	}
	return e.complete(ctx, p)
}

// CompleteByGatewayRef runs Complete for the payment correlated with a gateway
// record. It is used for gateway notifications, which carry only the gateway's id.
func (e *Engine) CompleteByGatewayRef(ctx context.Context, method payment.Method, ref string) (res *CompleteResult, err error) {
	ctx, finish := e.start(ctx, OpComplete, attribute.String("payment.gateway_ref", ref))
	defer func() { finish(err, completeOutcome(res)) }()

	if ref == "" {
		return nil, fmt.Errorf("%w: gateway reference is required", ErrInvalidRequest)
	}
	p, err := e.store.LoadPaymentByGatewayRef(ctx, method, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return e.complete(ctx, p)
}

// CaptureDirect runs the single-call flow: charge now, then record a PAID payment
// and mark the order PAID in one atomic write.
//
// A pending intent the customer abandoned is cancelled at the gateway and its
// payment marked FAILED before the capture. Concurrent captures for one order
// on this instance are rejected with ErrConcurrentModification; captures racing
// on different instances are only caught by the store write after the charge.
//
// A crash or store failure between the capture and the write leaves a charge
// with no local record. That case is logged at error level with the gateway
// reference for out-of-band reconciliation.
func (e *Engine) CaptureDirect(ctx context.Context, req CaptureRequest) (res *CaptureResult, err error) {
	ctx, finish := e.start(ctx, OpCapture,
		attribute.String("order.id", req.OrderID),
		attribute.String("payment.method", string(req.Method)))
	defer func() { finish(err, captureOutcome(res)) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	gw, ok := e.gateways.Capture(req.Method)
	if !ok {
		return nil, fmt.Errorf("%w: no capture gateway for %s", ErrUnsupportedMethod, req.Method)
	}

	if _, busy := e.capturing.LoadOrStore(req.OrderID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: a capture for order %s is already in progress", ErrConcurrentModification, req.OrderID)
	}
	defer e.capturing.Delete(req.OrderID)

	o, err := e.loadPayableOrder(ctx, req.OrderID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !req.Amount.Equal(o.TotalAfterTax) {
		return nil, fmt.Errorf("%w: %w: amount %s does not match order total %s",
			ErrInvalidRequest, ErrInvalidAmount, req.Amount, o.TotalAfterTax)
	}

	pending, intent, err := e.resolveActive(ctx, o)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		if !intent.Cancelable {
			return nil, fmt.Errorf("%w: payment %s is awaiting confirmation", ErrConcurrentModification, pending.ID)
		}
		if err := e.abandon(ctx, pending); err != nil {
			return nil, err
		}
	}

	captured, err := gw.CaptureNow(ctx, req.Token)
	e.countGatewayCall(req.Method, "capture", err)
	if err != nil {
		return nil, fmt.Errorf("failed to capture payment: %w", err)
	}
	if captured.Status == payment.GatewayFailed {
		return nil, fmt.Errorf("%w: capture %s failed", ErrGatewayDeclined, captured.GatewayID)
	}
	if captured.Amount.Currency != "" && !captured.Amount.Equal(o.TotalAfterTax) {
		e.config.Logger.Error("captured amount differs from order total; manual reconciliation required",
			"order_id", o.ID,
			"payment_method", req.Method,
			"gateway_ref", captured.GatewayID,
			"captured", captured.Amount.String(),
			"order_total", o.TotalAfterTax.String())
		return nil, fmt.Errorf("%w: captured %s but order total is %s",
			ErrInvalidAmount, captured.Amount, o.TotalAfterTax)
	}

	p := &payment.Payment{
		ID:          uuid.New().String(),
		OrderID:     o.ID,
		UserID:      req.UserID,
		Method:      req.Method,
		Status:      payment.StatusPending,
		TotalAmount: o.TotalAfterTax,
		GatewayRef:  captured.GatewayID,
	}

	if captured.Status == payment.GatewayPending {
		// The gateway accepted the capture but has not finalized it; Complete
		// or the reconciler settles it later.
		if err := e.store.SavePayment(ctx, p); err != nil {
			e.logUnrecordedCharge(p, err)
			return nil, fmt.Errorf("failed to record payment: %w", err)
		}
		return &CaptureResult{PaymentID: p.ID, Outcome: OutcomePending}, nil
	}

	result, err := e.settle(ctx, o, p)
	if err != nil {
		if !errors.Is(err, ErrOrderNotPayable) {
			e.logUnrecordedCharge(p, err)
		}
		return nil, err
	}
	return &CaptureResult{PaymentID: p.ID, Outcome: result.Outcome}, nil
}

// Verify reports the local payment alongside the gateway's current status.
// It performs no writes.
func (e *Engine) Verify(ctx context.Context, paymentID string) (res *VerifyResult, err error) {
	ctx, finish := e.start(ctx, OpVerify, attribute.String("payment.id", paymentID))
	defer func() { finish(err, "ok") }()

	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}
	p, err := e.store.LoadPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	status, err := e.retrieveStatus(ctx, p)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Payment: p, GatewayStatus: status}, nil
}

func (r CaptureRequest) validate() error {
	var missing []string
	if r.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if r.UserID == "" {
		missing = append(missing, "user_id")
	}
	if r.Method == "" {
		missing = append(missing, "method")
	}
	if r.Token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: %w: amount must be positive", ErrInvalidRequest, ErrInvalidAmount)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, p *payment.Payment) (*CompleteResult, error) {
	if p.IsTerminal() {
		return terminalResult(p), nil
	}

	status, err := e.retrieveStatus(ctx, p)
	if err != nil {
		return nil, err
	}

	switch status {
	case payment.GatewaySucceeded:
		o, err := e.store.LoadOrder(ctx, p.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order: %w", err)
		}
		return e.settle(ctx, o, p)
	case payment.GatewayFailed:
		return e.fail(ctx, p)
	default:
		return &CompleteResult{OrderID: p.OrderID, PaymentID: p.ID, Outcome: OutcomePending}, nil
	}
}

// loadPayableOrder loads an order owned by userID that can accept a new payment.
func (e *Engine) loadPayableOrder(ctx context.Context, orderID, userID string) (*order.Order, error) {
	o, err := e.store.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	// Orders owned by someone else are reported as missing.
	if o.UserID != "" && o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.IsPaid() {
		return nil, ErrOrderAlreadySettled
	}
	if !o.Payable() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, o.ID, o.Status)
	}
	return o, nil
}

// resolveActive brings the order's active payment, if any, up to date with the
// gateway. It returns the payment and its gateway state when it is still
// pending, nil when the order is free for a new attempt, and
// ErrOrderAlreadySettled when the active payment turned out to be paid.
func (e *Engine) resolveActive(ctx context.Context, o *order.Order) (*payment.Payment, *payment.IntentResult, error) {
	active, err := e.store.LoadActivePayment(ctx, o.ID)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active payment: %w", err)
	}
	if active.Status == payment.StatusPaid {
		return nil, nil, ErrOrderAlreadySettled
	}

	state, err := e.gatewayState(ctx, active)
	if err != nil {
		return nil, nil, err
	}

	switch state.Status {
	case payment.GatewaySucceeded:
		if _, err := e.settle(ctx, o, active); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrOrderAlreadySettled
	case payment.GatewayFailed:
		return nil, nil, e.release(ctx, active)
	default:
		return active, state, nil
	}
}

// release marks a payment the gateway reports as failed FAILED, freeing its
// order for a new attempt.
func (e *Engine) release(ctx context.Context, p *payment.Payment) error {
	res, err := e.fail(ctx, p)
	if err != nil {
		return err
	}
	if res.Outcome == OutcomeSettled {
		return ErrOrderAlreadySettled
	}
	return nil
}

// abandon cancels a pending intent the customer never confirmed and marks its
// payment FAILED.
func (e *Engine) abandon(ctx context.Context, p *payment.Payment) error {
	ig, ok := e.gateways.Intent(p.Method)
	if !ok {
		return fmt.Errorf("%w: no intent gateway for %s", ErrUnsupportedMethod, p.Method)
	}

	cancelled, err := ig.CancelIntent(ctx, p.GatewayRef)
	e.countGatewayCall(p.Method, "cancel_intent", err)
	if errors.Is(err, payment.ErrGatewayDeclined) {
		// The customer moved the intent on since it was read.
		return fmt.Errorf("%w: payment %s can no longer be cancelled", ErrConcurrentModification, p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel payment intent: %w", err)
	}
	if cancelled.Status != payment.GatewayFailed {
		return fmt.Errorf("%w: payment %s is awaiting confirmation", ErrConcurrentModification, p.ID)
	}

	e.config.Logger.Info("abandoned payment intent cancelled",
		"order_id", p.OrderID,
		"payment_id", p.ID,
		"gateway_ref", p.GatewayRef)
	return e.release(ctx, p)
}

// settle atomically marks o and p PAID. If another attempt already finished the
// payment, its terminal result is returned instead.
func (e *Engine) settle(ctx context.Context, o *order.Order, p *payment.Payment) (*CompleteResult, error) {
	if o.IsPaid() {
		if o.PaymentID == nil || *o.PaymentID != p.ID {
			e.config.Logger.Error("gateway reports success for an order settled by another payment",
				"order_id", o.ID,
				"payment_id", p.ID,
				"gateway_ref", p.GatewayRef)
		}
		return e.reloadFinal(ctx, p.ID, ErrOrderAlreadySettled)
	}
	if !o.Payable() {
		return e.recordStrandedCharge(ctx, o, p)
	}

	settledOrder := o.Clone()
	settledPayment := p.Clone()
	settledPayment.Status = payment.StatusPaid
	settledOrder.Status = order.StatusPaid
	settledOrder.PaymentID = &settledPayment.ID

	err := e.store.SaveSettlement(ctx, settledOrder, settledPayment)
	if errors.Is(err, ErrConcurrentModification) {
		return e.reloadFinal(ctx, p.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save settlement: %w", err)
	}

	e.config.Logger.Info("payment settled",
		"order_id", o.ID,
		"payment_id", p.ID,
		"gateway_ref", p.GatewayRef,
		"amount", p.TotalAmount.String())

	return &CompleteResult{OrderID: o.ID, PaymentID: p.ID, Outcome: OutcomeSettled}, nil
}

// recordStrandedCharge marks p PAID for a charge the gateway confirmed against
// an order that can no longer be paid. The order is left untouched and the
// charge needs a refund. The payment is terminal afterwards, so neither the
// reconciler nor gateway notifications pick it up again.
func (e *Engine) recordStrandedCharge(ctx context.Context, o *order.Order, p *payment.Payment) (*CompleteResult, error) {
	charged := p.Clone()
	charged.Status = payment.StatusPaid

	err := e.store.SavePayment(ctx, charged)
	if errors.Is(err, ErrConcurrentModification) {
		return e.reloadFinal(ctx, p.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}

	e.config.Logger.Error("gateway charged an order that is not payable; refund required",
		"order_id", o.ID,
		"order_status", o.Status,
		"payment_id", charged.ID,
		"gateway_ref", charged.GatewayRef,
		"amount", charged.TotalAmount.String())
	return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, o.ID, o.Status)
}

// fail marks p FAILED and leaves its order untouched.
func (e *Engine) fail(ctx context.Context, p *payment.Payment) (*CompleteResult, error) {
	failed := p.Clone()
	failed.Status = payment.StatusFailed

	err := e.store.SavePayment(ctx, failed)
	if errors.Is(err, ErrConcurrentModification) {
		return e.reloadFinal(ctx, p.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}

	e.config.Logger.Info("payment failed at gateway",
		"order_id", p.OrderID,
		"payment_id", p.ID,
		"gateway_ref", p.GatewayRef)

	return &CompleteResult{OrderID: p.OrderID, PaymentID: p.ID, Outcome: OutcomeFailed}, nil
}

// reloadFinal returns the stored terminal result for paymentID after a lost
// race, or cause if the payment is not terminal.
func (e *Engine) reloadFinal(ctx context.Context, paymentID string, cause error) (*CompleteResult, error) {
	current, err := e.store.LoadPayment(ctx, paymentID)
	if err != nil || !current.IsTerminal() {
		return nil, cause
	}
	return terminalResult(current), nil
}

// gatewayState returns the gateway's view of p. For single-call gateways only
// the status is set.
func (e *Engine) gatewayState(ctx context.Context, p *payment.Payment) (*payment.IntentResult, error) {
	ig, ok := e.gateways.Intent(p.Method)
	if !ok {
		status, err := e.retrieveStatus(ctx, p)
		if err != nil {
			return nil, err
		}
		return &payment.IntentResult{GatewayID: p.GatewayRef, Status: status}, nil
	}

	var intent *payment.IntentResult
	err := e.retryRead(ctx, p.Method, "retrieve_intent", func() error {
		var err error
		intent, err = ig.RetrieveIntent(ctx, p.GatewayRef)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve intent: %w", err)
	}
	return intent, nil
}

func (e *Engine) retrieveStatus(ctx context.Context, p *payment.Payment) (payment.GatewayStatus, error) {
	sg, ok := e.gateways.Status(p.Method)
	if !ok {
		return "", fmt.Errorf("%w: no status gateway for %s", ErrUnsupportedMethod, p.Method)
	}

	var status payment.GatewayStatus
	err := e.retryRead(ctx, p.Method, "retrieve_status", func() error {
		var err error
		status, err = sg.RetrieveStatus(ctx, p.GatewayRef)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to retrieve payment status: %w", err)
	}
	return status, nil
}

// retryRead runs a read-only gateway call, retrying only ErrGatewayUnavailable
// with exponential backoff. Writes to the gateway are never retried.
func (e *Engine) retryRead(ctx context.Context, method payment.Method, call string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		e.countGatewayCall(method, call, err)
		if err != nil && !errors.Is(err, payment.ErrGatewayUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		tracing.AddEvent(ctx, "gateway.retry",
			attribute.String("payment.gateway", gatewayLabel(method)),
			attribute.String("payment.gateway.call", call),
			attribute.String("wait", wait.String()))
		e.config.Logger.Warn("gateway call failed, retrying",
			"gateway", gatewayLabel(method),
			"call", call,
			"wait", wait,
			"error", err)
	})
}

func (e *Engine) countGatewayCall(method payment.Method, call string, err error) {
	if e.config.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrGatewayUnavailable):
		result = "unavailable"
	case errors.Is(err, payment.ErrGatewayDeclined):
		result = "declined"
	case errors.Is(err, payment.ErrInvalidAmount):
		result = "invalid_amount"
	default:
		result = "error"
	}
	e.config.Metrics.IncGatewayCall(gatewayLabel(method), call, result)
}

func (e *Engine) logUnrecordedCharge(p *payment.Payment, err error) {
	e.config.Logger.Error("captured charge could not be recorded; manual reconciliation required",
		"order_id", p.OrderID,
		"payment_method", p.Method,
		"gateway_ref", p.GatewayRef,
		"amount", p.TotalAmount.String(),
		"error", err)
}

// start opens a span for operation and returns a function that closes it and
// records metrics.
func (e *Engine) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error, string)) {
	begin := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "settlement."+operation)
	tracing.SetAttributes(ctx, attrs...)

	return ctx, func(err error, outcome string) {
		if err != nil {
			outcome = ErrorKind(err)
		}
		tracing.SetAttributes(ctx, attribute.String("settlement.outcome", outcome))
		endSpan(err)
		if e.config.Metrics != nil {
			e.config.Metrics.IncOperation(operation, outcome)
			e.config.Metrics.ObserveDuration(operation, time.Since(begin).Seconds())
		}
	}
}

func terminalResult(p *payment.Payment) *CompleteResult {
	outcome := OutcomeFailed
	if p.Status == payment.StatusPaid {
		outcome = OutcomeSettled
	}
	return &CompleteResult{
		OrderID:      p.OrderID,
		PaymentID:    p.ID,
		Outcome:      outcome,
		AlreadyFinal: true,
	}
}

func initiateOutcome(res *InitiateResult) string {
	if res != nil && res.Resumed {
		return "resumed"
	}
	return "created"
}

func completeOutcome(res *CompleteResult) string {
	if res == nil {
		return ""
	}
	if res.AlreadyFinal {
		return outcomeAlreadySettled
	}
	return outcomeLabel(res.Outcome)
}

func captureOutcome(res *CaptureResult) string {
	if res == nil {
		return ""
	}
	return outcomeLabel(res.Outcome)
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeSettled:
		return outcomeSettled
	case OutcomeFailed:
		return outcomeFailed
	default:
		return outcomePending
	}
}

func gatewayLabel(m payment.Method) string {
	return strings.ToLower(string(m))
}
