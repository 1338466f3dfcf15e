package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/paysettle/internal/middleware"
	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/settlement"
)

// Settler is the settlement engine surface used by the payment handlers.
// *settlement.Engine implements it.
type Settler interface {
	Initiate(ctx context.Context, orderID, userID string) (*settlement.InitiateResult, error)
	Complete(ctx context.Context, orderID, paymentID string) (*settlement.CompleteResult, error)
	CaptureDirect(ctx context.Context, req settlement.CaptureRequest) (*settlement.CaptureResult, error)
	Verify(ctx context.Context, paymentID string) (*settlement.VerifyResult, error)
}

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	settler  Settler
	currency string
}

// NewPaymentHandlers creates a new PaymentHandlers instance. Amounts supplied by
// clients are interpreted in currency.
func NewPaymentHandlers(settler Settler, currency string) *PaymentHandlers {
	return &PaymentHandlers{
		settler:  settler,
		currency: currency,
	}
}

// InitiateRequest is the request body for POST /payments/stripe/intent.
type InitiateRequest struct {
	OrderID string `json:"order_id"`
}

// CompleteRequest is the request body for POST /payments/stripe/complete.
type CompleteRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
}

// CaptureRequest is the request body for POST /payments/capture.
type CaptureRequest struct {
	OrderID string `json:"order_id"`
	// Amount in major units, e.g. "42.00". Must equal the order total.
	Amount string `json:"amount"`
	Method string `json:"method"`
	// Token is the approved gateway order id to capture.
	Token string `json:"token"`
}

// Initiate creates a payment intent for an order, or resumes the pending one.
// POST /payments/stripe/intent
func (h *PaymentHandlers) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req InitiateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "order_id is required")
		return
	}

	res, err := h.settler.Initiate(ctx, req.OrderID, userID)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}

// Complete settles a payment according to the gateway's authoritative status.
// POST /payments/stripe/complete
func (h *PaymentHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := requireUser(w, r); !ok {
		return
	}

	var req CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.PaymentID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "order_id and payment_id are required")
		return
	}

	res, err := h.settler.Complete(ctx, req.OrderID, req.PaymentID)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Capture charges an approved gateway order in a single call.
// POST /payments/capture
func (h *PaymentHandlers) Capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CaptureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.Amount == "" || req.Method == "" || req.Token == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "order_id, amount, method and token are required")
		return
	}

	method, err := payment.ParseMethod(req.Method)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnsupportedMethod)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedMethod, "Payment method is not supported")
		return
	}

	amount, err := money.Parse(req.Amount, h.currency)
	if err != nil {
		message := "amount must be a decimal number"
		switch {
		case errors.Is(err, money.ErrTooPrecise):
			message = "amount has too many decimal places"
		case errors.Is(err, money.ErrOutOfRange):
			message = "amount is out of range"
		}
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidAmount)
		WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeInvalidAmount, message)
		return
	}

	res, err := h.settler.CaptureDirect(ctx, settlement.CaptureRequest{
		OrderID: req.OrderID,
		UserID:  userID,
		Amount:  amount,
		Method:  method,
		Token:   req.Token,
	})
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == settlement.OutcomePending {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, res)
}

// Verify reports a payment alongside its current gateway status without changing it.
// GET /payments/{id}
func (h *PaymentHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	paymentID := r.PathValue("id")
	if paymentID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "payment id is required")
		return
	}

	res, err := h.settler.Verify(r.Context(), paymentID)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	// Payments of other users are reported as missing.
	if res.Payment.UserID != "" && res.Payment.UserID != userID {
		writeSettlementError(w, r, settlement.ErrPaymentNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// requireUser returns the authenticated user id, writing a 401 when absent.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "authentication required")
		return "", false
	}
	return userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
