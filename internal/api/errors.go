// Package api is the HTTP adapter of the settlement engine: JSON handlers,
// the Stripe webhook receiver, health checks and the shared error envelope.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/paysettle/internal/middleware"
	"github.com/onnwee/paysettle/internal/settlement"
)

// Error codes returned in the "code" field of the error envelope.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeAuthFailed  = "auth_failed"
	ErrCodeNotFound    = "not_found"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal_error"
	ErrCodeConflict    = "conflict"
	ErrCodeBadRequest  = "bad_request"

	// Settlement taxonomy.
	ErrCodeOrderNotFound          = "order_not_found"
	ErrCodePaymentNotFound        = "payment_not_found"
	ErrCodeOrderAlreadySettled    = "order_already_settled"
	ErrCodeInvalidAmount          = "invalid_amount"
	ErrCodeUnsupportedMethod      = "unsupported_method"
	ErrCodeGatewayUnavailable     = "gateway_unavailable"
	ErrCodeGatewayDeclined        = "gateway_declined"
	ErrCodeConcurrentModification = "concurrent_modification"
)

// ErrorResponse is the body of every error response:
// {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope with status. ctx is handed to the
// access log, so set the error code on it with middleware.SetErrorCode first.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeUnsupportedMethod:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeOrderNotFound, ErrCodePaymentNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeConflict, ErrCodeOrderAlreadySettled, ErrCodeConcurrentModification:
		return http.StatusConflict
	case ErrCodeInvalidAmount:
		return http.StatusUnprocessableEntity
	case ErrCodeGatewayDeclined:
		return http.StatusPaymentRequired
	case ErrCodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// settlementErrorCodes maps settlement.ErrorKind labels to API error codes.
var settlementErrorCodes = map[string]string{
	"order_not_found":         ErrCodeOrderNotFound,
	"payment_not_found":       ErrCodePaymentNotFound,
	"order_already_settled":   ErrCodeOrderAlreadySettled,
	"invalid_amount":          ErrCodeInvalidAmount,
	"invalid_request":         ErrCodeValidation,
	"unsupported_method":      ErrCodeUnsupportedMethod,
	"gateway_unavailable":     ErrCodeGatewayUnavailable,
	"gateway_declined":        ErrCodeGatewayDeclined,
	"concurrent_modification": ErrCodeConcurrentModification,
}

// settlementMessages are the client-facing messages per error code. Wrapped
// error text is logged but never returned, since it may carry gateway details.
var settlementMessages = map[string]string{
	ErrCodeOrderNotFound:          "Order not found",
	ErrCodePaymentNotFound:        "Payment not found",
	ErrCodeOrderAlreadySettled:    "Order has already been paid",
	ErrCodeInvalidAmount:          "Amount is invalid or does not match the order total",
	ErrCodeValidation:             "Invalid settlement request",
	ErrCodeUnsupportedMethod:      "Payment method is not supported",
	ErrCodeGatewayUnavailable:     "Payment gateway is temporarily unavailable",
	ErrCodeGatewayDeclined:        "Payment was declined",
	ErrCodeConcurrentModification: "Order was modified by another request, retry",
}

// SettlementErrorCode classifies a settlement error into an API error code.
func SettlementErrorCode(err error) string {
	if code, ok := settlementErrorCodes[settlement.ErrorKind(err)]; ok {
		return code
	}
	return ErrCodeInternal
}

// writeSettlementError maps err onto the error envelope and logs it.
// Server-side failures are logged at error level, client errors at info.
func writeSettlementError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := SettlementErrorCode(err)
	status := StatusCodeMapping(code)

	message, ok := settlementMessages[code]
	if !ok {
		message = "Internal server error"
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "settlement request failed", "error_code", code, "error", err)
	} else {
		slog.InfoContext(ctx, "settlement request rejected", "error_code", code, "error", err)
	}

	ctx = middleware.SetErrorCode(ctx, code)
	WriteError(w, ctx, status, code, message)
}
