package settlement

import (
	"errors"
	"fmt"

	"github.com/onnwee/paysettle/internal/ledger"
	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
)

// Errors returned by the Engine. Lower-layer sentinels are re-exported so callers
// only need to import this package to classify a failure with errors.Is.
var (
	ErrOrderNotFound          = order.ErrOrderNotFound
	ErrPaymentNotFound        = payment.ErrPaymentNotFound
	ErrConcurrentModification = ledger.ErrConcurrentModification
	ErrGatewayUnavailable     = payment.ErrGatewayUnavailable
	ErrGatewayDeclined        = payment.ErrGatewayDeclined
	ErrInvalidAmount          = payment.ErrInvalidAmount

	// ErrOrderAlreadySettled is returned when the order is already PAID.
	ErrOrderAlreadySettled = errors.New("order already settled")

	// ErrInvalidRequest is returned for missing or malformed input. It is
	// always raised before any gateway or store call.
	ErrInvalidRequest = errors.New("invalid settlement request")

	// ErrUnsupportedMethod is returned when no gateway client is configured
	// for the requested method and capability.
	ErrUnsupportedMethod = errors.New("unsupported payment method")

	// ErrOrderNotPayable is returned for orders that are CANCELLED or FAILED.
	// It wraps ErrInvalidRequest.
	ErrOrderNotPayable = fmt.Errorf("%w: order is not payable", ErrInvalidRequest)
)

// Outcome labels used by metrics and logs.
const (
	outcomeSettled        = "settled"
	outcomeFailed         = "failed"
	outcomePending        = "pending"
	outcomeAlreadySettled = "already_settled"
)

// ErrorKind returns a stable snake_case label for err's place in the error taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrPaymentNotFound):
		return "payment_not_found"
	case errors.Is(err, ErrOrderAlreadySettled):
		return "order_already_settled"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUnsupportedMethod):
		return "unsupported_method"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrGatewayDeclined):
		return "gateway_declined"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	default:
		return "internal"
	}
}
