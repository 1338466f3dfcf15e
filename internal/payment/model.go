// Package payment provides payment records and the gateway clients that settle them.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/paysettle/internal/money"
)

// Method identifies the gateway integration used for a payment.
type Method string

// Supported payment methods.
const (
	MethodStripe Method = "STRIPE"
	MethodPayPal Method = "PAYPAL"
)

// Status is the lifecycle status of a payment record.
type Status string

// Payment statuses. PENDING transitions at most once, to PAID or FAILED.
const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// ErrPaymentNotFound is returned when a payment record is not found.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrInvalidStatusTransition is returned when a payment status change is not allowed.
var ErrInvalidStatusTransition = errors.New("invalid payment status transition")

// ErrUnknownMethod is returned when a payment method string is not recognized.
var ErrUnknownMethod = errors.New("unknown payment method")

// Payment is an append-mostly audit record of one settlement attempt for an order.
type Payment struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Method      Method      `json:"payment_method"`
	Status      Status      `json:"payment_status"`
	TotalAmount money.Money `json:"total_amount"`
	GatewayRef  string      `json:"gateway_ref"` // gateway intent/order id
	CreatedAt   *time.Time  `json:"created_at,omitempty"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
}

// IsTerminal reports whether the payment has reached PAID or FAILED.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusPaid || p.Status == StatusFailed
}

// CanTransitionTo returns nil if the payment may move to target.
//
// Valid transitions:
//   - PENDING → PAID, FAILED
//
// PAID and FAILED are terminal.
func (p *Payment) CanTransitionTo(target Status) error {
	if p.Status == StatusPending && (target == StatusPaid || target == StatusFailed) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, p.Status, target)
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	copied := *p
	if p.CreatedAt != nil {
		t := *p.CreatedAt
		copied.CreatedAt = &t
	}
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		copied.UpdatedAt = &t
	}
	return &copied
}

// ParseMethod parses a method name case-insensitively ("stripe", "PayPal").
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case MethodStripe:
		return MethodStripe, nil
	case MethodPayPal:
		return MethodPayPal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}
