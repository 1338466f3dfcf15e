// Package order provides the order model settled by the payment engine.
package order

import (
	"errors"
	"time"

	"github.com/onnwee/paysettle/internal/money"
)

// Status is the lifecycle status of an order.
type Status string

// Order statuses. Orders are created elsewhere in StatusCreated.
const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ErrOrderNotFound is returned when an order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// Order is the aggregate root for a customer purchase.
// Version is incremented on every persisted change and guards concurrent writes.
type Order struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	TotalAfterTax money.Money `json:"total_after_tax"`
	Status        Status      `json:"order_status"`
	PaymentID     *string     `json:"payment_id,omitempty"`
	Version       int64       `json:"version"`
	CreatedAt     *time.Time  `json:"created_at,omitempty"`
	UpdatedAt     *time.Time  `json:"updated_at,omitempty"`
}

// IsPaid reports whether the order has been settled.
func (o *Order) IsPaid() bool {
	return o.Status == StatusPaid
}

// Payable reports whether a settlement attempt may start for this order.
func (o *Order) Payable() bool {
	return o.Status == StatusCreated
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	copied := *o
	if o.PaymentID != nil {
		id := *o.PaymentID
		copied.PaymentID = &id
	}
	if o.CreatedAt != nil {
		t := *o.CreatedAt
		copied.CreatedAt = &t
	}
	if o.UpdatedAt != nil {
		t := *o.UpdatedAt
		copied.UpdatedAt = &t
	}
	return &copied
}
