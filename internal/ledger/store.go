// Package ledger persists orders and their payments, including the atomic
// order+payment settlement write.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
)

var (
	// ErrConcurrentModification is returned when a write was based on a stale
	// snapshot: the order version moved, or the payment already left PENDING,
	// or another active payment exists for the order.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrOrderMismatch is returned when a settlement pairs a payment with a different order.
	ErrOrderMismatch = errors.New("payment does not belong to order")
)

// Store is the persistence contract used by the settlement engine.
type Store interface {
	// LoadOrder returns order.ErrOrderNotFound if the order does not exist.
	LoadOrder(ctx context.Context, id string) (*order.Order, error)

	// SaveOrder writes o if its Version matches the stored version, then
	// increments o.Version. Returns ErrConcurrentModification otherwise.
	SaveOrder(ctx context.Context, o *order.Order) error

	// LoadPayment returns payment.ErrPaymentNotFound if the payment does not exist.
	LoadPayment(ctx context.Context, id string) (*payment.Payment, error)

	// SavePayment inserts a new payment or applies a status transition to an
	// existing one. At most one non-FAILED payment may exist per order.
	SavePayment(ctx context.Context, p *payment.Payment) error

	// SaveSettlement writes the order and payment together, all-or-nothing.
	SaveSettlement(ctx context.Context, o *order.Order, p *payment.Payment) error

	// LoadPaymentByGatewayRef returns the payment correlated with a gateway
	// record, or payment.ErrPaymentNotFound.
	LoadPaymentByGatewayRef(ctx context.Context, method payment.Method, ref string) (*payment.Payment, error)

	// LoadActivePayment returns the order's PENDING or PAID payment, or
	// payment.ErrPaymentNotFound if there is none.
	LoadActivePayment(ctx context.Context, orderID string) (*payment.Payment, error)

	// ListPendingPayments returns up to limit PENDING payments created before
	// cutoff and positioned after the cursor, ordered by (created_at, id).
	ListPendingPayments(ctx context.Context, cutoff time.Time, after PendingCursor, limit int) ([]*payment.Payment, error)
}

// PendingCursor is a position in the (created_at, id) order of pending
// payments. The zero value starts from the oldest payment.
type PendingCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor positioned at p.
func CursorAfter(p *payment.Payment) PendingCursor {
	c := PendingCursor{ID: p.ID}
	if p.CreatedAt != nil {
		c.CreatedAt = *p.CreatedAt
	}
	return c
}

// IsZero reports whether c starts from the beginning.
func (c PendingCursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// covers reports whether a payment created at createdAt with id sorts at or
// before the cursor.
func (c PendingCursor) covers(createdAt time.Time, id string) bool {
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id <= c.ID
}
