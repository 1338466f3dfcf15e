package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
)

// InMemoryStore implements Store with in-memory maps. A single lock covers both
// orders and payments so SaveSettlement is atomic.
type InMemoryStore struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	payments map[string]*payment.Payment

	writes int64
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:   make(map[string]*order.Order),
		payments: make(map[string]*payment.Payment),
	}
}

// InsertOrder adds an order. Orders are normally created outside the settlement core.
func (s *InMemoryStore) InsertOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.Status == "" {
		o.Status = order.StatusCreated
	}
	now := time.Now()
	if o.CreatedAt == nil {
		o.CreatedAt = &now
	}
	o.UpdatedAt = &now

	s.orders[o.ID] = o.Clone()
	return nil
}

// LoadOrder retrieves an order by ID.
func (s *InMemoryStore) LoadOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// SaveOrder writes an order guarded by its version.
func (s *InMemoryStore) SaveOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOrderLocked(o); err != nil {
		return err
	}
	s.putOrderLocked(o)
	s.writes++
	return nil
}

// LoadPayment retrieves a payment by ID.
func (s *InMemoryStore) LoadPayment(_ context.Context, id string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

// SavePayment inserts or transitions a payment.
func (s *InMemoryStore) SavePayment(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPaymentLocked(p); err != nil {
		return err
	}
	s.putPaymentLocked(p)
	s.writes++
	return nil
}

// SaveSettlement writes the order and payment together.
func (s *InMemoryStore) SaveSettlement(_ context.Context, o *order.Order, p *payment.Payment) error {
	if p.OrderID != o.ID {
		return ErrOrderMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate both before mutating either.
	if err := s.checkOrderLocked(o); err != nil {
		return err
	}
	if err := s.checkPaymentLocked(p); err != nil {
		return err
	}

	s.putPaymentLocked(p)
	s.putOrderLocked(o)
	s.writes++
	return nil
}

// LoadPaymentByGatewayRef finds a payment by its gateway reference.
func (s *InMemoryStore) LoadPaymentByGatewayRef(_ context.Context, method payment.Method, ref string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.Method == method && p.GatewayRef == ref {
			return p.Clone(), nil
		}
	}
	return nil, payment.ErrPaymentNotFound
}

// LoadActivePayment returns the order's non-FAILED payment.
func (s *InMemoryStore) LoadActivePayment(_ context.Context, orderID string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.activePaymentLocked(orderID, ""); p != nil {
		return p.Clone(), nil
	}
	return nil, payment.ErrPaymentNotFound
}

// ListPendingPayments returns PENDING payments created before cutoff that sort
// after the cursor, ordered by creation time and then ID.
func (s *InMemoryStore) ListPendingPayments(_ context.Context, cutoff time.Time, after PendingCursor, limit int) ([]*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*payment.Payment
	for _, p := range s.payments {
		if p.Status != payment.StatusPending || p.CreatedAt == nil || !p.CreatedAt.Before(cutoff) {
			continue
		}
		if !after.IsZero() && after.covers(*p.CreatedAt, p.ID) {
			continue
		}
		pending = append(pending, p.Clone())
	}

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.CreatedAt.Equal(*b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(*b.CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// PaymentsForOrder returns every payment recorded for an order.
func (s *InMemoryStore) PaymentsForOrder(orderID string) []*payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*payment.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(*out[j].CreatedAt)
	})
	return out
}

// Writes returns the number of successful write operations.
func (s *InMemoryStore) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *InMemoryStore) checkOrderLocked(o *order.Order) error {
	stored, ok := s.orders[o.ID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if stored.Version != o.Version {
		return ErrConcurrentModification
	}
	return nil
}

func (s *InMemoryStore) putOrderLocked(o *order.Order) {
	now := time.Now()
	o.Version++
	o.UpdatedAt = &now
	s.orders[o.ID] = o.Clone()
}

func (s *InMemoryStore) checkPaymentLocked(p *payment.Payment) error {
	stored, ok := s.payments[p.ID]
	if !ok || p.ID == "" {
		if p.Status != payment.StatusFailed && s.activePaymentLocked(p.OrderID, p.ID) != nil {
			return ErrConcurrentModification
		}
		return nil
	}
	if err := stored.CanTransitionTo(p.Status); err != nil {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return nil
}

func (s *InMemoryStore) putPaymentLocked(p *payment.Payment) {
	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt == nil {
		p.CreatedAt = &now
	}
	p.UpdatedAt = &now
	s.payments[p.ID] = p.Clone()
}

func (s *InMemoryStore) activePaymentLocked(orderID, excludeID string) *payment.Payment {
	for id, p := range s.payments {
		if p.OrderID == orderID && p.Status != payment.StatusFailed && id != excludeID {
			return p
		}
	}
	return nil
}
