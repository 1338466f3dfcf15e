package payment

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEventAlreadyProcessed is returned when a gateway notification has been seen before.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// WebhookEvent is a gateway notification recorded for deduplication.
type WebhookEvent struct {
	EventID    string
	EventType  string
	GatewayRef string
	ReceivedAt time.Time
}

// WebhookRepository records processed gateway notifications.
type WebhookRepository interface {
	// RecordEvent stores the event, or returns ErrEventAlreadyProcessed if its ID
	// was already recorded.
	RecordEvent(ctx context.Context, event WebhookEvent) error

	// DeleteEvent forgets an event so a gateway redelivery is processed again.
	// Deleting an unknown event is not an error.
	DeleteEvent(ctx context.Context, eventID string) error
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.Mutex
	events map[string]WebhookEvent
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]WebhookEvent),
	}
}

// RecordEvent records a webhook event as processed.
func (r *InMemoryWebhookRepository) RecordEvent(_ context.Context, event WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[event.EventID]; exists {
		return ErrEventAlreadyProcessed
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	r.events[event.EventID] = event
	return nil
}

// DeleteEvent removes a recorded event.
func (r *InMemoryWebhookRepository) DeleteEvent(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, eventID)
	return nil
}

// Count returns the number of recorded events.
func (r *InMemoryWebhookRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
