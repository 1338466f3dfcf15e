package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryRepository creates a new in-memory idempotency key repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*Record),
	}
}

// Get retrieves a record by key.
func (r *InMemoryRepository) Get(_ context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec.Clone(), nil
}

// Reserve stores a processing record if the key is free.
func (r *InMemoryRepository) Reserve(_ context.Context, rec *Record) error {
	if rec.Key == "" {
		return ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Key]; exists {
		return ErrKeyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Status = StatusProcessing
	r.records[rec.Key] = rec.Clone()
	return nil
}

// Complete stores the response for a reserved key.
func (r *InMemoryRepository) Complete(_ context.Context, key string, statusCode int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return ErrKeyNotFound
	}
	rec.Status = StatusCompleted
	rec.ResponseStatusCode = statusCode
	rec.ResponseBody = body
	return nil
}

// Release deletes a reservation.
func (r *InMemoryRepository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, key)
	return nil
}

// DeleteOlderThan removes records older than age.
// Returns the number of records deleted.
func (r *InMemoryRepository) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for key, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, key)
			deleted++
		}
	}
	return deleted, nil
}
