// Package idempotency stores the outcome of client requests keyed by an
// Idempotency-Key header so retried POSTs replay the original response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status values for a stored key. A key is reserved as processing before the
// handler runs and moved to completed once a 2xx response is captured.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to reserve a key that is already held.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// Record is a stored idempotency key with its cached response.
type Record struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	RequestHash        string    `json:"request_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body,omitempty"`
	ResponseStatusCode int       `json:"response_status_code,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	copied := *r
	return &copied
}

// ValidateKey checks if an idempotency key is valid.
// Returns ErrInvalidKey if the key is empty.
// Returns ErrKeyTooLong if the key exceeds MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ScopedKey namespaces a client key by the caller so two users cannot collide.
func ScopedKey(userID, key string) string {
	if userID == "" {
		return "anon:" + key
	}
	return "user:" + userID + ":" + key
}

// ComputeRequestHash fingerprints a request so a reused key with a different
// payload can be rejected.
func ComputeRequestHash(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Repository defines methods for idempotency key persistence.
type Repository interface {
	// Get retrieves a record by key. Returns ErrKeyNotFound if absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Reserve stores rec in StatusProcessing if no record exists for its key.
	// Returns ErrKeyExists otherwise.
	Reserve(ctx context.Context, rec *Record) error

	// Complete attaches the response to a reserved key and marks it completed.
	Complete(ctx context.Context, key string, statusCode int, body string) error

	// Release drops a reservation so the client may retry with the same key.
	Release(ctx context.Context, key string) error

	// DeleteOlderThan removes records older than the specified duration.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
