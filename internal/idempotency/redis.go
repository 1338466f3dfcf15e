package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces idempotency records in a shared Redis.
const redisKeyPrefix = "idempotency:"

// RedisRepository implements Repository on Redis. Records expire through key
// TTLs, so DeleteOlderThan has nothing to do.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a Redis-backed repository. Records live for ttl
// (DefaultExpiry when zero).
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl}
}

// Get retrieves a record by key.
func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Reserve stores a processing record with SET NX.
func (r *RedisRepository) Reserve(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Status = StatusProcessing

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+rec.Key, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Complete stores the response for a reserved key, keeping its TTL.
func (r *RedisRepository) Complete(ctx context.Context, key string, statusCode int, body string) error {
	rec, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	rec.Status = StatusCompleted
	rec.ResponseStatusCode = statusCode
	rec.ResponseBody = body

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Release deletes a reservation.
func (r *RedisRepository) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan is a no-op; Redis expires records on its own.
func (r *RedisRepository) DeleteOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
