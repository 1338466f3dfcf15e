package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWebhookRetention covers Stripe's redelivery window for failed events.
const DefaultWebhookRetention = 72 * time.Hour

const webhookKeyPrefix = "webhook_event:"

// RedisWebhookRepository implements WebhookRepository on Redis so that every
// API instance shares one deduplication table.
type RedisWebhookRepository struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisWebhookRepository creates a Redis-backed webhook repository. Events
// are remembered for retention (DefaultWebhookRetention when zero).
func NewRedisWebhookRepository(client *redis.Client, retention time.Duration) *RedisWebhookRepository {
	if retention <= 0 {
		retention = DefaultWebhookRetention
	}
	return &RedisWebhookRepository{client: client, retention: retention}
}

// RecordEvent stores the event id with SET NX.
func (r *RedisWebhookRepository) RecordEvent(ctx context.Context, event WebhookEvent) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	value := event.EventType + "|" + event.GatewayRef + "|" + event.ReceivedAt.UTC().Format(time.RFC3339)

	ok, err := r.client.SetNX(ctx, webhookKeyPrefix+event.EventID, value, r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !ok {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// DeleteEvent removes a recorded event.
func (r *RedisWebhookRepository) DeleteEvent(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, webhookKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("failed to delete webhook event: %w", err)
	}
	return nil
}
