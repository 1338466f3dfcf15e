package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// DefaultExpiry is the default duration after which idempotency keys expire.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys removes idempotency keys older than expiry.
// Returns the number of keys deleted and any error encountered.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		slog.ErrorContext(ctx, "failed to cleanup old idempotency keys", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}

// RunPeriodicCleanup runs CleanupOldKeys every interval until ctx is cancelled
// or stop is closed. It blocks and should be run in a goroutine.
//
// Example usage:
//
//	stop := make(chan struct{})
//	go idempotency.RunPeriodicCleanup(ctx, repo, time.Hour, idempotency.DefaultExpiry, stop)
//	// ... later when shutting down
//	close(stop)
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, expiry time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := CleanupOldKeys(ctx, repo, expiry); err != nil {
		slog.ErrorContext(ctx, "initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldKeys(ctx, repo, expiry); err != nil {
				slog.ErrorContext(ctx, "periodic cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-stop:
			slog.Info("stopping periodic idempotency cleanup")
			return
		}
	}
}
