package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// redisOrSkip connects to a local Redis or skips the test.
func redisOrSkip(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("redis not available on localhost:6379")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func uniqueKey(prefix string) string {
	return prefix + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

func TestRedisRateLimitStore_CountsDownThenBlocks(t *testing.T) {
	client := redisOrSkip(t)
	store := NewRedisRateLimitStore(client)
	limit := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	key := uniqueKey("ratelimit:user:buyer")
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, key) })

	for want := 2; want >= 0; want-- {
		allowed, remaining, _ := store.Allow(ctx, key, limit)
		if !allowed || remaining != want {
			t.Fatalf("Allow() = (%v, %d), want (true, %d)", allowed, remaining, want)
		}
	}

	allowed, remaining, retryAfter := store.Allow(ctx, key, limit)
	if allowed || remaining != 0 {
		t.Errorf("Allow() over limit = (%v, %d), want (false, 0)", allowed, remaining)
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Errorf("retryAfter = %d, want 1..60", retryAfter)
	}
}

func TestRedisRateLimitStore_KeysAreIndependent(t *testing.T) {
	client := redisOrSkip(t)
	store := NewRedisRateLimitStore(client)
	limit := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	buyer := uniqueKey("ratelimit:user:buyer")
	other := uniqueKey("ratelimit:user:other")
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, buyer, other) })

	if allowed, _, _ := store.Allow(ctx, buyer, limit); !allowed {
		t.Fatal("first buyer request should be allowed")
	}
	if allowed, _, _ := store.Allow(ctx, buyer, limit); allowed {
		t.Fatal("second buyer request should be blocked")
	}
	if allowed, _, _ := store.Allow(ctx, other, limit); !allowed {
		t.Error("other user should not share the buyer's window")
	}
}

func TestRedisRateLimitStore_WindowResets(t *testing.T) {
	client := redisOrSkip(t)
	store := NewRedisRateLimitStore(client)
	limit := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 100 * time.Millisecond}
	key := uniqueKey("ratelimit:ip:203.0.113.7")
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, key) })

	store.Allow(ctx, key, limit)
	if allowed, _, _ := store.Allow(ctx, key, limit); allowed {
		t.Fatal("request inside the window should be blocked")
	}
	time.Sleep(150 * time.Millisecond)
	if allowed, _, _ := store.Allow(ctx, key, limit); !allowed {
		t.Error("request after the window should be allowed")
	}
}

func TestRedisRateLimitStore_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	store := NewRedisRateLimitStoreWithMetrics(client, metrics)
	handler := RateLimiter(store, DefaultPaymentLimit(), UserKeyFunc(), metrics)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }))

	req := httptest.NewRequest(http.MethodPost, "/payments/capture", nil)
	req = req.WithContext(SetUserID(req.Context(), "buyer-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d when redis is down", rr.Code, http.StatusCreated)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(DefaultPaymentLimit().RequestsPerWindow) {
		t.Errorf("X-RateLimit-Remaining = %q, want full quota", got)
	}
	if got := counterValue(t, metrics.rateLimitRedisErrors); got != 1 {
		t.Errorf("redis error counter = %v, want 1", got)
	}
}
