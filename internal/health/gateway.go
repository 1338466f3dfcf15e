package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Gateway API base URLs checked for reachability.
const (
	StripeAPIURL        = "https://api.stripe.com/healthcheck"
	PayPalSandboxAPIURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveAPIURL    = "https://api-m.paypal.com"
)

// GatewayChecker checks that a payment gateway API answers HTTP requests.
// No credentials are sent: any response below 500 means the gateway is up.
type GatewayChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewGatewayChecker creates a reachability checker for the gateway at url.
func NewGatewayChecker(name, url string) *GatewayChecker {
	return &GatewayChecker{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck issues a GET against the gateway URL.
func (g *GatewayChecker) HealthCheck(ctx context.Context) error {
	if g.url == "" {
		return fmt.Errorf("%s url not configured", g.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", g.name, resp.StatusCode)
	}
	return nil
}

// Checker is anything that can report its health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CachedChecker remembers the last result of a checker for ttl so that
// frequent readiness checks do not turn into gateway traffic.
type CachedChecker struct {
	inner Checker
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	lastErr   error
	checkedAt time.Time
}

// NewCachedChecker wraps inner with a result cache.
func NewCachedChecker(inner Checker, ttl time.Duration) *CachedChecker {
	return &CachedChecker{inner: inner, ttl: ttl, now: time.Now}
}

// HealthCheck returns the cached result, refreshing it once it is older than ttl.
func (c *CachedChecker) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.ttl {
		return c.lastErr
	}
	c.lastErr = c.inner.HealthCheck(ctx)
	c.checkedAt = c.now()
	return c.lastErr
}
