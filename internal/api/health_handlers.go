package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/onnwee/paysettle/internal/middleware"
)

// readinessTimeout bounds all dependency checks of one readiness check.
const readinessTimeout = 5 * time.Second

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes.
type HealthHandlers struct {
	// Storage checkers (optional, nil when in-memory stores are used)
	dbChecker    HealthChecker
	redisChecker HealthChecker

	// Gateway reachability by gateway name. A gateway outage degrades the
	// service but does not take it out of rotation: pending payments are
	// reconciled once the gateway is back.
	gatewayCheckers map[string]HealthChecker
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	DBChecker       HealthChecker
	RedisChecker    HealthChecker
	GatewayCheckers map[string]HealthChecker
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		dbChecker:       config.DBChecker,
		redisChecker:    config.RedisChecker,
		gatewayCheckers: config.GatewayCheckers,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness).
// Returns 200 if the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	writeHealth(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness).
// Returns 503 when a storage dependency is unavailable. Gateway failures
// report "degraded" with 200.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true
	degraded := false

	// Unconfigured storage means in-memory stores, which are always available.
	for _, dep := range []struct {
		name    string
		checker HealthChecker
	}{
		{"database", h.dbChecker},
		{"redis", h.redisChecker},
	} {
		if !runCheck(ctx, checks, dep.name, dep.checker) {
			healthy = false
		}
	}

	names := make([]string, 0, len(h.gatewayCheckers))
	for name := range h.gatewayCheckers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !runCheck(ctx, checks, "gateway_"+name, h.gatewayCheckers[name]) {
			degraded = true
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	writeHealth(w, r, statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// runCheck records the result of checker under name and reports success.
func runCheck(ctx context.Context, checks map[string]string, name string, checker HealthChecker) bool {
	if checker == nil {
		checks[name] = "ok"
		return true
	}
	if err := checker.HealthCheck(ctx); err != nil {
		checks[name] = "error"
		slog.WarnContext(ctx, "health check failed", "check", name, "error", err)
		return false
	}
	checks[name] = "ok"
	return true
}

func writeHealth(w http.ResponseWriter, r *http.Request, status int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode health response", "error", err)
	}
}
