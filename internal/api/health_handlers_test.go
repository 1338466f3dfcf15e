package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockHealthChecker is a mock implementation of HealthChecker for testing.
type mockHealthChecker struct {
	shouldFail bool
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.shouldFail {
		return errors.New("health check failed")
	}
	return nil
}

// TestHealth_Success tests the basic health check endpoint.
func TestHealth_Success(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handlers.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %s", ct)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %s", response.Status)
	}
	if response.Checks["runtime"] != "ok" {
		t.Errorf("expected runtime check to be 'ok', got %s", response.Checks["runtime"])
	}
	if _, err := time.Parse(time.RFC3339, response.Timestamp); err != nil {
		t.Errorf("timestamp is not valid RFC3339: %v", err)
	}
}

func TestHealthEndpoints_MethodNotAllowed(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	for name, handler := range map[string]http.HandlerFunc{
		"/health": handlers.Health,
		"/ready":  handlers.Ready,
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(http.MethodPost, name, nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status 405, got %d", w.Code)
			}
		})
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		config     HealthHandlersConfig
		wantStatus int
		wantState  string
		wantChecks map[string]string
	}{
		{
			name: "all healthy",
			config: HealthHandlersConfig{
				DBChecker:    &mockHealthChecker{},
				RedisChecker: &mockHealthChecker{},
				GatewayCheckers: map[string]HealthChecker{
					"stripe": &mockHealthChecker{},
					"paypal": &mockHealthChecker{},
				},
			},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
			wantChecks: map[string]string{
				"database":       "ok",
				"redis":          "ok",
				"gateway_stripe": "ok",
				"gateway_paypal": "ok",
			},
		},
		{
			name:       "no checkers configured",
			config:     HealthHandlersConfig{},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
			wantChecks: map[string]string{"database": "ok", "redis": "ok"},
		},
		{
			name: "database down",
			config: HealthHandlersConfig{
				DBChecker:    &mockHealthChecker{shouldFail: true},
				RedisChecker: &mockHealthChecker{},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
			wantChecks: map[string]string{"database": "error", "redis": "ok"},
		},
		{
			name: "redis down",
			config: HealthHandlersConfig{
				RedisChecker: &mockHealthChecker{shouldFail: true},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
			wantChecks: map[string]string{"database": "ok", "redis": "error"},
		},
		{
			name: "gateway down degrades only",
			config: HealthHandlersConfig{
				DBChecker: &mockHealthChecker{},
				GatewayCheckers: map[string]HealthChecker{
					"stripe": &mockHealthChecker{shouldFail: true},
					"paypal": &mockHealthChecker{},
				},
			},
			wantStatus: http.StatusOK,
			wantState:  "degraded",
			wantChecks: map[string]string{
				"database":       "ok",
				"gateway_stripe": "error",
				"gateway_paypal": "ok",
			},
		},
		{
			name: "storage failure wins over degraded",
			config: HealthHandlersConfig{
				DBChecker: &mockHealthChecker{shouldFail: true},
				GatewayCheckers: map[string]HealthChecker{
					"stripe": &mockHealthChecker{shouldFail: true},
				},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
			wantChecks: map[string]string{"database": "error", "gateway_stripe": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := NewHealthHandlers(tt.config)

			w := httptest.NewRecorder()
			handlers.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}

			var response HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.wantState {
				t.Errorf("expected status %q, got %q", tt.wantState, response.Status)
			}
			for check, want := range tt.wantChecks {
				if response.Checks[check] != want {
					t.Errorf("expected %s check to be %s, got %s", check, want, response.Checks[check])
				}
			}
		})
	}
}
