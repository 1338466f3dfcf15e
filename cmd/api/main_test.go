package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/paysettle/internal/api"
	"github.com/onnwee/paysettle/internal/auth"
	"github.com/onnwee/paysettle/internal/config"
	"github.com/onnwee/paysettle/internal/ledger"
	"github.com/onnwee/paysettle/internal/middleware"
	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/settlement"
)

const testJWTSecret = "test-secret-key-at-least-32-chars!"

// fakeStripe is a two-phase gateway whose intents stay pending until marked.
type fakeStripe struct {
	mu       sync.Mutex
	next     int
	statuses map[string]payment.GatewayStatus
}

func (f *fakeStripe) CreateIntent(_ context.Context, _ money.Money) (*payment.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("pi_test_%d", f.next)
	f.statuses[id] = payment.GatewayPending
	return &payment.IntentResult{GatewayID: id, ClientSecret: id + "_secret", Status: payment.GatewayPending}, nil
}

func (f *fakeStripe) RetrieveIntent(_ context.Context, id string) (*payment.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[id]
	if !ok {
		return nil, payment.ErrGatewayDeclined
	}
	return &payment.IntentResult{GatewayID: id, ClientSecret: id + "_secret", Status: status}, nil
}

func (f *fakeStripe) CancelIntent(_ context.Context, id string) (*payment.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[id] != payment.GatewayPending {
		return nil, payment.ErrGatewayDeclined
	}
	f.statuses[id] = payment.GatewayFailed
	return &payment.IntentResult{GatewayID: id, Status: payment.GatewayFailed}, nil
}

func (f *fakeStripe) RetrieveStatus(ctx context.Context, id string) (payment.GatewayStatus, error) {
	res, err := f.RetrieveIntent(ctx, id)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (f *fakeStripe) succeed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = payment.GatewaySucceeded
}

type testApp struct {
	*app
	stripe *fakeStripe
	token  string
}

// newTestApp wires the production router against in-memory storage and a
// fake Stripe. Order "order-1" (42.00 CAD) belongs to "user-1".
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := &config.Config{
		Env:                 "test",
		JWTSecret:           testJWTSecret,
		StripeAPIKey:        "sk_test_123",
		StripeWebhookSecret: "whsec_test",
		PayPalMode:          "sandbox",
		Currency:            "cad",
		GatewayMaxRetries:   0,
		ReconcileInterval:   time.Hour,
		ReconcilePendingAge: time.Hour,
	}

	stripe := &fakeStripe{statuses: make(map[string]payment.GatewayStatus)}
	gateways := payment.NewGateways()
	gateways.Register(payment.MethodStripe, stripe)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger, appOptions{
		gateways:        gateways,
		gatewayCheckers: map[string]api.HealthChecker{},
	})
	t.Cleanup(func() { _ = a.close() })
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}

	store, ok := a.store.(*ledger.InMemoryStore)
	if !ok {
		t.Fatalf("expected in-memory ledger, got %T", a.store)
	}
	if err := store.InsertOrder(context.Background(), &order.Order{
		ID: "order-1", UserID: "user-1", TotalAfterTax: money.New(4200, "cad"),
	}); err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}

	token, err := auth.NewJWTService(testJWTSecret).GenerateAccessToken("user-1")
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	return &testApp{app: a, stripe: stripe, token: token}
}

func (ta *testApp) do(t *testing.T, method, path, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ta.token)
	if idemKey != "" {
		req.Header.Set(middleware.IdempotencyKeyHeader, idemKey)
	}
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Error.Code
}

func TestRouter_HealthEndpoints(t *testing.T) {
	ta := newTestApp(t)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			ta.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestRouter_MetricsExposesRegisteredCollectors(t *testing.T) {
	ta := newTestApp(t)

	// Populate the HTTP request series.
	ta.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, name := range []string{"go_goroutines", "http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to expose %s", name)
		}
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	ta := newTestApp(t)

	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request ID on every response")
	}
}

func TestRouter_NotFound(t *testing.T) {
	ta := newTestApp(t)

	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != api.ErrCodeNotFound {
		t.Errorf("expected error code %s, got %s", api.ErrCodeNotFound, code)
	}
}

func TestRouter_PaymentRoutesRequireAuth(t *testing.T) {
	ta := newTestApp(t)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/payments/stripe/intent"},
		{http.MethodPost, "/payments/stripe/complete"},
		{http.MethodPost, "/payments/capture"},
		{http.MethodGet, "/payments/pay-1"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			ta.handler.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, strings.NewReader("{}")))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", w.Code)
			}
		})
	}
}

func TestRouter_SettlementWritesRequireIdempotencyKey(t *testing.T) {
	ta := newTestApp(t)

	w := ta.do(t, http.MethodPost, "/payments/stripe/intent", "", api.InitiateRequest{OrderID: "order-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "missing_idempotency_key" {
		t.Errorf("expected missing_idempotency_key, got %s", code)
	}
}

func TestRouter_WebhookRequiresSignature(t *testing.T) {
	ta := newTestApp(t)

	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/stripe", strings.NewReader(`{"id":"evt_1"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestRouter_TwoPhaseSettlement(t *testing.T) {
	ta := newTestApp(t)

	w := ta.do(t, http.MethodPost, "/payments/stripe/intent", "intent-1", api.InitiateRequest{OrderID: "order-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	first := w.Body.String()
	var initiated settlement.InitiateResult
	if err := json.Unmarshal(w.Body.Bytes(), &initiated); err != nil {
		t.Fatalf("decode initiate: %v", err)
	}
	if initiated.ClientSecret != "pi_test_1_secret" {
		t.Errorf("unexpected client secret %q", initiated.ClientSecret)
	}

	// A retried request with the same key is replayed, not re-executed.
	w = ta.do(t, http.MethodPost, "/payments/stripe/intent", "intent-1", api.InitiateRequest{OrderID: "order-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("replay: expected status 201, got %d", w.Code)
	}
	if w.Header().Get(middleware.IdempotentReplayedHeader) != "true" {
		t.Error("expected replayed response")
	}
	if w.Body.String() != first {
		t.Errorf("replayed body differs:\n%s\n%s", first, w.Body.String())
	}
	if ta.stripe.next != 1 {
		t.Errorf("expected one intent to be created, got %d", ta.stripe.next)
	}

	// The client reports success before the gateway does: nothing settles.
	complete := api.CompleteRequest{OrderID: "order-1", PaymentID: initiated.PaymentID}
	w = ta.do(t, http.MethodPost, "/payments/stripe/complete", "complete-1", complete)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var res settlement.CompleteResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if res.Outcome != settlement.OutcomePending {
		t.Fatalf("expected PENDING before gateway confirmation, got %s", res.Outcome)
	}

	ta.stripe.succeed("pi_test_1")
	w = ta.do(t, http.MethodPost, "/payments/stripe/complete", "complete-2", complete)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Fatalf("expected SETTLED, got %s", res.Outcome)
	}

	o, err := ta.store.LoadOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("LoadOrder failed: %v", err)
	}
	if o.Status != order.StatusPaid {
		t.Errorf("expected order PAID, got %s", o.Status)
	}

	w = ta.do(t, http.MethodGet, "/payments/"+initiated.PaymentID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// Settling again is refused.
	w = ta.do(t, http.MethodPost, "/payments/stripe/intent", "intent-2", api.InitiateRequest{OrderID: "order-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for a paid order, got %d", w.Code)
	}
}

func TestRouter_CaptureWithUnconfiguredGateway(t *testing.T) {
	ta := newTestApp(t)

	w := ta.do(t, http.MethodPost, "/payments/capture", "capture-1", api.CaptureRequest{
		OrderID: "order-1", Amount: "42.00", Method: "paypal", Token: "PAYPAL-ORDER-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != api.ErrCodeUnsupportedMethod {
		t.Errorf("expected %s, got %s", api.ErrCodeUnsupportedMethod, code)
	}
}

func TestNewGatewayCheckers(t *testing.T) {
	cfg := &config.Config{PayPalMode: "live"}
	if got := newGatewayCheckers(cfg); len(got) != 1 || got["stripe"] == nil {
		t.Errorf("expected only a stripe checker, got %v", got)
	}

	cfg.PayPalClientID, cfg.PayPalClientSecret = "id", "secret"
	if got := newGatewayCheckers(cfg); got["paypal"] == nil {
		t.Error("expected a paypal checker when PayPal is configured")
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	ta := newTestApp(t)

	// An in-flight request must complete during shutdown.
	started := make(chan struct{})
	ta.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var logBuf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serve(ctx, ln, ta.app, logger) }()

	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(body)}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server failed to stop in time")
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("in-flight request failed: %v", res.err)
	}
	if res.status != http.StatusOK || res.body != "done" {
		t.Errorf("unexpected in-flight response: %d %q", res.status, res.body)
	}

	if ta.reconciler.IsRunning() {
		t.Error("reconciler should be stopped after shutdown")
	}

	logs := logBuf.String()
	startIdx := strings.Index(logs, "starting server")
	shutdownIdx := strings.Index(logs, "shutting down server")
	stoppedIdx := strings.Index(logs, "server stopped")
	if startIdx == -1 || shutdownIdx == -1 || stoppedIdx == -1 {
		t.Fatalf("missing lifecycle log lines:\n%s", logs)
	}
	if !(startIdx < shutdownIdx && shutdownIdx < stoppedIdx) {
		t.Error("lifecycle log lines out of order")
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
