package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/paysettle/internal/ledger"
	"github.com/onnwee/paysettle/internal/middleware"
	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/settlement"
)

// stubIntentGateway is a two-phase gateway backed by an in-memory status table.
type stubIntentGateway struct {
	mu        sync.Mutex
	nextID    int
	createErr error
	statuses  map[string]payment.GatewayStatus
}

func newStubIntentGateway() *stubIntentGateway {
	return &stubIntentGateway{statuses: make(map[string]payment.GatewayStatus)}
}

func (s *stubIntentGateway) CreateIntent(_ context.Context, _ money.Money) (*payment.IntentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	id := fmt.Sprintf("pi_%d", s.nextID)
	s.statuses[id] = payment.GatewayPending
	return &payment.IntentResult{GatewayID: id, ClientSecret: id + "_secret", Status: payment.GatewayPending}, nil
}

func (s *stubIntentGateway) RetrieveIntent(ctx context.Context, gatewayID string) (*payment.IntentResult, error) {
	status, err := s.RetrieveStatus(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	return &payment.IntentResult{
		GatewayID:    gatewayID,
		ClientSecret: gatewayID + "_secret",
		Status:       status,
		Cancelable:   status == payment.GatewayPending,
	}, nil
}

func (s *stubIntentGateway) CancelIntent(_ context.Context, gatewayID string) (*payment.IntentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statuses[gatewayID] != payment.GatewayPending {
		return nil, fmt.Errorf("%w: intent %s cannot be cancelled", payment.ErrGatewayDeclined, gatewayID)
	}
	s.statuses[gatewayID] = payment.GatewayFailed
	return &payment.IntentResult{GatewayID: gatewayID, Status: payment.GatewayFailed}, nil
}

func (s *stubIntentGateway) RetrieveStatus(_ context.Context, gatewayID string) (payment.GatewayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[gatewayID]
	if !ok {
		return "", fmt.Errorf("%w: no such intent %s", payment.ErrGatewayDeclined, gatewayID)
	}
	return status, nil
}

func (s *stubIntentGateway) setStatus(gatewayID string, status payment.GatewayStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[gatewayID] = status
}

// stubCaptureGateway is a single-call gateway.
type stubCaptureGateway struct {
	mu       sync.Mutex
	status   payment.GatewayStatus
	err      error
	statuses map[string]payment.GatewayStatus
}

func newStubCaptureGateway() *stubCaptureGateway {
	return &stubCaptureGateway{
		status:   payment.GatewaySucceeded,
		statuses: make(map[string]payment.GatewayStatus),
	}
}

func (s *stubCaptureGateway) CaptureNow(_ context.Context, token string) (*payment.CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.statuses[token] = s.status
	return &payment.CaptureResult{GatewayID: token, Status: s.status}, nil
}

func (s *stubCaptureGateway) RetrieveStatus(_ context.Context, gatewayID string) (payment.GatewayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[gatewayID]
	if !ok {
		return "", fmt.Errorf("%w: no such order %s", payment.ErrGatewayDeclined, gatewayID)
	}
	return status, nil
}

type apiTestEnv struct {
	store    *ledger.InMemoryStore
	engine   *settlement.Engine
	stripe   *stubIntentGateway
	paypal   *stubCaptureGateway
	handlers *PaymentHandlers
}

// newAPITestEnv wires the real engine to in-memory storage and stub gateways.
// Order "order-1" (42.00 CAD) belongs to user "user-1"; "order-2" to "user-2".
func newAPITestEnv(t *testing.T) *apiTestEnv {
	t.Helper()

	store := ledger.NewInMemoryStore()
	stripe := newStubIntentGateway()
	paypal := newStubCaptureGateway()

	gateways := payment.NewGateways()
	gateways.Register(payment.MethodStripe, stripe)
	gateways.Register(payment.MethodPayPal, paypal)

	engine := settlement.NewEngine(store, gateways, settlement.Config{
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	for _, o := range []*order.Order{
		{ID: "order-1", UserID: "user-1", TotalAfterTax: money.New(4200, "cad")},
		{ID: "order-2", UserID: "user-2", TotalAfterTax: money.New(1000, "cad")},
	} {
		if err := store.InsertOrder(context.Background(), o); err != nil {
			t.Fatalf("InsertOrder(%s) failed: %v", o.ID, err)
		}
	}

	return &apiTestEnv{
		store:    store,
		engine:   engine,
		stripe:   stripe,
		paypal:   paypal,
		handlers: NewPaymentHandlers(engine, "cad"),
	}
}

func (env *apiTestEnv) orderStatus(t *testing.T, id string) order.Status {
	t.Helper()
	o, err := env.store.LoadOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadOrder(%s) failed: %v", id, err)
	}
	return o.Status
}

// newAuthedRequest builds a JSON request carrying userID as the authenticated caller.
func newAuthedRequest(method, path, userID string, body any) *http.Request {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req = req.WithContext(middleware.SetUserID(req.Context(), userID))
	}
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v, body: %s", err, w.Body.String())
	}
	return resp
}

func (env *apiTestEnv) initiate(t *testing.T, orderID, userID string) settlement.InitiateResult {
	t.Helper()
	w := httptest.NewRecorder()
	env.handlers.Initiate(w, newAuthedRequest(http.MethodPost, "/payments/stripe/intent", userID, InitiateRequest{OrderID: orderID}))
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("initiate: expected 201 or 200, got %d: %s", w.Code, w.Body.String())
	}
	var res settlement.InitiateResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode initiate response: %v", err)
	}
	return res
}

func TestInitiate_CreatesIntent(t *testing.T) {
	env := newAPITestEnv(t)

	w := httptest.NewRecorder()
	env.handlers.Initiate(w, newAuthedRequest(http.MethodPost, "/payments/stripe/intent", "user-1", InitiateRequest{OrderID: "order-1"}))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var res settlement.InitiateResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.PaymentID == "" {
		t.Error("expected payment_id in response")
	}
	if res.ClientSecret != "pi_1_secret" {
		t.Errorf("expected client secret pi_1_secret, got %s", res.ClientSecret)
	}
	if res.Amount.Minor != 4200 || res.Amount.Currency != "cad" {
		t.Errorf("expected amount 4200 cad, got %+v", res.Amount)
	}
	if env.orderStatus(t, "order-1") != order.StatusCreated {
		t.Error("initiate must not change the order")
	}
}

func TestInitiate_ResumesPendingIntent(t *testing.T) {
	env := newAPITestEnv(t)

	first := env.initiate(t, "order-1", "user-1")

	w := httptest.NewRecorder()
	env.handlers.Initiate(w, newAuthedRequest(http.MethodPost, "/payments/stripe/intent", "user-1", InitiateRequest{OrderID: "order-1"}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for resumed intent, got %d: %s", w.Code, w.Body.String())
	}

	var second settlement.InitiateResult
	if err := json.NewDecoder(w.Body).Decode(&second); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !second.Resumed {
		t.Error("expected resumed=true")
	}
	if second.PaymentID != first.PaymentID {
		t.Errorf("expected same payment %s, got %s", first.PaymentID, second.PaymentID)
	}
}

func TestInitiate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		body       any
		setup      func(env *apiTestEnv)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unauthenticated",
			body:       InitiateRequest{OrderID: "order-1"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrCodeAuthFailed,
		},
		{
			name:       "malformed body",
			userID:     "user-1",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeBadRequest,
		},
		{
			name:       "missing order id",
			userID:     "user-1",
			body:       InitiateRequest{},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "unknown order",
			userID:     "user-1",
			body:       InitiateRequest{OrderID: "missing"},
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeOrderNotFound,
		},
		{
			name:       "order of another user",
			userID:     "user-1",
			body:       InitiateRequest{OrderID: "order-2"},
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeOrderNotFound,
		},
		{
			name:   "gateway unavailable",
			userID: "user-1",
			body:   InitiateRequest{OrderID: "order-1"},
			setup: func(env *apiTestEnv) {
				env.stripe.createErr = fmt.Errorf("%w: timeout", payment.ErrGatewayUnavailable)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeGatewayUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPITestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			w := httptest.NewRecorder()
			env.handlers.Initiate(w, newAuthedRequest(http.MethodPost, "/payments/stripe/intent", tt.userID, tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected error code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestComplete_SettlesWhenGatewaySucceeded(t *testing.T) {
	env := newAPITestEnv(t)
	initiated := env.initiate(t, "order-1", "user-1")
	env.stripe.setStatus("pi_1", payment.GatewaySucceeded)

	body := CompleteRequest{OrderID: "order-1", PaymentID: initiated.PaymentID}

	w := httptest.NewRecorder()
	env.handlers.Complete(w, newAuthedRequest(http.MethodPost, "/payments/stripe/complete", "user-1", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var res settlement.CompleteResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Errorf("expected status SETTLED, got %s", res.Outcome)
	}
	if env.orderStatus(t, "order-1") != order.StatusPaid {
		t.Error("expected order to be PAID")
	}

	// A second completion reports the stored outcome.
	w = httptest.NewRecorder()
	env.handlers.Complete(w, newAuthedRequest(http.MethodPost, "/payments/stripe/complete", "user-1", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 on repeat, got %d: %s", w.Code, w.Body.String())
	}
	var repeat settlement.CompleteResult
	if err := json.NewDecoder(w.Body).Decode(&repeat); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if repeat.Outcome != settlement.OutcomeSettled || !repeat.AlreadyFinal {
		t.Errorf("expected already-final SETTLED, got %+v", repeat)
	}
}

func TestComplete_PendingLeavesOrderUnpaid(t *testing.T) {
	env := newAPITestEnv(t)
	initiated := env.initiate(t, "order-1", "user-1")

	w := httptest.NewRecorder()
	env.handlers.Complete(w, newAuthedRequest(http.MethodPost, "/payments/stripe/complete", "user-1",
		CompleteRequest{OrderID: "order-1", PaymentID: initiated.PaymentID}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var res settlement.CompleteResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Outcome != settlement.OutcomePending {
		t.Errorf("expected status PENDING, got %s", res.Outcome)
	}
	if env.orderStatus(t, "order-1") != order.StatusCreated {
		t.Error("expected order to stay CREATED")
	}
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       CompleteRequest
		wantStatus int
		wantCode   string
	}{
		{"missing ids", CompleteRequest{OrderID: "order-1"}, http.StatusBadRequest, ErrCodeValidation},
		{"unknown payment", CompleteRequest{OrderID: "order-1", PaymentID: "nope"}, http.StatusNotFound, ErrCodePaymentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPITestEnv(t)

			w := httptest.NewRecorder()
			env.handlers.Complete(w, newAuthedRequest(http.MethodPost, "/payments/stripe/complete", "user-1", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected error code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestComplete_PaymentOfDifferentOrder(t *testing.T) {
	env := newAPITestEnv(t)
	initiated := env.initiate(t, "order-1", "user-1")

	w := httptest.NewRecorder()
	env.handlers.Complete(w, newAuthedRequest(http.MethodPost, "/payments/stripe/complete", "user-2",
		CompleteRequest{OrderID: "order-2", PaymentID: initiated.PaymentID}))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodePaymentNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodePaymentNotFound, resp.Error.Code)
	}
}

func TestCapture_Settles(t *testing.T) {
	env := newAPITestEnv(t)

	w := httptest.NewRecorder()
	env.handlers.Capture(w, newAuthedRequest(http.MethodPost, "/payments/capture", "user-1", CaptureRequest{
		OrderID: "order-1",
		Amount:  "42.00",
		Method:  "paypal",
		Token:   "PAYPAL-ORDER-1",
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var res settlement.CaptureResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Outcome != settlement.OutcomeSettled {
		t.Errorf("expected status SETTLED, got %s", res.Outcome)
	}
	if env.orderStatus(t, "order-1") != order.StatusPaid {
		t.Error("expected order to be PAID")
	}

	// A paid order rejects any further attempt.
	w = httptest.NewRecorder()
	env.handlers.Initiate(w, newAuthedRequest(http.MethodPost, "/payments/stripe/intent", "user-1", InitiateRequest{OrderID: "order-1"}))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409 for paid order, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodeOrderAlreadySettled {
		t.Errorf("expected error code %s, got %s", ErrCodeOrderAlreadySettled, resp.Error.Code)
	}
}

func TestCapture_PendingIsAccepted(t *testing.T) {
	env := newAPITestEnv(t)
	env.paypal.status = payment.GatewayPending

	w := httptest.NewRecorder()
	env.handlers.Capture(w, newAuthedRequest(http.MethodPost, "/payments/capture", "user-1", CaptureRequest{
		OrderID: "order-1",
		Amount:  "42",
		Method:  "PAYPAL",
		Token:   "PAYPAL-ORDER-1",
	}))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if env.orderStatus(t, "order-1") != order.StatusCreated {
		t.Error("expected order to stay CREATED while capture is pending")
	}
}

func TestCapture_Errors(t *testing.T) {
	valid := CaptureRequest{OrderID: "order-1", Amount: "42.00", Method: "paypal", Token: "tok"}

	tests := []struct {
		name       string
		mutate     func(req *CaptureRequest)
		gatewayErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing token",
			mutate:     func(req *CaptureRequest) { req.Token = "" },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "unknown method",
			mutate:     func(req *CaptureRequest) { req.Method = "bitcoin" },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeUnsupportedMethod,
		},
		{
			name:       "malformed amount",
			mutate:     func(req *CaptureRequest) { req.Amount = "forty-two" },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrCodeInvalidAmount,
		},
		{
			name:       "sub-cent amount",
			mutate:     func(req *CaptureRequest) { req.Amount = "42.001" },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrCodeInvalidAmount,
		},
		{
			name:       "amount differs from order total",
			mutate:     func(req *CaptureRequest) { req.Amount = "41.99" },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrCodeInvalidAmount,
		},
		{
			name:       "amount that wraps int64 onto the order total",
			mutate:     func(req *CaptureRequest) { req.Amount = "184467440737095558.16" },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrCodeInvalidAmount,
		},
		{
			name:       "negative amount",
			mutate:     func(req *CaptureRequest) { req.Amount = "-42.00" },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   ErrCodeInvalidAmount,
		},
		{
			name:       "order of another user",
			mutate:     func(req *CaptureRequest) { req.OrderID = "order-2"; req.Amount = "10.00" },
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeOrderNotFound,
		},
		{
			name:       "declined",
			gatewayErr: fmt.Errorf("%w: INSTRUMENT_DECLINED", payment.ErrGatewayDeclined),
			wantStatus: http.StatusPaymentRequired,
			wantCode:   ErrCodeGatewayDeclined,
		},
		{
			name:       "gateway unavailable",
			gatewayErr: fmt.Errorf("%w: 503", payment.ErrGatewayUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeGatewayUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPITestEnv(t)
			env.paypal.err = tt.gatewayErr

			req := valid
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			w := httptest.NewRecorder()
			env.handlers.Capture(w, newAuthedRequest(http.MethodPost, "/payments/capture", "user-1", req))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected error code %s, got %s", tt.wantCode, resp.Error.Code)
			}
			if env.orderStatus(t, "order-1") != order.StatusCreated {
				t.Error("failed capture must leave the order unpaid")
			}
		})
	}
}

func TestVerify(t *testing.T) {
	env := newAPITestEnv(t)
	initiated := env.initiate(t, "order-1", "user-1")
	env.stripe.setStatus("pi_1", payment.GatewaySucceeded)

	req := newAuthedRequest(http.MethodGet, "/payments/"+initiated.PaymentID, "user-1", nil)
	req.SetPathValue("id", initiated.PaymentID)

	w := httptest.NewRecorder()
	env.handlers.Verify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var res settlement.VerifyResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.GatewayStatus != payment.GatewaySucceeded {
		t.Errorf("expected gateway status succeeded, got %s", res.GatewayStatus)
	}
	if res.Payment == nil || res.Payment.Status != payment.StatusPending {
		t.Errorf("expected local payment to remain PENDING, got %+v", res.Payment)
	}
	if env.orderStatus(t, "order-1") != order.StatusCreated {
		t.Error("verify must not settle the order")
	}
}

func TestVerify_NotFound(t *testing.T) {
	env := newAPITestEnv(t)
	initiated := env.initiate(t, "order-1", "user-1")

	tests := []struct {
		name      string
		userID    string
		paymentID string
	}{
		{"unknown payment", "user-1", "missing"},
		{"payment of another user", "user-2", initiated.PaymentID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newAuthedRequest(http.MethodGet, "/payments/"+tt.paymentID, tt.userID, nil)
			req.SetPathValue("id", tt.paymentID)

			w := httptest.NewRecorder()
			env.handlers.Verify(w, req)

			if w.Code != http.StatusNotFound {
				t.Fatalf("expected status 404, got %d: %s", w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error.Code != ErrCodePaymentNotFound {
				t.Errorf("expected error code %s, got %s", ErrCodePaymentNotFound, resp.Error.Code)
			}
		})
	}
}
