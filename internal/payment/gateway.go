package payment

import (
	"context"
	"errors"

	"github.com/onnwee/paysettle/internal/money"
)

// GatewayStatus is the normalized status reported by a payment gateway.
// Gateway-specific states are mapped to this closed set at the client boundary.
type GatewayStatus string

// Normalized gateway statuses.
const (
	GatewaySucceeded GatewayStatus = "succeeded"
	GatewayPending   GatewayStatus = "pending"
	GatewayFailed    GatewayStatus = "failed"
)

// Gateway errors. Clients never return raw SDK errors; they wrap one of these.
var (
	// ErrGatewayUnavailable indicates a transient network, auth, or gateway-side failure.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayDeclined indicates the gateway refused the charge.
	ErrGatewayDeclined = errors.New("payment declined by gateway")

	// ErrInvalidAmount indicates a non-positive or otherwise unacceptable amount.
	ErrInvalidAmount = errors.New("invalid payment amount")
)

// IntentResult describes a gateway-side intent.
type IntentResult struct {
	GatewayID    string
	ClientSecret string
	Status       GatewayStatus
	// Cancelable is true while the intent waits on the customer and nothing
	// has been charged or authorized yet.
	Cancelable bool
}

// StatusGateway reports the authoritative status of a gateway record.
type StatusGateway interface {
	// RetrieveStatus is read-only and safe to call repeatedly.
	RetrieveStatus(ctx context.Context, gatewayID string) (GatewayStatus, error)
}

// IntentGateway is the two-phase capability: create an intent that the client
// confirms, then query its authoritative status.
type IntentGateway interface {
	// CreateIntent creates a payment intent for amount.
	CreateIntent(ctx context.Context, amount money.Money) (*IntentResult, error)

	// RetrieveIntent returns the current state of an intent. It is read-only and
	// safe to call repeatedly.
	RetrieveIntent(ctx context.Context, gatewayID string) (*IntentResult, error)

	// CancelIntent cancels an intent the customer abandoned. It fails with
	// ErrGatewayDeclined once the intent is processing or finished.
	CancelIntent(ctx context.Context, gatewayID string) (*IntentResult, error)
}

// CaptureResult is the outcome of a single-call capture.
type CaptureResult struct {
	GatewayID string
	Status    GatewayStatus
	// Amount is what the gateway reports as captured. It is the zero Money
	// when the gateway response carried no amount.
	Amount money.Money
}

// CaptureGateway is the single-call capability: charge and report in one round trip.
type CaptureGateway interface {
	// CaptureNow captures the payment identified by token.
	CaptureNow(ctx context.Context, token string) (*CaptureResult, error)
}

// Gateways indexes the configured gateway clients by payment method.
type Gateways struct {
	intents  map[Method]IntentGateway
	captures map[Method]CaptureGateway
	statuses map[Method]StatusGateway
}

// NewGateways creates an empty gateway registry.
func NewGateways() *Gateways {
	return &Gateways{
		intents:  make(map[Method]IntentGateway),
		captures: make(map[Method]CaptureGateway),
		statuses: make(map[Method]StatusGateway),
	}
}

// Register adds a gateway client for method. The client is registered for every
// capability it implements.
func (g *Gateways) Register(method Method, client any) {
	if ig, ok := client.(IntentGateway); ok {
		g.intents[method] = ig
	}
	if cg, ok := client.(CaptureGateway); ok {
		g.captures[method] = cg
	}
	if sg, ok := client.(StatusGateway); ok {
		g.statuses[method] = sg
	}
}

// Intent returns the two-phase client for method.
func (g *Gateways) Intent(method Method) (IntentGateway, bool) {
	ig, ok := g.intents[method]
	return ig, ok
}

// Capture returns the single-call client for method.
func (g *Gateways) Capture(method Method) (CaptureGateway, bool) {
	cg, ok := g.captures[method]
	return cg, ok
}

// Status returns the status-query client for method.
func (g *Gateways) Status(method Method) (StatusGateway, bool) {
	sg, ok := g.statuses[method]
	return sg, ok
}
