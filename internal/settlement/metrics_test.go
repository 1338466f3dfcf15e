package settlement

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if got := len(m.Collectors()); got != 5 {
		t.Errorf("expected 5 collectors, got %d", got)
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}

		// Vec metrics only appear once a label set is used.
		m.IncOperation(OpComplete, outcomeSettled)
		m.IncGatewayCall("stripe", "retrieve_status", "ok")
		m.ObserveDuration(OpComplete, 0.2)
		m.IncReconcileRun("success")
		m.IncReconcileResolved(outcomeFailed)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}

		expectedNames := map[string]bool{
			MetricOperationsTotal:    false,
			MetricGatewayCallsTotal:  false,
			MetricDuration:           false,
			MetricReconcileRunsTotal: false,
			MetricReconcileResolved:  false,
		}
		for _, family := range families {
			if _, ok := expectedNames[family.GetName()]; ok {
				expectedNames[family.GetName()] = true
			}
		}
		for name, found := range expectedNames {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func TestMetrics_GatewayCallLabels(t *testing.T) {
	m := NewMetrics()
	m.IncGatewayCall("paypal", "capture", "declined")
	m.IncGatewayCall("paypal", "capture", "declined")

	if got := getCounterValue(m.gatewayCalls.WithLabelValues("paypal", "capture", "declined")); got != 2 {
		t.Errorf("expected 2 declined captures, got %v", got)
	}
}
