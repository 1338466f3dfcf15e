package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricOperationsTotal    = "settlement_operations_total"
	MetricGatewayCallsTotal  = "settlement_gateway_calls_total"
	MetricDuration           = "settlement_duration_seconds"
	MetricReconcileRunsTotal = "settlement_reconcile_runs_total"
	MetricReconcileResolved  = "settlement_reconcile_resolved_total"
)

// Metrics contains Prometheus metrics for settlement operations.
// All operations are thread-safe.
type Metrics struct {
	operations        *prometheus.CounterVec
	gatewayCalls      *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	reconcileRuns     *prometheus.CounterVec
	reconcileResolved *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperationsTotal,
				Help: "Total number of settlement engine operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGatewayCallsTotal,
				Help: "Total number of payment gateway calls by gateway, call and result",
			},
			[]string{"gateway", "call", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricDuration,
				Help:    "Histogram of settlement operation duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReconcileRunsTotal,
				Help: "Total number of pending payment reconciliation runs by status",
			},
			[]string{"status"},
		),
		reconcileResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReconcileResolved,
				Help: "Total number of pending payments resolved by reconciliation, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncOperation increments the operation counter.
func (m *Metrics) IncOperation(operation, outcome string) {
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// IncGatewayCall increments the gateway call counter.
func (m *Metrics) IncGatewayCall(gateway, call, result string) {
	m.gatewayCalls.WithLabelValues(gateway, call, result).Inc()
}

// ObserveDuration records an operation duration sample.
func (m *Metrics) ObserveDuration(operation string, seconds float64) {
	m.duration.WithLabelValues(operation).Observe(seconds)
}

// IncReconcileRun increments the reconcile run counter.
func (m *Metrics) IncReconcileRun(status string) {
	m.reconcileRuns.WithLabelValues(status).Inc()
}

// IncReconcileResolved increments the resolved payment counter.
func (m *Metrics) IncReconcileResolved(outcome string) {
	m.reconcileResolved.WithLabelValues(outcome).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.operations,
		m.gatewayCalls,
		m.duration,
		m.reconcileRuns,
		m.reconcileResolved,
	}
}
