package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/paysettle/internal/ledger"
	"github.com/onnwee/paysettle/internal/payment"
)

// PendingSource lists payments still awaiting a gateway verdict, in
// (created_at, id) order after the given cursor.
type PendingSource interface {
	ListPendingPayments(ctx context.Context, cutoff time.Time, after ledger.PendingCursor, limit int) ([]*payment.Payment, error)
}

// Completer settles a single payment. *Engine implements it.
type Completer interface {
	Complete(ctx context.Context, orderID, paymentID string) (*CompleteResult, error)
}

// ReconcilerConfig configures the pending payment reconciler.
type ReconcilerConfig struct {
	// Interval is the duration between reconciliation runs.
	Interval time.Duration
	// PendingAge is how long a payment must have been pending before it is swept.
	PendingAge time.Duration
	// BatchSize caps the number of payments processed per run. When a run
	// fills its batch the next run resumes after the last payment it saw.
	BatchSize int
	// Timeout for each reconciliation run.
	Timeout time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics for run tracking. Optional.
	Metrics *Metrics
}

// Reconciler defaults.
const (
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReconcilePendingAge = 15 * time.Minute
	DefaultReconcileBatchSize  = 100
	DefaultReconcileTimeout    = time.Minute
)

// ReconcileSummary reports what a single run did.
type ReconcileSummary struct {
	Scanned      int
	Settled      int
	Failed       int
	StillPending int
	Errors       int
}

// Reconciler periodically completes payments left PENDING, typically because the
// customer abandoned the browser flow or a gateway notification was lost.
type Reconciler struct {
	config    ReconcilerConfig
	source    PendingSource
	completer Completer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cursor  ledger.PendingCursor
}

// NewReconciler creates a new reconciler.
func NewReconciler(config ReconcilerConfig, source PendingSource, completer Completer) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultReconcileInterval
	}
	if config.PendingAge <= 0 {
		config.PendingAge = DefaultReconcilePendingAge
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReconcileBatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultReconcileTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reconciler{
		config:    config,
		source:    source,
		completer: completer,
	}
}

// Start begins periodic reconciliation.
// Returns immediately; the job runs in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop signals the reconciler to stop and waits for the current run to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// IsRunning returns whether the reconciler is currently running.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.config.Logger.Info("payment reconciler stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.config.Logger.Info("payment reconciler stopping due to stop signal")
			return
		case <-ticker.C:
			r.ReconcileNow(ctx)
		}
	}
}

// ReconcileNow runs one reconciliation pass immediately.
func (r *Reconciler) ReconcileNow(parentCtx context.Context) ReconcileSummary {
	ctx, cancel := context.WithTimeout(parentCtx, r.config.Timeout)
	defer cancel()

	var summary ReconcileSummary
	startTime := time.Now()

	cutoff := startTime.Add(-r.config.PendingAge)
	r.mu.Lock()
	after := r.cursor
	r.mu.Unlock()

	pending, err := r.source.ListPendingPayments(ctx, cutoff, after, r.config.BatchSize)
	if err != nil {
		r.config.Logger.Error("failed to list pending payments", "error", err)
		if r.config.Metrics != nil {
			r.config.Metrics.IncReconcileRun("failure")
		}
		summary.Errors++
		return summary
	}

	// A full batch may hide older rows that never leave PENDING, so the next
	// run continues behind this one. A short batch reached the end.
	next := ledger.PendingCursor{}
	if len(pending) == r.config.BatchSize {
		next = ledger.CursorAfter(pending[len(pending)-1])
	}
	r.mu.Lock()
	r.cursor = next
	r.mu.Unlock()

	for _, p := range pending {
		if ctx.Err() != nil {
			r.config.Logger.Error("payment reconciliation timeout exceeded",
				"processed", summary.Scanned,
				"total", len(pending),
				"timeout", r.config.Timeout)
			summary.Errors++
			break
		}
		summary.Scanned++

		res, err := r.completer.Complete(ctx, p.OrderID, p.ID)
		if err != nil {
			r.config.Logger.Warn("failed to reconcile payment",
				"order_id", p.OrderID,
				"payment_id", p.ID,
				"error", err)
			summary.Errors++
			continue
		}

		switch res.Outcome {
		case OutcomeSettled:
			summary.Settled++
		case OutcomeFailed:
			summary.Failed++
		default:
			summary.StillPending++
		}
		if r.config.Metrics != nil && res.Outcome != OutcomePending {
			r.config.Metrics.IncReconcileResolved(outcomeLabel(res.Outcome))
		}
	}

	status := "success"
	if summary.Errors > 0 {
		status = "failure"
	}
	if r.config.Metrics != nil {
		r.config.Metrics.IncReconcileRun(status)
	}

	if summary.Scanned > 0 {
		r.config.Logger.Info("payment reconciliation completed",
			"duration_seconds", time.Since(startTime).Seconds(),
			"scanned", summary.Scanned,
			"settled", summary.Settled,
			"failed", summary.Failed,
			"still_pending", summary.StillPending,
			"errors", summary.Errors)
	}
	return summary
}
