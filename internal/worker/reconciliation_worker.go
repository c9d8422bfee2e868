package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/observability"
	"github.com/ayo6706/account-eventsourcing/internal/service"
)

// Reconciler compares loaded accounts with their event logs.
type Reconciler interface {
	Run(ctx context.Context) (*service.ReconciliationReport, error)
}

// ReconciliationWorker periodically checks every resident account against a
// fold of its event log. Diverged accounts are replayed by the reconciler and
// reported here together with the count of stuck transfers.
type ReconciliationWorker struct {
	svc      Reconciler
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciliationWorker constructs a worker with a default hourly interval.
func NewReconciliationWorker(svc Reconciler) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		interval: time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs reconciliation at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	if _, err := w.ProcessOnce(ctx); err != nil {
		zap.L().Error("reconciliation run failed", zap.Error(err))
	}
}

// ProcessOnce runs a single pass. A partial report is returned alongside an
// error when some accounts could not be checked.
func (w *ReconciliationWorker) ProcessOnce(ctx context.Context) (*service.ReconciliationReport, error) {
	report, err := w.svc.Run(ctx)
	if report != nil {
		if len(report.Imbalanced) > 0 {
			zap.L().Warn("replayed diverged accounts",
				zap.Strings("account_ids", report.Imbalanced),
				zap.Int("accounts_checked", report.Checked))
		}
		if report.StuckTransfers > 0 {
			zap.L().Warn("transfers awaiting recovery", zap.Int("count", report.StuckTransfers))
		}
	}
	if err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		return report, err
	}
	observability.IncrementWorkerRun("reconciliation", "success")
	return report, nil
}

func (w *ReconciliationWorker) String() string {
	return fmt.Sprintf("ReconciliationWorker(interval=%v)", w.interval)
}
