package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/observability"
)

// Recoverer resumes transfers that stopped before reaching a final status.
type Recoverer interface {
	RecoverPending(ctx context.Context, limit int, staleAfter time.Duration) (int, error)
}

// RecoveryWorker drives stuck transfers to completion in the background.
// It polls for stale pending transfers at regular intervals and resumes them.
type RecoveryWorker struct {
	recoverer    Recoverer
	pollInterval time.Duration
	staleAfter   time.Duration
	batchSize    int
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewRecoveryWorker(r Recoverer) *RecoveryWorker {
	return &RecoveryWorker{
		recoverer:    r,
		pollInterval: 10 * time.Second,
		staleAfter:   30 * time.Second,
		batchSize:    50,
		stopCh:       make(chan struct{}),
	}
}

func (w *RecoveryWorker) WithPollInterval(interval time.Duration) *RecoveryWorker {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithStaleAfter sets how long a transfer must be idle before it is resumed.
func (w *RecoveryWorker) WithStaleAfter(d time.Duration) *RecoveryWorker {
	if d >= 0 {
		w.staleAfter = d
	}
	return w
}

func (w *RecoveryWorker) WithBatchSize(size int) *RecoveryWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks until Stop is called or ctx is canceled. The first pass runs
// immediately so transfers interrupted by a restart are picked up at boot.
func (w *RecoveryWorker) Start(ctx context.Context) {
	zap.L().Info("recovery worker starting",
		zap.Duration("interval", w.pollInterval),
		zap.Duration("stale_after", w.staleAfter),
		zap.Int("batch_size", w.batchSize))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.processBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("recovery worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("recovery worker stop signal received")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *RecoveryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *RecoveryWorker) processBatch(ctx context.Context) {
	if _, err := w.ProcessOnce(ctx); err != nil {
		zap.L().Error("transfer recovery failed", zap.Error(err))
	}
}

// ProcessOnce runs a single recovery pass immediately.
func (w *RecoveryWorker) ProcessOnce(ctx context.Context) (int, error) {
	n, err := w.recoverer.RecoverPending(ctx, w.batchSize, w.staleAfter)
	if err != nil {
		observability.IncrementWorkerRun("recovery", "failed")
		return n, err
	}
	observability.IncrementWorkerRun("recovery", "success")
	if n > 0 {
		zap.L().Info("recovered transfers", zap.Int("count", n))
	}
	return n, nil
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RecoveryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *RecoveryWorker) String() string {
	return fmt.Sprintf("RecoveryWorker(interval=%v, stale_after=%v, batch=%d)", w.pollInterval, w.staleAfter, w.batchSize)
}
