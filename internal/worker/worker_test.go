package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayo6706/account-eventsourcing/internal/service"
)

type fakeRecoverer struct {
	calls     atomic.Int32
	lastLimit atomic.Int32
	err       error
}

func (f *fakeRecoverer) RecoverPending(ctx context.Context, limit int, staleAfter time.Duration) (int, error) {
	f.calls.Add(1)
	f.lastLimit.Store(int32(limit))
	return 2, f.err
}

type fakeReconciler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReconciler) Run(ctx context.Context) (*service.ReconciliationReport, error) {
	f.calls.Add(1)
	return &service.ReconciliationReport{Checked: 3, Imbalanced: []string{"acc-1"}, StuckTransfers: 1}, f.err
}

func TestRecoveryWorker_ProcessOnce(t *testing.T) {
	rec := &fakeRecoverer{}
	w := NewRecoveryWorker(rec).WithBatchSize(7)

	n, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(7), rec.lastLimit.Load())

	rec.err = errors.New("store down")
	_, err = w.ProcessOnce(context.Background())
	assert.Error(t, err)
}

func TestRecoveryWorker_RunsImmediatelyAndStops(t *testing.T) {
	rec := &fakeRecoverer{}
	w := NewRecoveryWorker(rec).WithPollInterval(10 * time.Millisecond)

	stop := w.Run(context.Background())
	require.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()
	stop()
	assert.Contains(t, w.String(), "RecoveryWorker")
}

func TestReconciliationWorker_StopsOnContextCancel(t *testing.T) {
	rec := &fakeReconciler{}
	w := NewReconciliationWorker(rec).WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestReconciliationWorker_ProcessOnce(t *testing.T) {
	rec := &fakeReconciler{}
	w := NewReconciliationWorker(rec).WithInterval(time.Minute)
	assert.Equal(t, "ReconciliationWorker(interval=1m0s)", w.String())

	report, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, []string{"acc-1"}, report.Imbalanced)

	rec.err = errors.New("store down")
	report, err = w.ProcessOnce(context.Background())
	assert.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.StuckTransfers)
}
