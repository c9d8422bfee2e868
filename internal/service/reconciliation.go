package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
)

const stuckScanLimit = 1000

// ReconciliationReport summarizes one reconciliation pass.
type ReconciliationReport struct {
	Checked        int      `json:"checked"`
	Imbalanced     []string `json:"imbalanced,omitempty"`
	StuckTransfers int      `json:"stuck_transfers"`
}

// ReconciliationService verifies that every loaded aggregate still matches its
// durable log and counts transfers that recovery has not resolved.
type ReconciliationService struct {
	registry   *registry.Registry
	events     EventReader
	transfers  TransferStore
	staleAfter time.Duration
	logger     *zap.Logger
}

func NewReconciliationService(reg *registry.Registry, events EventReader, transfers TransferStore, staleAfter time.Duration, logger *zap.Logger) *ReconciliationService {
	if logger == nil {
		logger = zap.L()
	}
	return &ReconciliationService{
		registry:   reg,
		events:     events,
		transfers:  transfers,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run compares each active aggregate with a fold of its log. A diverged
// aggregate is replayed so it serves the durable state again. Accounts that
// passivate during the pass are skipped rather than reloaded.
func (s *ReconciliationService) Run(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{}
	var errs []error

	for _, id := range s.registry.IDs() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		imbalanced, resident, err := registry.DoResident(ctx, s.registry, id, s.check)
		if err != nil {
			if errors.Is(err, registry.ErrClosed) {
				return report, err
			}
			errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
			continue
		}
		if !resident {
			continue
		}
		report.Checked++
		if imbalanced {
			report.Imbalanced = append(report.Imbalanced, id)
		}
	}

	stuck, err := s.transfers.ListTransfersByStatus(ctx, pendingTransferStatuses, time.Now().UTC().Add(-s.staleAfter), stuckScanLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("count stuck transfers: %w", err))
	} else {
		report.StuckTransfers = len(stuck)
		observability.SetStuckTransfers(len(stuck))
		if len(stuck) > 0 {
			s.logger.Warn("stuck transfers pending recovery", zap.Int("count", len(stuck)))
		}
	}

	if len(report.Imbalanced) == 0 {
		s.logger.Info("Ledger Balanced", zap.Int("accounts_checked", report.Checked))
	}
	return report, errors.Join(errs...)
}

func (s *ReconciliationService) check(ctx context.Context, agg *account.Aggregate) (bool, error) {
	events, err := s.events.ReadAll(ctx, agg.ID())
	if err != nil {
		return false, err
	}
	durable := account.Fold(events)
	if durable.Equal(agg.Balance()) && uint64(len(events)) == agg.Version() {
		return false, nil
	}

	observability.IncrementLedgerImbalance("balance")
	s.logger.Error("CRITICAL: account diverged from its event log",
		zap.String("account_id", agg.ID()),
		zap.String("memory_balance", agg.Balance().String()),
		zap.String("log_balance", durable.String()),
		zap.Uint64("memory_version", agg.Version()),
		zap.Int("log_version", len(events)))
	if err := agg.Replay(ctx); err != nil {
		return true, fmt.Errorf("replay %s: %w", agg.ID(), err)
	}
	return true, nil
}
