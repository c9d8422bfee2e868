package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/gateway"
	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
)

type TransferRequest struct {
	TransferID    string
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
}

type TransferResult struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func resultOf(t *models.Transfer) *TransferResult {
	return &TransferResult{TransferID: t.ID, Status: t.Status, Reason: t.Reason}
}

// TransferCoordinator moves funds between two accounts as a saga:
//
//	INITIATED -> DEBIT_APPLIED -> COMPLETED
//	INITIATED -> DEBIT_APPLIED -> REVERSING -> DEBIT_REVERSED -> FAILED
//	INITIATED -> REVERSING -> DEBIT_REVERSED | FAILED
//	INITIATED -> FAILED
//
// Every step is persisted before the next one starts, so a crash at any point
// is resumed by RecoverPending. REVERSING is recorded before the first
// reversal call; from there the transfer can only be reversed.
type TransferCoordinator struct {
	accounts gateway.Accounts
	store    TransferStore
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	retryAttempts       uint
	retryBackoff        time.Duration
	deadline            time.Duration
	compensationTimeout time.Duration

	inflight sync.Map
}

type CoordinatorOption func(*TransferCoordinator)

// WithCreditRetry bounds the attempts made for each saga step that talks to
// an account: the debit, the credit and the reversal.
func WithCreditRetry(maxAttempts uint, initialBackoff time.Duration) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if maxAttempts > 0 {
			c.retryAttempts = maxAttempts
		}
		if initialBackoff > 0 {
			c.retryBackoff = initialBackoff
		}
	}
}

// WithTransferDeadline bounds the debit and credit phases. When it passes the
// coordinator compensates.
func WithTransferDeadline(d time.Duration) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if d > 0 {
			c.deadline = d
		}
	}
}

func WithCompensationTimeout(d time.Duration) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

func WithIDGenerator(fn func() string) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewTransferCoordinator(accounts gateway.Accounts, store TransferStore, opts ...CoordinatorOption) *TransferCoordinator {
	c := &TransferCoordinator{
		accounts:            accounts,
		store:               store,
		logger:              zap.L(),
		now:                 time.Now,
		newID:               uuid.NewString,
		retryAttempts:       5,
		retryBackoff:        50 * time.Millisecond,
		deadline:            5 * time.Second,
		compensationTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transfer runs (or resumes) the transfer identified by req.TransferID,
// generating an id when none is given. Validation failures of the request or
// of the debit are returned as errors. Once the debit is durable the outcome is
// reported as COMPLETED or FAILED; an error wrapping
// domain.ErrTransferInconsistency means the transfer is left for recovery.
func (c *TransferCoordinator) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := domain.ValidateAccountID(req.FromAccountID); err != nil {
		return nil, fmt.Errorf("source account: %w", err)
	}
	if err := domain.ValidateAccountID(req.ToAccountID); err != nil {
		return nil, fmt.Errorf("destination account: %w", err)
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, domain.ErrSameAccount
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	id := req.TransferID
	if id == "" {
		id = c.newID()
	}

	release, err := c.claim(id)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := c.store.GetTransfer(ctx, id)
	switch {
	case err == nil:
		if !existing.SameRequest(req.FromAccountID, req.ToAccountID, req.Amount) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTransferConflict, id)
		}
		if domain.IsTerminalTransferStatus(existing.Status) {
			return resultOf(existing), nil
		}
		c.logger.Info("resuming transfer", zap.String("transfer_id", id), zap.String("status", existing.Status))
		return c.drive(ctx, existing)
	case errors.Is(err, domain.ErrTransferNotFound):
	default:
		return nil, fmt.Errorf("load transfer %s: %w", id, err)
	}

	now := c.now().UTC()
	t := &models.Transfer{
		ID:            id,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Status:        domain.TransferStatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateTransfer(ctx, t); err != nil {
		if errors.Is(err, domain.ErrTransferExists) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTransferInProgress, id)
		}
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	c.logger.Info("transfer initiated",
		zap.String("transfer_id", id),
		zap.String("from_account_id", t.FromAccountID),
		zap.String("to_account_id", t.ToAccountID),
		zap.String("amount", t.Amount.String()))
	return c.drive(ctx, t)
}

func (c *TransferCoordinator) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	return c.store.GetTransfer(ctx, id)
}

func (c *TransferCoordinator) TransferHistory(ctx context.Context, id string) ([]models.TransferTransition, error) {
	return c.store.ListTransferTransitions(ctx, id)
}

// RecoverPending resumes up to limit non-terminal transfers that have not
// moved for staleAfter. It returns how many reached a final status.
func (c *TransferCoordinator) RecoverPending(ctx context.Context, limit int, staleAfter time.Duration) (int, error) {
	cutoff := c.now().UTC().Add(-staleAfter)
	pending, err := c.store.ListTransfersByStatus(ctx, pendingTransferStatuses, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending transfers: %w", err)
	}

	var (
		resolved int
		errs     []error
	)
	for i := range pending {
		t := &pending[i]
		release, err := c.claim(t.ID)
		if err != nil {
			continue
		}
		c.logger.Info("recovering transfer", zap.String("transfer_id", t.ID), zap.String("status", t.Status))
		res, err := c.drive(ctx, t)
		release()

		if err != nil && !domain.IsClientError(err) {
			c.logger.Warn("transfer recovery incomplete", zap.String("transfer_id", t.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("transfer %s: %w", t.ID, err))
			continue
		}
		if res != nil && domain.IsTerminalTransferStatus(res.Status) {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (c *TransferCoordinator) claim(id string) (func(), error) {
	if _, busy := c.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferInProgress, id)
	}
	return func() { c.inflight.Delete(id) }, nil
}

// drive advances t from its persisted status to a final one. Steps run
// detached from the caller's cancellation and are bounded by the transfer
// deadline, so a disconnecting client never strands a debit.
func (c *TransferCoordinator) drive(ctx context.Context, t *models.Transfer) (*TransferResult, error) {
	sagaCtx := context.WithoutCancel(ctx)
	stepCtx, cancel := context.WithTimeout(sagaCtx, c.deadline)
	defer cancel()

	var err error
	if t.Status == domain.TransferStatusInitiated {
		var done bool
		t, done, err = c.debit(stepCtx, sagaCtx, t)
		if err != nil || done {
			return c.finish(t, err)
		}
	}

	switch t.Status {
	case domain.TransferStatusDebitApplied:
		return c.finish(c.credit(stepCtx, sagaCtx, t))
	case domain.TransferStatusReversing:
		return c.finish(c.reverse(sagaCtx, t, ""))
	case domain.TransferStatusDebitReversed:
		return c.finish(c.advance(sagaCtx, t, domain.TransferStatusFailed, ""))
	default:
		return resultOf(t), nil
	}
}

func (c *TransferCoordinator) finish(t *models.Transfer, err error) (*TransferResult, error) {
	if t == nil {
		return nil, err
	}
	return resultOf(t), err
}

// debit applies the source side. done reports that no credit phase follows.
func (c *TransferCoordinator) debit(stepCtx, sagaCtx context.Context, t *models.Transfer) (*models.Transfer, bool, error) {
	logger := c.logger.With(zap.String("transfer_id", t.ID))

	err := c.retry(stepCtx, "debit", func(ctx context.Context) error {
		_, err := c.accounts.ApplyTransferOut(ctx, t.FromAccountID, t.ToAccountID, t.Amount, t.ID)
		return err
	})
	if err == nil {
		next, err := c.advance(sagaCtx, t, domain.TransferStatusDebitApplied, "")
		return next, false, err
	}

	if domain.IsClientError(err) {
		logger.Info("transfer rejected", zap.Error(err))
		failed, terr := c.advance(sagaCtx, t, domain.TransferStatusFailed, err.Error())
		if terr != nil {
			return t, true, terr
		}
		return failed, true, err
	}

	// The debit may or may not have landed. A reversal resolves it either way:
	// not found means nothing was taken, otherwise the funds are restored.
	logger.Warn("debit outcome unknown, probing with reversal", zap.Error(err))
	next, rerr := c.reverse(sagaCtx, t, fmt.Sprintf("debit failed: %v", err))
	return next, true, rerr
}

// credit applies the destination side, retrying until the attempts or the
// deadline run out, and compensates on failure.
func (c *TransferCoordinator) credit(stepCtx, sagaCtx context.Context, t *models.Transfer) (*models.Transfer, error) {
	err := c.retry(stepCtx, "credit", func(ctx context.Context) error {
		_, err := c.accounts.ApplyTransferIn(ctx, t.ToAccountID, t.FromAccountID, t.Amount, t.ID)
		switch {
		case err == nil:
			observability.IncrementCreditAttempt("success")
		case domain.IsClientError(err):
			observability.IncrementCreditAttempt("rejected")
		default:
			observability.IncrementCreditAttempt("failed")
		}
		return err
	})
	if err == nil {
		completed, terr := c.advance(sagaCtx, t, domain.TransferStatusCompleted, "")
		if terr != nil {
			return t, fmt.Errorf("%w: transfer %s credited but not recorded: %v", domain.ErrTransferInconsistency, t.ID, terr)
		}
		return completed, nil
	}

	c.logger.Warn("credit failed, compensating", zap.String("transfer_id", t.ID), zap.Error(err))
	return c.reverse(sagaCtx, t, fmt.Sprintf("credit failed: %v", err))
}

// reverse records REVERSING (unless already there) and then restores the
// source. When the intent cannot be recorded no reversal is attempted, so the
// transfer stays resumable from its current status. Once REVERSING is
// durable a failed or unacknowledged reversal is retried by RecoverPending.
func (c *TransferCoordinator) reverse(sagaCtx context.Context, t *models.Transfer, reason string) (*models.Transfer, error) {
	ctx, cancel := context.WithTimeout(sagaCtx, c.compensationTimeout)
	defer cancel()
	logger := c.logger.With(zap.String("transfer_id", t.ID))

	if t.Status != domain.TransferStatusReversing {
		next, err := c.advance(ctx, t, domain.TransferStatusReversing, reason)
		if err != nil {
			observability.IncrementTransfer("stuck")
			return t, fmt.Errorf("%w: transfer %s reversal not recorded: %v", domain.ErrTransferInconsistency, t.ID, err)
		}
		t = next
	}

	err := c.retry(ctx, "reverse", func(ctx context.Context) error {
		_, err := c.accounts.ReverseTransferOut(ctx, t.FromAccountID, t.ID)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		logger.Info("no debit to reverse")
		return c.advance(ctx, t, domain.TransferStatusFailed, "")
	case err != nil:
		logger.Error("reversal failed, transfer left for recovery", zap.Error(err))
		observability.IncrementTransfer("stuck")
		return t, fmt.Errorf("%w: transfer %s debit not reversed: %v", domain.ErrTransferInconsistency, t.ID, err)
	}

	reversed, err := c.advance(ctx, t, domain.TransferStatusDebitReversed, "")
	if err != nil {
		return t, err
	}
	return c.advance(ctx, reversed, domain.TransferStatusFailed, "")
}

// retry runs op with exponential backoff until it succeeds, returns a client
// error, or the attempts or ctx run out.
func (c *TransferCoordinator) retry(ctx context.Context, step string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.MaxInterval = 20 * c.retryBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if domain.IsClientError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Debug("transfer step failed, retrying", zap.String("step", step), zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.retryAttempts),
	)
	return err
}

// advance persists the next status with a compare-and-set on the current one.
func (c *TransferCoordinator) advance(ctx context.Context, t *models.Transfer, next, reason string) (*models.Transfer, error) {
	if !canTransition(t.Status, next) {
		return t, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, next)
	}

	var updated *models.Transfer
	err := c.retry(ctx, "record", func(ctx context.Context) error {
		var err error
		updated, err = c.store.TransitionTransfer(ctx, t.ID, t.Status, next, reason, c.now().UTC())
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTransferNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.logger.Error("transfer transition failed",
			zap.String("transfer_id", t.ID),
			zap.String("from", t.Status),
			zap.String("to", next),
			zap.Error(err))
		return t, fmt.Errorf("transition transfer %s to %s: %w", t.ID, next, err)
	}

	c.logger.Info("transfer transition",
		zap.String("transfer_id", t.ID),
		zap.String("from", t.Status),
		zap.String("to", next),
		zap.String("reason", reason))
	if domain.IsTerminalTransferStatus(next) {
		observability.IncrementTransfer(next)
	}
	return updated, nil
}
