// Package account implements the per-account aggregate: a balance projection
// folded from the account's event log, plus the commands that extend the log.
//
// An Aggregate is not safe for concurrent use. The registry gives each
// account a single worker goroutine that owns its aggregate.
package account

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

// EventStore is the durable log backing an aggregate.
type EventStore interface {
	Append(ctx context.Context, evt models.Event) (uint64, error)
	ReadAll(ctx context.Context, accountID string) ([]models.Event, error)
	ReadFrom(ctx context.Context, accountID string, afterSeq uint64) ([]models.Event, error)
}

// Publisher receives every event after it is durably appended.
type Publisher interface {
	Publish(ctx context.Context, evt models.Event) error
}

type transferMarks struct {
	outSeq      uint64
	inSeq       uint64
	reversedSeq uint64
	outAmount   decimal.Decimal
	outTo       string
}

type Aggregate struct {
	id      string
	store   EventStore
	balance decimal.Decimal
	events  []models.Event
	marks   map[string]*transferMarks

	publisher      Publisher
	logger         *zap.Logger
	now            func() time.Time
	newEventID     func() string
	appendAttempts uint
	appendBackoff  time.Duration
}

type Option func(*Aggregate)

func WithPublisher(p Publisher) Option {
	return func(a *Aggregate) {
		if p != nil {
			a.publisher = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregate) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregate) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAppendRetry bounds how many times a single command tries to append
// before failing with domain.ErrPersistenceFailure.
func WithAppendRetry(maxAttempts uint, initialBackoff time.Duration) Option {
	return func(a *Aggregate) {
		if maxAttempts > 0 {
			a.appendAttempts = maxAttempts
		}
		if initialBackoff > 0 {
			a.appendBackoff = initialBackoff
		}
	}
}

// New returns an empty aggregate for id. Use Load to materialize an existing log.
func New(id string, store EventStore, opts ...Option) *Aggregate {
	a := &Aggregate{
		id:             id,
		store:          store,
		marks:          make(map[string]*transferMarks),
		logger:         zap.L(),
		now:            time.Now,
		newEventID:     uuid.NewString,
		appendAttempts: 5,
		appendBackoff:  20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("account_id", id))
	return a
}

// Load builds the aggregate for id by replaying its full log.
func Load(ctx context.Context, id string, store EventStore, opts ...Option) (*Aggregate, error) {
	if err := domain.ValidateAccountID(id); err != nil {
		return nil, err
	}
	a := New(id, store, opts...)
	if err := a.Replay(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aggregate) ID() string { return a.id }

func (a *Aggregate) Balance() decimal.Decimal { return a.balance }

// Version is the number of events applied, which equals the last sequence number.
func (a *Aggregate) Version() uint64 { return uint64(len(a.events)) }

func (a *Aggregate) View() models.BalanceView {
	return models.BalanceView{AccountID: a.id, Balance: a.balance, Version: a.Version()}
}

// History yields the events applied so far, in append order. The sequence is
// restartable and unaffected by later commands.
func (a *Aggregate) History() iter.Seq[models.Event] {
	n := len(a.events)
	snapshot := a.events[:n:n]
	return func(yield func(models.Event) bool) {
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// Replay discards in-memory state and rebuilds it from the store.
func (a *Aggregate) Replay(ctx context.Context) error {
	events, err := a.store.ReadAll(ctx, a.id)
	if err != nil {
		return fmt.Errorf("replay account %s: %w", a.id, err)
	}
	a.reset()
	if err := a.applyAll(events); err != nil {
		a.reset()
		return err
	}
	return nil
}

// Fold computes the balance a log implies.
func Fold(events []models.Event) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range events {
		balance = balance.Add(signed(e))
	}
	return balance
}

func signed(e models.Event) decimal.Decimal {
	if e.Kind.IsCredit() {
		return e.Amount
	}
	return e.Amount.Neg()
}

func (a *Aggregate) reset() {
	a.balance = decimal.Zero
	a.events = nil
	a.marks = make(map[string]*transferMarks)
}

func (a *Aggregate) catchUp(ctx context.Context) error {
	events, err := a.store.ReadFrom(ctx, a.id, a.Version())
	if err != nil {
		return fmt.Errorf("catch up account %s: %w", a.id, err)
	}
	return a.applyAll(events)
}

func (a *Aggregate) applyAll(events []models.Event) error {
	for _, e := range events {
		if e.AccountID != a.id || e.Seq != a.Version()+1 {
			return fmt.Errorf("%w: account %s expected seq %d, got %s/%d", domain.ErrCorruptLog, a.id, a.Version()+1, e.AccountID, e.Seq)
		}
		if !e.Kind.IsValid() {
			return fmt.Errorf("%w: account %s seq %d has unknown kind %q", domain.ErrCorruptLog, a.id, e.Seq, e.Kind)
		}
		next := a.balance.Add(signed(e))
		if next.IsNegative() {
			return fmt.Errorf("%w: account %s goes negative at seq %d", domain.ErrCorruptLog, a.id, e.Seq)
		}
		a.apply(e)
	}
	return nil
}

func (a *Aggregate) apply(e models.Event) {
	a.balance = a.balance.Add(signed(e))
	a.events = append(a.events, e)

	if e.TransferID == "" {
		return
	}
	m := a.marks[e.TransferID]
	if m == nil {
		m = &transferMarks{}
		a.marks[e.TransferID] = m
	}
	switch e.Kind {
	case domain.EventTransferOut:
		m.outSeq = e.Seq
		m.outAmount = e.Amount
		m.outTo = e.RelatedAccountID
	case domain.EventTransferIn:
		m.inSeq = e.Seq
	case domain.EventTransferReversed:
		m.reversedSeq = e.Seq
	}
}

type decision struct {
	event models.Event
	// seq is returned instead of appending when the command already took effect.
	seq uint64
}

func (d decision) noop() bool { return d.seq != 0 }

// execute validates a command against current state and appends its event.
// On a sequence conflict the aggregate catches up with the log and decide is
// evaluated again against the fresher state, unless the caught-up events
// already contain this invocation's event from an append that failed after
// committing.
func (a *Aggregate) execute(ctx context.Context, command string, decide func() (decision, error)) (uint64, error) {
	eventID := a.newEventID()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.appendBackoff
	b.MaxInterval = 32 * a.appendBackoff

	op := func() (uint64, error) {
		d, err := decide()
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		if d.noop() {
			return d.seq, nil
		}

		evt := d.event
		evt.AccountID = a.id
		evt.Seq = a.Version() + 1
		evt.EventID = eventID
		evt.Timestamp = a.now().UTC()

		seq, err := a.store.Append(ctx, evt)
		if err == nil {
			a.apply(evt)
			a.publish(ctx, evt)
			return seq, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, backoff.Permanent(ctxErr)
		}
		if errors.Is(err, domain.ErrSequenceConflict) {
			a.logger.Warn("sequence conflict, catching up",
				zap.String("command", command), zap.Uint64("seq", evt.Seq))
			before := a.Version()
			if cerr := a.catchUp(ctx); cerr != nil {
				if errors.Is(cerr, domain.ErrCorruptLog) {
					return 0, backoff.Permanent(cerr)
				}
				return 0, cerr
			}
			if committed, ok := a.findEvent(eventID, before); ok {
				a.logger.Info("earlier append was committed",
					zap.String("command", command), zap.Uint64("seq", committed.Seq))
				a.publish(ctx, committed)
				return committed.Seq, nil
			}
			return 0, err
		}
		a.logger.Warn("append failed", zap.String("command", command), zap.Error(err))
		return 0, err
	}

	seq, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.appendAttempts),
	)
	if err == nil {
		return seq, nil
	}
	if domain.IsClientError(err) || errors.Is(err, domain.ErrCorruptLog) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s on account %s: %v", domain.ErrPersistenceFailure, command, a.id, err)
}

// findEvent looks for the event carrying eventID after sequence number afterSeq.
func (a *Aggregate) findEvent(eventID string, afterSeq uint64) (models.Event, bool) {
	for _, e := range a.events[afterSeq:] {
		if e.EventID == eventID {
			return e, true
		}
	}
	return models.Event{}, false
}

func (a *Aggregate) publish(ctx context.Context, evt models.Event) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		a.logger.Warn("publish event failed", zap.Uint64("seq", evt.Seq), zap.Error(err))
	}
}
