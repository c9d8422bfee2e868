package account

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/repository"
)

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestAggregate(t *testing.T, store EventStore, opts ...Option) *Aggregate {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithAppendRetry(3, time.Millisecond)}, opts...)
	a, err := Load(context.Background(), "acc-1", store, opts...)
	require.NoError(t, err)
	return a
}

func TestDepositThenReplay(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	a := newTestAggregate(t, store)

	seq, err := a.Deposit(ctx, amt("100"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.True(t, a.Balance().Equal(amt("100")))
	assert.Equal(t, uint64(1), a.Version())

	replayed := newTestAggregate(t, store)
	assert.True(t, replayed.Balance().Equal(amt("100")))
	assert.Equal(t, uint64(1), replayed.Version())
}

func TestReplayRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	a := newTestAggregate(t, store)

	_, err := a.Deposit(ctx, amt("250.75"))
	require.NoError(t, err)
	_, err = a.Withdraw(ctx, amt("50.25"))
	require.NoError(t, err)
	_, err = a.ApplyTransferOut(ctx, "acc-2", amt("100"), "tr-1")
	require.NoError(t, err)
	_, err = a.ApplyTransferIn(ctx, "acc-3", amt("10"), "tr-2")
	require.NoError(t, err)
	_, err = a.ReverseTransferOut(ctx, "tr-1")
	require.NoError(t, err)

	replayed := newTestAggregate(t, store)
	assert.True(t, replayed.Balance().Equal(a.Balance()))
	assert.Equal(t, a.Version(), replayed.Version())
	assert.True(t, a.Balance().Equal(amt("210.5")))

	events, err := store.ReadAll(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, Fold(events).Equal(a.Balance()))
}

func TestWithdraw_InsufficientFundsLeavesLogUnchanged(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	a := newTestAggregate(t, store)

	_, err := a.Deposit(ctx, amt("10"))
	require.NoError(t, err)

	_, err = a.Withdraw(ctx, amt("10.000001"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(1), a.Version())
	assert.True(t, a.Balance().Equal(amt("10")))

	events, err := store.ReadAll(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	a := newTestAggregate(t, repository.NewMemoryStore())

	for _, s := range []string{"0", "-5", "0.0000001"} {
		_, err := a.Deposit(ctx, amt(s))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, s)
		_, err = a.Withdraw(ctx, amt(s))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, s)
	}
	assert.Equal(t, uint64(0), a.Version())
}

func TestApplyTransferIn_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	a := newTestAggregate(t, store)

	first, err := a.ApplyTransferIn(ctx, "acc-2", amt("40"), "tr-9")
	require.NoError(t, err)
	second, err := a.ApplyTransferIn(ctx, "acc-2", amt("40"), "tr-9")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, a.Balance().Equal(amt("40")))

	// Idempotency survives a replay.
	replayed := newTestAggregate(t, store)
	third, err := replayed.ApplyTransferIn(ctx, "acc-2", amt("40"), "tr-9")
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, uint64(1), replayed.Version())
}

func TestApplyTransferOut_IdempotentAndValidated(t *testing.T) {
	ctx := context.Background()
	a := newTestAggregate(t, repository.NewMemoryStore())

	_, err := a.ApplyTransferOut(ctx, "acc-2", amt("5"), "tr-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = a.Deposit(ctx, amt("100"))
	require.NoError(t, err)

	_, err = a.ApplyTransferOut(ctx, "acc-2", amt("5"), "")
	assert.ErrorIs(t, err, domain.ErrMissingTransferID)

	seq, err := a.ApplyTransferOut(ctx, "acc-2", amt("60"), "tr-1")
	require.NoError(t, err)
	again, err := a.ApplyTransferOut(ctx, "acc-2", amt("60"), "tr-1")
	require.NoError(t, err)
	assert.Equal(t, seq, again)
	assert.True(t, a.Balance().Equal(amt("40")))
}

func TestReverseTransferOut(t *testing.T) {
	ctx := context.Background()
	a := newTestAggregate(t, repository.NewMemoryStore())

	_, err := a.ReverseTransferOut(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)

	_, err = a.Deposit(ctx, amt("100"))
	require.NoError(t, err)
	_, err = a.ApplyTransferOut(ctx, "acc-2", amt("30"), "tr-1")
	require.NoError(t, err)

	seq, err := a.ReverseTransferOut(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.True(t, a.Balance().Equal(amt("100")))

	again, err := a.ReverseTransferOut(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, seq, again)
	assert.Equal(t, uint64(3), a.Version())

	var kinds []domain.EventKind
	for e := range a.History() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []domain.EventKind{domain.EventDeposited, domain.EventTransferOut, domain.EventTransferReversed}, kinds)
}

func TestApplyTransferOut_RejectedAfterReversal(t *testing.T) {
	ctx := context.Background()
	a := newTestAggregate(t, repository.NewMemoryStore())

	_, err := a.Deposit(ctx, amt("100"))
	require.NoError(t, err)
	_, err = a.ApplyTransferOut(ctx, "acc-2", amt("30"), "tr-1")
	require.NoError(t, err)
	_, err = a.ReverseTransferOut(ctx, "tr-1")
	require.NoError(t, err)

	_, err = a.ApplyTransferOut(ctx, "acc-2", amt("30"), "tr-1")
	assert.ErrorIs(t, err, domain.ErrTransferReversed)
	assert.True(t, domain.IsClientError(err))
	assert.Equal(t, uint64(3), a.Version())
	assert.True(t, a.Balance().Equal(amt("100")))
}

func TestHistory_RestartableSnapshot(t *testing.T) {
	ctx := context.Background()
	a := newTestAggregate(t, repository.NewMemoryStore())

	_, err := a.Deposit(ctx, amt("1"))
	require.NoError(t, err)
	_, err = a.Deposit(ctx, amt("2"))
	require.NoError(t, err)

	history := a.History()

	_, err = a.Deposit(ctx, amt("3"))
	require.NoError(t, err)

	first := slices.Collect(history)
	second := slices.Collect(history)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), first[0].Seq)
	assert.Equal(t, uint64(2), first[1].Seq)

	for e := range a.History() {
		assert.Equal(t, uint64(1), e.Seq)
		break
	}
}

func TestSequenceConflict_RevalidatesAgainstFreshState(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	a := newTestAggregate(t, store)
	_, err := a.Deposit(ctx, amt("100"))
	require.NoError(t, err)

	stale := newTestAggregate(t, store)
	_, err = a.Withdraw(ctx, amt("100"))
	require.NoError(t, err)

	_, err = stale.Withdraw(ctx, amt("100"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(2), stale.Version())
	assert.True(t, stale.Balance().IsZero())

	seq, err := stale.Deposit(ctx, amt("5"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestTransientAppendFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("retried until success", func(t *testing.T) {
		store := repository.NewMemoryStore()
		a := newTestAggregate(t, store)
		store.FailNextAppends(2)

		seq, err := a.Deposit(ctx, amt("10"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)
	})

	t.Run("exhaustion is a persistence failure", func(t *testing.T) {
		store := repository.NewMemoryStore()
		a := newTestAggregate(t, store)
		store.FailNextAppends(10)

		_, err := a.Deposit(ctx, amt("10"))
		assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
		assert.Equal(t, uint64(0), a.Version())
		assert.True(t, a.Balance().IsZero())
	})
}

// lostCommitStore persists the next append and then reports it as failed.
type lostCommitStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	loseNext bool
}

func (s *lostCommitStore) Append(ctx context.Context, evt models.Event) (uint64, error) {
	seq, err := s.MemoryStore.Append(ctx, evt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && s.loseNext {
		s.loseNext = false
		return 0, errors.New("connection reset during commit")
	}
	return seq, err
}

func TestAppendCommittedDespiteError(t *testing.T) {
	ctx := context.Background()

	t.Run("deposit is recorded once", func(t *testing.T) {
		store := &lostCommitStore{MemoryStore: repository.NewMemoryStore(), loseNext: true}
		a := newTestAggregate(t, store)

		seq, err := a.Deposit(ctx, amt("10"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)
		assert.True(t, a.Balance().Equal(amt("10")))

		events, err := store.ReadAll(ctx, "acc-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.NotEmpty(t, events[0].EventID)
	})

	t.Run("withdraw is taken once", func(t *testing.T) {
		store := &lostCommitStore{MemoryStore: repository.NewMemoryStore()}
		a := newTestAggregate(t, store)
		_, err := a.Deposit(ctx, amt("100"))
		require.NoError(t, err)

		store.mu.Lock()
		store.loseNext = true
		store.mu.Unlock()

		seq, err := a.Withdraw(ctx, amt("30"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
		assert.True(t, a.Balance().Equal(amt("70")))

		replayed := newTestAggregate(t, store)
		assert.True(t, replayed.Balance().Equal(amt("70")))
		assert.Equal(t, uint64(2), replayed.Version())
	})
}

func TestCancelledContext(t *testing.T) {
	a := newTestAggregate(t, repository.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Deposit(ctx, amt("10"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.Equal(t, uint64(0), a.Version())
}

type gapStore struct {
	*repository.MemoryStore
	events []models.Event
}

func (s *gapStore) ReadAll(ctx context.Context, accountID string) ([]models.Event, error) {
	return s.events, nil
}

func TestReplay_RejectsGap(t *testing.T) {
	store := &gapStore{
		MemoryStore: repository.NewMemoryStore(),
		events: []models.Event{
			{AccountID: "acc-1", Seq: 1, Kind: domain.EventDeposited, Amount: amt("1")},
			{AccountID: "acc-1", Seq: 3, Kind: domain.EventDeposited, Amount: amt("1")},
		},
	}
	_, err := Load(context.Background(), "acc-1", store)
	assert.ErrorIs(t, err, domain.ErrCorruptLog)
}

func TestLoad_RejectsMalformedID(t *testing.T) {
	_, err := Load(context.Background(), "bad id", repository.NewMemoryStore())
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, evt models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func TestPublisherReceivesAppendedEvents(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("broker down")}
	a := newTestAggregate(t, repository.NewMemoryStore(), WithPublisher(pub))

	_, err := a.Deposit(ctx, amt("3"))
	require.NoError(t, err, "publish failures do not fail the command")
	_, err = a.Withdraw(ctx, amt("5"))
	require.Error(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventDeposited, pub.events[0].Kind)
	assert.Equal(t, uint64(1), pub.events[0].Seq)
}

func TestFold(t *testing.T) {
	events := []models.Event{
		{Kind: domain.EventDeposited, Amount: amt("100")},
		{Kind: domain.EventTransferOut, Amount: amt("30")},
		{Kind: domain.EventTransferReversed, Amount: amt("30")},
		{Kind: domain.EventWithdrawn, Amount: amt("0.5")},
		{Kind: domain.EventTransferIn, Amount: amt("1.25")},
	}
	assert.True(t, Fold(events).Equal(amt("100.75")))
	assert.True(t, Fold(nil).IsZero())
}

func TestClockStampsEvents(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newTestAggregate(t, repository.NewMemoryStore(), WithClock(func() time.Time { return fixed }))

	_, err := a.Deposit(context.Background(), amt("1"))
	require.NoError(t, err)
	for e := range a.History() {
		assert.Equal(t, fixed, e.Timestamp)
	}
}
