package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/gateway"
	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
	"github.com/ayo6706/account-eventsourcing/internal/repository"
)

type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

type testStack struct {
	store       *repository.MemoryStore
	registry    *registry.Registry
	accounts    *AccountService
	faulty      *gateway.Faulty
	coordinator *TransferCoordinator
	queries     *QueryService
	clock       *testClock
}

// newTestStack wires the full in-memory stack. The coordinator talks to the
// accounts through a Faulty gateway so tests can inject failures.
func newTestStack(t *testing.T, opts ...CoordinatorOption) *testStack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()

	reg := registry.New(func(ctx context.Context, id string) (*account.Aggregate, error) {
		return account.Load(ctx, id, store, account.WithLogger(logger), account.WithAppendRetry(3, time.Millisecond))
	}, registry.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	accounts := NewAccountService(reg, WithAccountLogger(logger))
	faulty := gateway.NewFaulty(accounts)
	clock := &testClock{}
	base := []CoordinatorOption{
		WithCoordinatorLogger(logger),
		WithCreditRetry(3, time.Millisecond),
		WithTransferDeadline(2 * time.Second),
		WithCompensationTimeout(2 * time.Second),
		WithCoordinatorClock(clock.Now),
	}

	return &testStack{
		store:       store,
		registry:    reg,
		accounts:    accounts,
		faulty:      faulty,
		coordinator: NewTransferCoordinator(faulty, store, append(base, opts...)...),
		queries:     NewQueryService(reg, nil),
		clock:       clock,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (s *testStack) fund(t *testing.T, accountID, amount string) {
	t.Helper()
	_, err := s.accounts.Deposit(context.Background(), accountID, dec(amount))
	require.NoError(t, err)
}

func (s *testStack) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	view, err := s.queries.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return view.Balance
}

func (s *testStack) history(t *testing.T, accountID string) []models.HistoryEntry {
	t.Helper()
	seq, err := s.queries.GetHistory(context.Background(), accountID)
	require.NoError(t, err)
	var out []models.HistoryEntry
	for e := range seq {
		out = append(out, e)
	}
	return out
}

func statuses(transitions []models.TransferTransition) []string {
	out := make([]string, 0, len(transitions))
	for _, tr := range transitions {
		out = append(out, tr.NextStatus)
	}
	return out
}
