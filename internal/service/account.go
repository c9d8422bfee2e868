package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
)

const cacheWriteTimeout = time.Second

// AccountService runs account commands through the registry. It implements
// gateway.Accounts for the transfer coordinator.
type AccountService struct {
	registry *registry.Registry
	cache    BalanceCache
	logger   *zap.Logger
}

type AccountServiceOption func(*AccountService)

func WithBalanceCache(c BalanceCache) AccountServiceOption {
	return func(s *AccountService) {
		s.cache = c
	}
}

func WithAccountLogger(l *zap.Logger) AccountServiceOption {
	return func(s *AccountService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewAccountService(reg *registry.Registry, opts ...AccountServiceOption) *AccountService {
	s := &AccountService{registry: reg, logger: zap.L()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AccountService) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (uint64, error) {
	return s.run(ctx, accountID, domain.CommandDeposit, func(ctx context.Context, agg *account.Aggregate) (uint64, error) {
		return agg.Deposit(ctx, amount)
	})
}

func (s *AccountService) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (uint64, error) {
	return s.run(ctx, accountID, domain.CommandWithdraw, func(ctx context.Context, agg *account.Aggregate) (uint64, error) {
		return agg.Withdraw(ctx, amount)
	})
}

func (s *AccountService) ApplyTransferOut(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal, transferID string) (uint64, error) {
	return s.run(ctx, fromAccountID, domain.CommandTransferOut, func(ctx context.Context, agg *account.Aggregate) (uint64, error) {
		return agg.ApplyTransferOut(ctx, toAccountID, amount, transferID)
	})
}

func (s *AccountService) ApplyTransferIn(ctx context.Context, toAccountID, fromAccountID string, amount decimal.Decimal, transferID string) (uint64, error) {
	return s.run(ctx, toAccountID, domain.CommandTransferIn, func(ctx context.Context, agg *account.Aggregate) (uint64, error) {
		return agg.ApplyTransferIn(ctx, fromAccountID, amount, transferID)
	})
}

func (s *AccountService) ReverseTransferOut(ctx context.Context, fromAccountID, transferID string) (uint64, error) {
	return s.run(ctx, fromAccountID, domain.CommandReverseTransferOut, func(ctx context.Context, agg *account.Aggregate) (uint64, error) {
		return agg.ReverseTransferOut(ctx, transferID)
	})
}

// run executes fn on the account's worker. The balance view is refreshed from
// the same worker so cache writes follow the account's command order.
func (s *AccountService) run(ctx context.Context, accountID, command string, fn func(ctx context.Context, agg *account.Aggregate) (uint64, error)) (uint64, error) {
	seq, err := registry.Do(ctx, s.registry, accountID, func(ctx context.Context, agg *account.Aggregate) (uint64, error) {
		seq, err := fn(ctx, agg)
		s.refreshView(ctx, agg, err)
		return seq, err
	})
	observability.IncrementAccountCommand(command, resultLabel(err))
	if err != nil && !domain.IsClientError(err) {
		s.logger.Warn("account command failed",
			zap.String("account_id", accountID),
			zap.String("command", command),
			zap.Error(err))
	}
	return seq, err
}

func (s *AccountService) refreshView(ctx context.Context, agg *account.Aggregate, err error) {
	if s.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()

	if err != nil && !domain.IsClientError(err) {
		// The log may have moved without this aggregate seeing it.
		s.cache.Invalidate(cctx, agg.ID())
		return
	}
	s.cache.Put(cctx, agg.View())
}
