package service

import (
	"context"
	"iter"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
)

// QueryService is the read path. Reads observe the state after the last
// completed command on this registry.
type QueryService struct {
	registry *registry.Registry
	cache    BalanceCache
}

func NewQueryService(reg *registry.Registry, cache BalanceCache) *QueryService {
	return &QueryService{registry: reg, cache: cache}
}

// GetBalance serves from the balance cache when possible and otherwise reads
// the aggregate, activating it if needed.
func (s *QueryService) GetBalance(ctx context.Context, accountID string) (*models.BalanceView, error) {
	if err := domain.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if view, ok := s.cache.Get(ctx, accountID); ok {
			return view, nil
		}
	}

	view, err := registry.Do(ctx, s.registry, accountID, func(ctx context.Context, agg *account.Aggregate) (models.BalanceView, error) {
		v := agg.View()
		if s.cache != nil {
			s.cache.Put(ctx, v)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// GetHistory returns a lazy, restartable sequence over the account's events
// in append order.
func (s *QueryService) GetHistory(ctx context.Context, accountID string) (iter.Seq[models.HistoryEntry], error) {
	events, err := registry.Do(ctx, s.registry, accountID, func(ctx context.Context, agg *account.Aggregate) (iter.Seq[models.Event], error) {
		return agg.History(), nil
	})
	if err != nil {
		return nil, err
	}
	return func(yield func(models.HistoryEntry) bool) {
		for e := range events {
			if !yield(models.NewHistoryEntry(e)) {
				return
			}
		}
	}, nil
}
