// Package cache holds Redis-backed read models.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
)

// ViewCache is a generic JSON-backed Redis cache for read model projections.
// A zero ttl keeps keys until they are overwritten or deleted.
type ViewCache[T any] struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewViewCache[T any](client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *ViewCache[T] {
	if logger == nil {
		logger = zap.L()
	}
	return &ViewCache[T]{client: client, ttl: ttl, logger: logger}
}

// Get returns (nil, false) on any miss or deserialisation error.
func (c *ViewCache[T]) Get(ctx context.Context, key string) (*T, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("view cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("view cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &v, true
}

// Set errors are logged rather than returned; a failed cache write is non-fatal.
func (c *ViewCache[T]) Set(ctx context.Context, key string, value *T) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("view cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("view cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *ViewCache[T]) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("view cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

const balanceKeyPrefix = "account:balance:"

// BalanceCache stores the latest BalanceView per account.
type BalanceCache struct {
	views *ViewCache[models.BalanceView]
}

func NewBalanceCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *BalanceCache {
	return &BalanceCache{views: NewViewCache[models.BalanceView](client, ttl, logger)}
}

func (c *BalanceCache) Get(ctx context.Context, accountID string) (*models.BalanceView, bool) {
	v, ok := c.views.Get(ctx, balanceKeyPrefix+accountID)
	if ok {
		observability.IncrementCacheEvent("hit")
	} else {
		observability.IncrementCacheEvent("miss")
	}
	return v, ok
}

func (c *BalanceCache) Put(ctx context.Context, view models.BalanceView) {
	c.views.Set(ctx, balanceKeyPrefix+view.AccountID, &view)
}

func (c *BalanceCache) Invalidate(ctx context.Context, accountID string) {
	c.views.Delete(ctx, balanceKeyPrefix+accountID)
}
