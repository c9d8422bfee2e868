// Package db opens the Postgres pool backing the event store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type poolOptions struct {
	maxConns       int32
	minConns       int32
	connectTimeout time.Duration
}

// Option tunes the pool created by Connect.
type Option func(*poolOptions)

// WithPoolSize overrides the pool's connection bounds.
func WithPoolSize(minConns, maxConns int32) Option {
	return func(o *poolOptions) {
		if maxConns > 0 {
			o.maxConns = maxConns
		}
		if minConns >= 0 && minConns <= o.maxConns {
			o.minConns = minConns
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *poolOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// Connect creates a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, dbURL string, opts ...Option) (*pgxpool.Pool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := poolOptions{maxConns: 10, minConns: 2, connectTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConns = o.maxConns
	config.MinConns = o.minConns
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}
