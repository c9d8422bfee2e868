package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/api"
	"github.com/ayo6706/account-eventsourcing/internal/api/handler"
	"github.com/ayo6706/account-eventsourcing/internal/cache"
	"github.com/ayo6706/account-eventsourcing/internal/config"
	"github.com/ayo6706/account-eventsourcing/internal/db"
	"github.com/ayo6706/account-eventsourcing/internal/events"
	"github.com/ayo6706/account-eventsourcing/internal/gateway"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
	"github.com/ayo6706/account-eventsourcing/internal/repository"
	"github.com/ayo6706/account-eventsourcing/internal/service"
	"github.com/ayo6706/account-eventsourcing/internal/worker"
)

// Store is everything the application needs from a persistence backend.
type Store interface {
	account.EventStore
	service.TransferStore
	handler.Pinger
}

// App holds the wired components of one process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Store     Store
	Registry  *registry.Registry
	Accounts  *service.AccountService
	Queries   *service.QueryService
	Transfers *service.TransferCoordinator
	Recovery  *worker.RecoveryWorker
	Reconcile *worker.ReconciliationWorker
	Handler   http.Handler

	closers []func() error
}

// New connects the configured backends and wires the services. Callers must
// Close the returned App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) (err error) {
	cfg, logger := a.cfg, a.logger

	if a.Store, err = a.openStore(ctx); err != nil {
		return err
	}

	var (
		redisClient  *redis.Client
		balanceCache service.BalanceCache
		redisProbe   redis.Cmdable
	)
	if cfg.RedisURL != "" {
		if redisClient, err = newRedisClient(cfg.RedisURL); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, redisClient.Close)
		balanceCache = cache.NewBalanceCache(redisClient, cfg.BalanceCacheTTL, logger)
		redisProbe = redisClient
		logger.Info("balance cache enabled", zap.Duration("ttl", cfg.BalanceCacheTTL))
	}

	aggOpts := []account.Option{
		account.WithLogger(logger),
		account.WithAppendRetry(cfg.AppendMaxAttempts, cfg.AppendInitialBackoff),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		a.closers = append(a.closers, publisher.Close)
		aggOpts = append(aggOpts, account.WithPublisher(publisher))
		logger.Info("event publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	store := a.Store
	a.Registry = registry.New(func(ctx context.Context, id string) (*account.Aggregate, error) {
		return account.Load(ctx, id, store, aggOpts...)
	},
		registry.WithLogger(logger),
		registry.WithIdleTimeout(cfg.RegistryIdleTimeout),
		registry.WithMailboxSize(cfg.RegistryMailboxSize),
	)

	a.Accounts = service.NewAccountService(a.Registry,
		service.WithBalanceCache(balanceCache),
		service.WithAccountLogger(logger))
	a.Queries = service.NewQueryService(a.Registry, balanceCache)

	var accounts gateway.Accounts = a.Accounts
	if cfg.TransferFaultRate > 0 {
		faulty := gateway.NewFaulty(a.Accounts)
		faulty.FailureRate = cfg.TransferFaultRate
		accounts = faulty
		logger.Warn("transfer fault injection enabled", zap.Float64("rate", cfg.TransferFaultRate))
	}
	a.Transfers = service.NewTransferCoordinator(accounts, store,
		service.WithCoordinatorLogger(logger),
		service.WithCreditRetry(cfg.CreditMaxAttempts, cfg.CreditInitialBackoff),
		service.WithTransferDeadline(cfg.TransferDeadline),
		service.WithCompensationTimeout(cfg.CompensationTimeout),
	)

	a.Recovery = worker.NewRecoveryWorker(a.Transfers).
		WithPollInterval(cfg.RecoveryInterval).
		WithStaleAfter(cfg.RecoveryStaleAfter).
		WithBatchSize(cfg.RecoveryBatchSize)
	reconciliation := service.NewReconciliationService(a.Registry, store, store, cfg.RecoveryStaleAfter, logger)
	a.Reconcile = worker.NewReconciliationWorker(reconciliation).WithInterval(cfg.ReconciliationInterval)

	router := api.NewRouter(
		api.Options{PublicRateLimitRPS: cfg.PublicRateLimitRPS, AccountRateLimitRPS: cfg.AccountRateLimitRPS},
		logger,
		a.Accounts,
		a.Queries,
		a.Transfers,
		handler.NewHealthHandler(store, redisProbe),
	)
	a.Handler = router.Routes()
	return nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		store := repository.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using postgres event store")
		return store, nil
	case config.BackendSQLite:
		store, err := repository.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using sqlite event store", zap.String("path", a.cfg.SQLitePath))
		return store, nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory event store, balances will not survive a restart")
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", a.cfg.StoreBackend)
	}
}

// Close drains the registry and releases backend connections in reverse
// order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Registry != nil {
		if err := a.Registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	stopRecovery := a.Recovery.Run(ctx)
	stopReconcile := a.Reconcile.Run(ctx)
	logger.Info("workers started", zap.Stringer("recovery", a.Recovery), zap.Duration("reconciliation_interval", cfg.ReconciliationInterval))

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      a.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopRecovery()
	stopReconcile()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("release resources failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
