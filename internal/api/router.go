package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/api/handler"
	"github.com/ayo6706/account-eventsourcing/internal/api/middleware"
	"github.com/ayo6706/account-eventsourcing/internal/service"
)

// Options tunes the router. Zero values fall back to defaults.
type Options struct {
	PublicRateLimitRPS  int
	AccountRateLimitRPS int
}

type Router struct {
	opts      Options
	logger    *zap.Logger
	accounts  *service.AccountService
	queries   *service.QueryService
	transfers *service.TransferCoordinator
	health    *handler.HealthHandler
}

func NewRouter(
	opts Options,
	logger *zap.Logger,
	accounts *service.AccountService,
	queries *service.QueryService,
	transfers *service.TransferCoordinator,
	health *handler.HealthHandler,
) *Router {
	if opts.PublicRateLimitRPS <= 0 {
		opts.PublicRateLimitRPS = 100
	}
	if opts.AccountRateLimitRPS <= 0 {
		opts.AccountRateLimitRPS = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		opts:      opts,
		logger:    logger,
		accounts:  accounts,
		queries:   queries,
		transfers: transfers,
		health:    health,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	accountHandler := handler.NewAccountHandler(api.accounts, api.queries)
	transferHandler := handler.NewTransferHandler(api.transfers)

	r.Get("/health/live", api.health.Live)
	r.Get("/health/ready", api.health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.opts.PublicRateLimitRPS))

		r.Route("/accounts/{id}", func(r chi.Router) {
			limited := r.With(middleware.AccountRateLimiter(api.opts.AccountRateLimitRPS))
			limited.Post("/deposit", accountHandler.Deposit)
			limited.Post("/withdraw", accountHandler.Withdraw)
			r.Get("/balance", accountHandler.GetBalance)
			r.Get("/history", accountHandler.GetHistory)
		})

		r.Post("/transfers", transferHandler.CreateTransfer)
		r.Get("/transfers/{id}", transferHandler.GetTransfer)
	})

	return r
}
