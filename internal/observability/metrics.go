package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	httpDurationHistogram   *prometheus.HistogramVec
	accountCommandCounter   *prometheus.CounterVec
	transferCounter         *prometheus.CounterVec
	creditAttemptCounter    *prometheus.CounterVec
	activeAggregatesGauge   prometheus.Gauge
	ledgerImbalanceCounter  *prometheus.CounterVec
	stuckTransfersGauge     prometheus.Gauge
	eventPublishFailCounter prometheus.Counter
	cacheCounter            *prometheus.CounterVec
	workerRunCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		accountCommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_commands_total",
			Help: "Account commands by outcome",
		}, []string{"command", "result"})

		transferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfers_total",
			Help: "Transfers reaching a final or stuck status",
		}, []string{"status"})

		creditAttemptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_credit_attempts_total",
			Help: "Destination credit attempts made by the transfer coordinator",
		}, []string{"result"})

		activeAggregatesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_active_aggregates",
			Help: "Accounts currently held in memory by the registry",
		})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_imbalance_total",
			Help: "Number of times an in-memory balance diverged from its event log",
		}, []string{"kind"})

		stuckTransfersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfers_stuck",
			Help: "Non-terminal transfers older than the recovery window",
		})

		eventPublishFailCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Appended events that could not be published",
		})

		cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_cache_events_total",
			Help: "Balance view cache outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			accountCommandCounter,
			transferCounter,
			creditAttemptCounter,
			activeAggregatesGauge,
			ledgerImbalanceCounter,
			stuckTransfersGauge,
			eventPublishFailCounter,
			cacheCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementAccountCommand(command, result string) {
	if accountCommandCounter == nil {
		return
	}
	accountCommandCounter.WithLabelValues(command, result).Inc()
}

func IncrementTransfer(status string) {
	if transferCounter == nil {
		return
	}
	transferCounter.WithLabelValues(status).Inc()
}

func IncrementCreditAttempt(result string) {
	if creditAttemptCounter == nil {
		return
	}
	creditAttemptCounter.WithLabelValues(result).Inc()
}

func SetActiveAggregates(n int) {
	if activeAggregatesGauge == nil {
		return
	}
	activeAggregatesGauge.Set(float64(n))
}

func IncrementLedgerImbalance(kind string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(kind).Inc()
}

func SetStuckTransfers(n int) {
	if stuckTransfersGauge == nil {
		return
	}
	stuckTransfersGauge.Set(float64(n))
}

func IncrementEventPublishFailure() {
	if eventPublishFailCounter == nil {
		return
	}
	eventPublishFailCounter.Inc()
}

func IncrementCacheEvent(outcome string) {
	if cacheCounter == nil {
		return
	}
	cacheCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
