package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksQueued tracks the number of pending requests in the scheduler queue.
	TasksQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "threshold_tasks_queued",
		Help: "Current number of requests waiting in the scheduler queue",
	}, []string{"priority"})

	// TasksRunning tracks the number of calculations currently executing.
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threshold_tasks_running",
		Help: "Current number of threshold calculations executing",
	})

	// TaskDuration tracks end-to-end calculation time per task run.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "threshold_task_duration_seconds",
		Help:    "Threshold calculation execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
	})

	// TaskOutcomes counts terminal task states as written to the store.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshold_task_outcomes_total",
		Help: "Total task completions by terminal status",
	}, []string{"status"})

	// FetchFailures counts data source fetches that did not produce data.
	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshold_fetch_failures_total",
		Help: "Data source fetch failures by reason",
	}, []string{"reason"}) // timeout, cancelled, error, empty

	// SyncOperations counts alarm rule operations against the provider.
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threshold_sync_operations_total",
		Help: "Alarm rule sync operations by action and outcome",
	}, []string{"action", "outcome"}) // action: create, update, delete

	// RateLimiterWait tracks how long provider calls wait for a token.
	RateLimiterWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "threshold_rate_limiter_wait_seconds",
		Help:    "Time provider calls spend waiting on the rate limiter",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	// RefreshIterations counts auto refresh processing iterations.
	RefreshIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threshold_refresh_iterations_total",
		Help: "Total auto refresh processing iterations",
	})

	// StoreLatency tracks persistence operation latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "threshold_store_latency_seconds",
		Help:    "Persistence operation latency by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// StreamClients tracks connected websocket event stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threshold_stream_clients",
		Help: "Currently connected event stream clients",
	})
)
