package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "indexer_jobs_enqueued_total", Help: "Jobs enqueued by kind"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "indexer_rate_limit_rejects_total", Help: "Admin requests rejected by rate limiter"})
	JobOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "indexer_jobs_resolved_total", Help: "Jobs resolved by kind and outcome (succeeded, retried, failed, abandoned, lost)"}, []string{"kind", "outcome"})
	StaleRequeued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "indexer_jobs_stale_requeued_total", Help: "Claims recovered by the stale sweep"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "indexer_queue_depth", Help: "Jobs per queue"}, []string{"queue"})
	StoreErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "indexer_store_errors_total", Help: "Job store operations that failed in the worker loop"})

	IndexDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexer_index_duration_seconds",
		Help:    "Time to load, project and upsert one product",
		Buckets: prometheus.DefBuckets,
	})
	IndexResults = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "indexer_index_results_total", Help: "Index operations by result"}, []string{"result"})
	ReindexRuns  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "indexer_reindex_runs_total", Help: "Reindex runs by outcome"}, []string{"outcome"})

	BreakerState   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "indexer_circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"}, []string{"breaker"})
	EventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "indexer_events_consumed_total", Help: "Product change events by topic and result"}, []string{"topic", "result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			JobOutcomes,
			StaleRequeued,
			QueueDepth,
			StoreErrors,
			IndexDuration,
			IndexResults,
			ReindexRuns,
			BreakerState,
			EventsConsumed,
		)
	})
	return promhttp.Handler()
}
