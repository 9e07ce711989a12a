// Package metrics exposes Prometheus instrumentation for the data
// server and the client access engine, in the same package-level
// prometheus.*Vec + Timer helper style.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Data server: lock manager
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pious_ds_lock_wait_seconds",
			Help:    "Time a transaction spent blocked waiting for a lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadlockAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_ds_deadlock_aborts_total",
			Help: "Total number of transactions aborted by the deadlock-avoidance timer",
		},
	)

	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pious_ds_locks_held",
			Help: "Current number of granted locks",
		},
	)

	// Data server: cache
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pious_ds_cache_hits_total",
			Help: "Cache accesses by outcome",
		},
		[]string{"outcome"}, // hit_protected, hit_probationary, miss
	)

	CachePromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_ds_cache_promotions_total",
			Help: "Total number of probationary-to-protected promotions",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pious_ds_cache_evictions_total",
			Help: "Total number of cache block evictions by origin segment",
		},
		[]string{"segment"}, // protected, probationary
	)

	CacheWritebacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pious_ds_cache_writebacks_total",
			Help: "Total number of dirty-block writebacks by mode",
		},
		[]string{"mode"}, // sync, async
	)

	// Data server: transaction table
	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pious_ds_transactions_active",
			Help: "Current number of transaction records in the running or prepared state",
		},
	)

	TransactionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pious_ds_transaction_outcomes_total",
			Help: "Total transaction outcomes",
		},
		[]string{"outcome"}, // commit, abort, readonly
	)

	// Client: access engine
	PipelineOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pious_client_pipeline_op_seconds",
			Help:    "Per-server request/reply latency within a pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SharedPointerRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_client_sharedptr_retries_total",
			Help: "Total number of shared-pointer correction writebacks",
		},
	)

	AccessRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_client_access_retries_total",
			Help: "Total number of independent-access retries after an ABORT reply",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LockWaitDuration,
		DeadlockAbortsTotal,
		LocksHeld,
		CacheHitsTotal,
		CachePromotionsTotal,
		CacheEvictionsTotal,
		CacheWritebacksTotal,
		TransactionsActive,
		TransactionOutcomesTotal,
		PipelineOpDuration,
		SharedPointerRetriesTotal,
		AccessRetriesTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and reports it to a histogram on
// completion.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
