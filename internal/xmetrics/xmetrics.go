// Package xmetrics declares the Prometheus metrics emitted by the
// replication engine and entity index, and a small Timer helper used to
// feed them from deferred call sites.
package xmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BlockWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exocore_block_write_duration_seconds",
		Help:    "Time taken to append a block to the chain store.",
		Buckets: prometheus.DefBuckets,
	})

	MutationIndexPutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exocore_mutation_index_put_duration_seconds",
		Help:    "Time taken to index one entity mutation.",
		Buckets: prometheus.DefBuckets,
	})

	EngineTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exocore_engine_tick_duration_seconds",
		Help:    "Time taken by one engine orchestrator tick.",
		Buckets: prometheus.DefBuckets,
	})

	PendingSyncRoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exocore_pending_sync_round_duration_seconds",
		Help:    "Time taken by one pending-sync round with a peer.",
		Buckets: prometheus.DefBuckets,
	})

	GCQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exocore_gc_queue_depth",
		Help: "Number of entities currently queued for garbage collection.",
	})

	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exocore_chain_height",
		Help: "Height of the local chain tip.",
	})

	PendingOperationsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exocore_pending_operations_total",
		Help: "Number of operations currently in the pending store.",
	})

	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exocore_events_dropped_total",
		Help: "Number of engine events dropped due to a full handle channel, by handle.",
	}, []string{"handle"})
)

func init() {
	prometheus.MustRegister(
		BlockWriteDuration,
		MutationIndexPutDuration,
		EngineTickDuration,
		PendingSyncRoundDuration,
		GCQueueDepth,
		ChainHeight,
		PendingOperationsTotal,
		EventsDroppedTotal,
	)
}

// Timer measures elapsed time from creation to ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
