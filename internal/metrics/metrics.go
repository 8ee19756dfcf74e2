package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of operations awaiting replay.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_queue_depth",
			Help: "Number of operations awaiting replay",
		},
	)

	// OperationsEnqueued counts accepted operations per verb.
	OperationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_operations_enqueued_total",
			Help: "Total number of operations accepted into the queue",
		},
		[]string{"verb"},
	)

	// OperationsReplayed counts flush outcomes.
	OperationsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_operations_replayed_total",
			Help: "Total number of replay attempts during flush",
		},
		[]string{"outcome"}, // applied, failed, dead_lettered
	)

	// OperationsEvicted counts oldest-entry evictions on overflow.
	OperationsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_operations_evicted_total",
			Help: "Total number of operations evicted when the queue was full",
		},
	)

	// DuplicatesSuppressed counts enqueue calls rejected by key.
	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_duplicates_suppressed_total",
			Help: "Total number of enqueues rejected for a duplicate idempotency key",
		},
	)

	// StorageDegraded is 1 while the queue runs on its memory mirror.
	StorageDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_storage_degraded",
			Help: "1 when durable storage is unavailable and the queue is memory-only",
		},
	)

	// StorageErrors counts best-effort persistence failures.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_storage_errors_total",
			Help: "Total number of durable store failures",
		},
		[]string{"op"},
	)

	// FlushDuration observes full flush passes.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_flush_duration_seconds",
			Help:    "Duration of queue flush passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RetryAttempts counts upstream call attempts by classification.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_retry_attempts_total",
			Help: "Total number of upstream call attempts",
		},
		[]string{"kind"},
	)

	// ConnectivityOnline is 1 while the upstream is reachable.
	ConnectivityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_connectivity_online",
			Help: "1 when the upstream backend is reachable",
		},
	)

	// ProbeFailures counts failed connectivity probes.
	ProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_probe_failures_total",
			Help: "Total number of failed connectivity probes",
		},
	)
)
