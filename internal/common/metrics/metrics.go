package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream manager metrics

	// StreamConnectionState tracks the current connection state of a stream manager.
	// 0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed, 5=shutdown
	StreamConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed, 5=shutdown)",
		},
		[]string{"stream_name"},
	)

	// StreamReconnects tracks reconnect attempts
	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total stream reconnect attempts",
		},
		[]string{"stream_name"},
	)

	// StreamConsecutiveFailures tracks the current consecutive failure count
	StreamConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "consecutive_failures",
			Help:      "Current consecutive failure count since the last successful connection",
		},
		[]string{"stream_name"},
	)

	// StreamEventsProcessed tracks events processed by the event processor
	StreamEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "events_processed_total",
			Help:      "Total change events processed",
		},
		[]string{"stream_name", "operation_type", "result"}, // result: success, failed, dropped
	)

	// StreamEventProcessingDuration tracks event dispatch duration
	StreamEventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "event_processing_duration_seconds",
			Help:      "Time to dispatch a single change event to the cache handler",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stream_name", "operation_type"},
	)

	// StreamBufferDepth tracks the current depth of the bounded event channel
	StreamBufferDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "buffer_depth",
			Help:      "Current number of buffered events awaiting processing",
		},
		[]string{"stream_name"},
	)

	// StreamEventLossRecoveries tracks events dispatched via the direct
	// bypass path after the bounded channel stayed full across all retries
	StreamEventLossRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "event_loss_recoveries_total",
			Help:      "Total events dispatched directly after the bounded channel stayed full",
		},
		[]string{"stream_name"},
	)

	// StreamTokenInvalidations tracks resume-token invalidation events
	StreamTokenInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "stream",
			Name:      "token_invalidations_total",
			Help:      "Total resume-token invalidation errors observed",
		},
		[]string{"stream_name"},
	)

	// Per-key update serializer metrics

	// SerializerActiveQueues tracks active per-key update queues
	SerializerActiveQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cachestream",
			Subsystem: "serializer",
			Name:      "active_queues",
			Help:      "Number of active per-key update queues",
		},
	)

	// SerializerQueueDepth tracks the depth of a per-key update queue
	SerializerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cachestream",
			Subsystem: "serializer",
			Name:      "queue_depth",
			Help:      "Current number of queued update requests for a key",
		},
		[]string{"cache_name"},
	)

	// SerializerUpdatesProcessed tracks completed update requests
	SerializerUpdatesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "serializer",
			Name:      "updates_processed_total",
			Help:      "Total per-key update requests processed",
		},
		[]string{"cache_name", "result"}, // result: success, failed, rejected
	)

	// SerializerCASAttempts tracks CAS retry attempts in the update executor
	SerializerCASAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cachestream",
			Subsystem: "serializer",
			Name:      "cas_attempts",
			Help:      "Number of CAS attempts taken to complete an update",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		},
		[]string{"cache_name"},
	)

	// SerializerCASConflicts tracks write-conflict retries (code 112) and
	// version-mismatch re-reads distinctly from the attempt histogram above
	SerializerCASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "serializer",
			Name:      "cas_conflicts_total",
			Help:      "Total CAS conflicts requiring a retry, by cause",
		},
		[]string{"cache_name", "cause"}, // cause: version_mismatch, write_conflict
	)

	// SerializerUpdateDuration tracks end-to-end update latency including queueing
	SerializerUpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cachestream",
			Subsystem: "serializer",
			Name:      "update_duration_seconds",
			Help:      "End-to-end duration of a per-key update, including time queued",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cache_name"},
	)

	// Cache-level metrics

	// CacheOperations tracks public cache operations
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total cache operations",
		},
		[]string{"cache_name", "operation", "result"},
	)

	// CacheSize tracks the number of documents currently cached
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cachestream",
			Subsystem: "cache",
			Name:      "size",
			Help:      "Number of documents currently held in the cache",
		},
		[]string{"cache_name"},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachestream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cachestream",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ConnectionStateValue maps a ConnectionState label to its gauge value
var ConnectionStateValue = map[string]float64{
	"DISCONNECTED":  0,
	"CONNECTING":    1,
	"CONNECTED":     2,
	"RECONNECTING":  3,
	"FAILED":        4,
	"SHUTDOWN":      5,
}
