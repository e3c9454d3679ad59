package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pwarelay"
)

var (
	// RequestsTotal counts intercepted requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of intercepted requests",
		},
		[]string{"class", "source"}, // class: api/asset/ignored, source: cache/network/offline/passthrough/none
	)

	// CacheHits counts cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
	)

	// CacheMisses counts cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
	)

	// CacheWrites counts records written per partition kind
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Total number of cache records written",
		},
		[]string{"partition"}, // static/dynamic
	)

	// StaleEvictions counts partitions dropped on activation
	StaleEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_partitions_dropped_total",
			Help:      "Total number of old-generation partitions dropped",
		},
	)

	// QueueActions counts offline queue events
	QueueActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_actions_total",
			Help:      "Offline action queue events",
		},
		[]string{"event"}, // enqueued/rejected/replayed/failed
	)

	// QueueDepth tracks queued actions seen by the last listing
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of offline actions waiting for replay",
		},
	)

	// ConnectionState is 1 for the current socket state, 0 for the others
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Backend socket state",
		},
		[]string{"state"},
	)

	// Reconnects counts scheduled reconnect attempts
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect timers scheduled",
		},
	)

	// BroadcastDeliveries counts per-recipient fan-out results
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Per-client broadcast delivery results",
		},
		[]string{"result"}, // delivered/failed
	)

	// ClientsConnected tracks open page contexts
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of open page contexts",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "pwarelay process info",
		},
		[]string{"version", "go_version", "cache_version"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, cacheVersion string) {
	Info.WithLabelValues(version, goVersion, cacheVersion).Set(1)
}
