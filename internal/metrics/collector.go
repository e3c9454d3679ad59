package metrics

import (
	"runtime"
	"time"
)

// Collector collects periodic process metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordRequest records how an intercepted request was served
func RecordRequest(class, source string) {
	RequestsTotal.WithLabelValues(class, source).Inc()
}

// RecordCacheHit records cache hit
func RecordCacheHit() {
	CacheHits.Inc()
}

// RecordCacheMiss records cache miss
func RecordCacheMiss() {
	CacheMisses.Inc()
}

// RecordCacheWrite records a record stored in a partition kind
func RecordCacheWrite(partition string) {
	CacheWrites.WithLabelValues(partition).Inc()
}

// RecordQueue records an offline queue event
func RecordQueue(event string) {
	QueueActions.WithLabelValues(event).Inc()
}

// RecordState marks state as the current connection state
func RecordState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordBroadcast records fan-out results
func RecordBroadcast(delivered, failed int) {
	BroadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	BroadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
}

// RecordClient records connected client count change
func RecordClient(delta int) {
	ClientsConnected.Add(float64(delta))
}
