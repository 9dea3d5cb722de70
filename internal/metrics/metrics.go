// Package metrics holds the in-process performance monitor: rolling counters
// and per-path latency aggregates served by the /metrics endpoint.
package metrics

import (
	"sync"
	"time"
)

// Counter names recorded by the serving layer.
const (
	CounterRequests            = "requests_total"
	CounterCreated             = "urls_created"
	CounterRedirects           = "redirects"
	CounterCacheHits           = "cache_hits"
	CounterCacheMisses         = "cache_misses"
	CounterCacheErrors         = "cache_errors"
	CounterStoreReads          = "store_reads"
	CounterStoreErrors         = "store_errors"
	CounterDegradedWrites      = "degraded_writes"
	CounterBackgroundPersisted = "background_persisted"
	CounterBackgroundFailed    = "background_failed"
	CounterBackgroundDropped   = "background_dropped"
	CounterRejectedConnections = "rejected_connections"
	CounterRejectedRateWindow  = "rejected_rate_window"
	CounterRejectedQueueFull   = "rejected_queue_full"
	CounterRejectedClientRate  = "rejected_client_rate"
)

// Paths observed for latency.
const (
	PathReadCache    = "read.cache"
	PathReadStore    = "read.store"
	PathWriteStore   = "write.store"
	PathWriteDegrade = "write.degraded"
)

type latency struct {
	count int64
	total time.Duration
	max   time.Duration
}

// LatencySnapshot is the exported view of one observed path.
type LatencySnapshot struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of all monitor state.
type Snapshot struct {
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Counters      map[string]int64           `json:"counters"`
	Latencies     map[string]LatencySnapshot `json:"latencies"`
}

// Monitor aggregates counters and latencies across all request paths.
// All methods are safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	started   time.Time
	counters  map[string]int64
	latencies map[string]*latency
}

func NewMonitor() *Monitor {
	return &Monitor{
		started:   time.Now(),
		counters:  make(map[string]int64),
		latencies: make(map[string]*latency),
	}
}

// Inc increments the named counter by one.
func (m *Monitor) Inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[name]++
}

// Observe records one elapsed duration for the given path. Degraded paths
// record here too, so the monitor sees every attempt.
func (m *Monitor) Observe(path string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.latencies[path]
	if !ok {
		l = &latency{}
		m.latencies[path] = l
	}

	l.count++
	l.total += elapsed
	if elapsed > l.max {
		l.max = elapsed
	}
}

// Snapshot copies out the current aggregates.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(m.started).Seconds(),
		Counters:      make(map[string]int64, len(m.counters)),
		Latencies:     make(map[string]LatencySnapshot, len(m.latencies)),
	}

	for name, v := range m.counters {
		snap.Counters[name] = v
	}
	for path, l := range m.latencies {
		s := LatencySnapshot{
			Count: l.count,
			MaxMs: float64(l.max) / float64(time.Millisecond),
		}
		if l.count > 0 {
			s.AvgMs = float64(l.total) / float64(l.count) / float64(time.Millisecond)
		}
		snap.Latencies[path] = s
	}

	return snap
}

// Reset clears all counters and latency aggregates.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = time.Now()
	m.counters = make(map[string]int64)
	m.latencies = make(map[string]*latency)
}
