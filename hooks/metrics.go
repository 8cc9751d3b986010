package hooks

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Skryldev/derivcache/core"
)

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stepDurationsMs map[string]int64 // cumulative ms per step
	stepCalls       map[string]int64 // call count per step
	stepErrors      map[string]int64
	cacheAccesses   map[string]int64 // "cache/result"

	totalThroughputB int64
	totalMemoryB     int64
}

var _ core.MetricsCollector = (*InMemoryMetrics)(nil)

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stepDurationsMs: make(map[string]int64),
		stepCalls:       make(map[string]int64),
		stepErrors:      make(map[string]int64),
		cacheAccesses:   make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	ms := int64(d.Seconds() * 1000)
	m.mu.Lock()
	m.stepDurationsMs[stepName] += ms
	m.stepCalls[stepName]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordThroughput(bytes int64) {
	atomic.AddInt64(&m.totalThroughputB, bytes)
}

func (m *InMemoryMetrics) RecordMemory(bytes int64) {
	atomic.AddInt64(&m.totalMemoryB, bytes)
}

func (m *InMemoryMetrics) RecordError(stepName string, _ string) {
	m.mu.Lock()
	m.stepErrors[stepName]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordCacheAccess(cache string, result string) {
	m.mu.Lock()
	m.cacheAccesses[cache+"/"+result]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		StepDurationsMs:  copyCounts(m.stepDurationsMs),
		StepCalls:        copyCounts(m.stepCalls),
		StepErrors:       copyCounts(m.stepErrors),
		CacheAccesses:    copyCounts(m.cacheAccesses),
		TotalThroughputB: atomic.LoadInt64(&m.totalThroughputB),
		TotalMemoryB:     atomic.LoadInt64(&m.totalMemoryB),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StepDurationsMs map[string]int64
	StepCalls       map[string]int64
	StepErrors      map[string]int64
	// CacheAccesses is keyed "cache/result", e.g. "derivative/hit".
	CacheAccesses    map[string]int64
	TotalThroughputB int64
	TotalMemoryB     int64
}

// HitRatio is hits / (hits + misses) for one cache, 0 without traffic.
func (s MetricsSnapshot) HitRatio(cache string) float64 {
	hits := s.CacheAccesses[cache+"/hit"]
	total := hits + s.CacheAccesses[cache+"/miss"]
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ── Prometheus collector ──────────────────────────────────────────────────────

// PrometheusMetrics exports MetricsCollector observations. Metrics are
// registered on the registerer given to NewPrometheusMetrics, so tests and
// embedders can keep them off the global registry.
type PrometheusMetrics struct {
	stepDuration *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec
	cacheAccess  *prometheus.CounterVec
	throughput   prometheus.Counter
	memory       prometheus.Counter
}

var _ core.MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the derivcache metrics on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		stepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "derivcache_step_duration_seconds",
				Help:    "Duration of processing steps and maintenance tasks in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		stepErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivcache_step_errors_total",
				Help: "Total number of failed steps by category",
			},
			[]string{"step", "category"},
		),
		cacheAccess: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivcache_cache_access_total",
				Help: "Cache lookups by cache and result (hit, miss, error)",
			},
			[]string{"cache", "result"},
		),
		throughput: f.NewCounter(prometheus.CounterOpts{
			Name: "derivcache_throughput_bytes_total",
			Help: "Bytes of derivative output produced",
		}),
		memory: f.NewCounter(prometheus.CounterOpts{
			Name: "derivcache_decoded_bytes_total",
			Help: "Bytes of decoded pixel data handled by pipeline steps",
		}),
	}
}

func (p *PrometheusMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	p.stepDuration.WithLabelValues(stepName).Observe(d.Seconds())
}

func (p *PrometheusMetrics) RecordThroughput(bytes int64) { p.throughput.Add(float64(bytes)) }

func (p *PrometheusMetrics) RecordMemory(bytes int64) { p.memory.Add(float64(bytes)) }

func (p *PrometheusMetrics) RecordError(stepName string, category string) {
	p.stepErrors.WithLabelValues(stepName, category).Inc()
}

func (p *PrometheusMetrics) RecordCacheAccess(cache string, result string) {
	p.cacheAccess.WithLabelValues(cache, result).Inc()
}

// ── Fan-out ───────────────────────────────────────────────────────────────────

// MultiMetrics forwards every observation to each collector.
type MultiMetrics []core.MetricsCollector

var _ core.MetricsCollector = MultiMetrics(nil)

func (m MultiMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	for _, c := range m {
		c.RecordProcessingTime(stepName, d)
	}
}

func (m MultiMetrics) RecordThroughput(bytes int64) {
	for _, c := range m {
		c.RecordThroughput(bytes)
	}
}

func (m MultiMetrics) RecordMemory(bytes int64) {
	for _, c := range m {
		c.RecordMemory(bytes)
	}
}

func (m MultiMetrics) RecordError(stepName string, category string) {
	for _, c := range m {
		c.RecordError(stepName, category)
	}
}

func (m MultiMetrics) RecordCacheAccess(cache string, result string) {
	for _, c := range m {
		c.RecordCacheAccess(cache, result)
	}
}
