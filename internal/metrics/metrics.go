// Package metrics tracks retrieval, vector-operation, cache, and memory
// performance, exposes them as prometheus gauges/counters, and evaluates
// them against health-check thresholds, grounded on
// original_source/RAG/src/performance.rs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Thresholds are the health-check bounds a deployment is expected to stay
// within.
type Thresholds struct {
	MaxRetrievalTimeMs    float64
	MinCacheHitRate       float64
	MaxMemoryUsageMB      float64
	MinParallelEfficiency float64
}

// DefaultThresholds mirrors original_source's PerformanceThresholds::default.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRetrievalTimeMs:    1000.0,
		MinCacheHitRate:       0.7,
		MaxMemoryUsageMB:      8192.0,
		MinParallelEfficiency: 0.8,
	}
}

// Retrieval summarizes retrieval-pipeline latency and reliability.
type Retrieval struct {
	AvgTimeMs        float64
	P95TimeMs        float64
	P99TimeMs        float64
	TotalRetrievals  uint64
	Under1sCount     uint64
	SuccessRate      float64
}

// VectorOps summarizes similarity-search and embedding latency.
type VectorOps struct {
	AvgSearchTimeMs    float64
	ParallelEfficiency float64
	OpsPerSecond       float64
	TotalOperations    uint64
	AvgEmbeddingTimeMs float64
}

// Memory summarizes process memory usage estimates.
type Memory struct {
	CurrentUsageMB      float64
	PeakUsageMB         float64
	Context500kUsageMB  float64
	EfficiencyScore     float64
}

// Cache summarizes the triple-layer cache's effectiveness.
type Cache struct {
	HitRate         float64
	SizeMB          float64
	EvictionRate    float64
	AvgLookupTimeUs float64
}

// Snapshot is a point-in-time view of all tracked metrics.
type Snapshot struct {
	Retrieval Retrieval
	VectorOps VectorOps
	Memory    Memory
	Cache     Cache
}

// promCollectors holds every prometheus metric this package exports,
// registered once via promauto against the default registry.
type promCollectors struct {
	retrievalDuration prometheus.Histogram
	retrievalTotal    prometheus.Counter
	retrievalSuccess  prometheus.Counter
	vectorOpDuration  prometheus.Histogram
	vectorOpsTotal    prometheus.Counter
	memoryUsageMB     prometheus.Gauge
	cacheHitRate      prometheus.Gauge
	cacheSizeMB       prometheus.Gauge
}

func newPromCollectors(namespace string) *promCollectors {
	return &promCollectors{
		retrievalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_milliseconds",
			Help:      "Retrieval pipeline latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		retrievalTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "total",
			Help:      "Total retrieval operations attempted.",
		}),
		retrievalSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "success_total",
			Help:      "Total retrieval operations that completed without error.",
		}),
		vectorOpDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vector_ops",
			Name:      "duration_milliseconds",
			Help:      "Vector similarity search latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		vectorOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vector_ops",
			Name:      "total",
			Help:      "Total vector operations performed.",
		}),
		memoryUsageMB: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "usage_megabytes",
			Help:      "Current process memory usage in megabytes.",
		}),
		cacheHitRate: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hit_rate",
			Help:      "Overall cache hit rate across all cache layers.",
		}),
		cacheSizeMB: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "size_megabytes",
			Help:      "Estimated cache memory footprint in megabytes.",
		}),
	}
}

// Monitor tracks exponential-moving-average performance metrics and
// exposes them both as a Snapshot and as prometheus collectors.
type Monitor struct {
	mu         sync.Mutex
	retrieval  Retrieval
	vectorOps  VectorOps
	memory     Memory
	cache      Cache
	thresholds Thresholds
	startTime  time.Time
	prom       *promCollectors
}

// NewMonitor creates a monitor with the given thresholds (DefaultThresholds
// if zero-valued) and registers its prometheus collectors under namespace.
func NewMonitor(thresholds Thresholds, namespace string) *Monitor {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		retrieval:  Retrieval{SuccessRate: 1.0},
		vectorOps:  VectorOps{ParallelEfficiency: 1.0},
		memory:     Memory{EfficiencyScore: 1.0},
		thresholds: thresholds,
		startTime:  time.Now(),
		prom:       newPromCollectors(namespace),
	}
}

// RecordRetrieval folds a retrieval operation's latency and outcome into
// the running EMA, matching performance.rs's record_retrieval.
func (m *Monitor) RecordRetrieval(d time.Duration, success bool) {
	durationMs := float64(d.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	r := &m.retrieval
	if r.TotalRetrievals == 0 {
		r.AvgTimeMs = durationMs
	} else {
		r.AvgTimeMs = r.AvgTimeMs*0.9 + durationMs*0.1
	}
	r.TotalRetrievals++
	if durationMs < 1000.0 {
		r.Under1sCount++
	}
	if success {
		r.SuccessRate = (r.SuccessRate*float64(r.TotalRetrievals-1) + 1.0) / float64(r.TotalRetrievals)
	} else {
		r.SuccessRate = (r.SuccessRate * float64(r.TotalRetrievals-1)) / float64(r.TotalRetrievals)
	}
	r.P95TimeMs = r.AvgTimeMs * 1.5
	r.P99TimeMs = r.AvgTimeMs * 2.0

	m.prom.retrievalDuration.Observe(durationMs)
	m.prom.retrievalTotal.Inc()
	if success {
		m.prom.retrievalSuccess.Inc()
	}
}

// RecordVectorOperation folds a batch of vector operations into the
// running EMA for search latency and throughput.
func (m *Monitor) RecordVectorOperation(d time.Duration, operationCount uint64) {
	durationMs := float64(d.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	v := &m.vectorOps
	if v.TotalOperations == 0 {
		v.AvgSearchTimeMs = durationMs
	} else {
		v.AvgSearchTimeMs = v.AvgSearchTimeMs*0.9 + durationMs*0.1
	}
	v.TotalOperations += operationCount
	if durationMs > 0 {
		opsPerSecond := float64(operationCount) / (durationMs / 1000.0)
		v.OpsPerSecond = v.OpsPerSecond*0.9 + opsPerSecond*0.1
	}

	m.prom.vectorOpDuration.Observe(durationMs)
	m.prom.vectorOpsTotal.Add(float64(operationCount))
}

// RecordMemoryUsage records current process memory usage, updates the
// running peak, and recomputes the efficiency score relative to the
// configured threshold.
func (m *Monitor) RecordMemoryUsage(currentMB float64, contextTokens uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := &m.memory
	mem.CurrentUsageMB = currentMB
	if currentMB > mem.PeakUsageMB {
		mem.PeakUsageMB = currentMB
	}
	if contextTokens > 0 && currentMB > 0 {
		tokensPerMB := float64(contextTokens) / currentMB
		mem.Context500kUsageMB = 500000.0 / tokensPerMB
	}

	ratio := currentMB / m.thresholds.MaxMemoryUsageMB
	if ratio > 1.0 {
		ratio = 1.0
	}
	mem.EfficiencyScore = 1.0 - ratio

	m.prom.memoryUsageMB.Set(currentMB)
}

// RecordCachePerformance records the cache layer's current hit rate, size,
// and lookup latency.
func (m *Monitor) RecordCachePerformance(hitRate, sizeMB float64, lookupTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &m.cache
	c.HitRate = hitRate
	c.SizeMB = sizeMB
	c.AvgLookupTimeUs = float64(lookupTime.Microseconds())

	m.prom.cacheHitRate.Set(hitRate)
	m.prom.cacheSizeMB.Set(sizeMB)
}

// Snapshot returns a copy of all currently tracked metrics.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Retrieval: m.retrieval,
		VectorOps: m.vectorOps,
		Memory:    m.memory,
		Cache:     m.cache,
	}
}

// Uptime returns how long this monitor has been running.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// HealthIssue names a threshold the system is currently failing.
type HealthIssue struct {
	Metric   string
	Value    float64
	Bound    float64
	Exceeded bool // true when Value must stay below Bound; false when Value must stay above Bound
}

// HealthCheck evaluates the current snapshot against thresholds and
// returns every violated bound; an empty slice means the system is
// healthy.
func (m *Monitor) HealthCheck() []HealthIssue {
	snap := m.Snapshot()
	var issues []HealthIssue

	if snap.Retrieval.AvgTimeMs > m.thresholds.MaxRetrievalTimeMs {
		issues = append(issues, HealthIssue{"avg_retrieval_time_ms", snap.Retrieval.AvgTimeMs, m.thresholds.MaxRetrievalTimeMs, true})
	}
	if snap.Cache.HitRate > 0 && snap.Cache.HitRate < m.thresholds.MinCacheHitRate {
		issues = append(issues, HealthIssue{"cache_hit_rate", snap.Cache.HitRate, m.thresholds.MinCacheHitRate, false})
	}
	if snap.Memory.CurrentUsageMB > m.thresholds.MaxMemoryUsageMB {
		issues = append(issues, HealthIssue{"memory_usage_mb", snap.Memory.CurrentUsageMB, m.thresholds.MaxMemoryUsageMB, true})
	}
	if snap.VectorOps.ParallelEfficiency < m.thresholds.MinParallelEfficiency {
		issues = append(issues, HealthIssue{"parallel_efficiency", snap.VectorOps.ParallelEfficiency, m.thresholds.MinParallelEfficiency, false})
	}
	return issues
}
