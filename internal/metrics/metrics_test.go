package metrics

import (
	"testing"
	"time"
)

func TestRecordRetrieval_ComputesRunningAverage(t *testing.T) {
	m := NewMonitor(Thresholds{}, "test_retrieval_avg")

	m.RecordRetrieval(100*time.Millisecond, true)
	snap := m.Snapshot()
	if snap.Retrieval.AvgTimeMs != 100 {
		t.Fatalf("expected first sample to set avg directly, got %f", snap.Retrieval.AvgTimeMs)
	}

	m.RecordRetrieval(200*time.Millisecond, true)
	snap = m.Snapshot()
	want := 100*0.9 + 200*0.1
	if snap.Retrieval.AvgTimeMs != want {
		t.Fatalf("expected EMA %f, got %f", want, snap.Retrieval.AvgTimeMs)
	}
	if snap.Retrieval.TotalRetrievals != 2 {
		t.Fatalf("expected 2 total retrievals, got %d", snap.Retrieval.TotalRetrievals)
	}
}

func TestRecordRetrieval_SuccessRateTracksFailures(t *testing.T) {
	m := NewMonitor(Thresholds{}, "test_retrieval_success")

	m.RecordRetrieval(10*time.Millisecond, true)
	m.RecordRetrieval(10*time.Millisecond, false)

	snap := m.Snapshot()
	if snap.Retrieval.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5 after one hit one miss, got %f", snap.Retrieval.SuccessRate)
	}
}

func TestRecordMemoryUsage_TracksPeakAndEfficiency(t *testing.T) {
	m := NewMonitor(Thresholds{MaxMemoryUsageMB: 1000}, "test_memory")

	m.RecordMemoryUsage(200, 0)
	m.RecordMemoryUsage(100, 0)

	snap := m.Snapshot()
	if snap.Memory.PeakUsageMB != 200 {
		t.Fatalf("expected peak to stay at 200, got %f", snap.Memory.PeakUsageMB)
	}
	if snap.Memory.CurrentUsageMB != 100 {
		t.Fatalf("expected current usage 100, got %f", snap.Memory.CurrentUsageMB)
	}
	wantEfficiency := 1.0 - 100.0/1000.0
	if snap.Memory.EfficiencyScore != wantEfficiency {
		t.Fatalf("expected efficiency %f, got %f", wantEfficiency, snap.Memory.EfficiencyScore)
	}
}

func TestHealthCheck_FlagsSlowRetrieval(t *testing.T) {
	m := NewMonitor(Thresholds{MaxRetrievalTimeMs: 50, MinCacheHitRate: 0, MaxMemoryUsageMB: 1e9, MinParallelEfficiency: 0}, "test_health_slow")
	m.RecordRetrieval(500*time.Millisecond, true)

	issues := m.HealthCheck()
	if len(issues) != 1 || issues[0].Metric != "avg_retrieval_time_ms" {
		t.Fatalf("expected single avg_retrieval_time_ms issue, got %+v", issues)
	}
}

func TestHealthCheck_HealthyByDefault(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), "test_health_default")
	if issues := m.HealthCheck(); len(issues) != 0 {
		t.Fatalf("expected no issues for a fresh monitor, got %+v", issues)
	}
}

func TestHealthCheck_FlagsLowCacheHitRate(t *testing.T) {
	m := NewMonitor(Thresholds{MaxRetrievalTimeMs: 1e9, MinCacheHitRate: 0.7, MaxMemoryUsageMB: 1e9, MinParallelEfficiency: 0}, "test_health_cache")
	m.RecordCachePerformance(0.2, 10, time.Microsecond)

	issues := m.HealthCheck()
	if len(issues) != 1 || issues[0].Metric != "cache_hit_rate" {
		t.Fatalf("expected single cache_hit_rate issue, got %+v", issues)
	}
}
