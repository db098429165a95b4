package monitor

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/clock"
	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/resource"
)

type staticSampler struct {
	sample resource.Sample
}

func (s *staticSampler) Sample() resource.Sample { return s.sample }

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		MemoryThreshold:           0.8,
		CPUThreshold:              0.9,
		ResponseTimeThreshold:     3 * time.Second,
		QueueWaitThreshold:        5 * time.Second,
		MonitoringInterval:        30 * time.Second,
		OptimizationInterval:      5 * time.Minute,
		EnableOptimization:        true,
		SnapshotHistorySize:       120,
		AlertHistorySize:          100,
		RecommendationHistorySize: 50,
	}
}

func newTestMonitor(cfg config.MonitorConfig, sampler resource.Sampler) *Monitor {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(cfg, sampler, fake, zap.NewNop())
}

func TestIncrementalAverageMatchesArithmeticMean(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		600 * time.Millisecond,
		300 * time.Millisecond,
	}
	for _, d := range durations {
		m.TrackRequest("openai", d, true, nil)
	}

	snap := m.GetSnapshot()
	if snap.Requests.Count != 4 {
		t.Fatalf("expected 4 requests, got %d", snap.Requests.Count)
	}
	if snap.Requests.AvgResponseTime != 300*time.Millisecond {
		t.Fatalf("expected average 300ms, got %v", snap.Requests.AvgResponseTime)
	}
	if snap.Requests.MinResponseTime != 100*time.Millisecond {
		t.Fatalf("expected min 100ms, got %v", snap.Requests.MinResponseTime)
	}
	if snap.Requests.MaxResponseTime != 600*time.Millisecond {
		t.Fatalf("expected max 600ms, got %v", snap.Requests.MaxResponseTime)
	}
}

func TestPerProviderStatsAreIsolated(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	m.TrackRequest("openai", 100*time.Millisecond, true, nil)
	m.TrackRequest("anthropic", 500*time.Millisecond, false, nil)

	snap := m.GetSnapshot()
	if snap.Providers["openai"].Count != 1 || snap.Providers["anthropic"].Count != 1 {
		t.Fatalf("expected one request per provider, got %+v", snap.Providers)
	}
	if snap.Providers["anthropic"].FailureCount != 1 {
		t.Fatal("anthropic failure not recorded")
	}
	if snap.Providers["openai"].FailureCount != 0 {
		t.Fatal("openai must not inherit the other provider's failure")
	}
}

func TestSlowRequestsRaiseResponseTimeAlert(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	for i := 0; i < 10; i++ {
		m.TrackRequest("openai", 5*time.Second, true, nil)
	}

	m.CheckThresholds()

	alerts := m.Alerts()
	found := false
	for _, a := range alerts {
		if a.Type == "response_time" {
			found = true
			if a.Value <= a.Threshold {
				t.Fatalf("alert value %v must exceed threshold %v", a.Value, a.Threshold)
			}
		}
	}
	if !found {
		t.Fatalf("expected a response_time alert, got %+v", alerts)
	}
}

func TestMemoryAlertAndObserver(t *testing.T) {
	sampler := &staticSampler{sample: resource.Sample{MemoryPercent: 0.95}}
	m := newTestMonitor(testMonitorConfig(), sampler)

	var observed []Alert
	m.OnAlert(func(a Alert) { observed = append(observed, a) })

	m.CheckThresholds()

	if len(observed) != 1 || observed[0].Type != "memory" {
		t.Fatalf("expected one memory alert via the observer, got %+v", observed)
	}
}

func TestAlertHistoryIsCapped(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.AlertHistorySize = 5
	sampler := &staticSampler{sample: resource.Sample{MemoryPercent: 0.95}}
	m := newTestMonitor(cfg, sampler)

	for i := 0; i < 20; i++ {
		m.CheckThresholds()
	}

	if got := len(m.Alerts()); got != 5 {
		t.Fatalf("expected alert history capped at 5, got %d", got)
	}
}

func TestRecommendationReplacesSameCategory(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	for i := 0; i < 10; i++ {
		m.TrackRequest("openai", 5*time.Second, true, nil)
	}

	m.RunOptimization()
	m.RunOptimization()

	recs := m.Recommendations()
	if len(recs) != 1 {
		t.Fatalf("expected one active recommendation, got %d", len(recs))
	}
	if recs[0].Category != "response_time" {
		t.Fatalf("expected response_time category, got %s", recs[0].Category)
	}
	if len(recs[0].Actions) == 0 {
		t.Fatal("recommendation must carry actions")
	}
}

func TestRecommendationObserverNotified(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	var observed []Recommendation
	m.OnRecommendation(func(r Recommendation) { observed = append(observed, r) })

	for i := 0; i < 10; i++ {
		m.TrackRequest("openai", 5*time.Second, true, nil)
	}

	m.RunOptimization()

	if len(observed) != 1 || observed[0].Category != "response_time" {
		t.Fatalf("expected one response_time recommendation via the observer, got %+v", observed)
	}
	if len(observed[0].Actions) == 0 {
		t.Fatal("observed recommendation must carry actions")
	}

	m.RunOptimization()
	if len(observed) != 2 {
		t.Fatalf("each optimization pass must notify the observer, got %d events", len(observed))
	}
}

func TestRequestMetadataKeptPerProvider(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	m.TrackRequest("openai", 100*time.Millisecond, true, map[string]interface{}{"model": "gpt-4", "region": "us"})
	m.TrackRequest("openai", 100*time.Millisecond, true, map[string]interface{}{"model": "gpt-4o"})
	m.TrackRequest("anthropic", 100*time.Millisecond, true, nil)

	snap := m.GetSnapshot()
	meta := snap.Providers["openai"].Metadata
	if meta["model"] != "gpt-4o" {
		t.Fatalf("expected latest model tag gpt-4o, got %v", meta["model"])
	}
	if meta["region"] != "us" {
		t.Fatalf("expected region tag retained, got %v", meta["region"])
	}
	if snap.Providers["anthropic"].Metadata != nil {
		t.Fatal("providers without tags must not carry metadata")
	}
}

func TestLowHitRateRecommendsCacheTuning(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	for i := 0; i < 30; i++ {
		m.TrackCacheHit()
	}
	for i := 0; i < 70; i++ {
		m.TrackCacheMiss()
	}

	m.RunOptimization()

	found := false
	for _, r := range m.Recommendations() {
		if r.Category == "cache" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a cache recommendation at 30% hit rate")
	}

	snap := m.GetSnapshot()
	if snap.Cache.HitRate != 0.3 {
		t.Fatalf("expected hit rate 0.3, got %v", snap.Cache.HitRate)
	}
}

func TestSnapshotHistoryIsCapped(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.SnapshotHistorySize = 10
	m := newTestMonitor(cfg, &staticSampler{})

	for i := 0; i < 25; i++ {
		m.CheckThresholds()
	}
	if got := len(m.History()); got != 10 {
		t.Fatalf("expected snapshot history capped at 10, got %d", got)
	}
}

func TestQueueWaitAlert(t *testing.T) {
	m := newTestMonitor(testMonitorConfig(), &staticSampler{})

	m.TrackQueue(50, 10, 8*time.Second)
	m.CheckThresholds()

	found := false
	for _, a := range m.Alerts() {
		if a.Type == "queue_wait" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a queue_wait alert when average wait exceeds the threshold")
	}
}
