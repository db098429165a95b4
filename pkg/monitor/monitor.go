package monitor

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/clock"
	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/metrics"
	"github.com/llmgate/llmgate/pkg/resource"
)

// RequestStats aggregates request outcomes with an incremental average so
// memory stays flat no matter how many requests flow through.
type RequestStats struct {
	Count           uint64        `json:"count"`
	SuccessCount    uint64        `json:"success_count"`
	FailureCount    uint64        `json:"failure_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	MinResponseTime time.Duration `json:"min_response_time"`
	MaxResponseTime time.Duration `json:"max_response_time"`

	// Latest caller-supplied tag per key, provider-level only.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	avgMs float64
}

func (s *RequestStats) observe(d time.Duration, success bool) {
	s.Count++
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	ms := float64(d.Milliseconds())
	s.avgMs += (ms - s.avgMs) / float64(s.Count)
	s.AvgResponseTime = time.Duration(s.avgMs) * time.Millisecond
	if s.MinResponseTime == 0 || d < s.MinResponseTime {
		s.MinResponseTime = d
	}
	if d > s.MaxResponseTime {
		s.MaxResponseTime = d
	}
}

type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

type QueueStats struct {
	Length      int           `json:"length"`
	Running     int           `json:"running"`
	AvgWaitTime time.Duration `json:"avg_wait_time"`

	waitCount uint64
	avgWaitMs float64
}

// Alert flags a threshold breach observed during a monitoring pass.
type Alert struct {
	Type      string    `json:"type"` // memory, cpu, response_time, queue_wait
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Recommendation is an optimization suggestion derived from observed stats.
// One recommendation exists per category at a time; newer ones replace older.
type Recommendation struct {
	Category  string    `json:"category"` // memory, response_time, cache, queue
	Priority  string    `json:"priority"`
	Actions   []string  `json:"actions"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a point-in-time view of everything the monitor tracks.
type Snapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Resources resource.Sample         `json:"resources"`
	Requests  RequestStats            `json:"requests"`
	Providers map[string]RequestStats `json:"providers"`
	Cache     CacheStats              `json:"cache"`
	Queue     QueueStats              `json:"queue"`
}

// Monitor collects request, cache, and queue statistics, samples host
// resources, raises alerts on threshold breaches, and periodically derives
// optimization recommendations.
type Monitor struct {
	cfg     config.MonitorConfig
	clk     clock.Clock
	logger  *zap.Logger
	sampler resource.Sampler

	mu        sync.Mutex
	requests  RequestStats
	providers map[string]*RequestStats
	cache     CacheStats
	queue     QueueStats

	alerts          []Alert
	recommendations map[string]Recommendation
	recHistory      []Recommendation
	snapshots       []Snapshot

	onAlert          func(Alert)
	onRecommendation func(Recommendation)
	running          bool
	stopCh           chan struct{}
}

func New(cfg config.MonitorConfig, sampler resource.Sampler, clk clock.Clock, logger *zap.Logger) *Monitor {
	if sampler == nil {
		sampler = resource.NewRuntimeSampler()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 0.8
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 0.9
	}
	if cfg.AlertHistorySize <= 0 {
		cfg.AlertHistorySize = 100
	}
	if cfg.RecommendationHistorySize <= 0 {
		cfg.RecommendationHistorySize = 50
	}
	if cfg.SnapshotHistorySize <= 0 {
		cfg.SnapshotHistorySize = 120
	}
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 30 * time.Second
	}
	if cfg.OptimizationInterval <= 0 {
		cfg.OptimizationInterval = 5 * time.Minute
	}

	return &Monitor{
		cfg:             cfg,
		clk:             clk,
		logger:          logger,
		sampler:         sampler,
		providers:       make(map[string]*RequestStats),
		recommendations: make(map[string]Recommendation),
		stopCh:          make(chan struct{}),
	}
}

// OnAlert registers a callback invoked for every raised alert. The callback
// runs outside the monitor's lock.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// OnRecommendation registers a callback invoked for every recommendation
// produced by an optimization pass, after it replaced its category's entry.
// The callback runs outside the monitor's lock.
func (m *Monitor) OnRecommendation(fn func(Recommendation)) {
	m.mu.Lock()
	m.onRecommendation = fn
	m.mu.Unlock()
}

func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.monitorLoop()
	if m.cfg.EnableOptimization {
		go m.optimizeLoop()
	}
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
}

func (m *Monitor) monitorLoop() {
	ticker := m.clk.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.CheckThresholds()
		}
	}
}

func (m *Monitor) optimizeLoop() {
	ticker := m.clk.NewTicker(m.cfg.OptimizationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.RunOptimization()
		}
	}
}

// TrackRequest records one finished request, both globally and per provider.
// Metadata tags supplied by the caller are kept on the provider's stats,
// latest value per key, so snapshots can surface routing context.
func (m *Monitor) TrackRequest(provider string, responseTime time.Duration, success bool, metadata map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests.observe(responseTime, success)

	ps, ok := m.providers[provider]
	if !ok {
		ps = &RequestStats{}
		m.providers[provider] = ps
	}
	ps.observe(responseTime, success)

	if len(metadata) > 0 {
		if ps.Metadata == nil {
			ps.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			ps.Metadata[k] = v
		}
	}
}

func (m *Monitor) TrackCacheHit() {
	m.mu.Lock()
	m.cache.Hits++
	m.updateHitRate()
	m.mu.Unlock()
}

func (m *Monitor) TrackCacheMiss() {
	m.mu.Lock()
	m.cache.Misses++
	m.updateHitRate()
	m.mu.Unlock()
}

func (m *Monitor) TrackCacheSize(size int) {
	m.mu.Lock()
	m.cache.Size = size
	m.mu.Unlock()
}

func (m *Monitor) updateHitRate() {
	total := m.cache.Hits + m.cache.Misses
	if total > 0 {
		m.cache.HitRate = float64(m.cache.Hits) / float64(total)
	}
}

// TrackQueue records the queue's current shape plus one wait-time observation.
func (m *Monitor) TrackQueue(length, running int, waitTime time.Duration) {
	m.mu.Lock()
	m.queue.Length = length
	m.queue.Running = running
	if waitTime > 0 {
		m.queue.waitCount++
		ms := float64(waitTime.Milliseconds())
		m.queue.avgWaitMs += (ms - m.queue.avgWaitMs) / float64(m.queue.waitCount)
		m.queue.AvgWaitTime = time.Duration(m.queue.avgWaitMs) * time.Millisecond
	}
	m.mu.Unlock()
}

// CheckThresholds runs one monitoring pass: sample resources, record a
// snapshot, and raise alerts for every breached threshold. Exposed so tests
// and ops endpoints can trigger a pass outside the timer.
func (m *Monitor) CheckThresholds() {
	sample := m.sampler.Sample()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.clk.Now()
	}
	now := m.clk.Now()

	m.mu.Lock()
	snap := Snapshot{
		Timestamp: now,
		Resources: sample,
		Requests:  m.requests,
		Providers: m.providerStatsLocked(),
		Cache:     m.cache,
		Queue:     m.queue,
	}
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > m.cfg.SnapshotHistorySize {
		m.snapshots = m.snapshots[1:]
	}

	var raised []Alert
	if sample.MemoryPercent > m.cfg.MemoryThreshold {
		raised = append(raised, Alert{
			Type:      "memory",
			Severity:  "warning",
			Message:   "memory usage above threshold",
			Value:     sample.MemoryPercent,
			Threshold: m.cfg.MemoryThreshold,
			Timestamp: now,
		})
	}
	if sample.CPUPercent > m.cfg.CPUThreshold {
		raised = append(raised, Alert{
			Type:      "cpu",
			Severity:  "warning",
			Message:   "cpu usage above threshold",
			Value:     sample.CPUPercent,
			Threshold: m.cfg.CPUThreshold,
			Timestamp: now,
		})
	}
	if m.cfg.ResponseTimeThreshold > 0 && m.requests.Count > 0 &&
		m.requests.AvgResponseTime > m.cfg.ResponseTimeThreshold {
		raised = append(raised, Alert{
			Type:      "response_time",
			Severity:  "warning",
			Message:   "average response time above threshold",
			Value:     float64(m.requests.AvgResponseTime.Milliseconds()),
			Threshold: float64(m.cfg.ResponseTimeThreshold.Milliseconds()),
			Timestamp: now,
		})
	}
	if m.cfg.QueueWaitThreshold > 0 && m.queue.waitCount > 0 &&
		m.queue.AvgWaitTime > m.cfg.QueueWaitThreshold {
		raised = append(raised, Alert{
			Type:      "queue_wait",
			Severity:  "warning",
			Message:   "average queue wait above threshold",
			Value:     float64(m.queue.AvgWaitTime.Milliseconds()),
			Threshold: float64(m.cfg.QueueWaitThreshold.Milliseconds()),
			Timestamp: now,
		})
	}

	m.alerts = append(m.alerts, raised...)
	if len(m.alerts) > m.cfg.AlertHistorySize {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertHistorySize:]
	}
	cb := m.onAlert
	m.mu.Unlock()

	for _, a := range raised {
		metrics.AlertsTotal.WithLabelValues(a.Type, a.Severity).Inc()
		m.logger.Warn("alert raised",
			zap.String("type", a.Type),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold))
		if cb != nil {
			cb(a)
		}
	}
}

// RunOptimization derives recommendations from current stats. Newer
// recommendations replace older ones in the same category.
func (m *Monitor) RunOptimization() {
	sample := m.sampler.Sample()
	now := m.clk.Now()

	var produced []Recommendation
	m.mu.Lock()

	if sample.MemoryPercent > m.cfg.MemoryThreshold {
		produced = append(produced, m.recommendLocked(Recommendation{
			Category: "memory",
			Priority: "high",
			Actions: []string{
				"reduce the concurrency cap",
				"lower cache size limits",
				"verify upstream responses are released promptly",
			},
			CreatedAt: now,
		}))
	}
	if m.cfg.ResponseTimeThreshold > 0 && m.requests.Count > 0 &&
		m.requests.AvgResponseTime > m.cfg.ResponseTimeThreshold {
		produced = append(produced, m.recommendLocked(Recommendation{
			Category: "response_time",
			Priority: "high",
			Actions: []string{
				"enable response caching for repeated prompts",
				"route latency-sensitive traffic to faster providers",
				"lower per-request timeouts",
			},
			CreatedAt: now,
		}))
	}
	if total := m.cache.Hits + m.cache.Misses; total >= 100 && m.cache.HitRate < 0.5 {
		produced = append(produced, m.recommendLocked(Recommendation{
			Category: "cache",
			Priority: "medium",
			Actions: []string{
				"increase cache TTLs",
				"normalize request keys before lookup",
			},
			CreatedAt: now,
		}))
	}
	if m.cfg.QueueWaitThreshold > 0 && m.queue.waitCount > 0 &&
		m.queue.AvgWaitTime > m.cfg.QueueWaitThreshold {
		produced = append(produced, m.recommendLocked(Recommendation{
			Category: "queue",
			Priority: "medium",
			Actions: []string{
				"raise the concurrency cap if resources allow",
				"tighten per-provider rate limits to shed load earlier",
			},
			CreatedAt: now,
		}))
	}

	cb := m.onRecommendation
	m.mu.Unlock()

	if cb != nil {
		for _, r := range produced {
			cb(r)
		}
	}
}

func (m *Monitor) recommendLocked(r Recommendation) Recommendation {
	m.recommendations[r.Category] = r
	m.recHistory = append(m.recHistory, r)
	if len(m.recHistory) > m.cfg.RecommendationHistorySize {
		m.recHistory = m.recHistory[len(m.recHistory)-m.cfg.RecommendationHistorySize:]
	}
	return r
}

func (m *Monitor) providerStatsLocked() map[string]RequestStats {
	out := make(map[string]RequestStats, len(m.providers))
	for name, ps := range m.providers {
		stats := *ps
		if len(ps.Metadata) > 0 {
			stats.Metadata = make(map[string]interface{}, len(ps.Metadata))
			for k, v := range ps.Metadata {
				stats.Metadata[k] = v
			}
		}
		out[name] = stats
	}
	return out
}

// GetSnapshot returns the current state of all tracked statistics.
func (m *Monitor) GetSnapshot() Snapshot {
	sample := m.sampler.Sample()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.clk.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Timestamp: m.clk.Now(),
		Resources: sample,
		Requests:  m.requests,
		Providers: m.providerStatsLocked(),
		Cache:     m.cache,
		Queue:     m.queue,
	}
}

// Alerts returns the retained alert history, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Recommendations returns the active recommendation per category, sorted by
// category for stable output.
func (m *Monitor) Recommendations() []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Recommendation, 0, len(m.recommendations))
	for _, r := range m.recommendations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// History returns the retained snapshot history, newest last.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}
