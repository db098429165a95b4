package resource

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/clock"
	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/metrics"
)

type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "scale_up"
	ScaleDown ScaleDirection = "scale_down"
)

// ScaleEvent asks the subscriber to rewrite the queue's concurrency cap to
// NewValue. Payloads are immutable values; the manager never touches the
// queue directly.
type ScaleEvent struct {
	Direction ScaleDirection `json:"direction"`
	NewValue  int            `json:"new_value"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
}

// Manager samples host resources periodically, gates new admissions on
// memory pressure and queue depth, and emits scale events when sustained
// pressure or slack warrants changing the concurrency cap.
type Manager struct {
	cfg     config.ResourceConfig
	clk     clock.Clock
	logger  *zap.Logger
	sampler Sampler

	mu           sync.Mutex
	history      []Sample
	queueLen     int
	completed    uint64
	avgResponse  float64 // milliseconds, incremental average
	currentLimit int
	lastScale    time.Time
	running      bool

	events chan ScaleEvent
	stopCh chan struct{}
}

type Stats struct {
	MemoryPercent   float64       `json:"memory_percent"`
	CPUPercent      float64       `json:"cpu_percent"`
	Goroutines      int           `json:"goroutines"`
	QueueLength     int           `json:"queue_length"`
	Completed       uint64        `json:"completed"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	CurrentLimit    int           `json:"current_limit"`
	HistoryLength   int           `json:"history_length"`
}

func NewManager(cfg config.ResourceConfig, sampler Sampler, clk clock.Clock, logger *zap.Logger) *Manager {
	if sampler == nil {
		sampler = NewRuntimeSampler()
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
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 30
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.MinConcurrent <= 0 {
		cfg.MinConcurrent = 1
	}
	if cfg.ScaleDownSlackMark <= 0 {
		cfg.ScaleDownSlackMark = 0.5
	}

	return &Manager{
		cfg:          cfg,
		clk:          clk,
		logger:       logger,
		sampler:      sampler,
		currentLimit: cfg.MaxConcurrent,
		events:       make(chan ScaleEvent, 16),
		stopCh:       make(chan struct{}),
	}
}

// SetCurrentLimit seeds the concurrency value the manager steers, normally
// the queue's configured cap.
func (m *Manager) SetCurrentLimit(n int) {
	m.mu.Lock()
	m.currentLimit = n
	m.mu.Unlock()
}

// Events delivers scale events. The channel is bounded; events are dropped
// (and logged) when the subscriber falls behind rather than blocking the
// sampling loop.
func (m *Manager) Events() <-chan ScaleEvent {
	return m.events
}

func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.sampleLoop()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
}

func (m *Manager) sampleLoop() {
	ticker := m.clk.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.Collect()
		}
	}
}

// Collect takes one sample and evaluates the scaling policy. Exposed so the
// composition layer and tests can force a collection outside the timer.
func (m *Manager) Collect() {
	sample := m.sampler.Sample()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.clk.Now()
	}

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	m.evaluateScaling()
}

// CanHandleNewRequest is the admission gate: false when the latest memory
// sample exceeds the threshold or the reported queue length exceeds the
// high-water mark.
func (m *Manager) CanHandleNewRequest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) > 0 {
		latest := m.history[len(m.history)-1]
		if latest.MemoryPercent > m.cfg.MemoryThreshold {
			return false
		}
	}
	if m.cfg.QueueHighWater > 0 && m.queueLen > m.cfg.QueueHighWater {
		return false
	}
	return true
}

func (m *Manager) UpdateQueueStatus(size int) {
	m.mu.Lock()
	m.queueLen = size
	m.mu.Unlock()
}

// TrackRequestCompletion maintains an incremental average of completion
// latency, used to spot systemic slowdown.
func (m *Manager) TrackRequestCompletion(responseTime time.Duration) {
	m.mu.Lock()
	m.completed++
	ms := float64(responseTime.Milliseconds())
	m.avgResponse += (ms - m.avgResponse) / float64(m.completed)
	m.mu.Unlock()
}

func (m *Manager) Status() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest Sample
	if len(m.history) > 0 {
		latest = m.history[len(m.history)-1]
	}

	return Stats{
		MemoryPercent:   latest.MemoryPercent,
		CPUPercent:      latest.CPUPercent,
		Goroutines:      latest.Goroutines,
		QueueLength:     m.queueLen,
		Completed:       m.completed,
		AvgResponseTime: time.Duration(m.avgResponse) * time.Millisecond,
		CurrentLimit:    m.currentLimit,
		HistoryLength:   len(m.history),
	}
}

// Policy knobs. Scaling triggers on sustained pressure or slack over the
// last few samples, never on a single reading.
const sustainedSamples = 3

func (m *Manager) evaluateScaling() {
	m.mu.Lock()

	if len(m.history) < sustainedSamples || m.currentLimit <= 0 {
		m.mu.Unlock()
		return
	}

	now := m.clk.Now()
	if m.cfg.ScaleCooldown > 0 && now.Sub(m.lastScale) < m.cfg.ScaleCooldown {
		m.mu.Unlock()
		return
	}

	recent := m.history[len(m.history)-sustainedSamples:]
	var avgMem, avgCPU float64
	for _, s := range recent {
		avgMem += s.MemoryPercent
		avgCPU += s.CPUPercent
	}
	avgMem /= sustainedSamples
	avgCPU /= sustainedSamples

	var event *ScaleEvent
	switch {
	case avgMem > m.cfg.MemoryThreshold || avgCPU > m.cfg.CPUThreshold:
		newValue := m.currentLimit * 3 / 4
		if newValue >= m.currentLimit {
			newValue = m.currentLimit - 1
		}
		if newValue < m.cfg.MinConcurrent {
			newValue = m.cfg.MinConcurrent
		}
		if newValue < m.currentLimit {
			event = &ScaleEvent{
				Direction: ScaleDown,
				NewValue:  newValue,
				Reason:    "sustained resource pressure",
				Timestamp: now,
			}
		}
	case avgMem < m.cfg.MemoryThreshold*m.cfg.ScaleDownSlackMark &&
		avgCPU < m.cfg.CPUThreshold*m.cfg.ScaleDownSlackMark &&
		m.queueLen > 0:
		newValue := m.currentLimit + maxInt(1, m.currentLimit/4)
		if m.cfg.MaxConcurrent > 0 && newValue > m.cfg.MaxConcurrent {
			newValue = m.cfg.MaxConcurrent
		}
		if newValue > m.currentLimit {
			event = &ScaleEvent{
				Direction: ScaleUp,
				NewValue:  newValue,
				Reason:    "resource slack with queued backlog",
				Timestamp: now,
			}
		}
	}

	if event == nil {
		m.mu.Unlock()
		return
	}

	m.currentLimit = event.NewValue
	m.lastScale = now
	m.mu.Unlock()

	metrics.ScaleEvents.WithLabelValues(string(event.Direction)).Inc()
	m.logger.Info("scale event",
		zap.String("direction", string(event.Direction)),
		zap.Int("new_value", event.NewValue),
		zap.String("reason", event.Reason))

	select {
	case m.events <- *event:
	default:
		m.logger.Warn("scale event dropped, subscriber is not draining events")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
