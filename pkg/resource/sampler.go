package resource

import (
	"runtime"
	"sync"
	"time"
)

// Sample is one point-in-time host resource snapshot.
type Sample struct {
	MemoryPercent float64       `json:"memory_percent"`
	CPUPercent    float64       `json:"cpu_percent"`
	Goroutines    int           `json:"goroutines"`
	Uptime        time.Duration `json:"uptime"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Sampler produces resource samples. Injectable so tests can feed
// deterministic pressure readings.
type Sampler interface {
	Sample() Sample
}

// RuntimeSampler reads memory pressure and goroutine counts from the Go
// runtime. CPU usage cannot be derived from the runtime alone, so it is fed
// externally via SetCPUPercent by whoever owns a real measurement.
type RuntimeSampler struct {
	startedAt time.Time

	mu         sync.Mutex
	cpuPercent float64
}

func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{startedAt: time.Now()}
}

func (s *RuntimeSampler) SetCPUPercent(pct float64) {
	s.mu.Lock()
	s.cpuPercent = pct
	s.mu.Unlock()
}

func (s *RuntimeSampler) Sample() Sample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var memoryPercent float64
	if memStats.Sys > 0 {
		memoryPercent = float64(memStats.HeapAlloc) / float64(memStats.Sys)
	}

	s.mu.Lock()
	cpu := s.cpuPercent
	s.mu.Unlock()

	now := time.Now()
	return Sample{
		MemoryPercent: memoryPercent,
		CPUPercent:    cpu,
		Goroutines:    runtime.NumGoroutine(),
		Uptime:        now.Sub(s.startedAt),
		Timestamp:     now,
	}
}
