package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/clock"
	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/metrics"
)

const (
	minMultiplier = 1.0
	maxMultiplier = 5.0

	// Cap on the suggested adaptive delay.
	maxThrottleDelay = 30 * time.Second

	// Retry hint for concurrency denials, which have no window to wait out.
	concurrencyRetryHint = 500 * time.Millisecond

	// Pending entries with no matching Complete call are dropped after this.
	pendingTTL = 10 * time.Minute
)

// windowState is one fixed-size quota window. Windows reset lazily: the first
// check after the window has elapsed zeroes the counters.
type windowState struct {
	windowStart time.Time
	requests    int
	tokens      int
	concurrent  int
}

func (w *windowState) resetIfElapsed(now time.Time, size time.Duration) {
	if now.Sub(w.windowStart) >= size {
		w.windowStart = now
		w.requests = 0
		w.tokens = 0
	}
}

func (w *windowState) remaining(now time.Time, size time.Duration) time.Duration {
	left := w.windowStart.Add(size).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

type providerState struct {
	windowState
	limits     config.ProviderLimits
	multiplier float64
	burstTimes []time.Time
	lastSeen   time.Time
}

type pendingRequest struct {
	provider  string
	tokens    int
	createdAt time.Time
}

// Limiter makes non-blocking admission decisions under global and
// per-provider quotas, with adaptive throttling driven by completion
// feedback. Check never sleeps; it returns a suggested wait time and leaves
// the actual delay to the caller.
type Limiter struct {
	cfg    config.RateLimitConfig
	clk    clock.Clock
	logger *zap.Logger

	mu               sync.Mutex
	global           windowState
	globalMultiplier float64
	providers        map[string]*providerState
	pending          map[string]pendingRequest
	allowed          uint64
	denied           uint64
	degraded         uint64

	stopCh  chan struct{}
	started bool
}

type Stats struct {
	Allowed          uint64             `json:"allowed"`
	Denied           uint64             `json:"denied"`
	Degraded         uint64             `json:"degraded"`
	GlobalConcurrent int                `json:"global_concurrent"`
	GlobalRequests   int                `json:"global_requests"`
	GlobalTokens     int                `json:"global_tokens"`
	GlobalMultiplier float64            `json:"global_multiplier"`
	Pending          int                `json:"pending"`
	Providers        map[string]PStatus `json:"providers"`
}

type PStatus struct {
	Requests   int     `json:"requests"`
	Tokens     int     `json:"tokens"`
	Concurrent int     `json:"concurrent"`
	Multiplier float64 `json:"multiplier"`
	BurstCount int     `json:"burst_count"`
}

func New(cfg config.RateLimitConfig, clk clock.Clock, logger *zap.Logger) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.AdaptiveThrottlingThreshold <= 0 {
		cfg.AdaptiveThrottlingThreshold = 0.8
	}
	if cfg.ThrottlingBackoffMultiplier <= 1 {
		cfg.ThrottlingBackoffMultiplier = 1.5
	}
	if cfg.ThrottlingRecoveryRate <= 0 {
		cfg.ThrottlingRecoveryRate = 0.1
	}
	if cfg.BaseThrottleDelay <= 0 {
		cfg.BaseThrottleDelay = time.Second
	}

	now := clk.Now()
	return &Limiter{
		cfg:              cfg,
		clk:              clk,
		logger:           logger,
		global:           windowState{windowStart: now},
		globalMultiplier: minMultiplier,
		providers:        make(map[string]*providerState),
		pending:          make(map[string]pendingRequest),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the background cleanup loop. The limiter is fully
// functional without it; cleanup only bounds memory for idle providers.
func (l *Limiter) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.cleanupLoop()
}

func (l *Limiter) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.mu.Unlock()

	close(l.stopCh)
}

// Check decides whether a request to provider may proceed right now. Checks
// run in fixed order and short-circuit on the first failure. Internal faults
// fail open: the request is allowed and the decision is marked Degraded.
func (l *Limiter) Check(provider string, info RequestInfo) (decision Decision) {
	requestID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limit check failed, allowing request",
				zap.String("provider", provider), zap.Any("panic", r))
			l.mu.Lock()
			l.degraded++
			l.mu.Unlock()
			decision = Decision{Allowed: true, RequestID: requestID, Degraded: true}
			metrics.AdmissionDecisions.WithLabelValues("ratelimit", "degraded").Inc()
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.global.resetIfElapsed(now, l.cfg.WindowSize)

	state := l.providerState(provider, now)
	state.resetIfElapsed(now, l.cfg.WindowSize)
	state.lastSeen = now

	if d, ok := l.denyGlobal(now, info, requestID); ok {
		l.denied++
		metrics.RateLimitDenials.WithLabelValues(string(d.Reason)).Inc()
		return d
	}
	if d, ok := l.denyProvider(now, provider, state, info, requestID); ok {
		l.denied++
		metrics.RateLimitDenials.WithLabelValues(string(d.Reason)).Inc()
		return d
	}

	l.global.requests++
	l.global.tokens += info.EstimatedTokens
	l.global.concurrent++
	state.requests++
	state.tokens += info.EstimatedTokens
	state.concurrent++
	if state.limits.BurstLimit > 0 && state.limits.BurstWindow > 0 {
		state.burstTimes = append(state.burstTimes, now)
	}
	l.pending[requestID] = pendingRequest{provider: provider, tokens: info.EstimatedTokens, createdAt: now}
	l.allowed++

	metrics.AdmissionDecisions.WithLabelValues("ratelimit", "allowed").Inc()
	return Decision{Allowed: true, RequestID: requestID}
}

func (l *Limiter) denyGlobal(now time.Time, info RequestInfo, requestID string) (Decision, bool) {
	windowLeft := l.global.remaining(now, l.cfg.WindowSize)

	if limit := l.cfg.GlobalConcurrentRequests; limit > 0 && l.global.concurrent >= limit {
		return l.deny(requestID, ReasonGlobalConcurrent, &Details{
			Type: "concurrent_requests", Scope: "global", Limit: limit, Current: l.global.concurrent,
		}, concurrencyRetryHint), true
	}
	if limit := l.cfg.GlobalRequestsPerMinute; limit > 0 && l.global.requests >= limit {
		return l.deny(requestID, ReasonGlobalRequests, &Details{
			Type: "requests_per_minute", Scope: "global", Limit: limit, Current: l.global.requests,
		}, windowLeft), true
	}
	if limit := l.cfg.GlobalTokensPerMinute; limit > 0 && l.global.tokens+info.EstimatedTokens > limit {
		return l.deny(requestID, ReasonGlobalTokens, &Details{
			Type: "tokens_per_minute", Scope: "global", Limit: limit, Current: l.global.tokens,
		}, windowLeft), true
	}
	return Decision{}, false
}

func (l *Limiter) denyProvider(now time.Time, provider string, state *providerState, info RequestInfo, requestID string) (Decision, bool) {
	windowLeft := state.remaining(now, l.cfg.WindowSize)
	limits := state.limits

	if limits.ConcurrentRequests > 0 && state.concurrent >= limits.ConcurrentRequests {
		return l.deny(requestID, ReasonProviderConcurrent, &Details{
			Type: "concurrent_requests", Scope: "provider", Provider: provider,
			Limit: limits.ConcurrentRequests, Current: state.concurrent,
		}, concurrencyRetryHint), true
	}
	if limits.RequestsPerMinute > 0 && state.requests >= limits.RequestsPerMinute {
		return l.deny(requestID, ReasonProviderRequests, &Details{
			Type: "requests_per_minute", Scope: "provider", Provider: provider,
			Limit: limits.RequestsPerMinute, Current: state.requests,
		}, windowLeft), true
	}
	if limits.TokensPerMinute > 0 && state.tokens+info.EstimatedTokens > limits.TokensPerMinute {
		return l.deny(requestID, ReasonProviderTokens, &Details{
			Type: "tokens_per_minute", Scope: "provider", Provider: provider,
			Limit: limits.TokensPerMinute, Current: state.tokens,
		}, windowLeft), true
	}

	if limits.BurstLimit > 0 && limits.BurstWindow > 0 {
		state.burstTimes = pruneBefore(state.burstTimes, now.Add(-limits.BurstWindow))
		if len(state.burstTimes) >= limits.BurstLimit {
			wait := state.burstTimes[0].Add(limits.BurstWindow).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return l.deny(requestID, ReasonProviderBurst, &Details{
				Type: "burst_limit", Scope: "provider", Provider: provider,
				Limit: limits.BurstLimit, Current: len(state.burstTimes),
			}, wait), true
		}
	}

	utilization := providerUtilization(state)
	if utilization > l.cfg.AdaptiveThrottlingThreshold {
		delay := time.Duration(float64(l.cfg.BaseThrottleDelay) * utilization * utilization * state.multiplier)
		if delay > maxThrottleDelay {
			delay = maxThrottleDelay
		}
		return l.deny(requestID, ReasonAdaptiveThrottle, &Details{
			Type: "adaptive_throttling", Scope: "provider", Provider: provider,
			Limit: int(l.cfg.AdaptiveThrottlingThreshold * 100), Current: int(utilization * 100),
		}, delay), true
	}

	return Decision{}, false
}

func (l *Limiter) deny(requestID string, reason Reason, details *Details, wait time.Duration) Decision {
	return Decision{
		Allowed:   false,
		RequestID: requestID,
		Reason:    reason,
		Details:   details,
		WaitTime:  wait,
	}
}

// providerUtilization is the worst current ratio across the three provider
// dimensions, counting only dimensions with a configured limit.
func providerUtilization(state *providerState) float64 {
	var u float64
	if state.limits.RequestsPerMinute > 0 {
		u = maxFloat(u, float64(state.requests)/float64(state.limits.RequestsPerMinute))
	}
	if state.limits.TokensPerMinute > 0 {
		u = maxFloat(u, float64(state.tokens)/float64(state.limits.TokensPerMinute))
	}
	if state.limits.ConcurrentRequests > 0 {
		u = maxFloat(u, float64(state.concurrent)/float64(state.limits.ConcurrentRequests))
	}
	return u
}

// Complete feeds the outcome of an admitted request back into the limiter.
// It is idempotent: a requestID is settled at most once, so double completion
// decrements concurrency by exactly one.
func (l *Limiter) Complete(requestID string, res CompletionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.pending[requestID]
	if !ok {
		return
	}
	delete(l.pending, requestID)

	if l.global.concurrent > 0 {
		l.global.concurrent--
	}

	state := l.providers[req.provider]
	if state != nil {
		if state.concurrent > 0 {
			state.concurrent--
		}
		// Reconcile the admission-time token estimate with actual usage,
		// if the counters are still in the same window.
		if res.Tokens > 0 {
			delta := res.Tokens - req.tokens
			if state.tokens+delta >= 0 {
				state.tokens += delta
			}
			if l.global.tokens+delta >= 0 {
				l.global.tokens += delta
			}
		}
		state.multiplier = adjustMultiplier(state.multiplier, res.Success, l.cfg)
		metrics.ThrottleMultiplier.WithLabelValues(req.provider).Set(state.multiplier)
	}
	l.globalMultiplier = adjustMultiplier(l.globalMultiplier, res.Success, l.cfg)
}

func adjustMultiplier(m float64, success bool, cfg config.RateLimitConfig) float64 {
	if success {
		m -= cfg.ThrottlingRecoveryRate
		if m < minMultiplier {
			m = minMultiplier
		}
		return m
	}
	m *= cfg.ThrottlingBackoffMultiplier
	if m > maxMultiplier {
		m = maxMultiplier
	}
	return m
}

// ThrottleMultiplier reports the current adaptive multiplier for a provider,
// or 1.0 for providers never seen.
func (l *Limiter) ThrottleMultiplier(provider string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.providers[provider]; ok {
		return state.multiplier
	}
	return minMultiplier
}

func (l *Limiter) Status() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	providers := make(map[string]PStatus, len(l.providers))
	for name, state := range l.providers {
		providers[name] = PStatus{
			Requests:   state.requests,
			Tokens:     state.tokens,
			Concurrent: state.concurrent,
			Multiplier: state.multiplier,
			BurstCount: len(state.burstTimes),
		}
	}

	return Stats{
		Allowed:          l.allowed,
		Denied:           l.denied,
		Degraded:         l.degraded,
		GlobalConcurrent: l.global.concurrent,
		GlobalRequests:   l.global.requests,
		GlobalTokens:     l.global.tokens,
		GlobalMultiplier: l.globalMultiplier,
		Pending:          len(l.pending),
		Providers:        providers,
	}
}

// providerState assumes l.mu is held. States are created lazily on first use
// with the provider's configured limits, or the defaults.
func (l *Limiter) providerState(provider string, now time.Time) *providerState {
	if state, ok := l.providers[provider]; ok {
		return state
	}

	limits, ok := l.cfg.Providers[provider]
	if !ok {
		limits = l.cfg.DefaultProviderLimits
	}
	state := &providerState{
		windowState: windowState{windowStart: now},
		limits:      limits,
		multiplier:  minMultiplier,
		lastSeen:    now,
	}
	l.providers[provider] = state
	return state
}

func (l *Limiter) cleanupLoop() {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := l.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C():
			l.cleanup()
		}
	}
}

// cleanup drops idle provider states, stale burst timestamps and abandoned
// pending entries. Correctness never depends on it; windows reset lazily.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	idleTTL := l.cfg.ProviderIdleTTL
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}

	for name, state := range l.providers {
		if state.concurrent == 0 && now.Sub(state.lastSeen) > idleTTL {
			delete(l.providers, name)
			continue
		}
		if state.limits.BurstWindow > 0 {
			state.burstTimes = pruneBefore(state.burstTimes, now.Add(-state.limits.BurstWindow))
		}
	}

	dropped := 0
	for id, req := range l.pending {
		if now.Sub(req.createdAt) > pendingTTL {
			delete(l.pending, id)
			if l.global.concurrent > 0 {
				l.global.concurrent--
			}
			if state, ok := l.providers[req.provider]; ok && state.concurrent > 0 {
				state.concurrent--
			}
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Warn("dropped pending requests that were never completed",
			zap.Int("count", dropped))
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append([]time.Time(nil), times[idx:]...)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
