package ratelimit

import "time"

// Reason identifies which check denied a request.
type Reason string

const (
	ReasonGlobalConcurrent   Reason = "global_concurrent_requests"
	ReasonGlobalRequests     Reason = "global_requests_per_minute"
	ReasonGlobalTokens       Reason = "global_tokens_per_minute"
	ReasonProviderConcurrent Reason = "provider_concurrent_requests"
	ReasonProviderRequests   Reason = "provider_requests_per_minute"
	ReasonProviderTokens     Reason = "provider_tokens_per_minute"
	ReasonProviderBurst      Reason = "provider_burst_limit"
	ReasonAdaptiveThrottle   Reason = "adaptive_throttling"
)

// Details carries the machine-readable shape of a denial.
type Details struct {
	Type     string `json:"type"`  // e.g. "requests_per_minute"
	Scope    string `json:"scope"` // "global" or "provider"
	Provider string `json:"provider,omitempty"`
	Limit    int    `json:"limit"`
	Current  int    `json:"current"`
}

// Decision is the limiter's answer for one request. Denials are values, not
// errors, so the caller can reject upstream immediately with a retry hint.
// Degraded marks a fail-open decision taken after an internal fault.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	RequestID string        `json:"request_id"`
	Reason    Reason        `json:"reason,omitempty"`
	Details   *Details      `json:"details,omitempty"`
	WaitTime  time.Duration `json:"wait_time,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
}

// RequestInfo describes the request being checked.
type RequestInfo struct {
	EstimatedTokens int
	Metadata        map[string]interface{}
}

// CompletionInfo reports the outcome of an admitted request.
type CompletionInfo struct {
	Success      bool
	Tokens       int
	ResponseTime time.Duration
}
