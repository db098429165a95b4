package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_admission_decisions_total",
			Help: "Admission decisions by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgate_queue_depth",
			Help: "Number of queued tickets by priority",
		},
		[]string{"priority"},
	)

	RunningRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_running_requests",
			Help: "Number of tickets currently running",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "Operation execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"provider", "status"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_rate_limit_denials_total",
			Help: "Rate limit denials by reason",
		},
		[]string{"reason"},
	)

	ThrottleMultiplier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgate_throttle_multiplier",
			Help: "Current adaptive throttle multiplier per provider",
		},
		[]string{"provider"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_alerts_total",
			Help: "Threshold alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	ScaleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_scale_events_total",
			Help: "Concurrency scale events by direction",
		},
		[]string{"direction"},
	)
)
