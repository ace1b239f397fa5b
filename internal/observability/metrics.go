package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMetricsNamespace prefixes every metric name.
const DefaultMetricsNamespace = "coderide"

// Metrics provides a centralized interface for collecting pipeline metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Account failover attempts, rotations and exhaustion per backend family
//   - Stream stalls split by cold start and mid-stream inactivity
//   - Turn latency by outcome
//   - Normalized activity volume by envelope kind
//   - Token consumption reported by backends
//
// A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, "")
//	metrics.FailoverAttempt("claude")
//	defer metrics.TurnCompleted("completed", time.Since(start).Seconds())
type Metrics struct {
	// FailoverAttempts counts account attempts made by the failover adapter.
	// Labels: family
	FailoverAttempts *prometheus.CounterVec

	// FailoverRotations counts rotations to another account after a
	// recoverable failure.
	// Labels: family, reason (quota_exhausted|rate_limited|...)
	FailoverRotations *prometheus.CounterVec

	// FailoverExhausted counts logical requests that ran out of accounts.
	// Labels: family
	FailoverExhausted *prometheus.CounterVec

	// StreamStalls counts watchdog timeouts.
	// Labels: kind (no_events|stalled)
	StreamStalls *prometheus.CounterVec

	// TurnDuration measures a streaming turn end to end, in seconds.
	// Labels: outcome (completed|error|interrupted|delegated)
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s
	TurnDuration *prometheus.HistogramVec

	// ActivityEvents counts normalized telemetry envelopes.
	// Labels: kind (terminal_session|file_update|...)
	ActivityEvents *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: family, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (failover|flow|usage|accounts), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry(); a nil reg registers nowhere.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		FailoverAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_attempts_total",
				Help:      "Total number of account attempts by backend family",
			},
			[]string{"family"},
		),

		FailoverRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_rotations_total",
				Help:      "Total number of account rotations by backend family and reason",
			},
			[]string{"family", "reason"},
		),

		FailoverExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_exhausted_total",
				Help:      "Total number of requests that exhausted every account",
			},
			[]string{"family"},
		),

		StreamStalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_stalls_total",
				Help:      "Total number of stream watchdog timeouts by kind",
			},
			[]string{"kind"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of streaming turns in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"outcome"},
		),

		ActivityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_events_total",
				Help:      "Total number of normalized telemetry events by kind",
			},
			[]string{"kind"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total number of tokens used by backend family and type",
			},
			[]string{"family", "type"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// FailoverAttempt counts one account attempt.
func (m *Metrics) FailoverAttempt(family string) {
	if m == nil {
		return
	}
	m.FailoverAttempts.WithLabelValues(family).Inc()
}

// FailoverRotation counts a rotation away from a failed account.
//
// Example:
//
//	metrics.FailoverRotation("claude", "rate_limited")
func (m *Metrics) FailoverRotation(family, reason string) {
	if m == nil {
		return
	}
	m.FailoverRotations.WithLabelValues(family, reason).Inc()
}

// FailoverExhaustedFor counts a request that ran out of accounts.
func (m *Metrics) FailoverExhaustedFor(family string) {
	if m == nil {
		return
	}
	m.FailoverExhausted.WithLabelValues(family).Inc()
}

// StreamStalled counts a watchdog timeout.
//
// Example:
//
//	metrics.StreamStalled("no_events")
func (m *Metrics) StreamStalled(kind string) {
	if m == nil {
		return
	}
	m.StreamStalls.WithLabelValues(kind).Inc()
}

// TurnCompleted records the duration of a turn.
func (m *Metrics) TurnCompleted(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// ActivityEvent counts a normalized envelope.
func (m *Metrics) ActivityEvent(kind string) {
	if m == nil {
		return
	}
	m.ActivityEvents.WithLabelValues(kind).Inc()
}

// RecordTokens adds reported token usage.
func (m *Metrics) RecordTokens(family string, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(family, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(family, "output").Add(float64(outputTokens))
	}
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("failover", "invalid_request")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
