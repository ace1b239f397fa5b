package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry, "")

	m.FailoverAttempt("claude")
	m.FailoverRotation("claude", "rate_limited")
	m.FailoverExhaustedFor("claude")
	m.StreamStalled("stalled")
	m.TurnCompleted("completed", 2)
	m.ActivityEvent("file_update")
	m.RecordTokens("claude", 10, 5)
	m.RecordError("flow", "stalled")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"coderide_failover_attempts_total",
		"coderide_failover_rotations_total",
		"coderide_failover_exhausted_total",
		"coderide_stream_stalls_total",
		"coderide_turn_duration_seconds",
		"coderide_activity_events_total",
		"coderide_llm_tokens_total",
		"coderide_errors_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNewMetricsCustomNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry, "desk")
	m.StreamStalled("no_events")

	expected := `
		# HELP desk_stream_stalls_total Total number of stream watchdog timeouts by kind
		# TYPE desk_stream_stalls_total counter
		desk_stream_stalls_total{kind="no_events"} 1
	`
	if err := testutil.CollectAndCompare(m.StreamStalls, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestFailoverCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "")

	m.FailoverAttempt("claude")
	m.FailoverAttempt("claude")
	m.FailoverAttempt("codex")
	m.FailoverRotation("claude", "quota_exhausted")

	if got := testutil.ToFloat64(m.FailoverAttempts.WithLabelValues("claude")); got != 2 {
		t.Errorf("claude attempts = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.FailoverAttempts); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}
	if got := testutil.ToFloat64(m.FailoverRotations.WithLabelValues("claude", "quota_exhausted")); got != 1 {
		t.Errorf("rotations = %v, want 1", got)
	}
}

func TestRecordTokensSkipsZero(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "")
	m.RecordTokens("codex", 0, 7)

	expected := `
		# HELP coderide_llm_tokens_total Total number of tokens used by backend family and type
		# TYPE coderide_llm_tokens_total counter
		coderide_llm_tokens_total{family="codex",type="output"} 7
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestTurnDurationHistogram(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "")
	m.TurnCompleted("completed", 0.5)
	m.TurnCompleted("completed", 45)
	m.TurnCompleted("error", 3)

	if count := testutil.CollectAndCount(m.TurnDuration); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FailoverAttempt("claude")
	m.FailoverRotation("claude", "rate_limited")
	m.FailoverExhaustedFor("claude")
	m.StreamStalled("stalled")
	m.TurnCompleted("error", 1)
	m.ActivityEvent("generic")
	m.RecordTokens("claude", 1, 1)
	m.RecordError("flow", "x")
}
