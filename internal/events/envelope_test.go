package events

import (
	"testing"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		typ  string
		want Kind
	}{
		{"command_execution", KindTerminalSession},
		{"bash", KindTerminalSession},
		{"terminal_output", KindTerminalSession},
		{"file_change", KindFileUpdate},
		{"read_batch_started", KindFileUpdate},
		{"apply_patch", KindFileUpdate},
		{"instant_grep", KindInstantGrep},
		{"todo_write", KindTodoUpdate},
		{"todo_read", KindTodoUpdate},
		{"plan_step_update", KindPlanStepUpdate},
		{"swarm_started", KindSwarmProgress},
		{"subagent_progress", KindSwarmProgress},
		{"usage", KindUsageUpdate},
		{"tool_timeout", KindErrorDiagnostic},
		{"web_search_failed", KindErrorDiagnostic},
		{"reasoning", KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			if got := Classify(tt.typ); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.typ, got, tt.want)
			}
		})
	}
}

func TestNormalizeEnvelope(t *testing.T) {
	env := NormalizeEnvelope("claude", "instant_grep", stream.Payload{"query": "foo"}, ts)
	if env.Version != EnvelopeVersion || env.SourceProviderID != "claude" || env.Kind != KindInstantGrep {
		t.Errorf("envelope header = %+v", env)
	}
	if len(env.Events) != 2 || len(env.Activities()) != 1 {
		t.Errorf("events = %d, activities = %d", len(env.Events), len(env.Activities()))
	}
}

func TestNormalizer_MonotonicTimestamps(t *testing.T) {
	n := &Normalizer{Source: "codex"}
	stamps := []time.Time{ts, ts.Add(2 * time.Second), ts.Add(time.Second), ts.Add(3 * time.Second)}

	var prev time.Time
	for i, at := range stamps {
		env := n.Envelope("reasoning", nil, at)
		got := env.Activities()[0].Timestamp
		if got.Before(prev) {
			t.Fatalf("envelope %d went backwards: %v < %v", i, got, prev)
		}
		prev = got
	}
	if !prev.Equal(stamps[3]) {
		t.Errorf("last = %v, want %v", prev, stamps[3])
	}

	n.Reset()
	if got := n.Envelope("reasoning", nil, ts).Timestamp; !got.Equal(ts) {
		t.Errorf("after Reset() = %v, want %v", got, ts)
	}
}
