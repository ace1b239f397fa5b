package events

import (
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/coderide/internal/activity"
	"github.com/haasonsaas/coderide/internal/stream"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// Kind is the coarse category of a raw event.
type Kind string

const (
	KindTerminalSession Kind = "terminal_session"
	KindFileUpdate      Kind = "file_update"
	KindInstantGrep     Kind = "instant_grep"
	KindTodoUpdate      Kind = "todo_update"
	KindPlanStepUpdate  Kind = "plan_step_update"
	KindSwarmProgress   Kind = "swarm_progress"
	KindUsageUpdate     Kind = "usage_update"
	KindErrorDiagnostic Kind = "error_diagnostic"
	KindGeneric         Kind = "generic"
)

// Envelope wraps the normalized events of one raw event with its origin.
type Envelope struct {
	Version          int            `json:"version"`
	SourceProviderID string         `json:"source_provider_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Kind             Kind           `json:"kind"`
	Type             string         `json:"type"`
	Payload          stream.Payload `json:"payload,omitempty"`
	Events           []Event        `json:"events"`
}

// Activities returns the task activities carried by the envelope.
func (e Envelope) Activities() []activity.Activity {
	return Activities(e.Events)
}

// Classify maps a raw event type to its coarse Kind.
func Classify(eventType string) Kind {
	t := strings.ToLower(eventType)
	switch t {
	case "command_execution", "bash":
		return KindTerminalSession
	case "instant_grep":
		return KindInstantGrep
	case "todo_write", "todo_read":
		return KindTodoUpdate
	case "plan_step_update":
		return KindPlanStepUpdate
	case "usage":
		return KindUsageUpdate
	case "error", "tool_execution_error", "tool_validation_error", "tool_timeout", "permission_denied":
		return KindErrorDiagnostic
	}
	switch {
	case strings.HasPrefix(t, "terminal") || strings.HasPrefix(t, "command_"):
		return KindTerminalSession
	case strings.HasPrefix(t, "file_") || strings.HasPrefix(t, "read_batch") ||
		t == "edit" || strings.Contains(t, "patch"):
		return KindFileUpdate
	case strings.HasPrefix(t, "swarm") || strings.Contains(t, "agent"):
		return KindSwarmProgress
	case strings.HasSuffix(t, "_error") || strings.HasSuffix(t, "_failed"):
		return KindErrorDiagnostic
	default:
		return KindGeneric
	}
}

// NormalizeEnvelope normalizes a raw event and wraps the result.
func NormalizeEnvelope(source, eventType string, payload stream.Payload, ts time.Time) Envelope {
	return Envelope{
		Version:          EnvelopeVersion,
		SourceProviderID: source,
		Timestamp:        ts,
		Kind:             Classify(eventType),
		Type:             eventType,
		Payload:          payload.Clone(),
		Events:           Normalize(eventType, payload, ts),
	}
}

// Normalizer builds envelopes for one stream and keeps their timestamps
// non-decreasing even when the clock or the backend steps backwards.
type Normalizer struct {
	Source string

	mu   sync.Mutex
	last time.Time
}

// Envelope normalizes a raw event at ts, clamped to the last timestamp seen.
func (n *Normalizer) Envelope(eventType string, payload stream.Payload, ts time.Time) Envelope {
	n.mu.Lock()
	if ts.Before(n.last) {
		ts = n.last
	} else {
		n.last = ts
	}
	n.mu.Unlock()
	return NormalizeEnvelope(n.Source, eventType, payload, ts)
}

// Reset forgets the last timestamp.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.last = time.Time{}
	n.mu.Unlock()
}
