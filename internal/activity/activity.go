// Package activity holds the display-side model of backend tool activity: the
// Activity record, the correlation-merged flat log, the per-swarm lane
// reducer, and the Board that keeps lanes current as activities arrive.
package activity

import (
	"strings"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

// Phase is the coarse kind of work an activity represents.
type Phase string

const (
	PhaseThinking  Phase = "thinking"
	PhaseEditing   Phase = "editing"
	PhaseExecuting Phase = "executing"
	PhaseSearching Phase = "searching"
	PhasePlanning  Phase = "planning"
)

// Activity is one display record derived from a raw backend event.
//
// A later Activity with the same non-empty GroupID and Type replaces the
// earlier one in a Log; otherwise activities are immutable.
type Activity struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Detail    string         `json:"detail,omitempty"`
	Payload   stream.Payload `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Phase     Phase          `json:"phase"`
	IsRunning bool           `json:"is_running"`
	GroupID   string         `json:"group_id,omitempty"`
}

// errorTypes are activity types that always denote a failure.
var errorTypes = map[string]bool{
	"web_search_failed":     true,
	"tool_execution_error":  true,
	"tool_validation_error": true,
	"tool_timeout":          true,
	"permission_denied":     true,
	"error":                 true,
}

// errorMarkers are matched case-insensitively against title and detail.
var errorMarkers = []string{"errore", "failed"}

// IsError reports whether the activity describes a failure.
func IsError(a Activity) bool {
	if errorTypes[a.Type] {
		return true
	}
	if a.Payload.Lower("status") == "failed" {
		return true
	}
	for _, text := range []string{a.Title, a.Detail, a.Payload["status"]} {
		lower := strings.ToLower(text)
		for _, marker := range errorMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// isAgentType reports whether the activity comes from a sub-agent or swarm.
func isAgentType(eventType string) bool {
	t := strings.ToLower(eventType)
	return strings.Contains(t, "agent") || strings.HasPrefix(t, "swarm")
}

// IsSwarmCriticalTransition reports whether the activity is worth flagging to
// the user: an agent lifecycle change or any error.
func IsSwarmCriticalTransition(a Activity) bool {
	if IsError(a) {
		return true
	}
	if !isAgentType(a.Type) {
		return false
	}
	for _, v := range []string{strings.ToLower(a.Detail), a.Payload.Lower("status")} {
		switch v {
		case "started", "completed", "failed":
			return true
		}
	}
	return false
}
