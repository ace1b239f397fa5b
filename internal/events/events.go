// Package events turns raw backend telemetry, a type plus an open string
// map, into typed domain events and the display activities derived from
// them.
package events

import (
	"strings"
	"time"

	"github.com/haasonsaas/coderide/internal/activity"
)

// EventKind discriminates the Event union.
type EventKind string

const (
	EventTaskActivity   EventKind = "task_activity"
	EventInstantGrep    EventKind = "instant_grep"
	EventTodoWrite      EventKind = "todo_write"
	EventTodoRead       EventKind = "todo_read"
	EventPlanStepUpdate EventKind = "plan_step_update"
)

// Event is one normalized event. Exactly one pointer field is set for the
// kinds that carry data; EventTodoRead carries none.
type Event struct {
	Kind     EventKind          `json:"kind"`
	Activity *activity.Activity `json:"activity,omitempty"`
	Grep     *GrepResult        `json:"grep,omitempty"`
	Todo     *TodoMutation      `json:"todo,omitempty"`
	PlanStep *PlanStepUpdate    `json:"plan_step,omitempty"`
}

// GrepMatch is one file:line hit.
type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Preview string `json:"preview,omitempty"`
}

// GrepResult summarizes a code search, reported directly or recovered from
// the output of a search command.
type GrepResult struct {
	Query        string        `json:"query"`
	Scope        string        `json:"scope"`
	MatchesCount int           `json:"matches_count"`
	Duration     time.Duration `json:"duration,omitempty"`
	Matches      []GrepMatch   `json:"matches,omitempty"`
	Command      string        `json:"command,omitempty"`
}

// TodoMutation is a structured todo write.
type TodoMutation struct {
	ID       string   `json:"id,omitempty"`
	Title    string   `json:"title"`
	Status   string   `json:"status,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// PlanStepStatus is the state of one plan step.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
	PlanStepFailed     PlanStepStatus = "failed"
	PlanStepSkipped    PlanStepStatus = "skipped"
)

var planStepAliases = map[string]PlanStepStatus{
	"pending":     PlanStepPending,
	"in_progress": PlanStepInProgress,
	"running":     PlanStepInProgress,
	"completed":   PlanStepCompleted,
	"done":        PlanStepCompleted,
	"failed":      PlanStepFailed,
	"skipped":     PlanStepSkipped,
}

// ParsePlanStepStatus maps a wire status, including common aliases, to a
// PlanStepStatus.
func ParsePlanStepStatus(s string) (PlanStepStatus, bool) {
	st, ok := planStepAliases[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// PlanStepUpdate moves one plan step to a new status.
type PlanStepUpdate struct {
	StepID string         `json:"step_id"`
	Status PlanStepStatus `json:"status"`
}

// Activities returns the task activities among evs.
func Activities(evs []Event) []activity.Activity {
	var out []activity.Activity
	for _, ev := range evs {
		if ev.Kind == EventTaskActivity && ev.Activity != nil {
			out = append(out, *ev.Activity)
		}
	}
	return out
}
