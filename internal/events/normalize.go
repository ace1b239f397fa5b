package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/haasonsaas/coderide/internal/activity"
	"github.com/haasonsaas/coderide/internal/stream"
)

const maxTitleLen = 80

// Normalize converts one raw event into typed events. A raw event may yield
// none, one or two events; every event of one call shares ts.
func Normalize(eventType string, payload stream.Payload, ts time.Time) []Event {
	switch eventType {
	case "todo_write":
		todo := parseTodo(payload)
		if todo == nil {
			return nil
		}
		return []Event{{Kind: EventTodoWrite, Todo: todo}}

	case "todo_read":
		return []Event{{Kind: EventTodoRead}}

	case "plan_step_update":
		stepID := payload.String("step_id")
		status, ok := ParsePlanStepStatus(payload["status"])
		if stepID == "" || !ok {
			return nil
		}
		return []Event{{Kind: EventPlanStepUpdate, PlanStep: &PlanStepUpdate{StepID: stepID, Status: status}}}

	case "instant_grep":
		return normalizeInstantGrep(payload, ts)

	case "command_execution", "bash":
		var out []Event
		if grep := grepFromCommand(payload); grep != nil {
			out = append(out, Event{Kind: EventInstantGrep, Grep: grep})
		}
		return append(out, taskActivity(eventType, payload, ts))
	}

	return []Event{taskActivity(eventType, payload, ts)}
}

func parseTodo(p stream.Payload) *TodoMutation {
	title := p.String("title")
	if title == "" {
		return nil
	}
	return &TodoMutation{
		ID:       p.String("id"),
		Title:    title,
		Status:   p.Lower("status"),
		Priority: p.Lower("priority"),
		Notes:    p.String("notes"),
		Files:    p.List("files"),
	}
}

func normalizeInstantGrep(p stream.Payload, ts time.Time) []Event {
	query := p.String("query")
	if query == "" {
		return nil
	}
	scope := p.String("pathScope", "scope")
	if scope == "" {
		scope = "."
	}
	explicit, _ := p.Int("matchesCount", "resultCount")
	matches, parsed := parseMatches(p["previewLines"])

	grep := &GrepResult{
		Query:        query,
		Scope:        scope,
		MatchesCount: max(explicit, parsed),
		Duration:     time.Duration(p.Int64("duration_ms")) * time.Millisecond,
		Matches:      matches,
	}

	ev := taskActivity("instant_grep", p, ts)
	ev.Activity.Phase = activity.PhaseSearching
	ev.Activity.Title = fmt.Sprintf("Search %q", query)
	ev.Activity.Detail = fmt.Sprintf("%d matches in %s", grep.MatchesCount, scope)

	return []Event{{Kind: EventInstantGrep, Grep: grep}, ev}
}

// grepFromCommand recovers a search result from a shell command that ran a
// search tool. It returns nil unless at least one match parses.
func grepFromCommand(p stream.Payload) *GrepResult {
	command := p.String("command")
	tool, args, ok := detectSearchTool(command)
	if !ok {
		return nil
	}
	matches, count := parseMatches(p["output"])
	if count == 0 {
		return nil
	}
	query := searchQuery(tool, args)
	if query == "" {
		query = tool
	}
	scope := p.String("cwd")
	if scope == "" {
		scope = "."
	}
	return &GrepResult{
		Query:        query,
		Scope:        scope,
		MatchesCount: count,
		Duration:     time.Duration(p.Int64("duration_ms")) * time.Millisecond,
		Matches:      matches,
		Command:      command,
	}
}

func taskActivity(rawType string, p stream.Payload, ts time.Time) Event {
	typ := NormalizedType(rawType, p)
	a := activity.Activity{
		ID:        uuid.NewString(),
		Type:      typ,
		Title:     p.String("title"),
		Detail:    p.String("detail"),
		Payload:   p.Clone(),
		Timestamp: ts,
		Phase:     PhaseFor(typ),
		IsRunning: IsRunningType(typ),
		GroupID:   p.String("group_id"),
	}
	if a.Title == "" {
		a.Title = defaultTitle(typ, p)
	}
	return Event{Kind: EventTaskActivity, Activity: &a}
}

// NormalizedType remaps raw types whose meaning depends on the payload.
func NormalizedType(rawType string, p stream.Payload) string {
	if rawType != "web_search" {
		return rawType
	}
	switch p.Lower("status") {
	case "completed", "done", "success":
		return "web_search_completed"
	case "failed", "error":
		return "web_search_failed"
	default:
		return "web_search_started"
	}
}

// PhaseFor derives the display phase of a normalized type.
func PhaseFor(typ string) activity.Phase {
	t := strings.ToLower(typ)
	switch {
	case t == "command_execution" || t == "bash" || strings.HasPrefix(t, "command_"):
		return activity.PhaseExecuting
	case strings.Contains(t, "file_change") || strings.Contains(t, "edit") ||
		strings.Contains(t, "read_batch") || strings.Contains(t, "patch"):
		return activity.PhaseEditing
	case strings.Contains(t, "search") || strings.Contains(t, "grep"):
		return activity.PhaseSearching
	case strings.HasPrefix(t, "plan"):
		return activity.PhasePlanning
	default:
		return activity.PhaseThinking
	}
}

// IsRunningType reports whether a normalized type marks work in flight.
// Only started and resumed types do; everything else is settled.
func IsRunningType(typ string) bool {
	t := strings.ToLower(typ)
	return strings.HasSuffix(t, "started") || strings.HasSuffix(t, "resumed")
}

func defaultTitle(typ string, p stream.Payload) string {
	switch {
	case typ == "command_execution" || typ == "bash":
		if cmd := p.String("command"); cmd != "" {
			return truncate(cmd, maxTitleLen)
		}
		return "Command"
	case strings.HasPrefix(typ, "web_search"):
		if q := p.String("query"); q != "" {
			return "Web search: " + truncate(q, maxTitleLen)
		}
		return "Web search"
	case typ == "file_change" || typ == "file_edit" || typ == "edit":
		if path := p.String("path", "file"); path != "" {
			return "Edit " + path
		}
	}
	return humanize(typ)
}

// humanize turns "read_batch_started" into "Read Batch Started".
func humanize(typ string) string {
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(typ))
	if len(words) == 0 {
		return "Activity"
	}
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
