package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes timeline events for filtering and display.
type EventType string

const (
	EventTypeRunStart          EventType = "run.start"
	EventTypeRunEnd            EventType = "run.end"
	EventTypeRunError          EventType = "run.error"
	EventTypeFailoverAttempt   EventType = "failover.attempt"
	EventTypeFailoverRotate    EventType = "failover.rotate"
	EventTypeFailoverExhausted EventType = "failover.exhausted"
	EventTypeStreamStall       EventType = "stream.stall"
	EventTypeSwarmDelegate     EventType = "swarm.delegate"
	EventTypeSwarmEnd          EventType = "swarm.end"
	EventTypeCustom            EventType = "custom"
)

// Event is a single entry in a run timeline.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Family    string         `json:"family,omitempty"`
	Name      string         `json:"name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// EventStore stores and retrieves timeline events for debugging.
type EventStore interface {
	// Record stores an event.
	Record(event *Event) error

	// GetByRunID returns all events for a run, sorted by timestamp.
	GetByRunID(runID string) ([]*Event, error)

	// GetByType returns events of a specific type, most recent first.
	GetByType(eventType EventType, limit int) ([]*Event, error)
}

// MemoryEventStore is an in-memory implementation of EventStore. When full,
// the oldest tenth of the events is evicted.
type MemoryEventStore struct {
	mu      sync.RWMutex
	events  map[string]*Event
	byRunID map[string][]string // runID -> eventIDs
	maxSize int
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryEventStore{
		events:  make(map[string]*Event),
		byRunID: make(map[string][]string),
		maxSize: maxSize,
	}
}

func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldestLocked()
	}

	s.events[event.ID] = event
	if event.RunID != "" {
		s.byRunID[event.RunID] = append(s.byRunID[event.RunID], event.ID)
	}
	return nil
}

func (s *MemoryEventStore) GetByRunID(runID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRunID[runID]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *MemoryEventStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryEventStore) evictOldestLocked() {
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	events := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	for i := 0; i < toRemove && i < len(events); i++ {
		delete(s.events, events[i].ID)
	}
	s.reindexLocked()
}

func (s *MemoryEventStore) reindexLocked() {
	for runID, ids := range s.byRunID {
		remaining := ids[:0]
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.byRunID, runID)
		} else {
			s.byRunID[runID] = remaining
		}
	}
}

// EventRecorder provides a convenient API for recording events. A nil
// recorder discards everything.
type EventRecorder struct {
	store  EventStore
	logger *Logger
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(store EventStore, logger *Logger) *EventRecorder {
	return &EventRecorder{
		store:  store,
		logger: logger,
	}
}

// Record records an event, extracting correlation IDs from context.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]any) error {
	if r == nil || r.store == nil {
		return nil
	}
	event := r.newEvent(ctx, eventType, name, data)
	if r.logger != nil {
		r.logger.Debug(ctx, "event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
		)
	}
	return r.store.Record(event)
}

// RecordError records an error event.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]any) error {
	if r == nil || r.store == nil {
		return nil
	}
	event := r.newEvent(ctx, eventType, name, data)
	if err != nil {
		event.Error = err.Error()
	}
	if r.logger != nil {
		r.logger.Warn(ctx, "error event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
			"error", err,
		)
	}
	return r.store.Record(event)
}

func (r *EventRecorder) newEvent(ctx context.Context, eventType EventType, name string, data map[string]any) *Event {
	family, _ := ctx.Value(FamilyKey).(string)
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     GetRunID(ctx),
		AccountID: GetAccountID(ctx),
		Family:    family,
		Name:      name,
		Data:      data,
		TraceID:   GetTraceID(ctx),
	}
}

// RecordRunStart records a turn start event.
func (r *EventRecorder) RecordRunStart(ctx context.Context, data map[string]any) error {
	return r.Record(ctx, EventTypeRunStart, "run_start", data)
}

// RecordRunEnd records a turn end event, or a run error when err is set.
func (r *EventRecorder) RecordRunEnd(ctx context.Context, duration time.Duration, outcome string, err error) error {
	data := map[string]any{
		"duration_ms": duration.Milliseconds(),
		"outcome":     outcome,
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeRunError, "run_error", err, data)
	}
	return r.Record(ctx, EventTypeRunEnd, "run_end", data)
}

// RecordStall records a watchdog timeout.
func (r *EventRecorder) RecordStall(ctx context.Context, kind string, err error) error {
	return r.RecordError(ctx, EventTypeStreamStall, kind, err, map[string]any{"kind": kind})
}

// RecordFailoverAttempt records one account attempt; ctx carries the account.
func (r *EventRecorder) RecordFailoverAttempt(ctx context.Context, reason string) error {
	return r.Record(ctx, EventTypeFailoverAttempt, "attempt", map[string]any{"reason": reason})
}

// RecordFailoverRotate records a rotation away from a failed account.
func (r *EventRecorder) RecordFailoverRotate(ctx context.Context, from, to, code string) error {
	return r.Record(ctx, EventTypeFailoverRotate, "rotate", map[string]any{"from": from, "to": to, "code": code})
}

// RecordFailoverExhausted records that every account of a family failed.
func (r *EventRecorder) RecordFailoverExhausted(ctx context.Context, attempted []string, err error) error {
	return r.RecordError(ctx, EventTypeFailoverExhausted, "exhausted", err, map[string]any{"attempted": attempted})
}

// RecordSwarmDelegate records the start of a delegated swarm run.
func (r *EventRecorder) RecordSwarmDelegate(ctx context.Context, task, mode string) error {
	return r.Record(ctx, EventTypeSwarmDelegate, "delegate", map[string]any{"task": task, "mode": mode})
}

// RecordSwarmEnd records the end of a delegated swarm run.
func (r *EventRecorder) RecordSwarmEnd(ctx context.Context, err error) error {
	if err != nil {
		return r.RecordError(ctx, EventTypeSwarmEnd, "swarm_end", err, nil)
	}
	return r.Record(ctx, EventTypeSwarmEnd, "swarm_end", nil)
}

// Timeline is the ordered event history of one run.
type Timeline struct {
	RunID     string           `json:"run_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Events    []*Event         `json:"events"`
	Summary   *TimelineSummary `json:"summary"`
}

// TimelineSummary provides aggregate statistics for a timeline.
type TimelineSummary struct {
	TotalEvents int `json:"total_events"`
	ErrorCount  int `json:"error_count"`
	Attempts    int `json:"attempts"`
	Rotations   int `json:"rotations"`
	Stalls      int `json:"stalls"`
	SwarmRuns   int `json:"swarm_runs"`
}

// BuildTimeline creates a timeline from events.
func BuildTimeline(events []*Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Duration:  events[len(events)-1].Timestamp.Sub(events[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}

	for _, e := range events {
		if timeline.RunID == "" {
			timeline.RunID = e.RunID
		}
		if e.Error != "" {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeFailoverAttempt:
			timeline.Summary.Attempts++
		case EventTypeFailoverRotate:
			timeline.Summary.Rotations++
		case EventTypeStreamStall:
			timeline.Summary.Stalls++
		case EventTypeSwarmDelegate:
			timeline.Summary.SwarmRuns++
		}
	}
	return timeline
}

// FormatTimeline formats a timeline for display.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Timeline for Run: %s ===\n", timeline.RunID)
	fmt.Fprintf(&b, "Duration: %v\n", timeline.Duration)
	fmt.Fprintf(&b, "Events: %d (Errors: %d)\n", timeline.Summary.TotalEvents, timeline.Summary.ErrorCount)
	fmt.Fprintf(&b, "Attempts: %d, Rotations: %d, Stalls: %d, Swarm runs: %d\n\n",
		timeline.Summary.Attempts, timeline.Summary.Rotations, timeline.Summary.Stalls, timeline.Summary.SwarmRuns)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}
		errorMark := ""
		if e.Error != "" {
			errorMark = " ❌"
		}
		fmt.Fprintf(&b, "%s [%s] %s: %s%s\n", prefix, e.Timestamp.Format("15:04:05.000"), e.Type, e.Name, errorMark)
		if e.AccountID != "" {
			fmt.Fprintf(&b, "   Account: %s\n", e.AccountID)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "   Error: %s\n", e.Error)
		}
	}
	return b.String()
}
