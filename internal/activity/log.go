package activity

import (
	"sync"
)

// DefaultActiveOpsWindow is how many recent entries the active-ops counter covers.
const DefaultActiveOpsWindow = 40

// planRelevantTypes lists the activity types shown in plan and execution views.
var planRelevantTypes = map[string]bool{
	"plan_step_update":     true,
	"todo_write":           true,
	"todo_read":            true,
	"command_execution":    true,
	"bash":                 true,
	"file_change":          true,
	"file_edit":            true,
	"read_batch_started":   true,
	"read_batch_completed": true,
	"instant_grep":         true,
	"agent_started":        true,
	"agent_completed":      true,
	"agent_failed":         true,
	"tool_execution_error": true,
}

// LogOptions configures a Log.
type LogOptions struct {
	// ActiveOpsWindow bounds the active-ops counter. Zero means the default.
	ActiveOpsWindow int `yaml:"active_ops_window"`

	// MaxEntries caps the log length, dropping the oldest. Zero is unbounded.
	MaxEntries int `yaml:"max_entries"`
}

// Log is the flat, correlation-merged activity history of a conversation.
// It is safe for concurrent use; mutations are serialized and subscribers
// are notified after each one, outside the lock.
type Log struct {
	opts LogOptions

	mu        sync.RWMutex
	entries   []Activity
	activeOps int

	subMu  sync.Mutex
	nextID int
	subs   map[int]func()
}

// NewLog creates an empty log.
func NewLog(opts LogOptions) *Log {
	if opts.ActiveOpsWindow <= 0 {
		opts.ActiveOpsWindow = DefaultActiveOpsWindow
	}
	return &Log{opts: opts, subs: make(map[int]func())}
}

// Append adds a to the log. If a has a GroupID, the most recent entry with the
// same GroupID and Type is replaced in place instead.
func (l *Log) Append(a Activity) {
	l.mu.Lock()
	replaced := false
	if a.GroupID != "" {
		for i := len(l.entries) - 1; i >= 0; i-- {
			e := l.entries[i]
			if e.GroupID == a.GroupID && e.Type == a.Type {
				l.entries[i] = a
				replaced = true
				break
			}
		}
	}
	if !replaced {
		l.entries = append(l.entries, a)
		if l.opts.MaxEntries > 0 && len(l.entries) > l.opts.MaxEntries {
			drop := len(l.entries) - l.opts.MaxEntries
			l.entries = append([]Activity(nil), l.entries[drop:]...)
		}
	}
	l.recountLocked()
	l.mu.Unlock()

	l.notify()
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.activeOps = 0
	l.mu.Unlock()

	l.notify()
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// All returns a copy of every entry, oldest first.
func (l *Log) All() []Activity {
	return l.Recent(0)
}

// Recent returns up to limit of the newest entries, oldest first. A
// non-positive limit returns everything.
func (l *Log) Recent(limit int) []Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if limit > 0 && len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	return append([]Activity(nil), l.entries[start:]...)
}

// ActiveOps returns how many of the most recent entries are still running.
func (l *Log) ActiveOps() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeOps
}

// PlanRelevant returns the entries shown in plan and execution views.
func (l *Log) PlanRelevant() []Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Activity
	for _, e := range l.entries {
		if planRelevantTypes[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers fn to run after every mutation and returns a function
// that removes it.
func (l *Log) Subscribe(fn func()) (unsubscribe func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Log) recountLocked() {
	start := 0
	if len(l.entries) > l.opts.ActiveOpsWindow {
		start = len(l.entries) - l.opts.ActiveOpsWindow
	}
	n := 0
	for _, e := range l.entries[start:] {
		if e.IsRunning {
			n++
		}
	}
	l.activeOps = n
}

func (l *Log) notify() {
	l.subMu.Lock()
	fns := make([]func(), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
