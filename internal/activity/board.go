package activity

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// BoardOptions configures a Board.
type BoardOptions struct {
	Log LogOptions

	// DedupWindow bounds each lane's history. Zero means DefaultDedupWindow.
	DedupWindow int

	// DisplayWindow bounds the RecentEvents a lane exposes. Zero means
	// DefaultDisplayWindow.
	DisplayWindow int

	// OrchestratorFallback routes unattributed activities to the
	// orchestrator lane.
	OrchestratorFallback bool

	Logger *slog.Logger
}

// Transition is a notification-worthy activity and the lane it landed in.
type Transition struct {
	Activity Activity
	Lane     Lane
}

type override struct {
	collapsed bool
	at        time.Time
	status    LaneStatus
}

// Board is the live aggregator: it owns a Log and folds every append into
// its owner's lane, layering user collapse choices on top. Lanes live until
// Clear, however far their activities scroll back in the log.
type Board struct {
	opts   BoardOptions
	log    *Log
	logger *slog.Logger

	mu        sync.Mutex
	arena     map[string]*laneBuilder
	lanes     map[string]Lane
	overrides map[string]override
	listeners []func(Transition)
}

// NewBoard creates an empty board.
func NewBoard(opts BoardOptions) *Board {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.DisplayWindow <= 0 {
		opts.DisplayWindow = DefaultDisplayWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		opts:      opts,
		log:       NewLog(opts.Log),
		logger:    logger.With("component", "activity-board"),
		arena:     make(map[string]*laneBuilder),
		lanes:     make(map[string]Lane),
		overrides: make(map[string]override),
	}
}

// Log returns the underlying flat log.
func (b *Board) Log() *Log {
	return b.log
}

// OnCriticalTransition registers fn for activities that pass
// IsSwarmCriticalTransition. fn runs on the appending goroutine.
func (b *Board) OnCriticalTransition(fn func(Transition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Append adds an activity and updates the lane it belongs to.
func (b *Board) Append(a Activity) {
	b.log.Append(a)

	b.mu.Lock()
	lane, hasLane := b.foldLocked(a)
	var notify []func(Transition)
	critical := IsSwarmCriticalTransition(a)
	if critical {
		notify = append(notify, b.listeners...)
	}
	b.mu.Unlock()

	if !critical || !hasLane {
		return
	}
	b.logger.Debug("critical lane transition",
		"lane", lane.ID,
		"status", string(lane.Status),
		"type", a.Type,
	)
	for _, fn := range notify {
		fn(Transition{Activity: a, Lane: lane})
	}
}

// AppendAll adds several activities in order.
func (b *Board) AppendAll(activities []Activity) {
	for _, a := range activities {
		b.Append(a)
	}
}

// Lanes returns the current lanes in display order.
func (b *Board) Lanes() []Lane {
	b.mu.Lock()
	defer b.mu.Unlock()
	return SortLanes(b.lanes)
}

// Lane returns one lane by id.
func (b *Board) Lane(id string) (Lane, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lanes[id]
	return l, ok
}

// SetCollapsed records a user collapse or expand for a lane. The choice holds
// across recomputation until the lane changes status.
func (b *Board) SetCollapsed(id string, collapsed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	lane, ok := b.lanes[id]
	if !ok {
		return fmt.Errorf("lane %q not found", id)
	}
	b.overrides[id] = override{collapsed: collapsed, at: lane.LastEventAt, status: lane.Status}
	lane.IsCollapsed = collapsed
	lane.HasUnreadSinceCollapse = false
	b.lanes[id] = lane
	return nil
}

// Clear empties the log, the lanes and every override.
func (b *Board) Clear() {
	b.log.Clear()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arena = make(map[string]*laneBuilder)
	b.lanes = make(map[string]Lane)
	b.overrides = make(map[string]override)
}

// foldLocked applies a to its owner's lane and refreshes the exposed copy.
func (b *Board) foldLocked(a Activity) (Lane, bool) {
	owner, ok := ResolveOwner(a, b.opts.OrchestratorFallback)
	if !ok {
		return Lane{}, false
	}
	builder := b.arena[owner]
	if builder == nil {
		builder = newLaneBuilder(owner)
		b.arena[owner] = builder
	}
	builder.apply(owner, a, b.opts.DedupWindow)

	lane := builder.lane
	events := lane.RecentEvents
	if len(events) > b.opts.DisplayWindow {
		events = events[len(events)-b.opts.DisplayWindow:]
	}
	lane.RecentEvents = slices.Clone(events)

	if ov, ok := b.overrides[owner]; ok {
		if lane.Status != ov.status {
			delete(b.overrides, owner)
		} else {
			lane.IsCollapsed = ov.collapsed
			lane.HasUnreadSinceCollapse = ov.collapsed && lane.LastEventAt.After(ov.at)
		}
	}
	b.lanes[owner] = lane
	return lane, true
}
