package activity

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// OrchestratorLane absorbs activities that carry no swarm correlation.
const OrchestratorLane = "orchestrator"

const (
	// DefaultDedupWindow bounds a lane's history while reducing.
	DefaultDedupWindow = 80

	// DefaultDisplayWindow bounds the history a Board exposes per lane.
	DefaultDisplayWindow = 120

	swarmGroupPrefix = "swarm-"
	summaryPrefix    = "Completato • "
	summaryDone      = "Completato"
	summaryTitles    = 6
	summaryShown     = 3
)

// LaneStatus is the lifecycle state of a lane.
type LaneStatus string

const (
	LaneIdle      LaneStatus = "idle"
	LaneRunning   LaneStatus = "running"
	LaneCompleted LaneStatus = "completed"
	LaneFailed    LaneStatus = "failed"
)

// Lane is the aggregated view of every activity attributed to one swarm.
type Lane struct {
	ID                     string     `json:"id"`
	Status                 LaneStatus `json:"status"`
	StartedAt              time.Time  `json:"started_at,omitzero"`
	LastEventAt            time.Time  `json:"last_event_at,omitzero"`
	CompletedAt            time.Time  `json:"completed_at,omitzero"`
	CurrentStepTitle       string     `json:"current_step_title,omitempty"`
	CurrentDetail          string     `json:"current_detail,omitempty"`
	RecentEvents           []Activity `json:"recent_events"`
	ActiveOpsCount         int        `json:"active_ops_count"`
	ErrorCount             int        `json:"error_count"`
	Summary                string     `json:"summary,omitempty"`
	IsCollapsed            bool       `json:"is_collapsed"`
	HasUnreadSinceCollapse bool       `json:"has_unread_since_collapse"`
}

// ReduceOptions controls Reduce.
type ReduceOptions struct {
	// DedupLimit bounds each lane's RecentEvents. Zero means DefaultDedupWindow.
	DedupLimit int

	// IncludeOrchestratorFallback routes unattributed activities to the
	// OrchestratorLane instead of dropping them.
	IncludeOrchestratorFallback bool
}

// ResolveOwner returns the swarm an activity belongs to: the swarm_id payload
// field, else the suffix of a "swarm-" group id, else the orchestrator lane
// when fallback is set.
func ResolveOwner(a Activity, fallback bool) (string, bool) {
	if id := a.Payload.String("swarm_id"); id != "" {
		return id, true
	}
	group := a.GroupID
	if group == "" {
		group = a.Payload.String("group_id")
	}
	if suffix, ok := strings.CutPrefix(group, swarmGroupPrefix); ok && suffix != "" {
		return suffix, true
	}
	if fallback {
		return OrchestratorLane, true
	}
	return "", false
}

type laneBuilder struct {
	lane Lane
	seen map[string]struct{}
}

func newLaneBuilder(owner string) *laneBuilder {
	return &laneBuilder{
		lane: Lane{ID: owner, Status: LaneIdle},
		seen: make(map[string]struct{}),
	}
}

// Reduce folds activities into one Lane per owner. Input order does not
// matter: activities are sorted by timestamp, then id, before folding.
func Reduce(activities []Activity, opts ReduceOptions) map[string]Lane {
	limit := opts.DedupLimit
	if limit <= 0 {
		limit = DefaultDedupWindow
	}

	sorted := slices.Clone(activities)
	slices.SortStableFunc(sorted, compareActivities)

	arena := make(map[string]*laneBuilder)
	for _, a := range sorted {
		owner, ok := ResolveOwner(a, opts.IncludeOrchestratorFallback)
		if !ok {
			continue
		}
		b := arena[owner]
		if b == nil {
			b = newLaneBuilder(owner)
			arena[owner] = b
		}
		b.apply(owner, a, limit)
	}

	out := make(map[string]Lane, len(arena))
	for id, b := range arena {
		out[id] = b.lane
	}
	return out
}

func compareActivities(a, b Activity) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// dedupKey buckets the timestamp to one second, so identical-looking events
// within the same second collapse into one.
func dedupKey(owner string, a Activity) string {
	group := a.GroupID
	if group == "" {
		group = "-"
	}
	return strings.Join([]string{
		owner,
		group,
		a.Type,
		a.Title,
		a.Payload.Lower("status"),
		a.Timestamp.Truncate(time.Second).UTC().Format(time.RFC3339),
	}, "|")
}

func (b *laneBuilder) apply(owner string, a Activity, limit int) {
	lane := &b.lane

	key := dedupKey(owner, a)
	_, duplicate := b.seen[key]
	if !duplicate {
		b.seen[key] = struct{}{}
		lane.RecentEvents = append(lane.RecentEvents, a)
		if len(lane.RecentEvents) > limit {
			lane.RecentEvents = slices.Clone(lane.RecentEvents[len(lane.RecentEvents)-limit:])
		}
	}

	if lane.StartedAt.IsZero() {
		lane.StartedAt = a.Timestamp
	}
	if a.Timestamp.After(lane.LastEventAt) {
		lane.LastEventAt = a.Timestamp
	}
	if title := strings.TrimSpace(a.Title); title != "" {
		lane.CurrentStepTitle = title
	}
	if detail := detailCandidate(a); detail != "" {
		lane.CurrentDetail = detail
	}
	lane.ActiveOpsCount, lane.ErrorCount = 0, 0
	for _, e := range lane.RecentEvents {
		if e.IsRunning {
			lane.ActiveOpsCount++
		}
		if IsError(e) {
			lane.ErrorCount++
		}
	}

	switch transitionFor(a) {
	case LaneRunning:
		lane.Status = LaneRunning
		lane.CompletedAt = time.Time{}
		lane.Summary = ""
		if lane.IsCollapsed {
			lane.HasUnreadSinceCollapse = true
		}
	case LaneCompleted:
		lane.Status = LaneCompleted
		lane.CompletedAt = a.Timestamp
		lane.Summary = summarize(lane.RecentEvents)
		lane.IsCollapsed = true
		lane.HasUnreadSinceCollapse = false
	case LaneFailed:
		lane.Status = LaneFailed
		lane.IsCollapsed = false
		lane.HasUnreadSinceCollapse = false
	default:
		if lane.Status == LaneIdle {
			if a.IsRunning {
				lane.Status = LaneRunning
			} else {
				lane.Status = LaneCompleted
			}
		}
		if lane.IsCollapsed && !duplicate {
			lane.HasUnreadSinceCollapse = true
		}
	}
}

func detailCandidate(a Activity) string {
	if d := strings.TrimSpace(a.Detail); d != "" {
		return d
	}
	return a.Payload.String("detail", "summary", "query", "path", "command")
}

// transitionFor returns the status an activity forces, or "" for none.
func transitionFor(a Activity) LaneStatus {
	if IsError(a) {
		return LaneFailed
	}
	detail := strings.ToLower(strings.TrimSpace(a.Detail))
	status := a.Payload.Lower("status")
	if detail == "started" || status == "started" || a.IsRunning {
		return LaneRunning
	}
	if detail == "completed" || status == "completed" {
		return LaneCompleted
	}
	return ""
}

func summarize(events []Activity) string {
	start := max(0, len(events)-summaryTitles)
	seen := make(map[string]bool)
	var titles []string
	for _, e := range events[start:] {
		title := strings.TrimSpace(e.Title)
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		titles = append(titles, title)
	}
	if len(titles) == 0 {
		return summaryDone
	}
	if len(titles) > summaryShown {
		titles = titles[:summaryShown]
	}
	return summaryPrefix + strings.Join(titles, " → ")
}

var statusPriority = map[LaneStatus]int{
	LaneRunning:   0,
	LaneFailed:    1,
	LaneCompleted: 2,
	LaneIdle:      3,
}

// SortLanes orders lanes for display: running, failed, completed, idle, with
// the most recently active first within each status.
func SortLanes(lanes map[string]Lane) []Lane {
	out := make([]Lane, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Lane) int {
		if c := cmp.Compare(statusPriority[a.Status], statusPriority[b.Status]); c != 0 {
			return c
		}
		if c := b.LastEventAt.Compare(a.LastEventAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
