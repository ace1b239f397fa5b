package activity

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

func TestResolveOwner(t *testing.T) {
	tests := []struct {
		name     string
		a        Activity
		fallback bool
		want     string
		wantOK   bool
	}{
		{"swarm id wins", act("1", "x", "", 0, stream.Payload{"swarm_id": "s1", "group_id": "swarm-s2"}), false, "s1", true},
		{"swarm group prefix", act("1", "x", "", 0, stream.Payload{"group_id": "swarm-s2"}), false, "s2", true},
		{"bare prefix is not an owner", act("1", "x", "", 0, stream.Payload{"group_id": "swarm-"}), false, "", false},
		{"other group without fallback", act("1", "x", "", 0, stream.Payload{"group_id": "batch-1"}), false, "", false},
		{"other group with fallback", act("1", "x", "", 0, stream.Payload{"group_id": "batch-1"}), true, OrchestratorLane, true},
		{"nothing with fallback", act("1", "x", "", 0, nil), true, OrchestratorLane, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveOwner(tt.a, tt.fallback)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ResolveOwner() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func laneFixture() []Activity {
	var out []Activity
	for i := range 20 {
		swarm := fmt.Sprintf("s%d", i%3)
		status := ""
		switch {
		case i < 3:
			status = "started"
		case i == 16:
			status = "completed"
		case i == 17:
			status = "failed"
		}
		out = append(out, act(
			fmt.Sprintf("a%02d", i),
			"agent_progress",
			fmt.Sprintf("step %d", i%5),
			time.Duration(i/2)*time.Second,
			stream.Payload{"swarm_id": swarm, "status": status},
		))
	}
	out = append(out, act("orphan", "reasoning", "thinking", 0, nil))
	return out
}

func TestReduce_OrderIndependent(t *testing.T) {
	in := laneFixture()
	want := Reduce(in, ReduceOptions{DedupLimit: 5, IncludeOrchestratorFallback: true})

	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 5 {
		shuffled := slices.Clone(in)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Reduce(shuffled, ReduceOptions{DedupLimit: 5, IncludeOrchestratorFallback: true})
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d: Reduce() differs from sorted input", i)
		}
	}

	if len(want) != 4 {
		t.Errorf("lanes = %d, want 4 (three swarms plus orchestrator)", len(want))
	}
	if want["s2"].Status != LaneFailed {
		t.Errorf("s2 status = %q, want failed", want["s2"].Status)
	}
}

func TestReduce_FallbackIsExplicit(t *testing.T) {
	in := []Activity{act("1", "reasoning", "t", 0, nil)}
	if lanes := Reduce(in, ReduceOptions{}); len(lanes) != 0 {
		t.Errorf("without fallback got %d lanes", len(lanes))
	}
	lanes := Reduce(in, ReduceOptions{IncludeOrchestratorFallback: true})
	if _, ok := lanes[OrchestratorLane]; !ok || len(lanes) != 1 {
		t.Errorf("with fallback lanes = %v", lanes)
	}
}

func TestReduce_DedupWithinOneSecond(t *testing.T) {
	first := act("a", "agent_progress", "Reading", 0, stream.Payload{"swarm_id": "s1", "detail": "first"})
	second := act("b", "agent_progress", "Reading", 300*time.Millisecond, stream.Payload{"swarm_id": "s1", "detail": "second"})

	lane := Reduce([]Activity{first, second}, ReduceOptions{})["s1"]
	if len(lane.RecentEvents) != 1 {
		t.Fatalf("RecentEvents = %d, want 1", len(lane.RecentEvents))
	}
	if !lane.LastEventAt.Equal(second.Timestamp) {
		t.Errorf("LastEventAt = %v, want %v", lane.LastEventAt, second.Timestamp)
	}
	if lane.CurrentDetail != "second" {
		t.Errorf("CurrentDetail = %q, want %q", lane.CurrentDetail, "second")
	}

	third := act("c", "agent_progress", "Reading", 1200*time.Millisecond, stream.Payload{"swarm_id": "s1"})
	lane = Reduce([]Activity{first, second, third}, ReduceOptions{})["s1"]
	if len(lane.RecentEvents) != 2 {
		t.Errorf("next second bucket should append, RecentEvents = %d", len(lane.RecentEvents))
	}
}

func TestReduce_WindowDropsOldest(t *testing.T) {
	var in []Activity
	for i := range 5 {
		in = append(in, act(fmt.Sprint(i), "agent_progress", fmt.Sprint(i), time.Duration(i)*time.Second, stream.Payload{"swarm_id": "s1"}))
	}
	lane := Reduce(in, ReduceOptions{DedupLimit: 3})["s1"]
	var ids []string
	for _, e := range lane.RecentEvents {
		ids = append(ids, e.ID)
	}
	if !slices.Equal(ids, []string{"2", "3", "4"}) {
		t.Errorf("RecentEvents = %v, want [2 3 4]", ids)
	}
	if !lane.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want first event time", lane.StartedAt)
	}
}

func TestReduce_StatusTransitions(t *testing.T) {
	p := func(status string) stream.Payload { return stream.Payload{"swarm_id": "s1", "status": status} }

	tests := []struct {
		name          string
		in            []Activity
		wantStatus    LaneStatus
		wantCollapsed bool
		wantUnread    bool
		wantSummary   string
	}{
		{
			name:       "started is running",
			in:         []Activity{act("1", "agent_started", "Plan", 0, p("started"))},
			wantStatus: LaneRunning,
		},
		{
			name: "completed collapses with summary",
			in: []Activity{
				act("1", "agent_progress", "Plan", 0, p("started")),
				act("2", "agent_progress", "Edit main.go", time.Second, p("")),
				act("3", "agent_progress", "Plan", 2*time.Second, p("")),
				act("4", "agent_progress", "Run tests", 3*time.Second, p("")),
				act("5", "agent_progress", "Wrap up", 4*time.Second, p("completed")),
			},
			wantStatus:    LaneCompleted,
			wantCollapsed: true,
			wantSummary:   "Completato • Plan → Edit main.go → Run tests",
		},
		{
			name:          "completed without titles",
			in:            []Activity{act("1", "agent_progress", "", 0, p("completed"))},
			wantStatus:    LaneCompleted,
			wantCollapsed: true,
			wantSummary:   "Completato",
		},
		{
			name: "failed force expands",
			in: []Activity{
				act("1", "agent_progress", "Plan", 0, p("completed")),
				act("2", "agent_progress", "Apply", time.Second, p("failed")),
			},
			wantStatus:  LaneFailed,
			wantSummary: "Completato • Plan",
		},
		{
			name: "resumed after completion",
			in: []Activity{
				act("1", "agent_progress", "Plan", 0, p("completed")),
				act("2", "agent_progress", "More", time.Second, p("started")),
			},
			wantStatus:    LaneRunning,
			wantCollapsed: true,
			wantUnread:    true,
		},
		{
			name: "update while collapsed is unread",
			in: []Activity{
				act("1", "agent_progress", "Plan", 0, p("completed")),
				act("2", "agent_progress", "Note", time.Second, p("")),
			},
			wantStatus:    LaneCompleted,
			wantCollapsed: true,
			wantUnread:    true,
			wantSummary:   "Completato • Plan",
		},
		{
			name:       "idle lane infers from running flag",
			in:         []Activity{act("1", "agent_progress", "Plan", 0, p(""))},
			wantStatus: LaneCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lane := Reduce(tt.in, ReduceOptions{})["s1"]
			if lane.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", lane.Status, tt.wantStatus)
			}
			if lane.IsCollapsed != tt.wantCollapsed {
				t.Errorf("IsCollapsed = %v, want %v", lane.IsCollapsed, tt.wantCollapsed)
			}
			if lane.HasUnreadSinceCollapse != tt.wantUnread {
				t.Errorf("HasUnreadSinceCollapse = %v, want %v", lane.HasUnreadSinceCollapse, tt.wantUnread)
			}
			if lane.Summary != tt.wantSummary {
				t.Errorf("Summary = %q, want %q", lane.Summary, tt.wantSummary)
			}
		})
	}
}

func TestReduce_Counters(t *testing.T) {
	running := act("1", "command_execution", "go test", 0, stream.Payload{"swarm_id": "s1"})
	running.IsRunning = true
	failed := act("2", "tool_timeout", "fetch", time.Second, stream.Payload{"swarm_id": "s1"})

	lane := Reduce([]Activity{running, failed}, ReduceOptions{})["s1"]
	if lane.ActiveOpsCount != 1 || lane.ErrorCount != 1 {
		t.Errorf("ActiveOpsCount = %d, ErrorCount = %d; want 1, 1", lane.ActiveOpsCount, lane.ErrorCount)
	}
	if lane.CurrentStepTitle != "fetch" {
		t.Errorf("CurrentStepTitle = %q", lane.CurrentStepTitle)
	}
}

func TestIsError(t *testing.T) {
	tests := []struct {
		name string
		a    Activity
		want bool
	}{
		{"always-error type", act("1", "tool_timeout", "", 0, nil), true},
		{"failed in title", act("1", "bash", "Build failed", 0, nil), true},
		{"italian marker in detail", Activity{Type: "bash", Detail: "Errore di rete"}, true},
		{"status failed", act("1", "bash", "", 0, stream.Payload{"status": "FAILED"}), true},
		{"plain", act("1", "bash", "Running tests", 0, nil), false},
		{"completed search", act("1", "web_search_completed", "Web search", 0, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsError(tt.a); got != tt.want {
				t.Errorf("IsError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSwarmCriticalTransition(t *testing.T) {
	tests := []struct {
		name string
		a    Activity
		want bool
	}{
		{"agent started detail", Activity{Type: "agent_started", Detail: "started"}, true},
		{"agent status completed", act("1", "agent_progress", "", 0, stream.Payload{"status": "completed"}), true},
		{"swarm status started", act("1", "swarm_update", "", 0, stream.Payload{"status": "started"}), true},
		{"agent thinking", Activity{Type: "agent_progress", Detail: "thinking"}, false},
		{"command completed", act("1", "command_execution", "", 0, stream.Payload{"status": "completed"}), false},
		{"command failed", act("1", "command_execution", "Command failed", 0, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSwarmCriticalTransition(tt.a); got != tt.want {
				t.Errorf("IsSwarmCriticalTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortLanes(t *testing.T) {
	at := func(d time.Duration) time.Time { return base.Add(d) }
	lanes := map[string]Lane{
		"idle":     {ID: "idle", Status: LaneIdle, LastEventAt: at(9 * time.Second)},
		"done-old": {ID: "done-old", Status: LaneCompleted, LastEventAt: at(time.Second)},
		"done-new": {ID: "done-new", Status: LaneCompleted, LastEventAt: at(5 * time.Second)},
		"failed":   {ID: "failed", Status: LaneFailed, LastEventAt: at(0)},
		"running":  {ID: "running", Status: LaneRunning, LastEventAt: at(0)},
	}
	var got []string
	for _, l := range SortLanes(lanes) {
		got = append(got, l.ID)
	}
	want := []string{"running", "failed", "done-new", "done-old", "idle"}
	if !slices.Equal(got, want) {
		t.Errorf("SortLanes() = %v, want %v", got, want)
	}
}
