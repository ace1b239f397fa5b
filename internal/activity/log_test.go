package activity

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func act(id, typ, title string, offset time.Duration, payload stream.Payload) Activity {
	return Activity{
		ID:        id,
		Type:      typ,
		Title:     title,
		Payload:   payload,
		Timestamp: base.Add(offset),
		Phase:     PhaseThinking,
		GroupID:   payload["group_id"],
	}
}

func TestLog_AppendMergesByGroupAndType(t *testing.T) {
	tests := []struct {
		name      string
		in        []Activity
		wantLen   int
		wantTitle []string
	}{
		{
			name: "no group ids append",
			in: []Activity{
				act("1", "read_batch", "a", 0, nil),
				act("2", "read_batch", "b", time.Second, nil),
			},
			wantLen:   2,
			wantTitle: []string{"a", "b"},
		},
		{
			name: "same group and type replaces",
			in: []Activity{
				act("1", "read_batch", "started", 0, stream.Payload{"group_id": "g1"}),
				act("2", "read_batch", "completed", time.Second, stream.Payload{"group_id": "g1"}),
			},
			wantLen:   1,
			wantTitle: []string{"completed"},
		},
		{
			name: "same group different type appends",
			in: []Activity{
				act("1", "read_batch_started", "s", 0, stream.Payload{"group_id": "g1"}),
				act("2", "read_batch_completed", "c", time.Second, stream.Payload{"group_id": "g1"}),
			},
			wantLen:   2,
			wantTitle: []string{"s", "c"},
		},
		{
			name: "replacement keeps position",
			in: []Activity{
				act("1", "edit", "first", 0, stream.Payload{"group_id": "g1"}),
				act("2", "bash", "middle", time.Second, nil),
				act("3", "edit", "updated", 2*time.Second, stream.Payload{"group_id": "g1"}),
			},
			wantLen:   2,
			wantTitle: []string{"updated", "middle"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := NewLog(LogOptions{})
			for _, a := range tt.in {
				log.Append(a)
			}
			if log.Len() != tt.wantLen {
				t.Fatalf("Len() = %d, want %d", log.Len(), tt.wantLen)
			}
			for i, a := range log.All() {
				if a.Title != tt.wantTitle[i] {
					t.Errorf("entry %d title = %q, want %q", i, a.Title, tt.wantTitle[i])
				}
			}
		})
	}
}

func TestLog_LengthEqualsAppendsMinusReplacements(t *testing.T) {
	log := NewLog(LogOptions{})
	replacements := 0
	seen := make(map[string]bool)
	for i := range 50 {
		group := ""
		if i%3 == 0 {
			group = fmt.Sprintf("g%d", i%4)
		}
		typ := []string{"edit", "bash"}[i%2]
		key := group + "|" + typ
		if group != "" && seen[key] {
			replacements++
		}
		seen[key] = true
		log.Append(act(fmt.Sprint(i), typ, "t", time.Duration(i)*time.Second, stream.Payload{"group_id": group}))
	}
	if got, want := log.Len(), 50-replacements; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestLog_ActiveOps(t *testing.T) {
	log := NewLog(LogOptions{ActiveOpsWindow: 3})
	running := func(id string, on bool) Activity {
		a := act(id, "bash", id, 0, nil)
		a.IsRunning = on
		return a
	}

	log.Append(running("1", true))
	log.Append(running("2", true))
	if got := log.ActiveOps(); got != 2 {
		t.Fatalf("ActiveOps() = %d, want 2", got)
	}
	log.Append(running("3", false))
	log.Append(running("4", false))
	if got := log.ActiveOps(); got != 1 {
		t.Errorf("ActiveOps() after window slide = %d, want 1", got)
	}
	log.Clear()
	if log.ActiveOps() != 0 || log.Len() != 0 {
		t.Errorf("Clear() left ops=%d len=%d", log.ActiveOps(), log.Len())
	}
}

func TestLog_MaxEntries(t *testing.T) {
	log := NewLog(LogOptions{MaxEntries: 3})
	for i := range 5 {
		log.Append(act(fmt.Sprint(i), "bash", fmt.Sprint(i), 0, nil))
	}
	all := log.All()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "2" || all[2].ID != "4" {
		t.Errorf("kept %s..%s, want 2..4", all[0].ID, all[2].ID)
	}
}

func TestLog_Recent(t *testing.T) {
	log := NewLog(LogOptions{})
	for i := range 5 {
		log.Append(act(fmt.Sprint(i), "bash", "", 0, nil))
	}
	tests := []struct {
		limit int
		first string
		n     int
	}{
		{0, "0", 5},
		{2, "3", 2},
		{10, "0", 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.limit), func(t *testing.T) {
			got := log.Recent(tt.limit)
			if len(got) != tt.n || got[0].ID != tt.first {
				t.Errorf("Recent(%d) = %d entries from %q, want %d from %q", tt.limit, len(got), got[0].ID, tt.n, tt.first)
			}
		})
	}
}

func TestLog_PlanRelevant(t *testing.T) {
	log := NewLog(LogOptions{})
	log.Append(act("1", "plan_step_update", "", 0, nil))
	log.Append(act("2", "reasoning", "", 0, nil))
	log.Append(act("3", "command_execution", "", 0, nil))

	got := log.PlanRelevant()
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("PlanRelevant() = %+v", got)
	}
}

func TestLog_Subscribe(t *testing.T) {
	log := NewLog(LogOptions{})
	var calls atomic.Int32
	unsubscribe := log.Subscribe(func() { calls.Add(1) })

	log.Append(act("1", "bash", "", 0, nil))
	log.Clear()
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	unsubscribe()
	log.Append(act("2", "bash", "", 0, nil))
	if calls.Load() != 2 {
		t.Errorf("unsubscribed listener still called")
	}
}
