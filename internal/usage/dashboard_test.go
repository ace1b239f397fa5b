package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLedger struct {
	mu        sync.Mutex
	inserted  []Record
	insertErr error
	inserts   int
}

func (l *fakeLedger) Insert(_ context.Context, records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inserts++
	if l.insertErr != nil {
		return l.insertErr
	}
	l.inserted = append(l.inserted, records...)
	return nil
}

func (l *fakeLedger) Totals(context.Context, time.Time) ([]Total, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := NewTracker(DefaultTrackerConfig())
	for _, r := range l.inserted {
		t.Record(r)
	}
	var out []Total
	for _, total := range t.GetSummary() {
		out = append(out, total)
	}
	return out, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inserted)
}

func TestDashboardWithoutLedger(t *testing.T) {
	d := NewDashboard(nil, nil, nil)
	d.Record(Record{Family: "codex", Model: "b", Usage: Usage{InputTokens: 1}})
	d.Record(Record{Family: "claude", Model: "a", Usage: Usage{InputTokens: 2}})
	d.Refresh()
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	totals := d.Totals()
	if len(totals) != 2 || totals[0].Family != "claude" {
		t.Errorf("Totals = %+v", totals)
	}
	if d.Pending() != 0 {
		t.Error("no ledger means nothing pending")
	}
}

func TestDashboardRefreshPersists(t *testing.T) {
	ledger := &fakeLedger{}
	d := NewDashboard(nil, ledger, nil)

	for i := 0; i < 5; i++ {
		d.Record(Record{Family: "claude", Model: "sonnet", Usage: Usage{OutputTokens: 10}})
		d.Refresh()
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := ledger.count(); got != 5 {
		t.Errorf("persisted = %d, want 5", got)
	}
	totals := d.Totals()
	if len(totals) != 1 || totals[0].Usage.OutputTokens != 50 {
		t.Errorf("Totals = %+v", totals)
	}
	if got := d.Tracker().GetTotals("claude", "sonnet").OutputTokens; got != 50 {
		t.Errorf("tracker output = %d", got)
	}
}

func TestDashboardFlushFailureRequeues(t *testing.T) {
	ledger := &fakeLedger{insertErr: errors.New("locked")}
	d := NewDashboard(nil, ledger, nil)
	d.Record(Record{Family: "claude"})
	d.Record(Record{Family: "claude"})

	if err := d.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if d.Pending() != 2 {
		t.Errorf("pending = %d, want 2", d.Pending())
	}

	ledger.mu.Lock()
	ledger.insertErr = nil
	ledger.mu.Unlock()
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if d.Pending() != 0 || ledger.count() != 2 {
		t.Errorf("pending = %d, persisted = %d", d.Pending(), ledger.count())
	}
}

func TestDashboardAssignsIDs(t *testing.T) {
	d := NewDashboard(nil, nil, nil)
	d.Record(Record{Family: "claude"})
	rec := d.Tracker().GetRecentRecords(1)[0]
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Errorf("record = %+v", rec)
	}
}
