package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultRefreshTimeout = 10 * time.Second

// Dashboard is the process-wide usage view. Record is cheap and synchronous;
// Refresh persists pending records to the ledger and reloads totals in the
// background, coalescing overlapping calls.
type Dashboard struct {
	tracker *Tracker
	ledger  Ledger
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.Mutex
	pending    []Record
	snapshot   []Total
	refreshing bool
	dirty      bool
	wg         sync.WaitGroup
}

// NewDashboard creates a dashboard over tracker. ledger may be nil, in which
// case totals come from the tracker alone.
func NewDashboard(tracker *Tracker, ledger Ledger, logger *slog.Logger) *Dashboard {
	if tracker == nil {
		tracker = NewTracker(DefaultTrackerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboard{
		tracker: tracker,
		ledger:  ledger,
		logger:  logger.With("component", "usage"),
		timeout: defaultRefreshTimeout,
	}
}

// Tracker returns the in-memory tracker.
func (d *Dashboard) Tracker() *Tracker {
	return d.tracker
}

// Record adds r to the tracker and queues it for the ledger.
func (d *Dashboard) Record(r Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	d.tracker.Record(r)

	if d.ledger == nil {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, r)
	d.mu.Unlock()
}

// Refresh starts a background flush unless one is running, in which case the
// running one goes around again.
func (d *Dashboard) Refresh() {
	d.mu.Lock()
	if d.refreshing {
		d.dirty = true
		d.mu.Unlock()
		return
	}
	d.refreshing = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := d.Flush(ctx); err != nil {
				d.logger.Warn("usage refresh failed", "error", err)
			}
			cancel()

			d.mu.Lock()
			if !d.dirty {
				d.refreshing = false
				d.mu.Unlock()
				return
			}
			d.dirty = false
			d.mu.Unlock()
		}
	}()
}

// Flush synchronously writes pending records and reloads totals. Records
// that fail to persist stay queued for the next flush.
func (d *Dashboard) Flush(ctx context.Context) error {
	if d.ledger == nil {
		return nil
	}

	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	if err := d.ledger.Insert(ctx, batch); err != nil {
		d.mu.Lock()
		d.pending = append(batch, d.pending...)
		d.mu.Unlock()
		return err
	}

	totals, err := d.ledger.Totals(ctx, time.Time{})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.snapshot = totals
	d.mu.Unlock()
	return nil
}

// Pending returns the number of records not yet persisted.
func (d *Dashboard) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Totals returns the latest ledger totals, or the tracker's totals when there
// is no ledger, sorted by family then model.
func (d *Dashboard) Totals() []Total {
	if d.ledger != nil {
		d.mu.Lock()
		out := append([]Total(nil), d.snapshot...)
		d.mu.Unlock()
		return out
	}

	summary := d.tracker.GetSummary()
	out := make([]Total, 0, len(summary))
	for _, t := range summary {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Close waits for a running refresh and flushes what is left.
func (d *Dashboard) Close(ctx context.Context) error {
	d.wg.Wait()
	return d.Flush(ctx)
}
