// Package usage tracks token consumption reported by backends, estimates its
// cost, and keeps a dashboard view that can be persisted to a SQL ledger.
package usage

import (
	"strings"
	"sync"
	"time"
)

// Usage represents token usage for a single request.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Cost represents pricing for a model (USD per million tokens).
type Cost struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
}

// Estimate calculates the estimated cost for the given usage.
func (c *Cost) Estimate(usage *Usage) float64 {
	if c == nil || usage == nil {
		return 0
	}
	total := float64(usage.InputTokens)*c.Input +
		float64(usage.OutputTokens)*c.Output +
		float64(usage.CacheReadTokens)*c.CacheRead +
		float64(usage.CacheWriteTokens)*c.CacheWrite
	return total / 1_000_000
}

// Pricing maps a backend family, or "family/model", to its Cost.
type Pricing map[string]Cost

// Lookup returns the most specific price for family and model.
func (p Pricing) Lookup(family, model string) (Cost, bool) {
	if model != "" {
		if c, ok := p[family+"/"+model]; ok {
			return c, true
		}
	}
	c, ok := p[family]
	return c, ok
}

// Estimate prices usage for family and model; unknown families cost zero.
func (p Pricing) Estimate(family, model string, u *Usage) float64 {
	c, ok := p.Lookup(family, model)
	if !ok {
		return 0
	}
	return c.Estimate(u)
}

// Record is one observed usage report.
type Record struct {
	ID        string    `json:"id"`
	Family    string    `json:"family"`
	Model     string    `json:"model,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Usage     Usage     `json:"usage"`
	Cost      float64   `json:"cost,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the "family:model" aggregation key.
func (r Record) Key() string {
	return totalsKey(r.Family, r.Model)
}

func totalsKey(family, model string) string {
	return family + ":" + model
}

// SplitKey splits a "family:model" key.
func SplitKey(key string) (family, model string) {
	family, model, _ = strings.Cut(key, ":")
	return family, model
}

// Tracker tracks usage across multiple requests in memory.
type Tracker struct {
	mu        sync.RWMutex
	records   []Record
	totals    map[string]*Usage // keyed by "family:model"
	costs     map[string]float64
	byAccount map[string]*Usage
	maxAge    time.Duration
	maxCount  int
	now       func() time.Time
}

// TrackerConfig configures the usage tracker.
type TrackerConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	MaxCount int           `yaml:"max_count"`
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAge:   24 * time.Hour,
		MaxCount: 10000,
	}
}

// NewTracker creates a new usage tracker.
func NewTracker(config TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.MaxCount <= 0 {
		config.MaxCount = def.MaxCount
	}

	return &Tracker{
		records:   make([]Record, 0),
		totals:    make(map[string]*Usage),
		costs:     make(map[string]float64),
		byAccount: make(map[string]*Usage),
		maxAge:    config.MaxAge,
		maxCount:  config.MaxCount,
		now:       time.Now,
	}
}

// Record adds a usage record. Totals are cumulative; only the record list is
// pruned by age and count.
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = t.now()
	}

	t.records = append(t.records, r)

	key := r.Key()
	if t.totals[key] == nil {
		t.totals[key] = &Usage{}
	}
	t.totals[key].Add(&r.Usage)
	t.costs[key] += r.Cost

	if r.AccountID != "" {
		if t.byAccount[r.AccountID] == nil {
			t.byAccount[r.AccountID] = &Usage{}
		}
		t.byAccount[r.AccountID].Add(&r.Usage)
	}

	t.pruneOld()
}

// pruneOld removes records older than maxAge and beyond maxCount.
func (t *Tracker) pruneOld() {
	cutoff := t.now().Add(-t.maxAge)

	startIdx := 0
	for i, r := range t.records {
		if r.Timestamp.After(cutoff) {
			startIdx = i
			break
		}
		startIdx = i + 1
	}
	if startIdx > 0 {
		t.records = t.records[startIdx:]
	}

	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// GetTotals returns usage totals for family and model.
func (t *Tracker) GetTotals(family, model string) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if usage := t.totals[totalsKey(family, model)]; usage != nil {
		u := *usage
		return &u
	}
	return nil
}

// GetAccountTotals returns usage totals for an account.
func (t *Tracker) GetAccountTotals(accountID string) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if usage := t.byAccount[accountID]; usage != nil {
		u := *usage
		return &u
	}
	return nil
}

// GetRecentRecords returns the most recent records, oldest first.
func (t *Tracker) GetRecentRecords(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}

	start := len(t.records) - limit
	result := make([]Record, limit)
	copy(result, t.records[start:])
	return result
}

// Total aggregates usage and cost for one family:model key.
type Total struct {
	Family   string  `json:"family"`
	Model    string  `json:"model"`
	Usage    Usage   `json:"usage"`
	CostUSD  float64 `json:"cost_usd"`
	Requests int64   `json:"requests,omitempty"`
}

// GetSummary returns a copy of all totals, keyed by "family:model".
func (t *Tracker) GetSummary() map[string]Total {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]Total, len(t.totals))
	for k, v := range t.totals {
		family, model := SplitKey(k)
		result[k] = Total{Family: family, Model: model, Usage: *v, CostUSD: t.costs[k]}
	}
	return result
}
