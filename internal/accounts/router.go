package accounts

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/coderide/internal/agent/providers"
	"github.com/haasonsaas/coderide/internal/backoff"
)

// Router picks accounts for requests and records their outcomes. It tolerates
// concurrent requests against the same pool; all state lives in the Store.
type Router struct {
	store     *Store
	rateLimit backoff.Policy
	quota     backoff.Policy
	now       func() time.Time
	logger    *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithCooldownPolicy sets the cooldown applied to rate-limited accounts that
// reported no retry hint.
func WithCooldownPolicy(p backoff.Policy) RouterOption {
	return func(r *Router) { r.rateLimit = p }
}

// WithQuotaPolicy sets the cooldown applied to quota-exhausted accounts that
// reported no retry hint.
func WithQuotaPolicy(p backoff.Policy) RouterOption {
	return func(r *Router) { r.quota = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates a router over store.
func NewRouter(store *Store, opts ...RouterOption) *Router {
	r := &Router{
		store:     store,
		rateLimit: backoff.DefaultCooldownPolicy(),
		quota:     backoff.QuotaCooldownPolicy(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "account-router")
	return r
}

// Store returns the underlying store.
func (r *Router) Store() *Store {
	return r.store
}

// SelectAccount returns the preferred usable account for family: the last
// account that served it successfully, else the first usable one in order.
func (r *Router) SelectAccount(family string) (Account, bool) {
	now := r.now()
	if id := r.store.LastGood(family); id != "" {
		if acc, ok := r.store.Get(id); ok && acc.Family == family && r.usable(acc, now) {
			return acc, true
		}
	}
	for _, acc := range r.store.List(family) {
		if r.usable(acc, now) {
			return acc, true
		}
	}
	return Account{}, false
}

// NextAvailableAccount returns the first usable account that follows after in
// the family's order, wrapping around. after itself is never returned.
func (r *Router) NextAvailableAccount(after, family string) (Account, bool) {
	list := r.store.List(family)
	if len(list) == 0 {
		return Account{}, false
	}

	start := -1
	for i, acc := range list {
		if acc.ID == after {
			start = i
			break
		}
	}

	now := r.now()
	for i := 1; i <= len(list); i++ {
		acc := list[(start+i+len(list))%len(list)]
		if acc.ID == after {
			continue
		}
		if r.usable(acc, now) {
			return acc, true
		}
	}
	return Account{}, false
}

// MarkAccountSelected records that id is about to serve a request.
func (r *Router) MarkAccountSelected(id, family, reason string) {
	now := r.now()
	r.store.update(id, func(_ Account, st *Stats, _ map[string]string) {
		st.LastUsed = now
		st.Selections++
	})
	r.logger.Debug("account selected", "account_id", id, "family", family, "reason", reason)
}

// MarkUsage records token consumption. Usage implies the account works, so it
// also counts as a success.
func (r *Router) MarkUsage(id, family string, inputTokens, outputTokens int64, cost float64) {
	now := r.now()
	r.store.update(id, func(acc Account, st *Stats, lastGood map[string]string) {
		st.InputTokens += inputTokens
		st.OutputTokens += outputTokens
		st.CostUSD += cost
		succeeded(acc, st, lastGood, now)
	})
}

// MarkSuccess records a request that completed on id. It clears any cooldown
// and makes id the family's last good account.
func (r *Router) MarkSuccess(id, family string) {
	now := r.now()
	r.store.update(id, func(acc Account, st *Stats, lastGood map[string]string) {
		succeeded(acc, st, lastGood, now)
	})
}

func succeeded(acc Account, st *Stats, lastGood map[string]string, now time.Time) {
	st.LastSuccess = now
	st.FailCount = 0
	st.CooldownUntil = time.Time{}
	lastGood[acc.Family] = acc.ID
}

// MarkProviderError records a classified failure. Recoverable failures put the
// account into cooldown for the retry hint, or an exponential backoff on
// consecutive failures when the backend gave none.
func (r *Router) MarkProviderError(id, family string, failure providers.ClassifiedFailure) {
	now := r.now()
	var until time.Time
	r.store.update(id, func(acc Account, st *Stats, lastGood map[string]string) {
		st.LastFailure = now
		st.FailCount++
		st.LastReason = failure.NormalizedCode
		if lastGood[acc.Family] == acc.ID {
			delete(lastGood, acc.Family)
		}
		if !failure.Recoverable() {
			return
		}
		cooldown := failure.RetryAfter()
		if cooldown <= 0 {
			policy := r.rateLimit
			if failure.IsQuotaExhaustion {
				policy = r.quota
			}
			cooldown = policy.Compute(st.FailCount)
		}
		st.CooldownUntil = now.Add(cooldown)
		until = st.CooldownUntil
	})

	if !until.IsZero() {
		r.logger.Info("account cooling down",
			"account_id", id,
			"family", family,
			"code", failure.NormalizedCode,
			"until", until.Format(time.RFC3339))
	}
}

// AccountState is an account with its stats and current availability.
type AccountState struct {
	Account   Account `json:"account"`
	Stats     Stats   `json:"stats"`
	Available bool    `json:"available"`
	LastGood  bool    `json:"last_good"`
}

// Pool reports every account of family (all families when empty).
func (r *Router) Pool(family string) []AccountState {
	now := r.now()
	list := r.store.List(family)
	out := make([]AccountState, 0, len(list))
	for _, acc := range list {
		out = append(out, AccountState{
			Account:   acc,
			Stats:     r.store.Stats(acc.ID),
			Available: r.usable(acc, now),
			LastGood:  r.store.LastGood(acc.Family) == acc.ID,
		})
	}
	return out
}

func (r *Router) usable(acc Account, now time.Time) bool {
	return acc.Enabled && !r.store.Stats(acc.ID).InCooldown(now)
}
