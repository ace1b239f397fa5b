package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/coderide/internal/accounts"
	"github.com/haasonsaas/coderide/internal/agent/providers"
	"github.com/haasonsaas/coderide/internal/observability"
	"github.com/haasonsaas/coderide/internal/stream"
	"github.com/haasonsaas/coderide/internal/usage"
)

// UsageEventType is the raw event type that carries token counts.
const UsageEventType = "usage"

// AccountRouter picks accounts for a backend family and records the outcome
// of each attempt. Implementations must tolerate concurrent requests.
type AccountRouter interface {
	SelectAccount(family string) (accounts.Account, bool)
	NextAvailableAccount(after, family string) (accounts.Account, bool)
	MarkAccountSelected(id, family, reason string)
	MarkUsage(id, family string, inputTokens, outputTokens int64, cost float64)
	MarkSuccess(id, family string)
	MarkProviderError(id, family string, failure providers.ClassifiedFailure)
}

// ProviderFactory builds a provider scoped to one account's credentials.
type ProviderFactory func(acc accounts.Account) (stream.Provider, error)

// UsageRecorder receives usage observations. Refresh must not block.
type UsageRecorder interface {
	Record(r usage.Record)
	Refresh()
}

// MultiAccountConfig configures a MultiAccount provider.
type MultiAccountConfig struct {
	// Family is the backend family every account shares
	Family string

	Router  AccountRouter
	Factory ProviderFactory

	// Classifier decides which failures rotate accounts. Defaults to
	// providers.DefaultClassifier.
	Classifier providers.Classifier

	// Usage and Pricing are optional
	Usage   UsageRecorder
	Pricing usage.Pricing

	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Recorder *observability.EventRecorder
}

// MultiAccount is a Provider that serves one logical request from a pool of
// accounts, rotating to the next account when a backend reports quota
// exhaustion or rate limiting. Each account is tried at most once per request.
type MultiAccount struct {
	family     string
	router     AccountRouter
	factory    ProviderFactory
	classifier providers.Classifier
	usage      UsageRecorder
	pricing    usage.Pricing
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	recorder   *observability.EventRecorder
}

// NewMultiAccount creates a failover provider.
func NewMultiAccount(cfg MultiAccountConfig) (*MultiAccount, error) {
	if cfg.Family == "" {
		return nil, errors.New("family is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("provider factory is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = providers.DefaultClassifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAccount{
		family:     cfg.Family,
		router:     cfg.Router,
		factory:    cfg.Factory,
		classifier: cfg.Classifier,
		usage:      cfg.Usage,
		pricing:    cfg.Pricing,
		logger:     logger.With("component", "failover", "family", cfg.Family),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		recorder:   cfg.Recorder,
	}, nil
}

// Family returns the backend family served.
func (m *MultiAccount) Family() string {
	return m.family
}

// IsAuthenticated reports whether any account of the family is usable.
func (m *MultiAccount) IsAuthenticated() bool {
	_, ok := m.router.SelectAccount(m.family)
	return ok
}

// Send implements stream.Provider. It fails up front only when no account is
// available; every later failure arrives as the final event of the stream.
func (m *MultiAccount) Send(ctx context.Context, prompt string, wctx stream.WorkspaceContext, images []string) (<-chan stream.Event, error) {
	acc, ok := m.router.SelectAccount(m.family)
	if !ok {
		m.metrics.RecordError("failover", "no_account")
		return nil, fmt.Errorf("%w for %s", ErrNoAccountAvailable, m.family)
	}

	out := make(chan stream.Event)
	go m.run(ctx, acc, prompt, wctx, images, out)
	return out, nil
}

func (m *MultiAccount) run(ctx context.Context, acc accounts.Account, prompt string, wctx stream.WorkspaceContext, images []string, out chan<- stream.Event) {
	defer close(out)

	ctx, span := m.tracer.TraceFailover(ctx, m.family)
	defer span.End()

	attempted := make(map[string]bool)
	var order []string
	reason := "select"

	for {
		attempted[acc.ID] = true
		order = append(order, acc.ID)
		m.metrics.FailoverAttempt(m.family)
		m.router.MarkAccountSelected(acc.ID, m.family, reason)

		accCtx := observability.AddAccountID(ctx, acc.ID)
		_ = m.recorder.RecordFailoverAttempt(accCtx, reason)
		forwarded, err := m.attempt(accCtx, acc, prompt, wctx, images, out)
		if err == nil {
			m.router.MarkSuccess(acc.ID, m.family)
			m.tracer.AddEvent(span, "attempt", "account_id", acc.ID, "outcome", "ok")
			m.tracer.SetAttributes(span, "attempts", len(order), "account_id", acc.ID)
			return
		}
		if ctx.Err() != nil {
			m.tracer.RecordError(span, ctx.Err())
			return
		}

		failure := m.classifier.Classify(err)
		m.tracer.AddEvent(span, "attempt", "account_id", acc.ID, "outcome", failure.NormalizedCode)
		m.router.MarkProviderError(acc.ID, m.family, failure)

		ferr := &FailoverError{
			Family:    m.family,
			AccountID: acc.ID,
			Attempted: order,
			Code:      failure.NormalizedCode,
			Cause:     err,
		}

		if !failure.Recoverable() || forwarded {
			// No rotation once this attempt has forwarded visible text.
			m.logger.Warn("request failed",
				"account_id", acc.ID,
				"code", failure.NormalizedCode,
				"forwarded", forwarded,
				"error", err)
			m.metrics.RecordError("failover", failure.NormalizedCode)
			m.fail(ctx, span, out, ferr)
			return
		}

		next, ok := m.nextAccount(acc.ID, attempted)
		if !ok {
			ferr.Exhausted = true
			m.logger.Warn("all accounts exhausted", "attempted", order, "code", failure.NormalizedCode)
			m.metrics.FailoverExhaustedFor(m.family)
			_ = m.recorder.RecordFailoverExhausted(ctx, order, ferr)
			m.fail(ctx, span, out, ferr)
			return
		}

		m.logger.Info("rotating account",
			"from", acc.ID,
			"to", next.ID,
			"code", failure.NormalizedCode,
			"retry_after", failure.RetryAfter())
		m.metrics.FailoverRotation(m.family, failure.NormalizedCode)
		_ = m.recorder.RecordFailoverRotate(accCtx, acc.ID, next.ID, failure.NormalizedCode)
		acc = next
		reason = "failover:" + failure.NormalizedCode
	}
}

// nextAccount walks the router's rotation after the given account until it
// finds one this request has not tried. It stops if the rotation cycles.
func (m *MultiAccount) nextAccount(after string, attempted map[string]bool) (accounts.Account, bool) {
	seen := make(map[string]bool)
	cur := after
	for {
		acc, ok := m.router.NextAvailableAccount(cur, m.family)
		if !ok || seen[acc.ID] {
			return accounts.Account{}, false
		}
		if !attempted[acc.ID] {
			return acc, true
		}
		seen[acc.ID] = true
		cur = acc.ID
	}
}

// attempt proxies one account's stream. forwarded reports whether visible
// text (a delta or an inline error) reached out before the failure; raw
// telemetry alone does not count.
func (m *MultiAccount) attempt(ctx context.Context, acc accounts.Account, prompt string, wctx stream.WorkspaceContext, images []string, out chan<- stream.Event) (forwarded bool, err error) {
	p, err := m.factory(acc)
	if err != nil {
		return false, fmt.Errorf("build provider for %s: %w", acc.ID, err)
	}
	ch, err := p.Send(ctx, prompt, wctx, images)
	if err != nil {
		return false, err
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return forwarded, nil
			}
			if ev.IsTerminal() {
				return forwarded, ev.Err
			}
			if ev.Kind == stream.KindRaw && ev.Type == UsageEventType {
				m.observeUsage(ctx, acc, ev.Payload)
			}
			if !send(ctx, out, ev) {
				return forwarded, ctx.Err()
			}
			if ev.Kind == stream.KindTextDelta || ev.Kind == stream.KindError {
				forwarded = true
			}
		case <-ctx.Done():
			return forwarded, ctx.Err()
		}
	}
}

// observeUsage reports token counts from a usage event. The event itself is
// forwarded unchanged by the caller.
func (m *MultiAccount) observeUsage(ctx context.Context, acc accounts.Account, p stream.Payload) {
	u := usage.Usage{
		InputTokens:      p.Int64("input_tokens", "inputTokens"),
		OutputTokens:     p.Int64("output_tokens", "outputTokens"),
		CacheReadTokens:  p.Int64("cache_read_input_tokens", "cache_read_tokens", "cacheReadTokens"),
		CacheWriteTokens: p.Int64("cache_creation_input_tokens", "cache_write_tokens", "cacheWriteTokens"),
	}
	if u.Total() == 0 {
		return
	}
	model := p.String("model")
	cost := m.pricing.Estimate(m.family, model, &u)

	m.router.MarkUsage(acc.ID, m.family, u.InputTokens, u.OutputTokens, cost)
	m.metrics.RecordTokens(m.family, u.InputTokens, u.OutputTokens)

	if m.usage != nil {
		m.usage.Record(usage.Record{
			Family:    m.family,
			Model:     model,
			AccountID: acc.ID,
			RunID:     observability.GetRunID(ctx),
			Usage:     u,
			Cost:      cost,
		})
		m.usage.Refresh()
	}
}

func (m *MultiAccount) fail(ctx context.Context, span trace.Span, out chan<- stream.Event, err *FailoverError) {
	m.tracer.SetAttributes(span, "attempts", len(err.Attempted), "exhausted", err.Exhausted)
	m.tracer.RecordError(span, err)
	send(ctx, out, stream.Failure(err))
}

func send(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
