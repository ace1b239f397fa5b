package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/coderide/internal/events"
	"github.com/haasonsaas/coderide/internal/observability"
	"github.com/haasonsaas/coderide/internal/stream"
)

// FlowState is the coordinator's turn state.
type FlowState string

const (
	FlowIdle           FlowState = "idle"
	FlowStreaming      FlowState = "streaming"
	FlowDelegatedSwarm FlowState = "delegated_swarm"
	FlowFollowUp       FlowState = "follow_up"
	FlowCompleted      FlowState = "completed"
	FlowError          FlowState = "error"
	FlowInterrupted    FlowState = "interrupted"
)

// IsTerminal reports whether the state ends a turn.
func (s FlowState) IsTerminal() bool {
	switch s {
	case FlowCompleted, FlowError, FlowInterrupted:
		return true
	}
	return false
}

// InProgress reports whether a sub-turn is running.
func (s FlowState) InProgress() bool {
	switch s {
	case FlowStreaming, FlowDelegatedSwarm, FlowFollowUp:
		return true
	}
	return false
}

const (
	// SwarmInvokeType is the in-band control event asking the coordinator to
	// delegate a task to a swarm once the current stream finishes.
	SwarmInvokeType = "coderide_invoke_swarm"

	// SwarmModeKey is the workspace metadata key carrying "full" or "lite"
	// to the swarm provider.
	SwarmModeKey = "swarm_mode"

	// errorMarker prefixes inline error text in accumulated output.
	errorMarker = "\n\n⚠️ "
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Watchdog bounds every read. The zero value means stream.DefaultWatchdog.
	Watchdog stream.Watchdog

	// Source names the provider in normalized envelopes.
	Source string

	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Recorder *observability.EventRecorder

	// Now stamps normalized events. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator drives one conversation's turns: a primary stream, an optional
// delegated swarm run and an optional follow-up, strictly in sequence.
// Progress is reported through a Sink; state is observable.
type Coordinator struct {
	watchdog   stream.Watchdog
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	recorder   *observability.EventRecorder
	now        func() time.Time
	normalizer *events.Normalizer
	state      *Observable[FlowState]
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Watchdog == (stream.Watchdog{}) {
		cfg.Watchdog = stream.DefaultWatchdog()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		watchdog:   cfg.Watchdog,
		logger:     logger.With("component", "flow"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		recorder:   cfg.Recorder,
		now:        cfg.Now,
		normalizer: &events.Normalizer{Source: cfg.Source},
		state:      NewObservable(FlowIdle),
	}
}

// State returns the current flow state.
func (c *Coordinator) State() FlowState {
	return c.state.Get()
}

// Watch streams state snapshots until ctx is done.
func (c *Coordinator) Watch(ctx context.Context) <-chan FlowState {
	return c.state.Watch(ctx)
}

// Subscribe registers fn for state changes.
func (c *Coordinator) Subscribe(fn func(FlowState)) (unsubscribe func()) {
	return c.state.Subscribe(fn)
}

// Interrupt moves any non-terminal state to interrupted. It does not stop the
// underlying stream; callers cancel the context they passed in.
func (c *Coordinator) Interrupt() bool {
	_, changed := c.state.Update(func(cur FlowState) (FlowState, bool) {
		return FlowInterrupted, !cur.IsTerminal()
	})
	if changed {
		c.logger.Info("turn interrupted")
	}
	return changed
}

// Reset returns the coordinator to idle.
func (c *Coordinator) Reset() {
	c.state.Set(FlowIdle)
	c.normalizer.Reset()
}

// begin enters a sub-turn. It refuses while another sub-turn is running.
func (c *Coordinator) begin(ctx context.Context, to FlowState, sink Sink) error {
	_, ok := c.state.Update(func(cur FlowState) (FlowState, bool) {
		return to, !cur.InProgress()
	})
	if !ok {
		return ErrTurnInProgress
	}
	sink.Emit(ctx, Update{Kind: UpdateState, Phase: to, State: to})
	return nil
}

// advance moves from one state to the next only if nothing else, such as an
// interrupt, changed the state meanwhile.
func (c *Coordinator) advance(ctx context.Context, from, to FlowState, sink Sink) bool {
	_, ok := c.state.Update(func(cur FlowState) (FlowState, bool) {
		return to, cur == from
	})
	if ok {
		sink.Emit(ctx, Update{Kind: UpdateState, Phase: from, State: to})
	}
	return ok
}

// StreamResult is the outcome of a primary stream.
type StreamResult struct {
	// Text is everything the stream produced, including inline error markers.
	Text string

	// PendingSwarmTask is set when the stream asked for delegation.
	PendingSwarmTask string
}

// RunStream consumes one provider stream under the watchdog. Partial text is
// returned alongside any error.
func (c *Coordinator) RunStream(ctx context.Context, p stream.Provider, prompt string, wctx stream.WorkspaceContext, images []string, sink Sink) (StreamResult, error) {
	if p == nil {
		return StreamResult{}, ErrNoProvider
	}
	if sink == nil {
		sink = NopSink{}
	}
	if err := c.begin(ctx, FlowStreaming, sink); err != nil {
		return StreamResult{}, err
	}

	text, pending, err := c.consume(ctx, FlowStreaming, p, prompt, wctx, images, sink)
	res := StreamResult{Text: text, PendingSwarmTask: pending}
	if err != nil {
		return res, c.failed(ctx, FlowStreaming, err, sink)
	}
	if !c.advance(ctx, FlowStreaming, FlowCompleted, sink) {
		return res, &TurnError{Phase: FlowStreaming, Cause: ErrInterrupted}
	}
	return res, nil
}

// DelegationRequest describes a swarm delegation and its optional follow-up.
type DelegationRequest struct {
	Task     string
	Swarm    stream.Provider
	FollowUp stream.Provider

	// OriginalPrompt is the user prompt of the primary stream.
	OriginalPrompt string
	Context        stream.WorkspaceContext

	// SwarmFull selects the full swarm over the lite one.
	SwarmFull bool
}

// SwarmResult is the outcome of a delegated run.
type SwarmResult struct {
	SwarmText    string
	FollowUpText string
}

// RunDelegatedSwarm runs the swarm to completion and then, when a follow-up
// provider is configured, a follow-up turn built from the swarm's output.
func (c *Coordinator) RunDelegatedSwarm(ctx context.Context, req DelegationRequest, sink Sink) (SwarmResult, error) {
	if req.Swarm == nil {
		return SwarmResult{}, ErrNoProvider
	}
	if strings.TrimSpace(req.Task) == "" {
		return SwarmResult{}, errors.New("delegation task is empty")
	}
	if sink == nil {
		sink = NopSink{}
	}
	if err := c.begin(ctx, FlowDelegatedSwarm, sink); err != nil {
		return SwarmResult{}, err
	}

	ctx, span := c.tracer.TraceSwarm(ctx, req.Task, req.SwarmFull)
	defer span.End()

	mode := "lite"
	if req.SwarmFull {
		mode = "full"
	}
	c.logger.Info("delegating to swarm", "mode", mode, "follow_up", req.FollowUp != nil)
	_ = c.recorder.RecordSwarmDelegate(ctx, req.Task, mode)

	var res SwarmResult
	text, _, err := c.consume(ctx, FlowDelegatedSwarm, req.Swarm, req.Task, req.Context.With(SwarmModeKey, mode), nil, sink)
	res.SwarmText = text
	_ = c.recorder.RecordSwarmEnd(ctx, err)
	if err != nil {
		c.tracer.RecordError(span, err)
		return res, c.failed(ctx, FlowDelegatedSwarm, err, sink)
	}

	if req.FollowUp == nil {
		if !c.advance(ctx, FlowDelegatedSwarm, FlowCompleted, sink) {
			return res, &TurnError{Phase: FlowDelegatedSwarm, Cause: ErrInterrupted}
		}
		return res, nil
	}
	if !c.advance(ctx, FlowDelegatedSwarm, FlowFollowUp, sink) {
		return res, &TurnError{Phase: FlowDelegatedSwarm, Cause: ErrInterrupted}
	}

	prompt := FollowUpPrompt(req.OriginalPrompt, req.Task, res.SwarmText)
	text, _, err = c.consume(ctx, FlowFollowUp, req.FollowUp, prompt, req.Context, nil, sink)
	res.FollowUpText = text
	if err != nil {
		c.tracer.RecordError(span, err)
		return res, c.failed(ctx, FlowFollowUp, err, sink)
	}
	if !c.advance(ctx, FlowFollowUp, FlowCompleted, sink) {
		return res, &TurnError{Phase: FlowFollowUp, Cause: ErrInterrupted}
	}
	return res, nil
}

// FollowUpPrompt builds the prompt that hands a swarm's output back to the
// primary backend.
func FollowUpPrompt(original, task, swarmOutput string) string {
	var sb strings.Builder
	sb.WriteString("## Original Request\n")
	sb.WriteString(strings.TrimSpace(original))
	sb.WriteString("\n\n## Delegated Task\n")
	sb.WriteString(strings.TrimSpace(task))
	sb.WriteString("\n\n## Swarm Output\n")
	sb.WriteString(strings.TrimSpace(swarmOutput))
	sb.WriteString("\n\nReview the swarm output above, verify it addresses the delegated task, and continue the original request.")
	return sb.String()
}

// TurnRequest is a complete turn: a primary stream plus optional delegation
// targets.
type TurnRequest struct {
	Provider stream.Provider
	Prompt   string
	Context  stream.WorkspaceContext
	Images   []string

	// Swarm serves delegations requested by the primary stream. Without it
	// a delegation request is reported but not acted on.
	Swarm     stream.Provider
	FollowUp  stream.Provider
	SwarmFull bool

	// Family labels traces and metrics.
	Family string
}

// TurnResult collects the text of every sub-turn that ran.
type TurnResult struct {
	RunID string
	StreamResult
	SwarmResult

	State    FlowState
	Duration time.Duration
}

// RunTurn runs the primary stream and, when it asks for delegation and a
// swarm provider is configured, the delegated swarm.
func (c *Coordinator) RunTurn(ctx context.Context, req TurnRequest, sink Sink) (TurnResult, error) {
	runID := uuid.NewString()
	ctx = observability.AddRunID(ctx, runID)
	if req.Family != "" {
		ctx = observability.AddFamily(ctx, req.Family)
	}
	ctx, span := c.tracer.TraceTurn(ctx, req.Family, runID)
	defer span.End()

	start := time.Now()
	_ = c.recorder.RecordRunStart(ctx, map[string]any{
		"family":    req.Family,
		"has_swarm": req.Swarm != nil,
	})

	res := TurnResult{RunID: runID}
	var err error
	res.StreamResult, err = c.RunStream(ctx, req.Provider, req.Prompt, req.Context, req.Images, sink)
	if err == nil && res.PendingSwarmTask != "" {
		if req.Swarm == nil {
			c.logger.Warn("swarm delegation requested without a swarm provider", "run_id", runID)
		} else {
			res.SwarmResult, err = c.RunDelegatedSwarm(ctx, DelegationRequest{
				Task:           res.PendingSwarmTask,
				Swarm:          req.Swarm,
				FollowUp:       req.FollowUp,
				OriginalPrompt: req.Prompt,
				Context:        req.Context,
				SwarmFull:      req.SwarmFull,
			}, sink)
		}
	}

	res.State = c.State()
	res.Duration = time.Since(start)
	outcome := string(res.State)
	if err != nil && !res.State.IsTerminal() {
		outcome = string(FlowError)
	}
	c.metrics.TurnCompleted(outcome, res.Duration.Seconds())
	_ = c.recorder.RecordRunEnd(ctx, res.Duration, outcome, err)
	c.tracer.SetAttributes(span, "outcome", outcome, "delegated", res.PendingSwarmTask != "")
	c.tracer.RecordError(span, err)
	return res, err
}

// failed records a sub-turn failure. An interrupt that already ended the turn
// is left in place.
func (c *Coordinator) failed(ctx context.Context, phase FlowState, err error, sink Sink) error {
	if c.State() == FlowInterrupted {
		return &TurnError{Phase: phase, Cause: errors.Join(ErrInterrupted, err)}
	}
	c.advance(ctx, phase, FlowError, sink)
	return &TurnError{Phase: phase, Cause: err}
}

// consume reads one stream to its end. Text deltas and inline errors
// accumulate, raw telemetry is normalized and reported, and a swarm
// invocation is captured rather than displayed. On failure the accumulated
// text carries an error marker and is still returned.
func (c *Coordinator) consume(ctx context.Context, phase FlowState, p stream.Provider, prompt string, wctx stream.WorkspaceContext, images []string, sink Sink) (string, string, error) {
	var text strings.Builder
	var pending string

	appendText := func(delta string) {
		text.WriteString(delta)
		sink.Emit(ctx, Update{Kind: UpdateText, Phase: phase, Text: text.String(), Delta: delta})
	}
	fail := func(err error) (string, string, error) {
		if c.State() != FlowInterrupted {
			appendText(errorMarker + err.Error())
		}
		return text.String(), pending, err
	}

	ch, err := p.Send(ctx, prompt, wctx, images)
	if err != nil {
		c.logger.Warn("provider send failed", "phase", phase, "error", err)
		return fail(err)
	}

	reader := stream.NewReader(ch, c.watchdog)
	for {
		ev, ok, err := reader.Next(ctx)
		if err != nil {
			c.observeReadError(ctx, phase, reader.Received(), err)
			return fail(err)
		}
		if !ok {
			return text.String(), pending, nil
		}

		switch ev.Kind {
		case stream.KindTextDelta:
			appendText(ev.Text)
		case stream.KindError:
			if ev.IsTerminal() {
				c.logger.Warn("stream failed", "phase", phase, "received", reader.Received(), "error", ev.Err)
				return fail(ev.Err)
			}
			appendText(errorMarker + ev.Message)
		case stream.KindRaw:
			if ev.Type == SwarmInvokeType {
				if task := ev.Payload.String("task"); task != "" && pending == "" {
					pending = task
					c.logger.Info("swarm delegation requested", "phase", phase)
				}
				continue
			}
			env := c.normalizer.Envelope(ev.Type, ev.Payload, c.now())
			c.metrics.ActivityEvent(string(env.Kind))
			sink.Emit(ctx, Update{Kind: UpdateEnvelope, Phase: phase, Envelope: &env})
		}
	}
}

func (c *Coordinator) observeReadError(ctx context.Context, phase FlowState, received int, err error) {
	if !stream.IsStall(err) {
		return
	}
	kind := "stalled"
	if errors.Is(err, stream.ErrNoEventsYet) {
		kind = "no_events"
	}
	c.metrics.StreamStalled(kind)
	_ = c.recorder.RecordStall(ctx, kind, err)
	c.logger.Warn("stream watchdog fired", "phase", phase, "kind", kind, "received", received, "error", err)
}
