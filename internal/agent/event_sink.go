package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/coderide/internal/activity"
	"github.com/haasonsaas/coderide/internal/events"
)

// UpdateKind discriminates the Update union.
type UpdateKind string

const (
	// UpdateText carries the growing accumulated text of a sub-turn.
	UpdateText UpdateKind = "text"

	// UpdateEnvelope carries a normalized telemetry envelope.
	UpdateEnvelope UpdateKind = "envelope"

	// UpdateState reports a flow state transition.
	UpdateState UpdateKind = "state"
)

// Update is one progress report from the flow coordinator.
type Update struct {
	Kind UpdateKind `json:"kind"`

	// Phase is the sub-turn that produced the update.
	Phase FlowState `json:"phase"`

	// Text is the full accumulated text of the sub-turn, Delta what was
	// just added to it.
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`

	Envelope *events.Envelope `json:"envelope,omitempty"`

	// State is the new flow state for UpdateState.
	State FlowState `json:"state,omitempty"`
}

// Sink receives coordinator updates during a turn.
// Implementations should be non-blocking or handle backpressure gracefully.
type Sink interface {
	// Emit sends an update to the sink.
	// Implementations must be safe to call from multiple goroutines.
	Emit(ctx context.Context, u Update)
}

// MultiSink fans out updates to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that dispatches updates to multiple sinks.
// Nil sinks are filtered out.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the update to all sinks in order.
func (s *MultiSink) Emit(ctx context.Context, u Update) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, u)
	}
}

// CallbackSink wraps a function as a Sink.
type CallbackSink struct {
	fn func(ctx context.Context, u Update)
}

// NewCallbackSink creates a sink that calls fn for each update.
func NewCallbackSink(fn func(ctx context.Context, u Update)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, u Update) {
	if s.fn != nil {
		s.fn(ctx, u)
	}
}

// NopSink discards all updates.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, u Update) {}

// BoardSink feeds the task activities of every envelope into a live board.
type BoardSink struct {
	board *activity.Board
}

// NewBoardSink creates a sink backed by board.
func NewBoardSink(board *activity.Board) *BoardSink {
	return &BoardSink{board: board}
}

// Emit appends envelope activities; other updates are ignored.
func (s *BoardSink) Emit(ctx context.Context, u Update) {
	if s.board == nil || u.Kind != UpdateEnvelope || u.Envelope == nil {
		return
	}
	s.board.AppendAll(u.Envelope.Activities())
}

// BackpressureConfig configures the backpressure sink buffer sizes.
type BackpressureConfig struct {
	// HighPriBuffer is the buffer size for state and envelope updates.
	// Default: 32.
	HighPriBuffer int

	// LowPriBuffer is the buffer size for text updates.
	// Default: 256.
	LowPriBuffer int
}

// DefaultBackpressureConfig returns the default buffer sizes.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		HighPriBuffer: 32,
		LowPriBuffer:  256,
	}
}

// BackpressureSink implements two-lane backpressure for slow consumers.
// State and envelope updates are never dropped. Text updates are dropped when
// their buffer is full; each one carries the full accumulated text, so a
// consumer only loses intermediate renderings.
type BackpressureSink struct {
	highPri chan Update
	lowPri  chan Update
	merged  chan Update
	done    chan struct{}

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewBackpressureSink creates a backpressure-aware sink and its merged output
// channel, which the caller must consume.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan Update) {
	def := DefaultBackpressureConfig()
	if config.HighPriBuffer <= 0 {
		config.HighPriBuffer = def.HighPriBuffer
	}
	if config.LowPriBuffer <= 0 {
		config.LowPriBuffer = def.LowPriBuffer
	}

	s := &BackpressureSink{
		highPri: make(chan Update, config.HighPriBuffer),
		lowPri:  make(chan Update, config.LowPriBuffer),
		merged:  make(chan Update, config.HighPriBuffer),
		done:    make(chan struct{}),
	}
	go s.mergeLoop()
	return s, s.merged
}

// mergeLoop forwards both lanes, preferring high-priority updates. The lanes
// are never closed; after Close it forwards what is buffered and stops.
func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)

	for {
		select {
		case u := <-s.highPri:
			s.merged <- u
			continue
		default:
		}

		select {
		case u := <-s.highPri:
			s.merged <- u
		case u := <-s.lowPri:
			s.merged <- u
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *BackpressureSink) drain() {
	for {
		select {
		case u := <-s.highPri:
			s.merged <- u
			continue
		default:
		}
		select {
		case u := <-s.lowPri:
			s.merged <- u
		default:
			return
		}
	}
}

// Emit sends an update through the appropriate lane. It returns immediately
// once the sink is closed.
func (s *BackpressureSink) Emit(ctx context.Context, u Update) {
	select {
	case <-s.done:
		return
	default:
	}
	if u.Kind == UpdateText {
		select {
		case s.lowPri <- u:
		default:
			s.dropped.Add(1)
		}
		return
	}

	select {
	case s.highPri <- u:
	case <-s.done:
	case <-ctx.Done():
		// Terminal state updates are often emitted after cancellation.
		select {
		case s.highPri <- u:
		default:
			s.dropped.Add(1)
		}
	}
}

// DroppedCount returns the number of updates dropped due to backpressure.
func (s *BackpressureSink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close stops the sink. The merged channel closes once the buffered updates
// have been forwarded. Close is safe to call concurrently with Emit.
func (s *BackpressureSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
