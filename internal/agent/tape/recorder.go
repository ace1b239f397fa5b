package tape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

// Recorder wraps a provider and records every stream it returns. It
// implements stream.Provider, so it can stand in wherever the wrapped
// provider was used.
type Recorder struct {
	provider stream.Provider
	source   string
	now      func() time.Time

	mu   sync.Mutex
	tape *Tape
	enc  *Encoder
}

// NewRecorder creates a recorder wrapping provider. source names the
// provider in recorded entries.
func NewRecorder(provider stream.Provider, source string) *Recorder {
	return &Recorder{
		provider: provider,
		source:   source,
		now:      time.Now,
		tape:     NewTape(source),
	}
}

// WithEncoder also streams every entry to enc as it is received.
func (r *Recorder) WithEncoder(enc *Encoder) *Recorder {
	r.mu.Lock()
	r.enc = enc
	r.mu.Unlock()
	return r
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// IsAuthenticated implements stream.Provider.
func (r *Recorder) IsAuthenticated() bool {
	return r.provider.IsAuthenticated()
}

// Send implements stream.Provider, recording the stream. The turn is added
// to the tape before the returned channel closes. A failed Send is recorded
// as a turn with no entries.
func (r *Recorder) Send(ctx context.Context, prompt string, wctx stream.WorkspaceContext, images []string) (<-chan stream.Event, error) {
	start := r.now()
	turn := Turn{Prompt: prompt, Context: wctx}

	upstream, err := r.provider.Send(ctx, prompt, wctx, images)
	if err != nil {
		turn.Error = err.Error()
		r.addTurn(turn)
		return nil, err
	}

	out := make(chan stream.Event)
	go func() {
		defer close(out)

		var text strings.Builder
		defer func() {
			turn.Text = text.String()
			turn.Duration = r.now().Sub(start)
			r.addTurn(turn)
		}()

		for ev := range upstream {
			now := r.now()
			entry := EntryFromEvent(ev, now.Sub(start), now)
			turn.Entries = append(turn.Entries, entry)
			r.stream(entry)

			switch {
			case ev.IsTerminal():
				turn.Error = ev.Message
			case ev.Kind == stream.KindTextDelta:
				text.WriteString(ev.Text)
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Recorder) addTurn(turn Turn) {
	r.mu.Lock()
	r.tape.AddTurn(turn)
	r.mu.Unlock()
}

func (r *Recorder) stream(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return
	}
	e.Source = r.source
	_ = r.enc.Encode(e)
}

// Tape returns a copy of the recorded tape.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// Reset clears the recording and starts fresh.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tape = NewTape(r.source)
}
