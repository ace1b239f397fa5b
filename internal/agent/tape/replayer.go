package tape

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

// ErrTapeExhausted indicates the tape has no more turns to replay.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// ReplayMode controls how strictly the replayer matches requests.
type ReplayMode int

const (
	// ReplayLoose ignores request differences and just returns recorded streams
	ReplayLoose ReplayMode = iota

	// ReplayStrict records a Mismatch whenever a request differs from the recording
	ReplayStrict
)

// Replayer serves a recorded tape as a stream.Provider, one turn per Send.
type Replayer struct {
	tape  *Tape
	mode  ReplayMode
	paced bool

	mu         sync.Mutex
	turnIdx    int
	mismatches []Mismatch
}

// Mismatch records a difference between expected and actual values.
type Mismatch struct {
	TurnIndex int    `json:"turn_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// NewReplayer creates a replayer from a tape.
func NewReplayer(tape *Tape) *Replayer {
	return &Replayer{tape: tape.Clone(), mode: ReplayLoose}
}

// WithMode sets the replay mode.
func (r *Replayer) WithMode(mode ReplayMode) *Replayer {
	r.mode = mode
	return r
}

// WithPacing replays entries at their recorded offsets instead of at once.
func (r *Replayer) WithPacing(paced bool) *Replayer {
	r.paced = paced
	return r
}

// IsAuthenticated implements stream.Provider.
func (r *Replayer) IsAuthenticated() bool {
	return true
}

// Send implements stream.Provider. Turns recorded with a failed Send fail the
// same way; other turns replay their entries and close.
func (r *Replayer) Send(ctx context.Context, prompt string, wctx stream.WorkspaceContext, images []string) (<-chan stream.Event, error) {
	r.mu.Lock()
	if r.turnIdx >= len(r.tape.Turns) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	turn := r.tape.Turns[r.turnIdx]
	r.turnIdx++
	if r.mode == ReplayStrict {
		r.checkMismatches(turn, prompt, wctx)
	}
	r.mu.Unlock()

	if len(turn.Entries) == 0 && turn.Error != "" {
		return nil, errors.New(turn.Error)
	}

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		var elapsed time.Duration
		for _, entry := range turn.Entries {
			if r.paced && entry.Offset > elapsed {
				timer := time.NewTimer(entry.Offset - elapsed)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
				elapsed = entry.Offset
			}
			ev := entry.Event()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}

// checkMismatches compares a request with the recording. Callers hold r.mu.
func (r *Replayer) checkMismatches(turn Turn, prompt string, wctx stream.WorkspaceContext) {
	add := func(field, expected, actual string) {
		if expected != actual {
			r.mismatches = append(r.mismatches, Mismatch{
				TurnIndex: turn.Index,
				Field:     field,
				Expected:  expected,
				Actual:    actual,
			})
		}
	}
	add("prompt", turn.Prompt, prompt)
	add("root_path", turn.Context.RootPath, wctx.RootPath)
	add("active_file", turn.Context.ActiveFile, wctx.ActiveFile)
	for key, want := range turn.Context.Metadata {
		add("metadata."+key, want, wctx.Metadata[key])
	}
}

// Mismatches returns any recorded mismatches from strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch{}, r.mismatches...)
}

// Reset resets the replayer to the beginning.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnIdx = 0
	r.mismatches = nil
}

// CurrentTurn returns the index of the next turn to replay.
func (r *Replayer) CurrentTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnIdx
}
