package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoEventsYet means the provider produced nothing within the cold-start budget.
	ErrNoEventsYet = errors.New("no events received from provider")

	// ErrStreamStalled means the provider went silent after producing at least one event.
	ErrStreamStalled = errors.New("provider stream stalled")
)

// StallError reports a watchdog timeout. It unwraps to ErrNoEventsYet or
// ErrStreamStalled so callers can tell a dead handshake from a stalled turn.
type StallError struct {
	Cause    error
	Budget   time.Duration
	Received int
}

func (e *StallError) Error() string {
	if e.Received == 0 {
		return fmt.Sprintf("%s within %s", e.Cause, e.Budget)
	}
	return fmt.Sprintf("%s: nothing for %s after %d events", e.Cause, e.Budget, e.Received)
}

func (e *StallError) Unwrap() error {
	return e.Cause
}

// IsStall reports whether err is a watchdog timeout of either flavour.
func IsStall(err error) bool {
	return errors.Is(err, ErrNoEventsYet) || errors.Is(err, ErrStreamStalled)
}

// Watchdog holds the two read budgets. ColdStart covers auth and connection
// handshakes; Inactivity covers think and tool-call gaps once events flow.
// A non-positive budget disables the timer for that phase.
type Watchdog struct {
	ColdStart  time.Duration `yaml:"cold_start"`
	Inactivity time.Duration `yaml:"inactivity"`
}

// DefaultWatchdog returns the production budgets.
func DefaultWatchdog() Watchdog {
	return Watchdog{
		ColdStart:  20 * time.Second,
		Inactivity: 120 * time.Second,
	}
}

// Budget returns the timeout for the next read given how many events arrived.
func (w Watchdog) Budget(received int) time.Duration {
	if received == 0 {
		return w.ColdStart
	}
	return w.Inactivity
}

// Reader consumes one provider stream under a Watchdog. It is not safe for
// concurrent use; a stream has exactly one reader.
type Reader struct {
	events   <-chan Event
	watchdog Watchdog
	received int
}

// NewReader wraps a provider channel.
func NewReader(events <-chan Event, watchdog Watchdog) *Reader {
	return &Reader{events: events, watchdog: watchdog}
}

// Received returns the number of events read so far.
func (r *Reader) Received() int {
	return r.received
}

// Next waits for the next event. It returns ok=false once the channel is
// closed. The read is raced against the watchdog timer and ctx; the timer is
// stopped on every exit path.
func (r *Reader) Next(ctx context.Context) (Event, bool, error) {
	budget := r.watchdog.Budget(r.received)

	var timeout <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ev, ok := <-r.events:
		if !ok {
			return Event{}, false, nil
		}
		r.received++
		return ev, true, nil
	case <-timeout:
		cause := ErrStreamStalled
		if r.received == 0 {
			cause = ErrNoEventsYet
		}
		return Event{}, false, &StallError{Cause: cause, Budget: budget, Received: r.received}
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}
