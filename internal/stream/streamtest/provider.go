// Package streamtest provides scripted providers for exercising the turn
// pipeline without a real backend.
package streamtest

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

// Step is one scripted emission. Delay is waited before Event is sent.
type Step struct {
	Delay time.Duration
	Event stream.Event
}

// Provider replays a fixed script on every Send.
type Provider struct {
	Name    string
	Steps   []Step
	SendErr error

	// Unauthenticated flips IsAuthenticated to false.
	Unauthenticated bool

	// Hold keeps the channel open after the script until ctx is done,
	// simulating a backend that stops talking without hanging up.
	Hold bool

	mu      sync.Mutex
	prompts []string
	wctxs   []stream.WorkspaceContext
}

// Events builds a script with no delays.
func Events(events ...stream.Event) []Step {
	steps := make([]Step, len(events))
	for i, ev := range events {
		steps[i] = Step{Event: ev}
	}
	return steps
}

func (p *Provider) IsAuthenticated() bool {
	return !p.Unauthenticated
}

func (p *Provider) Send(ctx context.Context, prompt string, wctx stream.WorkspaceContext, images []string) (<-chan stream.Event, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.wctxs = append(p.wctxs, wctx)
	p.mu.Unlock()

	if p.SendErr != nil {
		return nil, p.SendErr
	}

	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		for _, step := range p.Steps {
			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			select {
			case ch <- step.Event:
			case <-ctx.Done():
				return
			}
			if step.Event.IsTerminal() {
				return
			}
		}
		if p.Hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Calls returns how many times Send was invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

// Prompts returns the prompts received, in order.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

// Contexts returns the workspace contexts received, in order.
func (p *Provider) Contexts() []stream.WorkspaceContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stream.WorkspaceContext(nil), p.wctxs...)
}

// Drain collects every event from ch until it closes.
func Drain(ch <-chan stream.Event) []stream.Event {
	var out []stream.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
