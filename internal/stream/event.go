// Package stream defines the streaming contract between AI backends and the
// turn pipeline: the Provider interface, the Event union it emits, typed
// accessors for raw telemetry payloads, and the watchdog reader used to
// consume a stream without hanging on a silent backend.
package stream

import (
	"context"
	"maps"
)

// Kind discriminates the Event union.
type Kind string

const (
	// KindTextDelta carries an incremental chunk of assistant text.
	KindTextDelta Kind = "text_delta"

	// KindRaw carries backend telemetry as a type plus an open string map.
	KindRaw Kind = "raw"

	// KindError carries an inline, non-terminal error message.
	KindError Kind = "error"
)

// Event is a single item of a provider stream.
//
// Exactly one of the variants is populated according to Kind. A terminal
// failure is delivered as a final event with Err set; the producer closes the
// channel right after it.
type Event struct {
	Kind Kind `json:"kind"`

	// Text is the delta for KindTextDelta.
	Text string `json:"text,omitempty"`

	// Type and Payload are set for KindRaw.
	Type    string  `json:"type,omitempty"`
	Payload Payload `json:"payload,omitempty"`

	// Message is the inline error for KindError.
	Message string `json:"message,omitempty"`

	// Err terminates the stream when non-nil.
	Err error `json:"-"`
}

// TextDelta builds a text delta event.
func TextDelta(text string) Event {
	return Event{Kind: KindTextDelta, Text: text}
}

// Raw builds a raw telemetry event.
func Raw(eventType string, payload Payload) Event {
	return Event{Kind: KindRaw, Type: eventType, Payload: payload}
}

// ErrorMessage builds an inline error event.
func ErrorMessage(message string) Event {
	return Event{Kind: KindError, Message: message}
}

// Failure builds the terminal event for a failed stream.
func Failure(err error) Event {
	return Event{Kind: KindError, Message: err.Error(), Err: err}
}

// IsTerminal reports whether the event ends the stream with a failure.
func (e Event) IsTerminal() bool {
	return e.Err != nil
}

// WorkspaceContext describes the editor state a prompt was issued from.
type WorkspaceContext struct {
	RootPath     string            `json:"root_path,omitempty"`
	ActiveFile   string            `json:"active_file,omitempty"`
	SelectedText string            `json:"selected_text,omitempty"`
	OpenFiles    []string          `json:"open_files,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// With returns a copy of the context with an extra metadata entry.
func (w WorkspaceContext) With(key, value string) WorkspaceContext {
	out := w
	out.Metadata = make(map[string]string, len(w.Metadata)+1)
	maps.Copy(out.Metadata, w.Metadata)
	out.Metadata[key] = value
	return out
}

// Provider is the narrow contract the core needs from a backend adapter.
//
// Send either fails up front or returns a channel of events in emission
// order. The channel is closed when the stream ends; a failure mid-stream is
// reported as a final event with Err set. Implementations must stop producing
// when ctx is cancelled.
type Provider interface {
	// IsAuthenticated reports whether the provider currently holds valid credentials.
	IsAuthenticated() bool

	// Send starts a streaming request.
	Send(ctx context.Context, prompt string, wctx WorkspaceContext, images []string) (<-chan Event, error)
}
