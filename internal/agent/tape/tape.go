// Package tape records provider streams and replays them. A recorded tape
// lets the turn pipeline and the live aggregator be exercised without a real
// backend, and its JSONL form is what "coderide replay" reads.
package tape

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
)

// Version is the current tape format version.
const Version = "1.0"

// Tape records every stream a provider produced.
type Tape struct {
	// Version of the tape format
	Version string `json:"version"`

	// CreatedAt is when the tape was recorded
	CreatedAt time.Time `json:"created_at"`

	// Source is the provider id the streams came from
	Source string `json:"source,omitempty"`

	// Turns holds one entry per Send
	Turns []Turn `json:"turns"`

	// Metadata holds arbitrary metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Turn is one recorded Send and the stream it returned.
type Turn struct {
	// Index is the 0-based turn number
	Index int `json:"index"`

	Prompt  string                  `json:"prompt"`
	Context stream.WorkspaceContext `json:"context,omitzero"`

	// Entries are the stream events in emission order
	Entries []Entry `json:"entries"`

	// Text is the accumulated text response
	Text string `json:"text,omitempty"`

	// Error is the terminal failure, if the stream failed
	Error string `json:"error,omitempty"`

	// Duration is how long the stream stayed open
	Duration time.Duration `json:"duration"`
}

// Entry is one stream event as stored on a tape. It is also the line format
// of a JSONL event log:
//
//	{"source":"claude","type":"agent_started","payload":{"swarm_id":"s1"},"ts":"2026-03-01T10:00:00Z"}
//
// A line without a kind is a raw event.
type Entry struct {
	Source    string         `json:"source,omitempty"`
	Kind      stream.Kind    `json:"kind,omitempty"`
	Type      string         `json:"type,omitempty"`
	Payload   stream.Payload `json:"payload,omitempty"`
	Text      string         `json:"text,omitempty"`
	Message   string         `json:"message,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
	Offset    time.Duration  `json:"offset,omitempty"`
	Timestamp time.Time      `json:"ts,omitzero"`
}

// EntryFromEvent captures ev as received offset into the stream.
func EntryFromEvent(ev stream.Event, offset time.Duration, ts time.Time) Entry {
	return Entry{
		Kind:      ev.Kind,
		Type:      ev.Type,
		Payload:   ev.Payload.Clone(),
		Text:      ev.Text,
		Message:   ev.Message,
		Failed:    ev.IsTerminal(),
		Offset:    offset,
		Timestamp: ts,
	}
}

// Event rebuilds the stream event.
func (e Entry) Event() stream.Event {
	switch e.Kind {
	case stream.KindTextDelta:
		return stream.TextDelta(e.Text)
	case stream.KindError:
		if e.Failed {
			return stream.Failure(errors.New(e.Message))
		}
		return stream.ErrorMessage(e.Message)
	default:
		return stream.Raw(e.Type, e.Payload.Clone())
	}
}

// IsRaw reports whether the entry carries backend telemetry.
func (e Entry) IsRaw() bool {
	return (e.Kind == "" || e.Kind == stream.KindRaw) && e.Type != ""
}

// UnmarshalJSON accepts payload values of any JSON type. Arrays are joined
// into comma separated lists, objects are kept as JSON text.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	aux := struct {
		*plain
		Payload map[string]any `json:"payload"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Payload = nil
	if aux.Payload != nil {
		e.Payload = make(stream.Payload, len(aux.Payload))
		for k, v := range aux.Payload {
			e.Payload[k] = flatten(v)
		}
	}
	return nil
}

func flatten(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, flatten(item))
		}
		return strings.Join(parts, ",")
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(data)
	}
}

// NewTape creates a new empty tape.
func NewTape(source string) *Tape {
	return &Tape{
		Version:   Version,
		CreatedAt: time.Now(),
		Source:    source,
		Turns:     []Turn{},
		Metadata:  make(map[string]string),
	}
}

// AddTurn appends a turn, numbering it.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// GetTurn returns the turn at the given index.
func (t *Tape) GetTurn(index int) (*Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return nil, false
	}
	return &t.Turns[index], true
}

// TotalTurns returns the number of turns in the tape.
func (t *Tape) TotalTurns() int {
	return len(t.Turns)
}

// Marshal serializes the tape to JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal deserializes a tape from JSON.
func Unmarshal(data []byte) (*Tape, error) {
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, err
	}
	if tape.Version != "" && tape.Version != Version {
		return nil, fmt.Errorf("unsupported tape version %q", tape.Version)
	}
	return &tape, nil
}

// Clone creates a deep copy of the tape.
func (t *Tape) Clone() *Tape {
	clone := *t
	clone.Metadata = maps.Clone(t.Metadata)
	clone.Turns = make([]Turn, len(t.Turns))
	for i, turn := range t.Turns {
		turn.Entries = append([]Entry(nil), turn.Entries...)
		clone.Turns[i] = turn
	}
	return &clone
}

// WriteJSONL writes every entry of every turn as one JSON line, stamped with
// the tape source.
func (t *Tape) WriteJSONL(w io.Writer) error {
	enc := NewEncoder(w)
	for _, turn := range t.Turns {
		for _, e := range turn.Entries {
			if e.Source == "" {
				e.Source = t.Source
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Summary returns a brief summary of the tape contents.
func (t *Tape) Summary() TapeSummary {
	s := TapeSummary{
		Version:   t.Version,
		CreatedAt: t.CreatedAt,
		Source:    t.Source,
		TurnCount: len(t.Turns),
	}
	for _, turn := range t.Turns {
		s.TotalEntries += len(turn.Entries)
		s.TotalTextLen += len(turn.Text)
		if turn.Error != "" {
			s.FailedTurns++
		}
	}
	return s
}

// TapeSummary is a brief overview of a tape.
type TapeSummary struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Source       string    `json:"source,omitempty"`
	TurnCount    int       `json:"turn_count"`
	FailedTurns  int       `json:"failed_turns"`
	TotalEntries int       `json:"total_entries"`
	TotalTextLen int       `json:"total_text_len"`
}

// Encoder writes entries as JSON lines.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one entry followed by a newline.
func (e *Encoder) Encode(entry Entry) error {
	return e.enc.Encode(entry)
}

// Decoder reads entries from JSON lines, skipping blank lines.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next entry, or io.EOF when the input is exhausted.
func (d *Decoder) Next() (Entry, error) {
	for d.scanner.Scan() {
		d.line++
		raw := strings.TrimSpace(d.scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return Entry{}, fmt.Errorf("line %d: %w", d.line, err)
		}
		return e, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

// Line returns the number of the last line read.
func (d *Decoder) Line() int {
	return d.line
}
