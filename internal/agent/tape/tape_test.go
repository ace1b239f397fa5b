package tape

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/coderide/internal/stream"
	"github.com/haasonsaas/coderide/internal/stream/streamtest"
)

func TestTape_AddTurn(t *testing.T) {
	tape := NewTape("claude")
	if tape.Version != Version || tape.TotalTurns() != 0 {
		t.Fatalf("new tape = %+v", tape)
	}

	tape.AddTurn(Turn{Index: 7, Text: "Hello"})
	tape.AddTurn(Turn{Error: "boom"})

	turn, ok := tape.GetTurn(1)
	if !ok || turn.Index != 1 || turn.Error != "boom" {
		t.Errorf("GetTurn(1) = %+v, %v", turn, ok)
	}
	if _, ok := tape.GetTurn(2); ok {
		t.Error("GetTurn(2) should be out of range")
	}
	if s := tape.Summary(); s.TurnCount != 2 || s.FailedTurns != 1 || s.TotalTextLen != 5 {
		t.Errorf("Summary() = %+v", s)
	}
}

func TestTape_MarshalRoundTripAndClone(t *testing.T) {
	tape := NewTape("claude")
	tape.Metadata["run"] = "r1"
	tape.AddTurn(Turn{
		Prompt:  "fix it",
		Entries: []Entry{EntryFromEvent(stream.Raw("file_read", stream.Payload{"path": "a.go"}), time.Millisecond, time.Time{})},
	})

	data, err := tape.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Turns[0].Entries[0].Payload["path"] != "a.go" || got.Metadata["run"] != "r1" {
		t.Errorf("round trip = %+v", got)
	}

	clone := tape.Clone()
	clone.Metadata["run"] = "changed"
	clone.Turns[0].Entries[0].Type = "changed"
	if tape.Metadata["run"] != "r1" || tape.Turns[0].Entries[0].Type != "file_read" {
		t.Error("Clone shares state with the original")
	}

	if _, err := Unmarshal([]byte(`{"version":"9"}`)); err == nil {
		t.Error("Unmarshal accepted an unknown version")
	}
}

func TestEntry_Event(t *testing.T) {
	tests := []struct {
		name string
		ev   stream.Event
	}{
		{"text", stream.TextDelta("hi")},
		{"raw", stream.Raw("todo_update", stream.Payload{"todos": "a,b"})},
		{"inline error", stream.ErrorMessage("slow down")},
		{"terminal", stream.Failure(errors.New("connection reset"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EntryFromEvent(tt.ev, 0, time.Time{}).Event()
			if got.Kind != tt.ev.Kind || got.Text != tt.ev.Text || got.Type != tt.ev.Type ||
				got.Message != tt.ev.Message || got.IsTerminal() != tt.ev.IsTerminal() {
				t.Errorf("Event() = %+v, want %+v", got, tt.ev)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	input := `{"source":"claude","type":"grep","payload":{"query":"x","count":3,"files":["a.go","b.go"],"ok":true},"ts":"2026-03-01T10:00:00Z"}

{"kind":"text_delta","text":"hello"}
{broken}
`
	dec := NewDecoder(strings.NewReader(input))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !first.IsRaw() || first.Source != "claude" || first.Timestamp.IsZero() {
		t.Errorf("first = %+v", first)
	}
	wantPayload := map[string]string{"query": "x", "count": "3", "files": "a.go,b.go", "ok": "true"}
	for k, v := range wantPayload {
		if first.Payload[k] != v {
			t.Errorf("payload[%q] = %q, want %q", k, first.Payload[k], v)
		}
	}

	second, err := dec.Next()
	if err != nil || second.IsRaw() || second.Event().Text != "hello" || dec.Line() != 3 {
		t.Errorf("second = %+v, line %d, err %v", second, dec.Line(), err)
	}

	if _, err := dec.Next(); err == nil || !strings.Contains(err.Error(), "line 4") {
		t.Errorf("Next() error = %v, want line 4", err)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}

func TestRecorderAndReplayer(t *testing.T) {
	upstream := &streamtest.Provider{Steps: streamtest.Events(
		stream.TextDelta("Hel"),
		stream.Raw("file_read", stream.Payload{"path": "main.go"}),
		stream.TextDelta("lo"),
	)}
	var jsonl bytes.Buffer
	rec := NewRecorder(upstream, "claude").WithEncoder(NewEncoder(&jsonl))

	wctx := stream.WorkspaceContext{RootPath: "/repo"}
	ch, err := rec.Send(context.Background(), "greet", wctx, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := streamtest.Drain(ch); len(got) != 3 {
		t.Fatalf("forwarded %d events, want 3", len(got))
	}

	recorded := rec.Tape()
	turn, ok := recorded.GetTurn(0)
	if !ok || turn.Text != "Hello" || turn.Prompt != "greet" || len(turn.Entries) != 3 {
		t.Fatalf("turn = %+v", turn)
	}
	if lines := strings.Count(jsonl.String(), "\n"); lines != 3 || !strings.Contains(jsonl.String(), `"source":"claude"`) {
		t.Errorf("streamed JSONL = %q", jsonl.String())
	}

	t.Run("replays recorded streams", func(t *testing.T) {
		rep := NewReplayer(recorded).WithMode(ReplayStrict)
		ch, err := rep.Send(context.Background(), "greet again", wctx, nil)
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		got := streamtest.Drain(ch)
		if len(got) != 3 || got[1].Type != "file_read" || got[1].Payload["path"] != "main.go" {
			t.Errorf("replayed = %+v", got)
		}
		if m := rep.Mismatches(); len(m) != 1 || m[0].Field != "prompt" {
			t.Errorf("mismatches = %+v", m)
		}
		if _, err := rep.Send(context.Background(), "", wctx, nil); !errors.Is(err, ErrTapeExhausted) {
			t.Errorf("Send() past end = %v", err)
		}
		rep.Reset()
		if rep.CurrentTurn() != 0 || len(rep.Mismatches()) != 0 {
			t.Error("Reset did not rewind")
		}
	})

	t.Run("write jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := recorded.WriteJSONL(&buf); err != nil {
			t.Fatalf("WriteJSONL() error = %v", err)
		}
		dec := NewDecoder(&buf)
		n := 0
		for {
			e, err := dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if e.Source != "claude" {
				t.Errorf("entry source = %q", e.Source)
			}
			n++
		}
		if n != 3 {
			t.Errorf("decoded %d entries, want 3", n)
		}
	})
}

func TestRecorderFailures(t *testing.T) {
	t.Run("send error", func(t *testing.T) {
		rec := NewRecorder(&streamtest.Provider{SendErr: errors.New("unauthorized")}, "codex")
		if _, err := rec.Send(context.Background(), "p", stream.WorkspaceContext{}, nil); err == nil {
			t.Fatal("Send() succeeded")
		}
		rep := NewReplayer(rec.Tape())
		if _, err := rep.Send(context.Background(), "p", stream.WorkspaceContext{}, nil); err == nil || err.Error() != "unauthorized" {
			t.Errorf("replayed Send() error = %v", err)
		}
	})

	t.Run("terminal event", func(t *testing.T) {
		rec := NewRecorder(&streamtest.Provider{Steps: streamtest.Events(
			stream.TextDelta("partial"),
			stream.Failure(errors.New("connection reset")),
		)}, "codex")
		ch, _ := rec.Send(context.Background(), "p", stream.WorkspaceContext{}, nil)
		streamtest.Drain(ch)

		turn, _ := rec.Tape().GetTurn(0)
		if turn.Error != "connection reset" || turn.Text != "partial" {
			t.Errorf("turn = %+v", turn)
		}

		ch, err := NewReplayer(rec.Tape()).Send(context.Background(), "p", stream.WorkspaceContext{}, nil)
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		got := streamtest.Drain(ch)
		if len(got) != 2 || !got[1].IsTerminal() {
			t.Errorf("replayed = %+v", got)
		}
	})
}

func TestReplayerPacing(t *testing.T) {
	tape := NewTape("claude")
	tape.AddTurn(Turn{Entries: []Entry{
		{Kind: stream.KindTextDelta, Text: "a"},
		{Kind: stream.KindTextDelta, Text: "b", Offset: 30 * time.Millisecond},
	}})

	start := time.Now()
	ch, err := NewReplayer(tape).WithPacing(true).Send(context.Background(), "", stream.WorkspaceContext{}, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	streamtest.Drain(ch)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("paced replay took %v, want at least 30ms", elapsed)
	}
}
