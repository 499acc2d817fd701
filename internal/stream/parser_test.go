package stream

import (
	"context"
	"strings"
	"testing"
)

const testNDJSON = `{"type":"system","subtype":"init","session_id":"abc123","model":"claude-sonnet-4-5"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello, world!"}]}}
{"type":"result","subtype":"success","is_error":false,"total_cost_usd":0.08,"num_turns":3,"result":"Hello, world!"}
`

func collect(t *testing.T, ch <-chan RawEvent) []RawEvent {
	t.Helper()
	var events []RawEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestParseNDJSON(t *testing.T) {
	events := collect(t, Parse(context.Background(), strings.NewReader(testNDJSON)))
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Parsed.Type != "system" || events[0].Parsed.SessionID != "abc123" {
		t.Errorf("event[0] = %+v", events[0].Parsed)
	}
	msg := events[1].Parsed.Message
	if msg == nil || len(msg.Content) != 1 || msg.Content[0].Text != "Hello, world!" {
		t.Errorf("event[1] message = %+v", msg)
	}
	if events[2].Parsed.Type != "result" || events[2].Parsed.NumTurns != 3 {
		t.Errorf("event[2] = %+v", events[2].Parsed)
	}
}

func TestParseMalformedLineNotFatal(t *testing.T) {
	input := "{bad json\n{\"type\":\"result\"}\n"
	events := collect(t, Parse(context.Background(), strings.NewReader(input)))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Err == nil {
		t.Error("first event should carry a decode error")
	}
	if events[1].Err != nil || events[1].Parsed.Type != "result" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestParseSkipsEmptyLines(t *testing.T) {
	input := "\n\n{\"type\":\"system\"}\n\n"
	events := collect(t, Parse(context.Background(), strings.NewReader(input)))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestParseContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := Parse(ctx, strings.NewReader("{\"type\":\"system\"}\n"))
	count := 0
	for range ch {
		count++
	}
	if count > 1 {
		t.Fatalf("expected at most 1 event after cancel, got %d", count)
	}
}
