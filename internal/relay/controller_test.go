package relay

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/directive"
)

type captured struct {
	mu       sync.Mutex
	relays   []bus.Message
	blocked  []bus.Blocked
	released []agent.OutputLine
	tasks    []directive.Token
}

func (c *captured) relaysSnapshot() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Message(nil), c.relays...)
}

func (c *captured) releasedText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var parts []string
	for _, l := range c.released {
		parts = append(parts, l.Text)
	}
	return strings.Join(parts, "\n")
}

func newTestController(t *testing.T) (*Controller, *bus.Bus, *captured) {
	t.Helper()
	b := bus.New([]bus.AgentID{bus.Lead, "worker"})
	cfg := config.Default()
	c := New(b, cfg, bus.Lead)
	c.flushDebounce = 20 * time.Millisecond
	c.safetyDebounce = 50 * time.Millisecond

	cap := &captured{}
	b.Subscribe(bus.Subscriber{
		OnRelay: func(m bus.Message) {
			cap.mu.Lock()
			cap.relays = append(cap.relays, m)
			cap.mu.Unlock()
		},
		OnRelayBlocked: func(bl bus.Blocked) {
			cap.mu.Lock()
			cap.blocked = append(cap.blocked, bl)
			cap.mu.Unlock()
		},
	})
	c.SetOutputFn(func(from bus.AgentID, line agent.OutputLine) {
		cap.mu.Lock()
		cap.released = append(cap.released, line)
		cap.mu.Unlock()
	})
	c.SetTaskFn(func(from bus.AgentID, tok directive.Token) {
		cap.mu.Lock()
		cap.tasks = append(cap.tasks, tok)
		cap.mu.Unlock()
	})
	t.Cleanup(c.Stop)
	return c, b, cap
}

func stdout(text string) agent.OutputLine {
	return agent.OutputLine{Text: text, Timestamp: time.Now(), Kind: agent.KindStdout}
}

func TestDirectiveCaptured(t *testing.T) {
	c, _, cap := newTestController(t)

	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout("[TO:WORKER] implement Y"))
	c.TurnComplete(bus.Lead)

	relays := cap.relaysSnapshot()
	if len(relays) != 1 {
		t.Fatalf("relays = %d, want 1", len(relays))
	}
	if relays[0].From != bus.Lead || relays[0].To != "worker" {
		t.Errorf("relay endpoints = %s→%s", relays[0].From, relays[0].To)
	}
	if relays[0].Content != "implement Y" {
		t.Errorf("content = %q", relays[0].Content)
	}
	if relays[0].RelayCount != 1 {
		t.Errorf("relay count = %d, want 1", relays[0].RelayCount)
	}
	if strings.Contains(cap.releasedText(), "[TO:WORKER]") {
		t.Error("directive line leaked into released output")
	}
}

func TestEmbeddedMentionPassesThrough(t *testing.T) {
	c, _, cap := newTestController(t)

	line := "Use the [TO:WORKER] pattern to escalate."
	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout(line))
	c.TurnComplete(bus.Lead)

	if len(cap.relaysSnapshot()) != 0 {
		t.Fatal("embedded mention fired a relay")
	}
	if !strings.Contains(cap.releasedText(), line) {
		t.Errorf("prose not released, got %q", cap.releasedText())
	}
}

func TestEmptyDirectiveAttachesFollowingLines(t *testing.T) {
	c, _, cap := newTestController(t)

	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout("[TO:WORKER]"))
	c.Ingest(bus.Lead, stdout("line one"))
	c.Ingest(bus.Lead, stdout("line two"))
	c.Ingest(bus.Lead, stdout(""))
	c.Ingest(bus.Lead, stdout("after the blank"))
	c.TurnComplete(bus.Lead)

	relays := cap.relaysSnapshot()
	if len(relays) != 1 {
		t.Fatalf("relays = %d, want 1", len(relays))
	}
	if relays[0].Content != "line one\nline two" {
		t.Errorf("attached content = %q", relays[0].Content)
	}
	if !strings.Contains(cap.releasedText(), "after the blank") {
		t.Error("prose after the attach block was lost")
	}
}

func TestUnknownDirectiveTargetDropped(t *testing.T) {
	c, _, cap := newTestController(t)

	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout("[TO:GHOST] do the thing"))
	c.TurnComplete(bus.Lead)

	if n := len(cap.relaysSnapshot()); n != 0 {
		t.Fatalf("relays = %d, want 0", n)
	}
	if !strings.Contains(cap.releasedText(), "unknown agent") {
		t.Errorf("expected an unknown agent notice, got %q", cap.releasedText())
	}
}

func TestMultipleDirectivesRouteIndependently(t *testing.T) {
	c, b, cap := newTestController(t)
	_ = b

	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout("[TO:WORKER] part one\n[TO:WORKER] part two"))
	c.TurnComplete(bus.Lead)

	relays := cap.relaysSnapshot()
	if len(relays) != 2 {
		t.Fatalf("relays = %d, want 2 (one per directive)", len(relays))
	}
	if relays[0].Content != "part one" || relays[1].Content != "part two" {
		t.Errorf("contents = %q, %q", relays[0].Content, relays[1].Content)
	}
}

func TestDraftFlushReleasesProse(t *testing.T) {
	c, _, cap := newTestController(t)

	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout("thinking out loud"))

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(cap.releasedText(), "thinking out loud") {
		if time.Now().After(deadline) {
			t.Fatal("draft flush never released the prose")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSafetyNetFiresOnce(t *testing.T) {
	c, _, cap := newTestController(t)

	trigger := bus.Message{From: "worker", To: bus.Lead, Content: "done", CorrelationID: "K", RelayCount: 1}
	c.BeginTurn(bus.Lead, &trigger)
	c.Ingest(bus.Lead, stdout("Merci, looks good overall."))
	c.TurnComplete(bus.Lead)

	deadline := time.Now().Add(2 * time.Second)
	for len(cap.relaysSnapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("safety net never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond) // would catch a duplicate fire

	relays := cap.relaysSnapshot()
	if len(relays) != 1 {
		t.Fatalf("safety net fired %d times, want 1", len(relays))
	}
	if relays[0].To != "worker" {
		t.Errorf("safety net target = %s, want worker", relays[0].To)
	}
	if relays[0].CorrelationID != "K" {
		t.Errorf("correlation = %q, want K (chain continues)", relays[0].CorrelationID)
	}
	if !strings.Contains(relays[0].Content, "looks good") {
		t.Errorf("content = %q", relays[0].Content)
	}
}

func TestSafetyNetCancelledByNewTurn(t *testing.T) {
	c, _, cap := newTestController(t)

	trigger := bus.Message{From: "worker", To: bus.Lead, Content: "done"}
	c.BeginTurn(bus.Lead, &trigger)
	c.Ingest(bus.Lead, stdout("untagged reply"))
	c.TurnComplete(bus.Lead)

	// A new worker message starts a new lead turn inside the debounce.
	c.BeginTurn(bus.Lead, &trigger)

	time.Sleep(150 * time.Millisecond)
	if got := len(cap.relaysSnapshot()); got != 0 {
		t.Errorf("cancelled safety net still fired %d times", got)
	}
}

func TestSafetyNetNotArmedForUserTurns(t *testing.T) {
	c, _, cap := newTestController(t)

	trigger := bus.Message{From: bus.User, To: bus.Lead, Content: "hello"}
	c.BeginTurn(bus.Lead, &trigger)
	c.Ingest(bus.Lead, stdout("plain answer"))
	c.TurnComplete(bus.Lead)

	time.Sleep(150 * time.Millisecond)
	if got := len(cap.relaysSnapshot()); got != 0 {
		t.Errorf("safety net fired for a user-triggered turn")
	}
}

func TestRelayRateLimited(t *testing.T) {
	b := bus.New([]bus.AgentID{bus.Lead, "worker"})
	cfg := config.Default()
	cfg.MaxRelaysPerWindow = 2
	cfg.MaxCrossTalkPerRound = 100
	c := New(b, cfg, bus.Lead)
	c.flushDebounce = 10 * time.Millisecond
	defer c.Stop()

	cap := &captured{}
	b.Subscribe(bus.Subscriber{
		OnRelay: func(m bus.Message) {
			cap.mu.Lock()
			cap.relays = append(cap.relays, m)
			cap.mu.Unlock()
		},
		OnRelayBlocked: func(bl bus.Blocked) {
			cap.mu.Lock()
			cap.blocked = append(cap.blocked, bl)
			cap.mu.Unlock()
		},
	})

	c.BeginTurn(bus.Lead, nil)
	for i := 0; i < 4; i++ {
		c.Ingest(bus.Lead, stdout("[TO:WORKER] ping"))
	}
	c.TurnComplete(bus.Lead)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.relays) != 2 {
		t.Errorf("relays = %d, want 2 (window cap)", len(cap.relays))
	}
	if len(cap.blocked) != 2 {
		t.Errorf("blocked = %d, want 2", len(cap.blocked))
	}
	for _, bl := range cap.blocked {
		if bl.Reason != "rate" {
			t.Errorf("blocked reason = %q, want rate", bl.Reason)
		}
	}
}

func TestTaskDirectivesForwarded(t *testing.T) {
	c, _, cap := newTestController(t)

	c.BeginTurn(bus.Lead, nil)
	c.Ingest(bus.Lead, stdout("[TASK:add] build the parser"))
	c.TurnComplete(bus.Lead)

	deadline := time.Now().Add(2 * time.Second)
	for {
		cap.mu.Lock()
		n := len(cap.tasks)
		cap.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task directive never forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
