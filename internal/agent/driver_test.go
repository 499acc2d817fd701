package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
)

// fakeCLI writes a shell script that plays back canned stdout/stderr, so
// driver tests exercise the real subprocess path.
func fakeCLI(t *testing.T, stdout, stderr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\ncat >/dev/null\n"
	if stderr != "" {
		script += "cat >&2 <<'FEDI_EOF'\n" + stderr + "\nFEDI_EOF\n"
	}
	if stdout != "" {
		script += "cat <<'FEDI_EOF'\n" + stdout + "\nFEDI_EOF\n"
	}
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []OutputLine
}

func (r *lineRecorder) record(l OutputLine) {
	r.mu.Lock()
	r.lines = append(r.lines, l)
	r.mu.Unlock()
}

func (r *lineRecorder) snapshot() []OutputLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutputLine(nil), r.lines...)
}

func newTestDriver(t *testing.T, binary string) (Driver, *lineRecorder, chan Status) {
	t.Helper()
	cfg := config.Default()
	cfg.Agents["worker_a"] = config.AgentConfig{Path: binary}

	d := NewClaudeDriver(bus.AgentID("worker_a"), cfg)
	rec := &lineRecorder{}
	statusCh := make(chan Status, 16)
	d.OnOutput(rec.record)
	d.OnStatusChange(func(s Status) { statusCh <- s })
	return d, rec, statusCh
}

func awaitStatus(t *testing.T, ch chan Status, want Status) []Status {
	t.Helper()
	var trace []Status
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			trace = append(trace, s)
			if s == want {
				return trace
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q, trace so far: %v", want, trace)
		}
	}
}

func TestDriverTurnLifecycle(t *testing.T) {
	stdout := `{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Bonjour"}]}}
{"type":"result","subtype":"success","result":"Bonjour"}`
	d, rec, statusCh := newTestDriver(t, fakeCLI(t, stdout, ""))
	defer d.Stop()

	if err := d.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := d.Send("salut"); err != nil {
		t.Fatal(err)
	}
	trace := awaitStatus(t, statusCh, StatusWaiting)

	for i := 1; i < len(trace); i++ {
		if !ValidTransition(trace[i-1], trace[i]) {
			t.Errorf("invalid transition %q → %q", trace[i-1], trace[i])
		}
	}
	if d.SessionID() != "sess-1" {
		t.Errorf("session id = %q, want sess-1", d.SessionID())
	}

	lines := rec.snapshot()
	var stdouts []string
	for _, l := range lines {
		if l.Kind == KindStdout {
			stdouts = append(stdouts, l.Text)
		}
	}
	// The result text duplicates the assistant block and must not re-emit.
	if len(stdouts) != 1 || stdouts[0] != "Bonjour" {
		t.Errorf("stdout lines = %v, want [Bonjour]", stdouts)
	}
}

func TestDriverMalformedLineSkipped(t *testing.T) {
	stdout := "{bad json\n" + `{"type":"result","subtype":"success"}`
	d, rec, statusCh := newTestDriver(t, fakeCLI(t, stdout, ""))
	defer d.Stop()

	d.Start(context.Background(), "")
	d.Send("go")
	awaitStatus(t, statusCh, StatusWaiting)

	for _, l := range rec.snapshot() {
		if l.Kind == KindStdout {
			t.Errorf("unexpected stdout line for malformed event: %q", l.Text)
		}
	}
}

func TestDriverSpawnError(t *testing.T) {
	d, rec, statusCh := newTestDriver(t, filepath.Join(t.TempDir(), "does-not-exist"))
	defer d.Stop()

	d.Start(context.Background(), "")
	d.Send("go")
	awaitStatus(t, statusCh, StatusError)

	found := false
	for _, l := range rec.snapshot() {
		if l.Kind == KindInfo && strings.Contains(l.Text, "cannot launch") {
			found = true
		}
	}
	if !found {
		t.Error("spawn failure not surfaced as an info line")
	}
	if d.LastError() == "" {
		t.Error("lastError not recorded")
	}
}

func TestDriverStderrPatternSurfaced(t *testing.T) {
	stdout := `{"type":"result","subtype":"success"}`
	stderr := "upstream 429: rate limit exceeded, retry later"
	d, rec, statusCh := newTestDriver(t, fakeCLI(t, stdout, stderr))
	defer d.Stop()

	d.Start(context.Background(), "")
	d.Send("go")
	awaitStatus(t, statusCh, StatusWaiting)

	found := false
	for _, l := range rec.snapshot() {
		if l.Kind == KindInfo && strings.Contains(l.Text, "rate limit") {
			found = true
		}
	}
	if !found {
		t.Error("matched stderr line not surfaced as info")
	}
	if !strings.Contains(d.LastError(), "rate limit") {
		t.Errorf("lastError = %q, want rate limit notice", d.LastError())
	}
}

func TestDriverTurnTimeoutKillsProcess(t *testing.T) {
	// The fake agent hangs after consuming its prompt; only the turn
	// timeout cancelling the subprocess lets Wait return.
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\ncat >/dev/null\nsleep 60\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	timeoutMs := 300
	cfg.Agents["worker_a"] = config.AgentConfig{Path: path, TimeoutMs: &timeoutMs}

	d := NewClaudeDriver(bus.AgentID("worker_a"), cfg)
	rec := &lineRecorder{}
	statusCh := make(chan Status, 16)
	d.OnOutput(rec.record)
	d.OnStatusChange(func(s Status) { statusCh <- s })
	defer d.Stop()

	start := time.Now()
	d.Start(context.Background(), "")
	d.Send("go")
	trace := awaitStatus(t, statusCh, StatusIdle)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("turn took %v, subprocess was not killed on timeout", elapsed)
	}
	sawError := false
	for _, s := range trace {
		if s == StatusError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("status trace %v missing error before idle", trace)
	}
	found := false
	for _, l := range rec.snapshot() {
		if l.Kind == KindInfo && strings.Contains(l.Text, "délai dépassé") {
			found = true
		}
	}
	if !found {
		t.Error("timeout not surfaced as an info line")
	}
}

func TestDriverQueueBackpressure(t *testing.T) {
	// Never start the dispatch loop, so the queue only fills.
	cfg := config.Default()
	d := NewClaudeDriver(bus.AgentID("worker_a"), cfg)

	var err error
	for i := 0; i <= promptQueueDepth; i++ {
		err = d.Send("p")
	}
	if err != ErrBackpressure {
		t.Fatalf("expected ErrBackpressure after %d sends, got %v", promptQueueDepth+1, err)
	}
}

func TestDriverStopIdempotent(t *testing.T) {
	d, _, _ := newTestDriver(t, fakeCLI(t, `{"type":"result"}`, ""))
	d.Start(context.Background(), "")
	d.Stop()
	d.Stop()
	if d.Status() != StatusStopped {
		t.Errorf("status = %q, want stopped", d.Status())
	}
	if err := d.Send("late"); err != ErrStopped {
		t.Errorf("Send after Stop = %v, want ErrStopped", err)
	}
}

func TestValidTransition(t *testing.T) {
	valid := [][2]Status{
		{StatusIdle, StatusRunning},
		{StatusRunning, StatusWaiting},
		{StatusWaiting, StatusRunning},
		{StatusRunning, StatusError},
		{StatusError, StatusIdle},
		{StatusIdle, StatusStopped},
	}
	for _, v := range valid {
		if !ValidTransition(v[0], v[1]) {
			t.Errorf("%q → %q should be valid", v[0], v[1])
		}
	}
	invalid := [][2]Status{
		{StatusIdle, StatusWaiting},
		{StatusWaiting, StatusIdle},
		{StatusStopped, StatusRunning},
	}
	for _, v := range invalid {
		if ValidTransition(v[0], v[1]) {
			t.Errorf("%q → %q should be invalid", v[0], v[1])
		}
	}
}
