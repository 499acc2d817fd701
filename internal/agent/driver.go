// Package agent drives the external coding-agent CLIs.
//
// Each Driver wraps one CLI (claude, codex). The CLIs are non-interactive:
// a turn is one subprocess invocation carrying the prompt, with --resume
// preserving the external session across invocations. The shared turn loop,
// prompt queue, timeout, and stderr handling live in base; each CLI
// contributes its command line and its NDJSON dialect parser.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/logging"
	"github.com/agusx1211/fedi/internal/stream"
)

// Status is the driver lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// ValidTransition reports whether the state machine permits from→to.
// Any state may move to error or stopped; error recovers through idle.
func ValidTransition(from, to Status) bool {
	if to == StatusError || to == StatusStopped {
		return true
	}
	switch from {
	case StatusIdle, StatusWaiting:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusWaiting
	case StatusError:
		return to == StatusIdle || to == StatusRunning
	case StatusStopped:
		return false
	}
	return false
}

// LineKind classifies an OutputLine.
type LineKind string

const (
	KindStdout LineKind = "stdout" // model prose
	KindStderr LineKind = "stderr"
	KindSystem LineKind = "system" // action indicators
	KindInfo   LineKind = "info"   // meta-notices
	KindRelay  LineKind = "relay"  // internal marker, never shown
)

// OutputLine is one unit of normalized agent output.
type OutputLine struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Kind      LineKind  `json:"kind"`
}

// SpawnError means the CLI binary could not be launched. Fatal for the turn
// only; the driver stays alive and retries on the next prompt.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ErrBackpressure is returned by Send when the prompt queue is full.
var ErrBackpressure = errors.New("agent: prompt queue full")

// ErrStopped is returned by Send after Stop.
var ErrStopped = errors.New("agent: driver stopped")

const (
	promptQueueDepth = 16
	stopGracePeriod  = 5 * time.Second
)

// Driver is the common contract every CLI driver satisfies.
type Driver interface {
	ID() bus.AgentID
	Start(ctx context.Context, systemPrompt string) error
	Send(prompt string) error
	Stop()
	OnOutput(fn func(OutputLine))
	OnStatusChange(fn func(Status))
	Status() Status
	SessionID() string
	SetSessionID(id string)
	QueueLen() int
	LastError() string
}

// parseFunc decodes one CLI dialect into the shared event stream.
type parseFunc func(ctx context.Context, r io.Reader) <-chan stream.RawEvent

// cliSpec is the per-CLI half of a driver: how to build one invocation and
// how to decode its stdout.
type cliSpec struct {
	name     string // canonical binary name, also the config agents key
	buildCmd func(ctx context.Context, binary, prompt, model, resumeID string) *exec.Cmd
	parse    parseFunc
}

// base carries the shared turn management for all CLI drivers.
type base struct {
	id   bus.AgentID
	cfg  *config.Config
	spec cliSpec

	mu         sync.Mutex
	status     Status
	sessionID  string
	lastError  string
	sysPrompt  string
	firstTurn  bool
	outputFns  []func(OutputLine)
	statusFns  []func(Status)
	started    bool
	stopped    bool
	cancelTurn context.CancelFunc

	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	stderrRules []stderrRule
	decodeErrs  int
}

func newBase(id bus.AgentID, cfg *config.Config, spec cliSpec) *base {
	return &base{
		id:          id,
		cfg:         cfg,
		spec:        spec,
		status:      StatusIdle,
		firstTurn:   true,
		queue:       make(chan string, promptQueueDepth),
		stopCh:      make(chan struct{}),
		stderrRules: compileStderrRules(cfg.StderrPatterns),
	}
}

func (b *base) ID() bus.AgentID { return b.id }

// Start records the system prompt and launches the dispatch loop. The CLI
// itself is spawned lazily, once per prompt.
func (b *base) Start(ctx context.Context, systemPrompt string) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.sysPrompt = systemPrompt
	b.mu.Unlock()

	b.wg.Add(1)
	go b.loop(ctx)
	logging.LogKV("agent", "driver started", "agent", b.id, "cli", b.spec.name)
	return nil
}

// Send queues a prompt. The queue is bounded; a full queue returns
// ErrBackpressure instead of buffering without limit.
func (b *base) Send(prompt string) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.status == StatusIdle || b.status == StatusWaiting || b.status == StatusError {
		b.setStatusLocked(StatusRunning)
	}
	b.mu.Unlock()

	select {
	case b.queue <- prompt:
		return nil
	default:
		return ErrBackpressure
	}
}

// Stop cancels any in-flight turn, waits up to the grace period for the
// loop to drain, and marks the driver stopped. Idempotent.
func (b *base) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancelTurn
	b.mu.Unlock()

	close(b.stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		logging.Log(logging.LevelWarn, "agent", "stop grace period elapsed", "agent", b.id)
	}

	b.mu.Lock()
	b.setStatusLocked(StatusStopped)
	b.mu.Unlock()
}

func (b *base) OnOutput(fn func(OutputLine)) {
	b.mu.Lock()
	b.outputFns = append(b.outputFns, fn)
	b.mu.Unlock()
}

func (b *base) OnStatusChange(fn func(Status)) {
	b.mu.Lock()
	b.statusFns = append(b.statusFns, fn)
	b.mu.Unlock()
}

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// SetSessionID seeds the external session so the next invocation resumes it.
func (b *base) SetSessionID(id string) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()
}

func (b *base) QueueLen() int { return len(b.queue) }

func (b *base) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *base) loop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case prompt := <-b.queue:
			b.runTurn(ctx, prompt)
		}
	}
}

// runTurn executes one CLI invocation for one prompt.
func (b *base) runTurn(ctx context.Context, prompt string) {
	b.mu.Lock()
	b.setStatusLocked(StatusRunning)
	if b.firstTurn && b.sysPrompt != "" {
		prompt = b.sysPrompt + "\n\n" + prompt
	}
	b.firstTurn = false
	resumeID := b.sessionID
	b.mu.Unlock()

	timeout := b.cfg.ExecTimeout(string(b.id))
	turnCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	b.mu.Lock()
	b.cancelTurn = cancel
	b.mu.Unlock()

	binary := b.binary()
	model := b.model()
	cmd := b.spec.buildCmd(turnCtx, binary, prompt, model, resumeID)
	setupProcessGroup(cmd)
	cmd.WaitDelay = stopGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.failTurn(fmt.Sprintf("pipe stdout: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.failTurn(fmt.Sprintf("pipe stderr: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		spawnErr := &SpawnError{Binary: binary, Err: err}
		logging.Log(logging.LevelError, "agent", "spawn failed", "agent", b.id, "error", spawnErr.Error())
		b.emit(OutputLine{
			Text:      fmt.Sprintf("impossible de lancer %s (cannot launch agent binary): %v", binary, err),
			Timestamp: time.Now(),
			Kind:      KindInfo,
		})
		b.setLastError(spawnErr.Error())
		b.setStatus(StatusError)
		return
	}

	logging.LogKV("agent", "turn started", "agent", b.id, "binary", binary,
		"resume", resumeID != "", "prompt_len", len(prompt), "timeout", timeout.String())

	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		b.consumeStderr(stderr)
	}()

	sawResult := b.consumeEvents(turnCtx, b.spec.parse(turnCtx, stdout))

	stderrWG.Wait()
	waitErr := cmd.Wait()

	if turnCtx.Err() == context.DeadlineExceeded {
		b.emit(OutputLine{
			Text:      fmt.Sprintf("délai dépassé (turn timed out after %s)", timeout),
			Timestamp: time.Now(),
			Kind:      KindInfo,
		})
		b.setLastError("turn timed out")
		b.setStatus(StatusError)
		b.setStatus(StatusIdle)
		return
	}
	if b.isStopping() {
		return
	}

	exitCode, err := extractExitCode(waitErr)
	switch {
	case err != nil:
		b.failTurn(fmt.Sprintf("turn failed: %v", err))
	case exitCode != 0:
		msg := fmt.Sprintf("l'agent a quitté avec le code %d (agent exited with code %d)", exitCode, exitCode)
		b.emit(OutputLine{Text: msg, Timestamp: time.Now(), Kind: KindInfo})
		b.setLastError(msg)
		b.setStatus(StatusError)
		b.setStatus(StatusIdle)
	case !sawResult:
		// Clean exit but no terminal event: treat the turn as complete so
		// queued prompts still dispatch.
		b.setStatus(StatusWaiting)
	default:
		b.setStatus(StatusWaiting)
	}
}

func (b *base) failTurn(msg string) {
	logging.Log(logging.LevelError, "agent", "turn error", "agent", b.id, "error", msg)
	b.emit(OutputLine{Text: "erreur interne (internal error): " + msg, Timestamp: time.Now(), Kind: KindInfo})
	b.setLastError(msg)
	b.setStatus(StatusError)
	b.setStatus(StatusIdle)
}

func (b *base) isStopping() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

func (b *base) binary() string {
	if ac, ok := b.cfg.Agents[string(b.id)]; ok && strings.TrimSpace(ac.Path) != "" {
		return ac.Path
	}
	if ac, ok := b.cfg.Agents[b.spec.name]; ok && strings.TrimSpace(ac.Path) != "" {
		return ac.Path
	}
	return b.spec.name
}

func (b *base) model() string {
	if ac, ok := b.cfg.Agents[string(b.id)]; ok && ac.Model != "" {
		return ac.Model
	}
	if ac, ok := b.cfg.Agents[b.spec.name]; ok && ac.Model != "" {
		return ac.Model
	}
	return ""
}

func (b *base) emit(line OutputLine) {
	b.mu.Lock()
	fns := append([]func(OutputLine){}, b.outputFns...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(line)
	}
}

func (b *base) setStatus(s Status) {
	b.mu.Lock()
	b.setStatusLocked(s)
	b.mu.Unlock()
}

// setStatusLocked transitions the state machine. Caller holds b.mu.
// Observers are notified outside the lock.
func (b *base) setStatusLocked(s Status) {
	if b.status == s {
		return
	}
	if !ValidTransition(b.status, s) {
		logging.Log(logging.LevelWarn, "agent", "invalid status transition",
			"agent", b.id, "from", b.status, "to", s)
		return
	}
	b.status = s
	fns := append([]func(Status){}, b.statusFns...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
	b.mu.Lock()
}

func (b *base) setLastError(msg string) {
	b.mu.Lock()
	b.lastError = msg
	b.mu.Unlock()
}

// setupProcessGroup runs the CLI in its own process group so cancellation
// kills the whole tree. Node-based CLIs spawn children that would otherwise
// hold the pipes open and hang the parent.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// extractExitCode interprets a process error as an exit code.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
