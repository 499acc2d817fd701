// Package orchestrator wires the drivers, the bus, the relay controller, and
// the session store into one running multi-agent conversation.
//
// It owns the dispatch policy: targeted bus messages become driver prompts
// (with cross-talk context prepended), driver output feeds the relay
// controller, status changes complete turns, and everything user-visible is
// mirrored to the bound renderer callbacks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/directive"
	"github.com/agusx1211/fedi/internal/logging"
	"github.com/agusx1211/fedi/internal/prompt"
	"github.com/agusx1211/fedi/internal/relay"
	"github.com/agusx1211/fedi/internal/session"
)

// AgentSpec names one agent and the CLI dialect that drives it.
type AgentSpec struct {
	ID  bus.AgentID
	CLI string // "claude", "codex"
}

// DriverFactory builds a driver for one agent. Tests substitute fakes here.
type DriverFactory func(id bus.AgentID, cli string, cfg *config.Config) agent.Driver

// Callbacks is the renderer binding. Nil callbacks are skipped. Callbacks
// fire on internal goroutines and must not block.
type Callbacks struct {
	OnAgentOutput  func(id bus.AgentID, line agent.OutputLine)
	OnAgentStatus  func(id bus.AgentID, status agent.Status)
	OnRelay        func(msg bus.Message)
	OnRelayBlocked func(blocked bus.Blocked)
	OnTasks        func(tasks []session.Task)
}

// Options configures New.
type Options struct {
	Config     *config.Config
	ProjectDir string
	Agents     []AgentSpec // lead must be included
	NewDriver  DriverFactory
}

// ErrNotRunning is returned by operations that need an active session.
var ErrNotRunning = errors.New("orchestrator: no active session")

// Orchestrator is the top-level coordinator.
type Orchestrator struct {
	cfg        *config.Config
	projectDir string

	bus     *bus.Bus
	store   *session.Store
	ctrl    *relay.Controller
	drivers map[bus.AgentID]agent.Driver
	order   []bus.AgentID

	mu           sync.Mutex
	cb           Callbacks
	lastSeen     map[bus.AgentID]int
	tasks        []session.Task
	resumeHeader string
	started      map[bus.AgentID]bool
	running      bool
	done         bool
	ctx          context.Context
	cancel       context.CancelFunc
	checkpointWG sync.WaitGroup
}

// New builds an Orchestrator and wires all internal subscriptions. The
// session is not started until StartWithTask or Resume.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.NewDriver == nil {
		opts.NewDriver = agent.New
	}
	hasLead := false
	ids := make([]bus.AgentID, 0, len(opts.Agents))
	for _, spec := range opts.Agents {
		ids = append(ids, spec.ID)
		if spec.ID == bus.Lead {
			hasLead = true
		}
	}
	if !hasLead {
		return nil, errors.New("orchestrator: agent set must include the lead")
	}

	b := bus.New(ids)
	b.SetCorrelationCap(opts.Config.MaxMessages)
	o := &Orchestrator{
		cfg:        opts.Config,
		projectDir: opts.ProjectDir,
		bus:        b,
		store:      session.NewStore(opts.ProjectDir, session.DefaultSaveDebounce),
		ctrl:       relay.New(b, opts.Config, bus.Lead),
		drivers:    make(map[bus.AgentID]agent.Driver, len(opts.Agents)),
		order:      ids,
		lastSeen:   make(map[bus.AgentID]int),
		started:    make(map[bus.AgentID]bool),
	}

	for _, spec := range opts.Agents {
		drv := opts.NewDriver(spec.ID, spec.CLI, opts.Config)
		o.drivers[spec.ID] = drv
		id := spec.ID
		drv.OnOutput(func(line agent.OutputLine) { o.ctrl.Ingest(id, line) })
		drv.OnStatusChange(func(st agent.Status) { o.onStatus(id, st) })
	}

	o.ctrl.SetOutputFn(o.onReleased)
	o.ctrl.SetTaskFn(o.onTask)
	b.Subscribe(bus.Subscriber{
		OnMessage:      o.onMessage,
		OnDirected:     o.onDirected,
		OnRelay:        o.onRelay,
		OnRelayBlocked: o.onBlocked,
	})
	return o, nil
}

// Bind installs the renderer callbacks.
func (o *Orchestrator) Bind(cb Callbacks) {
	o.mu.Lock()
	o.cb = cb
	o.mu.Unlock()
}

// Bus exposes the message bus for read-only observers (web, debugging).
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Config exposes the runtime configuration the orchestrator was built with.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Agents returns the configured agent ids in declaration order.
func (o *Orchestrator) Agents() []bus.AgentID {
	return append([]bus.AgentID(nil), o.order...)
}

// Statuses returns the current lifecycle state of every driver.
func (o *Orchestrator) Statuses() map[bus.AgentID]agent.Status {
	out := make(map[bus.AgentID]agent.Status, len(o.drivers))
	for id, drv := range o.drivers {
		out[id] = drv.Status()
	}
	return out
}

// Tasks returns a snapshot of the task board.
func (o *Orchestrator) Tasks() []session.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]session.Task(nil), o.tasks...)
}

// StartWithTask opens a fresh session and hands the task to the lead.
func (o *Orchestrator) StartWithTask(ctx context.Context, task string) (*session.Data, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, errors.New("orchestrator: empty task")
	}
	o.mu.Lock()
	if o.running || o.done {
		o.mu.Unlock()
		return nil, errors.New("orchestrator: session already running or stopped")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	data := o.store.Create(task, o.projectDir)
	o.startCheckpoints()
	logging.LogKV("orchestrator", "session started", "id", data.ID, "agents", len(o.drivers))

	o.bus.Send(bus.Message{From: bus.User, To: bus.Lead, Content: task})
	return data, nil
}

// Resume reloads a persisted session and continues it. The lead's first new
// prompt carries a resume header with the task and the recent transcript.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*session.Data, error) {
	data := o.store.Load(sessionID)
	if data == nil {
		return nil, fmt.Errorf("orchestrator: %w: %s", session.ErrNoSession, sessionID)
	}

	o.mu.Lock()
	if o.running || o.done {
		o.mu.Unlock()
		return nil, errors.New("orchestrator: session already running or stopped")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.resumeHeader = prompt.ResumeHeader(data.Task, data.Messages)
	o.tasks = append([]session.Task(nil), data.Tasks...)
	o.mu.Unlock()

	o.store.Adopt(data)
	for name, external := range data.AgentSessions {
		if drv, ok := o.drivers[bus.AgentID(name)]; ok {
			drv.SetSessionID(external)
		}
	}
	o.startCheckpoints()
	o.notifyTasks()
	logging.LogKV("orchestrator", "session resumed", "id", data.ID, "messages", len(data.Messages))

	o.bus.Send(bus.Message{
		From:    bus.User,
		To:      bus.Lead,
		Content: "reprise de session (session resumed), continue",
	})
	return data, nil
}

// SendUserInput routes user text to the lead, or to a named worker when the
// input starts with @<agent>.
func (o *Orchestrator) SendUserInput(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	target := bus.Lead
	if strings.HasPrefix(text, "@") {
		name, rest, _ := strings.Cut(text[1:], " ")
		if _, ok := o.drivers[bus.AgentID(name)]; ok {
			target = bus.AgentID(name)
			text = strings.TrimSpace(rest)
			if text == "" {
				return nil
			}
		}
	}
	o.bus.Send(bus.Message{From: bus.User, To: target, Content: text})
	return nil
}

// Stop finalizes the session and shuts every driver down, waiting up to the
// delegate timeout for them to exit.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.done = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.checkpointWG.Wait()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, drv := range o.drivers {
			wg.Add(1)
			go func(d agent.Driver) {
				defer wg.Done()
				d.Stop()
			}(drv)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.DelegateTimeout()):
		logging.Log(logging.LevelWarn, "orchestrator", "driver shutdown timed out")
	}

	o.ctrl.Stop()
	err := o.store.Finalize()
	logging.LogKV("orchestrator", "session stopped")
	return err
}

// ListSessions returns summaries of every resumable session in the project.
func (o *Orchestrator) ListSessions() []session.Summary {
	return o.store.List()
}

// onDirected dispatches a targeted bus message as the agent's next prompt.
func (o *Orchestrator) onDirected(target bus.AgentID, msg bus.Message) {
	drv, ok := o.drivers[target]
	if !ok {
		return
	}
	if msg.From == target {
		return
	}
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	if !o.started[target] {
		o.started[target] = true
		o.mu.Unlock()
		if err := drv.Start(ctx, o.systemPrompt(target)); err != nil {
			logging.Log(logging.LevelError, "orchestrator", "driver start failed",
				"agent", target, "error", err.Error())
			return
		}
		o.mu.Lock()
	}
	header := ""
	if target == bus.Lead && o.resumeHeader != "" {
		header = o.resumeHeader
		o.resumeHeader = ""
	}
	since := o.lastSeen[target]
	o.mu.Unlock()

	text := msg.Content
	summary := o.bus.GetContextSummary(target, since)
	o.mu.Lock()
	o.lastSeen[target] = summary.NewIndex
	o.mu.Unlock()
	if summary.Summary != "" {
		text = "Contexte des autres agents (cross-talk context):\n" + summary.Summary + "\n\n" + text
	}
	if header != "" {
		text = header + "\n" + text
	}

	o.ctrl.BeginTurn(target, &msg)
	switch err := drv.Send(text); {
	case err == nil:
	case errors.Is(err, agent.ErrBackpressure):
		o.bus.NotifyBlocked(bus.Blocked{
			From:          msg.From,
			To:            target,
			CorrelationID: msg.CorrelationID,
			RelayCount:    msg.RelayCount,
			Reason:        "backpressure",
		})
		o.onReleased(target, agent.OutputLine{
			Text:      "file d'attente pleine (prompt queue full), message dropped",
			Timestamp: time.Now(),
			Kind:      agent.KindInfo,
		})
	default:
		logging.Log(logging.LevelWarn, "orchestrator", "send failed",
			"agent", target, "error", err.Error())
	}
}

// onStatus propagates driver status and closes out turns.
func (o *Orchestrator) onStatus(id bus.AgentID, st agent.Status) {
	o.mu.Lock()
	cb := o.cb.OnAgentStatus
	o.mu.Unlock()
	if cb != nil {
		cb(id, st)
	}

	switch st {
	case agent.StatusWaiting:
		if drv, ok := o.drivers[id]; ok {
			if external := drv.SessionID(); external != "" {
				o.store.SetAgentSession(id, external)
			}
		}
		o.ctrl.TurnComplete(id)
	case agent.StatusError:
		o.ctrl.AbortTurn(id)
	}
}

func (o *Orchestrator) onMessage(msg bus.Message) {
	o.store.AppendMessage(msg)
}

func (o *Orchestrator) onRelay(msg bus.Message) {
	o.mu.Lock()
	cb := o.cb.OnRelay
	o.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (o *Orchestrator) onBlocked(blocked bus.Blocked) {
	o.mu.Lock()
	cb := o.cb.OnRelayBlocked
	o.mu.Unlock()
	if cb != nil {
		cb(blocked)
	}
}

func (o *Orchestrator) onReleased(id bus.AgentID, line agent.OutputLine) {
	if line.Kind == agent.KindRelay {
		return
	}
	o.mu.Lock()
	cb := o.cb.OnAgentOutput
	o.mu.Unlock()
	if cb != nil {
		cb(id, line)
	}
}

// onTask applies one task directive to the board.
func (o *Orchestrator) onTask(from bus.AgentID, tok directive.Token) {
	o.mu.Lock()
	switch tok.Kind {
	case directive.KindTaskAdd:
		o.tasks = append(o.tasks, session.Task{Text: tok.Content, At: time.Now().UTC()})
	case directive.KindTaskDone:
		o.markDoneLocked(tok.Content)
	}
	snapshot := append([]session.Task(nil), o.tasks...)
	o.mu.Unlock()

	o.store.SetTasks(snapshot)
	o.notifyTasks()
	logging.LogKV("orchestrator", "task board updated", "from", from, "kind", tok.Kind, "count", len(snapshot))
}

// markDoneLocked checks off the first open task matching text, by exact
// case-insensitive match first, then by substring. Caller holds o.mu.
func (o *Orchestrator) markDoneLocked(text string) {
	for i := range o.tasks {
		if !o.tasks[i].Done && strings.EqualFold(o.tasks[i].Text, text) {
			o.tasks[i].Done = true
			return
		}
	}
	needle := strings.ToLower(text)
	for i := range o.tasks {
		if !o.tasks[i].Done && strings.Contains(strings.ToLower(o.tasks[i].Text), needle) {
			o.tasks[i].Done = true
			return
		}
	}
}

func (o *Orchestrator) notifyTasks() {
	o.mu.Lock()
	cb := o.cb.OnTasks
	snapshot := append([]session.Task(nil), o.tasks...)
	o.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
}

func (o *Orchestrator) systemPrompt(id bus.AgentID) string {
	if id == bus.Lead {
		var workers []bus.AgentID
		for _, a := range o.order {
			if a != bus.Lead {
				workers = append(workers, a)
			}
		}
		return prompt.Lead(workers)
	}
	return prompt.Worker(id)
}

// startCheckpoints flushes the session periodically so a crash loses at most
// one throttle interval of history.
func (o *Orchestrator) startCheckpoints() {
	interval := o.cfg.CheckpointThrottle()
	if interval <= 0 {
		return
	}
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()

	o.checkpointWG.Add(1)
	go func() {
		defer o.checkpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.store.Flush(); err != nil {
					logging.Log(logging.LevelWarn, "orchestrator", "checkpoint flush failed", "error", err.Error())
				}
			}
		}
	}()
}
