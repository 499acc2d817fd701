// Package relay bridges agent output streams to the message bus.
//
// The controller buffers each agent's streamed stdout into a per-turn
// draft, scans it for directive lines, converts them to bus relays, and
// releases the remaining prose to the renderer after a short debounce. It
// also carries the safety net: a lead turn that was triggered by a worker
// reply but ends without any [TO:…] directive is force-delivered back to
// that worker.
package relay

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/directive"
	"github.com/agusx1211/fedi/internal/logging"
)

const (
	// DraftFlushDebounce is how long a draft waits for more chunks before
	// its non-directive text is released as ordinary output.
	DraftFlushDebounce = 150 * time.Millisecond

	// SafetyNetDebounce is the inactivity window before an orphaned lead
	// reply is force-relayed to its triggering worker.
	SafetyNetDebounce = 500 * time.Millisecond
)

// OutputFn receives released (non-directive) output lines.
type OutputFn func(from bus.AgentID, line agent.OutputLine)

// TaskFn receives task-board directives.
type TaskFn func(from bus.AgentID, tok directive.Token)

// pendingRelay is a [TO:X] directive whose content arrives on later lines.
type pendingRelay struct {
	target bus.AgentID
	lines  []string
}

// draft is the per-agent, per-turn accumulation state.
type draft struct {
	pending      []string // buffered non-directive lines awaiting flush
	attach       *pendingRelay
	sawDirective bool
	relaysInTurn int
	turnText     strings.Builder // full prose of the turn, for the safety net
	trigger      *bus.Message    // inbound message that started this turn
	flushTimer   *time.Timer
	safetyTimer  *time.Timer
}

// Controller owns the drafts and the relay rate limiter.
type Controller struct {
	bus  *bus.Bus
	cfg  *config.Config
	lead bus.AgentID

	flushDebounce  time.Duration
	safetyDebounce time.Duration

	mu       sync.Mutex
	drafts   map[bus.AgentID]*draft
	limiter  *rateLimiter
	outputFn OutputFn
	taskFn   TaskFn
	stopped  bool
}

// New creates a Controller bound to a bus. lead names the supervising
// agent for the safety net.
func New(b *bus.Bus, cfg *config.Config, lead bus.AgentID) *Controller {
	return &Controller{
		bus:            b,
		cfg:            cfg,
		lead:           lead,
		flushDebounce:  DraftFlushDebounce,
		safetyDebounce: SafetyNetDebounce,
		drafts:         make(map[bus.AgentID]*draft),
		limiter:        newRateLimiter(cfg.MaxRelaysPerWindow, cfg.RelayWindow()),
	}
}

// SetOutputFn registers the sink for released output lines.
func (c *Controller) SetOutputFn(fn OutputFn) {
	c.mu.Lock()
	c.outputFn = fn
	c.mu.Unlock()
}

// SetTaskFn registers the sink for task directives.
func (c *Controller) SetTaskFn(fn TaskFn) {
	c.mu.Lock()
	c.taskFn = fn
	c.mu.Unlock()
}

// BeginTurn records the message that triggered an agent's turn and cancels
// any armed safety net for that agent.
func (c *Controller) BeginTurn(id bus.AgentID, trigger *bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.draftLocked(id)
	if d.safetyTimer != nil {
		d.safetyTimer.Stop()
		d.safetyTimer = nil
	}
	d.trigger = trigger
	d.sawDirective = false
	d.relaysInTurn = 0
	d.turnText.Reset()
}

// Ingest feeds one OutputLine from an agent driver. Only stdout passes
// through the draft scanner; other kinds are released immediately.
func (c *Controller) Ingest(id bus.AgentID, line agent.OutputLine) {
	if line.Kind != agent.KindStdout {
		c.release(id, line)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	d := c.draftLocked(id)
	for _, text := range strings.Split(line.Text, "\n") {
		c.scanLineLocked(id, d, text)
	}
	c.armFlushLocked(id, d)
	c.mu.Unlock()
}

// TurnComplete signals that an agent reached its terminal event. Pending
// draft state is flushed, an unfinished attach is delivered, and the
// safety net is armed when a triggered lead turn emitted no directive.
func (c *Controller) TurnComplete(id bus.AgentID) {
	c.mu.Lock()
	d := c.draftLocked(id)
	c.finalizeAttachLocked(id, d)
	c.flushPendingLocked(id, d)

	armSafety := id == c.lead &&
		!d.sawDirective &&
		d.trigger != nil &&
		d.trigger.From != bus.User &&
		d.trigger.From != bus.System &&
		d.turnText.Len() > 0
	if armSafety {
		target := d.trigger.From
		correlation := d.trigger.CorrelationID
		text := strings.TrimSpace(d.turnText.String())
		if d.safetyTimer != nil {
			d.safetyTimer.Stop()
		}
		d.safetyTimer = time.AfterFunc(c.safetyDebounce, func() {
			c.fireSafetyNet(id, target, text, correlation)
		})
		logging.LogKV("relay", "safety net armed", "agent", id, "target", target)
	}
	c.mu.Unlock()
}

// AbortTurn discards an agent's partial draft without flushing. Used when a
// turn fails or times out mid-stream.
func (c *Controller) AbortTurn(id bus.AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.drafts[id]
	if !ok {
		return
	}
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	if d.safetyTimer != nil {
		d.safetyTimer.Stop()
		d.safetyTimer = nil
	}
	d.pending = nil
	d.attach = nil
	d.turnText.Reset()
}

// Stop cancels all timers and drops buffered drafts.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, d := range c.drafts {
		if d.flushTimer != nil {
			d.flushTimer.Stop()
		}
		if d.safetyTimer != nil {
			d.safetyTimer.Stop()
		}
	}
	c.drafts = make(map[bus.AgentID]*draft)
}

// scanLineLocked routes one draft line. Caller holds c.mu.
func (c *Controller) scanLineLocked(id bus.AgentID, d *draft, text string) {
	// An open attach collects lines until a blank line or a directive.
	if d.attach != nil {
		if strings.TrimSpace(text) == "" || directive.IsDirectiveLine(text) {
			c.finalizeAttachLocked(id, d)
		} else {
			d.attach.lines = append(d.attach.lines, text)
			return
		}
	}

	if !directive.IsDirectiveLine(text) {
		d.pending = append(d.pending, text)
		d.turnText.WriteString(text)
		d.turnText.WriteString("\n")
		return
	}

	tokens, _ := directive.Parse(text)
	for _, tok := range tokens {
		switch tok.Kind {
		case directive.KindRelay:
			d.sawDirective = true
			target := bus.AgentID(tok.Target)
			if tok.Content == "" {
				d.attach = &pendingRelay{target: target}
				continue
			}
			c.relayLocked(id, d, target, tok.Content)
		case directive.KindTaskAdd, directive.KindTaskDone:
			if c.taskFn != nil {
				fn := c.taskFn
				from := id
				token := tok
				// Task callbacks run outside the lock.
				go fn(from, token)
			}
		}
	}
}

// finalizeAttachLocked delivers a pending empty-content directive with the
// lines collected since. Caller holds c.mu.
func (c *Controller) finalizeAttachLocked(id bus.AgentID, d *draft) {
	if d.attach == nil {
		return
	}
	attach := d.attach
	d.attach = nil
	content := strings.TrimSpace(strings.Join(attach.lines, "\n"))
	if content == "" {
		logging.Log(logging.LevelWarn, "relay", "directive with no content dropped",
			"from", id, "target", attach.target)
		return
	}
	c.relayLocked(id, d, attach.target, content)
}

// relayLocked performs one bus relay, enforcing the rate limit and the
// per-turn cross-talk cap. Caller holds c.mu.
func (c *Controller) relayLocked(id bus.AgentID, d *draft, target bus.AgentID, content string) {
	correlation := ""
	if d.trigger != nil {
		correlation = d.trigger.CorrelationID
	}

	if target != bus.All && target != bus.User && !c.bus.HasAgent(target) {
		c.releaseLocked(id, agent.OutputLine{
			Text:      fmt.Sprintf("agent inconnu (unknown agent): %s", target),
			Timestamp: time.Now(),
			Kind:      agent.KindInfo,
		})
		logging.Log(logging.LevelWarn, "relay", "directive for unknown agent dropped",
			"from", id, "target", target)
		return
	}

	if d.relaysInTurn >= c.cfg.MaxCrossTalkPerRound || !c.limiter.allow() {
		c.bus.NotifyBlocked(bus.Blocked{
			From: id, To: target, CorrelationID: correlation, Reason: "rate",
		})
		c.releaseLocked(id, agent.OutputLine{
			Text:      "relais refusé: limite de débit (relay dropped: rate limited)",
			Timestamp: time.Now(),
			Kind:      agent.KindInfo,
		})
		logging.Log(logging.LevelWarn, "relay", "rate limited", "from", id, "to", target)
		return
	}

	d.relaysInTurn++
	// The bus notifies subscribers synchronously and they may call back
	// into the controller, so the relay itself runs unlocked.
	c.mu.Unlock()
	ok := c.bus.Relay(id, target, content, correlation)
	c.mu.Lock()

	if ok {
		logging.LogKV("relay", "directive relayed", "from", id, "to", target, "len", len(content))
	}
}

// fireSafetyNet delivers an orphaned lead reply to its triggering worker.
func (c *Controller) fireSafetyNet(from, target bus.AgentID, text, correlation string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	d := c.draftLocked(from)
	d.safetyTimer = nil
	if d.sawDirective {
		c.mu.Unlock()
		return
	}
	if !c.limiter.allow() {
		c.mu.Unlock()
		c.bus.NotifyBlocked(bus.Blocked{From: from, To: target, CorrelationID: correlation, Reason: "rate"})
		return
	}
	c.mu.Unlock()

	logging.LogKV("relay", "safety net fired", "from", from, "to", target)
	c.bus.Relay(from, target, text, correlation)
}

// armFlushLocked re-arms the draft flush debounce. Caller holds c.mu.
func (c *Controller) armFlushLocked(id bus.AgentID, d *draft) {
	if d.flushTimer != nil {
		d.flushTimer.Stop()
	}
	d.flushTimer = time.AfterFunc(c.flushDebounce, func() {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		dd := c.draftLocked(id)
		dd.flushTimer = nil
		c.flushPendingLocked(id, dd)
		c.mu.Unlock()
	})
}

// flushPendingLocked releases the buffered non-directive lines in order.
// Caller holds c.mu.
func (c *Controller) flushPendingLocked(id bus.AgentID, d *draft) {
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	if len(d.pending) == 0 {
		return
	}
	pending := d.pending
	d.pending = nil
	out := c.outputFn
	if out == nil {
		return
	}
	c.mu.Unlock()
	for _, text := range pending {
		out(id, agent.OutputLine{Text: text, Timestamp: time.Now(), Kind: agent.KindStdout})
	}
	c.mu.Lock()
}

func (c *Controller) release(id bus.AgentID, line agent.OutputLine) {
	c.mu.Lock()
	out := c.outputFn
	c.mu.Unlock()
	if out != nil {
		out(id, line)
	}
}

func (c *Controller) releaseLocked(id bus.AgentID, line agent.OutputLine) {
	out := c.outputFn
	if out == nil {
		return
	}
	c.mu.Unlock()
	out(id, line)
	c.mu.Lock()
}

func (c *Controller) draftLocked(id bus.AgentID) *draft {
	d, ok := c.drafts[id]
	if !ok {
		d = &draft{}
		c.drafts[id] = d
	}
	return d
}
