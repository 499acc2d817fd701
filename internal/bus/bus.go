// Package bus is the structured message bus between agents.
//
// It owns routing, correlation-chain depth tracking, and the bounded
// history buffer. All mutation goes through Send/Record/Relay under one
// mutex, so history indices are strictly increasing and subscriber
// notification order matches send order.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agusx1211/fedi/internal/hexid"
	"github.com/agusx1211/fedi/internal/logging"
)

// AgentID labels one endpoint on the bus. The agent set is fixed at process
// start; User, System, and All are reserved pseudo-endpoints.
type AgentID string

const (
	Lead   AgentID = "lead"
	User   AgentID = "user"
	System AgentID = "system"
	All    AgentID = "all"
)

// Message is one bus entry. Messages are created by Send/Record/Relay and
// never mutated afterwards.
type Message struct {
	ID            string    `json:"id"`
	From          AgentID   `json:"from"`
	To            AgentID   `json:"to"`
	Content       string    `json:"content"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RelayCount    int       `json:"relay_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Blocked describes a relay that was refused.
type Blocked struct {
	From          AgentID
	To            AgentID
	CorrelationID string
	RelayCount    int
	Reason        string // "depth", "rate", "backpressure"
}

// Subscriber receives bus events through typed callbacks. Nil callbacks are
// skipped. Callbacks run synchronously on the sending goroutine; the global
// OnMessage fires before the targeted OnDirected for the same message.
type Subscriber struct {
	OnMessage      func(Message)
	OnDirected     func(target AgentID, msg Message)
	OnRelay        func(Message)
	OnRelayBlocked func(Blocked)
}

const (
	// MaxRelayDepth is the hop budget per correlation chain.
	MaxRelayDepth = 5

	maxHistory             = 500
	defaultMaxCorrelations = 200
	correlationMaxAge      = 10 * time.Minute

	summaryMaxEntries = 5
	summaryMaxContent = 150
)

type correlation struct {
	count      int
	lastSeenAt time.Time
}

// Bus routes messages between the registered agents.
type Bus struct {
	mu           sync.Mutex
	agents       []AgentID
	history        []Message
	dropped        int // history entries discarded by the cap
	correlations   map[string]*correlation
	correlationCap int
	subs           []Subscriber

	now func() time.Time
}

// New creates a Bus for a fixed agent set. The set is used to fan out
// broadcasts and to validate relay targets.
func New(agents []AgentID) *Bus {
	return &Bus{
		agents:         append([]AgentID(nil), agents...),
		correlations:   make(map[string]*correlation),
		correlationCap: defaultMaxCorrelations,
		now:            time.Now,
	}
}

// SetCorrelationCap overrides the correlation-map size limit (the
// maxMessages config key). Values below 1 are ignored.
func (b *Bus) SetCorrelationCap(n int) {
	if n < 1 {
		return
	}
	b.mu.Lock()
	b.correlationCap = n
	b.mu.Unlock()
}

// Subscribe registers a subscriber. Subscribers survive Reset.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Agents returns the registered agent set.
func (b *Bus) Agents() []AgentID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AgentID(nil), b.agents...)
}

// HasAgent reports whether id is a registered agent.
func (b *Bus) HasAgent(id AgentID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.agents {
		if a == id {
			return true
		}
	}
	return false
}

// Send finalizes msg (id, timestamp, relay count default), appends it to
// history, bumps its correlation counter, and notifies subscribers: the
// global callback first, then the targeted callback for msg.To (every agent
// when To is All).
func (b *Bus) Send(msg Message) Message {
	return b.send(msg, true)
}

// send appends and routes msg. bump is false on the relay path, which has
// already reserved its correlation hop under the lock.
func (b *Bus) send(msg Message, bump bool) Message {
	b.mu.Lock()
	msg = b.finalize(msg)
	b.append(msg)
	if bump && msg.CorrelationID != "" {
		b.bumpCorrelation(msg.CorrelationID, msg.To)
	}
	subs := append([]Subscriber(nil), b.subs...)
	targets := b.routeTargets(msg.To)
	b.mu.Unlock()

	logging.Log(logging.LevelDebug, "bus", "send",
		"from", msg.From, "to", msg.To, "relay_count", msg.RelayCount, "correlation", msg.CorrelationID)

	for _, sub := range subs {
		if sub.OnMessage != nil {
			sub.OnMessage(msg)
		}
	}
	for _, target := range targets {
		for _, sub := range subs {
			if sub.OnDirected != nil {
				sub.OnDirected(target, msg)
			}
		}
	}
	return msg
}

// Record appends msg to history and fires the global callback only. It does
// not route, so no agent turn is triggered. Used for user-visible injection
// such as echoing user input into the transcript.
func (b *Bus) Record(msg Message) Message {
	b.mu.Lock()
	msg = b.finalize(msg)
	b.append(msg)
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.OnMessage != nil {
			sub.OnMessage(msg)
		}
	}
	return msg
}

// Relay continues a correlation chain from one agent to another. When the
// chain has already used its MaxRelayDepth hops the relay is refused: one
// OnRelayBlocked fires and false is returned. The correlationID may be
// empty, in which case a fresh chain is opened.
func (b *Bus) Relay(from, to AgentID, content, correlationID string) bool {
	b.mu.Lock()
	if correlationID == "" {
		correlationID = hexid.New()
	}
	prior := 0
	if c, ok := b.correlations[correlationID]; ok {
		prior = c.count
	}
	if prior >= MaxRelayDepth {
		subs := append([]Subscriber(nil), b.subs...)
		b.mu.Unlock()

		blocked := Blocked{From: from, To: to, CorrelationID: correlationID, RelayCount: prior, Reason: "depth"}
		logging.Log(logging.LevelWarn, "bus", "relay blocked: depth limit",
			"from", from, "to", to, "correlation", correlationID, "count", prior)
		for _, sub := range subs {
			if sub.OnRelayBlocked != nil {
				sub.OnRelayBlocked(blocked)
			}
		}
		return false
	}
	// Reserve the hop before releasing the lock so concurrent relays on the
	// same chain cannot overshoot the depth budget.
	b.bumpCorrelation(correlationID, to)
	b.mu.Unlock()

	msg := b.send(Message{
		From:          from,
		To:            to,
		Content:       content,
		CorrelationID: correlationID,
		RelayCount:    prior + 1,
	}, false)

	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		if sub.OnRelay != nil {
			sub.OnRelay(msg)
		}
	}
	return true
}

// NotifyBlocked surfaces a relay refusal decided outside the bus (rate
// limiting, driver backpressure) through the same subscriber callback.
func (b *Bus) NotifyBlocked(blocked Blocked) {
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		if sub.OnRelayBlocked != nil {
			sub.OnRelayBlocked(blocked)
		}
	}
}

// History returns a snapshot of the buffered messages, oldest first.
func (b *Bus) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.history...)
}

// HistoryLen returns the absolute history cursor: the count of all messages
// ever appended, including ones the cap has discarded. Summary cursors are
// expressed in this coordinate so they stay valid across drops.
func (b *Bus) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped + len(b.history)
}

// CorrelationCount returns the hop count recorded for a chain.
func (b *Bus) CorrelationCount(correlationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.correlations[correlationID]; ok {
		return c.count
	}
	return 0
}

// ContextSummary is the result of GetContextSummary.
type ContextSummary struct {
	Summary  string
	NewIndex int
}

// GetContextSummary renders up to five recent cross-talk lines newer than
// sinceIndex that the given agent has not seen: messages where it is
// neither endpoint, excluding user sidebars with other workers so a lead
// never reads a private user→worker exchange.
func (b *Bus) GetContextSummary(forAgent AgentID, sinceIndex int) ContextSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lines []string
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.dropped+i < sinceIndex {
			break
		}
		msg := b.history[i]
		if msg.From == forAgent || msg.To == forAgent {
			continue
		}
		if msg.From == User && msg.To != Lead && msg.To != forAgent {
			continue
		}
		content := msg.Content
		if runes := []rune(content); len(runes) > summaryMaxContent {
			content = string(runes[:summaryMaxContent]) + "…"
		}
		lines = append(lines, fmt.Sprintf("[%s→%s] %s", msg.From, msg.To, content))
		if len(lines) == summaryMaxEntries {
			break
		}
	}

	// Collected newest-first; present oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return ContextSummary{Summary: strings.Join(lines, "\n"), NewIndex: b.dropped + len(b.history)}
}

// Reset clears history and correlation state. Subscribers are kept so a
// restarted session does not have to re-bind its renderer.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.history = nil
	b.dropped = 0
	b.correlations = make(map[string]*correlation)
	b.mu.Unlock()
}

// routeTargets expands a destination into targeted-emission endpoints.
// Caller holds b.mu.
func (b *Bus) routeTargets(to AgentID) []AgentID {
	if to == All {
		return append([]AgentID(nil), b.agents...)
	}
	return []AgentID{to}
}

// finalize fills the generated fields of a message. Caller holds b.mu.
func (b *Bus) finalize(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	return msg
}

func (b *Bus) append(msg Message) {
	b.history = append(b.history, msg)
	if len(b.history) > maxHistory {
		over := len(b.history) - maxHistory
		b.history = b.history[over:]
		b.dropped += over
	}
}

// bumpCorrelation increments a chain counter: once per destination for a
// broadcast, once otherwise. Stale entries are evicted when the map
// overflows the correlation cap, oldest lastSeenAt first.
func (b *Bus) bumpCorrelation(id string, to AgentID) {
	inc := 1
	if to == All {
		inc = len(b.agents)
	}
	c, ok := b.correlations[id]
	if !ok {
		c = &correlation{}
		b.correlations[id] = c
	}
	c.count += inc
	c.lastSeenAt = b.now()

	if len(b.correlations) > b.correlationCap {
		b.evictCorrelations()
	}
}

func (b *Bus) evictCorrelations() {
	cutoff := b.now().Add(-correlationMaxAge)
	for id, c := range b.correlations {
		if c.lastSeenAt.Before(cutoff) {
			delete(b.correlations, id)
		}
	}
	// Still over the cap: drop least recently seen until under.
	for len(b.correlations) > b.correlationCap {
		var oldestID string
		var oldest time.Time
		for id, c := range b.correlations {
			if oldestID == "" || c.lastSeenAt.Before(oldest) {
				oldestID = id
				oldest = c.lastSeenAt
			}
		}
		delete(b.correlations, oldestID)
	}
}
