// Package protocol defines the wire frames the web observer streams to
// connected clients.
//
// Every frame is one JSON object {type, data}. The observer is read-only:
// clients receive the live conversation but cannot inject into it.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame type tags.
const (
	TypeHello        = "hello"
	TypeMessage      = "message"
	TypeRelay        = "relay"
	TypeRelayBlocked = "relay-blocked"
	TypeOutput       = "output"
	TypeStatus       = "status"
	TypeTasks        = "tasks"
)

// Frame is the envelope for every wire message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into an envelope.
func NewFrame(frameType string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Data: raw}, nil
}

// Hello is the first frame after connect: the roster and session identity.
type Hello struct {
	SessionID string   `json:"session_id,omitempty"`
	Task      string   `json:"task,omitempty"`
	Agents    []string `json:"agents"`
}

// WireMessage mirrors one bus message.
type WireMessage struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Content       string    `json:"content"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RelayCount    int       `json:"relay_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// WireBlocked reports a refused relay.
type WireBlocked struct {
	From          string `json:"from"`
	To            string `json:"to"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RelayCount    int    `json:"relay_count"`
	Reason        string `json:"reason"`
}

// WireOutput is one normalized output line from an agent.
type WireOutput struct {
	Agent     string    `json:"agent"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// WireStatus reports an agent lifecycle transition.
type WireStatus struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

// WireTask is one task board entry.
type WireTask struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// WireTasks is the full task board, sent whole on every change.
type WireTasks struct {
	Tasks []WireTask `json:"tasks"`
}
