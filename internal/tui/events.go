package tui

import (
	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/session"
)

// AgentOutputMsg carries one released output line into the TUI.
type AgentOutputMsg struct {
	Agent bus.AgentID
	Line  agent.OutputLine
}

// AgentStatusMsg signals an agent lifecycle transition.
type AgentStatusMsg struct {
	Agent  bus.AgentID
	Status agent.Status
}

// RelayMsg signals a successful cross-agent relay.
type RelayMsg struct {
	Message bus.Message
}

// RelayBlockedMsg signals a refused relay (depth, rate, or backpressure).
type RelayBlockedMsg struct {
	Blocked bus.Blocked
}

// TasksMsg replaces the task board view.
type TasksMsg struct {
	Tasks []session.Task
}

// SessionStartedMsg reports the outcome of starting or resuming the session.
type SessionStartedMsg struct {
	SessionID string
	Err       error
}
