package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/orchestrator"
	"github.com/agusx1211/fedi/internal/session"
	"github.com/agusx1211/fedi/internal/web"
)

// ErrInterrupted is returned by Run when the user quit with ctrl+c.
var ErrInterrupted = errors.New("tui: interrupted")

// RunConfig holds everything needed to launch the conversation TUI.
type RunConfig struct {
	Orch        *orchestrator.Orchestrator
	ProjectName string
	Task        string // new session task; ignored when ResumeID is set
	ResumeID    string
	Web         *web.Server // optional observer, mirrored callbacks
}

// Run launches the TUI, starts (or resumes) the session once the program is
// up, and stops the orchestrator when the user quits.
func Run(cfg RunConfig) error {
	model := NewModel(cfg.ProjectName, cfg.Orch.Agents(), cfg.Orch.SendUserInput)
	p := tea.NewProgram(model, tea.WithAltScreen())

	cfg.Orch.Bind(orchestrator.Callbacks{
		OnAgentOutput: func(id bus.AgentID, line agent.OutputLine) {
			p.Send(AgentOutputMsg{Agent: id, Line: line})
			if cfg.Web != nil {
				cfg.Web.PublishOutput(id, line)
			}
		},
		OnAgentStatus: func(id bus.AgentID, status agent.Status) {
			p.Send(AgentStatusMsg{Agent: id, Status: status})
			if cfg.Web != nil {
				cfg.Web.PublishStatus(id, status)
			}
		},
		OnRelay: func(msg bus.Message) {
			p.Send(RelayMsg{Message: msg})
		},
		OnRelayBlocked: func(blocked bus.Blocked) {
			p.Send(RelayBlockedMsg{Blocked: blocked})
		},
		OnTasks: func(tasks []session.Task) {
			p.Send(TasksMsg{Tasks: tasks})
			if cfg.Web != nil {
				cfg.Web.PublishTasks(tasks)
			}
		},
	})

	go func() {
		var data *session.Data
		var err error
		if cfg.ResumeID != "" {
			data, err = cfg.Orch.Resume(context.Background(), cfg.ResumeID)
		} else {
			data, err = cfg.Orch.StartWithTask(context.Background(), cfg.Task)
		}
		msg := SessionStartedMsg{Err: err}
		if data != nil {
			msg.SessionID = data.ID
		}
		p.Send(msg)
	}()

	final, runErr := p.Run()
	stopErr := cfg.Orch.Stop()
	if runErr != nil {
		return runErr
	}
	if m, ok := final.(Model); ok {
		if m.err != nil {
			return m.err
		}
		if m.interrupted {
			return ErrInterrupted
		}
	}
	return stopErr
}
