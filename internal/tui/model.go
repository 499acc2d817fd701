package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/session"
)

const (
	maxTranscript = 2000
	maxTaskRows   = 5
	relayPreview  = 80
)

// Model is the single-column conversation view: header, transcript, task
// board, status bar, input.
type Model struct {
	projectName string
	sessionID   string

	width  int
	height int
	ready  bool

	vp    viewport.Model
	input textinput.Model

	order      []bus.AgentID
	statuses   map[bus.AgentID]agent.Status
	transcript []string
	tasks      []session.Task

	send        func(text string) error
	err         error
	interrupted bool
}

// NewModel builds the initial model. send routes submitted input to the
// orchestrator.
func NewModel(projectName string, agents []bus.AgentID, send func(string) error) Model {
	input := textinput.New()
	input.Placeholder = "message the lead, or @worker_a …"
	input.Prompt = "> "
	input.Focus()

	statuses := make(map[bus.AgentID]agent.Status, len(agents))
	for _, id := range agents {
		statuses[id] = agent.StatusIdle
	}
	return Model{
		projectName: projectName,
		input:       input,
		order:       agents,
		statuses:    statuses,
		send:        send,
	}
}

// Err returns the fatal error that ended the TUI, if any.
func (m Model) Err() error { return m.err }

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - m.chromeHeight()
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.vp = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = m.width
			m.vp.Height = vpHeight
		}
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.interrupted = true
			return m, tea.Quit
		case "esc":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.appendLine(userLabelStyle.Render("you>") + " " + proseStyle.Render(text))
			if err := m.send(text); err != nil {
				m.appendLine(infoStyle.Render("✗ " + err.Error()))
			}
			return m, nil
		}
		var cmds []tea.Cmd
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.vp, cmd = m.vp.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case SessionStartedMsg:
		if msg.Err != nil {
			m.err = msg.Err
			return m, tea.Quit
		}
		m.sessionID = msg.SessionID
		return m, nil

	case AgentOutputMsg:
		m.appendLine(m.renderOutput(msg.Agent, msg.Line))
		return m, nil

	case AgentStatusMsg:
		m.statuses[msg.Agent] = msg.Status
		return m, nil

	case RelayMsg:
		preview := msg.Message.Content
		if runes := []rune(preview); len(runes) > relayPreview {
			preview = string(runes[:relayPreview]) + "…"
		}
		m.appendLine(relayStyle.Render(fmt.Sprintf("⇄ %s → %s: %s",
			msg.Message.From, msg.Message.To, preview)))
		return m, nil

	case RelayBlockedMsg:
		m.appendLine(infoStyle.Render(fmt.Sprintf("⊘ relay %s → %s blocked (%s)",
			msg.Blocked.From, msg.Blocked.To, msg.Blocked.Reason)))
		return m, nil

	case TasksMsg:
		m.tasks = msg.Tasks
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "démarrage (starting)…"
	}
	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	if tasksView := m.tasksView(); tasksView != "" {
		b.WriteString(tasksView)
		b.WriteString("\n")
	}
	b.WriteString(m.statusBarView())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m Model) headerView() string {
	title := " fedi · " + m.projectName
	if m.sessionID != "" {
		title += " · " + shortID(m.sessionID)
	}
	return headerStyle.Width(m.width).Render(title)
}

func (m Model) statusBarView() string {
	parts := make([]string, 0, len(m.order)+1)
	for _, id := range m.order {
		st := m.statuses[id]
		parts = append(parts, fmt.Sprintf("%s %s %s", statusDot(string(st)), id, st))
	}
	parts = append(parts, dimStyle.Render("ctrl+c quit"))
	return statusBarStyle.Width(m.width).Render(strings.Join(parts, "  │  "))
}

func (m Model) tasksView() string {
	if len(m.tasks) == 0 {
		return ""
	}
	rows := make([]string, 0, maxTaskRows)
	shown := m.tasks
	if len(shown) > maxTaskRows {
		shown = shown[len(shown)-maxTaskRows:]
	}
	for _, task := range shown {
		if task.Done {
			rows = append(rows, taskDoneStyle.Render("☑ "+task.Text))
		} else {
			rows = append(rows, taskOpenStyle.Render("☐ "+task.Text))
		}
	}
	return strings.Join(rows, "\n")
}

func (m Model) chromeHeight() int {
	// header + task rows + status bar + input
	h := 3
	n := len(m.tasks)
	if n > maxTaskRows {
		n = maxTaskRows
	}
	return h + n
}

func (m *Model) renderOutput(id bus.AgentID, line agent.OutputLine) string {
	label := agentLabelStyle.Render(string(id) + ">")
	switch line.Kind {
	case agent.KindSystem:
		return actionStyle.Render("  " + line.Text)
	case agent.KindInfo:
		return infoStyle.Render("  " + line.Text)
	case agent.KindStderr:
		return dimStyle.Render("  " + line.Text)
	default:
		return label + " " + proseStyle.Render(line.Text)
	}
}

func (m *Model) appendLine(line string) {
	if m.width > 2 {
		line = lipgloss.NewStyle().Width(m.width - 1).Render(line)
	}
	m.transcript = append(m.transcript, line)
	if len(m.transcript) > maxTranscript {
		m.transcript = m.transcript[len(m.transcript)-maxTranscript:]
	}
	m.refreshTranscript()
}

func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	m.vp.SetContent(strings.Join(m.transcript, "\n"))
	m.vp.GotoBottom()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
