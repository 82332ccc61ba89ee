// ABOUTME: Top-level Bubble Tea AppModel for the interactive chat TUI.
// ABOUTME: Implements tea.Model (Init, Update, View), composing a textarea input and a scrolling transcript viewport.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/conductor/agent"
	"github.com/2389-research/conductor/llm"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// AppModel is the top-level Bubble Tea model for an interactive agent chat session.
type AppModel struct {
	session *agent.Session
	profile agent.ProviderProfile
	env     agent.ExecutionEnvironment
	client  *llm.Client
	ctx     context.Context

	input      textarea.Model
	transcript viewport.Model
	spin       spinner.Model

	lines     []string
	busy      bool
	pendingAsm strings.Builder
	turns     int
	width     int
	height    int
	quitting  bool
}

// NewAppModel creates an AppModel wired to a running agent.Session. The
// caller is responsible for launching EventBridge.Pump against the same
// session before starting the tea.Program.
func NewAppModel(ctx context.Context, session *agent.Session, profile agent.ProviderProfile, env agent.ExecutionEnvironment, client *llm.Client) AppModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.ShowLineNumbers = false
	ta.SetHeight(3)

	vp := viewport.New(80, 20)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return AppModel{
		session:    session,
		profile:    profile,
		env:        env,
		client:     client,
		ctx:        ctx,
		input:      ta,
		transcript: vp,
		spin:       sp,
	}
}

// Init implements tea.Model.
func (m AppModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick)
}

// Update implements tea.Model.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSize(msg)

	case SessionEventMsg:
		return m.handleSessionEvent(msg)

	case ProcessDoneMsg:
		return m.handleProcessDone(msg)

	case spinner.TickMsg:
		if m.busy {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}

	return m, nil
}

// View implements tea.Model.
func (m AppModel) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	status := fmt.Sprintf("turns: %d", m.turns)
	if m.busy {
		status = fmt.Sprintf("%s %s", m.spin.View(), status)
	}
	statusBar := StatusBarStyle.Width(m.width).Render(status)

	var b strings.Builder
	b.WriteString(m.transcript.View())
	b.WriteString("\n")
	b.WriteString(InputStyle.Width(m.width - 2).Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(statusBar)

	return b.String()
}

func (m AppModel) handleWindowSize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	inputHeight := 5
	statusHeight := 1
	transcriptHeight := m.height - inputHeight - statusHeight
	if transcriptHeight < 3 {
		transcriptHeight = 3
	}

	m.transcript.Width = m.width
	m.transcript.Height = transcriptHeight
	m.input.SetWidth(m.width - 4)
	m.syncTranscript()
	return m, nil
}

func (m AppModel) handleSessionEvent(msg SessionEventMsg) (tea.Model, tea.Cmd) {
	ev := msg.Event
	switch ev.Kind {
	case agent.EventAssistantTextDelta:
		if text, ok := ev.Data["text"].(string); ok {
			m.pendingAsm.WriteString(text)
		}
	case agent.EventAssistantTextEnd:
		if m.pendingAsm.Len() > 0 {
			m.appendLine(RoleAssistant, m.pendingAsm.String())
			m.pendingAsm.Reset()
		}
		m.turns++
	case agent.EventToolCallStart:
		m.appendLine(RoleTool, fmt.Sprintf("%v %v", ev.Data["tool_name"], ev.Data["args"]))
	case agent.EventToolCallEnd:
		if out, ok := ev.Data["output"].(string); ok && out != "" {
			m.appendLine(RoleToolOutput, out)
		}
	case agent.EventError:
		m.appendLine(RoleError, fmt.Sprintf("%v", ev.Data["error"]))
	case agent.EventLoopDetection:
		m.appendLine(RoleSystem, fmt.Sprintf("loop detected: %v", ev.Data["message"]))
	case agent.EventTurnLimit:
		m.appendLine(RoleSystem, "turn limit reached")
	case agent.EventContextWarning:
		fraction, _ := ev.Data["fraction"].(float64)
		m.appendLine(RoleSystem, fmt.Sprintf("context window %.0f%% used", fraction*100))
	}
	m.syncTranscript()
	return m, nil
}

func (m AppModel) handleProcessDone(msg ProcessDoneMsg) (tea.Model, tea.Cmd) {
	m.busy = false
	if msg.Err != nil && m.ctx.Err() == nil {
		m.appendLine(RoleError, msg.Err.Error())
		m.syncTranscript()
	}
	return m, nil
}

func (m AppModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		m.session.Abort()
		return m, tea.Quit

	case tea.KeyEnter:
		if msg.Alt {
			break
		}
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.busy {
			return m, nil
		}
		m.appendLine(RoleUser, text)
		m.input.SetValue("")
		m.busy = true
		m.syncTranscript()
		return m, SubmitCmd(m.ctx, m.session, text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// appendLine records a styled transcript line.
func (m *AppModel) appendLine(role TranscriptRole, text string) {
	m.lines = append(m.lines, StyleForRole(role).Render(text))
}

// syncTranscript rebuilds the viewport content from the current lines and
// scrolls to the bottom.
func (m *AppModel) syncTranscript() {
	m.transcript.SetContent(lipgloss.JoinVertical(lipgloss.Left, m.lines...))
	m.transcript.GotoBottom()
}
