package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// chatThread is the part of thread.Thread the terminal client drives.
type chatThread interface {
	SessionID() string
	Load(ctx context.Context) []models.Message
	Send(ctx context.Context, agentID, text string) error
	Reload(ctx context.Context, agentID, parentID string) error
	Cancel() bool
}

// doneMsg is returned once a send or reload returned.
type doneMsg struct {
	err error
}

type model struct {
	thread  chatThread
	agentID string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	progress progress.Model

	rendererOpts []glamour.TermRendererOption
	renderer     *glamour.TermRenderer

	messages []models.Message
	running  bool
	status   string

	width  int
	height int
	ready  bool
}

const (
	headerHeight = 1
	inputHeight  = 1
	footerHeight = 1
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	argsStyle      = lipgloss.NewStyle().Faint(true).PaddingLeft(2)
	teamStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

// newModel returns the chat model of one session. rendererOpts configure the markdown renderer of
// assistant text; the word wrap follows the window width.
func newModel(th chatThread, agentID string, rendererOpts ...glamour.TermRendererOption) model {
	ti := textinput.New()
	ti.Placeholder = "Type a message... (Enter to send, Esc to cancel, Ctrl+R to reload)"
	ti.CharLimit = 10000
	ti.Focus()

	return model{
		thread:       th,
		agentID:      agentID,
		input:        ti,
		viewport:     viewport.New(80, 20),
		spinner:      spinner.New(spinner.WithSpinner(spinner.Dot)),
		progress:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		rendererOpts: rendererOpts,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.load())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-inputHeight-footerHeight, 1)
		m.input.Width = max(msg.Width-4, 10)

		opts := append([]glamour.TermRendererOption{}, m.rendererOpts...)
		opts = append(opts, glamour.WithWordWrap(max(msg.Width-4, 20)))
		r, err := glamour.NewTermRenderer(opts...)
		if err != nil {
			m.status = fmt.Sprintf("Markdown disabled: %v", err)
		} else {
			m.renderer = r
		}

		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.thread.Cancel()
			return m, tea.Quit

		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if m.running {
				m.status = "A reply is still being generated"
				return m, nil
			}
			m.input.Reset()
			m.running = true
			m.status = ""
			return m, m.send(text)

		case tea.KeyEsc:
			if !m.thread.Cancel() {
				m.status = "No reply is being generated"
			}
			return m, nil

		case tea.KeyCtrlR:
			if m.running {
				m.status = "A reply is still being generated"
				return m, nil
			}
			m.running = true
			m.status = ""
			return m, m.reload()

		case tea.KeyUp, tea.KeyDown, tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case messagesMsg:
		m.messages = msg
		m.refresh()
		return m, nil

	case doneMsg:
		m.running = false
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.loading() {
			m.refresh()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	state := "idle"
	if m.running {
		state = "streaming"
	}
	header := headerStyle.Width(m.width).Render(
		fmt.Sprintf("ISEK | session %s | agent %s | %s", m.thread.SessionID(), m.agentID, state))

	footer := m.status
	if footer == "" {
		footer = "Enter send · Esc cancel · Ctrl+R reload · ↑↓ scroll · Ctrl+C quit"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		footerStyle.Render(footer),
	)
}

func (m model) load() tea.Cmd {
	return func() tea.Msg {
		return messagesMsg(m.thread.Load(context.Background()))
	}
}

func (m model) send(text string) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: m.thread.Send(context.Background(), m.agentID, text)}
	}
}

// reload fetches the history so the last user message has its stored ID, then regenerates its reply.
func (m model) reload() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		parentID := lastUserMessageID(m.thread.Load(ctx))
		if parentID == "" {
			return doneMsg{}
		}
		return doneMsg{err: m.thread.Reload(ctx, m.agentID, parentID)}
	}
}

func lastUserMessageID(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser && msgs[i].ID != "" {
			return msgs[i].ID
		}
	}
	return ""
}

func (m model) loading() bool {
	return len(m.messages) > 0 && m.messages[len(m.messages)-1].IsLoading()
}

func (m *model) refresh() {
	var sb strings.Builder
	for i, msg := range m.messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.renderMessage(msg))
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) renderMessage(msg models.Message) string {
	var sb strings.Builder
	if msg.Role == models.RoleUser {
		sb.WriteString(userStyle.Render("You"))
	} else {
		sb.WriteString(assistantStyle.Render("Agent"))
	}
	sb.WriteString("\n")

	for _, p := range msg.Parts {
		sb.WriteString(m.renderPart(msg.Role, p))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m model) renderPart(role models.Role, p models.Part) string {
	switch {
	case p.IsLoading():
		return m.spinner.View() + " Thinking..."
	case p.Type == models.PartTypeText:
		return m.renderText(role, p.Text)
	case p.Type == models.PartTypeUIComponent:
		return argsStyle.Render(models.ArgsText(p.Raw))
	case p.ToolName == models.TeamFormationTool:
		if tf, err := models.ParseTeamFormation(p.Args); err == nil {
			return m.renderTeam(tf)
		}
	}

	out := toolStyle.Render("Calling Tool: " + p.ToolName)
	if p.ArgsText != "" {
		out += "\n" + argsStyle.Render(p.ArgsText)
	}
	return out
}

func (m model) renderText(role models.Role, text string) string {
	if role != models.RoleAssistant || m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m model) renderTeam(tf models.TeamFormation) string {
	var sb strings.Builder
	sb.WriteString(lipgloss.NewStyle().Bold(true).Render(tf.Task))
	sb.WriteString("\n")
	sb.WriteString(m.progress.ViewAs(tf.Progress))
	sb.WriteString("\n")
	sb.WriteString(tf.CurrentStep)

	if tf.Status != models.TeamStatusCompleted {
		sb.WriteString(fmt.Sprintf(" (%d/%d)", min(len(tf.Members), models.TeamTargetSize), models.TeamTargetSize))
	}
	for _, member := range tf.Members {
		sb.WriteString(fmt.Sprintf("\n%s %s · %s", member.Avatar, member.Name, member.Role))
	}
	if tf.Status == models.TeamStatusCompleted && tf.TeamStats != nil {
		sb.WriteString(fmt.Sprintf("\n%d members · %s", tf.TeamStats.TotalMembers, strings.Join(tf.TeamStats.Skills, ", ")))
	}
	return teamStyle.Render(sb.String())
}
