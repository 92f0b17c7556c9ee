package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

type session struct {
	ID           string
	Title        string
	AgentID      string
	AgentName    string
	MessageCount int

	Active bool
}

type message struct {
	ID      string
	Role    string
	Parts   []part
	Loading bool

	// ParentID is the message a reload of this one keeps: the message itself for a user message,
	// the one before it for a reply.
	ParentID string
}

type part struct {
	Kind partKind

	HTML template.HTML

	ToolCallID string
	ToolName   string
	ArgsText   string

	Team *teamCard
}

type partKind string

const (
	partKindText      partKind = "text"
	partKindTool      partKind = "tool"
	partKindTeam      partKind = "team"
	partKindComponent partKind = "component"
	partKindLoading   partKind = "loading"
)

type teamCard struct {
	models.TeamFormation

	Percent   int
	Recruited int
	Target    int
	Completed bool
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

func sessionTitle(s models.ChatSession) string {
	if s.Title != "" {
		return s.Title
	}
	if s.AgentName != "" {
		return s.AgentName
	}
	return "New chat"
}

func (m Main) sessions(list []models.ChatSession, activeID string) []session {
	res := make([]session, len(list))
	for i, s := range list {
		res[i] = session{
			ID:           s.ID,
			Title:        sessionTitle(s),
			AgentID:      s.AgentID,
			AgentName:    s.AgentName,
			MessageCount: s.MessageCount,
			Active:       s.ID == activeID,
		}
	}
	return res
}

func (m Main) messages(msgs []models.Message) []message {
	res := make([]message, len(msgs))
	for i, msg := range msgs {
		res[i] = m.message(msg)
		switch {
		case msg.Role == models.RoleUser:
			res[i].ParentID = msg.ID
		case i > 0:
			res[i].ParentID = msgs[i-1].ID
		}
	}
	return res
}

func (m Main) message(msg models.Message) message {
	res := message{
		ID:      msg.ID,
		Role:    string(msg.Role),
		Parts:   make([]part, 0, len(msg.Parts)),
		Loading: msg.IsLoading(),
	}
	for _, p := range msg.Parts {
		res.Parts = append(res.Parts, m.part(msg.Role, p))
	}
	return res
}

func (m Main) part(role models.Role, p models.Part) part {
	switch {
	case p.IsLoading():
		return part{Kind: partKindLoading}
	case p.Type == models.PartTypeText:
		return part{Kind: partKindText, HTML: m.textHTML(role, p.Text)}
	case p.Type == models.PartTypeUIComponent:
		return part{Kind: partKindComponent, ArgsText: models.ArgsText(p.Raw)}
	case p.ToolName == models.TeamFormationTool:
		tf, err := models.ParseTeamFormation(p.Args)
		if err != nil {
			m.logger.Warn("Failed to parse team formation, rendering as tool call",
				slog.String(errLoggerKey, err.Error()))
			break
		}
		return part{
			Kind:       partKindTeam,
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			Team:       newTeamCard(tf),
		}
	}
	return part{
		Kind:       partKindTool,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		ArgsText:   p.ArgsText,
	}
}

// textHTML renders assistant text as markdown. User text is shown as typed.
func (m Main) textHTML(role models.Role, text string) template.HTML {
	if role != models.RoleAssistant {
		escaped := template.HTMLEscapeString(text)
		return template.HTML(strings.ReplaceAll(escaped, "\n", "<br>"))
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		m.logger.Warn("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String())
}

func newTeamCard(tf models.TeamFormation) *teamCard {
	return &teamCard{
		TeamFormation: tf,
		Percent:       tf.Percent(),
		Recruited:     min(len(tf.Members), models.TeamTargetSize),
		Target:        models.TeamTargetSize,
		Completed:     tf.Status == models.TeamStatusCompleted,
	}
}

func (m Main) renderTemplate(name string, data any) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}
