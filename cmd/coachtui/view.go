package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/coach-chat/client/internal/analysis/progress"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

type uiTheme struct {
	header      lipgloss.Style
	panel       lipgloss.Style
	panelActive lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	muted       lipgloss.Style
	user        lipgloss.Style
	agent       lipgloss.Style
	feedback    lipgloss.Style
	pick        lipgloss.Style
	warn        lipgloss.Style
}

func newTheme() uiTheme {
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	muted := lipgloss.Color("#7f8ea3")
	amber := lipgloss.Color("#ffd166")

	return uiTheme{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#0b1020")).
			Background(blue).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		panelActive: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		panelTitle:  lipgloss.NewStyle().Foreground(blue).Bold(true),
		footer:      lipgloss.NewStyle().Foreground(muted),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		muted:       lipgloss.NewStyle().Foreground(muted),
		user:        lipgloss.NewStyle().Foreground(mint).Bold(true),
		agent:       lipgloss.NewStyle().Foreground(blue).Bold(true),
		feedback:    lipgloss.NewStyle().Foreground(amber).Bold(true),
		pick:        lipgloss.NewStyle().Foreground(pink).Bold(true),
		warn:        lipgloss.NewStyle().Foreground(amber),
	}
}

func (m model) View() string {
	if m.width == 0 {
		return "loading..."
	}

	current, hasCurrent := m.backend.chat.Current()

	sidebar := m.panelStyle(focusContacts).
		Width(sidebarWidth).
		Height(max(3, m.height-4)).
		Render(m.renderContacts(current, hasCurrent))

	var main []string
	main = append(main, m.panelStyle(-1).Render(m.history.View()))
	if hasCurrent {
		main = append(main, m.renderProgress(current))
		main = append(main, m.panelStyle(focusSuggestions).Width(m.history.Width).Render(m.renderSuggestions(current)))
		if current.Head().CheckpointRate {
			main = append(main, m.theme.warn.Render(fmt.Sprintf(
				"checkpoint: rate %s and %s from 1 to 7, e.g. \"5 6\"", checkpointKeys[0], checkpointKeys[1])))
		}
	}
	main = append(main, m.panelStyle(focusInput).Width(m.history.Width).Render(m.input.View()))

	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, lipgloss.JoinVertical(lipgloss.Left, main...))
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), body, m.renderFooter())
}

func (m model) panelStyle(area focusArea) lipgloss.Style {
	if area == m.focus {
		return m.theme.panelActive
	}
	return m.theme.panel
}

func (m model) renderHeader() string {
	left := m.theme.header.Render("coach · " + m.backend.session.SenderName())
	return lipgloss.JoinHorizontal(lipgloss.Center, left, " ", m.renderConnection())
}

// renderConnection 展示连接状态，断线时显示重连倒计时和排队的操作数。
func (m model) renderConnection() string {
	switch {
	case m.conn.Connected:
		return m.theme.status.Render("● online")
	case m.conn.Error:
		text := fmt.Sprintf("%s reconnecting in %s (attempt %d)", m.spinner.View(), m.conn.NextDelay.Round(100*time.Millisecond), m.conn.Attempt)
		if m.conn.Queued > 0 {
			text += fmt.Sprintf(", %d queued", m.conn.Queued)
		}
		return m.theme.errorStatus.Render(text)
	default:
		return m.theme.muted.Render(m.spinner.View() + " connecting")
	}
}

func (m model) renderContacts(current chat.Chat, hasCurrent bool) string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("Conversations"))
	b.WriteString("\n")
	if len(m.contacts) == 0 {
		b.WriteString(m.theme.muted.Render("none yet"))
		return b.String()
	}

	currentID := ""
	if hasCurrent {
		currentID = current.Head().ID
	}
	for i, c := range m.contacts {
		h := c.Head()
		name := h.Agent
		if name == "" {
			name = h.ID
		}
		marker := "  "
		if i == m.contactCursor && m.focus == focusContacts {
			marker = "> "
		}
		line := marker + truncate(name, sidebarWidth-6)
		switch {
		case h.ID == currentID:
			line = m.theme.pick.Render(line)
		case h.Unread:
			line = m.theme.user.Render(line + " •")
		}
		if h.AgentTyping {
			line += m.theme.muted.Render(" …")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) renderProgress(current chat.Chat) string {
	d, ok := chat.AsDetail(current)
	if !ok {
		return ""
	}
	result := progress.Estimate(d.Messages, d.Agent, d.Options.Gap)
	label := fmt.Sprintf(" %3d%%", result.Percent())
	if result.Complete() {
		label += m.theme.user.Render(" done")
	}
	return m.bar.ViewAs(result.Fraction) + label
}

func (m model) renderSuggestions(current chat.Chat) string {
	h := current.Head()
	if h.GeneratingSuggestions > 0 {
		return m.spinner.View() + m.theme.muted.Render(fmt.Sprintf(" generating %d suggestions...", h.GeneratingSuggestions))
	}
	if h.LoadingFeedback {
		return m.spinner.View() + m.theme.muted.Render(" waiting for feedback...")
	}
	if len(h.Suggestions) == 0 {
		return m.theme.muted.Render("no suggestions, type a draft below")
	}

	selected, hasSelected := m.backend.chat.Selected(h.ID)
	var b strings.Builder
	for i, s := range h.Suggestions {
		marker := "  "
		if m.focus == focusSuggestions && i == m.suggestion {
			marker = "> "
		}
		line := fmt.Sprintf("%s%d. %s", marker, i+1, s.Message)
		if hasSelected && selected == i {
			line = m.theme.pick.Render(line)
		}
		b.WriteString(line)
		if hasSelected && selected == i && s.HasProblem() && h.Options.BlocksOnSuggestion() {
			b.WriteString("\n     " + m.theme.warn.Render("⚠ "+problemText(s)))
		}
		if hasSelected && selected == i && s.Feedback != nil {
			b.WriteString("\n     " + m.theme.feedback.Render(s.Feedback.Title) + " " + s.Feedback.Body)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) renderFooter() string {
	status := m.theme.status.Render(m.statusLine)
	if m.statusErr {
		status = m.theme.errorStatus.Render(m.statusLine)
	}
	help := m.theme.footer.Render("tab focus · enter select/draft · 1-9 send · s send selected · /rate n · ctrl+n new · ctrl+c quit")
	return status + "\n" + help
}

func problemText(s chat.Suggestion) string {
	if s.Problem != nil && strings.TrimSpace(*s.Problem) != "" {
		return strings.TrimSpace(*s.Problem)
	}
	return "this suggestion needs improvement"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
