package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
	chatService "github.com/zhouzirui/coach-chat/client/internal/service/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
	"github.com/zhouzirui/coach-chat/client/internal/service/transport"
)

const (
	statusInterval = 500 * time.Millisecond
	changeBuffer   = 128
	sidebarWidth   = 30
)

// 阶段评分的两个问题。
var checkpointKeys = [2]string{"helpful", "realistic"}

type focusArea int

const (
	focusContacts focusArea = iota
	focusSuggestions
	focusInput
)

type backend struct {
	store   *store.Store
	chat    *chatService.Service
	status  func() transport.Status
	session session.Session
}

type changeMsg struct {
	change store.Change
}

// resyncMsg 订阅缓冲溢出，需要从存储整体刷新。
type resyncMsg struct{}

type tickMsg time.Time

type actionDoneMsg struct {
	status string
	err    error
	result *chatService.SendResult
}

type model struct {
	backend backend

	changes     chan tea.Msg
	unsubscribe func()

	contacts      []chat.Chat
	contactCursor int
	suggestion    int
	focus         focusArea

	conn       transport.Status
	statusLine string
	statusErr  bool

	width  int
	height int

	input   textinput.Model
	history viewport.Model
	spinner spinner.Model
	bar     progress.Model

	theme uiTheme
}

func newModel(b backend) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 2000
	input.Placeholder = "写下草稿，回车生成建议；空行回车发送选中的建议"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	history := viewport.New(0, 0)
	history.MouseWheelEnabled = true
	history.MouseWheelDelta = 3

	changes := make(chan tea.Msg, changeBuffer)
	unsubscribe := b.store.Subscribe(func(change store.Change) {
		select {
		case changes <- changeMsg{change: change}:
		default:
			// 缓冲已满时丢弃单条变更，改为一次整体刷新
			select {
			case changes <- resyncMsg{}:
			default:
			}
		}
	})

	m := model{
		backend:     b,
		changes:     changes,
		unsubscribe: unsubscribe,
		focus:       focusInput,
		statusLine:  "connecting...",
		input:       input,
		history:     history,
		spinner:     sp,
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		theme:       newTheme(),
	}
	m.refresh()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		waitChange(m.changes),
		tickEvery(statusInterval),
	)
}

func waitChange(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderHistory()
		return m, nil

	case changeMsg:
		m.refresh()
		return m, waitChange(m.changes)

	case resyncMsg:
		m.refresh()
		return m, waitChange(m.changes)

	case tickMsg:
		m.conn = m.backend.status()
		return m, tickEvery(statusInterval)

	case actionDoneMsg:
		m.applyAction(msg)
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	if m.focus == focusInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	var cmd tea.Cmd
	m.history, cmd = m.history.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true
	case "tab":
		m.cycleFocus()
		return nil, true
	case "ctrl+n":
		return m.createCmd(), true
	}

	switch m.focus {
	case focusContacts:
		switch msg.String() {
		case "up", "k":
			m.contactCursor = max(0, m.contactCursor-1)
		case "down", "j":
			m.contactCursor = max(0, min(len(m.contacts)-1, m.contactCursor+1))
		case "enter":
			if m.contactCursor >= 0 && m.contactCursor < len(m.contacts) {
				return m.selectCmd(m.contacts[m.contactCursor].Head().ID), true
			}
		case "q":
			return tea.Quit, true
		default:
			return nil, false
		}
		return nil, true

	case focusSuggestions:
		current, ok := m.backend.chat.Current()
		if !ok {
			return nil, false
		}
		id := current.Head().ID
		count := len(current.Head().Suggestions)
		switch key := msg.String(); key {
		case "up", "k":
			m.suggestion = max(0, m.suggestion-1)
		case "down", "j":
			m.suggestion = max(0, min(count-1, m.suggestion+1))
		case "enter", " ":
			if m.suggestion >= 0 && m.suggestion < count {
				return m.viewSuggestionCmd(id, m.suggestion), true
			}
		case "s":
			return m.sendSelectedCmd(id), true
		default:
			if n, err := strconv.Atoi(key); err == nil && n >= 1 && n <= count {
				return m.sendCmd(id, n-1), true
			}
			return nil, false
		}
		return nil, true

	case focusInput:
		if msg.String() != "enter" {
			return nil, false
		}
		current, ok := m.backend.chat.Current()
		if !ok {
			m.setStatus("no conversation selected", true)
			return nil, true
		}
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		return m.submitLine(current, line), true
	}
	return nil, false
}

// submitLine 处理输入框中的一行：阶段评分、/rate 命令、草稿或发送选中建议。
func (m *model) submitLine(current chat.Chat, line string) tea.Cmd {
	head := current.Head()
	switch {
	case head.CheckpointRate:
		ratings, err := parseCheckpoint(line)
		if err != nil {
			m.setStatus(err.Error(), true)
			return nil
		}
		return m.checkpointCmd(head.ID, ratings)

	case strings.HasPrefix(line, "/rate"):
		rating, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/rate")))
		if err != nil {
			m.setStatus(fmt.Sprintf("usage: /rate <%d-%d>", wire.MinFeedbackRating, wire.MaxFeedbackRating), true)
			return nil
		}
		d, ok := chat.AsDetail(current)
		if !ok {
			m.setStatus(domain.ErrNotLoaded.Error(), true)
			return nil
		}
		index := latestFeedback(d.Messages)
		if index < 0 {
			m.setStatus("no feedback to rate", true)
			return nil
		}
		return m.rateCmd(head.ID, index, rating)

	case line == "":
		return m.sendSelectedCmd(head.ID)

	default:
		return m.suggestCmd(head.ID, line)
	}
}

func (m *model) cycleFocus() {
	m.focus = (m.focus + 1) % 3
	if m.focus == focusInput {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *model) setStatus(text string, isErr bool) {
	m.statusLine = text
	m.statusErr = isErr
}

func (m *model) applyAction(msg actionDoneMsg) {
	switch {
	case msg.err != nil:
		m.setStatus(msg.err.Error(), true)
	case msg.result != nil && msg.result.Rejected:
		m.setStatus("blocked: "+msg.result.Reason, true)
	default:
		m.setStatus(msg.status, false)
	}
}

// refresh 从存储重新读取联系人和当前会话。
func (m *model) refresh() {
	m.contacts = m.backend.store.Contacts()
	if m.contactCursor >= len(m.contacts) {
		m.contactCursor = max(0, len(m.contacts)-1)
	}

	if current, ok := m.backend.chat.Current(); ok {
		if n := len(current.Head().Suggestions); m.suggestion >= n {
			m.suggestion = max(0, n-1)
		}
		if selected, ok := m.backend.chat.Selected(current.Head().ID); ok {
			m.suggestion = selected
		}
	}
	m.renderHistory()
}

func (m *model) resize() {
	if m.width == 0 || m.height == 0 {
		return
	}
	mainWidth := max(20, m.width-sidebarWidth-6)
	// 头部、进度、建议、输入和底栏的固定高度
	m.history.Width = mainWidth
	m.history.Height = max(3, m.height-16)
	m.input.Width = max(10, mainWidth-4)
	m.bar.Width = max(10, mainWidth-8)
}

func (m *model) renderHistory() {
	current, ok := m.backend.chat.Current()
	if !ok {
		m.history.SetContent(m.theme.muted.Render("no conversations yet, ctrl+n to start one"))
		return
	}
	d, ok := chat.AsDetail(current)
	if !ok {
		m.history.SetContent(m.theme.muted.Render("loading messages..."))
		return
	}

	var b strings.Builder
	if intro := d.Introduction; intro != "" {
		b.WriteString(m.theme.muted.Render(intro))
		b.WriteString("\n\n")
	}
	for _, cluster := range chat.GroupByGap(d.Messages, chat.DefaultGap) {
		b.WriteString(m.theme.muted.Render("── " + cluster.Start.Local().Format("Jan 2 15:04") + " ──"))
		b.WriteString("\n")
		for _, entry := range cluster.Entries {
			b.WriteString(m.renderEntry(entry, d.Agent))
			b.WriteString("\n")
		}
	}
	if d.AgentTyping {
		b.WriteString(m.theme.muted.Render(d.Agent + " is typing..."))
	}
	m.history.SetContent(b.String())
	m.history.GotoBottom()
}

func (m model) renderEntry(entry chat.Entry, agent string) string {
	switch e := entry.(type) {
	case chat.Message:
		style := m.theme.user
		if e.Sender == agent {
			style = m.theme.agent
		}
		return style.Render(e.Sender+":") + " " + e.Content
	case chat.InChatFeedback:
		line := m.theme.feedback.Render("✎ "+e.Feedback.Title) + " " + e.Feedback.Body
		if e.HasAlternative() {
			line += "\n  " + m.theme.muted.Render("try: ") + *e.Alternative
		}
		if e.Rated() {
			line += " " + m.theme.muted.Render(fmt.Sprintf("[rated %d]", *e.Rating))
		}
		return line
	}
	return ""
}

func (m model) selectCmd(id string) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		if err := svc.Select(id); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "opened " + id}
	}
}

func (m model) createCmd() tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		if err := svc.CreateChat(); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "creating conversation..."}
	}
}

func (m model) suggestCmd(id, draft string) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		if err := svc.SuggestMessages(id, draft); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "generating suggestions..."}
	}
}

func (m model) viewSuggestionCmd(id string, index int) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		if err := svc.SelectSuggestion(id, index); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("selected suggestion %d", index+1)}
	}
}

func (m model) sendCmd(id string, index int) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		result, err := svc.SendChatMessage(id, index)
		return sendDone(result, err)
	}
}

func (m model) sendSelectedCmd(id string) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		result, err := svc.SendSelected(id)
		return sendDone(result, err)
	}
}

func sendDone(result chatService.SendResult, err error) tea.Msg {
	if errors.Is(err, domain.ErrNoSuggestionSelected) {
		return actionDoneMsg{err: errors.New("select a suggestion first (tab to the list)")}
	}
	if err != nil {
		return actionDoneMsg{err: err}
	}
	return actionDoneMsg{status: "sent", result: &result}
}

func (m model) rateCmd(id string, index, rating int) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		if err := svc.RateFeedback(id, index, rating); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("rated feedback %d", rating)}
	}
}

func (m model) checkpointCmd(id string, ratings map[string]int) tea.Cmd {
	svc := m.backend.chat
	return func() tea.Msg {
		if err := svc.SubmitCheckpoint(id, ratings); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "thanks, checkpoint saved"}
	}
}

// parseCheckpoint 解析 "a b" 形式的两个 1..7 评分。
func parseCheckpoint(line string) (map[string]int, error) {
	fields := strings.Fields(line)
	if len(fields) != len(checkpointKeys) {
		return nil, fmt.Errorf("enter %d ratings from 1 to 7, e.g. \"5 6\"", len(checkpointKeys))
	}
	ratings := make(map[string]int, len(fields))
	for i, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil || n < wire.MinCheckpointRating || n > wire.MaxCheckpointRating {
			return nil, fmt.Errorf("rating %q must be a number from %d to %d", field, wire.MinCheckpointRating, wire.MaxCheckpointRating)
		}
		ratings[checkpointKeys[i]] = n
	}
	return ratings, nil
}

// latestFeedback 返回历史中最后一条反馈的位置，没有则返回 -1。
func latestFeedback(h chat.History) int {
	for i := len(h) - 1; i >= 0; i-- {
		if _, ok := h[i].(chat.InChatFeedback); ok {
			return i
		}
	}
	return -1
}
