// Package view renders the inbox in a terminal. It holds no messaging state
// of its own: every frame is drawn from an inbox snapshot and every action is
// forwarded to the inbox.
package view

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nutrichat/internal/inbox"
	"nutrichat/internal/models"
	"nutrichat/internal/store"
)

// Inbox is the part of *inbox.Inbox the view drives.
type Inbox interface {
	Snapshot() inbox.View
	Changes() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Select(id int64)
	Send(ctx context.Context, content string) (*models.Message, error)
	Resend(ctx context.Context, tempID string) (*models.Message, error)
	Discard(tempID string) error
	FindOrCreateByPatient(ctx context.Context, patientID int64) (*models.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID int64) error
	ClearBadge()
}

type pane int

const (
	paneSidebar pane = iota
	paneChat
)

type (
	changedMsg      struct{}
	sessionEndedMsg struct{ err error }
	actionErrMsg    struct{ err error }
	openedMsg       struct{ id int64 }
	ringMsg         struct{}
	rangMsg         struct{}
)

const bellHold = 200 * time.Millisecond

type bellWriter struct {
	send func(tea.Msg)
}

func (w bellWriter) Write(p []byte) (int, error) {
	w.send(ringMsg{})
	return len(p), nil
}

// BellOutput returns a writer for notify.NewBell that rings through the
// program's renderer instead of writing to the terminal directly. send is
// usually (*tea.Program).Send.
func BellOutput(send func(tea.Msg)) io.Writer {
	return bellWriter{send: send}
}

type Model struct {
	inbox   Inbox
	ctx     context.Context
	userID  int64
	name    string
	canOpen bool

	snap     inbox.View
	cursor   int
	follow   bool
	focus    pane
	opening  bool
	input    textinput.Model
	viewport viewport.Model
	status   string
	ended    error
	ringing  bool

	width        int
	height       int
	sidebarWidth int
}

// New builds the view for the given user. canOpen enables opening
// conversations by patient id (nutritionists only).
func New(ctx context.Context, ib Inbox, userID int64, name string, canOpen bool) Model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 2000

	m := Model{
		inbox:        ib,
		ctx:          ctx,
		userID:       userID,
		name:         name,
		canOpen:      canOpen,
		snap:         ib.Snapshot(),
		follow:       true,
		input:        input,
		viewport:     viewport.New(60, 20),
		width:        100,
		height:       30,
		sidebarWidth: 30,
	}
	m.placeCursor(0)
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForChange())
}

// waitForChange blocks until the inbox reports a change or the session ends.
func (m Model) waitForChange() tea.Cmd {
	ib := m.inbox
	return func() tea.Msg {
		select {
		case <-ib.Changes():
			return changedMsg{}
		case <-ib.Done():
			return sessionEndedMsg{err: ib.Err()}
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.sidebarWidth = m.width / 3
		if m.sidebarWidth > 36 {
			m.sidebarWidth = 36
		}
		m.viewport = viewport.New(m.chatWidth()-4, m.height-9)
		m.input.Width = m.chatWidth() - 8
		m.refreshThread()

	case changedMsg:
		prev := m.cursorID()
		m.snap = m.inbox.Snapshot()
		m.placeCursor(prev)
		m.refreshThread()
		cmds = append(cmds, m.waitForChange())

	case sessionEndedMsg:
		m.ended = msg.err
		return m, tea.Quit

	case ringMsg:
		m.ringing = true
		cmds = append(cmds, tea.Tick(bellHold, func(time.Time) tea.Msg { return rangMsg{} }))

	case rangMsg:
		m.ringing = false

	case openedMsg:
		m.snap = m.inbox.Snapshot()
		if i := indexOf(m.snap.Conversations, msg.id); i >= 0 {
			m.cursor = i
		}
		m.refreshThread()

	case actionErrMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	case "ctrl+r":
		cmd := m.resendLast()
		return m, cmd
	case "ctrl+d":
		if tempID := m.lastFailed(); tempID != "" {
			if err := m.inbox.Discard(tempID); err != nil {
				m.status = err.Error()
			}
		}
		return m, nil
	case "ctrl+n":
		if m.canOpen {
			m.opening = true
			m.focus = paneChat
			m.input.Placeholder = "Patient id, then enter"
			m.input.Reset()
			m.input.Focus()
		}
		return m, nil
	}

	if m.focus == paneSidebar {
		switch msg.String() {
		case "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snap.Conversations)-1 {
				m.cursor++
			}
		case "enter":
			cmd := m.selectCursor()
			return m, cmd
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.opening = false
		m.input.Placeholder = "Type a message..."
		m.toggleFocus()
		return m, nil
	case "enter":
		value := m.input.Value()
		if strings.TrimSpace(value) == "" {
			return m, nil
		}
		m.input.Reset()
		if m.opening {
			cmd := m.openPatient(value)
			return m, cmd
		}
		cmd := m.send(value)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) toggleFocus() {
	if m.focus == paneSidebar {
		m.focus = paneChat
		m.input.Focus()
		return
	}
	m.focus = paneSidebar
	m.input.Blur()
}

func (m *Model) selectCursor() tea.Cmd {
	if m.cursor >= len(m.snap.Conversations) {
		return nil
	}
	id := m.snap.Conversations[m.cursor].ID
	m.inbox.Select(id)
	m.inbox.ClearBadge()
	m.focus = paneChat
	m.input.Focus()
	m.status = ""

	ib, ctx := m.inbox, m.ctx
	return func() tea.Msg {
		return actionErrMsg{err: ib.MarkConversationRead(ctx, id)}
	}
}

func (m *Model) send(content string) tea.Cmd {
	ib, ctx := m.inbox, m.ctx
	m.status = ""
	return func() tea.Msg {
		if _, err := ib.Send(ctx, content); err != nil {
			return actionErrMsg{err: fmt.Errorf("not sent: %v", err)}
		}
		return nil
	}
}

// lastFailed returns the temporary id of the newest failed entry.
func (m Model) lastFailed() string {
	for i := len(m.snap.Messages) - 1; i >= 0; i-- {
		if m.snap.Messages[i].Status == store.StatusFailed {
			return m.snap.Messages[i].TempID
		}
	}
	return ""
}

func (m *Model) resendLast() tea.Cmd {
	tempID := m.lastFailed()
	if tempID == "" {
		return nil
	}

	ib, ctx := m.inbox, m.ctx
	return func() tea.Msg {
		if _, err := ib.Resend(ctx, tempID); err != nil {
			return actionErrMsg{err: fmt.Errorf("resend failed: %v", err)}
		}
		return nil
	}
}

func (m *Model) openPatient(value string) tea.Cmd {
	m.opening = false
	m.input.Placeholder = "Type a message..."

	patientID, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || patientID <= 0 {
		m.status = "invalid patient id"
		return nil
	}

	ib, ctx := m.inbox, m.ctx
	return func() tea.Msg {
		conv, err := ib.FindOrCreateByPatient(ctx, patientID)
		if err != nil {
			return actionErrMsg{err: err}
		}
		return openedMsg{id: conv.ID}
	}
}

func (m Model) cursorID() int64 {
	if m.cursor < len(m.snap.Conversations) {
		return m.snap.Conversations[m.cursor].ID
	}
	return 0
}

// placeCursor keeps the cursor on conversation id across refreshes. It jumps
// to the active conversation only on the first load.
func (m *Model) placeCursor(id int64) {
	if m.follow && m.snap.Active != 0 {
		if i := indexOf(m.snap.Conversations, m.snap.Active); i >= 0 {
			m.cursor = i
			m.follow = false
			return
		}
	}
	if i := indexOf(m.snap.Conversations, id); id != 0 && i >= 0 {
		m.cursor = i
		return
	}
	if m.cursor >= len(m.snap.Conversations) {
		m.cursor = len(m.snap.Conversations) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) refreshThread() {
	m.viewport.SetContent(m.renderThread())
	m.viewport.GotoBottom()
}

func (m Model) chatWidth() int {
	return m.width - m.sidebarWidth - 2
}

// Ended returns why the session ended, if it did.
func (m Model) Ended() error { return m.ended }

func (m Model) View() string {
	frame := lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), m.chatView())
	if m.ringing {
		return "\a" + frame
	}
	return frame
}

func (m Model) title() string {
	title := titleStyle.Render(m.name)
	switch {
	case m.snap.Badge:
		title += " " + badgeStyle.Render(fmt.Sprintf("%d new", m.snap.Unread))
	case m.snap.HasUnread && m.snap.Unread > 0:
		title += mutedStyle.Render(fmt.Sprintf(" (%d)", m.snap.Unread))
	}
	return title
}

func (m Model) sidebarView() string {
	var s strings.Builder
	s.WriteString(m.title())
	s.WriteString("\n\n")

	switch {
	case !m.snap.Loaded:
		s.WriteString(mutedStyle.Render("Loading..."))
	case len(m.snap.Conversations) == 0:
		s.WriteString(mutedStyle.Render("No conversations yet."))
	default:
		for i, conv := range m.snap.Conversations {
			line := peerName(conv, m.userID)
			if conv.UnreadCount > 0 {
				line += errorStyle.Render(fmt.Sprintf(" (%d)", conv.UnreadCount))
			}
			if i == m.cursor {
				s.WriteString(selectedItemStyle.Render("> "+line) + "\n")
			} else {
				s.WriteString(unselectedItemStyle.Render("  "+line) + "\n")
			}
		}
	}

	if m.canOpen {
		s.WriteString("\n" + mutedStyle.Render("ctrl+n: open patient"))
	}

	style := sidebarStyle.Copy().Width(m.sidebarWidth).Height(m.height - 2)
	if m.focus == paneSidebar {
		style = style.BorderForeground(activeBorder)
	}
	return style.Render(s.String())
}

func (m Model) chatView() string {
	style := chatWindowStyle.Copy().Width(m.chatWidth()).Height(m.height - 2)
	if m.focus == paneChat {
		style = style.BorderForeground(activeBorder)
	}

	if m.snap.Active == 0 && !m.opening {
		return style.Render(mutedStyle.Render("Select a conversation to start chatting"))
	}

	header := "Opening conversation..."
	for _, c := range m.snap.Conversations {
		if c.ID == m.snap.Active {
			header = peerName(c, m.userID)
		}
	}

	footer := m.input.View()
	if m.status != "" {
		footer = errorStyle.Render(m.status) + "\n" + footer
	}

	return style.Render(lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render(header),
		m.viewport.View(),
		footerStyle.Render(footer),
	))
}

func (m Model) renderThread() string {
	var s strings.Builder
	for _, e := range m.snap.Messages {
		s.WriteString(m.renderEntry(e))
		s.WriteString("\n")
	}
	return s.String()
}

func (m Model) renderEntry(e store.Entry) string {
	who := otherMessageStyle.Render("them")
	if e.SenderID == m.userID {
		who = ownMessageStyle.Render("you")
	}

	line := fmt.Sprintf("%s %s: %s", mutedStyle.Render(formatRelativeTime(e.CreatedAt)), who, e.Content)
	switch e.Status {
	case store.StatusPending:
		line += mutedStyle.Render(" (sending)")
	case store.StatusFailed:
		line += errorStyle.Render(" (failed, ctrl+r to resend, ctrl+d to drop)")
	}
	return line
}

func indexOf(conversations []models.Conversation, id int64) int {
	for i, c := range conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func peerName(c models.Conversation, userID int64) string {
	if p, ok := c.Peer(userID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return fmt.Sprintf("Conversation #%d", c.ID)
}

func formatRelativeTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh", int(diff.Hours()))
	case diff < 48*time.Hour:
		return "Yesterday " + t.Format("15:04")
	default:
		return t.Format("Jan 2 15:04")
	}
}
