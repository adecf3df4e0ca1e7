// Package tui is the operator console: a thread browser and the dead
// letter queue, side by side with the live event feed driving refreshes.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/tidewater/loom/internal/bus"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/utils"
	"github.com/uptrace/bun"
)

type pane int

const (
	paneThreads pane = iota
	paneDeadLetters
)

type threadsMsg struct {
	Threads []models.Thread
	Err     error
}

type deadLettersMsg struct {
	Notifications []models.Notification
	Err           error
}

type attachedMsg struct{}

type KeyMap struct {
	Switch  key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Switch:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch pane")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

type Model struct {
	db     *bun.DB
	events *bus.Bus

	active      pane
	threads     table.Model
	deadLetters table.Model

	KeyMap KeyMap
	status string
}

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var faintStyle = lipgloss.NewStyle().Faint(true)

func NewModel(db *bun.DB, events *bus.Bus) Model {
	threads := table.New(
		table.WithColumns([]table.Column{
			{Title: "Subject", Width: 48},
			{Title: "Status", Width: 16},
			{Title: "Activity", Width: 10},
		}),
		table.WithFocused(true),
	)

	deadLetters := table.New(
		table.WithColumns([]table.Column{
			{Title: "Message", Width: 28},
			{Title: "Change", Width: 10},
			{Title: "Attempts", Width: 8},
			{Title: "Error", Width: 40},
		}),
	)

	return Model{
		db:          db,
		events:      events,
		threads:     threads,
		deadLetters: deadLetters,
		KeyMap:      DefaultKeyMap(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadThreads, m.loadDeadLetters, m.waitForAttach)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.threads.SetHeight(msg.Height - 6)
		m.deadLetters.SetHeight(msg.Height - 6)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.KeyMap.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.KeyMap.Switch):
			if m.active == paneThreads {
				m.active = paneDeadLetters
				m.threads.Blur()
				m.deadLetters.Focus()
			} else {
				m.active = paneThreads
				m.deadLetters.Blur()
				m.threads.Focus()
			}

		case key.Matches(msg, m.KeyMap.Refresh):
			return m, tea.Batch(m.loadThreads, m.loadDeadLetters)
		}

	case threadsMsg:
		if msg.Err != nil {
			m.status = msg.Err.Error()
			break
		}
		rows := make([]table.Row, 0, len(msg.Threads))
		for _, thread := range msg.Threads {
			rows = append(rows, table.Row{
				runewidth.Truncate(thread.SubjectAnchor, 48, "…"),
				thread.Status,
				utils.Age(time.Since(thread.LastActivityAt)),
			})
		}
		m.threads.SetRows(rows)
		m.status = fmt.Sprintf("%d threads", len(msg.Threads))

	case deadLettersMsg:
		if msg.Err != nil {
			m.status = msg.Err.Error()
			break
		}
		rows := make([]table.Row, 0, len(msg.Notifications))
		for _, notification := range msg.Notifications {
			rows = append(rows, table.Row{
				runewidth.Truncate(notification.ProviderMessageID, 28, "…"),
				notification.ChangeType,
				fmt.Sprintf("%d", notification.Attempts),
				runewidth.Truncate(notification.LastError, 40, "…"),
			})
		}
		m.deadLetters.SetRows(rows)

	case attachedMsg:
		// A message just landed somewhere, refresh and keep listening.
		return m, tea.Batch(m.loadThreads, m.waitForAttach)
	}

	var cmd tea.Cmd
	if m.active == paneThreads {
		m.threads, cmd = m.threads.Update(msg)
	} else {
		m.deadLetters, cmd = m.deadLetters.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	var title string
	var body string

	switch m.active {
	case paneThreads:
		title = titleStyle.Render("Threads")
		body = m.threads.View()
	case paneDeadLetters:
		title = titleStyle.Render("Dead Letters")
		body = m.deadLetters.View()
	}

	help := faintStyle.Render("tab switch · r refresh · q quit · " + m.status)
	return lipgloss.JoinVertical(lipgloss.Left, title, body, help)
}

func (m Model) loadThreads() tea.Msg {
	threads, err := models.ListThreads(context.Background(), m.db, 200)
	return threadsMsg{Threads: threads, Err: err}
}

func (m Model) loadDeadLetters() tea.Msg {
	notifications, err := models.DeadLetters(context.Background(), m.db, 200)
	return deadLettersMsg{Notifications: notifications, Err: err}
}

// waitForAttach blocks on the event bus so the console refreshes as the
// pipeline attaches messages. Without a bus the command is a no-op.
func (m Model) waitForAttach() tea.Msg {
	if m.events == nil {
		return nil
	}

	channel, cancel := m.events.ThreadAttached.Subscribe(1)
	defer cancel()

	if _, ok := <-channel; ok {
		return attachedMsg{}
	}
	return nil
}
