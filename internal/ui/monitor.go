package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const maxEvents = 8

// EventKind picks how an Event is drawn
type EventKind int

const (
	EventNote EventKind = iota
	EventRequest
	EventResponse
)

// Event is one line in the monitor's activity log
type Event struct {
	Time    time.Time
	Kind    EventKind
	Route   string
	Summary string
	Err     error
}

type statusMsg []LinkStatus

type eventMsg Event

type feedClosedMsg struct{}

// MonitorModel shows live link status and recent traffic while
// `peerlink connect` runs
type MonitorModel struct {
	statuses <-chan []LinkStatus
	events   <-chan Event

	spinner  spinner.Model
	links    []LinkStatus
	log      []Event
	quitting bool
}

func NewMonitorModel(statuses <-chan []LinkStatus, events <-chan Event) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &MonitorModel{
		statuses: statuses,
		events:   events,
		spinner:  s,
	}
}

// RunMonitor renders the monitor inline until the user quits or ctx ends
func RunMonitor(ctx context.Context, statuses <-chan []LinkStatus, events <-chan Event) error {
	// Don't use the alt screen so the final state stays visible
	p := tea.NewProgram(NewMonitorModel(statuses, events), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForStatus(), m.waitForEvent())
}

func (m *MonitorModel) waitForStatus() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.statuses
		if !ok {
			return feedClosedMsg{}
		}
		return statusMsg(s)
	}
}

func (m *MonitorModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.events
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusMsg:
		m.links = msg
		return m, m.waitForStatus()

	case eventMsg:
		m.log = append(m.log, Event(msg))
		if len(m.log) > maxEvents {
			m.log = m.log[len(m.log)-maxEvents:]
		}
		return m, m.waitForEvent()

	case feedClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *MonitorModel) connectedPeers() int {
	n := 0
	for _, l := range m.links {
		n += l.Peers
	}
	return n
}

func (m *MonitorModel) View() string {
	var b strings.Builder

	state := fmt.Sprintf("%s Waiting for the browser extension...", m.spinner.View())
	if n := m.connectedPeers(); n > 0 {
		state = fmt.Sprintf("%s %s", IconConnect, ConnectedStyle.Render(fmt.Sprintf("%d peer connection(s) open", n)))
	}
	if m.quitting {
		state = MutedStyle.Render("Disconnected")
	}

	b.WriteString(fmt.Sprintf("\n%s peerlink\n\n%s\n\n", IconLink, state))
	b.WriteString(StatusTableView(m.links))
	b.WriteString("\n")

	if len(m.log) > 0 {
		b.WriteString("\n")
		for _, e := range m.log {
			b.WriteString("  " + renderEvent(e) + "\n")
		}
	}

	if !m.quitting {
		b.WriteString("\n" + MutedStyle.Render("Press q to disconnect"))
	}
	return b.String()
}

func renderEvent(e Event) string {
	prefix := fmt.Sprintf("%s %s", MutedStyle.Render(e.Time.Format("15:04:05")), IDStyle.Render(e.Route))
	if e.Err != nil {
		return fmt.Sprintf("%s %s %s", prefix, IconWarning, ErrorStyle.Render(e.Err.Error()))
	}

	switch e.Kind {
	case EventRequest:
		return fmt.Sprintf("%s %s %s", prefix, IconRequest, RequestStyle.Render(e.Summary))
	case EventResponse:
		return fmt.Sprintf("%s %s %s", prefix, IconResponse, ResponseStyle.Render(e.Summary))
	default:
		return fmt.Sprintf("%s %s %s", prefix, IconInfo, MutedStyle.Render(e.Summary))
	}
}
