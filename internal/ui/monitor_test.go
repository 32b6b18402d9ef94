package ui

import (
	"errors"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorTracksStatusAndEvents(t *testing.T) {
	statuses := make(chan []LinkStatus, 1)
	events := make(chan Event, 1)
	m := NewMonitorModel(statuses, events)

	assert.Contains(t, m.View(), "Waiting for the browser extension")

	_, cmd := m.Update(statusMsg{{ConnectionID: "abcd1234", Name: "Chrome", Purpose: "general", Peers: 2}})
	require.NotNil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "2 peer connection(s) open")
	assert.Contains(t, view, "Chrome")

	for i := range maxEvents + 2 {
		m.Update(eventMsg{Time: time.Now(), Route: "abcd1234/ef56", Summary: fmt.Sprintf("request %d", i)})
	}
	assert.Len(t, m.log, maxEvents)
	assert.Equal(t, "request 2", m.log[0].Summary)

	m.Update(eventMsg{Time: time.Now(), Route: "abcd1234/ef56", Err: errors.New("bad payload")})
	assert.Contains(t, m.View(), "bad payload")
}

func TestRenderEventByKind(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	req := renderEvent(Event{Time: at, Kind: EventRequest, Route: "ab/cd", Summary: "dapp request 1"})
	assert.Contains(t, req, IconRequest)
	assert.Contains(t, req, "dapp request 1")
	assert.Contains(t, req, "03:04:05")

	resp := renderEvent(Event{Time: at, Kind: EventResponse, Route: "ab/cd", Summary: "success response 1"})
	assert.Contains(t, resp, IconResponse)

	failed := renderEvent(Event{Time: at, Kind: EventRequest, Route: "ab/cd", Summary: "ignored", Err: errors.New("boom")})
	assert.Contains(t, failed, IconWarning)
	assert.Contains(t, failed, "boom")
	assert.NotContains(t, failed, "ignored")
}

func TestMonitorQuits(t *testing.T) {
	m := NewMonitorModel(nil, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "Disconnected")
}

func TestWaitForStatusReportsClosedFeed(t *testing.T) {
	statuses := make(chan []LinkStatus)
	close(statuses)
	m := NewMonitorModel(statuses, nil)
	assert.IsType(t, feedClosedMsg{}, m.waitForStatus()())
}

func TestLinkListView(t *testing.T) {
	assert.Contains(t, LinkListView(nil), "No links")

	view := LinkListView([]LinkRow{{ConnectionID: "0123456789abcdef0123", Name: "Work laptop", Purpose: "ledger", CreatedAt: time.Now()}})
	assert.Contains(t, view, "Work laptop")
	assert.Contains(t, view, "ledger")
	assert.Contains(t, view, "0123456789abc...")
}
