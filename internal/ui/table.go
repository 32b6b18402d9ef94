package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jedib0t/go-pretty/v6/text"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
)

// LinkRow is one stored link in `peerlink link list`
type LinkRow struct {
	ConnectionID string
	Name         string
	Purpose      string
	CreatedAt    time.Time
}

// LinkListView renders stored links as a plain table that survives being
// piped into other tools
func LinkListView(rows []LinkRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No links. Add one with `peerlink link add`.")
	}

	t := prettytable.NewWriter()
	t.SetStyle(prettytable.StyleRounded)
	t.Style().Format.Header = text.FormatUpper
	t.AppendHeader(prettytable.Row{"#", "ID", "Name", "Purpose", "Created"})
	for i, r := range rows {
		t.AppendRow(prettytable.Row{
			i + 1,
			truncateString(r.ConnectionID, 16),
			truncateString(r.Name, 30),
			r.Purpose,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	t.SetColumnConfigs([]prettytable.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
	})
	return t.Render()
}

// LinkStatus is the live state of one link in the monitor
type LinkStatus struct {
	ConnectionID string
	Name         string
	Purpose      string
	Peers        int
}

// StatusTableView renders the live link table with lipgloss/table
func StatusTableView(rows []LinkStatus) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No links registered")
	}

	var data [][]string
	for _, r := range rows {
		state := ConnectedStyle.Render(fmt.Sprintf("%s %d connected", IconPeer, r.Peers))
		if r.Peers == 0 {
			state = DegradedStyle.Render(IconWaiting + " waiting")
		}
		data = append(data, []string{
			IDStyle.Render(truncateString(r.ConnectionID, 8)),
			truncateString(r.Name, 24),
			r.Purpose,
			state,
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Link", "Name", "Purpose", "Peers").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// LinkCreatedView shows a freshly created link and the password the
// extension needs
func LinkCreatedView(connectionID, password, purpose string) string {
	content := fmt.Sprintf("%s Link Created!\n\n%s ID:        %s\n%s Purpose:   %s\n%s Password:  %s",
		IconSuccess,
		IconLink, BoldStyle.Foreground(Primary).Render(connectionID),
		IconInfo, purpose,
		IconKey, MutedStyle.Render(password),
	)
	return LinkBoxStyle.Render(content)
}

func truncateString(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
