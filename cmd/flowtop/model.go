// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow"
)

// snapshotTimeout caps one full refresh, list and details included.
const snapshotTimeout = 30 * time.Second

// =============================================================================
// Messages
// =============================================================================

// snapshotMsg delivers one refresh worth of API data.
type snapshotMsg struct {
	rows   []ExecutionRow
	health *flow.HealthResponse
}

// errMsg reports a failed refresh. The previous rows stay on screen.
type errMsg struct{ err error }

// tickMsg fires the next scheduled refresh.
type tickMsg time.Time

// actionMsg reports the outcome of an archive or unarchive call.
type actionMsg struct {
	id  string
	err error
}

// =============================================================================
// Model
// =============================================================================

// monitorModel is the bubbletea model for the execution monitor. It polls
// the flow API on a fixed period and renders the newest executions in a
// table, one refresh in flight at a time.
type monitorModel struct {
	client  *Client
	refresh time.Duration
	limit   int

	table   table.Model
	spinner spinner.Model

	rows         []ExecutionRow
	health       *flow.HealthResponse
	err          error
	loading      bool
	showArchived bool
	lastRefresh  time.Time

	width    int
	height   int
	ready    bool
	quitting bool
}

// newMonitorModel creates the monitor against an API client.
func newMonitorModel(client *Client, refresh time.Duration, limit int) monitorModel {
	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "GRAPH", Width: 24},
		{Title: "REV", Width: 5},
		{Title: "NODES", Width: 24},
		{Title: "UPDATED", Width: 9},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(ux.ColorTealBright).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ux.ColorTealDeep)
	styles.Selected = styles.Selected.
		Foreground(ux.ColorDarkest).
		Background(ux.ColorTealVibrant).
		Bold(false)
	t.SetStyles(styles)

	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(spinnerStyle),
	)

	return monitorModel{
		client:  client,
		refresh: refresh,
		limit:   limit,
		table:   t,
		spinner: sp,
		loading: true,
	}
}

// Init implements tea.Model.
func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

// Update implements tea.Model.
func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width)
		m.table.SetHeight(max(3, m.height-chromeHeight))
		m.ready = true

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "r":
			if !m.loading {
				m.loading = true
				return m, tea.Batch(m.spinner.Tick, m.fetch())
			}

		case "a":
			if cmd := m.toggleArchive(); cmd != nil {
				return m, cmd
			}

		case "x":
			m.showArchived = !m.showArchived
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.fetch())

		default:
			var cmd tea.Cmd
			m.table, cmd = m.table.Update(msg)
			return m, cmd
		}

	case tickMsg:
		// Never stack refreshes behind a slow API; the next tick is
		// scheduled when the in-flight one lands.
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.fetch())

	case snapshotMsg:
		m.rows = msg.rows
		m.health = msg.health
		m.err = nil
		m.loading = false
		m.lastRefresh = time.Now()
		m.table.SetRows(m.tableRows())
		if m.table.Cursor() >= len(m.rows) {
			m.table.SetCursor(max(0, len(m.rows)-1))
		}
		return m, m.scheduleTick()

	case errMsg:
		m.err = msg.err
		m.loading = false
		return m, m.scheduleTick()

	case actionMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.id, msg.err)
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.fetch())

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Loading...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

// =============================================================================
// Commands
// =============================================================================

// fetch loads one snapshot in the background.
func (m monitorModel) fetch() tea.Cmd {
	client, showArchived, limit := m.client, m.showArchived, m.limit
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		rows, health, err := client.Snapshot(ctx, showArchived, limit)
		if err != nil {
			return errMsg{err: err}
		}
		return snapshotMsg{rows: rows, health: health}
	}
}

// scheduleTick arms the next periodic refresh.
func (m monitorModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// toggleArchive archives the selected execution, or restores it when it
// is already archived. Returns nil with nothing selected.
func (m monitorModel) toggleArchive() tea.Cmd {
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.rows) {
		return nil
	}
	row := m.rows[idx]
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var err error
		if row.Archived {
			err = client.UnarchiveExecution(ctx, row.ID)
		} else {
			err = client.ArchiveExecution(ctx, row.ID)
		}
		return actionMsg{id: row.ID, err: err}
	}
}

// =============================================================================
// Rendering
// =============================================================================

// chromeHeight is the screen space around the table: header, status and
// footer lines.
const chromeHeight = 5

func (m monitorModel) renderHeader() string {
	title := titleStyle.Render("aleutian flowtop")

	var status string
	switch {
	case m.loading:
		status = m.spinner.View() + " refreshing"
	case m.err != nil:
		status = ux.IconError.Render() + " " + errorStyle.Render(m.err.Error())
	case m.health != nil:
		seg := fmt.Sprintf("%s %s · %d graphs · %d executions",
			ux.IconDot, m.health.Status, m.health.RegisteredGraphs, len(m.rows))
		if m.health.DriftedExecutions > 0 {
			seg += fmt.Sprintf(" · %d drifted", m.health.DriftedExecutions)
		}
		style := healthOKStyle
		if m.health.Status != "healthy" {
			style = healthBadStyle
		}
		status = style.Render(seg)
		if !m.lastRefresh.IsZero() {
			status += statsStyle.Render("  refreshed " + fmtAge(m.lastRefresh) + " ago")
		}
	default:
		status = statsStyle.Render("connecting")
	}

	archived := ""
	if m.showArchived {
		archived = archivedStyle.Render("  [showing archived]")
	}
	return title + "  " + status + archived
}

func (m monitorModel) renderFooter() string {
	keys := []struct{ key, desc string }{
		{"r", "refresh"},
		{"a", "archive/restore"},
		{"x", "archived"},
		{"↑/↓", "select"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+" "+helpDescStyle.Render(k.desc))
	}
	return strings.Join(parts, helpDescStyle.Render(" · "))
}

// tableRows converts the snapshot into renderable rows.
func (m monitorModel) tableRows() []table.Row {
	rows := make([]table.Row, 0, len(m.rows))
	for _, r := range m.rows {
		graphRef := r.GraphName + "@" + r.GraphVersion
		if r.Archived {
			graphRef += " (archived)"
		}
		rows = append(rows, table.Row{
			r.ID,
			graphRef,
			strconv.FormatInt(r.Revision, 10),
			fmtStates(r.States),
			fmtAge(r.UpdatedAt),
		})
	}
	return rows
}

// stateOrder fixes the display order of the node state counts.
var stateOrder = []struct{ state, label string }{
	{"success", "ok"},
	{"computing", "run"},
	{"not_set", "wait"},
	{"failed", "fail"},
	{"abandoned", "abnd"},
	{"cancelled", "cncl"},
}

// fmtStates renders non-zero node state counts, e.g. "ok:3 wait:1".
func fmtStates(states map[string]int) string {
	parts := make([]string, 0, len(states))
	for _, s := range stateOrder {
		if n := states[s.state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", s.label, n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// fmtAge renders a compact age: 42s, 7m, 3h, 2d.
func fmtAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// =============================================================================
// Styles
// =============================================================================

// Everything draws from the shared Aleutian palette so flowtop matches
// the rest of the tooling.
var (
	titleStyle = ux.Styles.Title

	statsStyle = ux.Styles.Muted

	healthOKStyle = ux.Styles.Success

	healthBadStyle = ux.Styles.Warning

	errorStyle = ux.Styles.Error

	archivedStyle = ux.Styles.Warning.Italic(true)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(ux.ColorTealPrimary)

	helpKeyStyle = ux.Styles.Highlight

	helpDescStyle = lipgloss.NewStyle().
			Foreground(ux.ColorTealOcean)
)
