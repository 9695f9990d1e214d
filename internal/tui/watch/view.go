package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/cellbuf"

	"github.com/orchardlog/fieldsync/internal/output"
)

// View implements tea.Model
func (m Model) View() string {
	width := m.Width
	if width <= 0 {
		width = 80
	}
	if width < MinWidth {
		return "Terminal too narrow"
	}
	inner := width - 4

	sections := []string{
		m.renderHeader(),
		m.renderQueue(inner),
		m.renderRuns(inner),
	}
	if m.Err != nil {
		sections = append(sections, errorStyle.Render(cellbuf.Wrap("error: "+m.Err.Error(), width, " /:")))
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	conn := offlineStyle.Render("○ offline")
	if m.Online {
		conn = onlineStyle.Render("● online")
	}
	parts := []string{headerStyle.Render("fieldsync"), subtleStyle.Render(m.ServerURL), conn}
	if n := m.PendingCount(); n > 0 {
		parts = append(parts, badgeStyle.Render(fmt.Sprintf("%d pending", n)))
	}
	if m.Syncing {
		parts = append(parts, m.spinner.View()+" syncing")
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderQueue(width int) string {
	var lines []string
	lines = append(lines, panelTitleStyle.Render("QUEUE"))
	if len(m.Items) == 0 {
		lines = append(lines, subtleStyle.Render("Queue is empty"))
	}
	limit := len(m.Items)
	if m.Height > 0 {
		// header, runs panel and footer take roughly 14 rows
		limit = min(limit, max(m.Height-14, 3))
	}
	for _, item := range m.Items[:limit] {
		lines = append(lines, output.FormatItemShort(item, width))
	}
	if hidden := len(m.Items) - limit; hidden > 0 {
		lines = append(lines, subtleStyle.Render(fmt.Sprintf("… %d more", hidden)))
	}
	return panelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) renderRuns(width int) string {
	var lines []string
	lines = append(lines, panelTitleStyle.Render("RECENT RUNS"))
	if len(m.Runs) == 0 {
		lines = append(lines, subtleStyle.Render("No sync runs yet"))
	}
	// newest first
	for i := len(m.Runs) - 1; i >= 0; i-- {
		lines = append(lines, output.Truncate(output.FormatRun(m.Runs[i]), width))
	}
	return panelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) renderFooter() string {
	var parts []string
	if m.LastEvent != "" {
		parts = append(parts, m.LastEvent)
	}
	if !m.LastRefresh.IsZero() {
		parts = append(parts, "refreshed "+m.LastRefresh.Format("15:04:05"))
	}
	status := subtleStyle.Render(strings.Join(parts, " · "))
	if m.ShowHelp {
		return status + "\n" + helpStyle.Render("s  sync now\nr  refresh\n?  toggle help\nq  quit")
	}
	return status + "\n" + helpStyle.Render("s sync · r refresh · ? help · q quit")
}
