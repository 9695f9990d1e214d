// Package output provides styled terminal output for queue items, sync runs
// and cached reads, using lipgloss.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/orchardlog/fieldsync/internal/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	methodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Width(6)
	statusStyles = map[models.ItemStatus]lipgloss.Style{
		models.StatusPending:         lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSyncing:         lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.StatusFailedRetryable: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusDead:            lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Stdout is where the print helpers write. Tests swap it.
var Stdout io.Writer = os.Stdout

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Fprintln(Stdout, successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(Stdout, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Fprintln(Stdout, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints a plain message
func Info(format string, args ...any) {
	fmt.Fprintf(Stdout, format+"\n", args...)
}

// JSON outputs data as indented JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeConflict     = "conflict"
	ErrCodeNotDead      = "not_dead"
	ErrCodeStorage      = "storage_error"
	ErrCodeNetwork      = "network_error"
	ErrCodeRejected     = "rejected"
)

// JSONError outputs an error in the same envelope the server uses.
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Fprintln(Stdout, string(data))
}

// FormatStatus formats an item status with color
func FormatStatus(s models.ItemStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// StatusBadge returns a status with a leading symbol, e.g. "○ pending".
func StatusBadge(s models.ItemStatus) string {
	symbols := map[models.ItemStatus]string{
		models.StatusPending:         "○",
		models.StatusSyncing:         "▶",
		models.StatusFailedRetryable: "↻",
		models.StatusDead:            "✗",
	}
	symbol, ok := symbols[s]
	if !ok {
		symbol = "?"
	}
	if style, ok := statusStyles[s]; ok {
		return style.Render(symbol + " " + string(s))
	}
	return symbol + " " + string(s)
}

// Truncate shortens s to width display cells, keeping ANSI styling intact.
func Truncate(s string, width int) string {
	if width <= 0 || ansi.StringWidth(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "…")
}

// FormatItemShort formats a queue item on one line, fitting width cells
// when width > 0.
func FormatItemShort(item models.QueueItem, width int) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("#%d", item.ID)),
		methodStyle.Render(string(item.Method)),
		item.Endpoint,
		FormatStatus(item.Status),
	}
	if item.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(pluralize(item.Attempts, "attempt")))
	}
	parts = append(parts, subtleStyle.Render(FormatTimeAgo(item.CreatedAt)))
	return Truncate(strings.Join(parts, "  "), width)
}

// FormatItemLong formats a queue item with its payload and last error.
func FormatItemLong(item models.QueueItem) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("#%d %s %s", item.ID, item.Method, item.Endpoint)))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Status: %s\n", FormatStatus(item.Status))
	fmt.Fprintf(&sb, "Queued: %s (%s)\n", item.CreatedAt.Local().Format(time.DateTime), FormatTimeAgo(item.CreatedAt))
	fmt.Fprintf(&sb, "Attempts: %d\n", item.Attempts)
	if item.EntityRef != "" {
		fmt.Fprintf(&sb, "Entity: %s\n", item.EntityRef)
	}
	if item.LastError != nil {
		sb.WriteString("\n")
		sb.WriteString(subtleStyle.Render("Last error:"))
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "  %s", item.LastError.Kind)
		if item.LastError.Status != 0 {
			fmt.Fprintf(&sb, " (HTTP %d)", item.LastError.Status)
		}
		fmt.Fprintf(&sb, ": %s\n", item.LastError.Message)
	}
	if len(item.Payload) > 0 {
		sb.WriteString("\n")
		sb.WriteString(subtleStyle.Render("Payload:"))
		sb.WriteString("\n")
		sb.WriteString(IndentString(PrettyJSON(item.Payload), 2))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatRun formats one sync history row.
func FormatRun(run models.SyncRun) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("run %d", run.ID)),
		run.StartedAt.Local().Format(time.DateTime),
		fmt.Sprintf("%-7s", run.Trigger),
	}
	switch {
	case run.FinishedAt == nil:
		parts = append(parts, warningStyle.Render("running"))
	case run.Error != "":
		parts = append(parts, errorStyle.Render("error: "+run.Error))
	default:
		summary := fmt.Sprintf("%d sent, %d failed, %d dead", run.SuccessCount, run.FailCount, run.DeadCount)
		if run.FailCount > 0 || run.DeadCount > 0 {
			summary = warningStyle.Render(summary)
		} else {
			summary = successStyle.Render(summary)
		}
		parts = append(parts, summary)
		if run.Stopped {
			parts = append(parts, subtleStyle.Render("(stopped early)"))
		}
	}
	return strings.Join(parts, "  ")
}

// FormatCacheEntry formats a cached read with its age.
func FormatCacheEntry(entry models.CacheEntry, width int) string {
	line := fmt.Sprintf("%s  %s  %s",
		entry.Key,
		subtleStyle.Render(FormatTimeAgo(entry.UpdatedAt)),
		subtleStyle.Render(humanBytes(len(entry.Value))))
	return Truncate(line, width)
}

// PrettyJSON indents raw JSON, returning it unchanged when it is not valid.
func PrettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func humanBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KiB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1024*1024))
	}
}
