package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/orchardlog/fieldsync/internal/models"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return fallback
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// StatusReport is the data behind `fieldsync status`.
type StatusReport struct {
	ServerURL string
	Online    bool
	Counts    map[models.ItemStatus]int
	LastRun   *models.SyncRun
	CacheSize int
}

// Markdown renders the report as a markdown document.
func (r StatusReport) Markdown() string {
	var sb strings.Builder
	sb.WriteString("# Sync status\n\n")

	conn := "offline"
	if r.Online {
		conn = "online"
	}
	fmt.Fprintf(&sb, "Server `%s` is **%s**.\n\n", r.ServerURL, conn)

	sb.WriteString("| Status | Items |\n|---|---|\n")
	for _, s := range []models.ItemStatus{
		models.StatusPending, models.StatusSyncing, models.StatusFailedRetryable, models.StatusDead,
	} {
		fmt.Fprintf(&sb, "| %s | %d |\n", s, r.Counts[s])
	}
	fmt.Fprintf(&sb, "\n%d cached reads.\n", r.CacheSize)

	if r.LastRun != nil {
		run := r.LastRun
		fmt.Fprintf(&sb, "\n## Last run\n\nStarted %s by `%s`. ", FormatTimeAgo(run.StartedAt), run.Trigger)
		switch {
		case run.FinishedAt == nil:
			sb.WriteString("Still running.\n")
		case run.Error != "":
			fmt.Fprintf(&sb, "Failed: %s\n", run.Error)
		default:
			fmt.Fprintf(&sb, "Sent %d, failed %d, dead %d.\n", run.SuccessCount, run.FailCount, run.DeadCount)
		}
	}
	if r.Counts[models.StatusDead] > 0 {
		sb.WriteString("\n> Dead items need attention: `fieldsync dead list`\n")
	}
	return sb.String()
}

// RenderMarkdown renders markdown using Glamour with terminal-aware wrapping.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown using Glamour with explicit wrapping.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	width = max(width, minMarkdownWidth)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(rendered, "\n"), nil
}

// ItemMarkdown describes one queue item as markdown for `queue show`.
func ItemMarkdown(item models.QueueItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# #%d `%s %s`\n\n", item.ID, item.Method, item.Endpoint)
	fmt.Fprintf(&sb, "- **Status:** %s\n", item.Status)
	fmt.Fprintf(&sb, "- **Queued:** %s (%s)\n", item.CreatedAt.Local().Format("2006-01-02 15:04:05"), FormatTimeAgo(item.CreatedAt))
	fmt.Fprintf(&sb, "- **Attempts:** %d\n", item.Attempts)
	if item.EntityRef != "" {
		fmt.Fprintf(&sb, "- **Entity:** `%s`\n", item.EntityRef)
	}
	if e := item.LastError; e != nil {
		sb.WriteString("\n## Last error\n\n")
		if e.Status != 0 {
			fmt.Fprintf(&sb, "%s, HTTP %d: %s\n", e.Kind, e.Status, e.Message)
		} else {
			fmt.Fprintf(&sb, "%s: %s\n", e.Kind, e.Message)
		}
	}
	if len(item.Payload) > 0 {
		sb.WriteString("\n## Payload\n\n```json\n")
		sb.WriteString(PrettyJSON(item.Payload))
		sb.WriteString("\n```\n")
	}
	return sb.String()
}
