package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func statusStyle(s sessionstore.Status) lipgloss.Style {
	switch s {
	case sessionstore.StatusRunning:
		return runningStyle
	case sessionstore.StatusCompleted:
		return completedStyle
	case sessionstore.StatusError, sessionstore.StatusStopped:
		return failedStyle
	default:
		return idleStyle
	}
}

// countByType returns "type=n" pairs sorted by type.
func countByType(msgs []*canonical.Message) string {
	counts := make(map[string]int)
	for _, m := range msgs {
		counts[string(m.Type)]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

// renderSession draws a boxed status summary for one session. Message
// content is never rendered.
func renderSession(w io.Writer, d *sessionstore.SessionData) {
	row := func(label, value string) string {
		return labelStyle.Render(fmt.Sprintf("%-16s", label)) + value
	}
	lines := []string{
		titleStyle.Render(d.ID),
		row("engine", string(d.Engine)),
		row("status", statusStyle(d.Status).Render(string(d.Status))),
		row("raw lines", fmt.Sprint(len(d.RawJSONL))),
		row("messages", fmt.Sprint(len(d.Messages))),
	}
	if len(d.Messages) > 0 {
		lines = append(lines, row("by type", countByType(d.Messages)))
	}
	if d.ClaudeSessionID != "" {
		lines = append(lines, row("engine session", d.ClaudeSessionID))
	}
	if d.Error != "" {
		lines = append(lines, row("error", failedStyle.Render(d.Error)))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}

// renderCounts prints a one-line converted/skipped summary.
func renderCounts(w io.Writer, converted, skipped int) {
	fmt.Fprintf(w, "%s %s %s\n",
		titleStyle.Render("converted"),
		runningStyle.Render(fmt.Sprint(converted)),
		labelStyle.Render(fmt.Sprintf("(%d skipped)", skipped)))
}
