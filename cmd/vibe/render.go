package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"vibe/internal/generation"
	"vibe/internal/ledger"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const renderWidth = 100

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	value   lipgloss.Style
	warning lipgloss.Style
	faint   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		faint:   lipgloss.NewStyle().Faint(true),
	}
}

// renderMarkdown falls back to the raw text when glamour cannot render it.
func renderMarkdown(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("notty"),
		glamour.WithWordWrap(renderWidth),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func outcomeMarkdown(out generation.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", out.ProjectID)
	if out.URL != "" {
		fmt.Fprintf(&b, "Preview: %s\n\n", out.URL)
	}
	if out.Summary != "" {
		b.WriteString(out.Summary)
		b.WriteString("\n\n")
	}
	paths := make([]string, 0, len(out.Files))
	for p := range out.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > 0 {
		b.WriteString("### Files\n\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	return b.String()
}

func renderUsage(identity string, u ledger.Usage) string {
	st := newStyles()
	lines := []string{
		st.title.Render(fmt.Sprintf("%s (%s)", identity, u.Tier)),
		st.header.Render(fmt.Sprintf("%-8s %9s %6s  %s", "WINDOW", "REMAINING", "LIMIT", "RESETS")),
	}
	for _, w := range u.Windows {
		line := fmt.Sprintf("%-8s %9d %6d  %s", w.Kind, w.Remaining, w.Limit, formatTime(w.ExpiresAt))
		if w.Remaining <= 0 {
			lines = append(lines, st.warning.Render(line))
			continue
		}
		lines = append(lines, st.value.Render(line))
	}
	lines = append(lines, st.faint.Render(fmt.Sprintf("effective: %d", u.Effective)))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRecords(records []ledger.Record) string {
	st := newStyles()
	if len(records) == 0 {
		return st.faint.Render("no records")
	}
	lines := []string{
		st.header.Render(fmt.Sprintf("%-20s %-5s %-8s %-10s %9s %6s  %s", "IDENTITY", "TIER", "WINDOW", "PERIOD", "REMAINING", "LIMIT", "EXPIRES")),
	}
	for _, r := range records {
		lines = append(lines, st.value.Render(fmt.Sprintf("%-20s %-5s %-8s %-10s %9d %6d  %s",
			r.Identity, r.Tier, r.Kind, r.Period, r.Window.Remaining, r.Window.Limit, formatTime(r.Window.ExpiresAt))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
