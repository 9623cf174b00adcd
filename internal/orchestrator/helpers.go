package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"vibe/internal/defaults"
)

func isContextCancellationErr(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx != nil && ctx.Err() != nil
}

func contextErrOr(ctx context.Context, fallback error) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return fallback
}

func summarizeForLog(s string) string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
	if normalized == "" {
		return "-"
	}
	const maxRunes = 220
	runes := []rune(normalized)
	if len(runes) <= maxRunes {
		return normalized
	}
	return string(runes[:maxRunes]) + "...(truncated)"
}

// DetectSummary reports whether an assistant text carries the completion
// marker. The whole text becomes the summary.
func DetectSummary(content string) (string, bool) {
	if !strings.Contains(content, defaults.SummaryMarker) {
		return "", false
	}
	return strings.TrimSpace(content), true
}

// SummaryBody strips the marker tags for display.
func SummaryBody(summary string) string {
	s := summary
	if i := strings.Index(s, defaults.SummaryMarker); i >= 0 {
		s = s[i+len(defaults.SummaryMarker):]
	}
	if i := strings.Index(s, "</task_summary>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func buildRequest(in Input) string {
	if len(in.EditFiles) == 0 {
		return in.Request
	}
	var b strings.Builder
	b.WriteString("EDIT MODE: the project already exists. Change only what the request needs and keep everything else intact.\n")
	b.WriteString("Read a file with readFiles before rewriting it.\n\nCurrent project files:\n")
	for _, p := range in.EditFiles {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(in.Request)
	return b.String()
}

// correctiveInstruction names what the first pass failed to produce.
func correctiveInstruction(res Result) string {
	var missing []string
	if res.Summary == "" {
		missing = append(missing, "no <task_summary> was produced")
	}
	if len(res.Files) == 0 {
		missing = append(missing, "no files were written")
	}
	return fmt.Sprintf(defaults.CorrectivePrompt, strings.Join(missing, " and "))
}

func sortedPaths(files map[string]string) []string {
	return slices.Sorted(maps.Keys(files))
}
