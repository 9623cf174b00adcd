package generation

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"vibe/internal/chat"
	"vibe/internal/defaults"
	"vibe/internal/provider"
	"vibe/internal/sandbox"
)

var fileBlockPattern = regexp.MustCompile(`(?s)<file path="([^"]+)">(.*?)</file>`)

// parseFileBlocks extracts every complete <file path="..."> block. An
// unterminated trailing block is dropped.
func parseFileBlocks(text string) map[string]string {
	files := map[string]string{}
	for _, m := range fileBlockPattern.FindAllStringSubmatch(text, -1) {
		p := sandbox.NormalizePath(m[1])
		if p == "" {
			continue
		}
		files[p] = strings.TrimSpace(m[2])
	}
	return files
}

func buildFastPrompt(request string, current map[string]string, history []chat.Message, edit bool) string {
	var b strings.Builder
	b.WriteString("CONTEXT:\n")
	if len(current) > 0 {
		paths := slices.Sorted(maps.Keys(current))
		b.WriteString("\n### Current File List:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n### Current File Contents:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "\n<file path=%q>\n%s\n</file>\n", p, current[p])
		}
	}
	if len(history) > 0 {
		b.WriteString("\n### Conversation History:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "\n%s: %s\n", strings.ToUpper(m.Role), m.Content)
		}
	}
	if edit {
		b.WriteString("\nEDIT MODE: this is an incremental update to an existing application.\n")
		b.WriteString("Only create or modify the files the request needs. Do not regenerate core files unless asked.\n")
	} else {
		b.WriteString("\nFIRST GENERATION: build a complete, polished page with real content and standard Tailwind classes.\n")
	}
	b.WriteString("\nUSER REQUEST:\n")
	b.WriteString(request)
	return b.String()
}

// fastGenerate asks for every changed file in one completion and returns
// only the files the model wrote.
func fastGenerate(ctx context.Context, p provider.Provider, request string, current map[string]string, history []chat.Message, edit bool, onText func(string)) (map[string]string, error) {
	req := provider.ChatRequest{
		Model: p.CurrentModel(),
		Messages: []chat.Message{
			chat.System(defaults.FastSystemPrompt),
			chat.User(buildFastPrompt(request, current, history, edit)),
		},
	}
	var cb *provider.StreamCallbacks
	if onText != nil {
		cb = &provider.StreamCallbacks{OnTextChunk: onText}
	}
	resp, err := p.Chat(ctx, req, cb)
	if err != nil {
		return nil, fmt.Errorf("fast generation: %w", err)
	}
	return parseFileBlocks(resp.Content), nil
}
