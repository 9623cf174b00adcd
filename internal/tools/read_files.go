package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vibe/internal/chat"
	"vibe/internal/sandbox"
)

type ReadFilesTool struct{}

func NewReadFilesTool() *ReadFilesTool {
	return &ReadFilesTool{}
}

func (t *ReadFilesTool) Name() Name {
	return ReadFiles
}

func (t *ReadFilesTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        string(t.Name()),
			Description: "Read project files. Paths are relative to the project root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"files": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"files"},
			},
		},
	}
}

type fileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func notFoundMarker(p string) string {
	return fmt.Sprintf("// File %s not found", p)
}

// Execute answers from this run's writes first and falls back to the sandbox disk.
func (t *ReadFilesTool) Execute(ctx context.Context, env Env, args json.RawMessage) (string, error) {
	var in struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("readFiles args: %w", err)
	}

	out := make([]fileContent, 0, len(in.Files))
	for _, raw := range in.Files {
		p := sandbox.NormalizePath(raw)
		if content, ok := env.State.Files[p]; ok {
			out = append(out, fileContent{Path: p, Content: content})
			continue
		}
		content := notFoundMarker(p)
		if env.Sandbox != nil {
			got, err := env.Sandbox.ReadFile(ctx, p)
			switch {
			case err == nil:
				content = got
			case errors.Is(err, sandbox.ErrNotFound):
			default:
				return "", fmt.Errorf("read %s: %w", p, err)
			}
		}
		out = append(out, fileContent{Path: p, Content: content})
	}
	return mustJSON(out), nil
}
