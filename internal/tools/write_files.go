package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vibe/internal/chat"
	"vibe/internal/sandbox"
)

type CreateOrUpdateFilesTool struct{}

func NewCreateOrUpdateFilesTool() *CreateOrUpdateFilesTool {
	return &CreateOrUpdateFilesTool{}
}

func (t *CreateOrUpdateFilesTool) Name() Name {
	return CreateOrUpdateFiles
}

func (t *CreateOrUpdateFilesTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        string(t.Name()),
			Description: "Create or overwrite project files with their full content. Paths are relative to the project root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"files": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"path":    map[string]any{"type": "string"},
								"content": map[string]any{"type": "string"},
							},
							"required": []string{"path", "content"},
						},
					},
				},
				"required": []string{"files"},
			},
		},
	}
}

// Execute records every file in the run state even when the sandbox write
// fails, so the fragment reflects what the model intended.
func (t *CreateOrUpdateFilesTool) Execute(ctx context.Context, env Env, args json.RawMessage) (string, error) {
	var in struct {
		Files []fileContent `json:"files"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("createOrUpdateFiles args: %w", err)
	}
	if len(in.Files) == 0 {
		return "", errors.New("no files given")
	}

	updated := make([]string, 0, len(in.Files))
	var failed []string
	for _, f := range in.Files {
		p := sandbox.NormalizePath(f.Path)
		if p == "" {
			failed = append(failed, "empty path")
			continue
		}
		if env.Sandbox != nil {
			if err := env.Sandbox.WriteFile(ctx, p, f.Content); err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", p, err))
			}
		}
		env.State.Files[p] = f.Content
		updated = append(updated, p)
	}

	return mustJSON(map[string]any{
		"ok":      len(failed) == 0,
		"updated": updated,
		"errors":  failed,
		"total":   len(env.State.Files),
	}), nil
}
