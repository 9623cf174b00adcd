package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vibe/internal/chat"
	"vibe/internal/security"
)

type TerminalTool struct {
	timeout     time.Duration
	outputLimit int
}

func NewTerminalTool(timeout time.Duration, outputLimit int) *TerminalTool {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if outputLimit <= 0 {
		outputLimit = 64 * 1024
	}
	return &TerminalTool{timeout: timeout, outputLimit: outputLimit}
}

func (t *TerminalTool) Name() Name {
	return Terminal
}

func (t *TerminalTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        string(t.Name()),
			Description: "Run a shell command in the project sandbox, e.g. to install npm packages. Returns stdout, or stderr and the exit code on failure.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *TerminalTool) Execute(ctx context.Context, env Env, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("terminal args: %w", err)
	}
	if err := security.CheckCommand(in.Command).Err(); err != nil {
		return "", err
	}
	if env.Sandbox == nil {
		return "", errors.New("no sandbox attached")
	}

	res, err := env.Sandbox.Run(ctx, in.Command, t.timeout)
	if err != nil {
		return "", fmt.Errorf("run command: %w", err)
	}
	stdout := clip(res.Stdout, t.outputLimit)
	if res.ExitCode == 0 {
		return stdout, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Command failed with exit code %d.", res.ExitCode)
	if stdout != "" {
		b.WriteString("\nSTDOUT:\n")
		b.WriteString(stdout)
	}
	if stderr := clip(res.Stderr, t.outputLimit); stderr != "" {
		b.WriteString("\nSTDERR:\n")
		b.WriteString(stderr)
	}
	return b.String(), nil
}

// clip keeps the tail of s, where build and install errors usually are.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "...(truncated)\n" + s[len(s)-limit:]
}
