package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vibe/internal/chat"
	"vibe/internal/sandbox"
)

// Name is the closed set of tools the model may call.
type Name string

const (
	Terminal            Name = "terminal"
	ReadFiles           Name = "readFiles"
	CreateOrUpdateFiles Name = "createOrUpdateFiles"
)

var ErrUnknownTool = errors.New("unknown tool")

func ParseName(s string) (Name, error) {
	switch n := Name(s); n {
	case Terminal, ReadFiles, CreateOrUpdateFiles:
		return n, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, s)
}

// RunState is the file set and summary of one in-flight run.
type RunState struct {
	Files   map[string]string
	Summary string
}

func NewRunState(files map[string]string) *RunState {
	s := &RunState{Files: make(map[string]string, len(files))}
	for k, v := range files {
		s.Files[k] = v
	}
	return s
}

// Env is what a tool acts on. Sandbox may be nil.
type Env struct {
	Sandbox sandbox.Handle
	State   *RunState
}

type Tool interface {
	Name() Name
	Definition() chat.ToolDef
	Execute(ctx context.Context, env Env, args json.RawMessage) (string, error)
}
