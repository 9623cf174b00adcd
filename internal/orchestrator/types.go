package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"vibe/internal/chat"
	"vibe/internal/sandbox"
	"vibe/internal/tools"
)

// State is a node of the generation state machine.
type State int

const (
	StateRouting State = iota
	StateModelTurn
	StateToolExecution
	StateDone
	StateIterationCapReached
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "routing"
	case StateModelTurn:
		return "model_turn"
	case StateToolExecution:
		return "tool_execution"
	case StateDone:
		return "done"
	case StateIterationCapReached:
		return "iteration_cap_reached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrModelCall is matched by ModelCallError.
var ErrModelCall = errors.New("model call failed")

type ModelCallError struct {
	Iteration int
	Err       error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed at iteration %d: %v", e.Iteration, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

func (e *ModelCallError) Is(target error) bool { return target == ErrModelCall }

// Input describes one run.
type Input struct {
	Request string
	// History is prior project conversation, oldest first.
	History []chat.Message
	// Seed is the file set routing starts from; nil means the boilerplate.
	Seed map[string]string
	// EditFiles lists current project paths when the project already has a fragment.
	EditFiles []string
	Sandbox   sandbox.Handle
	Journal   tools.Journal
	OnText    func(chunk string)
}

type Result struct {
	Summary    string
	Files      map[string]string
	Iterations int
	Final      State
	Retried    bool
}

// Succeeded reports whether the run produced both a summary and files.
func (r Result) Succeeded() bool {
	return r.Summary != "" && len(r.Files) > 0
}

// Observer receives per-turn and per-run measurements.
type Observer interface {
	ObserveModelTurn(d time.Duration, err error)
	ObserveRun(final State, iterations int)
}
