package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"vibe/internal/chat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Journal records a tool call before it runs.
type Journal interface {
	RecordToolCall(ctx context.Context, call chat.ToolCall) error
}

// Observer receives the outcome of every dispatched call.
type Observer interface {
	ObserveTool(name string, ok bool, d time.Duration)
}

type Options struct {
	Journal  Journal
	Observer Observer
	Logger   *zap.Logger
}

// Executor dispatches model tool calls through a fixed handler table.
type Executor struct {
	handlers map[Name]Tool
	journal  Journal
	observer Observer
	logger   *zap.Logger
}

func NewExecutor(opts Options, ts ...Tool) *Executor {
	m := make(map[Name]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{handlers: m, journal: opts.Journal, observer: opts.Observer, logger: logger.Named("tools")}
}

// Definitions lists the registered tools in name order.
func (e *Executor) Definitions() []chat.ToolDef {
	names := make([]string, 0, len(e.handlers))
	for n := range e.handlers {
		names = append(names, string(n))
	}
	slices.Sort(names)
	out := make([]chat.ToolDef, 0, len(names))
	for _, n := range names {
		out = append(out, e.handlers[Name(n)].Definition())
	}
	return out
}

// WithJournal returns a copy of e that records calls to j.
func (e *Executor) WithJournal(j Journal) *Executor {
	cp := *e
	cp.journal = j
	return &cp
}

// Execute runs one call and always returns text for the model. Unknown names
// are rejected before anything reaches the sandbox.
func (e *Executor) Execute(ctx context.Context, env Env, call chat.ToolCall) string {
	ctx, span := otel.Tracer("vibe/tools").Start(ctx, "tool "+call.Function.Name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Function.Name))

	start := time.Now()
	name, err := ParseName(call.Function.Name)
	var handler Tool
	if err == nil {
		var ok bool
		if handler, ok = e.handlers[name]; !ok {
			err = fmt.Errorf("%w: %q is not enabled", ErrUnknownTool, call.Function.Name)
		}
	}
	if err != nil {
		e.finish(span, call.Function.Name, start, err)
		return fmt.Sprintf("Error: %v. Available tools: %s", err, e.available())
	}

	if e.journal != nil {
		if jerr := e.journal.RecordToolCall(ctx, call); jerr != nil {
			e.logger.Warn("tool journal write failed", zap.String("tool", string(name)), zap.Error(jerr))
		}
	}

	args := json.RawMessage(call.Function.Arguments)
	if len(strings.TrimSpace(call.Function.Arguments)) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := handler.Execute(ctx, env, args)
	e.finish(span, string(name), start, err)
	if err != nil {
		e.logger.Debug("tool failed", zap.String("tool", string(name)), zap.Error(err))
		return errorText(name, err)
	}
	return out
}

func (e *Executor) finish(span trace.Span, name string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.observer != nil {
		e.observer.ObserveTool(name, err == nil, time.Since(start))
	}
}

func (e *Executor) available() string {
	names := make([]string, 0, len(e.handlers))
	for n := range e.handlers {
		names = append(names, string(n))
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}
