package orchestrator

import (
	"context"
	"errors"
	"time"

	"vibe/internal/chat"
	"vibe/internal/defaults"
	"vibe/internal/provider"
	"vibe/internal/sandbox"
	"vibe/internal/tools"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultMaxIterations = 8

// nudgeMessage answers a turn that neither called a tool nor finished.
const nudgeMessage = "Continue. Use the tools to finish the task, then reply with the <task_summary> block."

type Options struct {
	MaxIterations int
	SystemPrompt  string
	Observer      Observer
	Logger        *zap.Logger
}

// Orchestrator drives the model/tool loop for one run at a time per call.
// It keeps no state between calls and is safe for concurrent use.
type Orchestrator struct {
	provider      provider.Provider
	executor      *tools.Executor
	maxIterations int
	systemPrompt  string
	observer      Observer
	logger        *zap.Logger
}

func New(p provider.Provider, executor *tools.Executor, opts Options) *Orchestrator {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = defaults.AgentSystemPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		provider:      p,
		executor:      executor,
		maxIterations: maxIter,
		systemPrompt:  prompt,
		observer:      opts.Observer,
		logger:        logger.Named("orchestrator"),
	}
}

func (o *Orchestrator) MaxIterations() int { return o.maxIterations }

// run is the mutable state of one Execute or Run call.
type run struct {
	in       Input
	state    *tools.RunState
	messages []chat.Message
	executor *tools.Executor
	turns    int
}

func (o *Orchestrator) newRun(in Input) *run {
	messages := make([]chat.Message, 0, len(in.History)+2)
	messages = append(messages, chat.System(o.systemPrompt))
	messages = append(messages, in.History...)
	messages = append(messages, chat.User(buildRequest(in)))

	executor := o.executor
	if in.Journal != nil {
		executor = executor.WithJournal(in.Journal)
	}
	return &run{in: in, state: &tools.RunState{}, messages: messages, executor: executor}
}

// Execute runs the loop and, when it ends without both a summary and files,
// re-enters it once with a corrective instruction and a fresh iteration cap.
// Whatever the retry adds is kept even if the run still fails.
func (o *Orchestrator) Execute(ctx context.Context, in Input) (Result, error) {
	ctx, span := otel.Tracer("vibe/orchestrator").Start(ctx, "orchestrator.execute")
	defer span.End()

	r := o.newRun(in)
	res, err := o.loop(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Succeeded() {
		span.SetAttributes(attribute.Int("iterations", res.Iterations))
		return res, nil
	}

	o.logger.Info("run incomplete, retrying once",
		zap.Bool("has_summary", res.Summary != ""),
		zap.Int("files", len(res.Files)),
		zap.String("state", res.Final.String()))
	r.messages = append(r.messages, chat.User(correctiveInstruction(res)))
	r.state.Summary = ""
	retry, err := o.loop(ctx, r)
	retry.Retried = true
	retry.Iterations += res.Iterations
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return retry, err
	}
	if retry.Summary == "" {
		retry.Summary = res.Summary
	}
	span.SetAttributes(attribute.Int("iterations", retry.Iterations), attribute.Bool("retried", true))
	return retry, nil
}

// Run performs a single pass of the loop without the corrective retry.
func (o *Orchestrator) Run(ctx context.Context, in Input) (Result, error) {
	ctx, span := otel.Tracer("vibe/orchestrator").Start(ctx, "orchestrator.run")
	defer span.End()
	res, err := o.loop(ctx, o.newRun(in))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// loop walks Routing -> ModelTurn -> ToolExecution -> Routing until Done or
// the iteration cap. Each call gets its own cap.
func (o *Orchestrator) loop(ctx context.Context, r *run) (Result, error) {
	var (
		current = StateRouting
		pending []chat.ToolCall
		turns   int
	)
	defs := r.executor.Definitions()

	for {
		if err := ctx.Err(); err != nil {
			return o.result(r, current, turns), err
		}
		switch current {
		case StateRouting:
			if len(r.state.Files) == 0 {
				seed := r.in.Seed
				if len(seed) == 0 {
					seed = sandbox.Boilerplate()
				}
				r.state = tools.NewRunState(seed)
			}
			switch {
			case r.state.Summary != "":
				current = StateDone
			case turns >= o.maxIterations:
				current = StateIterationCapReached
			default:
				current = StateModelTurn
			}

		case StateModelTurn:
			turns++
			r.turns++
			start := time.Now()
			resp, err := o.chatOnce(ctx, r.messages, defs, r.in.OnText)
			if o.observer != nil {
				o.observer.ObserveModelTurn(time.Since(start), err)
			}
			if err != nil {
				if isContextCancellationErr(ctx, err) {
					return o.result(r, current, turns), contextErrOr(ctx, err)
				}
				return o.result(r, current, turns), &ModelCallError{Iteration: r.turns, Err: err}
			}
			r.messages = append(r.messages, chat.Message{
				Role:      chat.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			o.logger.Debug("model turn",
				zap.Int("iteration", r.turns),
				zap.Int("tool_calls", len(resp.ToolCalls)),
				zap.String("content", summarizeForLog(resp.Content)))

			// Only text is scanned; tool calls in the same turn still run first.
			if summary, ok := DetectSummary(resp.Content); ok {
				r.state.Summary = summary
			}
			if len(resp.ToolCalls) > 0 {
				pending = resp.ToolCalls
				current = StateToolExecution
				continue
			}
			if r.state.Summary == "" {
				r.messages = append(r.messages, chat.User(nudgeMessage))
			}
			current = StateRouting

		case StateToolExecution:
			env := tools.Env{Sandbox: r.in.Sandbox, State: r.state}
			for _, call := range pending {
				if err := ctx.Err(); err != nil {
					return o.result(r, current, turns), err
				}
				out := r.executor.Execute(ctx, env, call)
				r.messages = append(r.messages, chat.ToolResult(call, out))
			}
			pending = nil
			current = StateRouting

		case StateDone, StateIterationCapReached:
			if current == StateIterationCapReached {
				o.logger.Info("iteration cap reached", zap.Int("iterations", turns))
			}
			res := o.result(r, current, turns)
			if o.observer != nil {
				o.observer.ObserveRun(current, turns)
			}
			return res, nil

		default:
			return o.result(r, current, turns), errors.New("orchestrator reached an unknown state")
		}
	}
}

func (o *Orchestrator) result(r *run, final State, turns int) Result {
	files := make(map[string]string, len(r.state.Files))
	for k, v := range r.state.Files {
		files[k] = v
	}
	return Result{Summary: r.state.Summary, Files: files, Iterations: turns, Final: final}
}
