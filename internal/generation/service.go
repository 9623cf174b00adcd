// Package generation is the run interface: it admits a request against the
// credit ledger, prepares a sandbox from the project's last fragment, drives
// the orchestrator and persists exactly one outcome message per request.
package generation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"vibe/internal/chat"
	"vibe/internal/contextmgr"
	"vibe/internal/defaults"
	"vibe/internal/ledger"
	"vibe/internal/orchestrator"
	"vibe/internal/provider"
	"vibe/internal/sandbox"
	"vibe/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	ModeAgent = "agent"
	ModeFast  = "fast"

	MaxPromptLength = 10000
)

// Credits is the part of the ledger a run needs.
type Credits interface {
	Consume(ctx context.Context, identity string, tier ledger.Tier, cost int) (ledger.Decision, error)
}

// Observer receives run outcomes. outcome is "success", "failed" or "denied".
type Observer interface {
	ObserveGeneration(mode, outcome string, d time.Duration)
	ObserveRepair(applied bool)
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	Identity string
	Tier     ledger.Tier
}

type Request struct {
	Caller Caller
	// ProjectID selects an existing project; empty creates one.
	ProjectID string
	Prompt    string
	OnText    func(chunk string)
}

type Outcome struct {
	ProjectID  string            `json:"project_id"`
	MessageID  string            `json:"message_id"`
	URL        string            `json:"url"`
	Files      map[string]string `json:"files"`
	Summary    string            `json:"summary"`
	Repaired   bool              `json:"repaired"`
	Iterations int               `json:"iterations"`
}

type Deps struct {
	Store        storage.Store
	Credits      Credits
	Sandboxes    *sandbox.Manager
	Orchestrator *orchestrator.Orchestrator
	// Provider serves fast mode.
	Provider provider.Provider
}

type Options struct {
	Mode                 string
	Cost                 int
	HistoryLimit         int
	HistoryTokens        int
	Tokenizer            *contextmgr.Tokenizer
	RunTimeout           time.Duration
	SerializeProjectRuns bool
	SelfHeal             bool
	SettleDelay          time.Duration
	Prober               Prober
	Observer             Observer
	Logger               *zap.Logger
}

type Service struct {
	deps   Deps
	opts   Options
	locks  *projectLocks
	healer *healer
	logger *zap.Logger
}

func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("generation: store is required")
	case deps.Credits == nil:
		return nil, errors.New("generation: credits are required")
	case deps.Sandboxes == nil:
		return nil, errors.New("generation: sandbox manager is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeAgent
	}
	switch opts.Mode {
	case ModeAgent:
		if deps.Orchestrator == nil {
			return nil, errors.New("generation: agent mode needs an orchestrator")
		}
	case ModeFast:
		if deps.Provider == nil {
			return nil, errors.New("generation: fast mode needs a provider")
		}
	default:
		return nil, fmt.Errorf("generation: unknown mode %q", opts.Mode)
	}
	if opts.Cost <= 0 {
		opts.Cost = 1
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 15 * time.Minute
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = contextmgr.NewHeuristicTokenizer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("generation")

	s := &Service{deps: deps, opts: opts, logger: logger}
	if opts.SerializeProjectRuns {
		s.locks = newProjectLocks()
	}
	if opts.SelfHeal && opts.Mode == ModeAgent {
		prober := opts.Prober
		if prober == nil {
			prober = HTTPProber{Timeout: 5 * time.Second}
		}
		s.healer = &healer{
			orch:    deps.Orchestrator,
			manager: deps.Sandboxes,
			prober:  prober,
			settle:  opts.SettleDelay,
			sleep:   sleepCtx,
			logger:  logger.Named("heal"),
		}
	}
	return s, nil
}

func validatePrompt(prompt string) error {
	n := utf8.RuneCountInString(prompt)
	if n == 0 {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPrompt)
	}
	if n > MaxPromptLength {
		return fmt.Errorf("%w: prompt is longer than %d characters", ErrInvalidPrompt, MaxPromptLength)
	}
	return nil
}

// Generate runs one request end to end. A denied request touches neither the
// model nor a sandbox. Once credits are consumed every failure is returned as a
// RunFailedError, and persisted as the generic error message when the project
// exists.
func (s *Service) Generate(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := otel.Tracer("vibe/generation").Start(ctx, "generation.generate")
	defer span.End()
	start := time.Now()

	prompt := strings.TrimSpace(req.Prompt)
	if err := validatePrompt(prompt); err != nil {
		return Outcome{}, err
	}
	identity := strings.TrimSpace(req.Caller.Identity)
	if identity == "" {
		return Outcome{}, errors.New("caller identity is required")
	}

	var project storage.Project
	if req.ProjectID != "" {
		var err error
		if project, err = s.Project(ctx, identity, req.ProjectID); err != nil {
			return Outcome{}, err
		}
	}

	dec, err := s.deps.Credits.Consume(ctx, identity, req.Caller.Tier, s.opts.Cost)
	if err != nil {
		return Outcome{}, fmt.Errorf("consume credits: %w", err)
	}
	if !dec.Allowed {
		s.observe("denied", start)
		span.SetAttributes(attribute.String("denied_by", string(dec.DeniedBy)))
		return Outcome{}, &CreditDeniedError{Window: dec.DeniedBy}
	}

	if project.ID == "" {
		if project, err = s.deps.Store.CreateProject(ctx, identity, ""); err != nil {
			s.logger.Warn("create project failed", zap.String("identity", identity), zap.Error(err))
			s.observe("failed", start)
			return Outcome{}, &RunFailedError{Cause: fmt.Errorf("create project: %w", err)}
		}
	}
	span.SetAttributes(attribute.String("project_id", project.ID), attribute.String("mode", s.opts.Mode))
	logger := s.logger.With(zap.String("project_id", project.ID), zap.String("identity", identity))

	if s.locks != nil {
		release, err := s.locks.acquire(ctx, project.ID)
		if err != nil {
			return s.fail(ctx, logger, project.ID, start, fmt.Errorf("wait for project run: %w", err))
		}
		defer release()
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	history, err := s.history(runCtx, project.ID)
	if err != nil {
		return s.fail(ctx, logger, project.ID, start, err)
	}
	if _, err := s.deps.Store.AppendMessage(runCtx, storage.Message{
		ProjectID: project.ID,
		Role:      storage.RoleUser,
		Kind:      storage.KindResult,
		Content:   prompt,
	}, nil); err != nil {
		return s.fail(ctx, logger, project.ID, start, fmt.Errorf("save request: %w", err))
	}

	frag, hasFrag, err := s.deps.Store.LatestFragment(runCtx, project.ID)
	if err != nil {
		return s.fail(ctx, logger, project.ID, start, fmt.Errorf("load latest fragment: %w", err))
	}
	var seed map[string]string
	if hasFrag {
		seed = frag.Files
	}

	in := runInput{
		projectID: project.ID,
		prompt:    prompt,
		history:   history,
		seed:      seed,
		edit:      hasFrag,
		onText:    req.OnText,
		logger:    logger,
	}
	var out runOutput
	if s.opts.Mode == ModeFast {
		out, err = s.runFast(runCtx, in)
	} else {
		out, err = s.runAgent(runCtx, in)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail(ctx, logger, project.ID, start, err)
	}
	return s.succeed(ctx, logger, project.ID, start, out)
}

type runInput struct {
	projectID string
	prompt    string
	history   []chat.Message
	// seed is the latest fragment's files, nil for a new project.
	seed   map[string]string
	edit   bool
	onText func(string)
	logger *zap.Logger
}

type runOutput struct {
	Summary    string
	Files      map[string]string
	URL        string
	SandboxID  string
	Repaired   bool
	Iterations int
}

func (s *Service) runAgent(ctx context.Context, run runInput) (runOutput, error) {
	box, files, err := s.prepare(ctx, run.logger, run.seed)
	if err != nil {
		return runOutput{}, err
	}

	journal := &messageJournal{store: s.deps.Store, projectID: run.projectID, logger: run.logger}
	in := orchestrator.Input{
		Request: run.prompt,
		History: run.history,
		Seed:    files,
		Sandbox: box,
		Journal: journal,
		OnText:  run.onText,
	}
	if run.edit {
		in.EditFiles = slices.Sorted(maps.Keys(files))
	}
	res, err := s.deps.Orchestrator.Execute(ctx, in)
	if err != nil {
		return runOutput{}, err
	}
	if !res.Succeeded() {
		return runOutput{}, fmt.Errorf("%w: final state %s, summary=%t, files=%d",
			errNotConverged, res.Final, res.Summary != "", len(res.Files))
	}

	url, err := s.deps.Sandboxes.URL(box)
	if err != nil {
		return runOutput{}, fmt.Errorf("preview url: %w", err)
	}
	healed := s.healer.heal(ctx, box, journal, url, res)
	if s.healer != nil && s.opts.Observer != nil {
		s.opts.Observer.ObserveRepair(healed.Repaired)
	}
	return runOutput{
		Summary:    healed.Summary,
		Files:      healed.Files,
		URL:        url,
		SandboxID:  box.ID(),
		Repaired:   healed.Repaired,
		Iterations: res.Iterations,
	}, nil
}

func (s *Service) runFast(ctx context.Context, run runInput) (runOutput, error) {
	box, files, err := s.prepare(ctx, run.logger, run.seed)
	if err != nil {
		return runOutput{}, err
	}
	generated, err := fastGenerate(ctx, s.deps.Provider, run.prompt, run.seed, run.history, run.edit, run.onText)
	if err != nil {
		return runOutput{}, err
	}
	if len(generated) == 0 {
		return runOutput{}, fmt.Errorf("%w: no file blocks in response", errNotConverged)
	}
	for _, p := range slices.Sorted(maps.Keys(generated)) {
		if err := box.WriteFile(ctx, p, generated[p]); err != nil {
			return runOutput{}, fmt.Errorf("write %s: %w", p, err)
		}
		files[p] = generated[p]
	}
	url, err := s.deps.Sandboxes.URL(box)
	if err != nil {
		return runOutput{}, fmt.Errorf("preview url: %w", err)
	}
	return runOutput{
		Summary:    defaults.FastSummary,
		Files:      files,
		URL:        url,
		SandboxID:  box.ID(),
		Iterations: 1,
	}, nil
}

// prepare provisions a sandbox, restores seed into it and starts the dev
// server. A dev server that fails to start is left to self-healing.
func (s *Service) prepare(ctx context.Context, logger *zap.Logger, seed map[string]string) (sandbox.Handle, map[string]string, error) {
	box, err := s.deps.Sandboxes.Provision(ctx)
	if err != nil {
		return nil, nil, err
	}
	files, err := sandbox.Restore(ctx, box, seed)
	if err != nil {
		return nil, nil, err
	}
	if err := s.deps.Sandboxes.StartDevServer(ctx, box); err != nil {
		logger.Warn("dev server did not start", zap.String("sandbox_id", box.ID()), zap.Error(err))
	}
	return box, files, nil
}

func (s *Service) succeed(ctx context.Context, logger *zap.Logger, projectID string, start time.Time, out runOutput) (Outcome, error) {
	pctx := context.WithoutCancel(ctx)
	msg, err := s.deps.Store.AppendMessage(pctx, storage.Message{
		ProjectID: projectID,
		Role:      storage.RoleAssistant,
		Kind:      storage.KindResult,
		Content:   out.Summary,
	}, &storage.Fragment{
		Title:      defaults.FragmentTitle,
		SandboxURL: out.URL,
		SandboxID:  out.SandboxID,
		Files:      out.Files,
	})
	if err != nil {
		return s.fail(ctx, logger, projectID, start, fmt.Errorf("save result: %w", err))
	}
	s.touch(pctx, logger, projectID)
	s.observe("success", start)
	logger.Info("generation finished",
		zap.Int("files", len(out.Files)),
		zap.Int("iterations", out.Iterations),
		zap.Bool("repaired", out.Repaired),
		zap.Duration("elapsed", time.Since(start)))
	return Outcome{
		ProjectID:  projectID,
		MessageID:  msg.ID,
		URL:        out.URL,
		Files:      out.Files,
		Summary:    out.Summary,
		Repaired:   out.Repaired,
		Iterations: out.Iterations,
	}, nil
}

// fail persists the generic error message. The cause only reaches the log.
func (s *Service) fail(ctx context.Context, logger *zap.Logger, projectID string, start time.Time, cause error) (Outcome, error) {
	pctx := context.WithoutCancel(ctx)
	logger.Warn("generation failed", zap.Error(cause))
	msg, err := s.deps.Store.AppendMessage(pctx, storage.Message{
		ProjectID: projectID,
		Role:      storage.RoleAssistant,
		Kind:      storage.KindError,
		Content:   defaults.GenericErrorMessage,
	}, nil)
	if err != nil {
		logger.Error("save error message failed", zap.Error(err))
	}
	s.touch(pctx, logger, projectID)
	s.observe("failed", start)
	return Outcome{ProjectID: projectID, MessageID: msg.ID}, &RunFailedError{ProjectID: projectID, Cause: cause}
}

func (s *Service) touch(ctx context.Context, logger *zap.Logger, projectID string) {
	if err := s.deps.Store.TouchProject(ctx, projectID); err != nil {
		logger.Warn("touch project failed", zap.Error(err))
	}
}

func (s *Service) observe(outcome string, start time.Time) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveGeneration(s.opts.Mode, outcome, time.Since(start))
	}
}

// history returns the project's recent result and error messages as chat
// turns, trimmed to the configured budget.
func (s *Service) history(ctx context.Context, projectID string) ([]chat.Message, error) {
	msgs, err := s.deps.Store.RecentMessages(ctx, projectID,
		[]storage.Kind{storage.KindResult, storage.KindError}, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == storage.RoleUser {
			out = append(out, chat.User(m.Content))
		} else {
			out = append(out, chat.Assistant(m.Content))
		}
	}
	return s.opts.Tokenizer.Trim(out, contextmgr.Budget{
		MaxMessages: s.opts.HistoryLimit,
		MaxTokens:   s.opts.HistoryTokens,
	}), nil
}
