package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vibe/internal/config"
	"vibe/internal/contextmgr"
	"vibe/internal/defaults"
	"vibe/internal/generation"
	"vibe/internal/ledger"
	"vibe/internal/metrics"
	"vibe/internal/orchestrator"
	"vibe/internal/provider"
	"vibe/internal/sandbox"
	"vibe/internal/server"
	"vibe/internal/storage"
	"vibe/internal/tools"

	"go.uber.org/zap"
)

// App is the wired process: everything a command needs, plus the handles
// that must be closed on exit.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      *storage.SQLiteStore
	Ledger     *ledger.Ledger
	Sandboxes  *sandbox.Manager
	Generation *generation.Service
	Metrics    *metrics.Metrics
	Server     *server.Server
	Model      string

	kv *ledger.BadgerStore
}

// Build wires config into a running graph. On error every handle opened so
// far is closed.
func Build(cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger, Model: cfg.Provider.Model}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Metrics = metrics.New()

	if err := ensureParent(cfg.Storage.DBPath); err != nil {
		return nil, err
	}
	app.Store, err = storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	app.kv, app.Ledger, err = buildLedger(cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}

	sandboxes, err := buildSandboxes(cfg.Sandbox, logger)
	if err != nil {
		return nil, err
	}
	app.Sandboxes = sandboxes

	temperature := cfg.Provider.Temperature
	model := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		TimeoutMS:   cfg.Provider.TimeoutMS,
		MaxRetries:  cfg.Provider.MaxRetries,
		Temperature: &temperature,
	}, logger)

	executor := tools.NewExecutor(tools.Options{Observer: app.Metrics, Logger: logger},
		tools.NewTerminalTool(cfg.Sandbox.CommandTimeout(), cfg.Sandbox.OutputLimitBytes),
		tools.NewCreateOrUpdateFilesTool(),
		tools.NewReadFilesTool(),
	)
	orch := orchestrator.New(model, executor, orchestrator.Options{
		MaxIterations: cfg.Runtime.MaxIterations,
		SystemPrompt:  defaults.AgentSystemPrompt,
		Observer:      app.Metrics,
		Logger:        logger,
	})

	app.Generation, err = generation.New(generation.Deps{
		Store:        app.Store,
		Credits:      app.Metrics.InstrumentCredits(app.Ledger),
		Sandboxes:    sandboxes,
		Orchestrator: orch,
		Provider:     model,
	}, generation.Options{
		Mode:                 cfg.Runtime.Mode,
		Cost:                 cfg.Ledger.Cost,
		HistoryLimit:         cfg.Runtime.HistoryLimit,
		HistoryTokens:        cfg.Runtime.HistoryTokenBudget,
		Tokenizer:            contextmgr.NewTokenizerForModel(cfg.Provider.Model),
		RunTimeout:           cfg.Runtime.RunTimeout(),
		SerializeProjectRuns: cfg.Runtime.SerializeProjectRun,
		SelfHeal:             cfg.Runtime.SelfHeal,
		SettleDelay:          cfg.Runtime.SettleDelay(),
		Prober:               generation.HTTPProber{Timeout: cfg.Runtime.ProbeTimeout()},
		Observer:             app.Metrics,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build generation service: %w", err)
	}

	app.Server = server.New(server.Options{
		Generator:  app.Generation,
		Credits:    app.Ledger,
		Metrics:    app.Metrics.Handler(),
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger,
	})

	logger.Info("app built",
		zap.String("model", cfg.Provider.Model),
		zap.String("mode", cfg.Runtime.Mode),
		zap.String("sandbox_driver", cfg.Sandbox.Driver),
		zap.Bool("ledger_in_memory", cfg.Ledger.InMemory),
	)
	return app, nil
}

// Close releases the store and the ledger database.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	return errors.Join(errs...)
}

func buildLedger(cfg config.LedgerConfig, logger *zap.Logger) (*ledger.BadgerStore, *ledger.Ledger, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger timezone: %w", err)
	}
	kvCfg := ledger.InMemoryBadgerConfig()
	if !cfg.InMemory {
		kvCfg = ledger.DefaultBadgerConfig(cfg.Path)
	}
	kvCfg.Logger = logger
	kv, err := ledger.OpenBadger(kvCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	led, err := ledger.New(kv, ledger.Options{
		Limits: ledger.Limits{
			FreeDaily:   cfg.FreeDaily,
			FreeMonthly: cfg.FreeMonthly,
			PaidMonthly: cfg.PaidMonthly,
		},
		Location: loc,
		TwoPhase: cfg.TwoPhase,
		Logger:   logger,
	})
	if err != nil {
		_ = kv.Close()
		return nil, nil, err
	}
	return kv, led, nil
}

func buildSandboxes(cfg config.SandboxConfig, logger *zap.Logger) (*sandbox.Manager, error) {
	var (
		p   sandbox.Provider
		err error
	)
	switch cfg.Driver {
	case config.DriverRemote:
		p, err = sandbox.NewRemoteProvider(sandbox.RemoteOptions{
			BaseURL:           cfg.Remote.BaseURL,
			APIKey:            cfg.Remote.APIKey,
			Domain:            cfg.Remote.Domain,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		}, logger)
	default:
		p, err = sandbox.NewLocalProvider(sandbox.LocalOptions{
			Root:             cfg.Local.Root,
			BaseTemplate:     cfg.BaseTemplate,
			OutputLimitBytes: cfg.OutputLimitBytes,
		}, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s sandbox provider: %w", cfg.Driver, err)
	}
	return sandbox.NewManager(p, sandbox.ManagerOptions{
		Template:       cfg.Template,
		BaseTemplate:   cfg.BaseTemplate,
		Timeout:        cfg.Timeout(),
		CommandTimeout: cfg.CommandTimeout(),
		Port:           cfg.Port,
		LogPath:        cfg.LogPath,
		InstallCommand: cfg.InstallCommand,
		StartCommand:   cfg.StartCommand,
	}, logger), nil
}

func ensureParent(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
