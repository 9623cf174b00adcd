package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type ManagerOptions struct {
	Template       string
	BaseTemplate   string
	Timeout        time.Duration
	CommandTimeout time.Duration
	Port           int
	LogPath        string
	InstallCommand string
	StartCommand   string
}

// Manager owns the sandbox lifecycle around a run: provisioning with
// base-template fallback, file restore and the dev server.
type Manager struct {
	provider Provider
	opts     ManagerOptions
	logger   *zap.Logger
}

func NewManager(p Provider, opts ManagerOptions, logger *zap.Logger) *Manager {
	if opts.Port <= 0 {
		opts.Port = 3000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	if opts.LogPath == "" {
		opts.LogPath = HomeDir + "/npm_output.log"
	}
	if opts.StartCommand == "" {
		opts.StartCommand = "npm run dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{provider: p, opts: opts, logger: logger.Named("sandbox")}
}

func (m *Manager) Port() int          { return m.opts.Port }
func (m *Manager) LogPath() string    { return m.opts.LogPath }
func (m *Manager) Provider() Provider { return m.provider }

// Provision creates a sandbox from the configured template. If that fails it
// falls back once to the base template and bootstraps it: boilerplate files,
// dependency install and the dev server.
func (m *Manager) Provision(ctx context.Context) (Handle, error) {
	h, err := m.provider.Create(ctx, m.opts.Template, m.opts.Timeout)
	if err == nil {
		m.logger.Debug("sandbox created", zap.String("sandbox_id", h.ID()), zap.String("template", m.opts.Template))
		return h, nil
	}
	if m.opts.BaseTemplate == "" || m.opts.BaseTemplate == m.opts.Template {
		return nil, &ProvisionError{Template: m.opts.Template, Cause: err}
	}
	m.logger.Warn("template unavailable, falling back to base",
		zap.String("template", m.opts.Template),
		zap.String("base_template", m.opts.BaseTemplate),
		zap.Error(err))

	h, baseErr := m.provider.Create(ctx, m.opts.BaseTemplate, m.opts.Timeout)
	if baseErr != nil {
		return nil, &ProvisionError{Template: m.opts.BaseTemplate, Cause: errors.Join(err, baseErr)}
	}
	if err := m.bootstrap(ctx, h); err != nil {
		return nil, &ProvisionError{Template: m.opts.BaseTemplate, Cause: err}
	}
	return h, nil
}

func (m *Manager) bootstrap(ctx context.Context, h Handle) error {
	if _, err := Restore(ctx, h, nil); err != nil {
		return fmt.Errorf("write boilerplate: %w", err)
	}
	if cmd := strings.TrimSpace(m.opts.InstallCommand); cmd != "" {
		res, err := h.Run(ctx, cmd, m.opts.CommandTimeout)
		if err != nil {
			return fmt.Errorf("install dependencies: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("install dependencies: exit code %d: %s", res.ExitCode, lastLines(res.Stderr, 20))
		}
	}
	return m.StartDevServer(ctx, h)
}

// Reconnect attaches to a live sandbox by id.
func (m *Manager) Reconnect(ctx context.Context, id string) (Handle, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrUnavailable
	}
	h, err := m.provider.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// StartCommandLine is the idempotent shell line that starts the dev server
// only when nothing answers on the port yet.
func (m *Manager) StartCommandLine() string {
	return fmt.Sprintf("if ! curl -s http://localhost:%d > /dev/null; then %s > %s 2>&1 & fi",
		m.opts.Port, m.opts.StartCommand, m.opts.LogPath)
}

func (m *Manager) StartDevServer(ctx context.Context, h Handle) error {
	res, err := h.Run(ctx, m.StartCommandLine(), m.opts.CommandTimeout)
	if err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("start dev server: exit code %d", res.ExitCode)
	}
	return nil
}

// ReadLog returns the captured dev server output, or "" when there is none.
func (m *Manager) ReadLog(ctx context.Context, h Handle) (string, error) {
	out, err := h.ReadFile(ctx, m.opts.LogPath)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return out, err
}

func (m *Manager) URL(h Handle) (string, error) {
	return h.ExposedURL(m.opts.Port)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
