package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vibe/internal/security"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type LocalOptions struct {
	// Root holds sandboxes/<id>, leases/<id> and templates/<name>.
	Root string
	// BaseTemplate always exists and starts empty.
	BaseTemplate     string
	OutputLimitBytes int
	Clock            func() time.Time
}

// LocalProvider runs sandboxes as directories on this host. It exists for
// development and tests; every sandbox shares the host network.
type LocalProvider struct {
	opts   LocalOptions
	logger *zap.Logger
}

func NewLocalProvider(opts LocalOptions, logger *zap.Logger) (*LocalProvider, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("local sandbox root is empty")
	}
	for _, dir := range []string{"sandboxes", "leases", "templates"} {
		if err := os.MkdirAll(filepath.Join(opts.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox %s dir: %w", dir, err)
		}
	}
	if opts.OutputLimitBytes <= 0 {
		opts.OutputLimitBytes = 64 * 1024
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalProvider{opts: opts, logger: logger.Named("local")}, nil
}

func (p *LocalProvider) Create(ctx context.Context, template string, timeout time.Duration) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var src string
	if template != "" && template != p.opts.BaseTemplate {
		src = filepath.Join(p.opts.Root, "templates", template)
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, template)
		}
	}

	id := uuid.NewString()
	dir := filepath.Join(p.opts.Root, "sandboxes", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	if src != "" {
		if err := os.CopyFS(dir, os.DirFS(src)); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("copy template %s: %w", template, err)
		}
	}
	expires := p.opts.Clock().Add(timeout)
	if err := os.WriteFile(p.leasePath(id), []byte(expires.UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write lease: %w", err)
	}
	p.logger.Debug("local sandbox created", zap.String("sandbox_id", id), zap.String("dir", dir))
	return p.handle(id, expires)
}

func (p *LocalProvider) Connect(ctx context.Context, id string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	raw, err := os.ReadFile(p.leasePath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	expires, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil || p.opts.Clock().After(expires) {
		return nil, fmt.Errorf("%w: %s lease expired", ErrUnavailable, id)
	}
	if _, err := os.Stat(filepath.Join(p.opts.Root, "sandboxes", id)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	return p.handle(id, expires)
}

func (p *LocalProvider) leasePath(id string) string {
	return filepath.Join(p.opts.Root, "leases", id)
}

func (p *LocalProvider) handle(id string, expires time.Time) (*localHandle, error) {
	ws, err := security.NewWorkspace(filepath.Join(p.opts.Root, "sandboxes", id))
	if err != nil {
		return nil, err
	}
	return &localHandle{id: id, ws: ws, expires: expires, outputLimit: p.opts.OutputLimitBytes}, nil
}

type localHandle struct {
	id          string
	ws          *security.Workspace
	expires     time.Time
	outputLimit int
}

func (h *localHandle) ID() string           { return h.id }
func (h *localHandle) ExpiresAt() time.Time { return h.expires }

func (h *localHandle) resolve(p string) (string, error) {
	rel := NormalizePath(p)
	if rel == "" {
		return "", errors.New("path is empty")
	}
	return h.ws.Resolve(rel)
}

func (h *localHandle) WriteFile(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := h.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(target, []byte(content), 0o644)
}

func (h *localHandle) ReadFile(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := h.resolve(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *localHandle) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	target, err := h.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Run executes command under bash with the sandbox dir standing in for /home/user.
func (h *localHandle) Run(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return CommandResult{}, errors.New("command is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command = strings.ReplaceAll(command, HomeDir, h.ws.Root())
	cmd := exec.CommandContext(execCtx, "bash", "-lc", command)
	cmd.Dir = h.ws.Root()
	cmd.Env = append(os.Environ(), "HOME="+h.ws.Root())
	// Background children may keep inherited pipes open; stop waiting for them.
	cmd.WaitDelay = 2 * time.Second

	stdout := newCappedBuffer(h.outputLimit)
	stderr := newCappedBuffer(h.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee):
			res.ExitCode = ee.ExitCode()
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				res.ExitCode = 124
			}
		case errors.Is(err, exec.ErrWaitDelay):
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			res.ExitCode = 124
		default:
			return res, fmt.Errorf("run command: %w", err)
		}
	}
	return res, nil
}

func (h *localHandle) ExposedURL(port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	remain := b.max - b.buf.Len()
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
