// Package sandbox provisions and drives isolated execution environments that
// hold a generated project: a filesystem rooted at /home/user and a shell.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HomeDir is the project root inside every sandbox.
const HomeDir = "/home/user"

var (
	// ErrUnavailable means the sandbox id is unknown or its lease expired.
	// Retrying with the same id never helps; provision a new sandbox.
	ErrUnavailable = errors.New("sandbox unavailable")
	// ErrNotFound is returned by ReadFile for a missing path.
	ErrNotFound = errors.New("sandbox file not found")
	// ErrProvisionFailed is matched by ProvisionError.
	ErrProvisionFailed = errors.New("sandbox provisioning failed")
	// ErrTemplateNotFound is returned by Create for an unknown template.
	ErrTemplateNotFound = errors.New("sandbox template not found")
)

// ProvisionError reports that neither the requested nor the base template could be created.
type ProvisionError struct {
	Template string
	Cause    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox from %q: %v", e.Template, e.Cause)
}

func (e *ProvisionError) Unwrap() error { return e.Cause }

func (e *ProvisionError) Is(target error) bool { return target == ErrProvisionFailed }

type CommandResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Provider creates sandboxes and reattaches to live ones.
type Provider interface {
	Create(ctx context.Context, template string, timeout time.Duration) (Handle, error)
	// Connect fails with ErrUnavailable for unknown or expired ids.
	Connect(ctx context.Context, id string) (Handle, error)
}

// Handle is one live sandbox. A non-zero exit code is a result, not an error;
// Run only fails when the command could not be executed at all.
type Handle interface {
	ID() string
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Run(ctx context.Context, command string, timeout time.Duration) (CommandResult, error)
	ExposedURL(port int) (string, error)
	ExpiresAt() time.Time
}

// NormalizePath turns a model- or user-supplied path into a fragment key:
// slash separated, relative to the project root, without a leading "./".
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, HomeDir+"/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimLeft(p, "/")
}

// NormalizeFiles rewrites every key with NormalizePath. Later duplicates win
// in map iteration order, so callers should not rely on colliding keys.
func NormalizeFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for k, v := range files {
		if n := NormalizePath(k); n != "" {
			out[n] = v
		}
	}
	return out
}
