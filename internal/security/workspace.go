package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// Workspace confines file access to one sandbox directory.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	return &Workspace{root: resolved}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a sandbox-relative path onto the host. Absolute paths are
// treated as rooted at the workspace, never at the host filesystem.
func (w *Workspace) Resolve(p string) (string, error) {
	target := strings.TrimSpace(p)
	if target == "" {
		return "", errors.New("path is empty")
	}
	target = filepath.Join(w.root, filepath.FromSlash(target))

	resolved, err := resolveWithParentSymlink(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return resolved, nil
}

// Rel returns the slash-separated workspace path for a host path.
func (w *Workspace) Rel(hostPath string) (string, error) {
	rel, err := filepath.Rel(w.root, hostPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return filepath.ToSlash(rel), nil
}

func resolveWithParentSymlink(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}

	// Walk up to the deepest existing ancestor so a symlinked parent cannot escape.
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	parentResolved, err := resolveWithParentSymlink(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentResolved, filepath.Base(p)), nil
}
