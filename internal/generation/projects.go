package generation

import (
	"context"
	"errors"
	"fmt"

	"vibe/internal/sandbox"
	"vibe/internal/storage"

	"go.uber.org/zap"
)

// Project returns a project owned by identity. Someone else's project is
// reported as not found.
func (s *Service) Project(ctx context.Context, identity, projectID string) (storage.Project, error) {
	p, err := s.deps.Store.GetProject(ctx, projectID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Project{}, ErrProjectNotFound
	}
	if err != nil {
		return storage.Project{}, fmt.Errorf("get project: %w", err)
	}
	if p.Owner != identity {
		return storage.Project{}, ErrProjectNotFound
	}
	return p, nil
}

func (s *Service) Projects(ctx context.Context, identity string) ([]storage.Project, error) {
	return s.deps.Store.ListProjects(ctx, identity)
}

func (s *Service) Messages(ctx context.Context, identity, projectID string) ([]storage.Message, error) {
	if _, err := s.Project(ctx, identity, projectID); err != nil {
		return nil, err
	}
	return s.deps.Store.ListMessages(ctx, projectID)
}

func (s *Service) LatestFragment(ctx context.Context, identity, projectID string) (storage.Fragment, error) {
	if _, err := s.Project(ctx, identity, projectID); err != nil {
		return storage.Fragment{}, err
	}
	frag, ok, err := s.deps.Store.LatestFragment(ctx, projectID)
	if err != nil {
		return storage.Fragment{}, fmt.Errorf("latest fragment: %w", err)
	}
	if !ok {
		return storage.Fragment{}, ErrNoFragment
	}
	return frag, nil
}

type Preview struct {
	URL       string `json:"url"`
	SandboxID string `json:"sandbox_id"`
	// Restored is set when the fragment's sandbox had expired and a new one was built.
	Restored bool `json:"restored"`
}

// Preview returns a live URL for the latest fragment. An expired sandbox is
// replaced by a fresh one holding the fragment's files.
func (s *Service) Preview(ctx context.Context, identity, projectID string) (Preview, error) {
	frag, err := s.LatestFragment(ctx, identity, projectID)
	if err != nil {
		return Preview{}, err
	}
	logger := s.logger.With(zap.String("project_id", projectID))

	box, err := s.deps.Sandboxes.Reconnect(ctx, frag.SandboxID)
	switch {
	case err == nil:
		url, err := s.deps.Sandboxes.URL(box)
		if err != nil {
			return Preview{}, fmt.Errorf("preview url: %w", err)
		}
		return Preview{URL: url, SandboxID: box.ID()}, nil
	case !errors.Is(err, sandbox.ErrUnavailable):
		return Preview{}, fmt.Errorf("reconnect sandbox: %w", err)
	}

	logger.Info("sandbox expired, restoring fragment", zap.String("sandbox_id", frag.SandboxID))
	box, _, err = s.prepare(ctx, logger, frag.Files)
	if err != nil {
		return Preview{}, err
	}
	url, err := s.deps.Sandboxes.URL(box)
	if err != nil {
		return Preview{}, fmt.Errorf("preview url: %w", err)
	}
	return Preview{URL: url, SandboxID: box.ID(), Restored: true}, nil
}
