package storage

import "context"

// Store is the conversation and artifact store. It holds no generation logic.
type Store interface {
	CreateProject(ctx context.Context, owner, name string) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context, owner string) ([]Project, error)
	TouchProject(ctx context.Context, id string) error

	// AppendMessage writes msg and, when frag is non-nil, its fragment in one transaction.
	AppendMessage(ctx context.Context, msg Message, frag *Fragment) (Message, error)
	// RecentMessages returns the newest limit messages of the given kinds, oldest first.
	RecentMessages(ctx context.Context, projectID string, kinds []Kind, limit int) ([]Message, error)
	ListMessages(ctx context.Context, projectID string) ([]Message, error)
	LatestFragment(ctx context.Context, projectID string) (Fragment, bool, error)

	Close() error
}
