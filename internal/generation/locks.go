package generation

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// projectLocks serializes runs per project. Entries are dropped once no run
// holds or waits on them.
type projectLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{entries: map[string]*lockEntry{}}
}

// acquire blocks until the project is free or ctx ends.
func (l *projectLocks) acquire(ctx context.Context, projectID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[projectID]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[projectID] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(projectID, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(projectID, e)
		})
	}, nil
}

func (l *projectLocks) drop(projectID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, projectID)
	}
}

func (l *projectLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
