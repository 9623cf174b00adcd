package ledger

import (
	"context"
	"time"
)

// Store persists windows by scope key. Update runs fn atomically: every Get inside
// fn observes one snapshot and the Puts commit together or not at all.
type Store interface {
	Get(ctx context.Context, key string) (Window, bool, error)
	Update(ctx context.Context, fn func(tx Txn) error) error
	Scan(ctx context.Context, prefix string, fn func(key string, w Window) error) error
	Close() error
}

type Txn interface {
	Get(key string) (Window, bool, error)
	// Put stores w; a positive ttl lets the store drop the record afterwards.
	Put(key string, w Window, ttl time.Duration) error
}
