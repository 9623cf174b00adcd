package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
	// GCInterval of zero disables value log GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
	// MaxConflictRetries bounds re-runs of a transaction that lost a write race.
	MaxConflictRetries int
}

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:               path,
		SyncWrites:         true,
		GCInterval:         5 * time.Minute,
		GCDiscardRatio:     0.5,
		MaxConflictRetries: 64,
	}
}

func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true, MaxConflictRetries: 64}
}

// BadgerStore keeps ledger windows in badger. Optimistic transactions give
// compare-and-swap per key: a commit that raced another writer fails with
// badger.ErrConflict and the whole read-modify-write is re-run.
type BadgerStore struct {
	db         *badger.DB
	logger     *zap.Logger
	maxRetries int
	stopGC     chan struct{}
	gcDone     chan struct{}
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("ledger path is required for a persistent store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger, maxRetries: cfg.MaxConflictRetries}
	if s.maxRetries <= 0 {
		s.maxRetries = 64
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) Get(_ context.Context, key string) (Window, bool, error) {
	var (
		w     Window
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		w, found, err = getWindow(txn, key)
		return err
	})
	return w, found, err
}

func (s *BadgerStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("ledger update: %d conflicting retries: %w", attempt, err)
		}
		s.logger.Debug("ledger transaction conflict, retrying", zap.Int("attempt", attempt+1))
		time.Sleep(time.Duration(rand.IntN(500)+50) * time.Microsecond)
	}
}

func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, w Window) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var w Window
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &w)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if err := fn(string(item.KeyCopy(nil)), w); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("ledger value log gc failed", zap.Error(err))
			}
		}
	}
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key string) (Window, bool, error) {
	return getWindow(t.txn, key)
}

func (t badgerTxn) Put(key string, w Window, ttl time.Duration) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode window: %w", err)
	}
	entry := badger.NewEntry([]byte(key), data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return t.txn.SetEntry(entry)
}

func getWindow(txn *badger.Txn, key string) (Window, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var w Window
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &w)
	}); err != nil {
		return Window{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return w, true, nil
}

// badgerLogger adapts zap to badger's logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }
