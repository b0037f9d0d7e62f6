package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bmatcuk/doublestar/v4"
)

// Local is the in-process tier. bigcache bounds memory; expiry is decided by
// the envelope's ExpiresAt against an injectable clock so tests control time.
type Local struct {
	store *bigcache.BigCache
	now   func() time.Time
}

// LocalConfig sizes the in-process tier.
type LocalConfig struct {
	// MaxSizeMB caps memory; zero means unbounded.
	MaxSizeMB int
	// LifeWindow is a hard upper bound on entry age, normally the longest TTL.
	LifeWindow time.Duration
	Now        func() time.Time
}

// NewLocal builds the in-process tier.
func NewLocal(ctx context.Context, cfg LocalConfig) (*Local, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	bc.Shards = 64
	bc.CleanWindow = 5 * time.Minute
	bc.MaxEntriesInWindow = 10_000
	bc.MaxEntrySize = 2048
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.Verbose = false

	store, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("creating local cache: %w", err)
	}
	return &Local{store: store, now: cfg.Now}, nil
}

func (l *Local) Name() string { return "local" }

// Get returns a valid entry and bumps its access count. Expired entries are
// evicted and reported as ErrExpired.
func (l *Local) Get(_ context.Context, key string) (*Entry, error) {
	b, err := l.store.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e, err := decodeEntry(b)
	if err != nil {
		_ = l.store.Delete(key)
		return nil, fmt.Errorf("decoding local entry: %w", err)
	}
	if !e.Valid(l.now()) {
		_ = l.store.Delete(key)
		return nil, ErrExpired
	}
	e.AccessCount++
	if b, err := encodeEntry(e); err == nil {
		_ = l.store.Set(key, b)
	}
	return e, nil
}

func (l *Local) Set(_ context.Context, key string, e *Entry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return l.store.Set(key, b)
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := l.store.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

// DeletePattern removes every key matching the glob.
func (l *Local) DeletePattern(_ context.Context, pattern string) (int, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("invalid pattern %q", pattern)
	}
	var matched []string
	it := l.store.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if ok, _ := doublestar.Match(pattern, info.Key()); ok {
			matched = append(matched, info.Key())
		}
	}
	n := 0
	for _, key := range matched {
		if l.store.Delete(key) == nil {
			n++
		}
	}
	return n, nil
}

// Len is the number of stored entries, expired or not.
func (l *Local) Len() int { return l.store.Len() }

// Close releases the cleanup goroutine.
func (l *Local) Close() error { return l.store.Close() }
