package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketdata/internal/logger"
)

// Status is the outcome of a lookup.
type Status string

const (
	StatusHit     Status = "hit"
	StatusMiss    Status = "miss"
	StatusExpired Status = "expired"
	StatusError   Status = "error"
)

// Config for the two-tier cache.
type Config struct {
	Keys       Keys
	TTLs       TTLTable
	LocalMaxMB int
	// PingTimeout bounds the startup connectivity check of the remote tier.
	PingTimeout time.Duration
	Now         func() time.Time
}

// Option configures New.
type Option func(*options)

type options struct {
	redis  redis.UniversalClient
	remote Backend
}

// WithRedis makes client the remote tier if it answers a ping.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithRemote installs an arbitrary remote tier without a ping.
func WithRemote(b Backend) Option {
	return func(o *options) { o.remote = b }
}

// Cache is the two-tier cache. Reads try the remote tier first and fall back
// to the local tier; writes go to both. Backend failures are counted and
// logged but never returned.
type Cache struct {
	remote Backend
	local  *Local
	keys   Keys
	ttls   TTLTable
	now    func() time.Time
	log    *logger.Entry

	mu    sync.Mutex
	stats map[string]*SourceStats
}

// New builds the cache. An unreachable Redis is logged and dropped.
func New(ctx context.Context, cfg Config, log *logger.Log, opts ...Option) (*Cache, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.TTLs == nil {
		cfg.TTLs = DefaultTTLs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	local, err := NewLocal(ctx, LocalConfig{
		MaxSizeMB:  cfg.LocalMaxMB,
		LifeWindow: cfg.TTLs.Max(),
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	c := &Cache{
		local: local,
		keys:  cfg.Keys,
		ttls:  cfg.TTLs,
		now:   cfg.Now,
		log:   log.WithComponent("cache"),
		stats: map[string]*SourceStats{},
	}

	switch {
	case o.remote != nil:
		c.remote = o.remote
	case o.redis != nil:
		r := NewRedis(o.redis, cfg.Now)
		pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		if err := r.Ping(pctx); err != nil {
			c.log.WithError(err).Warn("redis unreachable, using local cache only")
		} else {
			c.remote = r
		}
	}
	return c, nil
}

// Keys returns the key builder.
func (c *Cache) Keys() Keys { return c.keys }

// TTLs returns the expiry table.
func (c *Cache) TTLs() TTLTable { return c.ttls }

// Tier names the active tiers.
func (c *Cache) Tier() string {
	if c.remote != nil {
		return c.remote.Name() + "+local"
	}
	return "local"
}

// Get looks key up. A remote error degrades to the local tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, Status) {
	src := SourceOf(key)

	if c.remote != nil {
		e, err := c.remote.Get(ctx, key)
		switch {
		case err == nil:
			c.record(src, func(s *SourceStats) { s.Requests++; s.Hits++ })
			return e.Value, StatusHit
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
			// fall through to the local tier
		default:
			c.record(src, func(s *SourceStats) { s.Errors++ })
			c.log.WithError(err).WithField("key", key).Warn("remote get failed")
		}
	}

	e, err := c.local.Get(ctx, key)
	switch {
	case err == nil:
		c.record(src, func(s *SourceStats) { s.Requests++; s.Hits++ })
		return e.Value, StatusHit
	case errors.Is(err, ErrNotFound):
		c.record(src, func(s *SourceStats) { s.Requests++; s.Misses++ })
		return nil, StatusMiss
	case errors.Is(err, ErrExpired):
		c.record(src, func(s *SourceStats) { s.Requests++; s.Misses++; s.Evictions++ })
		return nil, StatusExpired
	default:
		c.record(src, func(s *SourceStats) { s.Requests++; s.Misses++; s.Errors++ })
		c.log.WithError(err).WithField("key", key).Warn("local get failed")
		return nil, StatusError
	}
}

// Set writes value to both tiers. A non-positive ttl is a no-op.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	e := &Entry{Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	src := SourceOf(key)

	if c.remote != nil {
		if err := c.remote.Set(ctx, key, e); err != nil {
			c.record(src, func(s *SourceStats) { s.Errors++ })
			c.log.WithError(err).WithField("key", key).Warn("remote set failed")
		}
	}
	if err := c.local.Set(ctx, key, e); err != nil {
		c.record(src, func(s *SourceStats) { s.Errors++ })
		c.log.WithError(err).WithField("key", key).Warn("local set failed")
		return
	}
	c.record(src, func(s *SourceStats) { s.Sets++; s.BytesStored += int64(len(value)) })
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.record(SourceOf(key), func(s *SourceStats) { s.Errors++ })
			c.log.WithError(err).WithField("key", key).Warn("remote delete failed")
		}
	}
	if err := c.local.Delete(ctx, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("local delete failed")
	}
}

// InvalidatePattern deletes every key matching the glob in both tiers and
// returns the larger of the two tier counts.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	var remoteN int
	if c.remote != nil {
		n, err := c.remote.DeletePattern(ctx, pattern)
		if err != nil {
			c.log.WithError(err).WithField("pattern", pattern).Warn("remote invalidate failed")
		}
		remoteN = n
	}
	localN, err := c.local.DeletePattern(ctx, pattern)
	if err != nil {
		c.log.WithError(err).WithField("pattern", pattern).Warn("local invalidate failed")
	}
	n := max(remoteN, localN)
	c.log.WithFields(logger.Fields{"pattern": pattern, "deleted": n}).Info("invalidated")
	return n
}

// Close stops the local tier's janitor.
func (c *Cache) Close() error {
	return c.local.Close()
}
