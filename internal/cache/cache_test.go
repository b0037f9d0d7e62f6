package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"marketdata/internal/cache"
	"marketdata/internal/logger"
	"marketdata/internal/provider"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memBackend is a remote tier that can be switched into failure mode.
type memBackend struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	broken  bool
}

func newMemBackend() *memBackend { return &memBackend{entries: map[string]*cache.Entry{}} }

var errBroken = errors.New("connection refused")

func (m *memBackend) Name() string { return "mem" }

func (m *memBackend) Get(_ context.Context, key string) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		return nil, errBroken
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return e, nil
}

func (m *memBackend) Set(_ context.Context, key string, e *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		return errBroken
	}
	m.entries[key] = e
	return nil
}

func (m *memBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memBackend) DeletePattern(context.Context, string) (int, error) {
	return 0, errBroken
}

func newCache(t *testing.T, clk *clock, opts ...cache.Option) *cache.Cache {
	t.Helper()

	c, err := cache.New(t.Context(), cache.Config{Now: clk.Now}, logger.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeys_Build(t *testing.T) {
	t.Parallel()

	keys := cache.Keys{}
	require.Equal(t, "marketdata:v1:finmind:stock_price:2330:none",
		keys.Build(provider.SourceFinMind, provider.DataTypePrice, "2330", nil))

	a := keys.Build(provider.SourceFinnhub, provider.DataTypeCandles, "aapl", map[string]string{"resolution": "D", "start": "2024-01-01"})
	b := keys.Build(provider.SourceFinnhub, provider.DataTypeCandles, "AAPL", map[string]string{"start": "2024-01-01", "resolution": "D"})
	require.Equal(t, a, b)
	require.Regexp(t, `^marketdata:v1:finnhub:candles:AAPL:[0-9a-f]{16}$`, a)

	custom := cache.Keys{Namespace: "md", Version: "v2"}
	require.Equal(t, "md:v2:*:*:2330:*", custom.SymbolPattern("2330"))
	require.Equal(t, "finnhub", cache.SourceOf(a))
	require.Equal(t, "unknown", cache.SourceOf("garbage"))
}

func TestTTLTable(t *testing.T) {
	t.Parallel()

	ttls := cache.DefaultTTLs()
	require.Equal(t, time.Minute, ttls.For(provider.SourceFinMind, provider.DataTypeQuote))
	require.Equal(t, 24*time.Hour, ttls.For(provider.SourceFinMind, provider.DataTypeProfile))
	require.Equal(t, time.Hour, ttls.For(provider.SourceFinnhub, provider.DataTypeProfile))
	require.Equal(t, cache.DefaultTTL, ttls.For(provider.SourceStub, provider.DataTypeQuote))
	require.Equal(t, 168*time.Hour, ttls.Max())

	ttls.Override(provider.SourceStub, provider.DataTypeQuote, 10*time.Second)
	require.Equal(t, 10*time.Second, ttls.For(provider.SourceStub, provider.DataTypeQuote))
}

func TestCache_TTLBoundary(t *testing.T) {
	t.Parallel()

	// Arrange
	clk := newClock()
	c := newCache(t, clk)
	key := c.Keys().Build(provider.SourceFinMind, provider.DataTypeQuote, "2330", nil)

	c.Set(t.Context(), key, []byte(`{"price":593}`), time.Minute)

	// Act + Assert: hit strictly before expiry
	clk.Advance(59 * time.Second)
	v, status := c.Get(t.Context(), key)
	require.Equal(t, cache.StatusHit, status)
	require.JSONEq(t, `{"price":593}`, string(v))

	// Act + Assert: miss with eviction at expiry
	clk.Advance(time.Second)
	v, status = c.Get(t.Context(), key)
	require.Equal(t, cache.StatusExpired, status)
	require.Nil(t, v)

	_, status = c.Get(t.Context(), key)
	require.Equal(t, cache.StatusMiss, status)

	stats := c.Stats()
	require.Equal(t, "local", stats.Tier)
	require.EqualValues(t, 3, stats.Sources["finmind"].Requests)
	require.EqualValues(t, 1, stats.Sources["finmind"].Hits)
	require.EqualValues(t, 1, stats.Sources["finmind"].Evictions)
	require.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
}

func TestCache_NonPositiveTTLIsNoop(t *testing.T) {
	t.Parallel()

	c := newCache(t, newClock())
	c.Set(t.Context(), "marketdata:v1:stub:candles:X:none", []byte("x"), 0)

	_, status := c.Get(t.Context(), "marketdata:v1:stub:candles:X:none")
	require.Equal(t, cache.StatusMiss, status)
}

func TestCache_RemoteFailureDegradesToLocal(t *testing.T) {
	t.Parallel()

	// Arrange: remote tier is down for every call
	clk := newClock()
	remote := newMemBackend()
	remote.broken = true
	c := newCache(t, clk, cache.WithRemote(remote))
	key := c.Keys().Build(provider.SourceFinnhub, provider.DataTypeQuote, "AAPL", nil)

	// Act
	c.Set(t.Context(), key, []byte("quote"), time.Minute)
	v, status := c.Get(t.Context(), key)

	// Assert: served locally, errors counted, nothing propagated
	require.Equal(t, cache.StatusHit, status)
	require.Equal(t, "quote", string(v))
	require.Equal(t, "mem+local", c.Stats().Tier)
	require.EqualValues(t, 2, c.Stats().Sources["finnhub"].Errors)
}

func TestCache_RemoteHit(t *testing.T) {
	t.Parallel()

	clk := newClock()
	remote := newMemBackend()
	c := newCache(t, clk, cache.WithRemote(remote))
	key := c.Keys().Build(provider.SourceFinnhub, provider.DataTypeNews, "AAPL", nil)

	require.NoError(t, remote.Set(t.Context(), key, &cache.Entry{Value: []byte("shared"), ExpiresAt: clk.Now().Add(time.Minute)}))

	v, status := c.Get(t.Context(), key)
	require.Equal(t, cache.StatusHit, status)
	require.Equal(t, "shared", string(v))
}

func TestCache_UnreachableRedisFallsBackToLocal(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	c, err := cache.New(t.Context(), cache.Config{PingTimeout: 200 * time.Millisecond}, logger.Discard(), cache.WithRedis(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Equal(t, "local", c.Tier())
}

func TestCache_InvalidatePattern(t *testing.T) {
	t.Parallel()

	// Arrange
	c := newCache(t, newClock())
	keys := c.Keys()
	tsmc := []string{
		keys.Build(provider.SourceFinMind, provider.DataTypePrice, "2330", nil),
		keys.Build(provider.SourceFinMind, provider.DataTypeNews, "2330", map[string]string{"start": "2024-01-01"}),
		keys.Build(provider.SourceFinnhub, provider.DataTypeQuote, "2330", nil),
	}
	apple := keys.Build(provider.SourceFinnhub, provider.DataTypeQuote, "AAPL", nil)
	for _, k := range append(tsmc, apple) {
		c.Set(t.Context(), k, []byte("v"), time.Hour)
	}

	// Act
	n := c.InvalidatePattern(t.Context(), keys.SymbolPattern("2330"))

	// Assert
	require.Equal(t, 3, n)
	for _, k := range tsmc {
		_, status := c.Get(t.Context(), k)
		require.Equal(t, cache.StatusMiss, status)
	}
	_, status := c.Get(t.Context(), apple)
	require.Equal(t, cache.StatusHit, status)
}

func TestLocal_AccessCount(t *testing.T) {
	t.Parallel()

	clk := newClock()
	local, err := cache.NewLocal(t.Context(), cache.LocalConfig{LifeWindow: time.Hour, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	require.NoError(t, local.Set(t.Context(), "k", &cache.Entry{Value: []byte("v"), CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Minute)}))

	for i := 1; i <= 3; i++ {
		e, err := local.Get(t.Context(), "k")
		require.NoError(t, err)
		require.EqualValues(t, i, e.AccessCount)
	}

	_, err = local.Get(t.Context(), "missing")
	require.ErrorIs(t, err, cache.ErrNotFound)

	_, err = local.DeletePattern(t.Context(), "[")
	require.Error(t, err)
}
