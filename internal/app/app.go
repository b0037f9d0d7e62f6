// Package app assembles the orchestrator and its collaborators from config.
// Both binaries build one App at startup and Close it on the way out.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"marketdata/internal/cache"
	"marketdata/internal/config"
	"marketdata/internal/httpx"
	"marketdata/internal/logger"
	"marketdata/internal/metrics"
	"marketdata/internal/normalize"
	"marketdata/internal/orchestrator"
	"marketdata/internal/provider"
	"marketdata/internal/provider/finmind"
	"marketdata/internal/provider/finnhub"
	"marketdata/internal/provider/stub"
	"marketdata/internal/routing"
	"marketdata/internal/symbol"
)

// App owns every long-lived component.
type App struct {
	Config       config.Config
	Log          *logger.Log
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Cache        *cache.Cache
	Engine       *routing.Engine
	Orchestrator *orchestrator.Orchestrator
	// Skipped lists enabled providers left out because of bad config.
	Skipped map[string]error

	redis redis.UniversalClient
}

// Option customizes New.
type Option func(*options)

type options struct {
	log       *logger.Log
	providers []provider.Provider
	redis     redis.UniversalClient
	now       func() time.Time
}

// WithLogger uses log instead of building one from config.
func WithLogger(log *logger.Log) Option {
	return func(o *options) { o.log = log }
}

// WithProviders replaces the configured providers.
func WithProviders(ps ...provider.Provider) Option {
	return func(o *options) { o.providers = ps }
}

// WithRedisClient uses client for the remote cache tier regardless of the
// redis section.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithClock fixes the clock for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds the application. Providers with broken config are skipped and
// reported in Skipped; New fails only when nothing can serve.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := o.log
	if log == nil {
		log = logger.New()
		if err := log.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.MaxAgeDays); err != nil {
			return nil, fmt.Errorf("configure logger: %w", err)
		}
	}

	a := &App{Config: cfg, Log: log, Registry: metrics.NewRegistry(), Skipped: map[string]error{}}
	m, err := metrics.New(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.Metrics = m

	ttls, err := ttlTable(cfg.Cache.TTLSeconds)
	if err != nil {
		return nil, err
	}
	var cacheOpts []cache.Option
	switch {
	case o.redis != nil:
		a.redis = o.redis
	case cfg.Redis.Enabled:
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if a.redis != nil {
		cacheOpts = append(cacheOpts, cache.WithRedis(a.redis))
	}
	a.Cache, err = cache.New(ctx, cache.Config{
		Keys:        cache.Keys{Namespace: cfg.Cache.Namespace, Version: cfg.Cache.Version},
		TTLs:        ttls,
		LocalMaxMB:  cfg.Cache.LocalMaxMB,
		PingTimeout: time.Duration(cfg.Redis.PingTimeoutSec) * time.Second,
		Now:         o.now,
	}, log, cacheOpts...)
	if err != nil {
		_ = a.closeRedis()
		return nil, fmt.Errorf("build cache: %w", err)
	}

	providers := o.providers
	if providers == nil {
		providers, err = a.buildProviders(o.now)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	if len(providers) == 0 {
		_ = a.Close()
		return nil, errors.New("no usable provider: " + describe(a.Skipped))
	}

	a.Engine = routing.New(routing.Config{
		MaxConsecutiveFailures: cfg.Routing.MaxConsecutiveFailures,
		HealthyLatency:         time.Duration(cfg.Routing.HealthyLatencyMS) * time.Millisecond,
		ProbeInterval:          time.Duration(cfg.Routing.ProbeIntervalSec) * time.Second,
		ProbeTimeout:           time.Duration(cfg.Routing.ProbeTimeoutSec) * time.Second,
		Now:                    o.now,
		OnHealth: func(src provider.Source, h routing.SourceHealth) {
			m.SetSourceHealthy(string(src), h.Status != routing.StatusUnhealthy)
		},
	}, providers, log)
	for _, p := range providers {
		m.SetSourceHealthy(string(p.Name()), true)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		BatchConcurrency:    cfg.Orchestrator.BatchConcurrency,
		MaintenanceInterval: time.Duration(cfg.Orchestrator.MaintenanceIntervalSec) * time.Second,
		Now:                 o.now,
	}, orchestrator.Deps{
		Classifier: symbol.NewClassifier(cfg.Orchestrator.SymbolCacheSize),
		Cache:      a.Cache,
		Engine:     a.Engine,
		Normalizer: normalize.New(log, normalize.WithClock(o.now)),
		Metrics:    m,
	}, log)

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p.Name()))
	}
	log.WithComponent("app").WithFields(logger.Fields{
		"providers":  names,
		"cache_tier": a.Cache.Tier(),
		"stub":       cfg.Orchestrator.Stub,
	}).Info("market data orchestrator ready")
	return a, nil
}

func (a *App) buildProviders(now func() time.Time) ([]provider.Provider, error) {
	cfg := a.Config
	log := a.Log.WithComponent("app")

	if cfg.Orchestrator.Stub {
		log.Warn("using stub providers; data is synthetic")
		return []provider.Provider{
			stub.New(provider.SourceFinMind, stub.WithClock(now), stub.WithSupports(finmind.Supports), stub.WithTiers(finmind.DefaultTiers)),
			stub.New(provider.SourceFinnhub, stub.WithClock(now), stub.WithSupports(finnhub.Supports), stub.WithTiers(finnhub.DefaultTiers)),
		}, nil
	}

	for name, err := range cfg.ProviderErrors() {
		a.Skipped[name] = err
		log.WithField("provider", name).WithError(err).Warn("provider disabled")
	}

	httpClient := httpx.New(0)
	retry := provider.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: time.Duration(cfg.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Retry.MaxIntervalMS) * time.Millisecond,
		AttemptTimeout:  time.Duration(cfg.Retry.AttemptTimeoutSec) * time.Second,
	}

	var out []provider.Provider
	if _, skip := a.Skipped["finmind"]; cfg.FinMind.Enabled && !skip {
		tiers, err := tierTable(finmind.DefaultTiers, cfg.FinMind.Tiers)
		if err != nil {
			return nil, fmt.Errorf("finmind tiers: %w", err)
		}
		client, err := finmind.NewClient(cfg.FinMind.Token,
			finmind.WithBaseURL(cfg.FinMind.BaseURL),
			finmind.WithHTTPClient(httpClient),
		)
		if err != nil {
			a.Skipped["finmind"] = err
		} else {
			out = append(out, finmind.New(finmind.Config{
				RequestsPerMinute: cfg.FinMind.MaxRequestsPerMinute,
				RequestsPerSecond: cfg.FinMind.RequestsPerSecond,
				Burst:             cfg.FinMind.Burst,
				Retry:             retry,
				Tiers:             tiers,
				Now:               now,
			}, client, a.Log))
		}
	}
	if _, skip := a.Skipped["finnhub"]; cfg.Finnhub.Enabled && !skip {
		tiers, err := tierTable(finnhub.DefaultTiers, cfg.Finnhub.Tiers)
		if err != nil {
			return nil, fmt.Errorf("finnhub tiers: %w", err)
		}
		client, err := finnhub.NewClient(cfg.Finnhub.APIKey,
			finnhub.WithBaseURL(cfg.Finnhub.BaseURL),
			finnhub.WithHTTPClient(httpClient),
			finnhub.WithHeader(http.Header{"Accept": []string{"application/json"}}),
		)
		if err != nil {
			a.Skipped["finnhub"] = err
		} else {
			out = append(out, finnhub.New(finnhub.Config{
				RequestsPerMinute: cfg.Finnhub.MaxRequestsPerMinute,
				RequestsPerSecond: cfg.Finnhub.RequestsPerSecond,
				Burst:             cfg.Finnhub.Burst,
				Retry:             retry,
				Tiers:             tiers,
				Now:               now,
			}, client, a.Log))
		}
	}
	return out, nil
}

// Start launches background health probing when enabled.
func (a *App) Start(ctx context.Context) error {
	if !a.Config.Routing.ProbeEnabled {
		return nil
	}
	return a.Engine.Start(ctx)
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	errs = append(errs, a.closeRedis())
	return errors.Join(errs...)
}

func (a *App) closeRedis() error {
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	a.redis = nil
	return err
}

// ttlTable applies per source and data type overrides, given in seconds, to
// the default TTLs.
func ttlTable(overrides map[string]map[string]int) (cache.TTLTable, error) {
	ttls := cache.DefaultTTLs()
	for src, row := range overrides {
		for name, sec := range row {
			dt, ok := provider.ParseDataType(name)
			if !ok {
				return nil, fmt.Errorf("cache.ttl_sec.%s: unknown data type %q", src, name)
			}
			if sec < 0 {
				return nil, fmt.Errorf("cache.ttl_sec.%s.%s: negative ttl", src, name)
			}
			ttls.Override(provider.ParseSource(src), dt, time.Duration(sec)*time.Second)
		}
	}
	return ttls, nil
}

// tierTable copies base and applies data type -> tier name overrides.
func tierTable(base provider.TierTable, overrides map[string]string) (provider.TierTable, error) {
	out := maps.Clone(base)
	if out == nil {
		out = provider.TierTable{}
	}
	for name, tierName := range overrides {
		dt, ok := provider.ParseDataType(name)
		if !ok {
			return nil, fmt.Errorf("unknown data type %q", name)
		}
		tier, ok := provider.ParseTier(tierName)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q for %s", tierName, dt)
		}
		out[dt] = tier
	}
	return out, nil
}

func describe(skipped map[string]error) string {
	if len(skipped) == 0 {
		return "none enabled"
	}
	var parts []string
	for _, name := range slices.Sorted(maps.Keys(skipped)) {
		parts = append(parts, name+": "+skipped[name].Error())
	}
	return fmt.Sprint(parts)
}
