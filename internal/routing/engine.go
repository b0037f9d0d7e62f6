package routing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"

	"marketdata/internal/logger"
	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// MaxConsecutiveFailures makes a source unavailable once reached.
	MaxConsecutiveFailures int
	// HealthyLatency is the response time under which a success is healthy.
	HealthyLatency time.Duration
	// ProbeInterval is the background health check period.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each provider health check.
	ProbeTimeout time.Duration
	Rules        []Rule
	Now          func() time.Time
	// OnHealth is called after every health update.
	OnHealth func(provider.Source, SourceHealth)
}

// Engine picks a source for each request and tracks provider health.
type Engine struct {
	ceiling        int
	healthyLatency time.Duration
	probeInterval  time.Duration
	probeTimeout   time.Duration
	now            func() time.Time
	onHealth       func(provider.Source, SourceHealth)
	log            *logger.Entry

	providers map[provider.Source]provider.Provider
	order     []provider.Source
	health    map[provider.Source]*healthState

	mu    sync.RWMutex
	rules map[ruleKey]Rule

	perfMu sync.Mutex
	perf   map[perfKey]*perfCounter

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New builds an engine over the registered providers. Registered providers
// start healthy; anything else is unknown and never available.
func New(cfg Config, providers []provider.Provider, log *logger.Log) *Engine {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.HealthyLatency <= 0 {
		cfg.HealthyLatency = 2 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		ceiling:        cfg.MaxConsecutiveFailures,
		healthyLatency: cfg.HealthyLatency,
		probeInterval:  cfg.ProbeInterval,
		probeTimeout:   cfg.ProbeTimeout,
		now:            cfg.Now,
		onHealth:       cfg.OnHealth,
		log:            log.WithComponent("routing"),
		providers:      make(map[provider.Source]provider.Provider, len(providers)),
		health:         make(map[provider.Source]*healthState, len(providers)),
		rules:          make(map[ruleKey]Rule, len(cfg.Rules)),
		perf:           map[perfKey]*perfCounter{},
	}
	for _, p := range providers {
		name := p.Name()
		if _, dup := e.providers[name]; dup {
			continue
		}
		e.providers[name] = p
		e.order = append(e.order, name)
		e.health[name] = newHealthState()
	}
	for _, r := range cfg.Rules {
		e.rules[r.key()] = r.clone()
	}
	return e
}

// Provider returns the registered provider for src.
func (e *Engine) Provider(src provider.Source) (provider.Provider, bool) {
	p, ok := e.providers[src]
	return p, ok
}

// Providers lists registered providers in registration order.
func (e *Engine) Providers() []provider.Provider {
	out := make([]provider.Provider, 0, len(e.order))
	for _, src := range e.order {
		out = append(out, e.providers[src])
	}
	return out
}

// Rule returns the rule for the pair, if any.
func (e *Engine) Rule(t symbol.Type, dt provider.DataType) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[ruleKey{t, dt}]
	return r.clone(), ok
}

// Rules snapshots the routing table ordered by symbol type and data type.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.clone())
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Rule) int {
		return cmp.Or(cmp.Compare(a.SymbolType, b.SymbolType), cmp.Compare(a.DataType, b.DataType))
	})
	return out
}

// IsAvailable reports whether src is registered, healthy or degraded, and
// under the consecutive failure ceiling.
func (e *Engine) IsAvailable(src provider.Source) bool {
	s, ok := e.health[src]
	if !ok {
		return false
	}
	return s.snapshot().available(e.ceiling)
}

// SelectSource picks the source to call for req: an available preferred
// source, then the rule's primary, then its first available fallback, then
// the default for the symbol type regardless of health.
func (e *Engine) SelectSource(req *provider.DataRequest, info symbol.Info) provider.Source {
	if pref := req.PreferredSource(); pref != provider.SourceAuto && e.IsAvailable(pref) {
		return pref
	}
	if rule, ok := e.Rule(info.Type, req.DataType()); ok {
		if e.IsAvailable(rule.Primary) {
			return rule.Primary
		}
		for _, fb := range rule.Fallbacks {
			if e.IsAvailable(fb) {
				return fb
			}
		}
	}
	return defaultSource(info.Type)
}

// PlannedSource is SelectSource ignoring health, so cache keys stay stable
// while providers flap.
func (e *Engine) PlannedSource(req *provider.DataRequest, info symbol.Info) provider.Source {
	if pref := req.PreferredSource(); pref != provider.SourceAuto {
		if _, ok := e.providers[pref]; ok {
			return pref
		}
	}
	if rule, ok := e.Rule(info.Type, req.DataType()); ok {
		return rule.Primary
	}
	return defaultSource(info.Type)
}

// FailoverSource picks the one alternative to try after failed: the rule's
// sources first, then any other registered provider. The candidate must
// differ from failed, support the combination, and be available.
func (e *Engine) FailoverSource(req *provider.DataRequest, info symbol.Info, failed provider.Source) (provider.Source, bool) {
	var candidates []provider.Source
	if rule, ok := e.Rule(info.Type, req.DataType()); ok {
		candidates = append(candidates, rule.Primary)
		candidates = append(candidates, rule.Fallbacks...)
	}
	candidates = append(candidates, e.order...)

	for _, src := range candidates {
		if src == failed {
			continue
		}
		p, ok := e.providers[src]
		if !ok || !p.Supports(info.Type, req.DataType()) || !e.IsAvailable(src) {
			continue
		}
		return src, true
	}
	return "", false
}

// RecordSuccess updates health after a successful call.
func (e *Engine) RecordSuccess(src provider.Source, elapsed time.Duration) {
	s, ok := e.health[src]
	if !ok {
		return
	}
	h := s.success(e.now(), elapsed, e.healthyLatency)
	if e.onHealth != nil {
		e.onHealth(src, h)
	}
}

// RecordFailure updates health after a failed call.
func (e *Engine) RecordFailure(src provider.Source, err error) {
	s, ok := e.health[src]
	if !ok {
		return
	}
	h := s.failure(e.now(), err, e.ceiling)
	if h.Status == StatusUnhealthy && h.ConsecutiveFailures == e.ceiling {
		e.log.WithFields(logger.Fields{
			"source":               src,
			"consecutive_failures": h.ConsecutiveFailures,
		}).WithError(err).Warn("source marked unhealthy")
	}
	if e.onHealth != nil {
		e.onHealth(src, h)
	}
}

// Health snapshots the state of every registered source.
func (e *Engine) Health() map[provider.Source]SourceHealth {
	out := make(map[provider.Source]SourceHealth, len(e.health))
	for src, s := range e.health {
		out[src] = s.snapshot()
	}
	return out
}

// SourceHealth returns the state of src; unregistered sources are unknown.
func (e *Engine) SourceHealth(src provider.Source) SourceHealth {
	s, ok := e.health[src]
	if !ok {
		return SourceHealth{Status: StatusUnknown}
	}
	return s.snapshot()
}

// Probe runs every provider's health check concurrently and records the
// outcome.
func (e *Engine) Probe(ctx context.Context) {
	var wg conc.WaitGroup
	for _, src := range e.order {
		p := e.providers[src]
		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
			defer cancel()
			started := time.Now()
			if err := p.HealthCheck(pctx); err != nil {
				e.RecordFailure(src, fmt.Errorf("health check: %w", err))
				return
			}
			e.RecordSuccess(src, time.Since(started))
		})
	}
	wg.Wait()
	e.log.WithField("sources", len(e.order)).Debug("health probe finished")
}

// Start schedules Probe every ProbeInterval until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+e.probeInterval.String(), func() { e.Probe(ctx) }); err != nil {
		return fmt.Errorf("scheduling health probe: %w", err)
	}
	c.Start()
	e.cron = c
	e.log.WithField("interval", e.probeInterval.String()).Info("health probe scheduled")
	return nil
}

// Stop halts the probe schedule and waits for a running probe to finish.
func (e *Engine) Stop() {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
