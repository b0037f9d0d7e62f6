// Package orchestrator is the single entry point for market data: it
// classifies the symbol, serves from cache when it can, routes misses to a
// provider with at most one failover, and normalizes what comes back.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"marketdata/internal/cache"
	"marketdata/internal/logger"
	"marketdata/internal/metrics"
	"marketdata/internal/normalize"
	"marketdata/internal/provider"
	"marketdata/internal/routing"
	"marketdata/internal/symbol"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// BatchConcurrency bounds in-flight requests of a batch call.
	BatchConcurrency int
	// MaintenanceInterval is how often request traffic triggers rule
	// optimization, counter reset and a health re-check.
	MaintenanceInterval time.Duration
	Now                 func() time.Time
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Classifier *symbol.Classifier
	Cache      *cache.Cache
	Engine     *routing.Engine
	Normalizer *normalize.Normalizer
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	classifier *symbol.Classifier
	cache      *cache.Cache
	engine     *routing.Engine
	normalizer *normalize.Normalizer
	metrics    *metrics.Metrics
	log        *logger.Entry

	batchSize  int
	maintEvery time.Duration
	now        func() time.Time
	started    time.Time

	group singleflight.Group
	bg    sync.WaitGroup

	maintMu   sync.Mutex
	lastMaint time.Time

	counters counters
}

type counters struct {
	requests      atomic.Int64
	cacheHits     atomic.Int64
	providerCalls atomic.Int64
	failovers     atomic.Int64
	errors        atomic.Int64
	coalesced     atomic.Int64
	maintenance   atomic.Int64
}

// New wires the orchestrator.
func New(cfg Config, deps Deps, log *logger.Log) *Orchestrator {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 5
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Classifier == nil {
		deps.Classifier = symbol.NewClassifier(0)
	}
	now := cfg.Now()
	return &Orchestrator{
		classifier: deps.Classifier,
		cache:      deps.Cache,
		engine:     deps.Engine,
		normalizer: deps.Normalizer,
		metrics:    deps.Metrics,
		log:        log.WithComponent("orchestrator"),
		batchSize:  cfg.BatchConcurrency,
		maintEvery: cfg.MaintenanceInterval,
		now:        cfg.Now,
		started:    now,
		lastMaint:  now,
	}
}

// outcome is the shared result of one cache miss. Responses are built per
// caller from it so coalesced callers keep their own request ids.
type outcome struct {
	data     *normalize.NormalizedData
	source   provider.Source
	failover provider.Source
	err      error
}

// Execute serves req. It never panics and never returns nil: failures come
// back as a response with Success false.
//
// Cache misses are fetched on a context detached from ctx so the provider
// call runs to its own attempt timeouts. A caller whose ctx ends first gets
// a canceled response while the fetch completes for anyone sharing it.
func (o *Orchestrator) Execute(ctx context.Context, req *provider.DataRequest) (resp *provider.DataResponse) {
	started := o.now()
	if req == nil {
		return &provider.DataResponse{
			Error:     string(provider.KindInternal) + ": nil request",
			ErrorKind: provider.KindInternal,
			Timestamp: started.UTC(),
			Metadata:  map[string]any{},
		}
	}
	o.counters.requests.Add(1)

	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logger.Fields{
				"request_id": req.ID(),
				"symbol":     req.Symbol(),
				"data_type":  req.DataType(),
				"panic":      fmt.Sprint(r),
			}).Error("request panicked")
			resp = provider.Failure(req, provider.Errorf(provider.KindInternal, "", "unexpected failure: %v", r))
		}
		resp.Elapsed = o.now().Sub(started)
		o.observe(req, resp)
	}()

	o.maintain(ctx)

	info := o.classifier.Classify(req.Symbol())
	planned := o.engine.PlannedSource(req, info)
	if err := o.checkTier(planned, req); err != nil {
		return provider.Failure(req, err)
	}

	key := o.cache.Keys().Build(planned, req.DataType(), info.Normalized, req.KeyParams())
	if data, ok := o.lookup(ctx, key); ok {
		// The entry may come from a failover source gated above this
		// caller; treat it as a miss and fetch on the caller's own terms.
		if o.checkTier(data.Source, req) == nil {
			o.counters.cacheHits.Add(1)
			return o.respond(req, info, key, outcome{data: data, source: data.Source}, true)
		}
	}
	if err := ctx.Err(); err != nil {
		return o.failure(req, info, outcome{err: provider.Wrap("", err)})
	}

	fctx := context.WithoutCancel(ctx)
	o.bg.Add(1)
	ch := o.group.DoChan(flightKey(key, req), func() (v any, _ error) {
		// A panic must not reach singleflight, which re-raises it.
		defer func() {
			if r := recover(); r != nil {
				v = outcome{source: planned, err: provider.Errorf(provider.KindInternal, "", "unexpected failure: %v", r)}
			}
		}()
		out := o.fetch(fctx, req, info)
		if out.err == nil {
			o.store(fctx, key, out)
		}
		return out, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
		o.bg.Done()
	case <-ctx.Done():
		go func() {
			defer o.bg.Done()
			<-ch
		}()
		return o.failure(req, info, outcome{err: provider.Wrap("", ctx.Err())})
	}
	if res.Shared {
		o.counters.coalesced.Add(1)
	}
	out := res.Val.(outcome)
	if out.err != nil {
		return o.failure(req, info, out)
	}
	if err := o.checkTier(out.source, req); err != nil {
		return o.failure(req, info, outcome{source: out.source, err: err})
	}
	return o.respond(req, info, key, out, false)
}

// flightKey coalesces concurrent misses per cache key and caller tier, so a
// fetch made on behalf of one tier is never handed to another.
func flightKey(key string, req *provider.DataRequest) string {
	if c, ok := req.Caller(); ok {
		return key + "|" + c.Tier.String()
	}
	return key + "|internal"
}

// checkTier applies src's tier gate to req. Execute runs it against the
// planned source before the cache and against the serving source after.
func (o *Orchestrator) checkTier(src provider.Source, req *provider.DataRequest) error {
	p, ok := o.engine.Provider(src)
	if !ok {
		return nil
	}
	gated, ok := p.(provider.Gated)
	if !ok {
		return nil
	}
	return provider.CheckPermission(src, gated.Tiers(), req)
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (*normalize.NormalizedData, bool) {
	body, status := o.cache.Get(ctx, key)
	o.metrics.CacheLookup(string(status))
	if status != cache.StatusHit {
		return nil, false
	}
	var data normalize.NormalizedData
	if err := json.Unmarshal(body, &data); err != nil {
		o.log.WithField("key", key).WithError(err).Warn("dropping undecodable cache entry")
		o.cache.Delete(ctx, key)
		return nil, false
	}
	return &data, true
}

// store writes a successful result through to the cache with the TTL of the
// source that actually served it.
func (o *Orchestrator) store(ctx context.Context, key string, out outcome) {
	if !out.data.OK() {
		return
	}
	body, err := json.Marshal(out.data)
	if err != nil {
		o.log.WithField("key", key).WithError(err).Warn("encoding result for cache")
		return
	}
	o.cache.Set(ctx, key, body, o.cache.TTLs().For(out.source, out.data.DataType))
}

// fetch routes req, calls the chosen provider and, when that fails for any
// reason other than a tier gate or cancellation, makes exactly one failover
// attempt.
func (o *Orchestrator) fetch(ctx context.Context, req *provider.DataRequest, info symbol.Info) outcome {
	src := o.engine.SelectSource(req, info)
	data, err := o.attempt(ctx, src, req, info)
	if err == nil {
		return outcome{data: data, source: src}
	}
	if kind := provider.KindOf(err); kind == provider.KindPermission || kind == provider.KindCanceled || ctx.Err() != nil {
		return outcome{source: src, err: err}
	}

	next, ok := o.engine.FailoverSource(req, info, src)
	if !ok {
		return outcome{source: src, err: err}
	}
	o.counters.failovers.Add(1)
	o.metrics.Failover(string(src), string(next))
	o.log.WithFields(logger.Fields{
		"request_id": req.ID(),
		"symbol":     info.Normalized,
		"data_type":  req.DataType(),
		"from":       src,
		"to":         next,
	}).WithError(err).Info("failing over")

	data, ferr := o.attempt(ctx, next, req, info)
	if ferr != nil {
		return outcome{source: next, failover: src, err: ferr}
	}
	return outcome{data: data, source: next, failover: src}
}

// attempt makes one provider call and records its effect on health and
// routing statistics.
func (o *Orchestrator) attempt(ctx context.Context, src provider.Source, req *provider.DataRequest, info symbol.Info) (*normalize.NormalizedData, error) {
	p, ok := o.engine.Provider(src)
	if !ok {
		return nil, provider.Errorf(provider.KindConfig, src, "source is not configured")
	}
	if !p.Supports(info.Type, req.DataType()) {
		return nil, provider.Errorf(provider.KindUnprocessable, src, "%s is not available for %s", req.DataType(), info.Type)
	}

	o.counters.providerCalls.Add(1)
	started := time.Now()
	raw, err := p.Fetch(ctx, req, info)
	elapsed := time.Since(started)
	if err != nil {
		err = provider.Wrap(src, err)
		o.recordFailure(src, info, req.DataType(), err)
		return nil, err
	}

	data := o.normalizer.Normalize(raw, info)
	o.engine.RecordSuccess(src, elapsed)
	o.metrics.ProviderCall(string(src), "ok")
	if !data.OK() {
		o.engine.RecordResult(info.Type, req.DataType(), src, false)
		return nil, &provider.Error{Kind: provider.KindNormalization, Source: src, Message: firstIssue(data)}
	}
	o.engine.RecordResult(info.Type, req.DataType(), src, true)
	return data, nil
}

func firstIssue(d *normalize.NormalizedData) string {
	if len(d.Quality.Issues) > 0 {
		return d.Quality.Issues[0]
	}
	return "no usable records"
}

// countsAgainstHealth reports whether a failure says something about the
// provider rather than the request or the caller.
func countsAgainstHealth(kind provider.ErrorKind) bool {
	switch kind {
	case provider.KindNetwork, provider.KindTimeout, provider.KindAPI, provider.KindRateLimit, provider.KindInternal:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) recordFailure(src provider.Source, info symbol.Info, dt provider.DataType, err error) {
	kind := provider.KindOf(err)
	o.metrics.ProviderCall(string(src), string(kind))
	if countsAgainstHealth(kind) {
		o.engine.RecordFailure(src, err)
	}
	if countsAgainstHealth(kind) || kind == provider.KindNotFound {
		o.engine.RecordResult(info.Type, dt, src, false)
	}
}

func (o *Orchestrator) respond(req *provider.DataRequest, info symbol.Info, key string, out outcome, cached bool) *provider.DataResponse {
	meta := map[string]any{
		"request_id":    req.ID(),
		"symbol_type":   info.Type,
		"cache_key":     key,
		"quality":       out.data.Quality.Level,
		"quality_score": out.data.Quality.Overall,
		"normalization": out.data.Status,
	}
	if out.failover != "" {
		meta["failover_from"] = out.failover
	}
	return &provider.DataResponse{
		Success:   true,
		Data:      out.data,
		Source:    out.source,
		Symbol:    req.Symbol(),
		DataType:  req.DataType(),
		Timestamp: o.now().UTC(),
		Cached:    cached,
		Metadata:  meta,
	}
}

func (o *Orchestrator) failure(req *provider.DataRequest, info symbol.Info, out outcome) *provider.DataResponse {
	resp := provider.Failure(req, out.err)
	resp.Timestamp = o.now().UTC()
	if resp.Source == "" {
		resp.Source = out.source
	}
	resp.Metadata["symbol_type"] = info.Type
	if out.failover != "" {
		resp.Metadata["failover_from"] = out.failover
	}

	entry := o.log.WithFields(logger.Fields{
		"request_id": req.ID(),
		"symbol":     info.Normalized,
		"data_type":  req.DataType(),
		"source":     resp.Source,
		"kind":       resp.ErrorKind,
	}).WithError(out.err)
	switch provider.KindOf(out.err) {
	case provider.KindPermission:
		entry.Info("request needs a higher tier")
	case provider.KindCanceled:
		entry.Debug("caller went away")
	default:
		entry.Warn("request failed")
	}
	return resp
}

func (o *Orchestrator) observe(req *provider.DataRequest, resp *provider.DataResponse) {
	status := "success"
	switch {
	case !resp.Success:
		status = "error"
		o.counters.errors.Add(1)
	case resp.Cached:
		status = "cached"
	}
	src := string(resp.Source)
	if src == "" {
		src = "none"
	}
	o.metrics.ObserveRequest(string(req.DataType()), src, status, resp.Elapsed)
	o.log.LogDuration("execute", resp.Elapsed, logger.Fields{
		"request_id": req.ID(),
		"symbol":     req.Symbol(),
		"data_type":  req.DataType(),
		"status":     status,
	})
}

// maintain runs the periodic housekeeping on the request path once the
// interval has elapsed: promote better fallbacks, reset the counters behind
// them, and re-probe provider health in the background.
func (o *Orchestrator) maintain(ctx context.Context) {
	now := o.now()
	o.maintMu.Lock()
	if now.Sub(o.lastMaint) < o.maintEvery {
		o.maintMu.Unlock()
		return
	}
	o.lastMaint = now
	o.maintMu.Unlock()

	o.counters.maintenance.Add(1)
	changes := o.engine.Optimize()
	o.engine.ResetCounters()
	o.log.WithField("rule_changes", len(changes)).Info("maintenance pass")

	pctx := context.WithoutCancel(ctx)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.engine.Probe(pctx)
	}()
}

// Wait blocks until background work started by requests has finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}
