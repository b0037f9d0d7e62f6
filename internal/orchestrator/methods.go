package orchestrator

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"marketdata/internal/aggregate"
	"marketdata/internal/cache"
	"marketdata/internal/normalize"
	"marketdata/internal/provider"
	"marketdata/internal/routing"
	"marketdata/internal/symbol"
)

// GetStockData returns daily price history.
func (o *Orchestrator) GetStockData(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypePrice, opts...))
}

// GetStockQuote returns the latest quote.
func (o *Orchestrator) GetStockQuote(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypeQuote, opts...))
}

// GetCandles returns OHLCV candles; the "resolution" param selects the bar size.
func (o *Orchestrator) GetCandles(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypeCandles, opts...))
}

func (o *Orchestrator) GetCompanyProfile(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypeProfile, opts...))
}

func (o *Orchestrator) GetCompanyNews(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypeNews, opts...))
}

// GetFinancialData returns financial statements. Callers below the premium
// tier get an upgrade prompt.
func (o *Orchestrator) GetFinancialData(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypeFinancials, opts...))
}

// GetInstitutionalData returns institutional investor flows for Taiwan
// listings.
func (o *Orchestrator) GetInstitutionalData(ctx context.Context, sym string, opts ...provider.RequestOption) *provider.DataResponse {
	return o.Execute(ctx, provider.NewRequest(sym, provider.DataTypeInstitutional, opts...))
}

// GetBatchStockData fetches price history for every symbol.
func (o *Orchestrator) GetBatchStockData(ctx context.Context, symbols []string, opts ...provider.RequestOption) map[string]*provider.DataResponse {
	return o.Batch(ctx, symbols, provider.DataTypePrice, opts...)
}

// GetBatchQuotes fetches a quote for every symbol.
func (o *Orchestrator) GetBatchQuotes(ctx context.Context, symbols []string, opts ...provider.RequestOption) map[string]*provider.DataResponse {
	return o.Batch(ctx, symbols, provider.DataTypeQuote, opts...)
}

type batchResult struct {
	symbol string
	resp   *provider.DataResponse
}

// Batch runs one request per distinct symbol with bounded concurrency.
// Results are keyed by the upper-cased symbol; a failing symbol never aborts
// the others.
func (o *Orchestrator) Batch(ctx context.Context, symbols []string, dt provider.DataType, opts ...provider.RequestOption) map[string]*provider.DataResponse {
	uniq := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !slices.Contains(uniq, s) {
			uniq = append(uniq, s)
		}
	}

	p := pool.NewWithResults[batchResult]().WithMaxGoroutines(o.batchSize)
	for _, s := range uniq {
		p.Go(func() batchResult {
			return batchResult{symbol: s, resp: o.Execute(ctx, provider.NewRequest(s, dt, opts...))}
		})
	}

	out := make(map[string]*provider.DataResponse, len(uniq))
	for _, r := range p.Wait() {
		out[r.symbol] = r.resp
	}
	return out
}

// CrossValidation is the result of asking every capable source for the same
// data.
type CrossValidation struct {
	aggregate.Report
	// Errors holds the failure of each source that could not answer.
	Errors map[provider.Source]string `json:"errors,omitempty"`
}

type sourceResult struct {
	source provider.Source
	data   *normalize.NormalizedData
	err    error
}

// CrossValidate fetches sym from every registered source that supports the
// data type, without failover, and reconciles the answers. Each result also
// carries the conflict notes that concern it.
func (o *Orchestrator) CrossValidate(ctx context.Context, sym string, dt provider.DataType, opts ...provider.RequestOption) CrossValidation {
	info := o.classifier.Classify(sym)

	p := pool.NewWithResults[sourceResult]().WithMaxGoroutines(o.batchSize)
	for _, prov := range o.engine.Providers() {
		src := prov.Name()
		if !prov.Supports(info.Type, dt) {
			continue
		}
		req := provider.NewRequest(sym, dt, append(slices.Clone(opts), provider.WithSource(src))...)
		p.Go(func() sourceResult {
			data, err := o.fetchFrom(ctx, src, req)
			return sourceResult{source: src, data: data, err: err}
		})
	}

	results := p.Wait()
	cv := CrossValidation{Errors: map[provider.Source]string{}}
	var datas []*normalize.NormalizedData
	for _, r := range results {
		if r.err != nil {
			cv.Errors[r.source] = r.err.Error()
			continue
		}
		datas = append(datas, r.data)
	}
	cv.Report = aggregate.Reconcile(info.Normalized, dt, datas)
	for _, c := range cv.Report.Conflicts {
		for _, d := range datas {
			if d.Source == c.Sources[0] || d.Source == c.Sources[1] {
				d.Conflicts = append(d.Conflicts, c.String())
			}
		}
	}
	return cv
}

// fetchFrom serves req from exactly src: cache first, then one provider call.
func (o *Orchestrator) fetchFrom(ctx context.Context, src provider.Source, req *provider.DataRequest) (data *normalize.NormalizedData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = provider.Errorf(provider.KindInternal, src, "unexpected failure: %v", r)
		}
	}()

	info := o.classifier.Classify(req.Symbol())
	if err := o.checkTier(src, req); err != nil {
		return nil, err
	}
	key := o.cache.Keys().Build(src, req.DataType(), info.Normalized, req.KeyParams())
	if data, ok := o.lookup(ctx, key); ok {
		return data, nil
	}
	data, err = o.attempt(ctx, src, req, info)
	if err != nil {
		return nil, err
	}
	o.store(ctx, key, outcome{data: data, source: src})
	return data, nil
}

// SourceReport is the routing view of one source.
type SourceReport struct {
	routing.SourceHealth
	Available bool `json:"available"`
}

// SourceStatus is the routing table plus the health of every source.
type SourceStatus struct {
	Sources map[provider.Source]SourceReport `json:"sources"`
	Rules   []routing.Rule                   `json:"rules"`
}

// SourceStatus snapshots provider health and routing rules.
func (o *Orchestrator) SourceStatus() SourceStatus {
	out := SourceStatus{Sources: map[provider.Source]SourceReport{}, Rules: o.engine.Rules()}
	for src, h := range o.engine.Health() {
		out.Sources[src] = SourceReport{SourceHealth: h, Available: o.engine.IsAvailable(src)}
	}
	return out
}

// CacheStats snapshots the cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// InvalidateSymbol drops every cached entry for sym and returns how many
// were removed.
func (o *Orchestrator) InvalidateSymbol(ctx context.Context, sym string) int {
	info := o.classifier.Classify(sym)
	return o.cache.InvalidatePattern(ctx, o.cache.Keys().SymbolPattern(info.Normalized))
}

// InvalidatePattern drops cached entries matching a key glob.
func (o *Orchestrator) InvalidatePattern(ctx context.Context, pattern string) int {
	return o.cache.InvalidatePattern(ctx, pattern)
}

// Stats are process-lifetime orchestrator counters.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	Requests        int64         `json:"requests"`
	CacheHits       int64         `json:"cache_hits"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	ProviderCalls   int64         `json:"provider_calls"`
	Failovers       int64         `json:"failovers"`
	Errors          int64         `json:"errors"`
	Coalesced       int64         `json:"coalesced"`
	Maintenance     int64         `json:"maintenance_runs"`
	LastMaintenance time.Time     `json:"last_maintenance"`
	SymbolsMemoized int           `json:"symbols_memoized"`
	CacheTier       string        `json:"cache_tier"`
}

// Stats snapshots the counters.
func (o *Orchestrator) Stats() Stats {
	o.maintMu.Lock()
	last := o.lastMaint
	o.maintMu.Unlock()

	s := Stats{
		Uptime:          o.now().Sub(o.started),
		Requests:        o.counters.requests.Load(),
		CacheHits:       o.counters.cacheHits.Load(),
		ProviderCalls:   o.counters.providerCalls.Load(),
		Failovers:       o.counters.failovers.Load(),
		Errors:          o.counters.errors.Load(),
		Coalesced:       o.counters.coalesced.Load(),
		Maintenance:     o.counters.maintenance.Load(),
		LastMaintenance: last,
		SymbolsMemoized: o.classifier.Len(),
		CacheTier:       o.cache.Tier(),
	}
	if s.Requests > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.Requests)
	}
	return s
}

// Classify returns the memoized classification of sym.
func (o *Orchestrator) Classify(sym string) symbol.Info {
	return o.classifier.Classify(sym)
}
