// Package stub is an in-memory provider that fabricates deterministic market
// data. It backs tests and the --stub development mode.
package stub

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// Provider implements provider.Provider without network access.
type Provider struct {
	name     provider.Source
	now      func() time.Time
	supports func(symbol.Type, provider.DataType) bool
	tiers    provider.TierTable
	delay    time.Duration

	mu        sync.Mutex
	calls     int
	fail      error
	failNext  int
	failErr   error
	payloads  map[provider.DataType]provider.Payload
	healthErr error
}

// Option configures a stub.
type Option func(*Provider)

// WithClock fixes the clock used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithSupports overrides which combinations the stub claims to serve.
func WithSupports(fn func(symbol.Type, provider.DataType) bool) Option {
	return func(p *Provider) { p.supports = fn }
}

// WithTiers enables permission checks against table.
func WithTiers(table provider.TierTable) Option {
	return func(p *Provider) { p.tiers = table }
}

// WithDelay makes every fetch take at least d.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// New returns a stub answering as name. Every combination is supported
// unless WithSupports says otherwise.
func New(name provider.Source, opts ...Option) *Provider {
	p := &Provider{
		name:     name,
		now:      time.Now,
		supports: func(symbol.Type, provider.DataType) bool { return true },
		payloads: map[provider.DataType]provider.Payload{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() provider.Source { return p.name }

func (p *Provider) Tiers() provider.TierTable { return p.tiers }

func (p *Provider) Supports(t symbol.Type, dt provider.DataType) bool { return p.supports(t, dt) }

// Calls returns how many times Fetch ran, including refused calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// SetFailure makes every subsequent fetch fail with err; nil clears it.
func (p *Provider) SetFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// FailNext makes the next n fetches fail with err.
func (p *Provider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext, p.failErr = n, err
}

// SetPayload pins the payload returned for dt.
func (p *Provider) SetPayload(dt provider.DataType, payload provider.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[dt] = payload
}

// SetHealthError sets what HealthCheck returns.
func (p *Provider) SetHealthError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *Provider) Fetch(ctx context.Context, req *provider.DataRequest, info symbol.Info) (*provider.RawResponse, error) {
	p.mu.Lock()
	p.calls++
	fail := p.fail
	if fail == nil && p.failNext > 0 {
		p.failNext--
		fail = p.failErr
	}
	pinned, hasPinned := p.payloads[req.DataType()]
	p.mu.Unlock()

	if p.tiers != nil {
		if err := provider.CheckPermission(p.name, p.tiers, req); err != nil {
			return nil, err
		}
	}
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, provider.Wrap(p.name, ctx.Err())
		case <-t.C:
		}
	}
	if fail != nil {
		return nil, fail
	}

	payload := pinned
	if !hasPinned {
		payload = p.generate(req.DataType(), info)
	}
	return &provider.RawResponse{
		Source:    p.name,
		DataType:  req.DataType(),
		Symbol:    req.Symbol(),
		Payload:   payload,
		FetchedAt: p.now().UTC(),
		Attempts:  1,
	}, nil
}

func num(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 2, 64))
}

func (p *Provider) generate(dt provider.DataType, info symbol.Info) provider.Payload {
	seed := xxhash.Sum64String(info.Normalized)
	base := 20 + float64(seed%480)
	now := p.now().UTC()

	switch dt {
	case provider.DataTypeQuote:
		return provider.QuotePayload{
			Price:     num(base + 1),
			Change:    num(1),
			Open:      num(base),
			High:      num(base + 1.5),
			Low:       num(base - 0.5),
			PrevClose: num(base),
			Volume:    json.Number("120000"),
			Timestamp: strconv.FormatInt(now.Unix(), 10),
		}
	case provider.DataTypeProfile:
		return provider.ProfilePayload{
			Ticker:    info.Normalized,
			Name:      info.Code() + " Holdings",
			Industry:  "Technology",
			Sector:    "Technology",
			Country:   info.Country,
			Currency:  info.Currency,
			Exchange:  info.Exchange,
			MarketCap: num(base * 1e3),
			Employees: json.Number("1200"),
			Updated:   now.Format(time.DateOnly),
		}
	case provider.DataTypeNews:
		return provider.NewsList{
			{ID: info.Code() + "-1", Headline: info.Code() + " reports quarterly results", Source: "stub", Category: "company", Published: now.Add(-2 * time.Hour).Format(time.RFC3339)},
			{ID: info.Code() + "-2", Headline: info.Code() + " announces dividend", Source: "stub", Category: "company", Published: now.Add(-26 * time.Hour).Format(time.RFC3339)},
		}
	case provider.DataTypeFinancials:
		period := now.AddDate(0, -1, 0).Format(time.DateOnly)
		return provider.Statements{
			{Date: period, Item: "Revenue", Value: num(base * 1e6)},
			{Date: period, Item: "OperatingIncome", Value: num(base * 3e5)},
			{Date: period, Item: "NetIncome", Value: num(base * 2e5)},
			{Date: period, Item: "TotalAssets", Value: num(base * 5e6)},
			{Date: period, Item: "Liabilities", Value: num(base * 2e6)},
			{Date: period, Item: "Equity", Value: num(base * 3e6)},
			{Date: period, Item: "EPS", Value: num(base / 50)},
		}
	case provider.DataTypeInstitutional:
		day := now.Format(time.DateOnly)
		return provider.Flows{
			{Date: day, Investor: "Foreign_Investor", Buy: json.Number("15000"), Sell: json.Number("12000")},
			{Date: day, Investor: "Investment_Trust", Buy: json.Number("3000"), Sell: json.Number("1000")},
			{Date: day, Investor: "Dealer_self", Buy: json.Number("800"), Sell: json.Number("900")},
		}
	default:
		const n = 5
		bars := make(provider.Bars, 0, n)
		for i := range n {
			open := base + float64(i)
			closing := open + 0.5
			bars = append(bars, provider.Bar{
				Date:   now.AddDate(0, 0, i-(n-1)).Format(time.DateOnly),
				Open:   num(open),
				High:   num(closing + 1),
				Low:    num(open - 1),
				Close:  num(closing),
				Volume: json.Number(strconv.Itoa(1000 * (i + 1))),
			})
		}
		return bars
	}
}
