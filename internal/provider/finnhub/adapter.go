package finnhub

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"marketdata/internal/logger"
	"marketdata/internal/provider"
	"marketdata/internal/provider/ratelimit"
	"marketdata/internal/symbol"
)

// DefaultTiers mirrors the Finnhub plan matrix: candles need a paid key and
// fundamentals need the premium bundle.
var DefaultTiers = provider.TierTable{
	provider.DataTypeCandles:    provider.TierBasic,
	provider.DataTypeFinancials: provider.TierPremium,
}

var lookback = map[provider.DataType]time.Duration{
	provider.DataTypePrice:   30 * 24 * time.Hour,
	provider.DataTypeCandles: 90 * 24 * time.Hour,
	provider.DataTypeNews:    7 * 24 * time.Hour,
}

// Config tunes the adapter. Zero values fall back to defaults.
type Config struct {
	// RequestsPerMinute is the sliding-window quota; the free plan allows 60.
	RequestsPerMinute int
	RequestsPerSecond float64
	Burst             int
	Retry             provider.RetryPolicy
	Tiers             provider.TierTable
	Now               func() time.Time
}

// Adapter serves DataRequests from Finnhub.
type Adapter struct {
	client *Client
	window *ratelimit.Window
	pacer  *ratelimit.Pacer
	retry  provider.RetryPolicy
	tiers  provider.TierTable
	now    func() time.Time
	log    *logger.Entry
}

// New wraps client in an adapter.
func New(cfg Config, client *Client, log *logger.Log) *Adapter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst == 0 {
		cfg.Burst = 5
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		client: client,
		window: ratelimit.NewWindow(cfg.RequestsPerMinute, time.Minute),
		pacer:  ratelimit.NewPacer(cfg.RequestsPerSecond, cfg.Burst),
		retry:  cfg.Retry,
		tiers:  cfg.Tiers,
		now:    cfg.Now,
		log:    log.WithComponent("finnhub"),
	}
}

func (a *Adapter) Name() provider.Source { return provider.SourceFinnhub }

// Tiers returns the minimum caller tier per data type.
func (a *Adapter) Tiers() provider.TierTable { return a.tiers }

func (a *Adapter) Supports(t symbol.Type, dt provider.DataType) bool { return Supports(t, dt) }

// Supports covers every non-Taiwan market except institutional flows, and
// the price, quote, candle, profile and news feeds of Taiwan listings.
// Unclassified tickers are attempted as-is.
func Supports(t symbol.Type, dt provider.DataType) bool {
	if dt == provider.DataTypeInstitutional {
		return false
	}
	if t == symbol.TypeTaiwan {
		return dt != provider.DataTypeFinancials
	}
	return true
}

// Ticker renders info in Finnhub's symbol convention. Bare Taiwan codes get
// the .TW suffix.
func Ticker(info symbol.Info) string {
	if info.Type == symbol.TypeTaiwan && !strings.Contains(info.Normalized, ".") {
		return info.Normalized + ".TW"
	}
	return info.Normalized
}

func (a *Adapter) Fetch(ctx context.Context, req *provider.DataRequest, info symbol.Info) (*provider.RawResponse, error) {
	if err := provider.CheckPermission(provider.SourceFinnhub, a.tiers, req); err != nil {
		return nil, err
	}
	if !a.Supports(info.Type, req.DataType()) {
		return nil, provider.Errorf(provider.KindUnprocessable, provider.SourceFinnhub, "%s is not available for %s", req.DataType(), info.Type)
	}

	started := time.Now()
	payload, attempts, err := provider.Retry(ctx, a.retry, func(ctx context.Context) (provider.Payload, error) {
		if !a.window.Allow() {
			return nil, provider.Errorf(provider.KindRateLimit, provider.SourceFinnhub,
				"rate limit exceeded: %d requests per minute", a.window.Limit())
		}
		if err := a.pacer.Wait(ctx); err != nil {
			return nil, provider.Wrap(provider.SourceFinnhub, err)
		}
		return a.fetchOnce(ctx, req, info)
	})
	if err != nil {
		if provider.KindOf(err) == provider.KindUnprocessable {
			a.log.WithFields(logger.Fields{
				"symbol":     req.Symbol(),
				"data_type":  req.DataType(),
				"start_date": req.Start().Format(time.DateOnly),
				"end_date":   req.End().Format(time.DateOnly),
				"request_id": req.ID(),
			}).WithError(err).Warn("unprocessable request")
		}
		return nil, err
	}

	return &provider.RawResponse{
		Source:    provider.SourceFinnhub,
		DataType:  req.DataType(),
		Symbol:    req.Symbol(),
		Payload:   payload,
		FetchedAt: a.now().UTC(),
		Elapsed:   time.Since(started),
		Attempts:  attempts,
	}, nil
}

func (a *Adapter) dateRange(req *provider.DataRequest) (time.Time, time.Time) {
	to := req.End()
	if to.IsZero() {
		to = a.now()
	}
	from := req.Start()
	if from.IsZero() {
		from = to.Add(-lookback[req.DataType()])
	}
	return from, to
}

func (a *Adapter) fetchOnce(ctx context.Context, req *provider.DataRequest, info symbol.Info) (provider.Payload, error) {
	ticker := Ticker(info)
	switch req.DataType() {
	case provider.DataTypeQuote:
		q, err := a.client.GetQuote(ctx, ticker)
		if err != nil {
			return nil, err
		}
		// Unknown symbols come back as an all-zero quote.
		if q.Timestamp == 0 {
			return nil, provider.Errorf(provider.KindNotFound, provider.SourceFinnhub, "no quote for %s", ticker)
		}
		return provider.QuotePayload{
			Price:         q.Current,
			Change:        q.Change,
			ChangePercent: q.PercentChange,
			Open:          q.Open,
			High:          q.High,
			Low:           q.Low,
			PrevClose:     q.PrevClose,
			Timestamp:     strconv.FormatInt(q.Timestamp, 10),
		}, nil

	case provider.DataTypePrice, provider.DataTypeCandles:
		from, to := a.dateRange(req)
		resolution := req.Param("resolution")
		if resolution == "" {
			resolution = "D"
		}
		c, err := a.client.GetCandles(ctx, ticker, resolution, from, to)
		if err != nil {
			return nil, err
		}
		return candlesToBars(c), nil

	case provider.DataTypeProfile:
		p, err := a.client.GetProfile(ctx, ticker)
		if err != nil {
			return nil, err
		}
		if p.Name == "" && p.Ticker == "" {
			return nil, provider.Errorf(provider.KindNotFound, provider.SourceFinnhub, "no profile for %s", ticker)
		}
		return provider.ProfilePayload{
			Ticker:    p.Ticker,
			Name:      p.Name,
			Industry:  p.Industry,
			Sector:    p.Industry,
			Country:   p.Country,
			Currency:  p.Currency,
			Exchange:  p.Exchange,
			MarketCap: p.MarketCap,
			Employees: p.EmployeeTotal,
			IPODate:   p.IPO,
			Website:   p.WebURL,
			Logo:      p.Logo,
		}, nil

	case provider.DataTypeNews:
		from, to := a.dateRange(req)
		articles, err := a.client.GetNews(ctx, ticker, from, to)
		if err != nil {
			return nil, err
		}
		out := make(provider.NewsList, 0, len(articles))
		for _, art := range articles {
			out = append(out, provider.NewsItem{
				ID:        strconv.FormatInt(art.ID, 10),
				Headline:  art.Headline,
				Summary:   art.Summary,
				Source:    art.Source,
				Category:  art.Category,
				URL:       art.URL,
				Published: strconv.FormatInt(art.Datetime, 10),
			})
		}
		return out, nil

	case provider.DataTypeFinancials:
		m, err := a.client.GetMetrics(ctx, ticker)
		if err != nil {
			return nil, err
		}
		return metricsToStatements(m), nil

	default:
		return nil, provider.Errorf(provider.KindUnprocessable, provider.SourceFinnhub, "%s is not served by finnhub", req.DataType())
	}
}

func candlesToBars(c *Candles) provider.Bars {
	n := len(c.Timestamp)
	for _, col := range [][]json.Number{c.Open, c.High, c.Low, c.Close} {
		n = min(n, len(col))
	}
	bars := make(provider.Bars, 0, n)
	for i := range n {
		bar := provider.Bar{
			Date:  strconv.FormatInt(c.Timestamp[i], 10),
			Open:  c.Open[i],
			High:  c.High[i],
			Low:   c.Low[i],
			Close: c.Close[i],
		}
		if i < len(c.Volume) {
			bar.Volume = c.Volume[i]
		}
		bars = append(bars, bar)
	}
	return bars
}

// statementItems maps Finnhub annual series keys onto statement line items.
var statementItems = map[string]string{
	"eps":             "EPS",
	"salesPerShare":   "RevenuePerShare",
	"netMargin":       "NetMargin",
	"operatingMargin": "OperatingMargin",
	"bookValue":       "BookValuePerShare",
}

func metricsToStatements(m *Metrics) provider.Statements {
	var out provider.Statements
	keys := slices.Sorted(maps.Keys(m.Series.Annual))
	for _, key := range keys {
		item, ok := statementItems[key]
		if !ok {
			item = key
		}
		for _, p := range m.Series.Annual[key] {
			out = append(out, provider.StatementLine{Date: p.Period, Item: item, Value: p.Value, Label: key})
		}
	}
	return out
}

// HealthCheck reads one quote for a liquid US ticker.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.GetQuote(ctx, "AAPL")
	return err
}
