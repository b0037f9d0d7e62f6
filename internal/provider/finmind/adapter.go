package finmind

import (
	"context"
	"encoding/json"
	"time"

	"marketdata/internal/logger"
	"marketdata/internal/provider"
	"marketdata/internal/provider/ratelimit"
	"marketdata/internal/symbol"
)

// DefaultTiers gates the datasets FinMind only sells on paid plans.
var DefaultTiers = provider.TierTable{
	provider.DataTypeFinancials:    provider.TierPremium,
	provider.DataTypeInstitutional: provider.TierPremium,
}

// lookback is the default history window per data type when the request has
// no start date.
var lookback = map[provider.DataType]time.Duration{
	provider.DataTypePrice:         30 * 24 * time.Hour,
	provider.DataTypeCandles:       90 * 24 * time.Hour,
	provider.DataTypeQuote:         10 * 24 * time.Hour,
	provider.DataTypeNews:          7 * 24 * time.Hour,
	provider.DataTypeFinancials:    2 * 365 * 24 * time.Hour,
	provider.DataTypeInstitutional: 30 * 24 * time.Hour,
}

// Config tunes the adapter. Zero values fall back to defaults.
type Config struct {
	// RequestsPerMinute is the sliding-window quota. Registered tokens get 600.
	RequestsPerMinute int
	// RequestsPerSecond paces calls admitted by the quota.
	RequestsPerSecond float64
	Burst             int
	Retry             provider.RetryPolicy
	Tiers             provider.TierTable
	Now               func() time.Time
}

// Adapter serves DataRequests from FinMind.
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
		cfg.RequestsPerMinute = 600
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 10
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
		log:    log.WithComponent("finmind"),
	}
}

func (a *Adapter) Name() provider.Source { return provider.SourceFinMind }

// Tiers returns the minimum caller tier per data type.
func (a *Adapter) Tiers() provider.TierTable { return a.tiers }

func (a *Adapter) Supports(t symbol.Type, dt provider.DataType) bool { return Supports(t, dt) }

// Supports reports Taiwan listings for every data type and US listings for
// daily prices only.
func Supports(t symbol.Type, dt provider.DataType) bool {
	switch t {
	case symbol.TypeTaiwan:
		return true
	case symbol.TypeUS:
		return dt == provider.DataTypePrice || dt == provider.DataTypeCandles
	default:
		return false
	}
}

func (a *Adapter) Fetch(ctx context.Context, req *provider.DataRequest, info symbol.Info) (*provider.RawResponse, error) {
	if err := provider.CheckPermission(provider.SourceFinMind, a.tiers, req); err != nil {
		return nil, err
	}
	if !a.Supports(info.Type, req.DataType()) {
		return nil, unsupported(req.DataType(), string(info.Type))
	}

	q := a.query(req, info)
	started := time.Now()
	data, attempts, err := provider.Retry(ctx, a.retry, func(ctx context.Context) (json.RawMessage, error) {
		return a.call(ctx, q)
	})
	if err != nil {
		if provider.KindOf(err) == provider.KindUnprocessable {
			a.log.WithFields(logger.Fields{
				"symbol":     req.Symbol(),
				"dataset":    q.Dataset,
				"start_date": q.Start.Format(time.DateOnly),
				"end_date":   q.End.Format(time.DateOnly),
				"request_id": req.ID(),
			}).WithError(err).Warn("unprocessable request")
		}
		return nil, err
	}

	payload, err := a.decode(req.DataType(), info, data)
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logger.Fields{
		"symbol":   req.Symbol(),
		"dataset":  q.Dataset,
		"attempts": attempts,
	}).Debug("fetched")

	return &provider.RawResponse{
		Source:    provider.SourceFinMind,
		DataType:  req.DataType(),
		Symbol:    req.Symbol(),
		Payload:   payload,
		FetchedAt: a.now().UTC(),
		Elapsed:   time.Since(started),
		Attempts:  attempts,
	}, nil
}

// call is one network attempt. The quota is consumed per attempt so retries
// can never push the adapter past the upstream limit.
func (a *Adapter) call(ctx context.Context, q Query) (json.RawMessage, error) {
	if !a.window.Allow() {
		return nil, provider.Errorf(provider.KindRateLimit, provider.SourceFinMind,
			"rate limit exceeded: %d requests per minute", a.window.Limit())
	}
	if err := a.pacer.Wait(ctx); err != nil {
		return nil, provider.Wrap(provider.SourceFinMind, err)
	}
	return a.client.GetData(ctx, q)
}

func (a *Adapter) query(req *provider.DataRequest, info symbol.Info) Query {
	q := Query{DataID: info.Code()}
	switch req.DataType() {
	case provider.DataTypePrice, provider.DataTypeCandles, provider.DataTypeQuote:
		q.Dataset = DatasetTaiwanStockPrice
		if info.Type == symbol.TypeUS {
			q.Dataset = DatasetUSStockPrice
		}
	case provider.DataTypeProfile:
		return Query{Dataset: DatasetTaiwanStockInfo, DataID: info.Code()}
	case provider.DataTypeNews:
		q.Dataset = DatasetTaiwanStockNews
	case provider.DataTypeFinancials:
		q.Dataset = DatasetFinancialStatements
	case provider.DataTypeInstitutional:
		q.Dataset = DatasetInstitutionalInvestors
	}

	q.End = req.End()
	if q.End.IsZero() {
		q.End = a.now()
	}
	q.Start = req.Start()
	if q.Start.IsZero() {
		q.Start = q.End.Add(-lookback[req.DataType()])
	}
	return q
}

func (a *Adapter) decode(dt provider.DataType, info symbol.Info, data json.RawMessage) (provider.Payload, error) {
	switch dt {
	case provider.DataTypePrice, provider.DataTypeCandles, provider.DataTypeQuote:
		decodeBars := decodeTaiwanBars
		if info.Type == symbol.TypeUS {
			decodeBars = decodeUSBars
		}
		bars, err := decodeBars(data)
		if err != nil {
			return nil, err
		}
		if dt == provider.DataTypeQuote {
			return quoteFromBars(bars)
		}
		if len(bars) == 0 {
			return nil, provider.Errorf(provider.KindNotFound, provider.SourceFinMind, "no price rows for %s", info.Normalized)
		}
		return bars, nil
	case provider.DataTypeProfile:
		return decodeProfile(data, info.Code())
	case provider.DataTypeNews:
		return decodeNews(data)
	case provider.DataTypeFinancials:
		return decodeStatements(data)
	case provider.DataTypeInstitutional:
		return decodeFlows(data)
	default:
		return nil, unsupported(dt, "finmind")
	}
}

// HealthCheck reads the trading calendar for the last week, which is cheap
// and available on every plan.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	end := a.now()
	_, err := a.client.GetData(ctx, Query{
		Dataset: DatasetTaiwanStockTradingDate,
		Start:   end.AddDate(0, 0, -7),
		End:     end,
	})
	return err
}
