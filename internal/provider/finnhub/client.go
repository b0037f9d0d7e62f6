package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketdata/internal/provider"
)

const baseURL = "https://finnhub.io/api/v1"

const maxErrorBody = 4 << 10

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=finnhub_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the Finnhub v1 REST API.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
}

// ClientOption is a configuration option for the Finnhub client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// NewClient creates a Finnhub client authenticated with key.
func NewClient(key string, options ...ClientOption) (*Client, error) {
	if key == "" {
		return nil, provider.Errorf(provider.KindConfig, provider.SourceFinnhub, "missing API key")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
	}
	// https://finnhub.io/docs/api/authentication
	c.header.Set("X-Finnhub-Token", key)
	for _, option := range options {
		option(c)
	}
	if c.baseURL == "" {
		return nil, provider.Errorf(provider.KindConfig, provider.SourceFinnhub, "missing base URL")
	}
	return c, nil
}

// Quote is the /quote response.
type Quote struct {
	Current       json.Number `json:"c"`
	Change        json.Number `json:"d"`
	PercentChange json.Number `json:"dp"`
	High          json.Number `json:"h"`
	Low           json.Number `json:"l"`
	Open          json.Number `json:"o"`
	PrevClose     json.Number `json:"pc"`
	Timestamp     int64       `json:"t"`
}

// Candles is the /stock/candle response in column layout.
type Candles struct {
	Close     []json.Number `json:"c"`
	High      []json.Number `json:"h"`
	Low       []json.Number `json:"l"`
	Open      []json.Number `json:"o"`
	Volume    []json.Number `json:"v"`
	Timestamp []int64       `json:"t"`
	Status    string        `json:"s"`
}

// Profile is the /stock/profile2 response.
type Profile struct {
	Country          string      `json:"country"`
	Currency         string      `json:"currency"`
	Exchange         string      `json:"exchange"`
	Industry         string      `json:"finnhubIndustry"`
	IPO              string      `json:"ipo"`
	Logo             string      `json:"logo"`
	MarketCap        json.Number `json:"marketCapitalization"`
	Name             string      `json:"name"`
	ShareOutstanding json.Number `json:"shareOutstanding"`
	Ticker           string      `json:"ticker"`
	WebURL           string      `json:"weburl"`
	EmployeeTotal    json.Number `json:"employeeTotal"`
}

// Article is one /company-news entry.
type Article struct {
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	ID       int64  `json:"id"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// SeriesPoint is one period of a /stock/metric series.
type SeriesPoint struct {
	Period string      `json:"period"`
	Value  json.Number `json:"v"`
}

// Metrics is the /stock/metric?metric=all response.
type Metrics struct {
	Symbol string                 `json:"symbol"`
	Metric map[string]json.Number `json:"metric"`
	Series struct {
		Annual    map[string][]SeriesPoint `json:"annual"`
		Quarterly map[string][]SeriesPoint `json:"quarterly"`
	} `json:"series"`
}

// GetQuote fetches the latest quote.
func (c *Client) GetQuote(ctx context.Context, sym string) (*Quote, error) {
	var q Quote
	if err := c.get(ctx, "/quote", url.Values{"symbol": {sym}}, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetCandles fetches OHLCV candles between from and to.
func (c *Client) GetCandles(ctx context.Context, sym, resolution string, from, to time.Time) (*Candles, error) {
	query := url.Values{
		"symbol":     {sym},
		"resolution": {resolution},
		"from":       {strconv.FormatInt(from.Unix(), 10)},
		"to":         {strconv.FormatInt(to.Unix(), 10)},
	}
	var out Candles
	if err := c.get(ctx, "/stock/candle", query, &out); err != nil {
		return nil, err
	}
	if out.Status == "no_data" {
		return nil, provider.Errorf(provider.KindNotFound, provider.SourceFinnhub, "no candles for %s", sym)
	}
	return &out, nil
}

// GetProfile fetches company profile data.
func (c *Client) GetProfile(ctx context.Context, sym string) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "/stock/profile2", url.Values{"symbol": {sym}}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetNews fetches company news published between from and to.
func (c *Client) GetNews(ctx context.Context, sym string, from, to time.Time) ([]Article, error) {
	query := url.Values{
		"symbol": {sym},
		"from":   {from.Format(time.DateOnly)},
		"to":     {to.Format(time.DateOnly)},
	}
	var out []Article
	if err := c.get(ctx, "/company-news", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMetrics fetches basic financials.
func (c *Client) GetMetrics(ctx context.Context, sym string) (*Metrics, error) {
	var m Metrics
	if err := c.get(ctx, "/stock/metric", url.Values{"symbol": {sym}, "metric": {"all"}}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return &provider.Error{Kind: provider.KindConfig, Source: provider.SourceFinnhub, Message: "creating request", Err: err}
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Wrap(provider.SourceFinnhub, fmt.Errorf("performing request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return statusError(res.StatusCode, path, body)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &provider.Error{Kind: provider.KindAPI, Source: provider.SourceFinnhub, Status: res.StatusCode,
			Message: "decoding " + path + " response", Err: err}
	}
	return nil
}

func statusError(status int, path string, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	e := &provider.Error{Source: provider.SourceFinnhub, Status: status, Message: fmt.Sprintf("%s: %s", path, msg)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = provider.KindPermission
		e.UpgradePrompt = &provider.UpgradePrompt{
			Source:  provider.SourceFinnhub,
			Message: "the Finnhub plan behind this key does not include " + path,
		}
	case status == http.StatusTooManyRequests:
		e.Kind = provider.KindRateLimit
	case status == http.StatusUnprocessableEntity:
		e.Kind = provider.KindUnprocessable
	default:
		e.Kind = provider.KindAPI
	}
	return e
}
