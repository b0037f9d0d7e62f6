package finmind

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketdata/internal/provider"
)

const baseURL = "https://api.finmindtrade.com/api/v4"

// Datasets served by the v4 data endpoint.
const (
	DatasetTaiwanStockPrice       = "TaiwanStockPrice"
	DatasetUSStockPrice           = "USStockPrice"
	DatasetTaiwanStockInfo        = "TaiwanStockInfo"
	DatasetTaiwanStockNews        = "TaiwanStockNews"
	DatasetFinancialStatements    = "TaiwanStockFinancialStatements"
	DatasetInstitutionalInvestors = "TaiwanStockInstitutionalInvestorsBuySell"
	DatasetTaiwanStockTradingDate = "TaiwanStockTradingDate"
)

const (
	maxErrorBody = 4 << 10
	statusOK     = 200
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=finmind_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the FinMind v4 API.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// query contains additional query parameters to be sent with each request.
	query url.Values
}

// ClientOption is a configuration option for the FinMind client.
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

// NewClient creates a FinMind client. The token is required; FinMind's
// anonymous quota is too small to serve traffic.
func NewClient(token string, options ...ClientOption) (*Client, error) {
	if token == "" {
		return nil, provider.Errorf(provider.KindConfig, provider.SourceFinMind, "missing API token")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		query:      url.Values{},
	}
	c.query.Set("token", token)
	for _, option := range options {
		option(c)
	}
	if c.baseURL == "" {
		return nil, provider.Errorf(provider.KindConfig, provider.SourceFinMind, "missing base URL")
	}
	return c, nil
}

// Query selects one dataset slice.
type Query struct {
	Dataset string
	DataID  string
	Start   time.Time
	End     time.Time
}

type envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// GetData fetches one dataset and returns the undecoded data array.
func (c *Client) GetData(ctx context.Context, q Query) (json.RawMessage, error) {
	query := maps.Clone(c.query)
	query.Set("dataset", q.Dataset)
	if q.DataID != "" {
		query.Set("data_id", q.DataID)
	}
	if !q.Start.IsZero() {
		query.Set("start_date", q.Start.Format(time.DateOnly))
	}
	if !q.End.IsZero() {
		query.Set("end_date", q.End.Format(time.DateOnly))
	}

	u := fmt.Sprintf("%s/data?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindConfig, Source: provider.SourceFinMind, Message: "creating request", Err: err}
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.Wrap(provider.SourceFinMind, fmt.Errorf("performing request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &provider.Error{
			Kind:    provider.KindUnprocessable,
			Source:  provider.SourceFinMind,
			Status:  res.StatusCode,
			Message: fmt.Sprintf("unprocessable request for dataset %s: %s", q.Dataset, strings.TrimSpace(string(body))),
		}
	}

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		if res.StatusCode != http.StatusOK {
			return nil, &provider.Error{Kind: provider.KindAPI, Source: provider.SourceFinMind, Status: res.StatusCode,
				Message: fmt.Sprintf("unexpected status code: %d", res.StatusCode)}
		}
		return nil, &provider.Error{Kind: provider.KindAPI, Source: provider.SourceFinMind, Status: res.StatusCode,
			Message: "decoding response", Err: err}
	}

	if res.StatusCode == http.StatusOK && env.Status == statusOK {
		return env.Data, nil
	}

	status := res.StatusCode
	if status == http.StatusOK {
		status = env.Status
	}
	return nil, classify(status, env.Msg)
}

// classify maps a FinMind failure message onto an error kind.
func classify(status int, msg string) error {
	lower := strings.ToLower(msg)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	switch {
	case strings.Contains(lower, "permission"), strings.Contains(lower, "unauthorized"):
		return &provider.Error{
			Kind:    provider.KindPermission,
			Source:  provider.SourceFinMind,
			Status:  status,
			Message: msg,
			UpgradePrompt: &provider.UpgradePrompt{
				Source:  provider.SourceFinMind,
				Message: "the FinMind plan behind this token does not include the dataset: " + msg,
			},
		}
	case strings.Contains(lower, "quota"), strings.Contains(lower, "limit"):
		return &provider.Error{Kind: provider.KindRateLimit, Source: provider.SourceFinMind, Status: status, Message: msg}
	default:
		return &provider.Error{Kind: provider.KindAPI, Source: provider.SourceFinMind, Status: status, Message: msg}
	}
}
