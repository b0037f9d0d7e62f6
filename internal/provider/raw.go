package provider

import (
	"encoding/json"
	"time"
)

// Payload is the typed body of a RawResponse. Adapters decode provider JSON
// once into one of the variants below; field names follow a shared
// vocabulary while values stay exactly as the provider sent them.
type Payload interface {
	payload()
}

// Bar is one OHLCV row. Date is either an ISO date or unix seconds.
type Bar struct {
	Date     string      `json:"date"`
	Open     json.Number `json:"open"`
	High     json.Number `json:"high"`
	Low      json.Number `json:"low"`
	Close    json.Number `json:"close"`
	Volume   json.Number `json:"volume"`
	Turnover json.Number `json:"turnover,omitempty"`
}

// Bars is a price series, oldest first.
type Bars []Bar

// QuotePayload is a point-in-time quote.
type QuotePayload struct {
	Price         json.Number `json:"price"`
	Change        json.Number `json:"change,omitempty"`
	ChangePercent json.Number `json:"change_percent,omitempty"`
	Open          json.Number `json:"open,omitempty"`
	High          json.Number `json:"high,omitempty"`
	Low           json.Number `json:"low,omitempty"`
	PrevClose     json.Number `json:"prev_close,omitempty"`
	Volume        json.Number `json:"volume,omitempty"`
	Timestamp     string      `json:"timestamp"`
}

// ProfilePayload is company reference data.
type ProfilePayload struct {
	Ticker    string      `json:"ticker"`
	Name      string      `json:"name"`
	Industry  string      `json:"industry,omitempty"`
	Sector    string      `json:"sector,omitempty"`
	Country   string      `json:"country,omitempty"`
	Currency  string      `json:"currency,omitempty"`
	Exchange  string      `json:"exchange,omitempty"`
	MarketCap json.Number `json:"market_cap,omitempty"`
	Employees json.Number `json:"employees,omitempty"`
	IPODate   string      `json:"ipo_date,omitempty"`
	Website   string      `json:"website,omitempty"`
	Logo      string      `json:"logo,omitempty"`
	Updated   string      `json:"updated,omitempty"`
}

// NewsItem is one article. Published is either an ISO timestamp or unix seconds.
type NewsItem struct {
	ID        string `json:"id,omitempty"`
	Headline  string `json:"headline"`
	Summary   string `json:"summary,omitempty"`
	Source    string `json:"source,omitempty"`
	Category  string `json:"category,omitempty"`
	URL       string `json:"url,omitempty"`
	Published string `json:"published"`
}

// NewsList is a list of articles.
type NewsList []NewsItem

// StatementLine is one (period, item, value) cell of a financial statement.
type StatementLine struct {
	Date  string      `json:"date"`
	Item  string      `json:"item"`
	Value json.Number `json:"value"`
	Label string      `json:"label,omitempty"`
}

// Statements is a long-format financial statement.
type Statements []StatementLine

// FlowRecord is one institutional investor buy/sell row.
type FlowRecord struct {
	Date     string      `json:"date"`
	Investor string      `json:"investor"`
	Buy      json.Number `json:"buy"`
	Sell     json.Number `json:"sell"`
}

// Flows is a list of institutional flow rows.
type Flows []FlowRecord

func (Bars) payload()           {}
func (QuotePayload) payload()   {}
func (ProfilePayload) payload() {}
func (NewsList) payload()       {}
func (Statements) payload()     {}
func (Flows) payload()          {}

// RawResponse is a successful adapter result before normalization.
type RawResponse struct {
	Source    Source
	DataType  DataType
	Symbol    string
	Payload   Payload
	FetchedAt time.Time
	Elapsed   time.Duration
	// Attempts counts network attempts including retries.
	Attempts int
}
