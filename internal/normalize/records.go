package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
)

// PriceBar is one canonical OHLCV row.
type PriceBar struct {
	Date          time.Time       `json:"date" validate:"required"`
	Open          decimal.Decimal `json:"open" validate:"gt=0,lt=1000000"`
	High          decimal.Decimal `json:"high" validate:"gt=0,lt=1000000"`
	Low           decimal.Decimal `json:"low" validate:"gt=0,lt=1000000"`
	Close         decimal.Decimal `json:"close" validate:"gt=0,lt=1000000"`
	Volume        decimal.Decimal `json:"volume" validate:"gte=0"`
	Turnover      decimal.Decimal `json:"turnover"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Currency      string          `json:"currency"`
	Market        string          `json:"market"`
	Exchange      string          `json:"exchange"`
}

// Quote is a canonical point-in-time quote.
type Quote struct {
	Price         decimal.Decimal `json:"price" validate:"gt=0,lt=1000000"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	PrevClose     decimal.Decimal `json:"prev_close"`
	Volume        decimal.Decimal `json:"volume" validate:"gte=0"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	Currency      string          `json:"currency"`
	Market        string          `json:"market"`
}

// CompanyProfile is canonical company reference data.
type CompanyProfile struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name" validate:"required"`
	Industry  string          `json:"industry,omitempty"`
	Sector    string          `json:"sector,omitempty"`
	Country   string          `json:"country,omitempty"`
	Currency  string          `json:"currency"`
	Exchange  string          `json:"exchange,omitempty"`
	MarketCap decimal.Decimal `json:"market_cap" validate:"gte=0"`
	Employees int64           `json:"employees" validate:"gte=0"`
	IPODate   string          `json:"ipo_date,omitempty"`
	Website   string          `json:"website,omitempty"`
	Logo      string          `json:"logo,omitempty"`
}

// NewsArticle is one canonical news item.
type NewsArticle struct {
	ID        string    `json:"id"`
	Headline  string    `json:"headline" validate:"required"`
	Summary   string    `json:"summary,omitempty"`
	Source    string    `json:"source,omitempty"`
	Category  string    `json:"category,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// FinancialStatement is one reporting period pivoted out of long-format
// statement lines. Items keeps every line, recognised or not.
type FinancialStatement struct {
	Period          time.Time                  `json:"period" validate:"required"`
	Revenue         decimal.NullDecimal        `json:"revenue"`
	OperatingIncome decimal.NullDecimal        `json:"operating_income"`
	NetIncome       decimal.NullDecimal        `json:"net_income"`
	TotalAssets     decimal.NullDecimal        `json:"total_assets"`
	Liabilities     decimal.NullDecimal        `json:"liabilities"`
	Equity          decimal.NullDecimal        `json:"equity"`
	EPS             decimal.NullDecimal        `json:"eps"`
	Items           map[string]decimal.Decimal `json:"items,omitempty"`
	Currency        string                     `json:"currency"`
	Unit            string                     `json:"unit"`
}

// InstitutionalFlow is one investor class's buy/sell totals for a day.
type InstitutionalFlow struct {
	Date     time.Time       `json:"date" validate:"required"`
	Investor string          `json:"investor" validate:"required"`
	Buy      decimal.Decimal `json:"buy" validate:"gte=0"`
	Sell     decimal.Decimal `json:"sell" validate:"gte=0"`
	Net      decimal.Decimal `json:"net"`
}

// Status is the outcome of a normalization run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Metadata summarises the source payload.
type Metadata struct {
	Checksum     string    `json:"checksum"`
	Completeness float64   `json:"completeness"`
	Freshness    float64   `json:"freshness"`
	Quality      float64   `json:"quality"`
	NormalizedAt time.Time `json:"normalized_at"`
}

// NormalizedData is the canonical result handed back to callers. Records
// holds one of []PriceBar, []Quote, []CompanyProfile, []NewsArticle,
// []FinancialStatement or []InstitutionalFlow depending on DataType.
type NormalizedData struct {
	Symbol    string            `json:"symbol"`
	DataType  provider.DataType `json:"data_type"`
	Source    provider.Source   `json:"source"`
	Records   any               `json:"records"`
	Metadata  Metadata          `json:"metadata"`
	Quality   QualityReport     `json:"quality"`
	Status    Status            `json:"status"`
	Dropped   int               `json:"dropped,omitempty"`
	Conflicts []string          `json:"conflicts,omitempty"`
}

// OK reports whether the data is usable.
func (d *NormalizedData) OK() bool {
	return d != nil && d.Status != StatusFailed
}

// UnmarshalJSON restores the typed record slice from a cached copy.
func (d *NormalizedData) UnmarshalJSON(b []byte) error {
	type alias NormalizedData
	var aux struct {
		alias
		Records json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*d = NormalizedData(aux.alias)

	records, err := decodeRecords(aux.DataType, aux.Records)
	if err != nil {
		return fmt.Errorf("decoding %s records: %w", aux.DataType, err)
	}
	d.Records = records
	return nil
}

func decodeRecords(dt provider.DataType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return emptyRecords(dt), nil
	}
	switch dt {
	case provider.DataTypePrice, provider.DataTypeCandles:
		return decodeInto[PriceBar](raw)
	case provider.DataTypeQuote:
		return decodeInto[Quote](raw)
	case provider.DataTypeProfile:
		return decodeInto[CompanyProfile](raw)
	case provider.DataTypeNews:
		return decodeInto[NewsArticle](raw)
	case provider.DataTypeFinancials:
		return decodeInto[FinancialStatement](raw)
	case provider.DataTypeInstitutional:
		return decodeInto[InstitutionalFlow](raw)
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}
}

func decodeInto[T any](raw json.RawMessage) ([]T, error) {
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func emptyRecords(dt provider.DataType) any {
	switch dt {
	case provider.DataTypePrice, provider.DataTypeCandles:
		return []PriceBar{}
	case provider.DataTypeQuote:
		return []Quote{}
	case provider.DataTypeProfile:
		return []CompanyProfile{}
	case provider.DataTypeNews:
		return []NewsArticle{}
	case provider.DataTypeFinancials:
		return []FinancialStatement{}
	case provider.DataTypeInstitutional:
		return []InstitutionalFlow{}
	default:
		return []any{}
	}
}
