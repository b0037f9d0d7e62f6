package provider

import (
	"context"
	"strings"

	"marketdata/internal/symbol"
)

// Source identifies an upstream market-data provider.
type Source string

const (
	SourceAuto    Source = "auto"
	SourceFinMind Source = "finmind"
	SourceFinnhub Source = "finnhub"
	SourceStub    Source = "stub"
)

// ParseSource maps free-form input to a Source. Empty input means auto.
func ParseSource(s string) Source {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return SourceAuto
	default:
		return Source(strings.ToLower(strings.TrimSpace(s)))
	}
}

// DataType is the kind of data a caller asks for.
type DataType string

const (
	DataTypePrice         DataType = "stock_price"
	DataTypeQuote         DataType = "stock_quote"
	DataTypeCandles       DataType = "candles"
	DataTypeProfile       DataType = "company_profile"
	DataTypeNews          DataType = "company_news"
	DataTypeFinancials    DataType = "financials"
	DataTypeInstitutional DataType = "institutional"
)

// DataTypes lists every supported data type.
var DataTypes = []DataType{
	DataTypePrice, DataTypeQuote, DataTypeCandles, DataTypeProfile,
	DataTypeNews, DataTypeFinancials, DataTypeInstitutional,
}

var dataTypeAliases = map[string]DataType{
	"price":      DataTypePrice,
	"quote":      DataTypeQuote,
	"candle":     DataTypeCandles,
	"profile":    DataTypeProfile,
	"news":       DataTypeNews,
	"financial":  DataTypeFinancials,
	"statements": DataTypeFinancials,
	"chip":       DataTypeInstitutional,
}

// ParseDataType accepts canonical names and a few short aliases.
func ParseDataType(s string) (DataType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, dt := range DataTypes {
		if string(dt) == s {
			return dt, true
		}
	}
	dt, ok := dataTypeAliases[s]
	return dt, ok
}

// Provider is the contract every upstream adapter implements.
type Provider interface {
	Name() Source
	// Supports reports whether the provider can serve the combination at all,
	// independent of health or caller tier.
	Supports(t symbol.Type, dt DataType) bool
	Fetch(ctx context.Context, req *DataRequest, info symbol.Info) (*RawResponse, error)
	// HealthCheck performs a cheap read against the upstream API.
	HealthCheck(ctx context.Context) error
}

// Gated is implemented by providers that restrict data types to caller
// tiers. The orchestrator checks it before serving cached data so a cache
// hit never bypasses the tier gate.
type Gated interface {
	Tiers() TierTable
}
