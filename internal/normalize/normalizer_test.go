package normalize_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketdata/internal/logger"
	"marketdata/internal/normalize"
	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

var fixedNow = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

func newNormalizer() *normalize.Normalizer {
	return normalize.New(logger.Discard(), normalize.WithClock(func() time.Time { return fixedNow }))
}

func rawBars(bars ...provider.Bar) *provider.RawResponse {
	return &provider.RawResponse{
		Source:    provider.SourceFinMind,
		DataType:  provider.DataTypePrice,
		Symbol:    "2330",
		Payload:   provider.Bars(bars),
		FetchedAt: fixedNow,
	}
}

func bar(date, open, closing string) provider.Bar {
	return provider.Bar{
		Date:     date,
		Open:     json.Number(open),
		High:     json.Number(closing),
		Low:      json.Number(open),
		Close:    json.Number(closing),
		Volume:   json.Number("25000000"),
		Turnover: json.Number("14500000000"),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalize_TaiwanDailyBar(t *testing.T) {
	t.Parallel()

	// Arrange
	n := newNormalizer()
	raw := rawBars(bar("2024-01-02", "580", "585"))

	// Act
	got := n.Normalize(raw, symbol.Classify("2330"))

	// Assert
	require.Equal(t, normalize.StatusSuccess, got.Status)
	require.Equal(t, "2330", got.Symbol)
	require.Equal(t, provider.SourceFinMind, got.Source)

	bars, ok := got.Records.([]normalize.PriceBar)
	require.True(t, ok)
	require.Len(t, bars, 1)
	require.Equal(t, "TWD", bars[0].Currency)
	require.Equal(t, "TPE", bars[0].Exchange)
	require.True(t, bars[0].Change.Equal(dec("5")), "change = %s", bars[0].Change)
	require.True(t, bars[0].ChangePercent.Equal(dec("0.8621")), "change%% = %s", bars[0].ChangePercent)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), bars[0].Date)

	require.Len(t, got.Metadata.Checksum, 64)
	require.InDelta(t, 1.0, got.Quality.Completeness, 1e-9)
	require.InDelta(t, 1.0, got.Quality.Accuracy, 1e-9)
	require.InDelta(t, 0.8, got.Quality.Timeliness, 1e-9)
	require.InDelta(t, 1.0, got.Quality.Consistency, 1e-9)
	require.InDelta(t, 0.95, got.Quality.Overall, 1e-9)
	require.Equal(t, normalize.LevelHigh, got.Quality.Level)
	require.Equal(t, fixedNow, got.Metadata.NormalizedAt)
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := rawBars(
		bar("2024-01-01", "100", "101"),
		bar("2024-01-02", "101", "140"),
		bar("2023-12-29", "99", "100"),
	)

	first := n.Normalize(raw, symbol.Classify("2330"))
	second := n.Normalize(raw, symbol.Classify("2330"))

	require.Equal(t, first, second)
}

func TestNormalize_ConsistencyFlagsLargeMoves(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := rawBars(
		bar("2023-12-29", "99", "100"),
		bar("2024-01-01", "100", "130"),
		bar("2024-01-02", "130", "131"),
	)

	got := n.Normalize(raw, symbol.Classify("2330"))

	require.Equal(t, normalize.StatusSuccess, got.Status)
	require.InDelta(t, 0.5, got.Quality.Consistency, 1e-9)
	require.Equal(t, 1, got.Quality.Anomalies)
	require.Contains(t, got.Quality.Issues, "close moved 30.0% on 2024-01-01")

	bars := got.Records.([]normalize.PriceBar)
	require.Len(t, bars, 3, "anomalies are reported, not dropped")
	require.True(t, bars[0].Date.Before(bars[2].Date))
}

func TestNormalize_DropsInvalidRecords(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := rawBars(
		bar("2024-01-01", "100", "101"),
		bar("2024-01-02", "0", "0"),
		bar("2024-01-02", "100", "2000000"),
	)

	got := n.Normalize(raw, symbol.Classify("2330"))

	require.Equal(t, normalize.StatusPartial, got.Status)
	require.Equal(t, 2, got.Dropped)
	require.Len(t, got.Records, 1)
	require.Less(t, got.Quality.Accuracy, 1.0)
}

func TestNormalize_AllInvalidFails(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := &provider.RawResponse{
		Source:   provider.SourceFinnhub,
		DataType: provider.DataTypeNews,
		Payload: provider.NewsList{
			{Headline: "", Published: "1704196800"},
			{Headline: "Results", Published: ""},
		},
		FetchedAt: fixedNow,
	}

	got := n.Normalize(raw, symbol.Classify("AAPL"))

	require.Equal(t, normalize.StatusFailed, got.Status)
	require.False(t, got.OK())
	require.Equal(t, normalize.LevelInvalid, got.Quality.Level)
	require.Empty(t, got.Records)
}

func TestNormalize_FailureNeverEscapes(t *testing.T) {
	t.Parallel()

	n := newNormalizer()

	tests := map[string]*provider.RawResponse{
		"nil response": nil,
		"nil payload":  {Source: provider.SourceFinMind, DataType: provider.DataTypePrice},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := n.Normalize(raw, symbol.Classify("2330"))

			require.Equal(t, normalize.StatusFailed, got.Status)
			require.NotEmpty(t, got.Quality.Issues)
			require.Zero(t, got.Quality.Overall)
		})
	}
}

func TestNormalize_Quote(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := &provider.RawResponse{
		Source:   provider.SourceFinnhub,
		DataType: provider.DataTypeQuote,
		Payload: provider.QuotePayload{
			Price:     "190.5",
			PrevClose: "188",
			Open:      "189",
			High:      "191",
			Low:       "187.5",
			Volume:    "5000000",
			Timestamp: "1704282600", // 2024-01-03 11:50 UTC
		},
	}

	got := n.Normalize(raw, symbol.Classify("AAPL"))

	require.Equal(t, normalize.StatusSuccess, got.Status)
	quotes := got.Records.([]normalize.Quote)
	require.Len(t, quotes, 1)
	require.True(t, quotes[0].Change.Equal(dec("2.5")))
	require.True(t, quotes[0].ChangePercent.Equal(dec("1.3298")), "got %s", quotes[0].ChangePercent)
	require.Equal(t, "USD", quotes[0].Currency)
	require.InDelta(t, 1.0, got.Quality.Timeliness, 1e-9)
}

func TestNormalize_StatementsPivot(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := &provider.RawResponse{
		Source:   provider.SourceFinMind,
		DataType: provider.DataTypeFinancials,
		Payload: provider.Statements{
			{Date: "2023-09-30", Item: "Revenue", Value: "546733000"},
			{Date: "2023-09-30", Item: "IncomeAfterTaxes", Value: "211000000"},
			{Date: "2023-09-30", Item: "EPS", Value: "8.14"},
			{Date: "2023-06-30", Item: "Revenue", Value: "480841000"},
			{Date: "2023-06-30", Item: "GrossProfit", Value: "260000000"},
		},
		FetchedAt: fixedNow,
	}

	got := n.Normalize(raw, symbol.Classify("2330"))

	require.Equal(t, normalize.StatusSuccess, got.Status)
	sts := got.Records.([]normalize.FinancialStatement)
	require.Len(t, sts, 2)
	require.Equal(t, time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC), sts[0].Period)
	require.True(t, sts[0].Revenue.Valid)
	require.True(t, sts[0].NetIncome.Decimal.Equal(dec("211000000")))
	require.True(t, sts[0].EPS.Decimal.Equal(dec("8.14")))
	require.False(t, sts[1].NetIncome.Valid)
	require.Contains(t, sts[1].Items, "GrossProfit")
	require.Equal(t, "TWD", sts[0].Currency)
}

func TestNormalize_ProfileFillsFromSymbol(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	raw := &provider.RawResponse{
		Source:    provider.SourceFinMind,
		DataType:  provider.DataTypeProfile,
		Payload:   provider.ProfilePayload{Ticker: "2330", Name: " TSMC ", Industry: "Semiconductors"},
		FetchedAt: fixedNow,
	}

	got := n.Normalize(raw, symbol.Classify("2330"))

	profiles := got.Records.([]normalize.CompanyProfile)
	require.Len(t, profiles, 1)
	require.Equal(t, "TSMC", profiles[0].Name)
	require.Equal(t, "TWD", profiles[0].Currency)
	require.Equal(t, "TW", profiles[0].Country)
	require.Less(t, got.Quality.Completeness, 1.0)
}

func TestNormalizedData_CachedCopyKeepsTypes(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	orig := n.Normalize(rawBars(bar("2024-01-02", "580", "585")), symbol.Classify("2330"))

	body, err := json.Marshal(orig)
	require.NoError(t, err)

	var back normalize.NormalizedData
	require.NoError(t, json.Unmarshal(body, &back))

	bars, ok := back.Records.([]normalize.PriceBar)
	require.True(t, ok)
	require.True(t, bars[0].Close.Equal(dec("585")))
	require.Equal(t, orig.Metadata.Checksum, back.Metadata.Checksum)
	require.Equal(t, orig.Quality.Level, back.Quality.Level)
}

func TestNormalize_ScoresStayInBounds(t *testing.T) {
	t.Parallel()

	n := newNormalizer()
	payloads := []*provider.RawResponse{
		rawBars(bar("1999-01-01", "-5", "99999999")),
		rawBars(),
		{DataType: provider.DataTypeInstitutional, Payload: provider.Flows{{Date: "2024-01-02", Investor: "Dealer", Buy: "-1", Sell: "x"}}},
		{DataType: provider.DataTypeNews, Payload: provider.NewsList{{Headline: "h", Published: "2030-01-01"}}},
	}
	for _, raw := range payloads {
		got := n.Normalize(raw, symbol.Classify("2330"))
		for _, v := range []float64{
			got.Quality.Completeness, got.Quality.Accuracy, got.Quality.Timeliness,
			got.Quality.Consistency, got.Quality.Overall,
			got.Metadata.Completeness, got.Metadata.Freshness, got.Metadata.Quality,
		} {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}
}
