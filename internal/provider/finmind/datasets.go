package finmind

import (
	"encoding/json"
	"strings"

	"marketdata/internal/provider"
)

// taiwanPriceRow is one row of TaiwanStockPrice.
type taiwanPriceRow struct {
	Date            string      `json:"date"`
	StockID         string      `json:"stock_id"`
	TradingVolume   json.Number `json:"Trading_Volume"`
	TradingMoney    json.Number `json:"Trading_money"`
	Open            json.Number `json:"open"`
	Max             json.Number `json:"max"`
	Min             json.Number `json:"min"`
	Close           json.Number `json:"close"`
	Spread          json.Number `json:"spread"`
	TradingTurnover json.Number `json:"Trading_turnover"`
}

// usPriceRow is one row of USStockPrice.
type usPriceRow struct {
	Date     string      `json:"date"`
	StockID  string      `json:"stock_id"`
	AdjClose json.Number `json:"Adj_Close"`
	Close    json.Number `json:"Close"`
	High     json.Number `json:"High"`
	Low      json.Number `json:"Low"`
	Open     json.Number `json:"Open"`
	Volume   json.Number `json:"Volume"`
}

type stockInfoRow struct {
	IndustryCategory string `json:"industry_category"`
	StockID          string `json:"stock_id"`
	StockName        string `json:"stock_name"`
	Type             string `json:"type"`
	Date             string `json:"date"`
}

type newsRow struct {
	Date    string `json:"date"`
	StockID string `json:"stock_id"`
	Link    string `json:"link"`
	Source  string `json:"source"`
	Title   string `json:"title"`
}

type statementRow struct {
	Date       string      `json:"date"`
	StockID    string      `json:"stock_id"`
	Type       string      `json:"type"`
	Value      json.Number `json:"value"`
	OriginName string      `json:"origin_name"`
}

type institutionalRow struct {
	Date    string      `json:"date"`
	StockID string      `json:"stock_id"`
	Buy     json.Number `json:"buy"`
	Name    string      `json:"name"`
	Sell    json.Number `json:"sell"`
}

func decodeRows[T any](data json.RawMessage) ([]T, error) {
	var rows []T
	if len(data) == 0 || string(data) == "null" {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &provider.Error{Kind: provider.KindAPI, Source: provider.SourceFinMind, Message: "decoding data rows", Err: err}
	}
	return rows, nil
}

// decodeTaiwanBars maps TaiwanStockPrice rows onto Bars. max/min become
// high/low; Trading_Volume is shares and Trading_money is turnover.
func decodeTaiwanBars(data json.RawMessage) (provider.Bars, error) {
	rows, err := decodeRows[taiwanPriceRow](data)
	if err != nil {
		return nil, err
	}
	bars := make(provider.Bars, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, provider.Bar{
			Date:     r.Date,
			Open:     r.Open,
			High:     r.Max,
			Low:      r.Min,
			Close:    r.Close,
			Volume:   r.TradingVolume,
			Turnover: r.TradingMoney,
		})
	}
	return bars, nil
}

func decodeUSBars(data json.RawMessage) (provider.Bars, error) {
	rows, err := decodeRows[usPriceRow](data)
	if err != nil {
		return nil, err
	}
	bars := make(provider.Bars, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, provider.Bar{
			Date:   r.Date,
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

// quoteFromBars builds a quote from the latest bar; the previous bar's
// close, when present, is the reference for change.
func quoteFromBars(bars provider.Bars) (provider.QuotePayload, error) {
	if len(bars) == 0 {
		return provider.QuotePayload{}, provider.Errorf(provider.KindNotFound, provider.SourceFinMind, "no price rows")
	}
	last := bars[len(bars)-1]
	q := provider.QuotePayload{
		Price:     last.Close,
		Open:      last.Open,
		High:      last.High,
		Low:       last.Low,
		Volume:    last.Volume,
		Timestamp: last.Date,
	}
	if len(bars) > 1 {
		q.PrevClose = bars[len(bars)-2].Close
	}
	return q, nil
}

func decodeProfile(data json.RawMessage, code string) (provider.ProfilePayload, error) {
	rows, err := decodeRows[stockInfoRow](data)
	if err != nil {
		return provider.ProfilePayload{}, err
	}
	// TaiwanStockInfo lists one row per industry category; the latest row wins.
	var found *stockInfoRow
	for i := range rows {
		if rows[i].StockID != code {
			continue
		}
		if found == nil || rows[i].Date >= found.Date {
			found = &rows[i]
		}
	}
	if found == nil {
		return provider.ProfilePayload{}, provider.Errorf(provider.KindNotFound, provider.SourceFinMind, "no company info for %s", code)
	}
	exchange := "TWSE"
	if strings.EqualFold(found.Type, "tpex") {
		exchange = "TPEX"
	}
	return provider.ProfilePayload{
		Ticker:   found.StockID,
		Name:     found.StockName,
		Industry: found.IndustryCategory,
		Sector:   found.IndustryCategory,
		Country:  "TW",
		Currency: "TWD",
		Exchange: exchange,
		Updated:  found.Date,
	}, nil
}

func decodeNews(data json.RawMessage) (provider.NewsList, error) {
	rows, err := decodeRows[newsRow](data)
	if err != nil {
		return nil, err
	}
	out := make(provider.NewsList, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.NewsItem{
			ID:        r.Link,
			Headline:  r.Title,
			Source:    r.Source,
			URL:       r.Link,
			Published: r.Date,
		})
	}
	return out, nil
}

func decodeStatements(data json.RawMessage) (provider.Statements, error) {
	rows, err := decodeRows[statementRow](data)
	if err != nil {
		return nil, err
	}
	out := make(provider.Statements, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.StatementLine{
			Date:  r.Date,
			Item:  r.Type,
			Value: r.Value,
			Label: r.OriginName,
		})
	}
	return out, nil
}

func decodeFlows(data json.RawMessage) (provider.Flows, error) {
	rows, err := decodeRows[institutionalRow](data)
	if err != nil {
		return nil, err
	}
	out := make(provider.Flows, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.FlowRecord{
			Date:     r.Date,
			Investor: r.Name,
			Buy:      r.Buy,
			Sell:     r.Sell,
		})
	}
	return out, nil
}

func unsupported(dt provider.DataType, what string) error {
	return provider.Errorf(provider.KindUnprocessable, provider.SourceFinMind, "%s is not available for %s", dt, what)
}
