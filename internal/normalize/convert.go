package normalize

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

var hundred = decimal.NewFromInt(100)

// convert maps a typed provider payload onto canonical records. Invalid
// records are kept here and dropped later by validation.
func convert(raw *provider.RawResponse, info symbol.Info) (any, error) {
	switch p := raw.Payload.(type) {
	case provider.Bars:
		return convertBars(p, info), nil
	case provider.QuotePayload:
		return []Quote{convertQuote(p, info)}, nil
	case provider.ProfilePayload:
		return []CompanyProfile{convertProfile(p, info)}, nil
	case provider.NewsList:
		return convertNews(p), nil
	case provider.Statements:
		return convertStatements(p, raw.Source, info), nil
	case provider.Flows:
		return convertFlows(p), nil
	case nil:
		return nil, fmt.Errorf("empty payload")
	default:
		return nil, fmt.Errorf("unsupported payload %T", raw.Payload)
	}
}

func percentOf(change, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return change.Div(base).Mul(hundred).Round(4)
}

func convertBars(bars provider.Bars, info symbol.Info) []PriceBar {
	out := make([]PriceBar, 0, len(bars))
	for _, b := range bars {
		date, _ := parseTime(b.Date)
		open, closing := decimalOrZero(b.Open), decimalOrZero(b.Close)
		change := closing.Sub(open)
		out = append(out, PriceBar{
			Date:          date,
			Open:          open,
			High:          decimalOrZero(b.High),
			Low:           decimalOrZero(b.Low),
			Close:         closing,
			Volume:        decimalOrZero(b.Volume),
			Turnover:      decimalOrZero(b.Turnover),
			Change:        change,
			ChangePercent: percentOf(change, open),
			Currency:      info.Currency,
			Market:        info.Market,
			Exchange:      info.Exchange,
		})
	}
	slices.SortStableFunc(out, func(a, b PriceBar) int { return a.Date.Compare(b.Date) })
	return out
}

func convertQuote(q provider.QuotePayload, info symbol.Info) Quote {
	ts, _ := parseTime(q.Timestamp)
	price := decimalOrZero(q.Price)
	prev := decimalOrZero(q.PrevClose)

	change, ok := parseDecimal(q.Change)
	if !ok && !prev.IsZero() {
		change = price.Sub(prev)
	}
	pct, ok := parseDecimal(q.ChangePercent)
	if !ok {
		pct = percentOf(change, prev)
	}
	return Quote{
		Price:         price,
		Change:        change,
		ChangePercent: pct,
		Open:          decimalOrZero(q.Open),
		High:          decimalOrZero(q.High),
		Low:           decimalOrZero(q.Low),
		PrevClose:     prev,
		Volume:        decimalOrZero(q.Volume),
		Timestamp:     ts,
		Currency:      info.Currency,
		Market:        info.Market,
	}
}

func convertProfile(p provider.ProfilePayload, info symbol.Info) CompanyProfile {
	prof := CompanyProfile{
		Symbol:    info.Normalized,
		Name:      strings.TrimSpace(p.Name),
		Industry:  p.Industry,
		Sector:    p.Sector,
		Country:   p.Country,
		Currency:  p.Currency,
		Exchange:  p.Exchange,
		MarketCap: decimalOrZero(p.MarketCap),
		Employees: decimalOrZero(p.Employees).IntPart(),
		IPODate:   p.IPODate,
		Website:   p.Website,
		Logo:      p.Logo,
	}
	if prof.Country == "" {
		prof.Country = info.Country
	}
	if prof.Currency == "" {
		prof.Currency = info.Currency
	}
	if prof.Exchange == "" {
		prof.Exchange = info.Exchange
	}
	return prof
}

func convertNews(items provider.NewsList) []NewsArticle {
	out := make([]NewsArticle, 0, len(items))
	for _, n := range items {
		ts, _ := parseTime(n.Published)
		out = append(out, NewsArticle{
			ID:        n.ID,
			Headline:  strings.TrimSpace(n.Headline),
			Summary:   n.Summary,
			Source:    n.Source,
			Category:  n.Category,
			URL:       n.URL,
			Timestamp: ts,
		})
	}
	// Newest first.
	slices.SortStableFunc(out, func(a, b NewsArticle) int { return b.Timestamp.Compare(a.Timestamp) })
	return out
}

// statementFields maps line item names from either provider onto the
// canonical statement columns.
var statementFields = map[string]func(*FinancialStatement) *decimal.NullDecimal{
	"revenue":          func(s *FinancialStatement) *decimal.NullDecimal { return &s.Revenue },
	"sales":            func(s *FinancialStatement) *decimal.NullDecimal { return &s.Revenue },
	"operatingincome":  func(s *FinancialStatement) *decimal.NullDecimal { return &s.OperatingIncome },
	"netincome":        func(s *FinancialStatement) *decimal.NullDecimal { return &s.NetIncome },
	"incomeaftertaxes": func(s *FinancialStatement) *decimal.NullDecimal { return &s.NetIncome },
	"totalassets":      func(s *FinancialStatement) *decimal.NullDecimal { return &s.TotalAssets },
	"liabilities":      func(s *FinancialStatement) *decimal.NullDecimal { return &s.Liabilities },
	"totalliabilities": func(s *FinancialStatement) *decimal.NullDecimal { return &s.Liabilities },
	"equity":           func(s *FinancialStatement) *decimal.NullDecimal { return &s.Equity },
	"totalequity":      func(s *FinancialStatement) *decimal.NullDecimal { return &s.Equity },
	"eps":              func(s *FinancialStatement) *decimal.NullDecimal { return &s.EPS },
}

func convertStatements(lines provider.Statements, src provider.Source, info symbol.Info) []FinancialStatement {
	unit := "currency"
	if src == provider.SourceFinnhub {
		unit = "per_share"
	}

	byPeriod := map[string]*FinancialStatement{}
	for _, l := range lines {
		st, ok := byPeriod[l.Date]
		if !ok {
			period, _ := parseTime(l.Date)
			st = &FinancialStatement{
				Period:   period,
				Items:    map[string]decimal.Decimal{},
				Currency: info.Currency,
				Unit:     unit,
			}
			byPeriod[l.Date] = st
		}
		v, ok := parseDecimal(l.Value)
		if !ok {
			continue
		}
		st.Items[l.Item] = v
		if field, ok := statementFields[strings.ToLower(l.Item)]; ok {
			*field(st) = decimal.NewNullDecimal(v)
		}
	}

	out := make([]FinancialStatement, 0, len(byPeriod))
	for _, key := range slices.Sorted(maps.Keys(byPeriod)) {
		out = append(out, *byPeriod[key])
	}
	// Latest period first.
	slices.SortStableFunc(out, func(a, b FinancialStatement) int { return b.Period.Compare(a.Period) })
	return out
}

func convertFlows(rows provider.Flows) []InstitutionalFlow {
	out := make([]InstitutionalFlow, 0, len(rows))
	for _, r := range rows {
		date, _ := parseTime(r.Date)
		buy, sell := decimalOrZero(r.Buy), decimalOrZero(r.Sell)
		out = append(out, InstitutionalFlow{
			Date:     date,
			Investor: r.Investor,
			Buy:      buy,
			Sell:     sell,
			Net:      buy.Sub(sell),
		})
	}
	return out
}

// latest returns the newest parseable time among values.
func latest(values ...string) (time.Time, bool) {
	var best time.Time
	for _, v := range values {
		if t, ok := parseTime(v); ok && t.After(best) {
			best = t
		}
	}
	return best, !best.IsZero()
}
