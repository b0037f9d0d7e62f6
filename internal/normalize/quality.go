package normalize

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
)

// Level buckets an overall quality score.
type Level string

const (
	LevelHigh    Level = "HIGH"
	LevelMedium  Level = "MEDIUM"
	LevelLow     Level = "LOW"
	LevelInvalid Level = "INVALID"
)

// LevelFor buckets score.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelHigh
	case score >= 0.7:
		return LevelMedium
	case score >= 0.5:
		return LevelLow
	default:
		return LevelInvalid
	}
}

// QualityReport scores a payload on four axes, each in [0,1].
type QualityReport struct {
	Completeness float64  `json:"completeness"`
	Accuracy     float64  `json:"accuracy"`
	Timeliness   float64  `json:"timeliness"`
	Consistency  float64  `json:"consistency"`
	Overall      float64  `json:"overall"`
	Level        Level    `json:"level"`
	Anomalies    int      `json:"anomalies,omitempty"`
	Issues       []string `json:"issues,omitempty"`
}

const (
	maxPrice       = 1_000_000
	maxDailyChange = 0.2
)

// MaxAges is how old each data type may be before it stops scoring as
// fully timely.
var MaxAges = map[provider.DataType]time.Duration{
	provider.DataTypePrice:         24 * time.Hour,
	provider.DataTypeCandles:       24 * time.Hour,
	provider.DataTypeQuote:         time.Hour,
	provider.DataTypeProfile:       720 * time.Hour,
	provider.DataTypeNews:          168 * time.Hour,
	provider.DataTypeFinancials:    2880 * time.Hour,
	provider.DataTypeInstitutional: 168 * time.Hour,
}

func maxAge(dt provider.DataType) time.Duration {
	if d, ok := MaxAges[dt]; ok {
		return d
	}
	return time.Hour
}

// timeliness decays in bands of the max age: 1x, 2x, 4x, beyond.
func timeliness(age, limit time.Duration) float64 {
	switch {
	case age <= limit:
		return 1
	case age <= 2*limit:
		return 0.8
	case age <= 4*limit:
		return 0.6
	default:
		return 0.3
	}
}

// freshness falls linearly from 1 at the max age to 0 at four times it.
func freshness(age, limit time.Duration) float64 {
	if age <= limit {
		return 1
	}
	return clamp(1 - float64(age-limit)/float64(3*limit))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func mean(values ...float64) float64 {
	m, err := stats.Mean(stats.Float64Data(values))
	if err != nil {
		return 0
	}
	return clamp(m)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return clamp(float64(n) / float64(d))
}

// completeness is the share of expected fields present across the payload.
func completeness(p provider.Payload) float64 {
	have, want := 0, 0
	count := func(ok ...bool) {
		for _, v := range ok {
			want++
			if v {
				have++
			}
		}
	}
	switch p := p.(type) {
	case provider.Bars:
		for _, b := range p {
			count(present(b.Date), presentNum(b.Open), presentNum(b.High), presentNum(b.Low), presentNum(b.Close), presentNum(b.Volume))
		}
	case provider.QuotePayload:
		count(presentNum(p.Price), presentNum(p.Open), presentNum(p.High), presentNum(p.Low), presentNum(p.PrevClose), presentNum(p.Volume), present(p.Timestamp))
	case provider.ProfilePayload:
		count(present(p.Name), present(p.Industry), present(p.Country), present(p.Currency), present(p.Exchange), presentNum(p.MarketCap), presentNum(p.Employees))
	case provider.NewsList:
		for _, n := range p {
			count(present(n.Headline), present(n.Summary), present(n.Source), present(n.URL), present(n.Published))
		}
	case provider.Statements:
		for _, l := range p {
			count(present(l.Date), present(l.Item), presentNum(l.Value))
		}
	case provider.Flows:
		for _, f := range p {
			count(present(f.Date), present(f.Investor), presentNum(f.Buy), presentNum(f.Sell))
		}
	}
	return ratio(have, want)
}

func inRange(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(maxPrice))
}

// accuracy is the share of records passing basic sanity checks: prices in
// [0, 1e6] and non-negative volumes.
func accuracy(records any) float64 {
	switch rs := records.(type) {
	case []PriceBar:
		ok := 0
		for _, b := range rs {
			if inRange(b.Open) && inRange(b.High) && inRange(b.Low) && inRange(b.Close) && !b.Volume.IsNegative() {
				ok++
			}
		}
		return ratio(ok, len(rs))
	case []Quote:
		ok := 0
		for _, q := range rs {
			if inRange(q.Price) && !q.Volume.IsNegative() {
				ok++
			}
		}
		return ratio(ok, len(rs))
	case []CompanyProfile:
		ok := 0
		for _, p := range rs {
			if !p.MarketCap.IsNegative() && p.Employees >= 0 {
				ok++
			}
		}
		return ratio(ok, len(rs))
	case []InstitutionalFlow:
		ok := 0
		for _, f := range rs {
			if !f.Buy.IsNegative() && !f.Sell.IsNegative() {
				ok++
			}
		}
		return ratio(ok, len(rs))
	case []NewsArticle:
		return ratio(len(rs), len(rs))
	case []FinancialStatement:
		return ratio(len(rs), len(rs))
	}
	return 0
}

// consistency is the share of close-to-close moves within 20%. Larger moves
// are reported as anomalies but never rejected.
func consistency(records any) (float64, []string) {
	bars, ok := records.([]PriceBar)
	if !ok || len(bars) < 2 {
		return 1, nil
	}
	limit := decimal.NewFromFloat(maxDailyChange)
	var anomalies []string
	steady := 0
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev.IsZero() {
			anomalies = append(anomalies, fmt.Sprintf("zero close before %s", bars[i].Date.Format(time.DateOnly)))
			continue
		}
		move := cur.Sub(prev).Div(prev).Abs()
		if move.GreaterThan(limit) {
			anomalies = append(anomalies, fmt.Sprintf("close moved %s%% on %s", move.Mul(hundred).StringFixed(1), bars[i].Date.Format(time.DateOnly)))
			continue
		}
		steady++
	}
	return ratio(steady, len(bars)-1), anomalies
}

// referenceTime is the newest timestamp carried by the payload, falling back
// to when it was fetched.
func referenceTime(raw *provider.RawResponse) (time.Time, bool) {
	var values []string
	switch p := raw.Payload.(type) {
	case provider.Bars:
		for _, b := range p {
			values = append(values, b.Date)
		}
	case provider.QuotePayload:
		values = append(values, p.Timestamp)
	case provider.ProfilePayload:
		values = append(values, p.Updated)
	case provider.NewsList:
		for _, n := range p {
			values = append(values, n.Published)
		}
	case provider.Statements:
		for _, l := range p {
			values = append(values, l.Date)
		}
	case provider.Flows:
		for _, f := range p {
			values = append(values, f.Date)
		}
	}
	if t, ok := latest(values...); ok {
		return t, true
	}
	if !raw.FetchedAt.IsZero() {
		return raw.FetchedAt, true
	}
	return time.Time{}, false
}
