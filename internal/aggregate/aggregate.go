// Package aggregate reconciles the same instrument as reported by several
// sources.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"marketdata/internal/normalize"
	"marketdata/internal/provider"
)

// Observation is the comparable subset of one source's answer.
type Observation struct {
	Source   provider.Source `json:"source"`
	Price    decimal.Decimal `json:"price"`
	HasPrice bool            `json:"has_price"`
	Name     string          `json:"name,omitempty"`
	AsOf     time.Time       `json:"as_of"`
	Quality  float64         `json:"quality"`
}

// Conflict is a disagreement between two sources on one field.
type Conflict struct {
	Field      string             `json:"field"`
	Sources    [2]provider.Source `json:"sources"`
	Values     [2]string          `json:"values"`
	Difference float64            `json:"difference,omitempty"`
	Severity   float64            `json:"severity"`
}

func (c Conflict) String() string {
	if c.Field == FieldPrice {
		return fmt.Sprintf("price %s (%s) vs %s (%s): %.1f%% apart", c.Values[0], c.Sources[0], c.Values[1], c.Sources[1], c.Difference*100)
	}
	return fmt.Sprintf("%s %q (%s) vs %q (%s)", c.Field, c.Values[0], c.Sources[0], c.Values[1], c.Sources[1])
}

// Report is the outcome of a reconciliation.
type Report struct {
	Symbol       string            `json:"symbol"`
	DataType     provider.DataType `json:"data_type"`
	Observations []Observation     `json:"observations"`
	Conflicts    []Conflict        `json:"conflicts"`
	// Consistency is 1 minus the summed conflict severities, floored at 0.
	Consistency float64 `json:"consistency"`
	// ReferencePrice is the median observed price.
	ReferencePrice float64 `json:"reference_price,omitempty"`
}

const (
	FieldPrice = "price"
	FieldName  = "name"

	nameSeverity = 0.2
)

// priceSeverity grades a relative price gap. Gaps of 5% or less agree.
func priceSeverity(diff float64) float64 {
	switch {
	case diff > 0.20:
		return 0.5
	case diff > 0.10:
		return 0.3
	case diff > 0.05:
		return 0.2
	default:
		return 0
	}
}

// Extract pulls the current price (latest close or quote price) and the
// company name out of d.
func Extract(d *normalize.NormalizedData) Observation {
	obs := Observation{Source: d.Source, AsOf: d.Metadata.NormalizedAt, Quality: d.Quality.Overall}
	switch rs := d.Records.(type) {
	case []normalize.PriceBar:
		if len(rs) > 0 {
			last := rs[len(rs)-1]
			obs.Price, obs.HasPrice, obs.AsOf = last.Close, true, last.Date
		}
	case []normalize.Quote:
		if len(rs) > 0 {
			obs.Price, obs.HasPrice = rs[0].Price, true
			if !rs[0].Timestamp.IsZero() {
				obs.AsOf = rs[0].Timestamp
			}
		}
	case []normalize.CompanyProfile:
		if len(rs) > 0 {
			obs.Name = strings.TrimSpace(rs[0].Name)
		}
	}
	return obs
}

// LatestBySource keeps the newest usable result per source, ordered by
// source name. For equal timestamps, later input wins.
func LatestBySource(data []*normalize.NormalizedData) []*normalize.NormalizedData {
	latest := make(map[provider.Source]*normalize.NormalizedData, len(data))
	for _, d := range data {
		if !d.OK() {
			continue
		}
		if cur, ok := latest[d.Source]; ok && d.Metadata.NormalizedAt.Before(cur.Metadata.NormalizedAt) {
			continue
		}
		latest[d.Source] = d
	}

	out := make([]*normalize.NormalizedData, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Reconcile compares every pair of sources and scores how well they agree.
// Prices conflict when they differ by more than 5% of the lower value, names
// when they differ ignoring case.
func Reconcile(symbol string, dt provider.DataType, data []*normalize.NormalizedData) Report {
	rep := Report{Symbol: symbol, DataType: dt, Consistency: 1, Conflicts: []Conflict{}}

	var prices stats.Float64Data
	for _, d := range LatestBySource(data) {
		obs := Extract(d)
		rep.Observations = append(rep.Observations, obs)
		if obs.HasPrice {
			prices = append(prices, obs.Price.InexactFloat64())
		}
	}
	if med, err := prices.Median(); err == nil {
		rep.ReferencePrice = med
	}

	total := 0.0
	for i := 0; i < len(rep.Observations); i++ {
		for j := i + 1; j < len(rep.Observations); j++ {
			a, b := rep.Observations[i], rep.Observations[j]
			if c, ok := comparePrice(a, b); ok {
				rep.Conflicts = append(rep.Conflicts, c)
				total += c.Severity
			}
			if c, ok := compareName(a, b); ok {
				rep.Conflicts = append(rep.Conflicts, c)
				total += c.Severity
			}
		}
	}
	rep.Consistency = max(0, 1-total)
	return rep
}

func comparePrice(a, b Observation) (Conflict, bool) {
	if !a.HasPrice || !b.HasPrice {
		return Conflict{}, false
	}
	lo := decimal.Min(a.Price, b.Price)
	if !lo.IsPositive() {
		return Conflict{}, false
	}
	diff := a.Price.Sub(b.Price).Abs().Div(lo).InexactFloat64()
	sev := priceSeverity(diff)
	if sev == 0 {
		return Conflict{}, false
	}
	return Conflict{
		Field:      FieldPrice,
		Sources:    [2]provider.Source{a.Source, b.Source},
		Values:     [2]string{a.Price.String(), b.Price.String()},
		Difference: diff,
		Severity:   sev,
	}, true
}

func compareName(a, b Observation) (Conflict, bool) {
	if a.Name == "" || b.Name == "" || strings.EqualFold(a.Name, b.Name) {
		return Conflict{}, false
	}
	return Conflict{
		Field:    FieldName,
		Sources:  [2]provider.Source{a.Source, b.Source},
		Values:   [2]string{a.Name, b.Name},
		Severity: nameSeverity,
	}, true
}
