package routing

import (
	"slices"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// Priority ranks how critical a rule's data is.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Rule maps a (symbol type, data type) pair onto a primary source and an
// ordered list of fallbacks.
type Rule struct {
	SymbolType symbol.Type       `json:"symbol_type"`
	DataType   provider.DataType `json:"data_type"`
	Primary    provider.Source   `json:"primary"`
	Fallbacks  []provider.Source `json:"fallbacks"`
	Priority   Priority          `json:"priority"`
}

func (r Rule) clone() Rule {
	r.Fallbacks = slices.Clone(r.Fallbacks)
	return r
}

type ruleKey struct {
	st symbol.Type
	dt provider.DataType
}

func (r Rule) key() ruleKey { return ruleKey{r.SymbolType, r.DataType} }

// DefaultRules seeds the routing table: Taiwan listings go to FinMind,
// everything else to Finnhub, with cross-provider fallbacks where both
// providers carry the feed.
func DefaultRules() []Rule {
	const (
		finmind = provider.SourceFinMind
		finnhub = provider.SourceFinnhub
	)
	rules := []Rule{
		{symbol.TypeTaiwan, provider.DataTypePrice, finmind, []provider.Source{finnhub}, PriorityCritical},
		{symbol.TypeTaiwan, provider.DataTypeCandles, finmind, []provider.Source{finnhub}, PriorityCritical},
		{symbol.TypeTaiwan, provider.DataTypeQuote, finmind, []provider.Source{finnhub}, PriorityCritical},
		{symbol.TypeTaiwan, provider.DataTypeProfile, finmind, []provider.Source{finnhub}, PriorityNormal},
		{symbol.TypeTaiwan, provider.DataTypeNews, finmind, []provider.Source{finnhub}, PriorityNormal},
		{symbol.TypeTaiwan, provider.DataTypeFinancials, finmind, nil, PriorityNormal},
		{symbol.TypeTaiwan, provider.DataTypeInstitutional, finmind, nil, PriorityNormal},

		{symbol.TypeUS, provider.DataTypePrice, finnhub, []provider.Source{finmind}, PriorityCritical},
		{symbol.TypeUS, provider.DataTypeCandles, finnhub, []provider.Source{finmind}, PriorityCritical},
		{symbol.TypeUS, provider.DataTypeQuote, finnhub, nil, PriorityCritical},
		{symbol.TypeUS, provider.DataTypeProfile, finnhub, nil, PriorityNormal},
		{symbol.TypeUS, provider.DataTypeNews, finnhub, nil, PriorityNormal},
		{symbol.TypeUS, provider.DataTypeFinancials, finnhub, nil, PriorityNormal},
	}
	for _, st := range []symbol.Type{symbol.TypeHK, symbol.TypeJapan, symbol.TypeUK, symbol.TypeInternational} {
		for _, dt := range provider.DataTypes {
			if dt == provider.DataTypeInstitutional {
				continue
			}
			rules = append(rules, Rule{st, dt, finnhub, nil, PriorityNormal})
		}
	}
	return rules
}

// defaultSource is the last-resort mapping used when no rule applies.
func defaultSource(t symbol.Type) provider.Source {
	if t == symbol.TypeTaiwan {
		return provider.SourceFinMind
	}
	return provider.SourceFinnhub
}
