package routing

import (
	"marketdata/internal/logger"
	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

const (
	optimizeMinSamples = 10
	optimizeMaxRate    = 0.8
	optimizeMinGain    = 0.1
	fallbackMinSamples = 5
)

type perfKey struct {
	st  symbol.Type
	dt  provider.DataType
	src provider.Source
}

type perfCounter struct {
	ok, failed int
}

func (c perfCounter) total() int { return c.ok + c.failed }

func (c perfCounter) rate() float64 {
	if c.total() == 0 {
		return 0
	}
	return float64(c.ok) / float64(c.total())
}

// RuleChange describes one promotion made by Optimize.
type RuleChange struct {
	SymbolType symbol.Type       `json:"symbol_type"`
	DataType   provider.DataType `json:"data_type"`
	From       provider.Source   `json:"from"`
	To         provider.Source   `json:"to"`
	FromRate   float64           `json:"from_rate"`
	ToRate     float64           `json:"to_rate"`
}

// RecordResult counts one call outcome for rule optimization.
func (e *Engine) RecordResult(t symbol.Type, dt provider.DataType, src provider.Source, ok bool) {
	e.perfMu.Lock()
	defer e.perfMu.Unlock()
	k := perfKey{t, dt, src}
	c, found := e.perf[k]
	if !found {
		c = &perfCounter{}
		e.perf[k] = c
	}
	if ok {
		c.ok++
	} else {
		c.failed++
	}
}

// ResetCounters clears the optimization counters.
func (e *Engine) ResetCounters() {
	e.perfMu.Lock()
	defer e.perfMu.Unlock()
	e.perf = map[perfKey]*perfCounter{}
}

// Optimize promotes a fallback over a primary that succeeds less than 80% of
// the time across at least ten calls, when the fallback does at least ten
// points better. The demoted primary becomes the first fallback.
func (e *Engine) Optimize() []RuleChange {
	e.perfMu.Lock()
	perf := make(map[perfKey]perfCounter, len(e.perf))
	for k, c := range e.perf {
		perf[k] = *c
	}
	e.perfMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	var changes []RuleChange
	for key, rule := range e.rules {
		primary := perf[perfKey{key.st, key.dt, rule.Primary}]
		if primary.total() < optimizeMinSamples || primary.rate() >= optimizeMaxRate {
			continue
		}

		best, bestIdx, bestRate := provider.Source(""), -1, primary.rate()+optimizeMinGain
		for i, fb := range rule.Fallbacks {
			c := perf[perfKey{key.st, key.dt, fb}]
			if c.total() < fallbackMinSamples {
				continue
			}
			if c.rate() >= bestRate {
				best, bestIdx, bestRate = fb, i, c.rate()
			}
		}
		if bestIdx < 0 {
			continue
		}

		fallbacks := make([]provider.Source, 0, len(rule.Fallbacks))
		fallbacks = append(fallbacks, rule.Primary)
		for i, fb := range rule.Fallbacks {
			if i != bestIdx {
				fallbacks = append(fallbacks, fb)
			}
		}
		change := RuleChange{
			SymbolType: key.st, DataType: key.dt,
			From: rule.Primary, To: best,
			FromRate: primary.rate(), ToRate: bestRate,
		}
		rule.Primary, rule.Fallbacks = best, fallbacks
		e.rules[key] = rule
		changes = append(changes, change)

		e.log.WithFields(logger.Fields{
			"symbol_type": change.SymbolType,
			"data_type":   change.DataType,
			"from":        change.From,
			"to":          change.To,
			"from_rate":   change.FromRate,
			"to_rate":     change.ToRate,
		}).Info("routing rule promoted fallback")
	}
	return changes
}
