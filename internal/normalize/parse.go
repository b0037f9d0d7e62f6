package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var timeLayouts = []string{
	time.RFC3339,
	time.DateTime,
	time.DateOnly,
	"2006-01",
}

// parseTime reads ISO dates, ISO timestamps and unix seconds. Values without
// a zone are taken as UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, false
		}
		return time.Unix(secs, 0).UTC(), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseDecimal reads a provider number. Thousands separators are tolerated.
func parseDecimal(n json.Number) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(n.String()), ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func decimalOrZero(n json.Number) decimal.Decimal {
	d, _ := parseDecimal(n)
	return d
}

func present(s string) bool { return strings.TrimSpace(s) != "" }

func presentNum(n json.Number) bool {
	_, ok := parseDecimal(n)
	return ok
}
