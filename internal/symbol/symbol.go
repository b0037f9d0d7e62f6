package symbol

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Type is the market classification of a ticker.
type Type string

const (
	TypeTaiwan        Type = "TAIWAN_STOCK"
	TypeUS            Type = "US_STOCK"
	TypeHK            Type = "HK_STOCK"
	TypeJapan         Type = "JAPAN_STOCK"
	TypeUK            Type = "UK_STOCK"
	TypeInternational Type = "INTERNATIONAL"
	TypeUnknown       Type = "UNKNOWN"
)

// Info is the derived classification of a single ticker string.
type Info struct {
	Original   string `json:"original"`
	Normalized string `json:"normalized"`
	Type       Type   `json:"type"`
	Market     string `json:"market"`
	Country    string `json:"country"`
	Currency   string `json:"currency"`
	Exchange   string `json:"exchange"`
}

// Code returns the bare instrument code without exchange suffix,
// e.g. "2330" for "2330.TW".
func (i Info) Code() string {
	if idx := strings.IndexByte(i.Normalized, '.'); idx > 0 {
		return i.Normalized[:idx]
	}
	return i.Normalized
}

type suffixInfo struct {
	country  string
	currency string
	exchange string
}

var suffixes = map[string]suffixInfo{
	"SS": {"CN", "CNY", "SSE"},
	"SZ": {"CN", "CNY", "SZSE"},
	"KS": {"KR", "KRW", "KRX"},
	"KQ": {"KR", "KRW", "KOSDAQ"},
	"TO": {"CA", "CAD", "TSX"},
	"AX": {"AU", "AUD", "ASX"},
	"PA": {"FR", "EUR", "EPA"},
	"DE": {"DE", "EUR", "XETRA"},
	"SI": {"SG", "SGD", "SGX"},
}

var (
	reTaiwanBare   = regexp.MustCompile(`^\d{4}$`)
	reTaiwanListed = regexp.MustCompile(`^(\d{4,6})\.(TW|TWO)$`)
	reHongKong     = regexp.MustCompile(`^\d+\.HK$`)
	reUS           = regexp.MustCompile(`^[A-Z]{1,5}$`)
	reJapan        = regexp.MustCompile(`^\d+\.T$`)
	reUK           = regexp.MustCompile(`^[A-Z]+\.L$`)
	reSuffixed     = regexp.MustCompile(`^[A-Z0-9\-]+\.([A-Z]+)$`)
)

// Classify applies the ordered pattern rules to a single ticker. It is a pure
// function of the upper-cased, trimmed input.
func Classify(raw string) Info {
	s := strings.ToUpper(strings.TrimSpace(raw))
	info := Info{Original: raw, Normalized: s}

	switch {
	case reTaiwanBare.MatchString(s):
		info.Type, info.Market, info.Country, info.Currency, info.Exchange = TypeTaiwan, "TW", "TW", "TWD", "TPE"
	case reTaiwanListed.MatchString(s):
		m := reTaiwanListed.FindStringSubmatch(s)
		info.Type, info.Market, info.Country, info.Currency, info.Exchange = TypeTaiwan, "TW", "TW", "TWD", "TPE"
		if m[2] == "TWO" {
			info.Exchange = "TPEX"
		}
	case reHongKong.MatchString(s):
		info.Type, info.Market, info.Country, info.Currency, info.Exchange = TypeHK, "HK", "HK", "HKD", "HKEX"
	case reUS.MatchString(s):
		// The listing venue is not derivable from the ticker alone.
		info.Type, info.Market, info.Country, info.Currency, info.Exchange = TypeUS, "US", "US", "USD", "NASDAQ"
	case reJapan.MatchString(s):
		info.Type, info.Market, info.Country, info.Currency, info.Exchange = TypeJapan, "JP", "JP", "JPY", "TSE"
	case reUK.MatchString(s):
		info.Type, info.Market, info.Country, info.Currency, info.Exchange = TypeUK, "UK", "GB", "GBP", "LSE"
	case reSuffixed.MatchString(s):
		m := reSuffixed.FindStringSubmatch(s)
		info.Type = TypeInternational
		if si, ok := suffixes[m[1]]; ok {
			info.Market, info.Country, info.Currency, info.Exchange = si.country, si.country, si.currency, si.exchange
		} else {
			info.Market, info.Country, info.Currency, info.Exchange = "INTL", "", "USD", "UNKNOWN"
		}
	default:
		info.Type, info.Market, info.Currency, info.Exchange = TypeUnknown, "UNKNOWN", "USD", "UNKNOWN"
	}
	return info
}

// DefaultMemoSize bounds the classifier memo.
const DefaultMemoSize = 10_000

// Classifier memoizes Classify results in a bounded LRU.
type Classifier struct {
	memo *lru.Cache[string, Info]
}

// NewClassifier returns a classifier whose memo holds at most size entries.
func NewClassifier(size int) *Classifier {
	if size <= 0 {
		size = DefaultMemoSize
	}
	memo, _ := lru.New[string, Info](size)
	return &Classifier{memo: memo}
}

// Classify returns the memoized classification for raw. Original is always
// the caller's raw string even when the memo entry came from a differently
// cased spelling.
func (c *Classifier) Classify(raw string) Info {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if info, ok := c.memo.Get(key); ok {
		info.Original = raw
		return info
	}
	info := Classify(raw)
	c.memo.Add(key, info)
	return info
}

// Len reports the number of memoized symbols.
func (c *Classifier) Len() int { return c.memo.Len() }
