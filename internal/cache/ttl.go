package cache

import (
	"time"

	"marketdata/internal/provider"
)

// DefaultTTL applies to combinations missing from the table.
const DefaultTTL = 5 * time.Minute

// TTLTable holds expiry per (source, data type).
type TTLTable map[provider.Source]map[provider.DataType]time.Duration

// DefaultTTLs reflects how quickly each feed changes upstream.
func DefaultTTLs() TTLTable {
	return TTLTable{
		provider.SourceFinMind: {
			provider.DataTypePrice:         5 * time.Minute,
			provider.DataTypeQuote:         time.Minute,
			provider.DataTypeCandles:       5 * time.Minute,
			provider.DataTypeProfile:       24 * time.Hour,
			provider.DataTypeNews:          30 * time.Minute,
			provider.DataTypeFinancials:    168 * time.Hour,
			provider.DataTypeInstitutional: time.Hour,
		},
		provider.SourceFinnhub: {
			provider.DataTypePrice:      5 * time.Minute,
			provider.DataTypeQuote:      time.Minute,
			provider.DataTypeCandles:    5 * time.Minute,
			provider.DataTypeProfile:    time.Hour,
			provider.DataTypeNews:       15 * time.Minute,
			provider.DataTypeFinancials: time.Hour,
		},
	}
}

// For returns the TTL for src and dt.
func (t TTLTable) For(src provider.Source, dt provider.DataType) time.Duration {
	if ttl, ok := t[src][dt]; ok && ttl > 0 {
		return ttl
	}
	return DefaultTTL
}

// Override sets one entry, creating the source row if needed.
func (t TTLTable) Override(src provider.Source, dt provider.DataType, ttl time.Duration) {
	if t[src] == nil {
		t[src] = map[provider.DataType]time.Duration{}
	}
	t[src][dt] = ttl
}

// Max is the longest TTL in the table.
func (t TTLTable) Max() time.Duration {
	longest := DefaultTTL
	for _, row := range t {
		for _, ttl := range row {
			longest = max(longest, ttl)
		}
	}
	return longest
}
