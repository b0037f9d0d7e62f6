package cache

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"marketdata/internal/provider"
)

const (
	DefaultNamespace = "marketdata"
	DefaultVersion   = "v1"
	noParams         = "none"
)

// Keys builds cache keys of the form
// {namespace}:{version}:{source}:{data_type}:{SYMBOL}:{params_hash}.
type Keys struct {
	Namespace string
	Version   string
}

func (k Keys) prefix() string {
	ns, v := k.Namespace, k.Version
	if ns == "" {
		ns = DefaultNamespace
	}
	if v == "" {
		v = DefaultVersion
	}
	return ns + ":" + v
}

// Build returns the key for one (source, data type, symbol, params) tuple.
func (k Keys) Build(src provider.Source, dt provider.DataType, sym string, params map[string]string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", k.prefix(), src, dt, strings.ToUpper(sym), ParamsHash(params))
}

// SymbolPattern matches every entry of sym across sources, data types and
// params.
func (k Keys) SymbolPattern(sym string) string {
	return fmt.Sprintf("%s:*:*:%s:*", k.prefix(), strings.ToUpper(sym))
}

// SourceOf extracts the source segment of key, or "unknown".
func SourceOf(key string) string {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 4 {
		return "unknown"
	}
	return parts[2]
}

// ParamsHash is a 16-hex xxhash digest of the sorted k=v pairs joined by &,
// or "none" when there are no params.
func ParamsHash(params map[string]string) string {
	if len(params) == 0 {
		return noParams
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(params[key])
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}
