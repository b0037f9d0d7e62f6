package provider

import (
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is the caller's subscription level used by permission checks.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
	TierEnterprise
)

var tierNames = [...]string{"free", "basic", "premium", "enterprise"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "unknown"
	}
	return tierNames[t]
}

// ParseTier maps a tier name to a Tier.
func ParseTier(s string) (Tier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == s {
			return Tier(i), true
		}
	}
	return TierFree, false
}

// Caller describes who is asking. A request without a caller is an internal
// system call and skips tier checks.
type Caller struct {
	UserID string
	Tier   Tier
}

// DataRequest is an immutable description of one data request.
type DataRequest struct {
	id       string
	symbol   string
	dataType DataType
	start    time.Time
	end      time.Time
	params   map[string]string
	source   Source
	caller   *Caller
}

// RequestOption configures a DataRequest at construction.
type RequestOption func(*DataRequest)

// WithDateRange bounds time-series requests. Zero values leave the bound open.
func WithDateRange(start, end time.Time) RequestOption {
	return func(r *DataRequest) {
		r.start = start
		r.end = end
	}
}

// WithParam adds one free-form parameter.
func WithParam(key, value string) RequestOption {
	return func(r *DataRequest) {
		if r.params == nil {
			r.params = map[string]string{}
		}
		r.params[key] = value
	}
}

// WithParams adds a copy of the given parameters.
func WithParams(params map[string]string) RequestOption {
	return func(r *DataRequest) {
		if len(params) == 0 {
			return
		}
		if r.params == nil {
			r.params = make(map[string]string, len(params))
		}
		maps.Copy(r.params, params)
	}
}

// WithSource pins the request to one provider when it is available.
func WithSource(s Source) RequestOption {
	return func(r *DataRequest) { r.source = s }
}

// WithCaller attaches caller identity and tier.
func WithCaller(c Caller) RequestOption {
	return func(r *DataRequest) { r.caller = &c }
}

// WithRequestID overrides the generated request id.
func WithRequestID(id string) RequestOption {
	return func(r *DataRequest) { r.id = id }
}

// NewRequest builds a request. The symbol is trimmed and upper-cased.
func NewRequest(sym string, dt DataType, opts ...RequestOption) *DataRequest {
	r := &DataRequest{
		symbol:   strings.ToUpper(strings.TrimSpace(sym)),
		dataType: dt,
		source:   SourceAuto,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.source == "" {
		r.source = SourceAuto
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	return r
}

func (r *DataRequest) ID() string {
	return r.id
}

func (r *DataRequest) Symbol() string {
	return r.symbol
}

func (r *DataRequest) DataType() DataType {
	return r.dataType
}

func (r *DataRequest) Start() time.Time {
	return r.start
}

func (r *DataRequest) End() time.Time {
	return r.end
}

func (r *DataRequest) PreferredSource() Source {
	return r.source
}

func (r *DataRequest) Param(key string) string {
	return r.params[key]
}

func (r *DataRequest) Params() map[string]string {
	return maps.Clone(r.params)
}

// Caller returns a copy of the caller, if any.
func (r *DataRequest) Caller() (Caller, bool) {
	if r.caller == nil {
		return Caller{}, false
	}
	return *r.caller, true
}

// KeyParams returns the parameters that distinguish cache entries: the
// free-form params plus the date range.
func (r *DataRequest) KeyParams() map[string]string {
	out := make(map[string]string, len(r.params)+2)
	maps.Copy(out, r.params)
	if !r.start.IsZero() {
		out["start"] = r.start.Format(time.DateOnly)
	}
	if !r.end.IsZero() {
		out["end"] = r.end.Format(time.DateOnly)
	}
	return out
}

// ForSymbol returns a copy of r for another symbol with a fresh id.
func (r *DataRequest) ForSymbol(sym string) *DataRequest {
	cp := *r
	cp.symbol = strings.ToUpper(strings.TrimSpace(sym))
	cp.params = maps.Clone(r.params)
	cp.id = uuid.NewString()
	return &cp
}
