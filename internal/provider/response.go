package provider

import (
	"encoding/json"
	"errors"
	"time"
)

// UpgradePrompt tells a tier-gated caller what it would need to access the
// requested data. The orchestrator passes it through untouched.
type UpgradePrompt struct {
	RequiredTier string   `json:"required_tier"`
	CurrentTier  string   `json:"current_tier"`
	DataType     DataType `json:"data_type"`
	Source       Source   `json:"source"`
	Message      string   `json:"message"`
}

// DataResponse is what every orchestrator call returns. Callers branch on
// Success and read Error for a human readable reason.
type DataResponse struct {
	Success       bool           `json:"success"`
	Data          any            `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Source        Source         `json:"source,omitempty"`
	Symbol        string         `json:"symbol"`
	DataType      DataType       `json:"data_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Elapsed       time.Duration  `json:"-"`
	Cached        bool           `json:"cached"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UpgradePrompt *UpgradePrompt `json:"upgrade_prompt,omitempty"`
}

// MarshalJSON adds elapsed milliseconds, which reads better than nanoseconds.
func (r DataResponse) MarshalJSON() ([]byte, error) {
	type alias DataResponse
	return json.Marshal(struct {
		alias
		ElapsedMS float64 `json:"elapsed_ms"`
	}{alias: alias(r), ElapsedMS: float64(r.Elapsed.Microseconds()) / 1000})
}

// Failure builds an unsuccessful response for req from err.
func Failure(req *DataRequest, err error) *DataResponse {
	resp := &DataResponse{
		Symbol:    req.Symbol(),
		DataType:  req.DataType(),
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
		ErrorKind: KindOf(err),
		Metadata:  map[string]any{"request_id": req.ID()},
	}
	var pe *Error
	if errors.As(err, &pe) {
		resp.Source = pe.Source
		resp.UpgradePrompt = pe.UpgradePrompt
	}
	return resp
}
