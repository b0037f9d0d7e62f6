package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketdata/internal/app"
	"marketdata/internal/config"
	"marketdata/internal/logger"
	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Orchestrator.Stub = true
	cfg.Routing.ProbeEnabled = false
	a, err := app.New(t.Context(), cfg, app.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return newHandler(a)
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type dataBody struct {
	Success       bool                    `json:"success"`
	Source        provider.Source         `json:"source"`
	Cached        bool                    `json:"cached"`
	ErrorKind     provider.ErrorKind      `json:"error_kind"`
	UpgradePrompt *provider.UpgradePrompt `json:"upgrade_prompt"`
	Metadata      map[string]any          `json:"metadata"`
}

func TestData_ServesAndCaches(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/data?symbol=2330&type=price", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}
	var first dataBody
	if err := json.Unmarshal(rr.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.Success || first.Source != provider.SourceFinMind || first.Cached {
		t.Fatalf("unexpected: %+v", first)
	}

	rr = do(t, h, http.MethodGet, "/api/v1/data?symbol=2330&type=price", "", "X-Request-ID", "req-42")
	var second dataBody
	if err := json.Unmarshal(rr.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Cached || second.Metadata["request_id"] != "req-42" {
		t.Fatalf("want cached response with caller id, got %+v", second)
	}
}

func TestData_TierGate(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/data?symbol=AAPL&type=financials&tier=free", "", "X-User-ID", "u-7")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var got dataBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ErrorKind != provider.KindPermission || got.UpgradePrompt == nil || got.UpgradePrompt.RequiredTier != "premium" {
		t.Fatalf("unexpected: %+v", got)
	}

	rr = do(t, h, http.MethodGet, "/api/v1/data?symbol=AAPL&type=financials", "", "X-User-Tier", "premium")
	if rr.Code != http.StatusOK {
		t.Fatalf("premium status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestData_AnonymousCallerIsFreeTier(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/data?symbol=2330&type=institutional", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var got dataBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UpgradePrompt == nil || got.UpgradePrompt.CurrentTier != "free" {
		t.Fatalf("unexpected: %+v", got)
	}

	if rr := do(t, h, http.MethodGet, "/api/v1/data?symbol=2330&type=quote", ""); rr.Code != http.StatusOK {
		t.Fatalf("free data status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestStatusFor_Canceled(t *testing.T) {
	resp := &provider.DataResponse{ErrorKind: provider.KindCanceled}
	if got := statusFor(resp); got != statusClientClosed {
		t.Fatalf("status=%d", got)
	}
}

func TestData_BadInput(t *testing.T) {
	h := newTestHandler(t)

	cases := map[string]string{
		"missing symbol": "/api/v1/data?type=price",
		"unknown type":   "/api/v1/data?symbol=2330&type=weather",
		"bad start":      "/api/v1/data?symbol=2330&start=01/02/2024",
		"reversed range": "/api/v1/data?symbol=2330&start=2024-02-01&end=2024-01-01",
		"unknown tier":   "/api/v1/data?symbol=2330&tier=gold",
	}
	for name, target := range cases {
		rr := do(t, h, http.MethodGet, target, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestData_UnsupportedCombination(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/data?symbol=AAPL&type=institutional", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBatch(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodPost, "/api/v1/batch", `{"symbols":["2330","aapl","AAPL"],"type":"quote"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var got struct {
		Results   map[string]dataBody `json:"results"`
		Succeeded int                 `json:"succeeded"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Results) != 2 || got.Succeeded != 2 {
		t.Fatalf("unexpected: %+v", got)
	}
	if got.Results["AAPL"].Source != provider.SourceFinnhub {
		t.Fatalf("AAPL served by %s", got.Results["AAPL"].Source)
	}

	for _, body := range []string{`{"symbols":[]}`, `{"symbols":["2330"],"extra":1}`, `not json`} {
		if rr := do(t, h, http.MethodPost, "/api/v1/batch", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", body, rr.Code)
		}
	}
}

func TestReconcile(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/reconcile?symbol=2330&type=quote", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var got struct {
		Observations []json.RawMessage `json:"observations"`
		Consistency  float64           `json:"consistency"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Both stubs derive prices from the same seed, so they agree.
	if len(got.Observations) != 2 || got.Consistency != 1 {
		t.Fatalf("unexpected: %s", rr.Body.String())
	}
}

func TestClassify(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/classify?symbol=0700.hk", "")
	var info symbol.Info
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Type != symbol.TypeHK || info.Normalized != "0700.HK" {
		t.Fatalf("unexpected: %+v", info)
	}
}

func TestCacheRoutes(t *testing.T) {
	h := newTestHandler(t)
	do(t, h, http.MethodGet, "/api/v1/data?symbol=2330", "")
	do(t, h, http.MethodGet, "/api/v1/data?symbol=2330&type=quote", "")

	rr := do(t, h, http.MethodDelete, "/api/v1/cache?symbol=2330", "")
	var del struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if del.Deleted != 2 {
		t.Fatalf("deleted %d", del.Deleted)
	}
	if rr := do(t, h, http.MethodDelete, "/api/v1/cache", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/api/v1/cache/stats", "")
	var stats struct {
		Orchestrator struct {
			Requests int64 `json:"requests"`
		} `json:"orchestrator"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Orchestrator.Requests != 2 {
		t.Fatalf("requests %d", stats.Orchestrator.Requests)
	}
}

func TestHealthSourcesAndMetrics(t *testing.T) {
	h := newTestHandler(t)

	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/api/v1/sources", "")
	if !strings.Contains(rr.Body.String(), `"finmind"`) {
		t.Fatalf("sources: %s", rr.Body.String())
	}

	do(t, h, http.MethodGet, "/api/v1/data?symbol=2330", "")
	rr = do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "marketdata_requests_total") {
		t.Fatalf("metrics status=%d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodOptions, "/api/v1/data", "",
		"Origin", "https://example.com",
		"Access-Control-Request-Method", http.MethodGet,
	)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
}

func TestGzip(t *testing.T) {
	h := newTestHandler(t)

	rr := do(t, h, http.MethodGet, "/api/v1/classify?symbol=AAPL", "", "Accept-Encoding", "gzip")
	if rr.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("not compressed: %v", rr.Header())
	}
}
