package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"marketdata/internal/app"
	"marketdata/internal/logger"
	"marketdata/internal/orchestrator"
	"marketdata/internal/provider"
)

const maxBatchSymbols = 1000

// statusClientClosed is the nginx convention for a client that hung up.
const statusClientClosed = 499

type server struct {
	orch    *orchestrator.Orchestrator
	log     *logger.Entry
	timeout time.Duration
}

// newHandler builds the full HTTP handler: API routes behind the JSON
// middleware, /metrics beside them, CORS and body limits around both.
func newHandler(a *app.App) http.Handler {
	s := &server{
		orch:    a.Orchestrator,
		log:     a.Log.WithComponent("http"),
		timeout: time.Duration(a.Config.Server.RequestTimeoutSec) * time.Second,
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", s.handleHealth)
	api.HandleFunc("GET /api/v1/data", s.handleData)
	api.HandleFunc("POST /api/v1/batch", s.handleBatch)
	api.HandleFunc("GET /api/v1/reconcile", s.handleReconcile)
	api.HandleFunc("GET /api/v1/classify", s.handleClassify)
	api.HandleFunc("GET /api/v1/sources", s.handleSources)
	api.HandleFunc("GET /api/v1/cache/stats", s.handleCacheStats)
	api.HandleFunc("DELETE /api/v1/cache", s.handleCacheDelete)

	root := http.NewServeMux()
	root.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	root.Handle("/", withJSONHeaders(withGzip(api)))

	c := cors.New(cors.Options{
		AllowedOrigins: a.Config.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID", "X-User-Tier", "X-Request-ID"},
	})
	return c.Handler(s.recoverPanic(limitBody(a.Config.Server.MaxBodyBytes, root)))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.orch.SourceStatus()
	available := 0
	for _, src := range st.Sources {
		if src.Available {
			available++
		}
	}
	status, code := "ok", http.StatusOK
	if available == 0 {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"sources_available": available,
		"sources_total":     len(st.Sources),
		"uptime_sec":        int64(s.orch.Stats().Uptime.Seconds()),
	})
}

func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym := strings.TrimSpace(q.Get("symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return
	}
	dt, err := parseType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := requestOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	resp := s.orch.Execute(ctx, provider.NewRequest(sym, dt, opts...))
	writeJSON(w, statusFor(resp), resp)
}

type batchBody struct {
	Symbols []string `json:"symbols"`
	Type    string   `json:"type"`
	Tier    string   `json:"tier"`
	Source  string   `json:"source"`
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var b batchBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(b.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols cannot be empty")
		return
	}
	if len(b.Symbols) > maxBatchSymbols {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many symbols (max %d)", maxBatchSymbols))
		return
	}
	dt, err := parseType(b.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var opts []provider.RequestOption
	if b.Source != "" {
		opts = append(opts, provider.WithSource(provider.ParseSource(b.Source)))
	}
	caller, err := callerFrom(r, b.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts = append(opts, provider.WithCaller(caller))

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	results := s.orch.Batch(ctx, b.Symbols, dt, opts...)
	failed := 0
	for _, resp := range results {
		if !resp.Success {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_type": dt,
		"results":   results,
		"succeeded": len(results) - failed,
		"failed":    failed,
	})
}

func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym := strings.TrimSpace(q.Get("symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return
	}
	dt, err := parseType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := requestOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.orch.CrossValidate(ctx, sym, dt, opts...))
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	sym := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Classify(sym))
}

func (s *server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.SourceStatus())
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache":        s.orch.CacheStats(),
		"orchestrator": s.orch.Stats(),
	})
}

func (s *server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern, sym := strings.TrimSpace(q.Get("pattern")), strings.TrimSpace(q.Get("symbol"))
	var n int
	switch {
	case pattern != "":
		n = s.orch.InvalidatePattern(r.Context(), pattern)
	case sym != "":
		n = s.orch.InvalidateSymbol(r.Context(), sym)
	default:
		writeError(w, http.StatusBadRequest, "pattern or symbol query param required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func parseType(s string) (provider.DataType, error) {
	if strings.TrimSpace(s) == "" {
		return provider.DataTypePrice, nil
	}
	dt, ok := provider.ParseDataType(s)
	if !ok {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return dt, nil
}

// requestOptions reads the optional query params shared by the data routes.
func requestOptions(r *http.Request) ([]provider.RequestOption, error) {
	q := r.URL.Query()
	var opts []provider.RequestOption

	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		v := strings.TrimSpace(q.Get(name))
		if v == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return nil, fmt.Errorf("%s must be YYYY-MM-DD", name)
		}
		*dst = t
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("end is before start")
	}
	if !start.IsZero() || !end.IsZero() {
		opts = append(opts, provider.WithDateRange(start, end))
	}
	if v := q.Get("source"); v != "" {
		opts = append(opts, provider.WithSource(provider.ParseSource(v)))
	}
	if v := q.Get("resolution"); v != "" {
		opts = append(opts, provider.WithParam("resolution", v))
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		opts = append(opts, provider.WithRequestID(id))
	}
	caller, err := callerFrom(r, q.Get("tier"))
	if err != nil {
		return nil, err
	}
	return append(opts, provider.WithCaller(caller)), nil
}

// callerFrom builds the caller identity. An explicit tier wins over the
// X-User-Tier header; anonymous HTTP callers are on the free tier.
func callerFrom(r *http.Request, tier string) (provider.Caller, error) {
	if tier == "" {
		tier = r.Header.Get("X-User-Tier")
	}
	if tier == "" {
		return provider.Caller{UserID: r.Header.Get("X-User-ID"), Tier: provider.TierFree}, nil
	}
	t, ok := provider.ParseTier(tier)
	if !ok {
		return provider.Caller{}, fmt.Errorf("unknown tier %q", tier)
	}
	return provider.Caller{UserID: r.Header.Get("X-User-ID"), Tier: t}, nil
}

// statusFor maps a failed response's kind onto an HTTP status.
func statusFor(resp *provider.DataResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorKind {
	case provider.KindPermission:
		return http.StatusForbidden
	case provider.KindNotFound:
		return http.StatusNotFound
	case provider.KindUnprocessable:
		return http.StatusUnprocessableEntity
	case provider.KindRateLimit:
		return http.StatusTooManyRequests
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	case provider.KindNetwork, provider.KindAPI:
		return http.StatusBadGateway
	case provider.KindConfig:
		return http.StatusServiceUnavailable
	case provider.KindCanceled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses response when client supports gzip.
func withGzip(next http.Handler) http.Handler {
	gzPool := sync.Pool{New: func() any {
		// JSON compresses well enough at best speed
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		next.ServeHTTP(gzipResponseWriter{ResponseWriter: w, Writer: gz}, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(maxBody int64, next http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic protects handlers from panics.
func (s *server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithFields(logger.Fields{
					"path":  r.URL.Path,
					"panic": fmt.Sprint(rec),
				}).Error("handler panicked")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
