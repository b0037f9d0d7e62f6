// Package metrics holds the Prometheus collectors for the orchestrator.
//
// Registers:
//
//	marketdata_requests_total
//	marketdata_cache_lookups_total
//	marketdata_provider_calls_total
//	marketdata_failovers_total
//	marketdata_request_duration_seconds
//	marketdata_source_healthy
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "marketdata"

// Metrics is the set of orchestrator collectors.
type Metrics struct {
	requests      *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	failovers     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	sourceHealthy *prometheus.GaugeVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Orchestrator requests by data type, serving source and outcome.",
			},
			[]string{"data_type", "source", "status"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result.",
			},
			[]string{"result"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider adapter calls by source and outcome (ok or error kind).",
			},
			[]string{"source", "outcome"},
		),
		failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failovers_total",
				Help:      "Failover attempts from one source to another.",
			},
			[]string{"from", "to"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End to end orchestrator request latency.",
				Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"data_type"},
		),
		sourceHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_healthy",
				Help:      "1 when the source is available for routing, 0 otherwise.",
			},
			[]string{"source"},
		),
	}

	for _, c := range []prometheus.Collector{m.requests, m.cacheLookups, m.providerCalls, m.failovers, m.duration, m.sourceHealthy} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// ObserveRequest counts one finished orchestrator request.
func (m *Metrics) ObserveRequest(dataType, source, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(dataType, source, status).Inc()
	m.duration.WithLabelValues(dataType).Observe(elapsed.Seconds())
}

// CacheLookup counts one cache read by result (hit, miss, expired, error).
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ProviderCall counts one adapter call.
func (m *Metrics) ProviderCall(source, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(source, outcome).Inc()
}

// Failover counts one failover.
func (m *Metrics) Failover(from, to string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(from, to).Inc()
}

// SetSourceHealthy publishes source availability.
func (m *Metrics) SetSourceHealthy(source string, available bool) {
	if m == nil {
		return
	}
	v := 0.0
	if available {
		v = 1
	}
	m.sourceHealthy.WithLabelValues(source).Set(v)
}
