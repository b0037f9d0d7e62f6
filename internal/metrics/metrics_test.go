package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"marketdata/internal/metrics"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	// Arrange
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	// Act
	m.ObserveRequest("stock_price", "finmind", "success", 120*time.Millisecond)
	m.ObserveRequest("stock_price", "finmind", "success", 80*time.Millisecond)
	m.CacheLookup("hit")
	m.ProviderCall("finnhub", "timeout")
	m.Failover("finmind", "finnhub")
	m.SetSourceHealthy("finmind", false)
	m.SetSourceHealthy("finnhub", true)

	// Assert
	n, err := testutil.GatherAndCount(reg,
		"marketdata_requests_total",
		"marketdata_cache_lookups_total",
		"marketdata_provider_calls_total",
		"marketdata_failovers_total",
		"marketdata_request_duration_seconds",
		"marketdata_source_healthy",
	)
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	require.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.ObserveRequest("quote", "stub", "error", time.Second)
		m.CacheLookup("miss")
		m.ProviderCall("stub", "ok")
		m.Failover("a", "b")
		m.SetSourceHealthy("stub", true)
	})
}

func TestNewRegistry_RuntimeCollectors(t *testing.T) {
	t.Parallel()

	families, err := metrics.NewRegistry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
