package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimelinessBands(t *testing.T) {
	t.Parallel()

	limit := time.Hour
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{time.Hour, 1},
		{90 * time.Minute, 0.8},
		{2 * time.Hour, 0.8},
		{3 * time.Hour, 0.6},
		{4 * time.Hour, 0.6},
		{5 * time.Hour, 0.3},
	}
	for _, tt := range tests {
		require.InDelta(t, tt.want, timeliness(tt.age, limit), 1e-9, "age %s", tt.age)
	}
}

func TestFreshness(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, freshness(time.Hour, time.Hour), 1e-9)
	require.InDelta(t, 0.5, freshness(150*time.Minute, time.Hour), 1e-9)
	require.InDelta(t, 0.0, freshness(10*time.Hour, time.Hour), 1e-9)
}

func TestLevelFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, LevelHigh, LevelFor(0.9))
	require.Equal(t, LevelMedium, LevelFor(0.89))
	require.Equal(t, LevelMedium, LevelFor(0.7))
	require.Equal(t, LevelLow, LevelFor(0.5))
	require.Equal(t, LevelInvalid, LevelFor(0.49))
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-02", "2024-01-02 00:00:00", "2024-01-02T00:00:00Z", "1704153600"} {
		got, ok := parseTime(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "0", "yesterday"} {
		_, ok := parseTime(in)
		require.False(t, ok, in)
	}
}
