package stub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketdata/internal/provider"
	"marketdata/internal/provider/stub"
	"marketdata/internal/symbol"
)

func TestStub_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	p := stub.New(provider.SourceFinMind, stub.WithClock(func() time.Time { return now }))
	req := provider.NewRequest("2330", provider.DataTypePrice)

	a, err := p.Fetch(t.Context(), req, symbol.Classify("2330"))
	require.NoError(t, err)
	b, err := p.Fetch(t.Context(), req, symbol.Classify("2330"))
	require.NoError(t, err)

	require.Equal(t, a.Payload, b.Payload)
	require.Equal(t, 2, p.Calls())
	bars := a.Payload.(provider.Bars)
	require.Len(t, bars, 5)
	require.Equal(t, "2024-01-03", bars[4].Date)
}

func TestStub_FailureInjection(t *testing.T) {
	t.Parallel()

	p := stub.New(provider.SourceFinnhub)
	info := symbol.Classify("AAPL")
	boom := provider.Errorf(provider.KindTimeout, provider.SourceFinnhub, "deadline")

	p.FailNext(1, boom)
	_, err := p.Fetch(t.Context(), provider.NewRequest("AAPL", provider.DataTypeQuote), info)
	require.ErrorIs(t, err, boom)

	_, err = p.Fetch(t.Context(), provider.NewRequest("AAPL", provider.DataTypeQuote), info)
	require.NoError(t, err)

	p.SetFailure(boom)
	_, err = p.Fetch(t.Context(), provider.NewRequest("AAPL", provider.DataTypeQuote), info)
	require.Error(t, err)
	require.Equal(t, 3, p.Calls())
}

func TestStub_TiersAndPinnedPayload(t *testing.T) {
	t.Parallel()

	p := stub.New(provider.SourceStub, stub.WithTiers(provider.TierTable{provider.DataTypeNews: provider.TierBasic}))
	pinned := provider.NewsList{{Headline: "pinned", Published: "2024-01-02T00:00:00Z"}}
	p.SetPayload(provider.DataTypeNews, pinned)

	_, err := p.Fetch(t.Context(), provider.NewRequest("AAPL", provider.DataTypeNews,
		provider.WithCaller(provider.Caller{Tier: provider.TierFree})), symbol.Classify("AAPL"))
	require.Equal(t, provider.KindPermission, provider.KindOf(err))

	raw, err := p.Fetch(t.Context(), provider.NewRequest("AAPL", provider.DataTypeNews), symbol.Classify("AAPL"))
	require.NoError(t, err)
	require.Equal(t, pinned, raw.Payload)
}
