package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/normalize"
	"marketdata/internal/provider"
)

var t0 = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

func quoteData(src provider.Source, price string, at time.Time) *normalize.NormalizedData {
	return &normalize.NormalizedData{
		Symbol:   "2330",
		DataType: provider.DataTypeQuote,
		Source:   src,
		Status:   normalize.StatusSuccess,
		Metadata: normalize.Metadata{NormalizedAt: at},
		Records:  []normalize.Quote{{Price: decimal.RequireFromString(price), Timestamp: at}},
	}
}

func profileData(src provider.Source, name string) *normalize.NormalizedData {
	return &normalize.NormalizedData{
		Symbol:   "2330",
		DataType: provider.DataTypeProfile,
		Source:   src,
		Status:   normalize.StatusSuccess,
		Metadata: normalize.Metadata{NormalizedAt: t0},
		Records:  []normalize.CompanyProfile{{Name: name}},
	}
}

func TestReconcile_PriceSeverityBands(t *testing.T) {
	cases := []struct {
		other    string
		severity float64
	}{
		{"104", 0},
		{"106", 0.2},
		{"111", 0.3},
		{"125", 0.5},
	}
	for _, c := range cases {
		in := []*normalize.NormalizedData{
			quoteData(provider.SourceFinMind, "100", t0),
			quoteData(provider.SourceFinnhub, c.other, t0),
		}
		rep := Reconcile("2330", provider.DataTypeQuote, in)

		if c.severity == 0 {
			if len(rep.Conflicts) != 0 || rep.Consistency != 1 {
				t.Fatalf("%s: want agreement, got %+v", c.other, rep)
			}
			continue
		}
		if len(rep.Conflicts) != 1 {
			t.Fatalf("%s: want 1 conflict, got %+v", c.other, rep.Conflicts)
		}
		if got := rep.Conflicts[0].Severity; got != c.severity {
			t.Fatalf("%s: severity want %v got %v", c.other, c.severity, got)
		}
		if math.Abs(rep.Consistency-(1-c.severity)) > 1e-9 {
			t.Fatalf("%s: consistency want %v got %v", c.other, 1-c.severity, rep.Consistency)
		}
	}
}

func TestReconcile_DifferenceUsesLowerPrice(t *testing.T) {
	// 105.5 vs 100 is 5.5% of the lower value but only 5.2% of the higher.
	in := []*normalize.NormalizedData{
		quoteData(provider.SourceFinnhub, "105.5", t0),
		quoteData(provider.SourceFinMind, "100", t0),
	}
	rep := Reconcile("2330", provider.DataTypeQuote, in)
	if len(rep.Conflicts) != 1 {
		t.Fatalf("want 1 conflict, got %+v", rep.Conflicts)
	}
	c := rep.Conflicts[0]
	if c.Sources[0] != provider.SourceFinMind || c.Values[0] != "100" {
		t.Fatalf("observations should be ordered by source: %+v", c)
	}
	if math.Abs(c.Difference-0.055) > 1e-9 {
		t.Fatalf("difference want 0.055 got %v", c.Difference)
	}
	if rep.ReferencePrice != 102.75 {
		t.Fatalf("reference price want 102.75 got %v", rep.ReferencePrice)
	}
}

func TestReconcile_NameMismatchIsCaseInsensitive(t *testing.T) {
	same := Reconcile("2330", provider.DataTypeProfile, []*normalize.NormalizedData{
		profileData(provider.SourceFinMind, "Taiwan Semiconductor"),
		profileData(provider.SourceFinnhub, "TAIWAN SEMICONDUCTOR"),
	})
	if len(same.Conflicts) != 0 {
		t.Fatalf("case-only difference flagged: %+v", same.Conflicts)
	}

	diff := Reconcile("2330", provider.DataTypeProfile, []*normalize.NormalizedData{
		profileData(provider.SourceFinMind, "台積電"),
		profileData(provider.SourceFinnhub, "Taiwan Semiconductor Manufacturing"),
	})
	if len(diff.Conflicts) != 1 || diff.Conflicts[0].Field != FieldName || diff.Conflicts[0].Severity != 0.2 {
		t.Fatalf("unexpected conflicts: %+v", diff.Conflicts)
	}
	if math.Abs(diff.Consistency-0.8) > 1e-9 {
		t.Fatalf("consistency want 0.8 got %v", diff.Consistency)
	}
}

func TestReconcile_ConsistencyFloorsAtZero(t *testing.T) {
	in := []*normalize.NormalizedData{
		quoteData(provider.SourceFinMind, "100", t0),
		quoteData(provider.SourceFinnhub, "150", t0),
		quoteData(provider.SourceStub, "300", t0),
	}
	rep := Reconcile("2330", provider.DataTypeQuote, in)
	if len(rep.Conflicts) != 3 {
		t.Fatalf("want 3 conflicts, got %d", len(rep.Conflicts))
	}
	if rep.Consistency != 0 {
		t.Fatalf("consistency want 0 got %v", rep.Consistency)
	}
}

func TestLatestBySource_NewestWinsAndFailuresSkipped(t *testing.T) {
	t1 := t0.Add(time.Minute)
	failed := quoteData(provider.SourceFinnhub, "1", t1)
	failed.Status = normalize.StatusFailed

	in := []*normalize.NormalizedData{
		quoteData(provider.SourceFinMind, "100", t1),
		quoteData(provider.SourceFinMind, "99", t0),
		quoteData(provider.SourceFinnhub, "101", t0),
		failed,
	}
	out := LatestBySource(in)
	if len(out) != 2 {
		t.Fatalf("want 2, got %d", len(out))
	}
	if got := Extract(out[0]); got.Source != provider.SourceFinMind || !got.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected finmind row: %+v", got)
	}
	if got := Extract(out[1]); !got.Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("failed result should not replace a good one: %+v", got)
	}
}

func TestExtract_LatestClose(t *testing.T) {
	d := &normalize.NormalizedData{
		Source: provider.SourceFinMind,
		Status: normalize.StatusSuccess,
		Records: []normalize.PriceBar{
			{Date: t0.AddDate(0, 0, -1), Close: decimal.NewFromInt(580)},
			{Date: t0, Close: decimal.NewFromInt(585)},
		},
	}
	obs := Extract(d)
	if !obs.HasPrice || !obs.Price.Equal(decimal.NewFromInt(585)) || !obs.AsOf.Equal(t0) {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}
