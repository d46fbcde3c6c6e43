package marketdata

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestFixtureFreshness(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	f := NewFixture(DefaultFixtureConfig(), clock)

	f.SetPrice("ACME", types.ReferencePrice{Price: decimal.NewFromInt(100)})
	ref, err := f.GetReferencePrice(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !ref.IsFresh || !ref.IsMarketHours {
		t.Errorf("ref = %+v, want fresh during market hours", ref)
	}

	clock.Advance(10 * time.Minute)
	ref, err = f.GetReferencePrice(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if ref.IsFresh {
		t.Error("price still fresh after the freshness window")
	}

	f.PinPrice("ACME", types.ReferencePrice{Price: decimal.NewFromInt(101)})
	clock.Advance(24 * time.Hour)
	ref, err = f.GetReferencePrice(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !ref.IsFresh {
		t.Error("pinned price went stale")
	}

	if _, err := f.GetReferencePrice(context.Background(), "NOPE"); err == nil {
		t.Error("expected an error for an unpublished symbol")
	}
}

func TestFixtureHistoricalBarsSessionFilter(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC))
	f := NewFixture(DefaultFixtureConfig(), clock)

	bar := func(ts time.Time) types.Bar {
		return types.Bar{Timestamp: ts, Close: decimal.NewFromInt(100)}
	}
	monday := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	f.LoadBars("ACME", []types.Bar{
		bar(monday.Add(13*time.Hour + 30*time.Minute)), // open
		bar(monday.Add(15 * time.Hour)),                // mid-session
		bar(monday.Add(22 * time.Hour)),                // after hours
		bar(monday.AddDate(0, 0, 5).Add(15 * time.Hour)), // Saturday
		bar(monday.AddDate(0, 0, 7)),                   // next Monday, outside range
	})

	ctx := context.Background()
	end := monday.AddDate(0, 0, 6)

	got, err := f.GetHistoricalBars(ctx, "ACME", monday, end, 30, false)
	if err != nil {
		t.Fatalf("get bars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("intraday bars = %d, want the 2 in-session bars", len(got))
	}

	got, err = f.GetHistoricalBars(ctx, "ACME", monday, end, 30, true)
	if err != nil {
		t.Fatalf("get bars: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("after-hours bars = %d, want 4 inside the range", len(got))
	}

	// Daily bars carry no session; the flag is ignored.
	got, err = f.GetHistoricalBars(ctx, "ACME", monday, end, 24*60, false)
	if err != nil {
		t.Fatalf("get bars: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("daily bars = %d, want 4 inside the range", len(got))
	}

	if _, err := f.GetHistoricalBars(ctx, "NOPE", monday, end, 30, false); err == nil {
		t.Error("expected an error for an unloaded symbol")
	}
}

func TestReadBarsCSV(t *testing.T) {
	input := strings.Join([]string{
		"timestamp,open,high,low,close,volume,dividend",
		"2024-01-02,100,105,99,104,10000,",
		"2024-01-03T00:00:00Z,104,106,103,105,12000,0.25",
	}, "\n")

	bars, err := ReadBarsCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("read bars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if !bars[0].Close.Equal(decimal.NewFromInt(104)) {
		t.Errorf("first close = %s", bars[0].Close)
	}
	if !bars[0].Dividend.IsZero() {
		t.Errorf("first dividend = %s, want zero", bars[0].Dividend)
	}
	if !bars[1].Dividend.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("second dividend = %s", bars[1].Dividend)
	}
	if bars[0].Timestamp != time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) {
		t.Errorf("first timestamp = %s", bars[0].Timestamp)
	}
}

func TestReadBarsCSVRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing column": "timestamp,open,high,low,close\n2024-01-02,1,1,1,1",
		"out of order": "timestamp,open,high,low,close,volume\n" +
			"2024-01-03,1,1,1,1,1\n2024-01-02,1,1,1,1,1",
		"bad timestamp": "timestamp,open,high,low,close,volume\nyesterday,1,1,1,1,1",
		"empty":         "timestamp,open,high,low,close,volume\n",
	}
	for name, input := range cases {
		if _, err := ReadBarsCSV(strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestPollerServesCacheThenFallsThrough(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	upstream := NewFixture(DefaultFixtureConfig(), clock)
	upstream.PinPrice("ACME", types.ReferencePrice{Price: decimal.NewFromInt(100)})

	cfg := DefaultPollerConfig()
	cfg.Freshness = time.Minute
	p := NewPoller(zap.NewNop(), cfg, upstream, clock)
	p.Track("ACME")

	// First lookup misses the cache and asks upstream.
	ref, err := p.GetReferencePrice(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !ref.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("price = %s", ref.Price)
	}

	// Within the cache window the upstream change is not visible.
	upstream.PinPrice("ACME", types.ReferencePrice{Price: decimal.NewFromInt(110)})
	ref, _ = p.GetReferencePrice(context.Background(), "ACME")
	if !ref.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("cached price = %s, want 100", ref.Price)
	}

	// Past the window the lookup falls through.
	clock.Advance(2 * time.Minute)
	ref, _ = p.GetReferencePrice(context.Background(), "ACME")
	if !ref.Price.Equal(decimal.NewFromInt(110)) {
		t.Errorf("refreshed price = %s, want 110", ref.Price)
	}
}
