package simulation

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/marketdata"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestAnnualizationFactor(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		want     float64
	}{
		{"zero defaults to daily", 0, 252},
		{"daily", 24 * time.Hour, 252},
		{"thirty minute", 30 * time.Minute, 252 * 13},
		{"one minute", time.Minute, 252 * 390},
		{"weekly", 7 * 24 * time.Hour, 52},
		{"longer than a session clamps to daily", 10 * time.Hour, 252},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := annualizationFactor(tc.interval); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("factor(%s) = %v, want %v", tc.interval, got, tc.want)
			}
		})
	}
}

func TestInferInterval(t *testing.T) {
	base := time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC)
	bar := func(ts time.Time) types.Bar {
		return types.Bar{Timestamp: ts, Close: dec("100")}
	}

	// Minute bars with a weekend hole still infer one minute.
	bars := []types.Bar{
		bar(base),
		bar(base.Add(time.Minute)),
		bar(base.Add(2 * time.Minute)),
		bar(base.AddDate(0, 0, 3)),
		bar(base.AddDate(0, 0, 3).Add(time.Minute)),
	}
	if got := inferInterval(bars); got != time.Minute {
		t.Errorf("interval = %s, want 1m", got)
	}

	if got := inferInterval(bars[:1]); got != 0 {
		t.Errorf("single bar interval = %s, want 0", got)
	}
	if got := inferInterval(nil); got != 0 {
		t.Errorf("empty series interval = %s, want 0", got)
	}
}

func TestIntradayRunAnnualizesBySession(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	start := time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC)
	closes := []string{"100", "101", "99", "102", "98", "103", "97", "104"}
	bars := make([]types.Bar, 0, len(closes))
	prev := dec(closes[0])
	for i, c := range closes {
		cl := dec(c)
		bars = append(bars, types.Bar{
			Timestamp: start.Add(time.Duration(i) * 30 * time.Minute),
			Open:      prev,
			High:      decimal.Max(prev, cl),
			Low:       decimal.Min(prev, cl),
			Close:     cl,
			Volume:    decimal.NewFromInt(1000),
		})
		prev = cl
	}

	inferred := DefaultConfig("ACME")
	explicit := DefaultConfig("ACME")
	explicit.Interval = 30 * time.Minute

	resInferred, err := runner.Run(context.Background(), inferred, bars)
	if err != nil {
		t.Fatalf("inferred-interval run: %v", err)
	}
	resExplicit, err := runner.Run(context.Background(), explicit, bars)
	if err != nil {
		t.Fatalf("explicit-interval run: %v", err)
	}

	// The zero-interval run infers 30m from the series and matches the
	// explicit configuration.
	if resExplicit.Metrics.AnnualizedVol <= 0 {
		t.Fatal("intraday vol not computed")
	}
	if math.Abs(resInferred.Metrics.AnnualizedVol-resExplicit.Metrics.AnnualizedVol) > 1e-9 {
		t.Errorf("inferred vol %v differs from explicit %v",
			resInferred.Metrics.AnnualizedVol, resExplicit.Metrics.AnnualizedVol)
	}

	// The same equity curve annualized at 30m scales the daily figure by
	// sqrt(13), one factor per session bucket.
	in := metricsInput{
		StartCash: explicit.StartCash,
		Equity:    equityCurve(resExplicit),
		Bars:      bars,
	}
	in.Interval = 24 * time.Hour
	daily := computeMetrics(in)
	in.Interval = 30 * time.Minute
	intraday := computeMetrics(in)
	if daily.AnnualizedVol <= 0 {
		t.Fatal("daily vol not computed")
	}
	ratio := intraday.AnnualizedVol / daily.AnnualizedVol
	if math.Abs(ratio-math.Sqrt(13)) > 1e-9 {
		t.Errorf("intraday/daily vol ratio = %v, want sqrt(13)", ratio)
	}
}

// equityCurve rebuilds the per-bar equity series from the run's records.
func equityCurve(res *Result) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(res.Records))
	for _, rec := range res.Records {
		out = append(out, rec.TotalValueAfter)
	}
	return out
}

func TestRunHistoryFiltersRangeAndSession(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	day1 := time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC) // Monday, in session
	bars := []types.Bar{
		{Timestamp: day1, Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"), Volume: dec("1000")},
		{Timestamp: day1.Add(30 * time.Minute), Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"), Volume: dec("1000")},
		{Timestamp: day1.Add(time.Hour), Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"), Volume: dec("1000")},
		// 22:00 UTC is after hours.
		{Timestamp: day1.Add(8 * time.Hour), Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"), Volume: dec("1000")},
		// Next day falls outside the requested range.
		{Timestamp: day1.AddDate(0, 0, 1), Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"), Volume: dec("1000")},
	}
	fixture := marketdata.NewFixture(marketdata.DefaultFixtureConfig(), ports.NewFakeClock(day1))
	fixture.LoadBars("ACME", bars)

	req := HistoryRequest{
		From:            day1.Add(-time.Hour),
		To:              day1.Add(23 * time.Hour),
		IntervalMinutes: 30,
	}
	res, err := runner.RunHistory(context.Background(), DefaultConfig("ACME"), fixture, req)
	if err != nil {
		t.Fatalf("run history: %v", err)
	}
	if res.Bars != 3 {
		t.Errorf("bars = %d, want 3 in-session bars inside the range", res.Bars)
	}

	req.IncludeAfterHours = true
	res, err = runner.RunHistory(context.Background(), DefaultConfig("ACME"), fixture, req)
	if err != nil {
		t.Fatalf("run history with after hours: %v", err)
	}
	if res.Bars != 4 {
		t.Errorf("bars = %d, want 4 with after-hours kept", res.Bars)
	}

	req.From = day1.AddDate(0, 0, 7)
	req.To = day1.AddDate(0, 0, 8)
	if _, err := runner.RunHistory(context.Background(), DefaultConfig("ACME"), fixture, req); err == nil ||
		!strings.Contains(err.Error(), "no bars") {
		t.Fatalf("empty range error = %v", err)
	}
}
