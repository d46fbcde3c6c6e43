// Package main provides the simulation CLI: replay a CSV of bars through the
// rebalancing engine and report performance plus the full evaluation timeline.
// A date range narrows the replay to a slice of the series; intraday intervals
// can include or exclude after-hours bars.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/marketdata"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/simulation"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	barsPath := flag.String("bars", "", "CSV file of bars (timestamp,open,high,low,close,volume[,dividend])")
	symbol := flag.String("symbol", "", "Asset symbol")
	flag.StringVar(symbol, "ticker", "", "Alias for -symbol")
	cash := flag.String("cash", "10000", "Starting cash")
	priceField := flag.String("price", "close", "Bar field driving evaluation (close or open)")
	configPath := flag.String("position-config", "", "JSON file with the position configuration (optional)")
	timelinePath := flag.String("timeline", "", "Write the evaluation timeline as CSV to this path (optional)")
	from := flag.String("from", "", "Replay start date, YYYY-MM-DD or RFC3339 (optional)")
	to := flag.String("to", "", "Replay end date, inclusive when a bare date (optional)")
	interval := flag.Int("interval", 0, "Bar interval in minutes; 0 infers it from the series")
	afterHours := flag.Bool("include-after-hours", false, "Keep after-hours bars in intraday replays")
	quiet := flag.Bool("quiet", false, "Suppress progress logging")
	flag.Parse()

	if *barsPath == "" || *symbol == "" {
		fmt.Fprintln(os.Stderr, "usage: simulate -bars FILE -symbol SYMBOL [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if !*quiet {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			fail("logger: %v", err)
		}
		defer logger.Sync()
	}

	cfg := simulation.DefaultConfig(*symbol)
	cfg.PriceField = types.SimPriceField(*priceField)
	cfg.Interval = time.Duration(*interval) * time.Minute

	startCash, err := decimal.NewFromString(*cash)
	if err != nil {
		fail("invalid -cash %q: %v", *cash, err)
	}
	cfg.StartCash = startCash

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fail("read position config: %v", err)
		}
		if err := json.Unmarshal(data, &cfg.Position); err != nil {
			fail("parse position config: %v", err)
		}
	}

	bars, err := marketdata.LoadBarsCSV(*barsPath)
	if err != nil {
		fail("load bars: %v", err)
	}

	runner := simulation.NewRunner(logger)
	var res *simulation.Result
	if *from != "" || *to != "" || *interval > 0 {
		res, err = runRange(runner, cfg, bars, *symbol, *from, *to, *interval, *afterHours)
	} else {
		res, err = runner.Run(context.Background(), cfg, bars)
	}
	if err != nil {
		fail("simulation: %v", err)
	}

	if *timelinePath != "" {
		if err := exportTimeline(res, *timelinePath); err != nil {
			fail("export timeline: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fail("encode result: %v", err)
	}
}

// runRange replays a slice of the loaded series through the fixture source so
// date bounds and the after-hours flag apply the same way they would against a
// live market data provider.
func runRange(runner *simulation.Runner, cfg simulation.Config, bars []types.Bar, symbol, from, to string, interval int, afterHours bool) (*simulation.Result, error) {
	req := simulation.HistoryRequest{
		IntervalMinutes:   interval,
		IncludeAfterHours: afterHours,
	}
	var err error
	if req.From, err = parseBound(from, false); err != nil {
		return nil, fmt.Errorf("invalid -from %q: %w", from, err)
	}
	if req.To, err = parseBound(to, true); err != nil {
		return nil, fmt.Errorf("invalid -to %q: %w", to, err)
	}
	fixture := marketdata.NewFixture(marketdata.DefaultFixtureConfig(), ports.SystemClock{})
	fixture.LoadBars(symbol, bars)
	return runner.RunHistory(context.Background(), cfg, fixture, req)
}

// parseBound accepts a bare date or a full RFC3339 timestamp. Bare end dates
// shift forward a day so the whole day stays inside the half-open range.
func parseBound(v string, end bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		if end {
			t = t.Add(24 * time.Hour)
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// exportTimeline joins the run's records with its orders and trades and
// writes the CSV.
func exportTimeline(res *simulation.Result, path string) error {
	svc := timeline.NewService(zap.NewNop(), res.Store.Records(), res.Store.Orders(), res.Store.Trades())
	page, err := svc.Build(context.Background(), timeline.Filter{PositionID: simulation.PositionID},
		timeline.Pagination{}, timeline.AggregationAll)
	if err != nil {
		return err
	}
	// Oldest first reads better in a file.
	rows := page.Rows
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return timeline.WriteCSV(f, rows)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
