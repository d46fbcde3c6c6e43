package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/engine"
	"github.com/anchortrade/rebalance-backend/internal/marketdata"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/storage"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config describes one simulation run.
type Config struct {
	Symbol    string
	StartCash decimal.Decimal
	// PriceField selects which bar field drives evaluation; valuation always
	// uses the close.
	PriceField types.SimPriceField
	// Interval is the bar spacing, used to annualize volatility and Sharpe.
	// Zero infers it from the series.
	Interval time.Duration
	Position types.PositionConfig
}

// DefaultConfig simulates with the default position configuration, pricing
// off the close.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:     symbol,
		StartCash:  decimal.NewFromInt(10000),
		PriceField: types.SimPriceClose,
		Position:   types.DefaultPositionConfig(),
	}
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("simulation symbol is required")
	}
	if !c.StartCash.IsPositive() {
		return fmt.Errorf("start cash must be positive, got %s", c.StartCash)
	}
	if c.PriceField != types.SimPriceClose && c.PriceField != types.SimPriceOpen {
		return fmt.Errorf("unknown sim price field %q", c.PriceField)
	}
	if c.Interval < 0 {
		return fmt.Errorf("bar interval must not be negative, got %s", c.Interval)
	}
	return c.Position.Validate()
}

// HistoryRequest identifies the bar series RunHistory fetches.
type HistoryRequest struct {
	From time.Time
	To   time.Time
	// IntervalMinutes is the requested bar interval; zero asks the provider
	// for its default granularity.
	IntervalMinutes int
	// IncludeAfterHours keeps bars outside the regular session.
	IncludeAfterHours bool
}

// Result is the outcome of one run.
type Result struct {
	Symbol      string          `json:"symbol"`
	Bars        int             `json:"bars"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	StartCash   decimal.Decimal `json:"start_cash"`
	FinalEquity decimal.Decimal `json:"final_equity"`
	FinalQty    decimal.Decimal `json:"final_qty"`
	FinalCash   decimal.Decimal `json:"final_cash"`

	Metrics Metrics `json:"metrics"`

	// Records and the backing store allow callers to export the timeline.
	Records []timeline.Record `json:"-"`
	Store   *storage.Memory   `json:"-"`
}

// PositionID is the synthetic position every run trades under; exporters use
// it to query the run's store.
const PositionID = "sim-position"

// Runner replays bars through the engine.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a simulation runner.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger.Named("simulation")}
}

// RunHistory resolves the bar series through the market-data port and replays
// it: the CLI and API entry point for ticker-and-date-range runs.
func (r *Runner) RunHistory(ctx context.Context, cfg Config, source ports.MarketData, req HistoryRequest) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("simulation config: %w", err)
	}
	bars, err := source.GetHistoricalBars(ctx, cfg.Symbol, req.From, req.To, req.IntervalMinutes, req.IncludeAfterHours)
	if err != nil {
		return nil, fmt.Errorf("fetch bars for %s: %w", cfg.Symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s in the requested range", cfg.Symbol)
	}
	if cfg.Interval == 0 && req.IntervalMinutes > 0 {
		cfg.Interval = time.Duration(req.IntervalMinutes) * time.Minute
	}
	return r.Run(ctx, cfg, bars)
}

// Run replays the given bars for one position. The run is hermetic: state
// lives in a fresh in-memory store and time is the bar clock.
func (r *Runner) Run(ctx context.Context, cfg Config, bars []types.Bar) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("simulation config: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("simulation requires at least one bar")
	}

	clock := ports.NewFakeClock(bars[0].Timestamp)
	store := storage.NewMemory()
	fixture := marketdata.NewFixture(marketdata.DefaultFixtureConfig(), clock)
	sink := audit.NewMemorySink()
	brk := newSimBroker()

	eng := engine.New(r.logger, engine.Deps{
		Positions:  store,
		Portfolios: store.Portfolios(),
		Orders:     store.Orders(),
		Trades:     store.Trades(),
		Idem:       store.Idempotency(),
		Configs:    store.Configs(),
		Market:     fixture,
		Broker:     brk,
		Records:    store.Records(),
		Sink:       sink,
		Clock:      clock,
	})

	const positionID = PositionID
	pos, err := types.NewPosition(positionID, "sim", "sim-portfolio", cfg.Symbol, cfg.StartCash, clock.Now())
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, pos); err != nil {
		return nil, err
	}
	if err := store.Configs().Save(ctx, positionID, cfg.Position); err != nil {
		return nil, err
	}

	equity := make([]decimal.Decimal, 0, len(bars))
	commissions := decimal.Zero
	dividends := decimal.Zero
	trades := 0

	for i, bar := range bars {
		clock.Set(bar.Timestamp)

		// Ex-date dividends credit cash before the tick evaluates.
		if bar.Dividend.IsPositive() {
			amount, err := eng.CreditDividend(ctx, positionID, bar.Dividend, nil)
			if err != nil {
				return nil, fmt.Errorf("bar %d dividend: %w", i, err)
			}
			dividends = dividends.Add(amount)
		}

		price := bar.Close
		if cfg.PriceField == types.SimPriceOpen {
			price = bar.Open
		}
		b := bar
		out, err := eng.Evaluate(ctx, engine.EvaluateRequest{
			TenantID:    "sim",
			PortfolioID: "sim-portfolio",
			PositionID:  positionID,
			Mode:        types.ModeSimulation,
			Price:       &price,
			Bar:         &b,
		})
		if err != nil {
			return nil, fmt.Errorf("bar %d evaluate: %w", i, err)
		}

		if out.Proposal != nil {
			// One bar, one order, one atomic fill at the bar price.
			key := fmt.Sprintf("sim-%s", bar.Timestamp.UTC().Format(time.RFC3339))
			sub, err := eng.Submit(ctx, engine.SubmitRequest{
				TenantID:       "sim",
				PortfolioID:    "sim-portfolio",
				PositionID:     positionID,
				IdempotencyKey: key,
				Proposal:       *out.Proposal,
				Recorder:       out.Recorder,
			})
			if err != nil {
				return nil, fmt.Errorf("bar %d submit: %w", i, err)
			}
			fillOut, err := eng.ApplyFill(ctx, ports.Fill{
				OrderID:       sub.Order.ID,
				BrokerOrderID: sub.Order.BrokerOrderID,
				Qty:           out.Proposal.Qty,
				Price:         price,
				Timestamp:     bar.Timestamp,
			})
			if err != nil {
				return nil, fmt.Errorf("bar %d fill: %w", i, err)
			}

			row := out.Record
			row.OrderID = sub.Order.ID
			if fillOut.Applied {
				trades++
				commissions = commissions.Add(fillOut.Trade.Commission)
				row.ExecutionQty = fillOut.Trade.Qty
				row.ExecutionPrice = fillOut.Trade.Price
				row.ExecutionValue = fillOut.Trade.Qty.Mul(fillOut.Trade.Price)
				row.Commission = fillOut.Trade.Commission
				fresh, err := store.Get(ctx, positionID)
				if err != nil {
					return nil, err
				}
				row.QtyAfter = fresh.Qty
				row.CashAfter = fresh.Cash
				row.StockValueAfter = fresh.StockValue(price)
				row.TotalValueAfter = fresh.TotalValue(price)
				row.StockPctAfter = fresh.StockPct(price)
				row.AnchorAfter = fresh.AnchorPrice
			}
			if err := eng.CompleteRecord(ctx, row); err != nil {
				return nil, err
			}
		}

		// Valuation uses the close regardless of the evaluation price knob.
		fresh, err := store.Get(ctx, positionID)
		if err != nil {
			return nil, err
		}
		equity = append(equity, fresh.TotalValue(bar.Close))
	}

	final, err := store.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	records, err := store.Records().ListByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	metrics := computeMetrics(metricsInput{
		StartCash:   cfg.StartCash,
		Equity:      equity,
		Bars:        bars,
		Interval:    cfg.Interval,
		Trades:      trades,
		Commissions: commissions,
		Dividends:   dividends,
	})

	r.logger.Info("simulation complete",
		zap.String("symbol", cfg.Symbol),
		zap.Int("bars", len(bars)),
		zap.Int("trades", trades),
		zap.String("finalEquity", equity[len(equity)-1].String()),
	)

	return &Result{
		Symbol:      cfg.Symbol,
		Bars:        len(bars),
		Start:       bars[0].Timestamp,
		End:         bars[len(bars)-1].Timestamp,
		StartCash:   cfg.StartCash,
		FinalEquity: equity[len(equity)-1],
		FinalQty:    final.Qty,
		FinalCash:   final.Cash,
		Metrics:     metrics,
		Records:     records,
		Store:       store,
	}, nil
}
