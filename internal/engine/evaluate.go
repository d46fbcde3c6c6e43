package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/domain"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/retry"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine bundles the evaluation, submission and execution use cases around a
// shared set of ports and the per-position lock table.
type Engine struct {
	logger     *zap.Logger
	positions  ports.PositionRepo
	portfolios ports.PortfolioRepo
	orders     ports.OrderRepo
	trades     ports.TradeRepo
	idem       ports.IdempotencyRepo
	configs    ports.ConfigRepo
	market     ports.MarketData
	broker     ports.Broker
	records    timeline.Repo
	sink       audit.Sink
	clock      ports.Clock
	obs        Observer
	retry      retry.Config
	locks      *positionLocks
}

// Deps carries the ports an Engine needs.
type Deps struct {
	Positions  ports.PositionRepo
	Portfolios ports.PortfolioRepo
	Orders     ports.OrderRepo
	Trades     ports.TradeRepo
	Idem       ports.IdempotencyRepo
	Configs    ports.ConfigRepo
	Market     ports.MarketData
	Broker     ports.Broker
	Records    timeline.Repo
	Sink       audit.Sink
	Clock      ports.Clock
	// Observer, when set, receives instrumentation signals.
	Observer Observer
	// Retry bounds broker I/O retries. Zero means a single attempt, which
	// keeps simulations free of wall-clock sleeps.
	Retry retry.Config
}

// New assembles an Engine.
func New(logger *zap.Logger, deps Deps) *Engine {
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		logger:     logger.Named("engine"),
		locks:      newPositionLocks(),
		positions:  deps.Positions,
		portfolios: deps.Portfolios,
		orders:     deps.Orders,
		trades:     deps.Trades,
		idem:       deps.Idem,
		configs:    deps.Configs,
		market:     deps.Market,
		broker:     deps.Broker,
		records:    deps.Records,
		sink:       deps.Sink,
		clock:      deps.Clock,
		obs:        obs,
		retry:      deps.Retry,
	}
}

// EvaluateRequest is one evaluation tick.
type EvaluateRequest struct {
	TenantID    string
	PortfolioID string
	PositionID  string
	Mode        types.Mode
	// Price, when set, is used instead of the MarketData lookup (the
	// simulation path). Bar optionally supplies OHLCV context for the record.
	Price *decimal.Decimal
	Bar   *types.Bar
	// Recorder, when set, continues an existing trace; otherwise a fresh
	// trace is started.
	Recorder *audit.Recorder
}

// EvaluateOutcome reports what the tick decided.
type EvaluateOutcome struct {
	Action   types.Action
	Reason   string
	Proposal *types.OrderProposal
	Record   timeline.Record
	// RecordWritten is true when Evaluate already appended the record (HOLD
	// and SKIP outcomes). For BUY/SELL the caller attaches the order id via
	// CompleteRecord after submission.
	RecordWritten bool
	Recorder      *audit.Recorder
}

// Evaluate runs one evaluation tick for a position: resolve price, detect a
// trigger, size the trade, trim to guardrails, quantize by order policy and
// validate sufficiency. Exactly one evaluation record results from every
// call that gets past configuration loading.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateOutcome, error) {
	start := time.Now()
	out, err := e.evaluate(ctx, req)
	action := "error"
	if err == nil && out != nil {
		action = string(out.Action)
	}
	e.obs.ObserveEvaluation(string(req.Mode), action, time.Since(start).Seconds())
	return out, err
}

func (e *Engine) evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateOutcome, error) {
	now := e.clock.Now()

	pos, err := e.positions.Get(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, req.PositionID)
	}
	cfg, err := e.configs.Resolve(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: position %s: %v", ErrConfigurationMissing, req.PositionID, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: position %s: %v", ErrConfigurationMissing, req.PositionID, err)
	}

	rec := req.Recorder
	if rec == nil {
		rec = audit.NewRecorder(e.sink, e.clock.Now, "engine.evaluate", audit.Scope{
			TenantID:    req.TenantID,
			PortfolioID: req.PortfolioID,
			AssetID:     pos.AssetSymbol,
		})
	}

	row := timeline.Record{
		Timestamp:   now,
		TraceID:     rec.TraceID(),
		Mode:        req.Mode,
		TenantID:    req.TenantID,
		PortfolioID: req.PortfolioID,
		PositionID:  pos.ID,
		Symbol:      pos.AssetSymbol,
		TauUp:       cfg.Trigger.TauUp,
		TauDown:     cfg.Trigger.TauDown,
		MinStockPct: cfg.Guardrail.MinStockPct,
		MaxStockPct: cfg.Guardrail.MaxStockPct,
		// Quantity and cash are known even when no price resolves; valuation
		// fields stay zero until stampBefore runs with a price.
		QtyBefore:  pos.Qty,
		CashBefore: pos.Cash,
	}
	if req.Bar != nil {
		b := *req.Bar
		row.Open, row.High, row.Low, row.Close, row.Volume = &b.Open, &b.High, &b.Low, &b.Close, &b.Volume
		row.DividendApplied = b.Dividend.IsPositive()
	}

	// Resolve the tick price.
	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
		rec.Emit(audit.EventPrice, map[string]any{"price": price, "source": types.PriceSourceSimulated})
	} else {
		ref, err := e.market.GetReferencePrice(ctx, pos.AssetSymbol)
		if err != nil {
			e.logger.Warn("reference price unavailable",
				zap.String("symbol", pos.AssetSymbol),
				zap.Error(err),
			)
			return e.skip(ctx, rec, row, pos, SkipPriceUnavailable)
		}
		rec.Emit(audit.EventPrice, map[string]any{"price": ref.Price, "source": ref.Source, "fresh": ref.IsFresh})
		if !ref.IsFresh {
			return e.skip(ctx, rec, row, pos, SkipPriceStale)
		}
		price = ref.Price
	}
	if !price.IsPositive() {
		return e.skip(ctx, rec, row, pos, SkipPriceUnavailable)
	}
	row.Price = price
	e.stampBefore(&row, pos, price)
	row.AnchorBefore = pos.AnchorPrice
	row.AnchorAfter = pos.AnchorPrice

	// First sighting: adopt the price as the anchor, never trade this tick.
	if !pos.HasAnchor() {
		lock := e.locksFor(pos.ID)
		lock.Lock()
		fresh, err := e.positions.Get(ctx, pos.ID)
		if err == nil && !fresh.HasAnchor() {
			old, _ := fresh.SetAnchor(price, now)
			if err := e.positions.Save(ctx, fresh); err != nil {
				lock.Unlock()
				return nil, fmt.Errorf("save position %s: %w", pos.ID, err)
			}
			rec.Emit(audit.EventAnchorReset, map[string]any{"reason": "initial", "old": old, "new": price})
			pos = fresh
		} else if err == nil {
			pos = fresh
		}
		lock.Unlock()

		row.AnchorBefore = decimal.Zero
		row.AnchorAfter = pos.AnchorPrice
		row.AnchorReset = true
		row.AnchorResetReason = "initial"
		return e.hold(ctx, rec, row, pos, domain.ReasonNoAnchor)
	}

	trig := domain.EvaluateTrigger(pos.AnchorPrice, price, cfg.Trigger.TauUp, cfg.Trigger.TauDown)
	row.DeltaPct = trig.Delta
	row.TriggerFired = trig.Fired
	row.TriggerDirection = trig.Direction
	row.TriggerReason = trig.Reason
	rec.Emit(audit.EventTriggerEvaluated, map[string]any{
		"anchor": pos.AnchorPrice, "price": price,
		"delta": trig.Delta, "fired": trig.Fired, "direction": trig.Direction, "reason": trig.Reason,
	})

	// A corporate-action sized gap resets the anchor instead of trading.
	if domain.IsAnomaly(trig.Delta, cfg.Trigger.AnomalyResetPct) {
		lock := e.locksFor(pos.ID)
		lock.Lock()
		fresh, err := e.positions.Get(ctx, pos.ID)
		if err == nil {
			old, _ := fresh.SetAnchor(price, now)
			if err := e.positions.Save(ctx, fresh); err != nil {
				lock.Unlock()
				return nil, fmt.Errorf("save position %s: %w", pos.ID, err)
			}
			rec.Emit(audit.EventAnchorReset, map[string]any{"reason": domain.ReasonAnomaly, "old": old, "new": price})
			pos = fresh
		}
		lock.Unlock()

		row.AnchorAfter = pos.AnchorPrice
		row.AnchorReset = true
		row.AnchorResetReason = domain.ReasonAnomaly
		return e.skip(ctx, rec, row, pos, domain.ReasonAnomaly)
	}

	if !trig.Fired {
		return e.hold(ctx, rec, row, pos, trig.Reason)
	}

	// Size, trim, quantize.
	sell := trig.Direction == types.TriggerUp
	side := types.OrderSideBuy
	if sell {
		side = types.OrderSideSell
	}
	raw := domain.RawSize(pos.AnchorPrice, price, pos.Qty, pos.Cash, cfg.Trigger.RebalanceRatio, sell)
	state := domain.PositionState{Qty: pos.Qty, Cash: pos.Cash}
	trimmed := domain.TrimToBounds(side, raw, state, cfg.Guardrail, price)
	if cfg.Guardrail.MaxTradePct.IsPositive() {
		maxQty := pos.TotalValue(price).Mul(cfg.Guardrail.MaxTradePct).Div(price)
		if trimmed.Qty.Abs().GreaterThan(maxQty) {
			trimmed.Qty = maxQty
			if sell {
				trimmed.Qty = maxQty.Neg()
			}
			trimmed.Trimmed = true
		}
	}
	qty := cfg.Policy.Quantize(trimmed.Qty)
	notional := qty.Mul(price)
	commission := notional.Mul(cfg.Policy.CommissionRate)

	rec.Emit(audit.EventGuardrailEvaluated, map[string]any{
		"raw_qty": raw, "trimmed_qty": trimmed.Qty, "quantized_qty": qty,
		"trimmed": trimmed.Trimmed, "side": side,
	})

	row.IntendedQty = qty
	row.IntendedValue = notional

	if below, reason := cfg.Policy.BelowMin(qty, price); below {
		// action_below_min=hold skips silently here; reject semantics apply
		// at fill time, where an order already exists.
		return e.skip(ctx, rec, row, pos, reason)
	}

	signed := qty
	if sell {
		signed = qty.Neg()
	}
	if ok, reason := domain.ValidateAfterFill(state, side, qty, price, commission, cfg.Guardrail); !ok {
		return e.skip(ctx, rec, row, pos, reason)
	}
	postPct := domain.PostTradePct(state, signed, price)

	row.Action = types.ActionBuy
	if sell {
		row.Action = types.ActionSell
	}
	row.Allowed = true
	e.stampIntendedAfter(&row, pos, signed, price)

	return &EvaluateOutcome{
		Action: row.Action,
		Proposal: &types.OrderProposal{
			Side:               side,
			Qty:                qty,
			Notional:           notional,
			CommissionEstimate: commission,
			PostTradePct:       postPct,
		},
		Record:   row,
		Recorder: rec,
	}, nil
}

// CompleteRecord appends a proposal record after the caller attached the
// order id (and, when already known, the execution facts).
func (e *Engine) CompleteRecord(ctx context.Context, row timeline.Record) error {
	if err := e.records.Append(ctx, row); err != nil {
		return fmt.Errorf("append evaluation record: %w", err)
	}
	return nil
}

func (e *Engine) hold(ctx context.Context, rec *audit.Recorder, row timeline.Record, pos *types.Position, reason string) (*EvaluateOutcome, error) {
	row.Action = types.ActionHold
	row.Allowed = true
	if row.TriggerReason == "" {
		row.TriggerReason = reason
	}
	e.stampAfterUnchanged(&row, pos, row.Price)
	if err := e.records.Append(ctx, row); err != nil {
		return nil, fmt.Errorf("append evaluation record: %w", err)
	}
	return &EvaluateOutcome{Action: types.ActionHold, Reason: reason, Record: row, RecordWritten: true, Recorder: rec}, nil
}

func (e *Engine) skip(ctx context.Context, rec *audit.Recorder, row timeline.Record, pos *types.Position, reason string) (*EvaluateOutcome, error) {
	row.Action = types.ActionSkip
	row.BlockReason = reason
	e.stampAfterUnchanged(&row, pos, row.Price)
	if err := e.records.Append(ctx, row); err != nil {
		return nil, fmt.Errorf("append evaluation record: %w", err)
	}
	return &EvaluateOutcome{Action: types.ActionSkip, Reason: reason, Record: row, RecordWritten: true, Recorder: rec}, nil
}

func (e *Engine) stampBefore(row *timeline.Record, pos *types.Position, price decimal.Decimal) {
	row.QtyBefore = pos.Qty
	row.CashBefore = pos.Cash
	row.StockValueBefore = pos.StockValue(price)
	row.TotalValueBefore = pos.TotalValue(price)
	row.StockPctBefore = pos.StockPct(price)
	row.CurrentStockPct = row.StockPctBefore
}

func (e *Engine) stampAfterUnchanged(row *timeline.Record, pos *types.Position, price decimal.Decimal) {
	row.QtyAfter = pos.Qty
	row.CashAfter = pos.Cash
	row.StockValueAfter = pos.StockValue(price)
	row.TotalValueAfter = pos.TotalValue(price)
	row.StockPctAfter = pos.StockPct(price)
}

func (e *Engine) stampIntendedAfter(row *timeline.Record, pos *types.Position, signedQty, price decimal.Decimal) {
	newQty := pos.Qty.Add(signedQty)
	newCash := pos.Cash.Sub(signedQty.Mul(price))
	row.QtyAfter = newQty
	row.CashAfter = newCash
	row.StockValueAfter = newQty.Mul(price)
	row.TotalValueAfter = row.StockValueAfter.Add(newCash)
	if row.TotalValueAfter.IsPositive() {
		row.StockPctAfter = row.StockValueAfter.Div(row.TotalValueAfter)
	}
}

func (e *Engine) locksFor(positionID string) *sync.Mutex {
	return e.locks.forPosition(positionID)
}
