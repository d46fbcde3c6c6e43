package engine

import (
	"context"
	"fmt"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/domain"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/retry"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FillOutcome reports what a fill notification did to the books.
type FillOutcome struct {
	Order *types.Order
	Trade *types.Trade
	// Applied is false when the fill was absorbed without a trade: a replay
	// of a completed order, a below-minimum remainder under the hold policy,
	// or a zero quantity after quantization.
	Applied bool
	Reason  string
}

// ApplyFill executes one broker fill against position state. Fills are
// idempotent per completed order, quantized by the position's order policy,
// and validated against cash, inventory and the allocation band before any
// state changes. All mutations happen under the position lock.
func (e *Engine) ApplyFill(ctx context.Context, fill ports.Fill) (*FillOutcome, error) {
	order, err := e.orders.Get(ctx, fill.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, fill.OrderID)
	}

	lock := e.locksFor(order.PositionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent fill may have completed the order.
	order, err = e.orders.Get(ctx, fill.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, fill.OrderID)
	}
	pos, err := e.positions.Get(ctx, order.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, order.PositionID)
	}
	cfg, err := e.configs.Resolve(ctx, order.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: position %s: %v", ErrConfigurationMissing, order.PositionID, err)
	}

	rec := audit.NewRecorderWithTrace(e.sink, e.clock.Now, "engine.fill", audit.Scope{
		TenantID:    order.TenantID,
		PortfolioID: order.PortfolioID,
		AssetID:     pos.AssetSymbol,
	}, order.TraceID, "")

	// A fill replayed against a completed order is absorbed silently.
	if order.Status == types.OrderStatusFilled {
		rec.Emit(audit.EventFillSkipped, map[string]any{
			"order_id": order.ID, "reason": "already_filled",
		})
		return &FillOutcome{Order: order, Reason: "already_filled"}, nil
	}
	if !order.Status.Fillable() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotFillable, order.ID, order.Status)
	}
	if !fill.Price.IsPositive() {
		return nil, fmt.Errorf("fill price must be positive, got %s", fill.Price)
	}

	// Quantize and clamp to the unfilled remainder. Over-delivery from a
	// noisy broker never pushes the books past the order quantity.
	qty := cfg.Policy.Quantize(fill.Qty)
	if remaining := order.Remaining(); qty.GreaterThan(remaining) {
		qty = cfg.Policy.Quantize(remaining)
	}
	if below, reason := cfg.Policy.BelowMin(qty, fill.Price); below {
		// A remainder below the minimums is not executable. The hold policy
		// leaves the order open for a larger fill; reject closes it.
		if cfg.Policy.ActionBelowMin == types.BelowMinReject {
			if err := order.Transition(types.OrderStatusRejected, e.clock.Now()); err != nil {
				return nil, err
			}
			if err := e.orders.Save(ctx, order); err != nil {
				return nil, fmt.Errorf("save order: %w", err)
			}
			rec.Emit(audit.EventFillRejected, map[string]any{
				"order_id": order.ID, "reason": reason, "qty": qty,
			})
			return &FillOutcome{Order: order, Reason: reason}, nil
		}
		rec.Emit(audit.EventFillSkipped, map[string]any{
			"order_id": order.ID, "reason": reason, "qty": qty,
		})
		return &FillOutcome{Order: order, Reason: reason}, nil
	}

	commission := fill.Commission
	if commission.IsZero() {
		commission = qty.Mul(fill.Price).Mul(order.CommissionRateSnapshot)
	}

	state := domain.PositionState{Qty: pos.Qty, Cash: pos.Cash}
	if ok, reason := domain.ValidateAfterFill(state, order.Side, qty, fill.Price, commission, cfg.Guardrail); !ok {
		if err := order.Transition(types.OrderStatusRejected, e.clock.Now()); err != nil {
			return nil, err
		}
		if err := e.orders.Save(ctx, order); err != nil {
			return nil, fmt.Errorf("save order: %w", err)
		}
		rec.Emit(audit.EventGuardrailBreach, map[string]any{
			"order_id": order.ID, "reason": reason, "qty": qty, "price": fill.Price,
		})
		e.obs.GuardrailBreach()
		return &FillOutcome{Order: order, Reason: reason}, &GuardrailBreachError{Reason: reason}
	}

	before := pos.Snapshot()
	now := e.clock.Now()
	if err := pos.ApplyFill(order.Side, qty, fill.Price, commission, now); err != nil {
		return nil, fmt.Errorf("apply fill to position %s: %w", pos.ID, err)
	}

	// Every execution re-anchors at the fill price.
	if _, err := pos.SetAnchor(fill.Price, now); err != nil {
		return nil, fmt.Errorf("reset anchor for position %s: %w", pos.ID, err)
	}
	if err := e.positions.Save(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}

	rate := order.CommissionRateSnapshot
	if rate.IsZero() && qty.Mul(fill.Price).IsPositive() {
		rate = commission.Div(qty.Mul(fill.Price))
	}
	trade := &types.Trade{
		ID:                      uuid.NewString(),
		TenantID:                order.TenantID,
		PortfolioID:             order.PortfolioID,
		PositionID:              order.PositionID,
		OrderID:                 order.ID,
		Side:                    order.Side,
		Qty:                     qty,
		Price:                   fill.Price,
		Commission:              commission,
		CommissionRateEffective: rate,
		Status:                  "executed",
		TraceID:                 order.TraceID,
		ExecutedAt:              fill.Timestamp,
	}
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = now
	}
	if err := e.trades.Save(ctx, trade); err != nil {
		return nil, fmt.Errorf("save trade: %w", err)
	}

	// Volume-weighted average across partial fills.
	prevNotional := order.AvgFillPrice.Mul(order.FilledQty)
	order.FilledQty = order.FilledQty.Add(qty)
	order.AvgFillPrice = prevNotional.Add(qty.Mul(fill.Price)).Div(order.FilledQty)
	order.TotalCommission = order.TotalCommission.Add(commission)
	next := types.OrderStatusPartial
	if !order.Remaining().IsPositive() {
		next = types.OrderStatusFilled
	}
	if order.Status != next {
		if err := order.Transition(next, now); err != nil {
			return nil, err
		}
	} else {
		order.UpdatedAt = now
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	rec.Emit(audit.EventExecutionRecorded, map[string]any{
		"order_id":   order.ID,
		"trade_id":   trade.ID,
		"qty":        qty,
		"price":      fill.Price,
		"commission": commission,
		"status":     order.Status,
	})
	rec.Emit(audit.EventAnchorReset, map[string]any{
		"reason": "post_fill", "old": before.AnchorPrice, "new": fill.Price,
	})
	rec.Emit(audit.EventPositionUpdated, map[string]any{
		"position_id": pos.ID,
		"before":      before,
		"after":       pos.Snapshot(),
	})

	e.logger.Info("fill executed",
		zap.String("orderId", order.ID),
		zap.String("positionId", pos.ID),
		zap.String("side", string(order.Side)),
		zap.String("qty", qty.String()),
		zap.String("price", fill.Price.String()),
		zap.String("status", string(order.Status)),
	)
	e.obs.FillApplied()
	return &FillOutcome{Order: order, Trade: trade, Applied: true}, nil
}

// CancelOrder moves a still-open order to cancelled, both locally and at the
// broker when a broker order exists.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	lock := e.locksFor(order.PositionID)
	lock.Lock()
	defer lock.Unlock()

	order, err = e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return order, nil
	}
	if order.BrokerOrderID != "" {
		status, err := retry.Do(ctx, e.retry, func(ctx context.Context) (types.OrderStatus, error) {
			return e.broker.Cancel(ctx, order.BrokerOrderID)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: cancel %s: %v", ErrBrokerUnreachable, order.BrokerOrderID, err)
		}
		order.BrokerStatus = string(status)
	}
	if err := order.Transition(types.OrderStatusCancelled, e.clock.Now()); err != nil {
		return nil, err
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	rec := audit.NewRecorderWithTrace(e.sink, e.clock.Now, "engine.cancel", audit.Scope{
		TenantID:    order.TenantID,
		PortfolioID: order.PortfolioID,
	}, order.TraceID, "")
	rec.Emit(audit.EventTickCancelled, map[string]any{"order_id": order.ID})
	return order, nil
}

// CreditDividend applies a per-share cash dividend to a position. Dividends
// never move the anchor.
func (e *Engine) CreditDividend(ctx context.Context, positionID string, perShare decimal.Decimal, recorder *audit.Recorder) (decimal.Decimal, error) {
	lock := e.locksFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	amount := pos.Qty.Mul(perShare)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if err := pos.ApplyDividend(amount, e.clock.Now()); err != nil {
		return decimal.Zero, err
	}
	if err := e.positions.Save(ctx, pos); err != nil {
		return decimal.Zero, fmt.Errorf("save position: %w", err)
	}

	rec := recorder
	if rec == nil {
		rec = audit.NewRecorder(e.sink, e.clock.Now, "engine.dividend", audit.Scope{
			TenantID:    pos.TenantID,
			PortfolioID: pos.PortfolioID,
			AssetID:     pos.AssetSymbol,
		})
	}
	rec.Emit(audit.EventDividendPaid, map[string]any{
		"position_id": positionID,
		"per_share":   perShare,
		"amount":      amount,
	})
	return amount, nil
}
