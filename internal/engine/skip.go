package engine

import (
	"context"
	"fmt"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

// Position loads a position through the engine's repository.
func (e *Engine) Position(ctx context.Context, id string) (*types.Position, error) {
	pos, err := e.positions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return pos, nil
}

// SkipRequest records a tick that was blocked before evaluation could run,
// e.g. a paused portfolio or a closed market.
type SkipRequest struct {
	TenantID    string
	PortfolioID string
	PositionID  string
	Mode        types.Mode
	Reason      string
}

// Skip writes the SKIP record for a blocked tick. The price is attached on a
// best-effort basis; a blocked tick must surface on the timeline even when no
// price is available.
func (e *Engine) Skip(ctx context.Context, req SkipRequest) (*EvaluateOutcome, error) {
	pos, err := e.positions.Get(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, req.PositionID)
	}

	rec := audit.NewRecorder(e.sink, e.clock.Now, "engine.skip", audit.Scope{
		TenantID:    req.TenantID,
		PortfolioID: req.PortfolioID,
		AssetID:     pos.AssetSymbol,
	})

	row := timeline.Record{
		Timestamp:    e.clock.Now(),
		TraceID:      rec.TraceID(),
		Mode:         req.Mode,
		TenantID:     req.TenantID,
		PortfolioID:  req.PortfolioID,
		PositionID:   pos.ID,
		Symbol:       pos.AssetSymbol,
		AnchorBefore: pos.AnchorPrice,
		AnchorAfter:  pos.AnchorPrice,
	}
	if cfg, err := e.configs.Resolve(ctx, req.PositionID); err == nil {
		row.TauUp = cfg.Trigger.TauUp
		row.TauDown = cfg.Trigger.TauDown
		row.MinStockPct = cfg.Guardrail.MinStockPct
		row.MaxStockPct = cfg.Guardrail.MaxStockPct
	}
	if ref, err := e.market.GetReferencePrice(ctx, pos.AssetSymbol); err == nil {
		row.Price = ref.Price
		e.stampBefore(&row, pos, ref.Price)
	} else {
		row.QtyBefore = pos.Qty
		row.CashBefore = pos.Cash
	}
	out, err := e.skip(ctx, rec, row, pos, req.Reason)
	if err == nil {
		e.obs.ObserveEvaluation(string(req.Mode), string(types.ActionSkip), 0)
	}
	return out, err
}
