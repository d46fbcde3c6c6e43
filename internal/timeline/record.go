// Package timeline provides the evaluation timeline: one denormalized record
// per evaluation tick (live or simulated) and the explainability service that
// joins records with orders and trades into a single row view.
package timeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Record captures everything one evaluation tick saw and decided. Every live
// tick and every simulated bar writes exactly one record; records are never
// mutated in place.
type Record struct {
	Timestamp   time.Time  `json:"timestamp"`
	TraceID     string     `json:"trace_id"`
	Mode        types.Mode `json:"mode"`
	TenantID    string     `json:"tenant_id,omitempty"`
	PortfolioID string     `json:"portfolio_id,omitempty"`
	PositionID  string     `json:"position_id"`
	Symbol      string     `json:"symbol"`

	// Price context.
	Price  decimal.Decimal  `json:"price"`
	Open   *decimal.Decimal `json:"open,omitempty"`
	High   *decimal.Decimal `json:"high,omitempty"`
	Low    *decimal.Decimal `json:"low,omitempty"`
	Close  *decimal.Decimal `json:"close,omitempty"`
	Volume *decimal.Decimal `json:"volume,omitempty"`

	// Anchor and trigger.
	AnchorBefore     decimal.Decimal        `json:"anchor_before"`
	AnchorAfter      decimal.Decimal        `json:"anchor_after"`
	DeltaPct         decimal.Decimal        `json:"delta_pct"`
	TauUp            decimal.Decimal        `json:"tau_up"`
	TauDown          decimal.Decimal        `json:"tau_down"`
	TriggerFired     bool                   `json:"trigger_fired"`
	TriggerDirection types.TriggerDirection `json:"trigger_direction"`
	TriggerReason    string                 `json:"trigger_reason"`

	// Guardrails.
	MinStockPct     decimal.Decimal `json:"min_stock_pct"`
	MaxStockPct     decimal.Decimal `json:"max_stock_pct"`
	CurrentStockPct decimal.Decimal `json:"current_stock_pct"`
	Allowed         bool            `json:"allowed"`
	BlockReason     string          `json:"block_reason,omitempty"`

	// Decision.
	Action        types.Action    `json:"action"`
	IntendedQty   decimal.Decimal `json:"intended_qty"`
	IntendedValue decimal.Decimal `json:"intended_value"`

	// Position state around the tick.
	QtyBefore        decimal.Decimal `json:"qty_before"`
	CashBefore       decimal.Decimal `json:"cash_before"`
	StockValueBefore decimal.Decimal `json:"stock_value_before"`
	TotalValueBefore decimal.Decimal `json:"total_value_before"`
	StockPctBefore   decimal.Decimal `json:"stock_pct_before"`
	QtyAfter         decimal.Decimal `json:"qty_after"`
	CashAfter        decimal.Decimal `json:"cash_after"`
	StockValueAfter  decimal.Decimal `json:"stock_value_after"`
	TotalValueAfter  decimal.Decimal `json:"total_value_after"`
	StockPctAfter    decimal.Decimal `json:"stock_pct_after"`

	// Execution linkage, filled when known at write time.
	OrderID        string          `json:"order_id,omitempty"`
	ExecutionQty   decimal.Decimal `json:"execution_qty"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	ExecutionValue decimal.Decimal `json:"execution_value"`
	Commission     decimal.Decimal `json:"commission"`

	// Flags.
	DividendApplied   bool   `json:"dividend_applied"`
	AnchorReset       bool   `json:"anchor_reset"`
	AnchorResetReason string `json:"anchor_reset_reason,omitempty"`

	// Extra preserves unknown fields round-tripped through storage so the
	// schema stays forward-compatible.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownKeys are the JSON keys produced by marshaling the struct fields.
func (r Record) knownKeys() map[string]struct{} {
	type alias Record
	b, err := json.Marshal(alias(r))
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	keys := make(map[string]struct{}, len(m))
	for k := range m {
		keys[k] = struct{}{}
	}
	return keys
}

// MarshalJSON emits the struct fields plus any preserved unknown fields.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	b, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, known := m[k]; !known {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses known fields and keeps everything else in Extra.
func (r *Record) UnmarshalJSON(b []byte) error {
	type alias Record
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Record(a)
	for k := range r.knownKeys() {
		delete(raw, k)
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// Repo persists evaluation records. Defined here, on the consumer side;
// implementations live in internal/storage.
type Repo interface {
	Append(ctx context.Context, rec Record) error
	// ListByPosition returns all records for the position in chronological
	// order.
	ListByPosition(ctx context.Context, positionID string) ([]Record, error)
	// ListSince returns records stamped at or after the given instant, any
	// position, chronological. Backs the alerting window checks.
	ListSince(ctx context.Context, since time.Time) ([]Record, error)
}
