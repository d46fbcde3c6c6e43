// Package types provides shared type definitions for the rebalancing backend.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusWorking   OrderStatus = "working"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// statusRank encodes the order-status DAG. Transitions may only move to a
// strictly higher rank; filled/rejected/cancelled are terminal.
var statusRank = map[OrderStatus]int{
	OrderStatusCreated:   0,
	OrderStatusSubmitted: 1,
	OrderStatusPending:   2,
	OrderStatusWorking:   2,
	OrderStatusPartial:   3,
	OrderStatusFilled:    4,
	OrderStatusRejected:  4,
	OrderStatusCancelled: 4,
}

// CanTransition reports whether an order may move from its current status to
// next without regressing in the status DAG.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return false
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return nxt > cur
}

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected || s == OrderStatusCancelled
}

// Fillable reports whether a broker fill may still be applied.
func (s OrderStatus) Fillable() bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusPending, OrderStatusWorking, OrderStatusPartial:
		return true
	}
	return false
}

// TradingState controls whether a portfolio's positions are evaluated live.
type TradingState string

const (
	TradingStateNotConfigured TradingState = "NOT_CONFIGURED"
	TradingStateRunning       TradingState = "RUNNING"
	TradingStatePaused        TradingState = "PAUSED"
)

// TradingHoursPolicy controls when live ticks are allowed to trade.
type TradingHoursPolicy string

const (
	TradingHoursOpenOnly TradingHoursPolicy = "OPEN_ONLY"
	TradingHoursExtended TradingHoursPolicy = "EXTENDED"
)

// Action is the decision recorded for one evaluation tick.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
	ActionSkip Action = "SKIP"
)

// Mode distinguishes live ticks from replayed bars.
type Mode string

const (
	ModeLive       Mode = "LIVE"
	ModeSimulation Mode = "SIMULATION"
)

// TriggerDirection is the direction of a threshold crossing.
type TriggerDirection string

const (
	TriggerUp   TriggerDirection = "UP"
	TriggerDown TriggerDirection = "DOWN"
	TriggerNone TriggerDirection = "NONE"
)

// Position is the unit of rebalancing: one asset plus a cash sleeve held
// inside a portfolio. Mutated only through fill application and dividend
// credits.
type Position struct {
	ID                     string          `json:"id"`
	TenantID               string          `json:"tenantId"`
	PortfolioID            string          `json:"portfolioId"`
	AssetSymbol            string          `json:"assetSymbol"`
	Qty                    decimal.Decimal `json:"qty"`
	Cash                   decimal.Decimal `json:"cash"`
	AnchorPrice            decimal.Decimal `json:"anchorPrice"` // zero means unset
	AvgCost                decimal.Decimal `json:"avgCost"`
	TotalCommissionPaid    decimal.Decimal `json:"totalCommissionPaid"`
	TotalDividendsReceived decimal.Decimal `json:"totalDividendsReceived"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// NewPosition creates a long-only position with the given starting cash.
func NewPosition(id, tenantID, portfolioID, symbol string, cash decimal.Decimal, now time.Time) (*Position, error) {
	if symbol == "" {
		return nil, fmt.Errorf("position symbol is required")
	}
	if cash.IsNegative() {
		return nil, fmt.Errorf("position cash must be non-negative, got %s", cash)
	}
	return &Position{
		ID:          id,
		TenantID:    tenantID,
		PortfolioID: portfolioID,
		AssetSymbol: symbol,
		Qty:         decimal.Zero,
		Cash:        cash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// HasAnchor reports whether the anchor price has been set.
func (p *Position) HasAnchor() bool {
	return p.AnchorPrice.IsPositive()
}

// StockValue returns qty * price.
func (p *Position) StockValue(price decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(price)
}

// TotalValue returns qty * price + cash.
func (p *Position) TotalValue(price decimal.Decimal) decimal.Decimal {
	return p.StockValue(price).Add(p.Cash)
}

// StockPct returns the stock share of total value in [0,1], zero when the
// position is empty.
func (p *Position) StockPct(price decimal.Decimal) decimal.Decimal {
	total := p.TotalValue(price)
	if total.IsZero() {
		return decimal.Zero
	}
	return p.StockValue(price).Div(total)
}

// ApplyFill mutates qty/cash/commission for an executed fill. Callers must
// have validated sufficiency and guardrails first; this enforces only the
// hard qty>=0 / cash>=0 invariants.
func (p *Position) ApplyFill(side OrderSide, qty, price, commission decimal.Decimal, now time.Time) error {
	if !qty.IsPositive() {
		return fmt.Errorf("fill qty must be positive, got %s", qty)
	}
	notional := qty.Mul(price)
	switch side {
	case OrderSideBuy:
		newCash := p.Cash.Sub(notional).Sub(commission)
		if newCash.IsNegative() {
			return fmt.Errorf("fill would drive cash negative: %s", newCash)
		}
		p.Qty = p.Qty.Add(qty)
		p.Cash = newCash
	case OrderSideSell:
		newQty := p.Qty.Sub(qty)
		if newQty.IsNegative() {
			return fmt.Errorf("fill would drive qty negative: %s", newQty)
		}
		p.Qty = newQty
		p.Cash = p.Cash.Add(notional).Sub(commission)
	default:
		return fmt.Errorf("unknown order side %q", side)
	}
	p.TotalCommissionPaid = p.TotalCommissionPaid.Add(commission)
	p.touch(now)
	return nil
}

// ApplyDividend credits a cash dividend. Dividends never move the anchor.
func (p *Position) ApplyDividend(amount decimal.Decimal, now time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("dividend must be non-negative, got %s", amount)
	}
	p.Cash = p.Cash.Add(amount)
	p.TotalDividendsReceived = p.TotalDividendsReceived.Add(amount)
	p.touch(now)
	return nil
}

// SetAnchor replaces the anchor price and returns the previous anchor.
func (p *Position) SetAnchor(price decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("anchor price must be positive, got %s", price)
	}
	old := p.AnchorPrice
	p.AnchorPrice = price
	p.touch(now)
	return old, nil
}

// touch advances updated_at monotonically.
func (p *Position) touch(now time.Time) {
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	} else {
		p.UpdatedAt = p.UpdatedAt.Add(time.Nanosecond)
	}
}

// PositionSnapshot is an immutable copy of the mutable position state, used
// for pre/post audit payloads.
type PositionSnapshot struct {
	Qty                 decimal.Decimal `json:"qty"`
	Cash                decimal.Decimal `json:"cash"`
	AnchorPrice         decimal.Decimal `json:"anchorPrice"`
	TotalCommissionPaid decimal.Decimal `json:"totalCommissionPaid"`
}

// Snapshot returns a copy of the position's mutable fields.
func (p *Position) Snapshot() PositionSnapshot {
	return PositionSnapshot{
		Qty:                 p.Qty,
		Cash:                p.Cash,
		AnchorPrice:         p.AnchorPrice,
		TotalCommissionPaid: p.TotalCommissionPaid,
	}
}

// Portfolio groups positions and carries the live-trading switches.
type Portfolio struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenantId"`
	Name         string             `json:"name"`
	TradingState TradingState       `json:"tradingState"`
	HoursPolicy  TradingHoursPolicy `json:"tradingHoursPolicy"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Order represents one rebalancing order through its lifecycle.
type Order struct {
	ID                     string          `json:"id"`
	TenantID               string          `json:"tenantId"`
	PortfolioID            string          `json:"portfolioId"`
	PositionID             string          `json:"positionId"`
	Side                   OrderSide       `json:"side"`
	Qty                    decimal.Decimal `json:"qty"`
	Status                 OrderStatus     `json:"status"`
	IdempotencyKey         string          `json:"idempotencyKey"`
	RequestSignature       string          `json:"requestSignature"`
	CommissionRateSnapshot decimal.Decimal `json:"commissionRateSnapshot"`
	BrokerOrderID          string          `json:"brokerOrderId,omitempty"`
	BrokerStatus           string          `json:"brokerStatus,omitempty"`
	FilledQty              decimal.Decimal `json:"filledQty"`
	AvgFillPrice           decimal.Decimal `json:"avgFillPrice"`
	TotalCommission        decimal.Decimal `json:"totalCommission"`
	TraceID                string          `json:"traceId"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Transition moves the order to next, enforcing the status DAG.
func (o *Order) Transition(next OrderStatus, now time.Time) error {
	if o.Status == next {
		return nil
	}
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("illegal order status transition %s -> %s", o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// Trade is an immutable fill record.
type Trade struct {
	ID                      string          `json:"id"`
	TenantID                string          `json:"tenantId"`
	PortfolioID             string          `json:"portfolioId"`
	PositionID              string          `json:"positionId"`
	OrderID                 string          `json:"orderId"`
	Side                    OrderSide       `json:"side"`
	Qty                     decimal.Decimal `json:"qty"` // positive absolute
	Price                   decimal.Decimal `json:"price"`
	Commission              decimal.Decimal `json:"commission"`
	CommissionRateEffective decimal.Decimal `json:"commissionRateEffective"`
	Status                  string          `json:"status"` // always "executed"
	TraceID                 string          `json:"traceId"`
	ExecutedAt              time.Time       `json:"executedAt"`
}

// Bar is a single OHLCV candlestick.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Dividend  decimal.Decimal `json:"dividend,omitempty"` // per-share cash on ex-date bars
}

// PriceSource identifies where a reference price came from.
type PriceSource string

const (
	PriceSourceMidQuote  PriceSource = "MID_QUOTE"
	PriceSourceLastTrade PriceSource = "LAST_TRADE"
	PriceSourceClose     PriceSource = "CLOSE"
	PriceSourceSimulated PriceSource = "SIMULATED"
)

// ReferencePrice is the MarketData port's price answer.
type ReferencePrice struct {
	Price         decimal.Decimal `json:"price"`
	Source        PriceSource     `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Bid           decimal.Decimal `json:"bid,omitempty"`
	Ask           decimal.Decimal `json:"ask,omitempty"`
	Volume        decimal.Decimal `json:"volume,omitempty"`
	IsMarketHours bool            `json:"isMarketHours"`
	IsFresh       bool            `json:"isFresh"`
}

// MarketStatus reports exchange session state.
type MarketStatus struct {
	IsOpen    bool      `json:"isOpen"`
	NextOpen  time.Time `json:"nextOpen"`
	NextClose time.Time `json:"nextClose"`
	Timezone  string    `json:"timezone"`
}

// OrderProposal is the output of a triggered evaluation that passed all
// guardrails: the trade the engine intends to submit.
type OrderProposal struct {
	Side               OrderSide       `json:"side"`
	Qty                decimal.Decimal `json:"qty"` // positive absolute
	Notional           decimal.Decimal `json:"notional"`
	CommissionEstimate decimal.Decimal `json:"commissionEstimate"`
	PostTradePct       decimal.Decimal `json:"postTradePct"`
}
