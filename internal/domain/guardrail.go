package domain

import (
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Guardrail failure reasons. These are stable identifiers surfaced on the
// evaluation timeline and in error payloads.
const (
	ReasonInsufficientCash = "insufficient_cash"
	ReasonInsufficientQty  = "insufficient_qty"
	ReasonAllocBelowMin    = "alloc_below_min"
	ReasonAllocAboveMax    = "alloc_above_max"
	ReasonTrimmedToBound   = "trimmed_to_bound"
)

// trimIterations bounds the binary search for a boundary quantity.
const trimIterations = 50

// PositionState is the slice of position state the guardrail math needs.
type PositionState struct {
	Qty  decimal.Decimal
	Cash decimal.Decimal
}

// postTradePct returns the stock allocation after applying a signed quantity
// at the given price, ignoring commission (commission is enforced at fill
// time, not at sizing time).
func postTradePct(state PositionState, signedQty, price decimal.Decimal) decimal.Decimal {
	newQty := state.Qty.Add(signedQty)
	newCash := state.Cash.Sub(signedQty.Mul(price))
	stock := newQty.Mul(price)
	total := stock.Add(newCash)
	if total.IsZero() {
		return decimal.Zero
	}
	return stock.Div(total)
}

// TrimResult is the outcome of TrimToBounds.
type TrimResult struct {
	Qty     decimal.Decimal // signed
	Trimmed bool
	Reason  string
}

// TrimToBounds shrinks a raw signed quantity until the post-trade stock
// allocation lies inside [minStockPct, maxStockPct]. BUY monotonically raises
// the allocation and SELL lowers it, so a binary search over |qty| converges
// on the nearest bound within trimIterations.
func TrimToBounds(side types.OrderSide, rawQty decimal.Decimal, state PositionState, g types.GuardrailConfig, price decimal.Decimal) TrimResult {
	if rawQty.IsZero() || !price.IsPositive() {
		return TrimResult{Qty: decimal.Zero}
	}

	pct := postTradePct(state, rawQty, price)
	if pct.GreaterThanOrEqual(g.MinStockPct) && pct.LessThanOrEqual(g.MaxStockPct) {
		return TrimResult{Qty: rawQty}
	}

	// The full raw quantity breaches a bound; find the boundary quantity.
	var target decimal.Decimal
	if side == types.OrderSideBuy {
		target = g.MaxStockPct
	} else {
		target = g.MinStockPct
	}

	sign := decimal.NewFromInt(1)
	if rawQty.IsNegative() {
		sign = decimal.NewFromInt(-1)
	}

	lo := decimal.Zero
	hi := rawQty.Abs()
	for i := 0; i < trimIterations; i++ {
		mid := lo.Add(hi).Div(decimal.NewFromInt(2))
		pct := postTradePct(state, mid.Mul(sign), price)
		var exceeds bool
		if side == types.OrderSideBuy {
			exceeds = pct.GreaterThan(target)
		} else {
			exceeds = pct.LessThan(target)
		}
		if exceeds {
			hi = mid
		} else {
			lo = mid
		}
	}

	return TrimResult{Qty: lo.Mul(sign), Trimmed: true, Reason: ReasonTrimmedToBound}
}

// ValidateAfterFill verifies, in order: cash sufficiency for BUY, quantity
// sufficiency for SELL, and the post-trade allocation band. The returned
// reason is a stable identifier.
func ValidateAfterFill(state PositionState, side types.OrderSide, fillQty, price, commission decimal.Decimal, g types.GuardrailConfig) (bool, string) {
	notional := fillQty.Mul(price)

	var newQty, newCash decimal.Decimal
	switch side {
	case types.OrderSideBuy:
		cost := notional.Add(commission)
		if state.Cash.LessThan(cost) {
			return false, ReasonInsufficientCash
		}
		newQty = state.Qty.Add(fillQty)
		newCash = state.Cash.Sub(cost)
	case types.OrderSideSell:
		if state.Qty.LessThan(fillQty) {
			return false, ReasonInsufficientQty
		}
		newQty = state.Qty.Sub(fillQty)
		newCash = state.Cash.Add(notional).Sub(commission)
	default:
		return false, ReasonInsufficientQty
	}

	stock := newQty.Mul(price)
	total := stock.Add(newCash)
	if total.IsZero() {
		return true, ""
	}
	pct := stock.Div(total)
	// The binary-search trim lands within a small distance of the bound;
	// allow the documented 1e-4 slack so a trimmed order always executes.
	slack := decimal.New(1, -4)
	if pct.LessThan(g.MinStockPct.Sub(slack)) {
		return false, ReasonAllocBelowMin
	}
	if pct.GreaterThan(g.MaxStockPct.Add(slack)) {
		return false, ReasonAllocAboveMax
	}
	return true, ""
}

// PostTradePct exposes the allocation math for timeline reporting.
func PostTradePct(state PositionState, signedQty, price decimal.Decimal) decimal.Decimal {
	return postTradePct(state, signedQty, price)
}
