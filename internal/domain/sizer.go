package domain

import (
	"github.com/shopspring/decimal"
)

// RawSize computes the signed rebalance quantity from the closed-form sizing
// formula:
//
//	A = price * qty
//	V = A + cash
//	dQ = (anchor / price) * r * (V / price)
//
// The result is positive on BUY (price below anchor) and negative on SELL
// (price above anchor). The sign comes from the trigger direction; the
// magnitude from the formula. Returns zero when price or anchor is not
// positive.
func RawSize(anchor, price, qty, cash, r decimal.Decimal, sell bool) decimal.Decimal {
	if !price.IsPositive() || !anchor.IsPositive() {
		return decimal.Zero
	}
	total := price.Mul(qty).Add(cash)
	magnitude := anchor.Div(price).Mul(r).Mul(total.Div(price))
	if sell {
		return magnitude.Neg()
	}
	return magnitude
}
