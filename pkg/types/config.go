// Package types provides configuration value objects for the rebalancing backend.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BelowMinAction is the policy applied when a fill quantizes below minimums.
type BelowMinAction string

const (
	BelowMinHold   BelowMinAction = "hold"
	BelowMinReject BelowMinAction = "reject"
)

// SimPriceField selects which bar field the simulation treats as the tick price.
type SimPriceField string

const (
	SimPriceClose SimPriceField = "close"
	SimPriceOpen  SimPriceField = "open"
)

// TriggerConfig holds the volatility thresholds for one position.
type TriggerConfig struct {
	TauUp           decimal.Decimal `json:"tauUp"`
	TauDown         decimal.Decimal `json:"tauDown"`
	RebalanceRatio  decimal.Decimal `json:"rebalanceRatio"`
	AnomalyResetPct decimal.Decimal `json:"anomalyResetPct"` // zero disables the anomaly anchor reset
}

// DefaultTriggerConfig returns the 3% band with the standard rebalance ratio.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		TauUp:           decimal.NewFromFloat(0.03),
		TauDown:         decimal.NewFromFloat(0.03),
		RebalanceRatio:  decimal.NewFromFloat(1.6667),
		AnomalyResetPct: decimal.NewFromFloat(0.50),
	}
}

// Validate checks threshold sanity.
func (c TriggerConfig) Validate() error {
	if !c.TauUp.IsPositive() || !c.TauDown.IsPositive() {
		return fmt.Errorf("trigger thresholds must be positive (up=%s down=%s)", c.TauUp, c.TauDown)
	}
	if !c.RebalanceRatio.IsPositive() {
		return fmt.Errorf("rebalance ratio must be positive, got %s", c.RebalanceRatio)
	}
	if c.AnomalyResetPct.IsNegative() {
		return fmt.Errorf("anomaly reset pct must be non-negative, got %s", c.AnomalyResetPct)
	}
	return nil
}

// GuardrailConfig bounds the post-trade stock allocation and order frequency.
type GuardrailConfig struct {
	MinStockPct     decimal.Decimal `json:"minStockPct"`
	MaxStockPct     decimal.Decimal `json:"maxStockPct"`
	MaxOrdersPerDay int             `json:"maxOrdersPerDay"`
	MaxTradePct     decimal.Decimal `json:"maxTradePct"` // zero disables; fraction of total value per trade
}

// DefaultGuardrailConfig returns the 25/75 allocation band.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		MinStockPct:     decimal.NewFromFloat(0.25),
		MaxStockPct:     decimal.NewFromFloat(0.75),
		MaxOrdersPerDay: 10,
	}
}

// Validate checks band sanity.
func (c GuardrailConfig) Validate() error {
	if c.MinStockPct.IsNegative() || c.MaxStockPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("stock pct bounds must lie in [0,1] (min=%s max=%s)", c.MinStockPct, c.MaxStockPct)
	}
	if c.MinStockPct.GreaterThan(c.MaxStockPct) {
		return fmt.Errorf("minStockPct %s exceeds maxStockPct %s", c.MinStockPct, c.MaxStockPct)
	}
	if c.MaxOrdersPerDay < 0 {
		return fmt.Errorf("maxOrdersPerDay must be non-negative, got %d", c.MaxOrdersPerDay)
	}
	if c.MaxTradePct.IsNegative() {
		return fmt.Errorf("maxTradePct must be non-negative, got %s", c.MaxTradePct)
	}
	return nil
}

// OrderPolicyConfig carries per-position order sizing and rounding rules.
type OrderPolicyConfig struct {
	MinQty          decimal.Decimal `json:"minQty"`
	MinNotional     decimal.Decimal `json:"minNotional"`
	LotSize         decimal.Decimal `json:"lotSize"` // zero disables lot clamping
	QtyStep         decimal.Decimal `json:"qtyStep"`
	ActionBelowMin  BelowMinAction  `json:"actionBelowMin"`
	CommissionRate  decimal.Decimal `json:"commissionRate"`
	AllowAfterHours bool            `json:"allowAfterHours"`
}

// DefaultOrderPolicyConfig returns fractional-share-friendly defaults.
func DefaultOrderPolicyConfig() OrderPolicyConfig {
	return OrderPolicyConfig{
		MinQty:         decimal.NewFromFloat(0.0001),
		MinNotional:    decimal.NewFromInt(100),
		QtyStep:        decimal.NewFromFloat(0.0001),
		ActionBelowMin: BelowMinHold,
		CommissionRate: decimal.Zero,
	}
}

// Validate checks policy sanity.
func (c OrderPolicyConfig) Validate() error {
	if c.MinQty.IsNegative() || c.MinNotional.IsNegative() {
		return fmt.Errorf("order minimums must be non-negative (qty=%s notional=%s)", c.MinQty, c.MinNotional)
	}
	if c.QtyStep.IsNegative() || c.LotSize.IsNegative() {
		return fmt.Errorf("qty step and lot size must be non-negative (step=%s lot=%s)", c.QtyStep, c.LotSize)
	}
	if c.ActionBelowMin != BelowMinHold && c.ActionBelowMin != BelowMinReject {
		return fmt.Errorf("unknown below-min action %q", c.ActionBelowMin)
	}
	if c.CommissionRate.IsNegative() {
		return fmt.Errorf("commission rate must be non-negative, got %s", c.CommissionRate)
	}
	return nil
}

// Quantize rounds an absolute quantity down to the configured step and clamps
// it to whole lots. Truncation toward zero, never banker's rounding.
func (c OrderPolicyConfig) Quantize(qty decimal.Decimal) decimal.Decimal {
	q := qty.Abs()
	if c.QtyStep.IsPositive() {
		q = q.Div(c.QtyStep).Truncate(0).Mul(c.QtyStep)
	}
	if c.LotSize.IsPositive() {
		q = q.Div(c.LotSize).Truncate(0).Mul(c.LotSize)
	}
	return q
}

// BelowMin reports whether a quantized quantity fails the size minimums at
// the given price.
func (c OrderPolicyConfig) BelowMin(qty, price decimal.Decimal) (bool, string) {
	if qty.LessThan(c.MinQty) || qty.IsZero() {
		return true, "below_min_qty"
	}
	if qty.Mul(price).LessThan(c.MinNotional) {
		return true, "min_notional"
	}
	return false, ""
}

// PositionConfig bundles the three per-position config value objects as the
// ConfigRepo resolves them.
type PositionConfig struct {
	Trigger   TriggerConfig     `json:"trigger"`
	Guardrail GuardrailConfig   `json:"guardrail"`
	Policy    OrderPolicyConfig `json:"policy"`
}

// DefaultPositionConfig returns the default trio.
func DefaultPositionConfig() PositionConfig {
	return PositionConfig{
		Trigger:   DefaultTriggerConfig(),
		Guardrail: DefaultGuardrailConfig(),
		Policy:    DefaultOrderPolicyConfig(),
	}
}

// Validate checks all three members.
func (c PositionConfig) Validate() error {
	if err := c.Trigger.Validate(); err != nil {
		return err
	}
	if err := c.Guardrail.Validate(); err != nil {
		return err
	}
	return c.Policy.Validate()
}
