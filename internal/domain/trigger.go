// Package domain holds the pure decision functions of the rebalancing engine:
// trigger detection, trade sizing and guardrail evaluation. Nothing in this
// package performs I/O, reads the clock, or touches configuration globals.
package domain

import (
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// TriggerResult is the outcome of one threshold check.
type TriggerResult struct {
	Fired     bool
	Direction types.TriggerDirection
	Delta     decimal.Decimal // (price - anchor) / anchor; zero when no anchor
	Reason    string
}

// Trigger reasons recorded on the evaluation timeline.
const (
	ReasonNoAnchor    = "no_anchor"
	ReasonInsideBand  = "inside_band"
	ReasonThresholdUp = "threshold_up"
	ReasonThresholdDn = "threshold_down"
	ReasonAnomaly     = "anomaly_detected"
)

// EvaluateTrigger compares price against the anchor and the tau thresholds.
// An exact threshold touch fires. An unset or non-positive anchor never fires.
func EvaluateTrigger(anchor, price, tauUp, tauDown decimal.Decimal) TriggerResult {
	if !anchor.IsPositive() {
		return TriggerResult{Direction: types.TriggerNone, Reason: ReasonNoAnchor}
	}
	delta := price.Sub(anchor).Div(anchor)
	switch {
	case delta.GreaterThanOrEqual(tauUp):
		return TriggerResult{Fired: true, Direction: types.TriggerUp, Delta: delta, Reason: ReasonThresholdUp}
	case delta.LessThanOrEqual(tauDown.Neg()):
		return TriggerResult{Fired: true, Direction: types.TriggerDown, Delta: delta, Reason: ReasonThresholdDn}
	default:
		return TriggerResult{Direction: types.TriggerNone, Delta: delta, Reason: ReasonInsideBand}
	}
}

// IsAnomaly reports whether the deviation exceeds the anomaly threshold,
// typically a corporate-action gap. A zero threshold disables the check.
func IsAnomaly(delta, anomalyPct decimal.Decimal) bool {
	if !anomalyPct.IsPositive() {
		return false
	}
	return delta.Abs().GreaterThan(anomalyPct)
}
