// Package engine implements the decision-and-execution pipeline: position
// evaluation, idempotent order submission and fill execution, with
// per-position serialization of all state-mutating steps.
package engine

import (
	"errors"
	"fmt"
)

// Stable error identifiers. Fatal conditions surface as these errors;
// policy-recoverable conditions become SKIP rows on the evaluation timeline
// instead.
var (
	ErrConfigurationMissing  = errors.New("configuration_missing")
	ErrPositionNotFound      = errors.New("position_not_found")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrPortfolioNotFound     = errors.New("portfolio_not_found")
	ErrSignatureMismatch     = errors.New("idempotency_signature_mismatch")
	ErrDailyOrderCapExceeded = errors.New("daily_order_cap_exceeded")
	ErrOrderNotFillable      = errors.New("order_not_fillable")
	ErrBrokerUnreachable     = errors.New("broker_unreachable")
	ErrBrokerRejected        = errors.New("broker_rejected")
)

// Skip reasons recorded on the timeline for recoverable conditions.
const (
	SkipPriceUnavailable = "price_unavailable"
	SkipPriceStale       = "price_stale"
	SkipClosedMarket     = "closed_market"
	SkipBelowMin         = "below_min"
	SkipTradingPaused    = "trading_paused"
)

// GuardrailBreachError carries the stable reason for a blocked fill.
type GuardrailBreachError struct {
	Reason string
}

func (e *GuardrailBreachError) Error() string {
	return fmt.Sprintf("guardrail breach: %s", e.Reason)
}

// IsGuardrailBreach extracts a breach reason when err wraps one.
func IsGuardrailBreach(err error) (string, bool) {
	var breach *GuardrailBreachError
	if errors.As(err, &breach) {
		return breach.Reason, true
	}
	return "", false
}
