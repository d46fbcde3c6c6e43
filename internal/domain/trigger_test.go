package domain_test

import (
	"testing"

	"github.com/anchortrade/rebalance-backend/internal/domain"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEvaluateTrigger(t *testing.T) {
	tau := dec("0.03")

	cases := []struct {
		name      string
		anchor    string
		price     string
		fired     bool
		direction types.TriggerDirection
		reason    string
	}{
		{"inside band", "100", "101", false, types.TriggerNone, domain.ReasonInsideBand},
		{"inside band down", "100", "98", false, types.TriggerNone, domain.ReasonInsideBand},
		{"up cross", "100", "110", true, types.TriggerUp, domain.ReasonThresholdUp},
		{"down cross", "100", "95", true, types.TriggerDown, domain.ReasonThresholdDn},
		{"exact up tie fires", "100", "103", true, types.TriggerUp, domain.ReasonThresholdUp},
		{"exact down tie fires", "100", "97", true, types.TriggerDown, domain.ReasonThresholdDn},
		{"no anchor", "0", "100", false, types.TriggerNone, domain.ReasonNoAnchor},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := domain.EvaluateTrigger(dec(c.anchor), dec(c.price), tau, tau)
			if res.Fired != c.fired {
				t.Errorf("fired = %v, want %v", res.Fired, c.fired)
			}
			if res.Direction != c.direction {
				t.Errorf("direction = %s, want %s", res.Direction, c.direction)
			}
			if res.Reason != c.reason {
				t.Errorf("reason = %q, want %q", res.Reason, c.reason)
			}
		})
	}
}

func TestIsAnomaly(t *testing.T) {
	if !domain.IsAnomaly(dec("0.6"), dec("0.5")) {
		t.Error("60% gap should be an anomaly at 50% threshold")
	}
	if domain.IsAnomaly(dec("0.5"), dec("0.5")) {
		t.Error("exact threshold is not an anomaly")
	}
	if domain.IsAnomaly(dec("0.9"), decimal.Zero) {
		t.Error("zero threshold disables the anomaly check")
	}
}

func TestRawSize(t *testing.T) {
	// Scenario from the sizing formula: anchor=100, price=110, qty=10,
	// cash=1000, r=1.6667 -> |dQ| = (100/110)*1.6667*(2100/110) ~= 28.926.
	got := domain.RawSize(dec("100"), dec("110"), dec("10"), dec("1000"), dec("1.6667"), true)
	if !got.IsNegative() {
		t.Fatalf("sell size should be negative, got %s", got)
	}
	abs := got.Abs()
	if abs.Sub(dec("28.926")).Abs().GreaterThan(dec("0.01")) {
		t.Errorf("|raw qty| = %s, want ~28.926", abs)
	}

	// Buy side: positive.
	got = domain.RawSize(dec("100"), dec("95"), dec("10"), dec("1000"), dec("1.6667"), false)
	if !got.IsPositive() {
		t.Errorf("buy size should be positive, got %s", got)
	}

	// Degenerate inputs.
	if !domain.RawSize(decimal.Zero, dec("95"), dec("10"), dec("1000"), dec("1.6667"), false).IsZero() {
		t.Error("zero anchor should size to zero")
	}
	if !domain.RawSize(dec("100"), decimal.Zero, dec("10"), dec("1000"), dec("1.6667"), false).IsZero() {
		t.Error("zero price should size to zero")
	}
}
