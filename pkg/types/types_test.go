package types_test

import (
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to types.OrderStatus
		ok       bool
	}{
		{types.OrderStatusCreated, types.OrderStatusSubmitted, true},
		{types.OrderStatusSubmitted, types.OrderStatusPending, true},
		{types.OrderStatusSubmitted, types.OrderStatusWorking, true},
		{types.OrderStatusWorking, types.OrderStatusPartial, true},
		{types.OrderStatusPartial, types.OrderStatusFilled, true},
		{types.OrderStatusSubmitted, types.OrderStatusFilled, true},
		{types.OrderStatusSubmitted, types.OrderStatusRejected, true},
		{types.OrderStatusFilled, types.OrderStatusSubmitted, false},
		{types.OrderStatusFilled, types.OrderStatusPartial, false},
		{types.OrderStatusRejected, types.OrderStatusFilled, false},
		{types.OrderStatusPartial, types.OrderStatusSubmitted, false},
		{types.OrderStatusPending, types.OrderStatusWorking, false}, // same rank
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPositionApplyFill(t *testing.T) {
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	pos, err := types.NewPosition("p1", "t1", "pf1", "AAPL", decimal.NewFromInt(1000), now)
	if err != nil {
		t.Fatalf("NewPosition: %v", err)
	}

	// Buy 2 @ 50 with commission 1 -> cash 899, qty 2.
	err = pos.ApplyFill(types.OrderSideBuy, decimal.NewFromInt(2), decimal.NewFromInt(50), decimal.NewFromInt(1), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ApplyFill buy: %v", err)
	}
	if !pos.Qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("qty = %s, want 2", pos.Qty)
	}
	if !pos.Cash.Equal(decimal.NewFromInt(899)) {
		t.Errorf("cash = %s, want 899", pos.Cash)
	}
	if !pos.TotalCommissionPaid.Equal(decimal.NewFromInt(1)) {
		t.Errorf("total commission = %s, want 1", pos.TotalCommissionPaid)
	}

	// Selling more than held must fail without mutating state.
	before := pos.Snapshot()
	err = pos.ApplyFill(types.OrderSideSell, decimal.NewFromInt(3), decimal.NewFromInt(50), decimal.Zero, now.Add(2*time.Minute))
	if err == nil {
		t.Fatal("expected error selling more than held")
	}
	if !pos.Qty.Equal(before.Qty) || !pos.Cash.Equal(before.Cash) {
		t.Error("failed fill mutated position state")
	}

	// Buy that would drive cash negative must fail.
	err = pos.ApplyFill(types.OrderSideBuy, decimal.NewFromInt(100), decimal.NewFromInt(50), decimal.Zero, now.Add(3*time.Minute))
	if err == nil {
		t.Fatal("expected error on insufficient cash")
	}
}

func TestPositionApplyFillConservesValueAtZeroCommission(t *testing.T) {
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	pos, _ := types.NewPosition("p1", "t1", "pf1", "AAPL", decimal.NewFromInt(1000), now)

	// A buy/sell round trip at the same price and zero commission moves value
	// between cash and stock without creating or destroying any.
	qty := decimal.RequireFromString("3.7")
	price := decimal.RequireFromString("41.25")
	if err := pos.ApplyFill(types.OrderSideBuy, qty, price, decimal.Zero, now.Add(time.Minute)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	value := pos.Cash.Add(pos.Qty.Mul(price))
	if !value.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("value after buy = %s, want 1000", value)
	}
	if err := pos.ApplyFill(types.OrderSideSell, qty, price, decimal.Zero, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !pos.Cash.Equal(decimal.NewFromInt(1000)) || !pos.Qty.IsZero() {
		t.Errorf("round trip ended at cash=%s qty=%s, want 1000/0", pos.Cash, pos.Qty)
	}
}

func TestPositionUpdatedAtMonotonic(t *testing.T) {
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	pos, _ := types.NewPosition("p1", "t1", "pf1", "AAPL", decimal.NewFromInt(1000), now)

	// Applying a mutation with a timestamp in the past must still advance
	// updated_at.
	prev := pos.UpdatedAt
	if err := pos.ApplyDividend(decimal.NewFromInt(1), now.Add(-time.Hour)); err != nil {
		t.Fatalf("ApplyDividend: %v", err)
	}
	if !pos.UpdatedAt.After(prev) {
		t.Errorf("updated_at did not advance: %s -> %s", prev, pos.UpdatedAt)
	}
}

func TestSetAnchor(t *testing.T) {
	now := time.Now().UTC()
	pos, _ := types.NewPosition("p1", "t1", "pf1", "AAPL", decimal.NewFromInt(1000), now)

	if pos.HasAnchor() {
		t.Error("fresh position should have no anchor")
	}
	old, err := pos.SetAnchor(decimal.NewFromInt(48), now)
	if err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}
	if !old.IsZero() {
		t.Errorf("old anchor = %s, want 0", old)
	}
	old, err = pos.SetAnchor(decimal.NewFromInt(50), now)
	if err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}
	if !old.Equal(decimal.NewFromInt(48)) {
		t.Errorf("old anchor = %s, want 48", old)
	}
	if _, err := pos.SetAnchor(decimal.Zero, now); err == nil {
		t.Error("expected error setting zero anchor")
	}
}

func TestOrderPolicyQuantize(t *testing.T) {
	policy := types.OrderPolicyConfig{
		QtyStep: decimal.NewFromFloat(0.01),
	}

	cases := []struct {
		in, want string
	}{
		{"28.9267", "28.92"},
		{"0.0099", "0"},
		{"2", "2"},
		{"-3.456", "3.45"}, // quantize works on absolute values
	}
	for _, c := range cases {
		in, _ := decimal.NewFromString(c.in)
		want, _ := decimal.NewFromString(c.want)
		if got := policy.Quantize(in); !got.Equal(want) {
			t.Errorf("Quantize(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestOrderPolicyBelowMin(t *testing.T) {
	policy := types.DefaultOrderPolicyConfig() // min notional 100

	below, reason := policy.BelowMin(decimal.NewFromFloat(0.5), decimal.NewFromInt(100))
	if below {
		t.Errorf("0.5 @ 100 should pass, got reason %q", reason)
	}

	below, reason = policy.BelowMin(decimal.NewFromFloat(0.5), decimal.NewFromInt(50))
	if !below || reason != "min_notional" {
		t.Errorf("0.5 @ 50 should fail min_notional, got below=%v reason=%q", below, reason)
	}

	below, reason = policy.BelowMin(decimal.Zero, decimal.NewFromInt(100))
	if !below || reason != "below_min_qty" {
		t.Errorf("zero qty should fail below_min_qty, got below=%v reason=%q", below, reason)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := types.DefaultPositionConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := cfg
	bad.Guardrail.MinStockPct = decimal.NewFromFloat(0.8)
	bad.Guardrail.MaxStockPct = decimal.NewFromFloat(0.2)
	if err := bad.Validate(); err == nil {
		t.Error("inverted guardrail band should fail validation")
	}

	bad = cfg
	bad.Trigger.TauUp = decimal.Zero
	if err := bad.Validate(); err == nil {
		t.Error("zero threshold should fail validation")
	}

	bad = cfg
	bad.Policy.ActionBelowMin = "explode"
	if err := bad.Validate(); err == nil {
		t.Error("unknown below-min action should fail validation")
	}
}
