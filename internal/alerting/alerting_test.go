package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/storage"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeCheck struct {
	name     string
	findings []Finding
}

func (c *fakeCheck) Name() string                               { return c.name }
func (c *fakeCheck) Run(ctx context.Context) ([]Finding, error) { return c.findings, nil }

func TestManagerRaisesOnceAndAutoResolves(t *testing.T) {
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	sink := audit.NewMemorySink()
	mgr := NewManager(zap.NewNop(), DefaultConfig(), sink, clock)
	check := &fakeCheck{name: "test", findings: []Finding{{Subject: "pos-1", Message: "bad"}}}
	mgr.Register(check)

	mgr.RunChecks(context.Background())
	if got := mgr.Active(); len(got) != 1 || got[0].Subject != "pos-1" {
		t.Fatalf("active = %+v", got)
	}

	// The same finding on the next run does not raise a second alert.
	mgr.RunChecks(context.Background())
	if got := mgr.Active(); len(got) != 1 {
		t.Fatalf("duplicate alert raised: %+v", got)
	}
	if raised := sink.ByType(audit.EventAlertRaised); len(raised) != 1 {
		t.Fatalf("expected 1 AlertRaised event, got %d", len(raised))
	}

	// Once the finding clears, the alert resolves.
	check.findings = nil
	clock.Advance(time.Minute)
	mgr.RunChecks(context.Background())
	if got := mgr.Active(); len(got) != 0 {
		t.Fatalf("alert not resolved: %+v", got)
	}
	history := mgr.History()
	if len(history) != 1 || history[0].Active || history[0].ResolvedAt.IsZero() {
		t.Fatalf("history = %+v", history)
	}
	if resolved := sink.ByType(audit.EventAlertResolved); len(resolved) != 1 {
		t.Fatalf("expected 1 AlertResolved event, got %d", len(resolved))
	}
}

func TestStuckOrdersCheck(t *testing.T) {
	ctx := context.Background()
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	store := storage.NewMemory()

	created := clock.Now()
	store.Orders().Save(ctx, &types.Order{
		ID: "order-1", PositionID: "pos-1", Side: types.OrderSideBuy,
		Qty: decimal.NewFromInt(1), Status: types.OrderStatusSubmitted,
		CreatedAt: created, UpdatedAt: created,
	})

	check := &StuckOrdersCheck{Orders: store.Orders(), Clock: clock, MaxAge: time.Hour}
	findings, err := check.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("fresh order flagged: %+v", findings)
	}

	clock.Advance(2 * time.Hour)
	findings, err = check.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Subject != "order-1" {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestDailyCapCheck(t *testing.T) {
	ctx := context.Background()
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	store := storage.NewMemory()

	cfg := types.DefaultPositionConfig()
	cfg.Guardrail.MaxOrdersPerDay = 1
	store.Configs().Save(ctx, "pos-1", cfg)

	check := &DailyCapCheck{
		Orders:    store.Orders(),
		Configs:   store.Configs(),
		Clock:     clock,
		Positions: func() []string { return []string{"pos-1"} },
	}
	findings, err := check.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("unexpected findings: %+v", findings)
	}

	now := clock.Now()
	store.Orders().Save(ctx, &types.Order{
		ID: "order-1", PositionID: "pos-1", Side: types.OrderSideBuy,
		Qty: decimal.NewFromInt(1), Status: types.OrderStatusFilled,
		CreatedAt: now, UpdatedAt: now,
	})
	findings, err = check.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Subject != "pos-1" {
		t.Fatalf("findings = %+v", findings)
	}
}
