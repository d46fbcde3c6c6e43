package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/workers"
)

// StuckOrdersCheck flags open orders that have not reached a terminal state
// within the age limit.
type StuckOrdersCheck struct {
	Orders ports.OrderRepo
	Clock  ports.Clock
	MaxAge time.Duration
}

// Name implements Check.
func (c *StuckOrdersCheck) Name() string { return "stuck_orders" }

// Run implements Check.
func (c *StuckOrdersCheck) Run(ctx context.Context) ([]Finding, error) {
	open, err := c.Orders.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	now := c.Clock.Now()
	var findings []Finding
	for _, order := range open {
		age := now.Sub(order.CreatedAt)
		if age > c.MaxAge {
			findings = append(findings, Finding{
				Subject:  order.ID,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("order %s has been %s for %s", order.ID, order.Status, age.Round(time.Second)),
			})
		}
	}
	return findings, nil
}

// StalePricesCheck flags tracked symbols whose reference price is no longer
// fresh. Outside market hours prices legitimately stop moving, so the check
// only fires while the market is open.
type StalePricesCheck struct {
	Market  ports.MarketData
	Symbols func() []string
}

// Name implements Check.
func (c *StalePricesCheck) Name() string { return "stale_prices" }

// Run implements Check.
func (c *StalePricesCheck) Run(ctx context.Context) ([]Finding, error) {
	if status, err := c.Market.GetMarketStatus(ctx); err == nil && !status.IsOpen {
		return nil, nil
	}
	var findings []Finding
	for _, symbol := range c.Symbols() {
		ref, err := c.Market.GetReferencePrice(ctx, symbol)
		if err != nil {
			findings = append(findings, Finding{
				Subject:  symbol,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("no reference price for %s: %v", symbol, err),
			})
			continue
		}
		if !ref.IsFresh {
			findings = append(findings, Finding{
				Subject:  symbol,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("reference price for %s is stale (as of %s)", symbol, ref.Timestamp.UTC().Format(time.RFC3339)),
			})
		}
	}
	return findings, nil
}

// DailyCapCheck flags positions that have used up their daily order cap.
type DailyCapCheck struct {
	Orders  ports.OrderRepo
	Configs ports.ConfigRepo
	Clock   ports.Clock
	// Positions lists the position ids under management.
	Positions func() []string
}

// Name implements Check.
func (c *DailyCapCheck) Name() string { return "daily_cap" }

// Run implements Check.
func (c *DailyCapCheck) Run(ctx context.Context) ([]Finding, error) {
	day := c.Clock.Now().UTC()
	var findings []Finding
	for _, id := range c.Positions() {
		cfg, err := c.Configs.Resolve(ctx, id)
		if err != nil || cfg.Guardrail.MaxOrdersPerDay <= 0 {
			continue
		}
		count, err := c.Orders.CountForPositionOnDay(ctx, id, day)
		if err != nil {
			return nil, err
		}
		if count >= cfg.Guardrail.MaxOrdersPerDay {
			findings = append(findings, Finding{
				Subject:  id,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("position %s used %d of %d daily orders", id, count, cfg.Guardrail.MaxOrdersPerDay),
			})
		}
	}
	return findings, nil
}

// PoolBacklogCheck flags a dispatch pool whose queue stays above the limit.
type PoolBacklogCheck struct {
	Stats    func() workers.Stats
	MaxQueue int
}

// Name implements Check.
func (c *PoolBacklogCheck) Name() string { return "pool_backlog" }

// Run implements Check.
func (c *PoolBacklogCheck) Run(ctx context.Context) ([]Finding, error) {
	stats := c.Stats()
	if stats.QueueLength > c.MaxQueue {
		return []Finding{{
			Subject:  "live",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("tick queue depth %d exceeds %d", stats.QueueLength, c.MaxQueue),
		}}, nil
	}
	return nil, nil
}
