package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/domain"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

// WorkerState is a scheduler's report for one managed position loop. The
// composition root adapts the scheduler's status snapshot into this shape so
// the checks stay decoupled from the live package.
type WorkerState struct {
	PositionID string
	Running    bool
	LastTickAt time.Time
	Interval   time.Duration
}

// WorkerLivenessCheck flags positions whose loop is marked running but has
// stopped producing ticks: a dead worker on an enabled position.
type WorkerLivenessCheck struct {
	Clock   ports.Clock
	Workers func() []WorkerState
	// Grace is extra slack beyond one interval before a silent worker counts
	// as dead.
	Grace time.Duration
}

// Name implements Check.
func (c *WorkerLivenessCheck) Name() string { return "worker_liveness" }

// Run implements Check.
func (c *WorkerLivenessCheck) Run(ctx context.Context) ([]Finding, error) {
	grace := c.Grace
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	now := c.Clock.Now()
	var findings []Finding
	for _, w := range c.Workers() {
		if !w.Running {
			continue
		}
		// A freshly started worker has not ticked yet; it is excused until
		// the first tick lands.
		last := w.LastTickAt
		if last.IsZero() {
			continue
		}
		if silence := now.Sub(last); silence > w.Interval+grace {
			findings = append(findings, Finding{
				Subject:  w.PositionID,
				Severity: SeverityCritical,
				Message: fmt.Sprintf("position %s is enabled but its worker has been silent for %s (interval %s)",
					w.PositionID, silence.Round(time.Second), w.Interval),
			})
		}
	}
	return findings, nil
}

// EvaluationGapCheck flags positions with no evaluation during market hours
// within the window. Outside market hours a quiet loop is expected.
type EvaluationGapCheck struct {
	Market  ports.MarketData
	Clock   ports.Clock
	Workers func() []WorkerState
	// Window is how long market-hours silence is tolerated.
	Window time.Duration
}

// Name implements Check.
func (c *EvaluationGapCheck) Name() string { return "evaluation_gap" }

// Run implements Check.
func (c *EvaluationGapCheck) Run(ctx context.Context) ([]Finding, error) {
	status, err := c.Market.GetMarketStatus(ctx)
	if err != nil {
		return nil, err
	}
	if !status.IsOpen {
		return nil, nil
	}
	window := c.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	now := c.Clock.Now()
	var findings []Finding
	for _, w := range c.Workers() {
		if !w.Running || w.LastTickAt.IsZero() {
			continue
		}
		if gap := now.Sub(w.LastTickAt); gap > window {
			findings = append(findings, Finding{
				Subject:  w.PositionID,
				Severity: SeverityWarning,
				Message: fmt.Sprintf("no evaluation for position %s in %s with the market open",
					w.PositionID, gap.Round(time.Second)),
			})
		}
	}
	return findings, nil
}

// OrderRejectionCheck flags any order rejection inside the window.
type OrderRejectionCheck struct {
	Orders ports.OrderRepo
	Clock  ports.Clock
	Window time.Duration
}

// Name implements Check.
func (c *OrderRejectionCheck) Name() string { return "order_rejections" }

// Run implements Check.
func (c *OrderRejectionCheck) Run(ctx context.Context) ([]Finding, error) {
	window := c.Window
	if window <= 0 {
		window = time.Hour
	}
	since := c.Clock.Now().Add(-window)
	recent, err := c.Orders.ListUpdatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, order := range recent {
		if order.Status != types.OrderStatusRejected {
			continue
		}
		findings = append(findings, Finding{
			Subject:  order.ID,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("order %s for position %s was rejected at %s",
				order.ID, order.PositionID, order.UpdatedAt.UTC().Format(time.RFC3339)),
		})
	}
	return findings, nil
}

// guardrailReasons are the block reasons that count as guardrail skips.
var guardrailReasons = map[string]struct{}{
	domain.ReasonInsufficientCash: {},
	domain.ReasonInsufficientQty:  {},
	domain.ReasonAllocBelowMin:    {},
	domain.ReasonAllocAboveMax:    {},
}

// GuardrailSkipsCheck flags positions whose guardrail skip count inside the
// window reaches the threshold: the configuration wants trades the guardrails
// keep refusing.
type GuardrailSkipsCheck struct {
	Records timeline.Repo
	Clock   ports.Clock
	Window  time.Duration
	// Threshold is the skip count that raises the alert; minimum 1.
	Threshold int
}

// Name implements Check.
func (c *GuardrailSkipsCheck) Name() string { return "guardrail_skips" }

// Run implements Check.
func (c *GuardrailSkipsCheck) Run(ctx context.Context) ([]Finding, error) {
	window := c.Window
	if window <= 0 {
		window = time.Hour
	}
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	since := c.Clock.Now().Add(-window)
	records, err := c.Records.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, rec := range records {
		if rec.Action != types.ActionSkip {
			continue
		}
		if _, ok := guardrailReasons[rec.BlockReason]; !ok {
			continue
		}
		counts[rec.PositionID]++
	}
	var findings []Finding
	for positionID, n := range counts {
		if n >= threshold {
			findings = append(findings, Finding{
				Subject:  positionID,
				Severity: SeverityWarning,
				Message: fmt.Sprintf("position %s hit guardrail skips %d times in %s",
					positionID, n, window),
			})
		}
	}
	return findings, nil
}

// BrokerReachableCheck probes the broker connection.
type BrokerReachableCheck struct {
	Broker ports.Broker
}

// Name implements Check.
func (c *BrokerReachableCheck) Name() string { return "broker_reachable" }

// Run implements Check.
func (c *BrokerReachableCheck) Run(ctx context.Context) ([]Finding, error) {
	if err := c.Broker.Ping(ctx); err != nil {
		return []Finding{{
			Subject:  "broker",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("broker unreachable: %v", err),
		}}, nil
	}
	return nil, nil
}
