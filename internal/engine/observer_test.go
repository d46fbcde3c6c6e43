package engine

import (
	"context"
	"testing"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

type countingObserver struct {
	evals    []string // mode/action
	submits  []string // side
	replays  int
	fills    int
	breaches int
}

func (o *countingObserver) ObserveEvaluation(mode, action string, seconds float64) {
	o.evals = append(o.evals, mode+"/"+action)
}
func (o *countingObserver) OrderSubmitted(side string) { o.submits = append(o.submits, side) }
func (o *countingObserver) OrderReplayed()             { o.replays++ }
func (o *countingObserver) FillApplied()               { o.fills++ }
func (o *countingObserver) GuardrailBreach()           { o.breaches++ }

func TestObserverSeesLifecycle(t *testing.T) {
	rig := newTestRig(t)
	obs := &countingObserver{}
	rig.engine.obs = obs
	ctx := context.Background()
	rig.seedPosition(t, "10", "1000", "100", "110", types.DefaultPositionConfig())

	out, err := rig.engine.Evaluate(ctx, evalReq("pos-1"))
	if err != nil || out.Proposal == nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(obs.evals) != 1 || obs.evals[0] != "live/SELL" {
		t.Fatalf("evals = %v", obs.evals)
	}

	req := SubmitRequest{
		TenantID: "t1", PortfolioID: "pf1", PositionID: "pos-1",
		IdempotencyKey: "tick-1", Proposal: *out.Proposal,
	}
	sub, err := rig.engine.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(obs.submits) != 1 || obs.submits[0] != "sell" {
		t.Fatalf("submits = %v", obs.submits)
	}

	// Replays count separately from fresh submissions.
	if _, err := rig.engine.Submit(ctx, req); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if obs.replays != 1 || len(obs.submits) != 1 {
		t.Fatalf("replays = %d, submits = %v", obs.replays, obs.submits)
	}

	if _, err := rig.engine.ApplyFill(ctx, ports.Fill{
		OrderID: sub.Order.ID, Qty: out.Proposal.Qty, Price: dec("110"),
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if obs.fills != 1 {
		t.Fatalf("fills = %d", obs.fills)
	}
	if obs.breaches != 0 {
		t.Fatalf("unexpected breaches = %d", obs.breaches)
	}
}

func TestObserverSeesGuardrailBreach(t *testing.T) {
	rig := newTestRig(t)
	obs := &countingObserver{}
	rig.engine.obs = obs
	ctx := context.Background()
	rig.seedPosition(t, "0", "50", "48", "50", looseConfig()) // cash covers only 1 share
	rig.seedOrder(t, "order-1", "buy", "2", "0")

	_, err := rig.engine.ApplyFill(ctx, ports.Fill{OrderID: "order-1", Qty: dec("2"), Price: dec("50")})
	if _, ok := IsGuardrailBreach(err); !ok {
		t.Fatalf("err = %v, want guardrail breach", err)
	}
	if obs.breaches != 1 {
		t.Errorf("breaches = %d, want 1", obs.breaches)
	}
	if obs.fills != 0 {
		t.Errorf("breached fill counted as applied: fills = %d", obs.fills)
	}
}
