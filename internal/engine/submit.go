package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/retry"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitRequest asks the engine to turn a proposal into a broker order.
type SubmitRequest struct {
	TenantID    string
	PortfolioID string
	PositionID  string
	// IdempotencyKey scopes retries: the same (position, key) pair always maps
	// to the same order. Live ticks derive the key from the tick timestamp.
	IdempotencyKey string
	Proposal       types.OrderProposal
	Recorder       *audit.Recorder
}

// SubmitOutcome reports the order and whether it was created by this call.
type SubmitOutcome struct {
	Order *types.Order
	// Reused is true when the idempotency key matched an earlier submission
	// and the stored order was returned instead of creating a new one.
	Reused bool
}

// requestSignature binds an idempotency key to the trade it was issued for.
// Replaying the key with a different side or quantity is a hard error, not a
// silent reuse.
func requestSignature(positionID string, side types.OrderSide, qty fmt.Stringer) string {
	sum := sha256.Sum256([]byte(positionID + "|" + string(side) + "|" + qty.String()))
	return hex.EncodeToString(sum[:])
}

// Submit creates and routes an order for a validated proposal. The call is
// idempotent on (position id, idempotency key): a replay with a matching
// signature returns the original order, a replay with a different signature
// fails. The UTC daily order cap is enforced before any state is written.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("submit requires an idempotency key")
	}
	if !req.Proposal.Qty.IsPositive() {
		return nil, fmt.Errorf("submit requires a positive quantity, got %s", req.Proposal.Qty)
	}

	cfg, err := e.configs.Resolve(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: position %s: %v", ErrConfigurationMissing, req.PositionID, err)
	}
	pos, err := e.positions.Get(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, req.PositionID)
	}

	rec := req.Recorder
	if rec == nil {
		rec = audit.NewRecorder(e.sink, e.clock.Now, "engine.submit", audit.Scope{
			TenantID:    req.TenantID,
			PortfolioID: req.PortfolioID,
			AssetID:     pos.AssetSymbol,
		})
	}

	lock := e.locksFor(req.PositionID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now()
	signature := requestSignature(req.PositionID, req.Proposal.Side, req.Proposal.Qty)

	stored, fresh, err := e.idem.Reserve(ctx, ports.IdempotencyRecord{
		PositionID: req.PositionID,
		Key:        req.IdempotencyKey,
		Signature:  signature,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !fresh {
		if stored.Signature != signature {
			return nil, fmt.Errorf("%w: key %s reused for a different trade", ErrSignatureMismatch, req.IdempotencyKey)
		}
		order, err := e.orders.Get(ctx, stored.OrderID)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotent replay of %s", ErrOrderNotFound, stored.OrderID)
		}
		e.logger.Info("idempotent order replay",
			zap.String("positionId", req.PositionID),
			zap.String("orderId", order.ID),
			zap.String("key", req.IdempotencyKey),
		)
		e.obs.OrderReplayed()
		return &SubmitOutcome{Order: order, Reused: true}, nil
	}

	// The cap counts orders created on the current UTC calendar date.
	if cfg.Guardrail.MaxOrdersPerDay > 0 {
		count, err := e.orders.CountForPositionOnDay(ctx, req.PositionID, now.UTC())
		if err != nil {
			return nil, fmt.Errorf("count daily orders: %w", err)
		}
		if count >= cfg.Guardrail.MaxOrdersPerDay {
			return nil, fmt.Errorf("%w: %d orders today, cap %d",
				ErrDailyOrderCapExceeded, count, cfg.Guardrail.MaxOrdersPerDay)
		}
	}

	order := &types.Order{
		ID:                     uuid.NewString(),
		TenantID:               req.TenantID,
		PortfolioID:            req.PortfolioID,
		PositionID:             req.PositionID,
		Side:                   req.Proposal.Side,
		Qty:                    req.Proposal.Qty,
		Status:                 types.OrderStatusCreated,
		IdempotencyKey:         req.IdempotencyKey,
		RequestSignature:       signature,
		CommissionRateSnapshot: cfg.Policy.CommissionRate,
		TraceID:                rec.TraceID(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	if err := e.idem.Bind(ctx, req.PositionID, req.IdempotencyKey, order.ID); err != nil {
		return nil, fmt.Errorf("bind idempotency key: %w", err)
	}
	rec.Emit(audit.EventOrderCreated, map[string]any{
		"order_id": order.ID,
		"side":     order.Side,
		"qty":      order.Qty,
		"notional": req.Proposal.Notional,
	})

	// Route to the broker under the retry policy. Retrying the same order id
	// is safe: it doubles as the broker-side idempotency token. A final
	// transport failure leaves the order in created; the same idempotency key
	// resubmits it without creating a duplicate.
	sub := ports.BrokerSubmission{
		OrderID:            order.ID,
		Symbol:             pos.AssetSymbol,
		Side:               order.Side,
		Qty:                order.Qty,
		CommissionSnapshot: order.CommissionRateSnapshot,
	}
	ack, err := retry.Do(ctx, e.retry, func(ctx context.Context) (ports.BrokerAck, error) {
		return e.broker.Submit(ctx, sub)
	})
	if err != nil {
		e.logger.Error("broker submit failed",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnreachable, err)
	}

	if err := order.Transition(types.OrderStatusSubmitted, e.clock.Now()); err != nil {
		return nil, err
	}
	order.BrokerOrderID = ack.BrokerOrderID
	order.BrokerStatus = string(ack.Status)
	if ack.Status == types.OrderStatusRejected {
		if err := order.Transition(types.OrderStatusRejected, e.clock.Now()); err != nil {
			return nil, err
		}
	} else if ack.Status.Fillable() && ack.Status != types.OrderStatusSubmitted {
		if err := order.Transition(ack.Status, e.clock.Now()); err != nil {
			return nil, err
		}
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	e.logger.Info("order submitted",
		zap.String("positionId", req.PositionID),
		zap.String("orderId", order.ID),
		zap.String("brokerOrderId", order.BrokerOrderID),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Qty.String()),
	)
	e.obs.OrderSubmitted(string(order.Side))
	if order.Status == types.OrderStatusRejected {
		return &SubmitOutcome{Order: order}, fmt.Errorf("%w: order %s", ErrBrokerRejected, order.ID)
	}
	return &SubmitOutcome{Order: order}, nil
}
