package live

import (
	"context"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/engine"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/retry"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciler repairs divergence between local orders and the broker's view:
// missed fill callbacks become synthetic fills, broker-side terminal states
// propagate to the local order.
type Reconciler struct {
	logger *zap.Logger
	engine *engine.Engine
	orders ports.OrderRepo
	broker ports.Broker
	clock  ports.Clock

	interval time.Duration
	retry    retry.Config
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReconciler builds the reconciliation worker.
func NewReconciler(logger *zap.Logger, eng *engine.Engine, orders ports.OrderRepo, brk ports.Broker, clock ports.Clock, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		logger:   logger.Named("reconciler"),
		engine:   eng,
		orders:   orders,
		broker:   brk,
		clock:    clock,
		interval: interval,
		retry:    retry.DefaultConfig(),
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
}

// Stop terminates the loop and waits for it.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs a single pass over all open orders.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	open, err := r.orders.ListOpen(ctx)
	if err != nil {
		r.logger.Error("list open orders failed", zap.Error(err))
		return
	}
	for _, order := range open {
		if order.BrokerOrderID == "" {
			continue
		}
		r.reconcileOrder(ctx, order)
	}
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order *types.Order) {
	state, err := retry.Do(ctx, r.retry, func(ctx context.Context) (ports.BrokerOrderState, error) {
		return r.broker.Status(ctx, order.BrokerOrderID)
	})
	if err != nil {
		r.logger.Warn("broker status lookup failed",
			zap.String("orderId", order.ID),
			zap.String("brokerOrderId", order.BrokerOrderID),
			zap.Error(err),
		)
		return
	}

	// Missed fills surface as a quantity gap; apply the delta as one
	// synthetic fill at the broker's average price.
	if state.FilledQty.GreaterThan(order.FilledQty) {
		delta := state.FilledQty.Sub(order.FilledQty)
		commission := state.Commission.Sub(order.TotalCommission)
		if commission.IsNegative() {
			commission = decimal.Zero
		}
		r.logger.Info("reconciling missed fill",
			zap.String("orderId", order.ID),
			zap.String("deltaQty", delta.String()),
		)
		if _, err := r.engine.ApplyFill(ctx, ports.Fill{
			OrderID:       order.ID,
			BrokerOrderID: order.BrokerOrderID,
			Qty:           delta,
			Price:         state.AvgPrice,
			Commission:    commission,
			Timestamp:     r.clock.Now(),
		}); err != nil {
			r.logger.Error("reconciled fill failed",
				zap.String("orderId", order.ID),
				zap.Error(err),
			)
		}
		return
	}

	// Broker-side terminal states propagate when no quantity is owed.
	if state.Status == types.OrderStatusCancelled || state.Status == types.OrderStatusRejected {
		fresh, err := r.orders.Get(ctx, order.ID)
		if err != nil {
			return
		}
		if fresh.Status.IsTerminal() {
			return
		}
		if err := fresh.Transition(state.Status, r.clock.Now()); err != nil {
			r.logger.Warn("terminal state propagation failed",
				zap.String("orderId", order.ID),
				zap.Error(err),
			)
			return
		}
		fresh.BrokerStatus = string(state.Status)
		if err := r.orders.Save(ctx, fresh); err != nil {
			r.logger.Error("save reconciled order failed",
				zap.String("orderId", order.ID),
				zap.Error(err),
			)
		}
	}
}
