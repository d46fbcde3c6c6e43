package storage

import (
	"context"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

// NotifyingPositions decorates a position repository with an after-save hook.
// The composition root points the hook at the WebSocket hub so clients see
// position state as soon as it persists. The hook runs on the caller's
// goroutine and must not block.
type NotifyingPositions struct {
	ports.PositionRepo
	OnSave func(*types.Position)
}

// Save persists the position, then fires the hook.
func (n *NotifyingPositions) Save(ctx context.Context, pos *types.Position) error {
	if err := n.PositionRepo.Save(ctx, pos); err != nil {
		return err
	}
	if n.OnSave != nil {
		n.OnSave(pos)
	}
	return nil
}

// NotifyingOrders decorates an order repository with an after-save hook.
type NotifyingOrders struct {
	ports.OrderRepo
	OnSave func(*types.Order)
}

// Save persists the order, then fires the hook.
func (n *NotifyingOrders) Save(ctx context.Context, order *types.Order) error {
	if err := n.OrderRepo.Save(ctx, order); err != nil {
		return err
	}
	if n.OnSave != nil {
		n.OnSave(order)
	}
	return nil
}

// NotifyingRecords decorates a timeline repository with an after-append hook.
type NotifyingRecords struct {
	timeline.Repo
	OnAppend func(timeline.Record)
}

// Append persists the record, then fires the hook.
func (n *NotifyingRecords) Append(ctx context.Context, rec timeline.Record) error {
	if err := n.Repo.Append(ctx, rec); err != nil {
		return err
	}
	if n.OnAppend != nil {
		n.OnAppend(rec)
	}
	return nil
}
