// Package simulation replays historical bars through the same engine the
// live scheduler uses. Runs are hermetic (in-memory storage, fake clock,
// synchronous fills) and bit-deterministic: the same bars and configuration
// always produce the same records, trades and metrics.
package simulation

import (
	"context"
	"fmt"
	"sync"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

// simBroker acknowledges submissions without filling. The runner applies the
// fill itself, synchronously, right after submission, so every bar's order
// completes inside that bar's tick.
type simBroker struct {
	mu     sync.Mutex
	seq    int
	states map[string]ports.BrokerOrderState
}

func newSimBroker() *simBroker {
	return &simBroker{states: make(map[string]ports.BrokerOrderState)}
}

func (b *simBroker) Submit(ctx context.Context, sub ports.BrokerSubmission) (ports.BrokerAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("sim-%06d", b.seq)
	b.states[id] = ports.BrokerOrderState{Status: types.OrderStatusWorking}
	return ports.BrokerAck{BrokerOrderID: id, Status: types.OrderStatusWorking}, nil
}

func (b *simBroker) Status(ctx context.Context, brokerOrderID string) (ports.BrokerOrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[brokerOrderID]
	if !ok {
		return ports.BrokerOrderState{}, fmt.Errorf("sim order %s not found", brokerOrderID)
	}
	return state, nil
}

func (b *simBroker) Cancel(ctx context.Context, brokerOrderID string) (types.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.states[brokerOrderID]; !ok {
		return "", fmt.Errorf("sim order %s not found", brokerOrderID)
	}
	b.states[brokerOrderID] = ports.BrokerOrderState{Status: types.OrderStatusCancelled}
	return types.OrderStatusCancelled, nil
}

func (b *simBroker) Ping(ctx context.Context) error { return nil }

func (b *simBroker) OnFill(cb ports.FillCallback) {}
