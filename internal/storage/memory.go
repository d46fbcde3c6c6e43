// Package storage provides the persistence implementations behind the ports
// repositories: an in-memory store for tests and simulations, and a SQLite
// store for durable single-node deployments.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

// Memory is a thread-safe in-memory implementation of every repository port.
// Simulations always run on Memory so replays stay hermetic.
type Memory struct {
	mu         sync.RWMutex
	positions  map[string]types.Position
	portfolios map[string]types.Portfolio
	orders     map[string]types.Order
	trades     map[string][]types.Trade // by order id
	records    map[string][]timeline.Record
	idem       map[string]ports.IdempotencyRecord
	configs    map[string]types.PositionConfig
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		positions:  make(map[string]types.Position),
		portfolios: make(map[string]types.Portfolio),
		orders:     make(map[string]types.Order),
		trades:     make(map[string][]types.Trade),
		records:    make(map[string][]timeline.Record),
		idem:       make(map[string]ports.IdempotencyRecord),
		configs:    make(map[string]types.PositionConfig),
	}
}

func idemKey(positionID, key string) string { return positionID + "\x00" + key }

// Get returns a copy of the position.
func (m *Memory) Get(ctx context.Context, id string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s not found", id)
	}
	cp := pos
	return &cp, nil
}

// Save stores a copy of the position.
func (m *Memory) Save(ctx context.Context, pos *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = *pos
	return nil
}

// List returns positions for a tenant/portfolio pair; empty selectors match all.
func (m *Memory) List(ctx context.Context, tenantID, portfolioID string) ([]*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Position
	for _, pos := range m.positions {
		if tenantID != "" && pos.TenantID != tenantID {
			continue
		}
		if portfolioID != "" && pos.PortfolioID != portfolioID {
			continue
		}
		cp := pos
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Portfolios exposes the portfolio repository view of the store.
func (m *Memory) Portfolios() ports.PortfolioRepo { return (*memoryPortfolios)(m) }

// Orders exposes the order repository view of the store.
func (m *Memory) Orders() ports.OrderRepo { return (*memoryOrders)(m) }

// Trades exposes the trade repository view of the store.
func (m *Memory) Trades() ports.TradeRepo { return (*memoryTrades)(m) }

// Records exposes the evaluation record repository view of the store.
func (m *Memory) Records() timeline.Repo { return (*memoryRecords)(m) }

// Idempotency exposes the idempotency repository view of the store.
func (m *Memory) Idempotency() ports.IdempotencyRepo { return (*memoryIdem)(m) }

// Configs exposes the config repository view of the store.
func (m *Memory) Configs() ports.ConfigRepo { return (*memoryConfigs)(m) }

type memoryPortfolios Memory

func (m *memoryPortfolios) Get(ctx context.Context, id string) (*types.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pf, ok := m.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s not found", id)
	}
	cp := pf
	return &cp, nil
}

func (m *memoryPortfolios) Save(ctx context.Context, pf *types.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolios[pf.ID] = *pf
	return nil
}

type memoryOrders Memory

func (m *memoryOrders) Get(ctx context.Context, id string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	cp := order
	return &cp, nil
}

func (m *memoryOrders) Save(ctx context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = *order
	return nil
}

func (m *memoryOrders) CountForPositionOnDay(ctx context.Context, positionID string, dayUTC time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := dayUTC.UTC().Format("2006-01-02")
	count := 0
	for _, order := range m.orders {
		if order.PositionID == positionID && order.CreatedAt.UTC().Format("2006-01-02") == day {
			count++
		}
	}
	return count, nil
}

func (m *memoryOrders) ListOpen(ctx context.Context) ([]*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Order
	for _, order := range m.orders {
		if order.Status.Fillable() {
			cp := order
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryOrders) ListByPosition(ctx context.Context, positionID string) ([]*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Order
	for _, order := range m.orders {
		if order.PositionID == positionID {
			cp := order
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryOrders) ListUpdatedSince(ctx context.Context, since time.Time) ([]*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Order
	for _, order := range m.orders {
		if order.UpdatedAt.Before(since) {
			continue
		}
		cp := order
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

type memoryTrades Memory

func (m *memoryTrades) Save(ctx context.Context, trade *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.OrderID] = append(m.trades[trade.OrderID], *trade)
	return nil
}

func (m *memoryTrades) ListByOrder(ctx context.Context, orderID string) ([]*types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trades := m.trades[orderID]
	out := make([]*types.Trade, 0, len(trades))
	for i := range trades {
		cp := trades[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryTrades) ListByPosition(ctx context.Context, positionID string) ([]*types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Trade
	for _, trades := range m.trades {
		for i := range trades {
			if trades[i].PositionID == positionID {
				cp := trades[i]
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

type memoryRecords Memory

func (m *memoryRecords) Append(ctx context.Context, rec timeline.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.PositionID] = append(m.records[rec.PositionID], rec)
	return nil
}

func (m *memoryRecords) ListByPosition(ctx context.Context, positionID string) ([]timeline.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[positionID]
	out := make([]timeline.Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *memoryRecords) ListSince(ctx context.Context, since time.Time) ([]timeline.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []timeline.Record
	for _, recs := range m.records {
		for _, rec := range recs {
			if !rec.Timestamp.Before(since) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type memoryIdem Memory

// Reserve stores the record unless the (position, key) pair already exists,
// in which case the stored record wins and fresh is false.
func (m *memoryIdem) Reserve(ctx context.Context, rec ports.IdempotencyRecord) (ports.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(rec.PositionID, rec.Key)
	if stored, ok := m.idem[k]; ok {
		return stored, false, nil
	}
	m.idem[k] = rec
	return rec, true, nil
}

func (m *memoryIdem) Bind(ctx context.Context, positionID, key, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(positionID, key)
	rec, ok := m.idem[k]
	if !ok {
		return fmt.Errorf("idempotency key %s not reserved for position %s", key, positionID)
	}
	rec.OrderID = orderID
	m.idem[k] = rec
	return nil
}

type memoryConfigs Memory

func (m *memoryConfigs) Resolve(ctx context.Context, positionID string) (types.PositionConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[positionID]
	if !ok {
		return types.PositionConfig{}, fmt.Errorf("no configuration for position %s", positionID)
	}
	return cfg, nil
}

func (m *memoryConfigs) Save(ctx context.Context, positionID string, cfg types.PositionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[positionID] = cfg
	return nil
}
