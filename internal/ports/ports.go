// Package ports defines the abstract boundaries between the rebalancing core
// and its infrastructure: market data, broker, clock and the per-aggregate
// repositories. Implementations are injected by the composition root; the
// core never constructs them.
package ports

import (
	"context"
	"time"

	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// MarketData resolves reference prices, historical bars and session state.
type MarketData interface {
	// GetReferencePrice returns the best available price for symbol together
	// with its source, freshness and market-hours flags.
	GetReferencePrice(ctx context.Context, symbol string) (types.ReferencePrice, error)

	// GetHistoricalBars returns bars in [start, end) at the given interval,
	// chronologically ordered.
	GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time, intervalMinutes int, includeAfterHours bool) ([]types.Bar, error)

	// GetMarketStatus reports whether the market is open and when it flips.
	GetMarketStatus(ctx context.Context) (types.MarketStatus, error)
}

// BrokerSubmission is the request passed to Broker.Submit. The order id
// doubles as the broker-side idempotency token: resubmitting the same order
// id must not create a second broker order.
type BrokerSubmission struct {
	OrderID            string
	Symbol             string
	Side               types.OrderSide
	Qty                decimal.Decimal
	CommissionSnapshot decimal.Decimal
}

// BrokerAck is the broker's acknowledgement of a submission.
type BrokerAck struct {
	BrokerOrderID string
	Status        types.OrderStatus
}

// BrokerOrderState is the broker's view of an order, used by reconciliation.
type BrokerOrderState struct {
	Status     types.OrderStatus
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	Commission decimal.Decimal
}

// Fill is a broker fill notification. Notifications may arrive out of order
// and more than once; consumers must be idempotent and monotonic in filled
// quantity.
type Fill struct {
	OrderID       string
	BrokerOrderID string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Commission    decimal.Decimal
	Timestamp     time.Time
}

// FillCallback receives asynchronous fill notifications.
type FillCallback func(fill Fill)

// Broker is the order-routing boundary.
type Broker interface {
	Submit(ctx context.Context, sub BrokerSubmission) (BrokerAck, error)
	Status(ctx context.Context, brokerOrderID string) (BrokerOrderState, error)
	Cancel(ctx context.Context, brokerOrderID string) (types.OrderStatus, error)
	// Ping probes broker reachability; the alerting worker calls it on a
	// schedule.
	Ping(ctx context.Context) error
	// OnFill registers the fill callback. A single consumer is supported.
	OnFill(cb FillCallback)
}

// Clock abstracts time so tests and simulations can inject determinism.
type Clock interface {
	Now() time.Time
}

// PositionRepo persists positions. Implementations must be safe for
// concurrent use.
type PositionRepo interface {
	Get(ctx context.Context, id string) (*types.Position, error)
	Save(ctx context.Context, pos *types.Position) error
	List(ctx context.Context, tenantID, portfolioID string) ([]*types.Position, error)
}

// PortfolioRepo persists portfolios.
type PortfolioRepo interface {
	Get(ctx context.Context, id string) (*types.Portfolio, error)
	Save(ctx context.Context, pf *types.Portfolio) error
}

// OrderRepo persists orders.
type OrderRepo interface {
	Get(ctx context.Context, id string) (*types.Order, error)
	Save(ctx context.Context, order *types.Order) error
	// CountForPositionOnDay counts orders created for the position on the
	// given UTC calendar date. Backs the daily order cap.
	CountForPositionOnDay(ctx context.Context, positionID string, dayUTC time.Time) (int, error)
	// ListOpen returns orders whose status is still fillable, for the
	// reconciliation worker.
	ListOpen(ctx context.Context) ([]*types.Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]*types.Order, error)
	// ListUpdatedSince returns orders whose last transition happened at or
	// after the given instant. Backs the rejection-window alert check.
	ListUpdatedSince(ctx context.Context, since time.Time) ([]*types.Order, error)
}

// TradeRepo persists immutable fill records.
type TradeRepo interface {
	Save(ctx context.Context, trade *types.Trade) error
	ListByOrder(ctx context.Context, orderID string) ([]*types.Trade, error)
	ListByPosition(ctx context.Context, positionID string) ([]*types.Trade, error)
}

// IdempotencyRecord is one reserved (position, key) pair.
type IdempotencyRecord struct {
	PositionID string
	Key        string
	Signature  string
	OrderID    string
	CreatedAt  time.Time
}

// IdempotencyRepo reserves submission keys. Reserve must be atomic: when the
// pair already exists the stored record is returned with fresh=false.
type IdempotencyRepo interface {
	Reserve(ctx context.Context, rec IdempotencyRecord) (stored IdempotencyRecord, fresh bool, err error)
	// Bind attaches the issued order id to a previously reserved key.
	Bind(ctx context.Context, positionID, key, orderID string) error
}

// ConfigRepo resolves the per-position configuration trio.
type ConfigRepo interface {
	Resolve(ctx context.Context, positionID string) (types.PositionConfig, error)
	Save(ctx context.Context, positionID string, cfg types.PositionConfig) error
}
