// Package broker provides order-routing implementations of the Broker port.
// The stub broker fills orders against reference prices after a configurable
// delay; it exists for paper trading, development and the live-path tests.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StubConfig controls the paper broker.
type StubConfig struct {
	// FillDelay is how long after acceptance the full fill is delivered.
	// Zero delivers the fill synchronously inside Submit.
	FillDelay time.Duration
	// SubmitRatePerSec throttles submissions the way a real broker API would.
	SubmitRatePerSec float64
	SubmitBurst      int
	// CommissionRate overrides the per-order snapshot when positive.
	CommissionRate decimal.Decimal
}

// DefaultStubConfig returns development defaults.
func DefaultStubConfig() StubConfig {
	return StubConfig{
		FillDelay:        250 * time.Millisecond,
		SubmitRatePerSec: 10,
		SubmitBurst:      5,
	}
}

type stubOrder struct {
	brokerOrderID string
	submission    ports.BrokerSubmission
	state         ports.BrokerOrderState
}

// Stub is an in-process paper broker. Submissions are idempotent on the
// engine's order id and fills are delivered through the registered callback.
type Stub struct {
	logger  *zap.Logger
	cfg     StubConfig
	market  ports.MarketData
	clock   ports.Clock
	limiter *rate.Limiter

	mu       sync.Mutex
	byOrder  map[string]*stubOrder // engine order id -> broker order
	byBroker map[string]*stubOrder
	onFill   ports.FillCallback
	timers   []*time.Timer
	closed   bool
}

// NewStub creates a paper broker that fills at the market's reference price.
func NewStub(logger *zap.Logger, cfg StubConfig, market ports.MarketData, clock ports.Clock) *Stub {
	return &Stub{
		logger:   logger.Named("broker.stub"),
		cfg:      cfg,
		market:   market,
		clock:    clock,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst),
		byOrder:  make(map[string]*stubOrder),
		byBroker: make(map[string]*stubOrder),
	}
}

// OnFill registers the single fill consumer.
func (s *Stub) OnFill(cb ports.FillCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFill = cb
}

// Submit accepts an order. Resubmitting the same order id returns the
// original acknowledgement without creating a second broker order.
func (s *Stub) Submit(ctx context.Context, sub ports.BrokerSubmission) (ports.BrokerAck, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return ports.BrokerAck{}, fmt.Errorf("submit throttled: %w", err)
	}
	if !sub.Qty.IsPositive() {
		return ports.BrokerAck{}, fmt.Errorf("submission qty must be positive, got %s", sub.Qty)
	}

	s.mu.Lock()
	if existing, ok := s.byOrder[sub.OrderID]; ok {
		ack := ports.BrokerAck{BrokerOrderID: existing.brokerOrderID, Status: existing.state.Status}
		s.mu.Unlock()
		return ack, nil
	}
	ord := &stubOrder{
		brokerOrderID: uuid.NewString(),
		submission:    sub,
		state:         ports.BrokerOrderState{Status: types.OrderStatusWorking},
	}
	s.byOrder[sub.OrderID] = ord
	s.byBroker[ord.brokerOrderID] = ord
	s.mu.Unlock()

	s.logger.Debug("order accepted",
		zap.String("orderId", sub.OrderID),
		zap.String("brokerOrderId", ord.brokerOrderID),
		zap.String("symbol", sub.Symbol),
	)

	if s.cfg.FillDelay <= 0 {
		s.fill(ord)
		return ports.BrokerAck{BrokerOrderID: ord.brokerOrderID, Status: ord.state.Status}, nil
	}

	s.mu.Lock()
	if !s.closed {
		timer := time.AfterFunc(s.cfg.FillDelay, func() { s.fill(ord) })
		s.timers = append(s.timers, timer)
	}
	s.mu.Unlock()
	return ports.BrokerAck{BrokerOrderID: ord.brokerOrderID, Status: types.OrderStatusWorking}, nil
}

// fill executes the whole remaining quantity at the current reference price.
func (s *Stub) fill(ord *stubOrder) {
	s.mu.Lock()
	if s.closed || ord.state.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	cb := s.onFill
	s.mu.Unlock()

	ref, err := s.market.GetReferencePrice(context.Background(), ord.submission.Symbol)
	if err != nil {
		s.logger.Warn("fill price unavailable, order left working",
			zap.String("brokerOrderId", ord.brokerOrderID),
			zap.Error(err),
		)
		return
	}

	commRate := ord.submission.CommissionSnapshot
	if s.cfg.CommissionRate.IsPositive() {
		commRate = s.cfg.CommissionRate
	}
	qty := ord.submission.Qty
	commission := qty.Mul(ref.Price).Mul(commRate)

	s.mu.Lock()
	ord.state = ports.BrokerOrderState{
		Status:     types.OrderStatusFilled,
		FilledQty:  qty,
		AvgPrice:   ref.Price,
		Commission: commission,
	}
	s.mu.Unlock()

	if cb != nil {
		cb(ports.Fill{
			OrderID:       ord.submission.OrderID,
			BrokerOrderID: ord.brokerOrderID,
			Qty:           qty,
			Price:         ref.Price,
			Commission:    commission,
			Timestamp:     s.clock.Now(),
		})
	}
}

// Status reports the broker-side view of an order.
func (s *Stub) Status(ctx context.Context, brokerOrderID string) (ports.BrokerOrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.byBroker[brokerOrderID]
	if !ok {
		return ports.BrokerOrderState{}, fmt.Errorf("broker order %s not found", brokerOrderID)
	}
	return ord.state, nil
}

// Ping reports whether the broker still accepts calls.
func (s *Stub) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stub broker is closed")
	}
	return nil
}

// Cancel moves a still-working order to cancelled.
func (s *Stub) Cancel(ctx context.Context, brokerOrderID string) (types.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.byBroker[brokerOrderID]
	if !ok {
		return "", fmt.Errorf("broker order %s not found", brokerOrderID)
	}
	if ord.state.Status.IsTerminal() {
		return ord.state.Status, nil
	}
	ord.state.Status = types.OrderStatusCancelled
	return types.OrderStatusCancelled, nil
}

// Close stops pending fill timers.
func (s *Stub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil
}
