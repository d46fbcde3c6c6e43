// Package live runs the production loop: a per-position scheduler that
// evaluates on an interval, routes proposals to the broker, applies fills,
// and a reconciler that repairs missed fill notifications from the broker's
// order state.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/engine"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/workers"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"go.uber.org/zap"
)

// Config controls the live loop.
type Config struct {
	// TickInterval is the default evaluation cadence per position.
	TickInterval time.Duration
	// ReconcileInterval is how often open orders are compared against the
	// broker's view.
	ReconcileInterval time.Duration
	// Workers sizes the tick dispatch pool.
	Workers workers.PoolConfig
}

// DefaultConfig returns one evaluation per minute with 30s reconciliation.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Minute,
		ReconcileInterval: 30 * time.Second,
		Workers:           workers.DefaultPoolConfig("live"),
	}
}

// PositionState is the scheduler's view of one managed position.
type PositionState string

const (
	PositionRunning PositionState = "RUNNING"
	PositionPaused  PositionState = "PAUSED"
	PositionStopped PositionState = "STOPPED"
)

// PositionStatus is the status snapshot served by the admin API.
type PositionStatus struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	State       PositionState   `json:"state"`
	Ticks       int64           `json:"ticks"`
	LastAction  types.Action    `json:"last_action,omitempty"`
	LastReason  string          `json:"last_reason,omitempty"`
	LastTickAt  time.Time       `json:"last_tick_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	NextTickDue time.Time       `json:"next_tick_due,omitempty"`
	Interval    time.Duration   `json:"interval"`
}

type managedPosition struct {
	positionID string
	symbol     string
	interval   time.Duration

	mu         sync.Mutex
	state      PositionState
	ticks      int64
	lastAction types.Action
	lastReason string
	lastTickAt time.Time
	lastError  string
	nextDue    time.Time
	cancel     context.CancelFunc
}

// Scheduler drives live evaluation for a set of positions.
type Scheduler struct {
	logger *zap.Logger
	cfg    Config
	engine *engine.Engine
	market ports.MarketData
	pfRepo ports.PortfolioRepo
	clock  ports.Clock
	pool   *workers.Pool
	broker ports.Broker

	mu        sync.Mutex
	positions map[string]*managedPosition
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewScheduler assembles the live loop around an engine.
func NewScheduler(logger *zap.Logger, cfg Config, eng *engine.Engine, market ports.MarketData, pfRepo ports.PortfolioRepo, brk ports.Broker, clock ports.Clock) *Scheduler {
	return &Scheduler{
		logger:    logger.Named("live"),
		cfg:       cfg,
		engine:    eng,
		market:    market,
		pfRepo:    pfRepo,
		broker:    brk,
		clock:     clock,
		pool:      workers.NewPool(logger, cfg.Workers),
		positions: make(map[string]*managedPosition),
	}
}

// Start launches the dispatch pool and registers the fill consumer.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pool.Start()
	s.broker.OnFill(s.handleFill)
	s.started = true
	s.logger.Info("live scheduler started",
		zap.Duration("tickInterval", s.cfg.TickInterval),
	)
	return nil
}

// Stop halts all position loops and drains the pool.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, mp := range s.positions {
		mp.mu.Lock()
		if mp.cancel != nil {
			mp.cancel()
			mp.cancel = nil
		}
		mp.state = PositionStopped
		mp.mu.Unlock()
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Stop()
	s.logger.Info("live scheduler stopped")
}

// StartPosition begins (or restarts) evaluation for a position. A zero
// interval uses the scheduler default.
func (s *Scheduler) StartPosition(positionID, symbol string, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.TickInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("scheduler not started")
	}
	mp, ok := s.positions[positionID]
	if !ok {
		mp = &managedPosition{positionID: positionID, symbol: symbol, interval: interval}
		s.positions[positionID] = mp
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state == PositionRunning {
		return nil
	}
	if mp.cancel != nil {
		mp.cancel()
	}
	mp.interval = interval
	mp.state = PositionRunning

	loopCtx, cancel := context.WithCancel(s.ctx)
	mp.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx, mp)

	s.logger.Info("position scheduled",
		zap.String("positionId", positionID),
		zap.String("symbol", symbol),
		zap.Duration("interval", interval),
	)
	return nil
}

// PausePosition suspends evaluation without dropping the loop state.
func (s *Scheduler) PausePosition(positionID string) error {
	return s.setState(positionID, PositionPaused)
}

// ResumePosition re-enables a paused position.
func (s *Scheduler) ResumePosition(positionID string) error {
	return s.setState(positionID, PositionRunning)
}

// StopPosition ends evaluation for a position entirely.
func (s *Scheduler) StopPosition(positionID string) error {
	s.mu.Lock()
	mp, ok := s.positions[positionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s is not scheduled", positionID)
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.cancel != nil {
		mp.cancel()
		mp.cancel = nil
	}
	mp.state = PositionStopped
	return nil
}

func (s *Scheduler) setState(positionID string, state PositionState) error {
	s.mu.Lock()
	mp, ok := s.positions[positionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s is not scheduled", positionID)
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state == PositionStopped {
		return fmt.Errorf("position %s is stopped; start it again instead", positionID)
	}
	mp.state = state
	return nil
}

// Status reports all managed positions.
func (s *Scheduler) Status() []PositionStatus {
	s.mu.Lock()
	managed := make([]*managedPosition, 0, len(s.positions))
	for _, mp := range s.positions {
		managed = append(managed, mp)
	}
	s.mu.Unlock()

	out := make([]PositionStatus, 0, len(managed))
	for _, mp := range managed {
		mp.mu.Lock()
		out = append(out, PositionStatus{
			PositionID:  mp.positionID,
			Symbol:      mp.symbol,
			State:       mp.state,
			Ticks:       mp.ticks,
			LastAction:  mp.lastAction,
			LastReason:  mp.lastReason,
			LastTickAt:  mp.lastTickAt,
			LastError:   mp.lastError,
			NextTickDue: mp.nextDue,
			Interval:    mp.interval,
		})
		mp.mu.Unlock()
	}
	return out
}

// PoolStats exposes the dispatch pool counters.
func (s *Scheduler) PoolStats() workers.Stats { return s.pool.Stats() }

func (s *Scheduler) loop(ctx context.Context, mp *managedPosition) {
	defer s.wg.Done()
	ticker := time.NewTicker(mp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, mp)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, mp *managedPosition) {
	mp.mu.Lock()
	if mp.state != PositionRunning {
		mp.mu.Unlock()
		return
	}
	mp.nextDue = s.clock.Now().Add(mp.interval)
	mp.mu.Unlock()

	err := s.pool.SubmitFunc(func() error {
		return s.tick(ctx, mp)
	})
	if err != nil {
		s.logger.Warn("tick dispatch rejected",
			zap.String("positionId", mp.positionID),
			zap.Error(err),
		)
	}
}

// Tick runs one evaluation synchronously. Exposed for the admin API's
// evaluate-now endpoint and for tests.
func (s *Scheduler) Tick(ctx context.Context, positionID string) error {
	s.mu.Lock()
	mp, ok := s.positions[positionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s is not scheduled", positionID)
	}
	return s.tick(ctx, mp)
}

func (s *Scheduler) tick(ctx context.Context, mp *managedPosition) error {
	now := s.clock.Now()
	record := func(action types.Action, reason string, err error) {
		mp.mu.Lock()
		mp.ticks++
		mp.lastAction = action
		mp.lastReason = reason
		mp.lastTickAt = now
		if err != nil {
			mp.lastError = err.Error()
		} else {
			mp.lastError = ""
		}
		mp.mu.Unlock()
	}

	pos, err := s.engine.Position(ctx, mp.positionID)
	if err != nil {
		record("", "", err)
		return err
	}
	pf, err := s.pfRepo.Get(ctx, pos.PortfolioID)
	if err != nil {
		err = fmt.Errorf("%w: %s", engine.ErrPortfolioNotFound, pos.PortfolioID)
		record("", "", err)
		return err
	}

	// Portfolio-level switches gate the tick before any market I/O.
	if pf.TradingState != types.TradingStateRunning {
		out, err := s.engine.Skip(ctx, engine.SkipRequest{
			TenantID:    pos.TenantID,
			PortfolioID: pos.PortfolioID,
			PositionID:  pos.ID,
			Mode:        types.ModeLive,
			Reason:      engine.SkipTradingPaused,
		})
		if err != nil {
			record("", "", err)
			return err
		}
		record(out.Action, out.Reason, nil)
		return nil
	}

	if pf.HoursPolicy == types.TradingHoursOpenOnly {
		status, err := s.market.GetMarketStatus(ctx)
		if err == nil && !status.IsOpen {
			out, err := s.engine.Skip(ctx, engine.SkipRequest{
				TenantID:    pos.TenantID,
				PortfolioID: pos.PortfolioID,
				PositionID:  pos.ID,
				Mode:        types.ModeLive,
				Reason:      engine.SkipClosedMarket,
			})
			if err != nil {
				record("", "", err)
				return err
			}
			record(out.Action, out.Reason, nil)
			return nil
		}
	}

	out, err := s.engine.Evaluate(ctx, engine.EvaluateRequest{
		TenantID:    pos.TenantID,
		PortfolioID: pos.PortfolioID,
		PositionID:  pos.ID,
		Mode:        types.ModeLive,
	})
	if err != nil {
		record("", "", err)
		return err
	}
	if out.Proposal == nil {
		record(out.Action, out.Reason, nil)
		return nil
	}

	// One idempotency key per tick instant: a crash-and-retry of the same
	// tick reuses the order instead of duplicating it.
	key := fmt.Sprintf("tick-%s-%d", pos.ID, now.UTC().Unix())
	sub, err := s.engine.Submit(ctx, engine.SubmitRequest{
		TenantID:       pos.TenantID,
		PortfolioID:    pos.PortfolioID,
		PositionID:     pos.ID,
		IdempotencyKey: key,
		Proposal:       *out.Proposal,
		Recorder:       out.Recorder,
	})

	row := out.Record
	if sub != nil && sub.Order != nil {
		row.OrderID = sub.Order.ID
	}
	if err != nil {
		row.Allowed = false
		row.Action = types.ActionSkip
		row.BlockReason = err.Error()
	}
	if cerr := s.engine.CompleteRecord(ctx, row); cerr != nil {
		s.logger.Error("record append failed",
			zap.String("positionId", pos.ID),
			zap.Error(cerr),
		)
	}
	if err != nil {
		record(types.ActionSkip, row.BlockReason, err)
		return err
	}
	record(out.Action, out.Reason, nil)
	return nil
}

// handleFill is the broker fill callback; it applies the fill through the
// engine on the dispatch pool.
func (s *Scheduler) handleFill(fill ports.Fill) {
	err := s.pool.SubmitFunc(func() error {
		_, err := s.engine.ApplyFill(context.Background(), fill)
		if err != nil {
			s.logger.Error("fill application failed",
				zap.String("orderId", fill.OrderID),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		s.logger.Error("fill dispatch rejected",
			zap.String("orderId", fill.OrderID),
			zap.Error(err),
		)
	}
}
