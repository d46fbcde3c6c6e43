package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/retry"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"go.uber.org/zap"
)

// PollerConfig controls the price refresh loop.
type PollerConfig struct {
	Interval time.Duration
	// Freshness bounds how old a cached price may be before lookups fall
	// through to the upstream provider.
	Freshness time.Duration
	// Retry bounds each upstream fetch.
	Retry retry.Config
}

// DefaultPollerConfig refreshes every 15 seconds with a 2 minute cache.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:  15 * time.Second,
		Freshness: 2 * time.Minute,
		Retry:     retry.DefaultConfig(),
	}
}

type cachedPrice struct {
	ref   types.ReferencePrice
	setAt time.Time
}

// Poller keeps reference prices warm for the live scheduler by refreshing
// tracked symbols on an interval. Bars and market status pass through to the
// upstream provider.
type Poller struct {
	logger   *zap.Logger
	cfg      PollerConfig
	upstream ports.MarketData
	clock    ports.Clock

	mu      sync.RWMutex
	symbols map[string]struct{}
	cache   map[string]cachedPrice

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller wraps upstream with a refresh loop. Call Track per symbol, then
// Start.
func NewPoller(logger *zap.Logger, cfg PollerConfig, upstream ports.MarketData, clock ports.Clock) *Poller {
	return &Poller{
		logger:   logger.Named("marketdata.poller"),
		cfg:      cfg,
		upstream: upstream,
		clock:    clock,
		symbols:  make(map[string]struct{}),
		cache:    make(map[string]cachedPrice),
	}
}

// Track adds a symbol to the refresh set.
func (p *Poller) Track(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[symbol] = struct{}{}
}

// Start launches the refresh loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("price poller started", zap.Duration("interval", p.cfg.Interval))
}

// Stop terminates the refresh loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	p.mu.RLock()
	symbols := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		symbols = append(symbols, s)
	}
	p.mu.RUnlock()

	for _, symbol := range symbols {
		ref, err := p.fetch(ctx, symbol)
		if err != nil {
			p.logger.Warn("price refresh failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}
		p.mu.Lock()
		p.cache[symbol] = cachedPrice{ref: ref, setAt: p.clock.Now()}
		p.mu.Unlock()
	}
}

// fetch asks the upstream provider under the retry policy.
func (p *Poller) fetch(ctx context.Context, symbol string) (types.ReferencePrice, error) {
	return retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) (types.ReferencePrice, error) {
		return p.upstream.GetReferencePrice(ctx, symbol)
	})
}

// GetReferencePrice serves from the cache when fresh, otherwise asks the
// upstream provider directly.
func (p *Poller) GetReferencePrice(ctx context.Context, symbol string) (types.ReferencePrice, error) {
	p.mu.RLock()
	entry, ok := p.cache[symbol]
	p.mu.RUnlock()
	if ok && p.clock.Now().Sub(entry.setAt) <= p.cfg.Freshness {
		return entry.ref, nil
	}
	ref, err := p.fetch(ctx, symbol)
	if err != nil {
		return types.ReferencePrice{}, err
	}
	p.mu.Lock()
	p.cache[symbol] = cachedPrice{ref: ref, setAt: p.clock.Now()}
	p.mu.Unlock()
	return ref, nil
}

// GetHistoricalBars passes through to the upstream provider.
func (p *Poller) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time, intervalMinutes int, includeAfterHours bool) ([]types.Bar, error) {
	return p.upstream.GetHistoricalBars(ctx, symbol, start, end, intervalMinutes, includeAfterHours)
}

// GetMarketStatus passes through to the upstream provider.
func (p *Poller) GetMarketStatus(ctx context.Context) (types.MarketStatus, error) {
	return p.upstream.GetMarketStatus(ctx)
}
