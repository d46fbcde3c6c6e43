// Package marketdata implements the MarketData port: a deterministic fixture
// provider for simulations and tests, a CSV bar loader, and a polling wrapper
// that keeps reference prices warm for the live scheduler.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
)

// FixtureConfig controls freshness and session reporting.
type FixtureConfig struct {
	// Freshness is how old a price may be and still count as fresh.
	Freshness time.Duration
	// MarketOpen is the session state the fixture reports.
	MarketOpen bool
	Timezone   string
}

// DefaultFixtureConfig returns an always-open market with a 5 minute
// freshness window.
func DefaultFixtureConfig() FixtureConfig {
	return FixtureConfig{
		Freshness:  5 * time.Minute,
		MarketOpen: true,
		Timezone:   "UTC",
	}
}

type fixturePrice struct {
	price  types.ReferencePrice
	setAt  time.Time
	pinned bool // pinned prices never go stale
}

// Fixture serves prices and bars from memory. Safe for concurrent use.
type Fixture struct {
	cfg   FixtureConfig
	clock ports.Clock

	mu         sync.RWMutex
	marketOpen bool
	prices     map[string]fixturePrice
	bars       map[string][]types.Bar
}

// NewFixture creates an empty fixture provider.
func NewFixture(cfg FixtureConfig, clock ports.Clock) *Fixture {
	return &Fixture{
		cfg:        cfg,
		clock:      clock,
		marketOpen: cfg.MarketOpen,
		prices:     make(map[string]fixturePrice),
		bars:       make(map[string][]types.Bar),
	}
}

// SetPrice publishes a reference price for symbol, stamped now. The price
// goes stale after the configured freshness window.
func (f *Fixture) SetPrice(symbol string, price types.ReferencePrice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price.Timestamp.IsZero() {
		price.Timestamp = f.clock.Now()
	}
	f.prices[symbol] = fixturePrice{price: price, setAt: f.clock.Now()}
}

// PinPrice publishes a price that never goes stale, for deterministic tests.
func (f *Fixture) PinPrice(symbol string, price types.ReferencePrice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price.Timestamp.IsZero() {
		price.Timestamp = f.clock.Now()
	}
	f.prices[symbol] = fixturePrice{price: price, setAt: f.clock.Now(), pinned: true}
}

// LoadBars replaces the bar history for symbol. Bars must be chronological.
func (f *Fixture) LoadBars(symbol string, bars []types.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]types.Bar, len(bars))
	copy(cp, bars)
	f.bars[symbol] = cp
}

// GetReferencePrice returns the published price for symbol with freshness
// computed against the injected clock.
func (f *Fixture) GetReferencePrice(ctx context.Context, symbol string) (types.ReferencePrice, error) {
	f.mu.RLock()
	entry, ok := f.prices[symbol]
	open := f.marketOpen
	f.mu.RUnlock()
	if !ok {
		return types.ReferencePrice{}, fmt.Errorf("no price published for %s", symbol)
	}
	ref := entry.price
	ref.IsMarketHours = open
	ref.IsFresh = entry.pinned || f.clock.Now().Sub(entry.setAt) <= f.cfg.Freshness
	return ref, nil
}

// GetHistoricalBars returns the loaded bars inside [start, end). Intraday
// requests honor the after-hours flag; daily and coarser bars have no session
// to filter.
func (f *Fixture) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time, intervalMinutes int, includeAfterHours bool) ([]types.Bar, error) {
	f.mu.RLock()
	bars, ok := f.bars[symbol]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no bars loaded for %s", symbol)
	}
	intraday := intervalMinutes > 0 && intervalMinutes < 24*60
	var out []types.Bar
	for _, bar := range bars {
		if bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !bar.Timestamp.Before(end) {
			continue
		}
		if intraday && !includeAfterHours && !inRegularSession(bar.Timestamp) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// inRegularSession reports whether ts falls inside the US regular session,
// 13:30 to 21:00 UTC, wide enough to cover both DST phases.
func inRegularSession(ts time.Time) bool {
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := ts.Hour()*60 + ts.Minute()
	return mins >= 13*60+30 && mins <= 21*60
}

// GetMarketStatus reports the configured session state.
func (f *Fixture) GetMarketStatus(ctx context.Context) (types.MarketStatus, error) {
	f.mu.RLock()
	open := f.marketOpen
	f.mu.RUnlock()
	now := f.clock.Now()
	status := types.MarketStatus{
		IsOpen:   open,
		Timezone: f.cfg.Timezone,
	}
	if open {
		status.NextClose = now.Add(4 * time.Hour)
	} else {
		status.NextOpen = now.Add(4 * time.Hour)
	}
	return status, nil
}

// SetMarketOpen flips the reported session state.
func (f *Fixture) SetMarketOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketOpen = open
}
