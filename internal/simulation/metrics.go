package simulation

import (
	"math"
	"time"

	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	// tradingDaysPerYear annualizes daily return series.
	tradingDaysPerYear = 252
	// regularSessionMinutes is one US equity session, 09:30 to 16:00.
	regularSessionMinutes = 390
	weeksPerYear          = 52
)

// annualizationFactor is the bar count per year for the chosen bar interval:
// daily bars scale by the trading-day count, intraday bars additionally by
// the bars per regular session, weekly and coarser by calendar weeks.
func annualizationFactor(interval time.Duration) float64 {
	switch {
	case interval <= 0:
		return tradingDaysPerYear
	case interval < 24*time.Hour:
		perDay := regularSessionMinutes / interval.Minutes()
		if perDay < 1 {
			perDay = 1
		}
		return tradingDaysPerYear * perDay
	case interval < 7*24*time.Hour:
		return tradingDaysPerYear
	default:
		return weeksPerYear
	}
}

// inferInterval estimates the bar interval as the smallest positive gap in
// the series, which is robust to overnight and weekend holes.
func inferInterval(bars []types.Bar) time.Duration {
	var min time.Duration
	for i := 1; i < len(bars); i++ {
		gap := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if gap > 0 && (min == 0 || gap < min) {
			min = gap
		}
	}
	return min
}

// Metrics compares the strategy against holding the asset outright.
type Metrics struct {
	TotalReturn   float64         `json:"total_return"`
	BuyHoldReturn float64         `json:"buy_hold_return"`
	ExcessReturn  float64         `json:"excess_return"`
	AnnualizedVol float64         `json:"annualized_vol"`
	SharpeRatio   float64         `json:"sharpe_ratio"`
	MaxDrawdown   float64         `json:"max_drawdown"`
	TradeCount    int             `json:"trade_count"`
	Commissions   decimal.Decimal `json:"commissions"`
	Dividends     decimal.Decimal `json:"dividends"`
}

type metricsInput struct {
	StartCash   decimal.Decimal
	Equity      []decimal.Decimal
	Bars        []types.Bar
	Interval    time.Duration
	Trades      int
	Commissions decimal.Decimal
	Dividends   decimal.Decimal
}

// computeMetrics derives performance statistics from the equity curve. The
// buy-and-hold baseline invests the full starting cash at the first close,
// fractional shares, no commission.
func computeMetrics(in metricsInput) Metrics {
	m := Metrics{
		TradeCount:  in.Trades,
		Commissions: in.Commissions,
		Dividends:   in.Dividends,
	}
	if len(in.Equity) == 0 || len(in.Bars) == 0 {
		return m
	}

	start, _ := in.StartCash.Float64()
	final, _ := in.Equity[len(in.Equity)-1].Float64()
	if start > 0 {
		m.TotalReturn = final/start - 1
	}

	firstClose, _ := in.Bars[0].Close.Float64()
	lastClose, _ := in.Bars[len(in.Bars)-1].Close.Float64()
	if firstClose > 0 {
		m.BuyHoldReturn = lastClose/firstClose - 1
	}
	m.ExcessReturn = m.TotalReturn - m.BuyHoldReturn

	returns := make([]float64, 0, len(in.Equity)-1)
	prev, _ := in.Equity[0].Float64()
	for _, eq := range in.Equity[1:] {
		cur, _ := eq.Float64()
		if prev > 0 {
			returns = append(returns, cur/prev-1)
		}
		prev = cur
	}
	if len(returns) > 1 {
		mean := 0.0
		for _, r := range returns {
			mean += r
		}
		mean /= float64(len(returns))
		variance := 0.0
		for _, r := range returns {
			d := r - mean
			variance += d * d
		}
		variance /= float64(len(returns) - 1)
		std := math.Sqrt(variance)
		interval := in.Interval
		if interval <= 0 {
			interval = inferInterval(in.Bars)
		}
		factor := annualizationFactor(interval)
		m.AnnualizedVol = std * math.Sqrt(factor)
		if std > 0 {
			m.SharpeRatio = mean / std * math.Sqrt(factor)
		}
	}

	peak := math.Inf(-1)
	for _, eq := range in.Equity {
		cur, _ := eq.Float64()
		if cur > peak {
			peak = cur
		}
		if peak > 0 {
			if dd := 1 - cur/peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}
	return m
}
