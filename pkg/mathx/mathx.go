// Package mathx provides the shared statistical calculators used by the
// risk manager, the allocator and backtest/live performance reporting.
// Keeping them in one place guarantees backtest metrics match live metrics.
package mathx

import (
	"math"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Returns computes simple period-over-period returns from a price series.
func Returns(prices []decimal.Decimal) []decimal.Decimal {
	if len(prices) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1].IsZero() {
			out = append(out, decimal.Zero)
			continue
		}
		out = append(out, prices[i].Sub(prices[i-1]).Div(prices[i-1]))
	}
	return out
}

// Mean returns the arithmetic mean of values, zero for an empty slice.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := Mean(values)
	variance := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(values))))
	return Sqrt(variance)
}

// Sqrt approximates the square root of a non-negative decimal using
// Newton's method.
func Sqrt(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}
	x := d
	two := decimal.NewFromInt(2)
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(two)
	}
	return x
}

// SharpeRatio computes the annualized Sharpe ratio from period returns,
// assuming a zero risk-free rate.
func SharpeRatio(returns []decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	mean := Mean(returns)
	sd := StdDev(returns)
	if sd.IsZero() {
		return decimal.Zero
	}
	annual := math.Sqrt(float64(periodsPerYear))
	return mean.Div(sd).Mul(decimal.NewFromFloat(annual))
}

// SortinoRatio computes the annualized Sortino ratio, penalizing downside
// deviation only.
func SortinoRatio(returns []decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	mean := Mean(returns)
	downside := decimal.Zero
	for _, r := range returns {
		if r.IsNegative() {
			downside = downside.Add(r.Mul(r))
		}
	}
	downside = Sqrt(downside.Div(decimal.NewFromInt(int64(len(returns)))))
	if downside.IsZero() {
		return decimal.Zero
	}
	annual := math.Sqrt(float64(periodsPerYear))
	return mean.Div(downside).Mul(decimal.NewFromFloat(annual))
}

// MaxDrawdown returns the largest peak-to-trough decline of an equity
// series as a non-negative fraction.
func MaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	peak := equity[0]
	maxDD := decimal.Zero
	for _, e := range equity {
		if e.GreaterThan(peak) {
			peak = e
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(e).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// Percentile returns the p-th percentile (0-100) of values using
// nearest-rank on a sorted copy.
func Percentile(values []decimal.Decimal, p float64) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].LessThan(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Correlation computes the Pearson correlation of two equal-length return
// series, zero when undefined.
func Correlation(a, b []decimal.Decimal) decimal.Decimal {
	n := len(a)
	if n != len(b) || n < 2 {
		return decimal.Zero
	}
	meanA, meanB := Mean(a), Mean(b)
	cov := decimal.Zero
	varA := decimal.Zero
	varB := decimal.Zero
	for i := 0; i < n; i++ {
		da := a[i].Sub(meanA)
		db := b[i].Sub(meanB)
		cov = cov.Add(da.Mul(db))
		varA = varA.Add(da.Mul(da))
		varB = varB.Add(db.Mul(db))
	}
	denom := Sqrt(varA).Mul(Sqrt(varB))
	if denom.IsZero() {
		return decimal.Zero
	}
	return cov.Div(denom)
}

// WinRate returns the fraction of PnL values that are strictly positive.
func WinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, p := range pnls {
		if p.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// ProfitFactor returns gross profit divided by gross loss, zero when
// there are no losses.
func ProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	profit := decimal.Zero
	loss := decimal.Zero
	for _, p := range pnls {
		if p.GreaterThan(decimal.Zero) {
			profit = profit.Add(p)
		} else {
			loss = loss.Add(p.Abs())
		}
	}
	if loss.IsZero() {
		return decimal.Zero
	}
	return profit.Div(loss)
}

// Clamp bounds value to [min, max].
func Clamp(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// SMA is a rolling simple moving average accumulator.
type SMA struct {
	period int
	values []decimal.Decimal
}

// NewSMA creates a simple moving average over the given period.
func NewSMA(period int) *SMA {
	return &SMA{period: period, values: make([]decimal.Decimal, 0, period)}
}

// Add pushes a value and returns the current average.
func (s *SMA) Add(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	if len(s.values) > s.period {
		s.values = s.values[1:]
	}
	return Mean(s.values)
}

// Ready reports whether the window is full.
func (s *SMA) Ready() bool { return len(s.values) >= s.period }

// Current returns the current average without adding a value.
func (s *SMA) Current() decimal.Decimal { return Mean(s.values) }

// EMA is an exponential moving average accumulator.
type EMA struct {
	mult   decimal.Decimal
	value  decimal.Decimal
	count  int
	period int
}

// NewEMA creates an exponential moving average over the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		mult:   decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1))),
		period: period,
	}
}

// Add pushes a value and returns the current EMA.
func (e *EMA) Add(value decimal.Decimal) decimal.Decimal {
	e.count++
	if e.count == 1 {
		e.value = value
		return e.value
	}
	e.value = value.Mul(e.mult).Add(e.value.Mul(one.Sub(e.mult)))
	return e.value
}

// Ready reports whether enough samples have been seen for the EMA to
// carry meaning.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Current returns the current EMA.
func (e *EMA) Current() decimal.Decimal { return e.value }

// PctChange returns (new-old)/old as a percentage-agnostic fraction.
func PctChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old)
}
