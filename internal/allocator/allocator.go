// Package allocator assigns capital weight to each active strategy
// from trailing performance and the current risk level.
package allocator

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/pkg/mathx"
	"github.com/quantframe/trading-core/pkg/types"
)

// Performance is one strategy's trailing record.
type Performance struct {
	StrategyID string
	WinRate    decimal.Decimal // 0-1
	AvgReturn  decimal.Decimal // mean per-trade return
	Volatility decimal.Decimal // stddev of per-trade returns
	Trades     int
}

// Config tunes the allocator.
type Config struct {
	MinWeight decimal.Decimal `mapstructure:"min_weight"`
	MaxWeight decimal.Decimal `mapstructure:"max_weight"`
	// Smoothing keeps this fraction of the previous weight each
	// rebalance, damping weight churn.
	Smoothing decimal.Decimal `mapstructure:"smoothing"`
	Interval  time.Duration   `mapstructure:"interval"`
}

// DefaultConfig returns the default allocation settings.
func DefaultConfig() Config {
	return Config{
		MinWeight: decimal.NewFromFloat(0.05),
		MaxWeight: decimal.NewFromFloat(0.40),
		Smoothing: decimal.NewFromFloat(0.7),
		Interval:  7 * 24 * time.Hour,
	}
}

// Allocator owns per-strategy capital weights. A strategy whose weight
// reaches zero is disabled until a scheduled rebalance re-admits it;
// disabling never touches positions that strategy already opened.
type Allocator struct {
	mu     sync.RWMutex
	logger *zap.Logger
	cfg    Config
	audit  audit.Recorder

	weights   map[string]decimal.Decimal
	disabled  map[string]bool
	lastRun   time.Time
	lastLevel types.RiskLevel
}

// New creates an allocator with equal initial weights unassigned;
// the first rebalance sets them.
func New(logger *zap.Logger, cfg Config, recorder audit.Recorder) *Allocator {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Allocator{
		logger:   logger.Named("allocator"),
		cfg:      cfg,
		audit:    recorder,
		weights:  make(map[string]decimal.Decimal),
		disabled: make(map[string]bool),
	}
}

// Weight returns the current weight for a strategy. Strategies never
// rebalanced yet get an equal share later; until then zero.
func (a *Allocator) Weight(strategyID string) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weights[strategyID]
}

// Weights returns a copy of all current weights.
func (a *Allocator) Weights() map[string]decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(a.weights))
	for id, w := range a.weights {
		out[id] = w
	}
	return out
}

// Enabled reports whether a strategy currently receives capital.
func (a *Allocator) Enabled(strategyID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.disabled[strategyID]
}

// MaybeRebalance rebalances when the schedule is due or the risk level
// has just worsened to high or extreme. Returns the new weights and
// whether a rebalance ran.
func (a *Allocator) MaybeRebalance(perf []Performance, level types.RiskLevel, now time.Time) (map[string]decimal.Decimal, bool) {
	a.mu.Lock()
	scheduled := a.lastRun.IsZero() || now.Sub(a.lastRun) >= a.cfg.Interval
	worsened := level >= types.RiskLevelHigh && level > a.lastLevel
	a.lastLevel = level
	a.mu.Unlock()

	if !scheduled && !worsened {
		return a.Weights(), false
	}
	return a.Rebalance(perf, level, now, scheduled), true
}

// Rebalance recomputes weights from performance scores, smooths them
// against the previous weights, clamps to the configured band and
// normalizes so the total never exceeds 1. At high or extreme risk the
// worst risk contributors collapse to zero first. Scheduled runs
// re-admit previously disabled strategies.
func (a *Allocator) Rebalance(perf []Performance, level types.RiskLevel, now time.Time, scheduled bool) map[string]decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	if scheduled {
		a.disabled = make(map[string]bool)
	}

	scores := make(map[string]decimal.Decimal, len(perf))
	for _, p := range perf {
		if a.disabled[p.StrategyID] {
			continue
		}
		scores[p.StrategyID] = score(p)
	}

	// Under stress, zero the most volatile half of the book first, the
	// rest shrinks through the level multiplier below.
	if level >= types.RiskLevelHigh && len(scores) > 1 {
		byVol := make([]Performance, 0, len(perf))
		for _, p := range perf {
			if _, ok := scores[p.StrategyID]; ok {
				byVol = append(byVol, p)
			}
		}
		sort.Slice(byVol, func(i, j int) bool {
			return byVol[i].Volatility.GreaterThan(byVol[j].Volatility)
		})
		drop := len(byVol) / 2
		if level == types.RiskLevelExtreme {
			drop = len(byVol)
		}
		for i := 0; i < drop; i++ {
			scores[byVol[i].StrategyID] = decimal.Zero
		}
	}

	total := decimal.Zero
	for _, s := range scores {
		total = total.Add(s)
	}

	next := make(map[string]decimal.Decimal, len(scores))
	keep := a.cfg.Smoothing
	blend := decimal.NewFromInt(1).Sub(keep)
	for id, s := range scores {
		var raw decimal.Decimal
		if total.IsPositive() {
			raw = s.Div(total)
		}
		smoothed := a.weights[id].Mul(keep).Add(raw.Mul(blend))
		if smoothed.LessThan(a.cfg.MinWeight) {
			smoothed = decimal.Zero
		} else if smoothed.GreaterThan(a.cfg.MaxWeight) {
			smoothed = a.cfg.MaxWeight
		}
		next[id] = smoothed
	}

	// Normalize only when over-allocated; under-allocation keeps the
	// remainder in cash.
	sum := decimal.Zero
	for _, w := range next {
		sum = sum.Add(w)
	}
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		for id, w := range next {
			next[id] = w.Div(sum)
		}
	}

	for id, w := range next {
		if w.IsZero() && !a.disabled[id] {
			a.disabled[id] = true
			a.logger.Warn("Strategy disabled by allocation", zap.String("strategy", id))
		}
	}

	a.weights = next
	a.lastRun = now

	if a.audit != nil {
		fields := make(map[string]interface{}, len(next)+1)
		for id, w := range next {
			fields[id] = w.String()
		}
		fields["risk_level"] = level.String()
		a.audit.Record(audit.Event{Type: audit.TypeRebalance, At: now, Fields: fields})
	}

	out := make(map[string]decimal.Decimal, len(next))
	for id, w := range next {
		out[id] = w
	}
	return out
}

// score collapses a performance record into a non-negative weight input.
func score(p Performance) decimal.Decimal {
	if p.Trades == 0 {
		// No track record yet: neutral score so new strategies get a
		// starter allocation.
		return decimal.NewFromFloat(0.5)
	}
	s := p.WinRate.Mul(decimal.NewFromFloat(0.4)).
		Add(mathx.Clamp(p.AvgReturn.Mul(decimal.NewFromInt(10)), decimal.NewFromInt(-1), decimal.NewFromInt(1)).Mul(decimal.NewFromFloat(0.4))).
		Sub(mathx.Clamp(p.Volatility.Mul(decimal.NewFromInt(5)), decimal.Zero, decimal.NewFromInt(1)).Mul(decimal.NewFromFloat(0.2)))
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}
