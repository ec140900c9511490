package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/allocator"
	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/internal/config"
	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/internal/metrics"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/internal/strategy"
	"github.com/quantframe/trading-core/pkg/mathx"
	"github.com/quantframe/trading-core/pkg/types"
)

// RunCycle executes one full decision cycle. The configuration
// snapshot is swapped in at the top, so a mid-cycle config update only
// takes effect next cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	started := o.clock()
	cfg := o.store.Current()

	o.mu.Lock()
	if started.Sub(o.dayStart) >= 24*time.Hour {
		o.resetDayLocked(started)
		o.risk.ResetDaily()
	}
	o.rebuildStrategiesLocked(cfg)
	strategies := make([]strategyEntry, 0, len(o.strategies))
	for _, sc := range cfg.Strategies {
		if inst, ok := o.strategies[sc.ID]; ok && sc.Enabled {
			strategies = append(strategies, strategyEntry{inst, sc})
		}
	}
	o.mu.Unlock()

	// Mark all cached prices into the ledger before any decision.
	prices := o.cache.Snapshot()
	for symbol, price := range prices {
		o.ledger.MarkPrice(symbol, price, started)
	}

	positions := o.ledger.Positions()
	equity := o.equity()

	histories := make(map[string][]decimal.Decimal, len(prices))
	for symbol := range prices {
		histories[symbol] = o.cache.Prices(symbol, cfg.Engine.HistorySize)
	}
	state := o.risk.UpdateState(equity, histories, positions, started)

	o.checkBreaker(cfg, state)

	weights, rebalanced := o.alloc.MaybeRebalance(o.performance(), state.Level, started)
	if rebalanced && o.metrics != nil {
		o.metrics.Rebalances.Inc()
	}

	snap := strategy.Snapshot{
		Time:        started,
		Market:      o.cache,
		Positions:   positions,
		Equity:      equity,
		Allocations: weights,
	}

	// Generation fans out per strategy against the shared read-only
	// snapshot; routing below stays serialized in list order so risk
	// projections and results are deterministic.
	generated := make([][]types.Signal, len(strategies))
	genErrs := make([]error, len(strategies))
	var wg sync.WaitGroup
	for i, entry := range strategies {
		i, entry := i, entry
		wg.Add(1)
		if !o.pool.Submit(ctx, func() {
			defer wg.Done()
			generated[i], genErrs[i] = entry.inst.Generate(ctx, snap)
		}) {
			wg.Done()
		}
	}
	wg.Wait()

	pendingOpens := o.countPendingOpens(positions)
	for i, entry := range strategies {
		if genErrs[i] != nil {
			// One strategy's failure never blocks the others.
			o.logger.Error("Strategy generation failed",
				zap.String("strategy", entry.cfg.ID),
				zap.Error(genErrs[i]))
			continue
		}
		for _, signal := range generated[i] {
			if o.metrics != nil {
				o.metrics.Signals.WithLabelValues(entry.cfg.ID).Inc()
			}
			if o.routeSignal(ctx, cfg, entry.cfg, signal, equity, positions, &pendingOpens) {
				// Keep the shared snapshot honest within the cycle.
				positions = o.ledger.Positions()
			}
		}
	}

	o.mu.Lock()
	o.cycleCount++
	o.lastCycle = started
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.Cycles.Inc()
		o.metrics.CycleDuration.Observe(o.clock().Sub(started).Seconds())
		o.metrics.SetRiskLevel(state.Level)
		metrics.SetGauge(o.metrics.Equity, equity)
		metrics.SetGauge(o.metrics.RealizedPnL, o.ledger.RealizedPnL())
		metrics.SetGauge(o.metrics.UnrealizedPnL, o.ledger.UnrealizedPnL())
		o.metrics.OpenPositions.Set(float64(len(o.ledger.Positions())))
	}
}

type strategyEntry struct {
	inst strategy.Strategy
	cfg  types.StrategyConfig
}

// rebuildStrategiesLocked reinstantiates strategy instances when the
// configuration snapshot has changed since the last cycle.
func (o *Orchestrator) rebuildStrategiesLocked(cfg *config.Config) {
	if cfg == o.lastCfg {
		return
	}

	next := make(map[string]strategy.Strategy, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		inst, err := o.registry.Create(sc, o.logger)
		if err != nil {
			o.logger.Error("Strategy configuration invalid, disabled",
				zap.String("strategy", sc.ID),
				zap.Error(err))
			continue
		}
		next[sc.ID] = inst
	}
	o.strategies = next
	o.lastCfg = cfg
}

// checkBreaker trips or holds the daily P&L circuit breaker. A trip
// suppresses new opening proposals but closing proposals still flow.
func (o *Orchestrator) checkBreaker(cfg *config.Config, state types.RiskState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pnl := o.dailyPnLLocked()
	switch {
	case o.breaker != BreakerActive:
		return
	case !cfg.Engine.DailyLossLimit.IsZero() && pnl.LessThanOrEqual(cfg.Engine.DailyLossLimit):
		o.breaker = BreakerDailyLoss
		o.risk.TripExtreme("daily loss limit")
		o.recordBreaker(pnl)
	case cfg.Engine.DailyProfitTarget.IsPositive() && pnl.GreaterThanOrEqual(cfg.Engine.DailyProfitTarget):
		o.breaker = BreakerProfitTarget
		o.recordBreaker(pnl)
	}
}

func (o *Orchestrator) recordBreaker(pnl decimal.Decimal) {
	o.logger.Warn("Daily circuit breaker tripped",
		zap.String("breaker", o.breaker),
		zap.String("daily_pnl", pnl.String()))
	if o.audit != nil {
		o.audit.Record(audit.Event{
			Type: audit.TypeCircuitBreaker,
			At:   o.clock(),
			Fields: map[string]interface{}{
				"breaker":   o.breaker,
				"daily_pnl": pnl.String(),
			},
		})
	}
}

// routeSignal sizes one signal, runs it through risk, and submits the
// survivor. Returns true when an order was created.
func (o *Orchestrator) routeSignal(
	ctx context.Context,
	cfg *config.Config,
	sc types.StrategyConfig,
	signal types.Signal,
	equity decimal.Decimal,
	positions map[string]types.Position,
	pendingOpens *int,
) bool {
	o.mu.Lock()
	breakerTripped := o.breaker != BreakerActive
	o.mu.Unlock()

	if breakerTripped && !signal.Closing {
		o.recordVerdict(signal, risk.Verdict{
			Outcome: risk.OutcomeRejected,
			Reason:  "daily circuit breaker",
		})
		return false
	}

	price := o.cache.LastPrice(signal.Symbol)
	qty := o.sizeSignal(cfg, sc, signal, equity, price)
	if !qty.IsPositive() {
		return false
	}

	proposal := signal
	proposal.Quantity = qty

	state := risk.PortfolioState{
		Equity:       equity,
		Positions:    positions,
		PendingOpens: *pendingOpens,
	}
	verdict := o.risk.Evaluate(proposal, sc.Risk, price, state)
	o.recordVerdict(proposal, verdict)
	if verdict.Outcome == risk.OutcomeRejected {
		return false
	}
	if !signal.Closing {
		qty = decimal.Min(qty, verdict.Quantity)
	} else {
		qty = verdict.Quantity
	}

	order, err := o.engine.Submit(ctx, proposal, qty)
	if err != nil {
		if !errors.Is(err, execution.ErrDuplicateOrder) {
			o.logger.Warn("Order submission refused",
				zap.String("signal", signal.ID),
				zap.Error(err))
		}
		return false
	}

	o.mu.Lock()
	o.orderStrat[order.ID] = sc.ID
	o.mu.Unlock()

	if !signal.Closing {
		if pos, held := positions[signal.Symbol]; !held || pos.Quantity.IsZero() {
			*pendingOpens++
		}
	}
	if o.metrics != nil {
		o.metrics.OrderStates.WithLabelValues(string(order.Status)).Inc()
	}
	return true
}

// sizeSignal converts a signal into a quantity. Closing signals carry
// their own quantity; opening signals size from equity, the strategy's
// position fraction, signal strength, the allocation weight and the
// risk level multiplier.
func (o *Orchestrator) sizeSignal(cfg *config.Config, sc types.StrategyConfig, signal types.Signal, equity, price decimal.Decimal) decimal.Decimal {
	if signal.Closing {
		return signal.Quantity
	}
	if !price.IsPositive() || !equity.IsPositive() {
		return decimal.Zero
	}

	sizePct := sc.Risk.PositionSizePct
	if sizePct.IsZero() {
		sizePct = decimal.NewFromFloat(0.1)
	}
	weight := o.alloc.Weight(sc.ID)
	if weight.IsZero() && !o.alloc.Enabled(sc.ID) {
		return decimal.Zero
	}
	if weight.IsZero() {
		weight = decimal.NewFromInt(1)
	}

	notional := equity.Mul(sizePct).
		Mul(mathx.Clamp(signal.Strength, decimal.Zero, decimal.NewFromInt(1))).
		Mul(weight).
		Mul(o.risk.SizeMultiplier())
	qty := notional.Div(price)

	// A strategy-suggested quantity is a cap, not a floor.
	if signal.Quantity.IsPositive() {
		qty = decimal.Min(qty, signal.Quantity)
	}
	return qty
}

// performance converts the trailing per-strategy stats for the
// allocator.
func (o *Orchestrator) performance() []allocator.Performance {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]allocator.Performance, 0, len(o.perf))
	for id, p := range o.perf {
		record := allocator.Performance{StrategyID: id, Trades: p.trades}
		if p.trades > 0 {
			record.WinRate = decimal.NewFromInt(int64(p.wins)).Div(decimal.NewFromInt(int64(p.trades)))
			record.AvgReturn = mathx.Mean(p.returns)
			record.Volatility = mathx.StdDev(p.returns)
		}
		out = append(out, record)
	}
	return out
}

// countPendingOpens counts open opening orders on symbols not yet held.
func (o *Orchestrator) countPendingOpens(positions map[string]types.Position) int {
	n := 0
	for _, order := range o.engine.Orders(true) {
		if order.Side != types.SideBuy {
			continue
		}
		if pos, held := positions[order.Symbol]; held && !pos.Quantity.IsZero() {
			continue
		}
		n++
	}
	return n
}

func (o *Orchestrator) recordVerdict(signal types.Signal, verdict risk.Verdict) {
	if o.metrics != nil {
		o.metrics.Verdicts.WithLabelValues(string(verdict.Outcome)).Inc()
	}
	if o.audit != nil {
		o.audit.Record(audit.Event{
			Type: audit.TypeRiskDecision,
			At:   o.clock(),
			Fields: map[string]interface{}{
				"signal":   signal.ID,
				"strategy": signal.StrategyID,
				"symbol":   signal.Symbol,
				"side":     signal.Side,
				"strength": signal.Strength.String(),
				"outcome":  verdict.Outcome,
				"quantity": verdict.Quantity.String(),
				"reason":   verdict.Reason,
			},
		})
	}
}
