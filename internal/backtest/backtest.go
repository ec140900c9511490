// Package backtest replays historical data through the same strategy
// code the live engine runs. The market view only ever exposes data up
// to the tick being replayed, so a strategy cannot look ahead, and a
// run with identical inputs produces identical results.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/ledger"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/internal/strategy"
	"github.com/quantframe/trading-core/pkg/types"
)

// Config tunes the simulator.
type Config struct {
	InitialCapital decimal.Decimal `mapstructure:"initial_capital"`
	CommissionRate decimal.Decimal `mapstructure:"commission_rate"`
	SlippageBps    int64           `mapstructure:"slippage_bps"`
}

// DefaultConfig returns the default simulation settings.
func DefaultConfig() Config {
	return Config{
		InitialCapital: decimal.NewFromInt(100000),
		CommissionRate: decimal.NewFromFloat(0.001),
		SlippageBps:    5,
	}
}

// Simulator replays history against one strategy configuration.
type Simulator struct {
	logger *zap.Logger
	cfg    Config
	reg    *strategy.Registry
}

// NewSimulator creates a backtest simulator.
func NewSimulator(logger *zap.Logger, cfg Config, reg *strategy.Registry) *Simulator {
	if cfg.InitialCapital.IsZero() {
		cfg = DefaultConfig()
	}
	return &Simulator{logger: logger.Named("backtest"), cfg: cfg, reg: reg}
}

// replayMarket exposes history strictly up to the replay cursor.
type replayMarket struct {
	ticks   map[string][]types.Tick
	cursors map[string]int // index of last visible tick, -1 if none
}

func (m *replayMarket) LastPrice(symbol string) decimal.Decimal {
	i := m.cursors[symbol]
	if i < 0 {
		return decimal.Zero
	}
	return m.ticks[symbol][i].Price
}

func (m *replayMarket) Prices(symbol string, n int) []decimal.Decimal {
	i := m.cursors[symbol]
	if i < 0 {
		return nil
	}
	visible := m.ticks[symbol][:i+1]
	if n <= 0 || n > len(visible) {
		n = len(visible)
	}
	out := make([]decimal.Decimal, n)
	for j := 0; j < n; j++ {
		out[j] = visible[len(visible)-n+j].Price
	}
	return out
}

// Run replays the tick history through a fresh instance of the
// configured strategy and returns the completed result.
func (s *Simulator) Run(ctx context.Context, sc types.StrategyConfig, history map[string][]types.Tick) (*types.BacktestResult, error) {
	inst, err := s.reg.Create(sc, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}

	market := &replayMarket{
		ticks:   make(map[string][]types.Tick, len(history)),
		cursors: make(map[string]int, len(history)),
	}
	var timeline []types.Tick
	for symbol, ticks := range history {
		sorted := make([]types.Tick, len(ticks))
		copy(sorted, ticks)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		market.ticks[symbol] = sorted
		market.cursors[symbol] = -1
		timeline = append(timeline, sorted...)
	}
	if len(timeline) == 0 {
		return nil, fmt.Errorf("empty history")
	}
	// Symbol breaks timestamp ties so replay order is deterministic.
	sort.SliceStable(timeline, func(i, j int) bool {
		if timeline[i].Timestamp.Equal(timeline[j].Timestamp) {
			return timeline[i].Symbol < timeline[j].Symbol
		}
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	run := &runState{
		book:    ledger.New(s.logger),
		risk:    risk.NewManager(s.logger, risk.DefaultLimits()),
		cash:    s.cfg.InitialCapital,
		entries: make(map[string]entryState),
	}

	for _, tick := range timeline {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		market.cursors[tick.Symbol]++
		run.book.MarkPrice(tick.Symbol, tick.Price, tick.Timestamp)

		positions := run.book.Positions()
		equity := run.book.TotalValue(run.cash)

		histories := make(map[string][]decimal.Decimal, len(market.ticks))
		for symbol := range market.ticks {
			if hist := market.Prices(symbol, 50); len(hist) > 0 {
				histories[symbol] = hist
			}
		}
		run.risk.UpdateState(equity, histories, positions, tick.Timestamp)

		snap := strategy.Snapshot{
			Time:      tick.Timestamp,
			Market:    market,
			Positions: positions,
			Equity:    equity,
		}
		signals, err := inst.Generate(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("generate at %s: %w", tick.Timestamp, err)
		}
		for _, signal := range signals {
			s.fill(run, sc, signal, market, tick.Timestamp)
		}

		equity = run.book.TotalValue(run.cash)
		if equity.GreaterThan(run.peak) {
			run.peak = equity
		}
		drawdown := decimal.Zero
		if run.peak.IsPositive() {
			drawdown = run.peak.Sub(equity).Div(run.peak)
		}
		run.curve = append(run.curve, types.EquityCurvePoint{
			Timestamp: tick.Timestamp,
			Equity:    equity,
			Cash:      run.cash,
			Drawdown:  drawdown,
		})
	}

	final := run.book.TotalValue(run.cash)
	// IDs derive from the run's inputs and its own fill sequence, so two
	// runs over the same history produce identical results field for
	// field. CompletedAt is the only wall-clock value.
	result := &types.BacktestResult{
		ID:             fmt.Sprintf("%s-%d-%d", sc.ID, timeline[0].Timestamp.Unix(), timeline[len(timeline)-1].Timestamp.Unix()),
		StrategyID:     sc.ID,
		StartDate:      timeline[0].Timestamp,
		EndDate:        timeline[len(timeline)-1].Timestamp,
		InitialCapital: s.cfg.InitialCapital,
		FinalEquity:    final,
		Trades:         run.trades,
		EquityCurve:    run.curve,
		Metrics:        computeMetrics(s.cfg.InitialCapital, final, run.curve, run.trades),
		CompletedAt:    time.Now(),
	}

	s.logger.Info("Backtest complete",
		zap.String("strategy", sc.ID),
		zap.Int("trades", len(run.trades)),
		zap.String("final_equity", final.String()))
	return result, nil
}

type entryState struct {
	price decimal.Decimal
	at    time.Time
}

type runState struct {
	book    *ledger.Ledger
	risk    *risk.Manager
	cash    decimal.Decimal
	peak    decimal.Decimal
	curve   []types.EquityCurvePoint
	trades  []types.Trade
	entries map[string]entryState
	fills   int
}

// fill executes a signal at the current replay price with slippage and
// commission, mirroring the live paper fill path.
func (s *Simulator) fill(run *runState, sc types.StrategyConfig, signal types.Signal, market *replayMarket, at time.Time) {
	price := market.LastPrice(signal.Symbol)
	if !price.IsPositive() {
		return
	}

	qty := signal.Quantity
	if !qty.IsPositive() {
		// Opening signals size from equity the way the live loop does.
		if signal.Closing {
			return
		}
		sizePct := sc.Risk.PositionSizePct
		if sizePct.IsZero() {
			sizePct = decimal.NewFromFloat(0.1)
		}
		equity := run.book.TotalValue(run.cash)
		qty = equity.Mul(sizePct).Mul(signal.Strength).Div(price)
	}
	if !qty.IsPositive() {
		return
	}

	// The same risk gate the live loop applies.
	proposal := signal
	proposal.Quantity = qty
	verdict := run.risk.Evaluate(proposal, sc.Risk, price, risk.PortfolioState{
		Equity:    run.book.TotalValue(run.cash),
		Positions: run.book.Positions(),
	})
	if verdict.Outcome == risk.OutcomeRejected {
		return
	}
	if verdict.Quantity.IsPositive() && verdict.Quantity.LessThan(qty) {
		qty = verdict.Quantity
	}

	slip := decimal.NewFromInt(s.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	fillPrice := price
	if signal.Side == types.SideBuy {
		fillPrice = price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		fillPrice = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	notional := qty.Mul(fillPrice)
	commission := notional.Mul(s.cfg.CommissionRate)

	if signal.Side == types.SideBuy {
		cost := notional.Add(commission)
		if cost.GreaterThan(run.cash) {
			// Scale down to what the remaining cash affords.
			qty = run.cash.Div(fillPrice.Mul(decimal.NewFromInt(1).Add(s.cfg.CommissionRate)))
			if !qty.IsPositive() {
				return
			}
			notional = qty.Mul(fillPrice)
			commission = notional.Mul(s.cfg.CommissionRate)
			cost = notional.Add(commission)
		}
		run.cash = run.cash.Sub(cost)
	} else {
		pos, ok := run.book.Position(signal.Symbol)
		if !ok || !pos.Quantity.IsPositive() {
			return // long-only simulation
		}
		if qty.GreaterThan(pos.Quantity) {
			qty = pos.Quantity
		}
		notional = qty.Mul(fillPrice)
		commission = notional.Mul(s.cfg.CommissionRate)
		run.cash = run.cash.Add(notional.Sub(commission))
	}

	run.fills++
	before := run.book.RealizedPnL()
	pos := run.book.ApplyFill(types.Fill{
		OrderID:   fmt.Sprintf("%s-fill-%d", sc.ID, run.fills),
		Symbol:    signal.Symbol,
		Side:      signal.Side,
		Quantity:  qty,
		Price:     fillPrice,
		Timestamp: at,
	})

	if signal.Side == types.SideBuy {
		if _, held := run.entries[signal.Symbol]; !held {
			run.entries[signal.Symbol] = entryState{price: fillPrice, at: at}
		}
		return
	}

	realized := run.book.RealizedPnL().Sub(before)
	entry := run.entries[signal.Symbol]
	run.trades = append(run.trades, types.Trade{
		ID:         fmt.Sprintf("%s-trade-%d", sc.ID, len(run.trades)+1),
		StrategyID: sc.ID,
		Symbol:     signal.Symbol,
		Side:       types.SideSell,
		Quantity:   qty,
		EntryPrice: entry.price,
		ExitPrice:  fillPrice,
		PnL:        realized.Sub(commission),
		Commission: commission,
		EntryTime:  entry.at,
		ExitTime:   at,
		Reason:     signal.Reason,
	})
	if pos.Quantity.IsZero() {
		delete(run.entries, signal.Symbol)
	}
}
