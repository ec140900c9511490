package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/strategy"
	"github.com/quantframe/trading-core/pkg/types"
)

// scriptStrategy trades on a fixed schedule keyed by bar count, so
// every fill in a test is hand-checkable.
type scriptStrategy struct {
	id   string
	bars int
}

func (s *scriptStrategy) ID() string        { return s.id }
func (s *scriptStrategy) Type() string      { return "script" }
func (s *scriptStrategy) Symbols() []string { return []string{"BTCUSDT"} }

func (s *scriptStrategy) Generate(_ context.Context, snap strategy.Snapshot) ([]types.Signal, error) {
	s.bars++
	switch s.bars {
	case 2:
		return []types.Signal{{
			StrategyID:  s.id,
			Symbol:      "BTCUSDT",
			Side:        types.SideBuy,
			Strength:    decimal.NewFromInt(1),
			Quantity:    decimal.NewFromInt(10),
			Reason:      "scripted_entry",
			GeneratedAt: snap.Time,
		}}, nil
	case 5:
		return []types.Signal{{
			StrategyID:  s.id,
			Symbol:      "BTCUSDT",
			Side:        types.SideSell,
			Strength:    decimal.NewFromInt(1),
			Quantity:    decimal.NewFromInt(10),
			Closing:     true,
			Reason:      "scripted_exit",
			GeneratedAt: snap.Time,
		}}, nil
	}
	return nil, nil
}

func newTestSimulator(t *testing.T, cfg Config) *Simulator {
	t.Helper()
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register("script", func(sc types.StrategyConfig, _ *zap.Logger) (strategy.Strategy, error) {
		return &scriptStrategy{id: sc.ID}, nil
	})
	return NewSimulator(zap.NewNop(), cfg, reg)
}

func series(symbol string, start time.Time, prices ...float64) []types.Tick {
	ticks := make([]types.Tick, len(prices))
	for i, p := range prices {
		ticks[i] = types.Tick{
			Symbol:    symbol,
			Price:     decimal.NewFromFloat(p),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		}
	}
	return ticks
}

func TestRunRoundTrip(t *testing.T) {
	cfg := Config{
		InitialCapital: decimal.NewFromInt(10000),
		CommissionRate: decimal.Zero,
		SlippageBps:    0,
	}
	sim := newTestSimulator(t, cfg)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]types.Tick{
		"BTCUSDT": series("BTCUSDT", start, 100, 100, 100, 110, 120),
	}
	res, err := sim.Run(context.Background(), types.StrategyConfig{ID: "s1", Type: "script"}, history)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Buy 10 at 100 on bar 2, sell 10 at 120 on bar 5.
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if !trade.PnL.Equal(decimal.NewFromInt(200)) {
		t.Errorf("trade pnl = %s, want 200", trade.PnL)
	}
	if !trade.EntryPrice.Equal(decimal.NewFromInt(100)) || !trade.ExitPrice.Equal(decimal.NewFromInt(120)) {
		t.Errorf("entry/exit = %s/%s, want 100/120", trade.EntryPrice, trade.ExitPrice)
	}
	if !res.FinalEquity.Equal(decimal.NewFromInt(10200)) {
		t.Errorf("final equity = %s, want 10200", res.FinalEquity)
	}
	if len(res.EquityCurve) != 5 {
		t.Errorf("equity curve has %d points, want 5", len(res.EquityCurve))
	}
	if res.Metrics == nil || res.Metrics.TotalTrades != 1 || res.Metrics.WinningTrades != 1 {
		t.Errorf("metrics = %+v", res.Metrics)
	}
}

func TestRunAppliesSlippageAndCommission(t *testing.T) {
	cfg := Config{
		InitialCapital: decimal.NewFromInt(10000),
		CommissionRate: decimal.NewFromFloat(0.001),
		SlippageBps:    10,
	}
	sim := newTestSimulator(t, cfg)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]types.Tick{
		"BTCUSDT": series("BTCUSDT", start, 100, 100, 100, 100, 100),
	}
	res, err := sim.Run(context.Background(), types.StrategyConfig{ID: "s1", Type: "script"}, history)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Buy fills at 100.1, sell at 99.9. The flat price round trip must
	// lose both the spread and the commission.
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if !res.Trades[0].PnL.IsNegative() {
		t.Errorf("flat round trip with costs should lose money, pnl = %s", res.Trades[0].PnL)
	}
	if !res.Trades[0].EntryPrice.Equal(decimal.NewFromFloat(100.1)) {
		t.Errorf("entry price = %s, want 100.1", res.Trades[0].EntryPrice)
	}
	if !res.FinalEquity.LessThan(cfg.InitialCapital) {
		t.Errorf("final equity = %s, want < %s", res.FinalEquity, cfg.InitialCapital)
	}
}

func TestRunDeterministic(t *testing.T) {
	cfg := Config{
		InitialCapital: decimal.NewFromInt(50000),
		CommissionRate: decimal.NewFromFloat(0.001),
		SlippageBps:    5,
	}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]types.Tick{
		"BTCUSDT": series("BTCUSDT", start, 100, 102, 99, 107, 111, 108, 115),
	}
	sc := types.StrategyConfig{
		ID:      "mom",
		Type:    "momentum",
		Symbols: []string{"BTCUSDT"},
		Parameters: map[string]float64{
			"period":    3,
			"threshold": 0.02,
		},
		Risk: types.RiskParams{PositionSizePct: decimal.NewFromFloat(0.1)},
	}

	first, err := newTestSimulator(t, cfg).Run(context.Background(), sc, history)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := newTestSimulator(t, cfg).Run(context.Background(), sc, history)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !first.FinalEquity.Equal(second.FinalEquity) {
		t.Errorf("final equity differs: %s vs %s", first.FinalEquity, second.FinalEquity)
	}
	if first.ID != second.ID {
		t.Errorf("result ID differs: %s vs %s", first.ID, second.ID)
	}
	if len(first.Trades) != len(second.Trades) {
		t.Fatalf("trade count differs: %d vs %d", len(first.Trades), len(second.Trades))
	}
	// The trade log matches field for field, IDs included.
	for i := range first.Trades {
		a, b := first.Trades[i], second.Trades[i]
		if a.ID != b.ID || !a.Quantity.Equal(b.Quantity) || !a.PnL.Equal(b.PnL) ||
			!a.EntryPrice.Equal(b.EntryPrice) || !a.ExitPrice.Equal(b.ExitPrice) {
			t.Errorf("trade %d differs: %+v vs %+v", i, a, b)
		}
	}
	if len(first.EquityCurve) != len(second.EquityCurve) {
		t.Fatalf("curve length differs: %d vs %d", len(first.EquityCurve), len(second.EquityCurve))
	}
	for i := range first.EquityCurve {
		if !first.EquityCurve[i].Equity.Equal(second.EquityCurve[i].Equity) {
			t.Errorf("curve point %d differs: %s vs %s", i, first.EquityCurve[i].Equity, second.EquityCurve[i].Equity)
		}
	}
}

func TestReplayMarketHidesFuture(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	market := &replayMarket{
		ticks:   map[string][]types.Tick{"BTCUSDT": series("BTCUSDT", start, 100, 101, 102, 103)},
		cursors: map[string]int{"BTCUSDT": -1},
	}

	if !market.LastPrice("BTCUSDT").IsZero() {
		t.Error("price visible before any tick replayed")
	}

	market.cursors["BTCUSDT"] = 1
	if got := market.LastPrice("BTCUSDT"); !got.Equal(decimal.NewFromInt(101)) {
		t.Errorf("last price = %s, want 101", got)
	}
	prices := market.Prices("BTCUSDT", 10)
	if len(prices) != 2 {
		t.Fatalf("visible prices = %d, want 2", len(prices))
	}
	if !prices[1].Equal(decimal.NewFromInt(101)) {
		t.Errorf("latest visible = %s, want 101", prices[1])
	}
}

func TestRunSellWithoutPositionIgnored(t *testing.T) {
	cfg := Config{InitialCapital: decimal.NewFromInt(10000)}
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register("seller", func(sc types.StrategyConfig, _ *zap.Logger) (strategy.Strategy, error) {
		return &sellOnlyStrategy{id: sc.ID}, nil
	})
	sim := NewSimulator(zap.NewNop(), cfg, reg)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]types.Tick{
		"BTCUSDT": series("BTCUSDT", start, 100, 100),
	}
	res, err := sim.Run(context.Background(), types.StrategyConfig{ID: "s1", Type: "seller"}, history)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Errorf("expected no trades, got %d", len(res.Trades))
	}
	if !res.FinalEquity.Equal(cfg.InitialCapital) {
		t.Errorf("final equity = %s, want untouched %s", res.FinalEquity, cfg.InitialCapital)
	}
}

func TestRunEmptyHistory(t *testing.T) {
	sim := newTestSimulator(t, DefaultConfig())
	if _, err := sim.Run(context.Background(), types.StrategyConfig{ID: "s1", Type: "script"}, nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}

type sellOnlyStrategy struct{ id string }

func (s *sellOnlyStrategy) ID() string        { return s.id }
func (s *sellOnlyStrategy) Type() string      { return "seller" }
func (s *sellOnlyStrategy) Symbols() []string { return []string{"BTCUSDT"} }

func (s *sellOnlyStrategy) Generate(_ context.Context, snap strategy.Snapshot) ([]types.Signal, error) {
	return []types.Signal{{
		StrategyID:  s.id,
		Symbol:      "BTCUSDT",
		Side:        types.SideSell,
		Strength:    decimal.NewFromInt(1),
		Quantity:    decimal.NewFromInt(5),
		Closing:     true,
		GeneratedAt: snap.Time,
	}}, nil
}
