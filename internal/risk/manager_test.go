package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testManager() *Manager {
	return NewManager(zap.NewNop(), DefaultLimits())
}

func flatState(equity float64) PortfolioState {
	return PortfolioState{
		Equity:    d(equity),
		Positions: map[string]types.Position{},
	}
}

func openSignal(symbol string, qty float64) types.Signal {
	return types.Signal{
		ID:       "sig-1",
		Symbol:   symbol,
		Side:     types.SideBuy,
		Strength: d(0.8),
		Quantity: d(qty),
	}
}

func TestLevelStepsOnePerUpdate(t *testing.T) {
	m := testManager()
	now := time.Now()

	// Build an equity series with a crash severe enough to score high.
	equities := []float64{10000, 10100, 10200, 10300, 10200, 10100}
	for _, e := range equities {
		m.UpdateState(d(e), nil, nil, now)
	}
	if m.Level() != types.RiskLevelLow {
		t.Fatalf("level = %s before crash, want low", m.Level())
	}

	// 15% drawdown from the 10300 peak exceeds the hard threshold
	// (score 2, target high), but the level may only step to medium.
	m.UpdateState(d(8755), nil, nil, now)
	if m.Level() != types.RiskLevelMedium {
		t.Fatalf("level after first bad update = %s, want medium", m.Level())
	}
	m.UpdateState(d(8755), nil, nil, now)
	if m.Level() != types.RiskLevelHigh {
		t.Fatalf("level after second bad update = %s, want high", m.Level())
	}
}

func TestLevelRecoveryNeedsHysteresis(t *testing.T) {
	m := testManager()
	now := time.Now()

	m.UpdateState(d(10000), nil, nil, now)
	m.UpdateState(d(8900), nil, nil, now) // 11% drawdown, score 2
	m.UpdateState(d(8900), nil, nil, now)
	if m.Level() != types.RiskLevelHigh {
		t.Fatalf("level = %s, want high", m.Level())
	}

	// Score drops to 1 (soft drawdown only): high may step to medium,
	// but medium holds until the score fully clears.
	m.UpdateState(d(9400), nil, nil, now) // 6% drawdown
	if m.Level() != types.RiskLevelMedium {
		t.Fatalf("level = %s after partial recovery, want medium", m.Level())
	}
	m.UpdateState(d(9400), nil, nil, now)
	if m.Level() != types.RiskLevelMedium {
		t.Fatalf("level = %s, medium must hold at score 1", m.Level())
	}
	m.UpdateState(d(9900), nil, nil, now) // 1% drawdown, score 0
	if m.Level() != types.RiskLevelLow {
		t.Fatalf("level = %s after full recovery, want low", m.Level())
	}
}

func TestExtremeIsSticky(t *testing.T) {
	m := testManager()
	now := time.Now()

	m.TripExtreme("daily loss limit")
	if m.Level() != types.RiskLevelExtreme {
		t.Fatal("TripExtreme did not set extreme")
	}

	// A clean state does not release it.
	m.UpdateState(d(10000), nil, nil, now)
	if m.Level() != types.RiskLevelExtreme {
		t.Fatalf("level = %s, extreme must be sticky", m.Level())
	}

	m.ClearExtreme()
	if m.Level() != types.RiskLevelHigh {
		t.Fatalf("level after ClearExtreme = %s, want high", m.Level())
	}
}

func TestExtremeDailyReset(t *testing.T) {
	m := NewManager(zap.NewNop(), DefaultLimits()) // ExtremeReset "daily"
	m.TripExtreme("daily loss limit")

	m.ResetDaily()
	if m.Level() != types.RiskLevelHigh {
		t.Fatalf("level after day boundary = %s, want high", m.Level())
	}

	manual := DefaultLimits()
	manual.ExtremeReset = "manual"
	m2 := NewManager(zap.NewNop(), manual)
	m2.TripExtreme("daily loss limit")
	m2.ResetDaily()
	if m2.Level() != types.RiskLevelExtreme {
		t.Fatalf("manual-reset manager released extreme at day boundary")
	}
}

func TestEvaluateExtremeAllowsOnlyCloses(t *testing.T) {
	m := testManager()
	m.TripExtreme("test")

	v := m.Evaluate(openSignal("BTCUSDT", 1), types.RiskParams{}, d(100), flatState(10000))
	if v.Outcome != OutcomeRejected || v.Reason != "risk level extreme" {
		t.Errorf("opening verdict = %+v, want extreme rejection", v)
	}

	closing := openSignal("BTCUSDT", 1)
	closing.Side = types.SideSell
	closing.Closing = true
	v = m.Evaluate(closing, types.RiskParams{}, d(100), flatState(10000))
	if v.Outcome != OutcomeAccepted {
		t.Errorf("closing verdict = %+v, want accepted", v)
	}
}

func TestEvaluateMinStrength(t *testing.T) {
	m := testManager()
	params := types.RiskParams{MinSignalStrength: d(0.5)}

	weak := openSignal("BTCUSDT", 1)
	weak.Strength = d(0.2)
	v := m.Evaluate(weak, params, d(100), flatState(10000))
	if v.Outcome != OutcomeRejected || v.Reason != "signal strength below minimum" {
		t.Errorf("verdict = %+v, want strength rejection", v)
	}
}

func TestEvaluateMaxPositionsIncludesPending(t *testing.T) {
	m := testManager()
	params := types.RiskParams{MaxPositions: 2}

	state := PortfolioState{
		Equity: d(10000),
		Positions: map[string]types.Position{
			"ETHUSDT": {Symbol: "ETHUSDT", Quantity: d(1), LastPrice: d(50)},
		},
		PendingOpens: 1,
	}
	v := m.Evaluate(openSignal("BTCUSDT", 1), params, d(100), state)
	if v.Outcome != OutcomeRejected || v.Reason != "max positions reached" {
		t.Errorf("verdict = %+v, want max positions rejection", v)
	}

	// Adding to an existing position is not a new slot.
	v = m.Evaluate(openSignal("ETHUSDT", 1), params, d(50), state)
	if v.Outcome == OutcomeRejected && v.Reason == "max positions reached" {
		t.Errorf("add to existing position rejected by position count")
	}
}

func TestEvaluateConcentrationDownsizes(t *testing.T) {
	m := testManager() // max concentration 25%

	// 50 units at 100 is half the 10k book: shrink to 25 units.
	v := m.Evaluate(openSignal("BTCUSDT", 50), types.RiskParams{}, d(100), flatState(10000))
	if v.Outcome != OutcomeDownsized {
		t.Fatalf("verdict = %+v, want downsized", v)
	}
	if !v.Quantity.Equal(d(25)) {
		t.Errorf("granted quantity = %s, want 25", v.Quantity)
	}

	// A symbol already at the cap cannot grow at all.
	state := flatState(10000)
	state.Positions["BTCUSDT"] = types.Position{
		Symbol: "BTCUSDT", Quantity: d(25), LastPrice: d(100),
	}
	v = m.Evaluate(openSignal("BTCUSDT", 5), types.RiskParams{}, d(100), state)
	if v.Outcome != OutcomeRejected || v.Reason != "concentration limit" {
		t.Errorf("verdict = %+v, want concentration rejection", v)
	}
}

func TestEvaluateNeverIncreasesQuantity(t *testing.T) {
	m := testManager()

	v := m.Evaluate(openSignal("BTCUSDT", 10), types.RiskParams{}, d(100), flatState(100000))
	if v.Outcome != OutcomeAccepted {
		t.Fatalf("verdict = %+v, want accepted", v)
	}
	if v.Quantity.GreaterThan(d(10)) {
		t.Errorf("granted %s exceeds requested 10", v.Quantity)
	}
}

func TestEvaluateCorrelationHardGate(t *testing.T) {
	m := testManager()
	now := time.Now()

	// Two perfectly correlated price series.
	histories := map[string][]decimal.Decimal{
		"BTCUSDT": {d(100), d(102), d(101), d(105), d(107), d(104)},
		"ETHUSDT": {d(50), d(51), d(50.5), d(52.5), d(53.5), d(52)},
	}
	positions := map[string]types.Position{
		"ETHUSDT": {Symbol: "ETHUSDT", Quantity: d(1), LastPrice: d(52)},
	}
	m.UpdateState(d(10000), histories, positions, now)

	state := PortfolioState{Equity: d(10000), Positions: positions}
	v := m.Evaluate(openSignal("BTCUSDT", 1), types.RiskParams{}, d(104), state)
	if v.Outcome != OutcomeRejected || v.Reason != "correlation limit" {
		t.Errorf("verdict = %+v, want correlation rejection", v)
	}
}
