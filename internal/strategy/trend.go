package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/mathx"
	"github.com/quantframe/trading-core/pkg/types"
)

// SMACrossover trades moving average crossovers: long when the fast
// average crosses above the slow, exit when it crosses back below.
type SMACrossover struct {
	Base
	fast   int
	slow   int
	useEMA bool
}

// NewSMACrossover creates an SMA crossover strategy. Setting the
// use_ema parameter switches both averages to exponential.
func NewSMACrossover(cfg types.StrategyConfig, logger *zap.Logger) (*SMACrossover, error) {
	s := &SMACrossover{
		Base:   newBase(cfg, logger),
		fast:   int(cfg.Param("fast_period", 10)),
		slow:   int(cfg.Param("slow_period", 30)),
		useEMA: cfg.Param("use_ema", 0) > 0,
	}
	if s.fast >= s.slow {
		s.fast, s.slow = 10, 30
	}
	return s, nil
}

// Generate emits a buy on an upward crossover and a full exit on a
// downward one. The cross is read off the history itself, comparing the
// averages one bar back against the current ones, so the same snapshot
// always yields the same signals.
func (s *SMACrossover) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	var signals []types.Signal

	for _, symbol := range s.Symbols() {
		prices := snap.Market.Prices(symbol, s.slow+1)
		if len(prices) < s.slow+1 {
			continue
		}
		prev := prices[:len(prices)-1]

		fast := s.average(prices[len(prices)-s.fast:], s.fast)
		slow := s.average(prices[len(prices)-s.slow:], s.slow)
		prevFast := s.average(prev[len(prev)-s.fast:], s.fast)
		prevSlow := s.average(prev[len(prev)-s.slow:], s.slow)

		above := fast.GreaterThan(slow)
		wasAbove := prevFast.GreaterThan(prevSlow)
		crossedUp := above && !wasAbove
		crossedDown := !above && wasAbove

		switch {
		case crossedUp:
			strength := crossStrength(fast, slow)
			signals = append(signals, s.NewSignal(symbol, types.SideBuy, strength, "sma_cross_up", snap.Time))
		case crossedDown:
			pos := snap.Position(symbol)
			if pos.Quantity.IsPositive() {
				sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromInt(1), "sma_cross_down", snap.Time)
				sig.Closing = true
				sig.Quantity = pos.Quantity
				signals = append(signals, sig)
			}
		}
	}
	return signals, nil
}

func (s *SMACrossover) average(prices []decimal.Decimal, period int) decimal.Decimal {
	if !s.useEMA {
		return mathx.Mean(prices)
	}
	ema := mathx.NewEMA(period)
	for _, p := range prices {
		ema.Add(p)
	}
	return ema.Current()
}

// crossStrength maps the relative gap between the averages to [0.5, 1].
func crossStrength(fast, slow decimal.Decimal) decimal.Decimal {
	if slow.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	gap := fast.Sub(slow).Abs().Div(slow)
	strength := decimal.NewFromFloat(0.5).Add(gap.Mul(decimal.NewFromInt(25)))
	return mathx.Clamp(strength, decimal.NewFromFloat(0.5), decimal.NewFromInt(1))
}

// Momentum buys sustained upward price movement and trims a quarter of
// the position when momentum turns negative.
type Momentum struct {
	Base
	period    int
	threshold decimal.Decimal
}

// NewMomentum creates a momentum strategy.
func NewMomentum(cfg types.StrategyConfig, logger *zap.Logger) (*Momentum, error) {
	return &Momentum{
		Base:      newBase(cfg, logger),
		period:    int(cfg.Param("period", 14)),
		threshold: decimal.NewFromFloat(cfg.Param("threshold", 0.02)),
	}, nil
}

// Generate compares the current price against the price one period ago.
func (s *Momentum) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	var signals []types.Signal

	for _, symbol := range s.Symbols() {
		prices := snap.Market.Prices(symbol, s.period+1)
		if len(prices) < s.period+1 {
			continue
		}
		past := prices[0]
		if past.IsZero() {
			continue
		}
		momentum := prices[len(prices)-1].Sub(past).Div(past)

		switch {
		case momentum.GreaterThan(s.threshold):
			strength := mathx.Clamp(momentum.Div(s.threshold).Div(decimal.NewFromInt(4)),
				decimal.NewFromFloat(0.3), decimal.NewFromInt(1))
			signals = append(signals, s.NewSignal(symbol, types.SideBuy, strength, "momentum_up", snap.Time))
		case momentum.LessThan(s.threshold.Neg()):
			pos := snap.Position(symbol)
			if pos.Quantity.IsPositive() {
				// Trim a quarter rather than dumping the whole position.
				sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromFloat(0.6), "momentum_down", snap.Time)
				sig.Closing = true
				sig.Quantity = pos.Quantity.Mul(decimal.NewFromFloat(0.25))
				signals = append(signals, sig)
			}
		}
	}
	return signals, nil
}

// MeanReversion fades stretched prices using a z-score against a
// rolling mean.
type MeanReversion struct {
	Base
	period int
	zEntry decimal.Decimal
}

// NewMeanReversion creates a mean reversion strategy.
func NewMeanReversion(cfg types.StrategyConfig, logger *zap.Logger) (*MeanReversion, error) {
	return &MeanReversion{
		Base:   newBase(cfg, logger),
		period: int(cfg.Param("period", 20)),
		zEntry: decimal.NewFromFloat(cfg.Param("z_entry", 2.0)),
	}, nil
}

// Generate buys below the lower band and exits above the upper band.
func (s *MeanReversion) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	var signals []types.Signal

	for _, symbol := range s.Symbols() {
		prices := snap.Market.Prices(symbol, s.period)
		if len(prices) < s.period {
			continue
		}
		mean := mathx.Mean(prices)
		std := mathx.StdDev(prices)
		if std.IsZero() {
			continue
		}
		z := prices[len(prices)-1].Sub(mean).Div(std)

		switch {
		case z.LessThan(s.zEntry.Neg()):
			strength := mathx.Clamp(z.Abs().Div(s.zEntry).Sub(decimal.NewFromFloat(0.5)),
				decimal.NewFromFloat(0.3), decimal.NewFromInt(1))
			signals = append(signals, s.NewSignal(symbol, types.SideBuy, strength, "reversion_oversold", snap.Time))
		case z.GreaterThan(s.zEntry):
			pos := snap.Position(symbol)
			if pos.Quantity.IsPositive() {
				sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromFloat(0.8), "reversion_overbought", snap.Time)
				sig.Closing = true
				sig.Quantity = pos.Quantity
				signals = append(signals, sig)
			}
		}
	}
	return signals, nil
}
