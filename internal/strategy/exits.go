package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// StopLoss closes any long position whose price has fallen below the
// entry by the configured percentage. Its signals always carry full
// strength so they survive risk downsizing intact.
type StopLoss struct {
	Base
	stopPct decimal.Decimal
}

// NewStopLoss creates a stop loss exit strategy.
func NewStopLoss(cfg types.StrategyConfig, logger *zap.Logger) (*StopLoss, error) {
	stopPct := cfg.Risk.StopLossPct
	if stopPct.IsZero() {
		stopPct = decimal.NewFromFloat(0.05)
	}
	return &StopLoss{Base: newBase(cfg, logger), stopPct: stopPct}, nil
}

// Generate emits a full-size closing sell once the loss threshold is hit.
func (s *StopLoss) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	var signals []types.Signal

	for _, symbol := range s.Symbols() {
		pos := snap.Position(symbol)
		if !pos.Quantity.IsPositive() || pos.AvgEntryPrice.IsZero() {
			continue
		}
		price := snap.Market.LastPrice(symbol)
		if price.IsZero() {
			continue
		}

		trigger := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(s.stopPct))
		if price.LessThanOrEqual(trigger) {
			sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromInt(1), "stop_loss", snap.Time)
			sig.Closing = true
			sig.Quantity = pos.Quantity
			signals = append(signals, sig)

			s.logger.Warn("Stop loss triggered",
				zap.String("symbol", symbol),
				zap.String("entry", pos.AvgEntryPrice.String()),
				zap.String("price", price.String()))
		}
	}
	return signals, nil
}

// TakeProfit scales out of winners: half the position at the target,
// the remainder if the price keeps running to twice the target gain.
type TakeProfit struct {
	Base
	targetPct decimal.Decimal
}

// NewTakeProfit creates a take profit exit strategy.
func NewTakeProfit(cfg types.StrategyConfig, logger *zap.Logger) (*TakeProfit, error) {
	targetPct := cfg.Risk.TakeProfitPct
	if targetPct.IsZero() {
		targetPct = decimal.NewFromFloat(0.15)
	}
	return &TakeProfit{Base: newBase(cfg, logger), targetPct: targetPct}, nil
}

// Generate emits a scaled closing sell above the profit target.
func (s *TakeProfit) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	var signals []types.Signal

	for _, symbol := range s.Symbols() {
		pos := snap.Position(symbol)
		if !pos.Quantity.IsPositive() || pos.AvgEntryPrice.IsZero() {
			continue
		}
		price := snap.Market.LastPrice(symbol)
		if price.IsZero() {
			continue
		}

		gain := price.Sub(pos.AvgEntryPrice).Div(pos.AvgEntryPrice)
		if gain.LessThan(s.targetPct) {
			continue
		}

		fraction := decimal.NewFromFloat(0.5)
		if gain.GreaterThanOrEqual(s.targetPct.Mul(decimal.NewFromInt(2))) {
			fraction = decimal.NewFromInt(1)
		}

		sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromFloat(0.9), "take_profit", snap.Time)
		sig.Closing = true
		sig.Quantity = pos.Quantity.Mul(fraction)
		signals = append(signals, sig)

		s.logger.Info("Take profit triggered",
			zap.String("symbol", symbol),
			zap.String("gain", gain.String()),
			zap.String("fraction", fraction.String()))
	}
	return signals, nil
}

// TrailingStop arms once a position shows a minimum profit, then tracks
// the high-water price and exits when the price gives back the trail
// percentage from that peak.
type TrailingStop struct {
	Base
	trailPct decimal.Decimal
	armPct   decimal.Decimal
	peaks    map[string]decimal.Decimal
}

// NewTrailingStop creates a trailing stop exit strategy.
func NewTrailingStop(cfg types.StrategyConfig, logger *zap.Logger) (*TrailingStop, error) {
	trailPct := cfg.Risk.TrailPct
	if trailPct.IsZero() {
		trailPct = decimal.NewFromFloat(0.02)
	}
	return &TrailingStop{
		Base:     newBase(cfg, logger),
		trailPct: trailPct,
		armPct:   decimal.NewFromFloat(cfg.Param("arm_pct", 0.01)),
		peaks:    make(map[string]decimal.Decimal),
	}, nil
}

// Generate updates per-symbol peaks and emits a full exit on pullback.
// Peaks reset when the position is flat.
func (s *TrailingStop) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	var signals []types.Signal

	for _, symbol := range s.Symbols() {
		pos := snap.Position(symbol)
		if !pos.Quantity.IsPositive() || pos.AvgEntryPrice.IsZero() {
			delete(s.peaks, symbol)
			continue
		}
		price := snap.Market.LastPrice(symbol)
		if price.IsZero() {
			continue
		}

		peak, armed := s.peaks[symbol]
		if !armed {
			armAt := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(s.armPct))
			if price.LessThan(armAt) {
				continue
			}
			peak = price
			s.peaks[symbol] = peak
		}

		if price.GreaterThan(peak) {
			s.peaks[symbol] = price
			continue
		}

		trigger := peak.Mul(decimal.NewFromInt(1).Sub(s.trailPct))
		if price.LessThanOrEqual(trigger) {
			sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromInt(1), "trailing_stop", snap.Time)
			sig.Closing = true
			sig.Quantity = pos.Quantity
			signals = append(signals, sig)
			delete(s.peaks, symbol)

			s.logger.Info("Trailing stop triggered",
				zap.String("symbol", symbol),
				zap.String("peak", peak.String()),
				zap.String("price", price.String()))
		}
	}
	return signals, nil
}
