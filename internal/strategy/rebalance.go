package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// PortfolioRebalance nudges position sizes toward equal weight across
// its symbols, trading only when the drift exceeds a tolerance so small
// wobbles do not churn the book.
type PortfolioRebalance struct {
	Base
	tolerance decimal.Decimal
}

// NewPortfolioRebalance creates a rebalancing strategy.
func NewPortfolioRebalance(cfg types.StrategyConfig, logger *zap.Logger) (*PortfolioRebalance, error) {
	return &PortfolioRebalance{
		Base:      newBase(cfg, logger),
		tolerance: decimal.NewFromFloat(cfg.Param("drift_tolerance", 0.05)),
	}, nil
}

// Generate compares each symbol's market value share against the equal
// weight target and emits offsetting orders sized to close the gap.
func (s *PortfolioRebalance) Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error) {
	symbols := s.Symbols()
	if len(symbols) == 0 || !snap.Equity.IsPositive() {
		return nil, nil
	}
	target := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(symbols))))

	var signals []types.Signal
	for _, symbol := range symbols {
		price := snap.Market.LastPrice(symbol)
		if price.IsZero() {
			continue
		}
		pos := snap.Position(symbol)
		share := pos.Quantity.Mul(price).Div(snap.Equity)
		drift := share.Sub(target)

		if drift.Abs().LessThan(s.tolerance) {
			continue
		}

		qty := drift.Abs().Mul(snap.Equity).Div(price)
		if drift.IsPositive() {
			if !pos.Quantity.IsPositive() {
				continue
			}
			if qty.GreaterThan(pos.Quantity) {
				qty = pos.Quantity
			}
			sig := s.NewSignal(symbol, types.SideSell, decimal.NewFromFloat(0.5), "rebalance_trim", snap.Time)
			sig.Closing = true
			sig.Quantity = qty
			signals = append(signals, sig)
		} else {
			sig := s.NewSignal(symbol, types.SideBuy, decimal.NewFromFloat(0.5), "rebalance_add", snap.Time)
			sig.Quantity = qty
			signals = append(signals, sig)
		}

		s.logger.Debug("Rebalance drift",
			zap.String("symbol", symbol),
			zap.String("share", share.String()),
			zap.String("target", target.String()))
	}
	return signals, nil
}
