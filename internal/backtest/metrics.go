package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/quantframe/trading-core/pkg/mathx"
	"github.com/quantframe/trading-core/pkg/types"
)

// computeMetrics derives the summary statistics for a completed run.
func computeMetrics(initial, final decimal.Decimal, curve []types.EquityCurvePoint, trades []types.Trade) *types.PerformanceMetrics {
	m := &types.PerformanceMetrics{}
	if initial.IsPositive() {
		m.TotalReturn = final.Sub(initial).Div(initial)
	}

	equity := make([]decimal.Decimal, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}
	m.MaxDrawdown = mathx.MaxDrawdown(equity)

	returns := mathx.Returns(equity)
	m.SharpeRatio = mathx.SharpeRatio(returns, 252)
	m.SortinoRatio = mathx.SortinoRatio(returns, 252)

	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return m
	}

	var totalWins, totalLosses decimal.Decimal
	pnls := make([]decimal.Decimal, len(trades))
	for i, trade := range trades {
		pnls[i] = trade.PnL
		switch {
		case trade.PnL.IsPositive():
			m.WinningTrades++
			totalWins = totalWins.Add(trade.PnL)
		case trade.PnL.IsNegative():
			m.LosingTrades++
			totalLosses = totalLosses.Add(trade.PnL.Abs())
		}
	}

	m.WinRate = mathx.WinRate(pnls)
	m.ProfitFactor = mathx.ProfitFactor(pnls)
	if m.WinningTrades > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}

	lossRate := decimal.NewFromInt(1).Sub(m.WinRate)
	m.Expectancy = m.WinRate.Mul(m.AvgWin).Sub(lossRate.Mul(m.AvgLoss))
	return m
}
