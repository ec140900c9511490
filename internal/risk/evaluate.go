package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/mathx"
	"github.com/quantframe/trading-core/pkg/types"
)

// Evaluate judges a sized proposal against the portfolio limits. Checks
// run in order and short-circuit on the first hard failure; sizing
// limits downsize instead of rejecting. Quantity is never increased.
// Closing proposals bypass every opening gate.
func (m *Manager) Evaluate(signal types.Signal, params types.RiskParams, price decimal.Decimal, state PortfolioState) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if signal.Closing {
		return Verdict{Outcome: OutcomeAccepted, Quantity: signal.Quantity}
	}

	if m.level == types.RiskLevelExtreme {
		return m.reject(signal, "risk level extreme")
	}

	if !params.MinSignalStrength.IsZero() && signal.Strength.LessThan(params.MinSignalStrength) {
		return m.reject(signal, "signal strength below minimum")
	}

	if !price.IsPositive() || !signal.Quantity.IsPositive() {
		return m.reject(signal, "invalid proposal size")
	}

	existing := state.Positions[signal.Symbol]
	if params.MaxPositions > 0 && existing.Quantity.IsZero() && state.openCount() >= params.MaxPositions {
		return m.reject(signal, "max positions reached")
	}

	qty := signal.Quantity
	downsized := false

	// Concentration is a sizing limit: shrink to fit.
	if state.Equity.IsPositive() && m.limits.MaxConcentration.IsPositive() {
		allowed := state.Equity.Mul(m.limits.MaxConcentration).Sub(existing.MarketValue())
		if allowed.LessThanOrEqual(decimal.Zero) {
			return m.reject(signal, "concentration limit")
		}
		if proposed := qty.Mul(price); proposed.GreaterThan(allowed) {
			qty = allowed.Div(price)
			downsized = true
		}
	}

	// Projected VaR scales with exposure: also a sizing limit.
	if state.Equity.IsPositive() && m.limits.MaxVaR95.IsPositive() {
		var95 := m.portfolioVaR()
		if var95.IsPositive() {
			exposure := state.exposure()
			projected := var95.Mul(exposure.Add(qty.Mul(price))).Div(state.Equity)
			if projected.GreaterThan(m.limits.MaxVaR95) {
				allowed := m.limits.MaxVaR95.Mul(state.Equity).Div(var95).Sub(exposure)
				if allowed.LessThanOrEqual(decimal.Zero) {
					return m.reject(signal, "portfolio VaR limit")
				}
				qty = allowed.Div(price)
				downsized = true
			}
		}
	}

	// Correlation with open positions is a hard gate.
	if m.limits.MaxCorrelation.IsPositive() {
		for symbol, pos := range state.Positions {
			if symbol == signal.Symbol || pos.Quantity.IsZero() {
				continue
			}
			corr := mathx.Correlation(m.returns[signal.Symbol], m.returns[symbol]).Abs()
			if corr.GreaterThan(m.limits.MaxCorrelation) {
				return m.reject(signal, "correlation limit")
			}
		}
	}

	if !qty.IsPositive() {
		return m.reject(signal, "downsized to zero")
	}
	if downsized {
		m.logger.Info("Proposal downsized",
			zap.String("signal", signal.ID),
			zap.String("symbol", signal.Symbol),
			zap.String("requested", signal.Quantity.String()),
			zap.String("granted", qty.String()))
		return Verdict{Outcome: OutcomeDownsized, Quantity: qty, Reason: "sizing limit"}
	}
	return Verdict{Outcome: OutcomeAccepted, Quantity: qty}
}

func (m *Manager) reject(signal types.Signal, reason string) Verdict {
	m.logger.Info("Proposal rejected",
		zap.String("signal", signal.ID),
		zap.String("symbol", signal.Symbol),
		zap.String("reason", reason))
	return Verdict{Outcome: OutcomeRejected, Reason: reason}
}
