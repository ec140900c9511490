// Package risk evaluates proposed trades against portfolio-wide limits
// and maintains the global risk level state machine.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/mathx"
	"github.com/quantframe/trading-core/pkg/types"
)

// Outcome classifies an evaluation verdict.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDownsized Outcome = "downsized"
	OutcomeRejected  Outcome = "rejected"
)

// Verdict is the result of evaluating one proposal.
type Verdict struct {
	Outcome  Outcome
	Quantity decimal.Decimal
	Reason   string
}

// Limits are the portfolio-wide risk limits.
type Limits struct {
	MaxConcentration decimal.Decimal `mapstructure:"max_concentration"`
	MaxVaR95         decimal.Decimal `mapstructure:"max_var_95"`
	MaxCorrelation   decimal.Decimal `mapstructure:"max_correlation"`
	DrawdownSoft     decimal.Decimal `mapstructure:"drawdown_soft"`
	DrawdownHard     decimal.Decimal `mapstructure:"drawdown_hard"`
	// ExtremeReset selects how a sticky extreme level clears:
	// "manual" requires ClearExtreme, "daily" clears at the day boundary.
	ExtremeReset string `mapstructure:"extreme_reset"`
	HistorySize  int    `mapstructure:"history_size"`
}

// DefaultLimits returns the default portfolio limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConcentration: decimal.NewFromFloat(0.25),
		MaxVaR95:         decimal.NewFromFloat(0.05),
		MaxCorrelation:   decimal.NewFromFloat(0.85),
		DrawdownSoft:     decimal.NewFromFloat(0.05),
		DrawdownHard:     decimal.NewFromFloat(0.10),
		ExtremeReset:     "daily",
		HistorySize:      250,
	}
}

// PortfolioState is the consistent snapshot Evaluate judges against.
type PortfolioState struct {
	Equity    decimal.Decimal
	Positions map[string]types.Position
	// PendingOpens counts opening orders submitted but not yet filled,
	// so two proposals in one cycle cannot jointly exceed max_positions.
	PendingOpens int
}

func (s PortfolioState) openCount() int {
	n := s.PendingOpens
	for _, p := range s.Positions {
		if !p.Quantity.IsZero() {
			n++
		}
	}
	return n
}

func (s PortfolioState) exposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.MarketValue())
	}
	return total
}

// Manager owns the risk level and evaluates proposals. Evaluation is a
// critical section: portfolio-wide limits are checked under one lock so
// concurrently approved proposals cannot jointly violate a limit.
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	limits Limits

	level         types.RiskLevel
	extremeReason string

	equityHistory []decimal.Decimal
	peakEquity    decimal.Decimal
	returns       map[string][]decimal.Decimal
	state         types.RiskState
}

// NewManager creates a risk manager starting at the low level.
func NewManager(logger *zap.Logger, limits Limits) *Manager {
	if limits.HistorySize <= 0 {
		limits.HistorySize = DefaultLimits().HistorySize
	}
	return &Manager{
		logger:  logger.Named("risk"),
		limits:  limits,
		level:   types.RiskLevelLow,
		returns: make(map[string][]decimal.Decimal),
		state:   types.RiskState{Level: types.RiskLevelLow},
	}
}

// Level returns the current risk level.
func (m *Manager) Level() types.RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// State returns the last computed risk state.
func (m *Manager) State() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Level = m.level
	return st
}

// SizeMultiplier scales position sizing by risk level.
func (m *Manager) SizeMultiplier() decimal.Decimal {
	switch m.Level() {
	case types.RiskLevelLow:
		return decimal.NewFromInt(1)
	case types.RiskLevelMedium:
		return decimal.NewFromFloat(0.7)
	case types.RiskLevelHigh:
		return decimal.NewFromFloat(0.3)
	default:
		return decimal.Zero
	}
}

// TripExtreme forces the level to extreme, e.g. on a daily loss limit.
func (m *Manager) TripExtreme(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.level != types.RiskLevelExtreme {
		m.logger.Error("Risk level tripped to extreme", zap.String("reason", reason))
	}
	m.level = types.RiskLevelExtreme
	m.extremeReason = reason
}

// ClearExtreme manually releases a sticky extreme level back to high.
func (m *Manager) ClearExtreme() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.level == types.RiskLevelExtreme {
		m.level = types.RiskLevelHigh
		m.extremeReason = ""
		m.logger.Warn("Extreme risk level cleared manually")
	}
}

// ResetDaily is called at the trading day boundary.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.level == types.RiskLevelExtreme && m.limits.ExtremeReset == "daily" {
		m.level = types.RiskLevelHigh
		m.extremeReason = ""
		m.logger.Warn("Extreme risk level cleared at day boundary")
	}
}

// UpdateState ingests the cycle's equity and per-symbol price history,
// recomputes the risk metrics and steps the level state machine. The
// level moves at most one step per update; stepping down additionally
// requires the score to clear a band below the current level's
// threshold, and extreme is sticky.
func (m *Manager) UpdateState(equity decimal.Decimal, histories map[string][]decimal.Decimal, positions map[string]types.Position, now time.Time) types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observeEquity(equity)
	for symbol, prices := range histories {
		m.returns[symbol] = mathx.Returns(prices)
	}

	drawdown := m.drawdown(equity)
	var95 := m.portfolioVaR()
	concentration := concentration(positions, equity)
	maxCorr := m.maxPositionCorrelation(positions)

	var warnings []string
	score := 0
	switch {
	case drawdown.GreaterThanOrEqual(m.limits.DrawdownHard):
		score += 2
		warnings = append(warnings, "drawdown above hard threshold")
	case drawdown.GreaterThanOrEqual(m.limits.DrawdownSoft):
		score++
		warnings = append(warnings, "drawdown above soft threshold")
	}
	if var95.GreaterThan(m.limits.MaxVaR95) {
		score++
		warnings = append(warnings, "portfolio VaR above limit")
	}
	if concentration.GreaterThan(m.limits.MaxConcentration) {
		score++
		warnings = append(warnings, "position concentration above limit")
	}
	if maxCorr.GreaterThan(m.limits.MaxCorrelation) {
		score++
		warnings = append(warnings, "position correlation above limit")
	}

	m.stepLevel(score)

	m.state = types.RiskState{
		Level:          m.level,
		Drawdown:       drawdown,
		VaR95:          var95,
		Concentration:  concentration,
		MaxCorrelation: maxCorr,
		TotalExposure:  PortfolioState{Positions: positions}.exposure(),
		Warnings:       warnings,
		UpdatedAt:      now,
	}
	return m.state
}

// levelForScore maps the raw score to a target level.
func levelForScore(score int) types.RiskLevel {
	switch {
	case score >= 4:
		return types.RiskLevelExtreme
	case score >= 2:
		return types.RiskLevelHigh
	case score >= 1:
		return types.RiskLevelMedium
	default:
		return types.RiskLevelLow
	}
}

// recoverScore is the score the metrics must drop to before the level
// may step down from the given level. The gap to the upgrade threshold
// is the hysteresis band.
func recoverScore(level types.RiskLevel) int {
	switch level {
	case types.RiskLevelMedium:
		return 0
	case types.RiskLevelHigh:
		return 1
	case types.RiskLevelExtreme:
		return 1
	default:
		return 0
	}
}

func (m *Manager) stepLevel(score int) {
	target := levelForScore(score)
	prev := m.level

	switch {
	case target > m.level:
		m.level++ // one step per update
		if m.level == types.RiskLevelExtreme {
			m.extremeReason = "risk score"
		}
	case target < m.level:
		if m.level == types.RiskLevelExtreme {
			return // sticky until ClearExtreme or the day boundary
		}
		if score <= recoverScore(m.level) {
			m.level--
		}
	}

	if m.level != prev {
		m.logger.Warn("Risk level changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", m.level),
			zap.Int("score", score))
	}
}

func (m *Manager) observeEquity(equity decimal.Decimal) {
	m.equityHistory = append(m.equityHistory, equity)
	if len(m.equityHistory) > m.limits.HistorySize {
		m.equityHistory = m.equityHistory[1:]
	}
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}
}

func (m *Manager) drawdown(equity decimal.Decimal) decimal.Decimal {
	if m.peakEquity.IsZero() {
		return decimal.Zero
	}
	dd := m.peakEquity.Sub(equity).Div(m.peakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// portfolioVaR estimates 95% value-at-risk from trailing equity returns.
func (m *Manager) portfolioVaR() decimal.Decimal {
	rets := mathx.Returns(m.equityHistory)
	if len(rets) < 10 {
		return decimal.Zero
	}
	var95 := mathx.Percentile(rets, 5)
	if var95.IsNegative() {
		return var95.Neg()
	}
	return decimal.Zero
}

func concentration(positions map[string]types.Position, equity decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() {
		return decimal.Zero
	}
	max := decimal.Zero
	for _, p := range positions {
		share := p.MarketValue().Div(equity)
		if share.GreaterThan(max) {
			max = share
		}
	}
	return max
}

func (m *Manager) maxPositionCorrelation(positions map[string]types.Position) decimal.Decimal {
	symbols := make([]string, 0, len(positions))
	for s, p := range positions {
		if !p.Quantity.IsZero() {
			symbols = append(symbols, s)
		}
	}
	max := decimal.Zero
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			corr := mathx.Correlation(m.returns[symbols[i]], m.returns[symbols[j]]).Abs()
			if corr.GreaterThan(max) {
				max = corr
			}
		}
	}
	return max
}
