// Package types provides shared type definitions for the trading core.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the kind of order sent to the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Tick represents a single market data update for a symbol.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// OHLCV represents a single candlestick, used by the backtest replay.
type OHLCV struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a trade proposal emitted by a strategy. It is produced fresh
// each cycle, never mutated, and consumed exactly once by the risk pipeline.
type Signal struct {
	ID          string          `json:"id"`
	StrategyID  string          `json:"strategyId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Strength    decimal.Decimal `json:"strength"` // 0-1
	Quantity    decimal.Decimal `json:"quantity"` // suggested, re-sized downstream
	Closing     bool            `json:"closing"`  // reduces or exits an existing position
	Reason      string          `json:"reason"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// Order represents a trading order. The execution engine is the sole
// writer of Status; other components only read.
type Order struct {
	ID           string          `json:"id"`
	SignalID     string          `json:"signalId,omitempty"`
	StrategyID   string          `json:"strategyId,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limitPrice,omitempty"`
	Status       OrderStatus     `json:"status"`
	BrokerRef    string          `json:"brokerRef,omitempty"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	FilledPrice  decimal.Decimal `json:"filledPrice"`
	RejectReason string          `json:"rejectReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Position represents the local view of an open position. Quantity sign
// encodes direction: positive long, negative short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// MarketValue returns the absolute value of the position at the last price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.LastPrice)
}

// Fill is a broker confirmation that part or all of an order executed.
type Fill struct {
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RiskLevel is the coarse portfolio-wide health state.
type RiskLevel int

const (
	RiskLevelLow RiskLevel = iota
	RiskLevelMedium
	RiskLevelHigh
	RiskLevelExtreme
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLevelLow:
		return "low"
	case RiskLevelMedium:
		return "medium"
	case RiskLevelHigh:
		return "high"
	case RiskLevelExtreme:
		return "extreme"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler so the level serializes
// as its name.
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses the textual form produced by MarshalText.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*l = RiskLevelLow
	case "medium":
		*l = RiskLevelMedium
	case "high":
		*l = RiskLevelHigh
	case "extreme":
		*l = RiskLevelExtreme
	default:
		return fmt.Errorf("unknown risk level %q", text)
	}
	return nil
}

// RiskState is the portfolio risk snapshot recomputed each cycle.
type RiskState struct {
	Level          RiskLevel       `json:"level"`
	Drawdown       decimal.Decimal `json:"drawdown"` // negative when under water
	VaR95          decimal.Decimal `json:"var95"`
	Concentration  decimal.Decimal `json:"concentration"`  // largest position / total exposure
	MaxCorrelation decimal.Decimal `json:"maxCorrelation"` // max pairwise among held symbols
	TotalExposure  decimal.Decimal `json:"totalExposure"`
	Warnings       []string        `json:"warnings,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RiskParams are the per-strategy risk limits read by the risk manager.
type RiskParams struct {
	MaxPositions      int             `json:"maxPositions" mapstructure:"max_positions"`
	PositionSizePct   decimal.Decimal `json:"positionSizePct" mapstructure:"position_size_pct"`
	MinSignalStrength decimal.Decimal `json:"minSignalStrength" mapstructure:"min_signal_strength"`
	StopLossPct       decimal.Decimal `json:"stopLossPct" mapstructure:"stop_loss_pct"`
	TakeProfitPct     decimal.Decimal `json:"takeProfitPct" mapstructure:"take_profit_pct"`
	TrailPct          decimal.Decimal `json:"trailPct" mapstructure:"trail_pct"`
}

// StrategyConfig configures a single strategy instance. Mutated only
// through explicit configuration updates, applied at cycle boundaries.
type StrategyConfig struct {
	ID               string             `json:"id" mapstructure:"id"`
	Type             string             `json:"type" mapstructure:"type"`
	Symbols          []string           `json:"symbols" mapstructure:"symbols"`
	Parameters       map[string]float64 `json:"parameters" mapstructure:"parameters"`
	Risk             RiskParams         `json:"risk" mapstructure:"risk"`
	AllocationWeight decimal.Decimal    `json:"allocationWeight" mapstructure:"allocation_weight"`
	Enabled          bool               `json:"enabled" mapstructure:"enabled"`
}

// Param returns a named numeric parameter or the fallback when unset.
func (c StrategyConfig) Param(name string, fallback float64) float64 {
	if v, ok := c.Parameters[name]; ok {
		return v
	}
	return fallback
}

// Trade represents a completed round-trip produced by the backtest
// simulator and by live performance tracking.
type Trade struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategyId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	PnL        decimal.Decimal `json:"pnl"`
	Commission decimal.Decimal `json:"commission"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	Reason     string          `json:"reason,omitempty"`
}

// EquityCurvePoint is a point on the equity curve.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// PerformanceMetrics is the standard metric set, computed identically for
// backtests and live reporting.
type PerformanceMetrics struct {
	TotalReturn   decimal.Decimal `json:"totalReturn"`
	SharpeRatio   decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio  decimal.Decimal `json:"sortinoRatio"`
	MaxDrawdown   decimal.Decimal `json:"maxDrawdown"`
	WinRate       decimal.Decimal `json:"winRate"`
	ProfitFactor  decimal.Decimal `json:"profitFactor"`
	TotalTrades   int             `json:"totalTrades"`
	WinningTrades int             `json:"winningTrades"`
	LosingTrades  int             `json:"losingTrades"`
	AvgWin        decimal.Decimal `json:"avgWin"`
	AvgLoss       decimal.Decimal `json:"avgLoss"`
	Expectancy    decimal.Decimal `json:"expectancy"`
}

// BacktestResult is produced once per backtest run, immutable after
// completion.
type BacktestResult struct {
	ID             string              `json:"id"`
	StrategyID     string              `json:"strategyId"`
	StartDate      time.Time           `json:"startDate"`
	EndDate        time.Time           `json:"endDate"`
	InitialCapital decimal.Decimal     `json:"initialCapital"`
	FinalEquity    decimal.Decimal     `json:"finalEquity"`
	Trades         []Trade             `json:"trades"`
	EquityCurve    []EquityCurvePoint  `json:"equityCurve"`
	Metrics        *PerformanceMetrics `json:"metrics"`
	CompletedAt    time.Time           `json:"completedAt"`
}

// IsCrypto reports whether a symbol trades around the clock. Crypto pairs
// carry a stablecoin or USD quote suffix.
func IsCrypto(symbol string) bool {
	s := strings.ToUpper(symbol)
	return strings.HasSuffix(s, "USDT") || strings.HasSuffix(s, "USDC") ||
		strings.Contains(s, "/USD") || strings.HasSuffix(s, "-USD")
}
