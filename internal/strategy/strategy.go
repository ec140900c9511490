// Package strategy provides the signal-generating strategies and their
// registry. Strategies are pure with respect to market data: each cycle
// they receive a snapshot and return zero or more signals.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// MarketView is the read side of the price cache.
type MarketView interface {
	LastPrice(symbol string) decimal.Decimal
	Prices(symbol string, n int) []decimal.Decimal
}

// Snapshot is everything a strategy may look at for one cycle.
type Snapshot struct {
	Time        time.Time
	Market      MarketView
	Positions   map[string]types.Position
	Equity      decimal.Decimal
	Allocations map[string]decimal.Decimal // strategy ID -> weight
}

// Position returns the position for a symbol, zero-valued if flat.
func (s Snapshot) Position(symbol string) types.Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return types.Position{Symbol: symbol}
}

// Strategy is the interface all strategies implement.
type Strategy interface {
	ID() string
	Type() string
	Symbols() []string
	Generate(ctx context.Context, snap Snapshot) ([]types.Signal, error)
}

// Factory builds a strategy instance from its configuration.
type Factory func(cfg types.StrategyConfig, logger *zap.Logger) (Strategy, error)

// Registry maps strategy type names to factories.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]Factory
}

// NewRegistry creates a registry with all built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger.Named("strategy-registry"),
		factories: make(map[string]Factory),
	}

	r.Register("sma_crossover", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewSMACrossover(cfg, l)
	})
	r.Register("momentum", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewMomentum(cfg, l)
	})
	r.Register("mean_reversion", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewMeanReversion(cfg, l)
	})
	r.Register("stop_loss", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewStopLoss(cfg, l)
	})
	r.Register("take_profit", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewTakeProfit(cfg, l)
	})
	r.Register("trailing_stop", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewTrailingStop(cfg, l)
	})
	r.Register("portfolio_rebalance", func(cfg types.StrategyConfig, l *zap.Logger) (Strategy, error) {
		return NewPortfolioRebalance(cfg, l)
	})

	return r
}

// Register adds a factory for a strategy type.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Create builds a strategy instance from its configuration.
func (r *Registry) Create(cfg types.StrategyConfig, logger *zap.Logger) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("strategy config for type %q has no id", cfg.Type)
	}
	return factory(cfg, logger)
}

// List returns all registered strategy type names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Base provides the configuration plumbing shared by all strategies.
type Base struct {
	cfg    types.StrategyConfig
	logger *zap.Logger
}

func newBase(cfg types.StrategyConfig, logger *zap.Logger) Base {
	return Base{cfg: cfg, logger: logger.Named("strategy").With(zap.String("id", cfg.ID))}
}

// ID returns the configured strategy instance ID.
func (b *Base) ID() string { return b.cfg.ID }

// Type returns the strategy type name.
func (b *Base) Type() string { return b.cfg.Type }

// Symbols returns the symbols this strategy trades.
func (b *Base) Symbols() []string { return b.cfg.Symbols }

// Param returns a numeric parameter with a default.
func (b *Base) Param(name string, def float64) float64 {
	return b.cfg.Param(name, def)
}

// NewSignal builds a signal stamped with this strategy's identity.
func (b *Base) NewSignal(symbol string, side types.Side, strength decimal.Decimal, reason string, at time.Time) types.Signal {
	return types.Signal{
		ID:          uuid.New().String(),
		StrategyID:  b.cfg.ID,
		Symbol:      symbol,
		Side:        side,
		Strength:    strength,
		Reason:      reason,
		GeneratedAt: at,
	}
}
