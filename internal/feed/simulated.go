package feed

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// Simulated generates a random-walk tick stream for offline runs.
type Simulated struct {
	logger   *zap.Logger
	interval time.Duration
	prices   map[string]decimal.Decimal
	rng      *rand.Rand
	out      chan types.Tick
}

// NewSimulated seeds a random walk from the given starting prices.
func NewSimulated(logger *zap.Logger, start map[string]decimal.Decimal, interval time.Duration, seed int64) *Simulated {
	if interval <= 0 {
		interval = time.Second
	}
	prices := make(map[string]decimal.Decimal, len(start))
	for symbol, price := range start {
		prices[symbol] = price
	}
	return &Simulated{
		logger:   logger.Named("feed-sim"),
		interval: interval,
		prices:   prices,
		rng:      rand.New(rand.NewSource(seed)),
		out:      make(chan types.Tick, 256),
	}
}

// Ticks is the output stream. Closed when Run returns.
func (s *Simulated) Ticks() <-chan types.Tick { return s.out }

// Run emits one tick per symbol per interval until cancelled. Steps
// are bounded at +/-0.5% so the walk stays near its starting level.
func (s *Simulated) Run(ctx context.Context) {
	defer close(s.out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Simulated feed running",
		zap.Int("symbols", len(s.prices)),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for symbol, price := range s.prices {
				step := decimal.NewFromFloat((s.rng.Float64() - 0.5) / 100)
				next := price.Mul(decimal.NewFromInt(1).Add(step))
				s.prices[symbol] = next

				spread := next.Mul(decimal.NewFromFloat(0.0002))
				tick := types.Tick{
					Symbol:    symbol,
					Price:     next,
					Bid:       next.Sub(spread),
					Ask:       next.Add(spread),
					Volume:    decimal.NewFromFloat(s.rng.Float64() * 100),
					Timestamp: now,
				}
				select {
				case s.out <- tick:
				default:
				}
			}
		}
	}
}
