// Package pricecache holds the most recent price and a short rolling
// history per symbol. It is fed by the market data collaborator and read
// by every other component.
package pricecache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// DefaultHistorySize bounds the rolling history kept per symbol.
const DefaultHistorySize = 500

// Cache is the shared last-price store. All methods are safe for
// concurrent use.
type Cache struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	historySize int
	ticks       map[string][]types.Tick // most-recent-last
	dropped     uint64                  // stale ticks ignored
}

// New creates a price cache with the given per-symbol history bound.
func New(logger *zap.Logger, historySize int) *Cache {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Cache{
		logger:      logger.Named("price-cache"),
		historySize: historySize,
		ticks:       make(map[string][]types.Tick),
	}
}

// Apply records a tick. Ticks older than the newest timestamp already
// seen for the symbol are ignored, so out-of-order delivery never
// overwrites a newer price. A feed reconnect simply resumes appending.
func (c *Cache) Apply(tick types.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist := c.ticks[tick.Symbol]
	if n := len(hist); n > 0 && !tick.Timestamp.After(hist[n-1].Timestamp) {
		c.dropped++
		c.logger.Debug("Ignoring stale tick",
			zap.String("symbol", tick.Symbol),
			zap.Time("tick", tick.Timestamp),
			zap.Time("latest", hist[n-1].Timestamp))
		return
	}

	hist = append(hist, tick)
	if len(hist) > c.historySize {
		hist = hist[len(hist)-c.historySize:]
	}
	c.ticks[tick.Symbol] = hist
}

// Last returns the most recent tick for a symbol.
func (c *Cache) Last(symbol string) (types.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hist := c.ticks[symbol]
	if len(hist) == 0 {
		return types.Tick{}, false
	}
	return hist[len(hist)-1], true
}

// LastPrice returns the most recent price for a symbol, zero if none.
func (c *Cache) LastPrice(symbol string) decimal.Decimal {
	tick, ok := c.Last(symbol)
	if !ok {
		return decimal.Zero
	}
	return tick.Price
}

// History returns up to n most recent ticks for a symbol, oldest first.
// The returned slice is a copy.
func (c *Cache) History(symbol string, n int) []types.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hist := c.ticks[symbol]
	if n <= 0 || n > len(hist) {
		n = len(hist)
	}
	out := make([]types.Tick, n)
	copy(out, hist[len(hist)-n:])
	return out
}

// Prices returns up to n most recent prices for a symbol, oldest first.
func (c *Cache) Prices(symbol string, n int) []decimal.Decimal {
	ticks := c.History(symbol, n)
	prices := make([]decimal.Decimal, len(ticks))
	for i, t := range ticks {
		prices[i] = t.Price
	}
	return prices
}

// Symbols returns the symbols with at least one tick.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	symbols := make([]string, 0, len(c.ticks))
	for s := range c.ticks {
		symbols = append(symbols, s)
	}
	return symbols
}

// Snapshot returns the latest price per symbol.
func (c *Cache) Snapshot() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(c.ticks))
	for s, hist := range c.ticks {
		if len(hist) > 0 {
			out[s] = hist[len(hist)-1].Price
		}
	}
	return out
}

// Age returns how long ago the last tick for a symbol arrived.
func (c *Cache) Age(symbol string, now time.Time) (time.Duration, bool) {
	tick, ok := c.Last(symbol)
	if !ok {
		return 0, false
	}
	return now.Sub(tick.Timestamp), true
}

// Consume drains a tick channel into the cache until the channel closes
// or the context is cancelled. It is the single ingestion path for live
// market data.
func (c *Cache) Consume(ctx context.Context, feed <-chan types.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-feed:
			if !ok {
				c.logger.Info("Tick feed closed")
				return
			}
			c.Apply(tick)
		}
	}
}
