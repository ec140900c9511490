// Package ledger tracks positions and realized P&L from fills, and
// reconciles local state against broker truth.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

// Ledger is the position book. All reads return consistent snapshots:
// nothing outside this package ever sees a position mid-update.
type Ledger struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	positions map[string]*types.Position
	realized  decimal.Decimal // cumulative across all symbols
}

// New creates an empty ledger.
func New(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:    logger.Named("ledger"),
		positions: make(map[string]*types.Position),
	}
}

// ApplyFill folds a fill into the position for its symbol. Buys extend
// the position at weighted average cost; sells realize P&L in
// proportion to the quantity closed. Selling through zero flips the
// position and restarts the cost basis at the fill price.
func (l *Ledger) ApplyFill(fill types.Fill) types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[fill.Symbol]
	if !ok {
		pos = &types.Position{Symbol: fill.Symbol}
		l.positions[fill.Symbol] = pos
	}

	signed := fill.Quantity
	if fill.Side == types.SideSell {
		signed = signed.Neg()
	}
	oldQty := pos.Quantity
	newQty := oldQty.Add(signed)

	switch {
	case oldQty.IsZero() || oldQty.Sign() == signed.Sign():
		// Extending: blend the cost basis.
		oldCost := pos.AvgEntryPrice.Mul(oldQty.Abs())
		addCost := fill.Price.Mul(fill.Quantity)
		pos.AvgEntryPrice = oldCost.Add(addCost).Div(newQty.Abs())
	case newQty.IsZero() || newQty.Sign() == oldQty.Sign():
		// Reducing: realize P&L on the closed quantity.
		closed := signed.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed)
		if oldQty.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		l.realized = l.realized.Add(pnl)
		if newQty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
	default:
		// Flipping through zero: close the old side fully, open the
		// remainder at the fill price.
		closed := oldQty.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed)
		if oldQty.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		l.realized = l.realized.Add(pnl)
		pos.AvgEntryPrice = fill.Price
	}

	pos.Quantity = newQty
	pos.LastPrice = fill.Price
	pos.UpdatedAt = fill.Timestamp
	l.markLocked(pos)

	l.logger.Debug("Fill applied",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("qty", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("position", pos.Quantity.String()))
	return *pos
}

// MarkPrice updates the mark for a symbol and recomputes unrealized P&L.
func (l *Ledger) MarkPrice(symbol string, price decimal.Decimal, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	pos.LastPrice = price
	pos.UpdatedAt = at
	l.markLocked(pos)
}

// markLocked recomputes unrealized P&L. A flat position is always zero,
// and a position that has never been marked stays zero rather than
// pricing against a zero mark.
func (l *Ledger) markLocked(pos *types.Position) {
	if pos.Quantity.IsZero() || pos.LastPrice.IsZero() {
		pos.UnrealizedPnL = decimal.Zero
		return
	}
	pos.UnrealizedPnL = pos.LastPrice.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
}

// Position returns a copy of the position for a symbol.
func (l *Ledger) Position(symbol string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of all non-flat positions.
func (l *Ledger) Positions() map[string]types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]types.Position, len(l.positions))
	for symbol, pos := range l.positions {
		if !pos.Quantity.IsZero() {
			out[symbol] = *pos
		}
	}
	return out
}

// RealizedPnL returns cumulative realized P&L across all symbols.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// UnrealizedPnL returns total unrealized P&L across all symbols.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// TotalValue returns the market value of all positions plus cash.
func (l *Ledger) TotalValue(cash decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := cash
	for _, pos := range l.positions {
		total = total.Add(pos.Quantity.Mul(pos.LastPrice))
	}
	return total
}

// Diff describes one reconciliation correction.
type Diff struct {
	Symbol string
	Field  string
	Local  decimal.Decimal
	Broker decimal.Decimal
}

// Reconcile overwrites local positions from broker truth wherever they
// disagree beyond the tolerance. The broker always wins; corrections
// are returned for the audit trail. Symbols the broker no longer holds
// are flattened locally.
func (l *Ledger) Reconcile(broker map[string]types.Position, tolerance decimal.Decimal, at time.Time) []Diff {
	l.mu.Lock()
	defer l.mu.Unlock()

	var diffs []Diff

	for symbol, truth := range broker {
		pos, ok := l.positions[symbol]
		if !ok {
			pos = &types.Position{Symbol: symbol}
			l.positions[symbol] = pos
		}
		if pos.Quantity.Sub(truth.Quantity).Abs().GreaterThan(tolerance) {
			diffs = append(diffs, Diff{Symbol: symbol, Field: "quantity", Local: pos.Quantity, Broker: truth.Quantity})
			pos.Quantity = truth.Quantity
		}
		if pos.AvgEntryPrice.Sub(truth.AvgEntryPrice).Abs().GreaterThan(tolerance) {
			diffs = append(diffs, Diff{Symbol: symbol, Field: "avg_entry_price", Local: pos.AvgEntryPrice, Broker: truth.AvgEntryPrice})
			pos.AvgEntryPrice = truth.AvgEntryPrice
		}
		if pos.LastPrice.IsZero() {
			pos.LastPrice = truth.LastPrice
		}
		pos.UpdatedAt = at
		l.markLocked(pos)
	}

	for symbol, pos := range l.positions {
		if _, held := broker[symbol]; held || pos.Quantity.IsZero() {
			continue
		}
		diffs = append(diffs, Diff{Symbol: symbol, Field: "quantity", Local: pos.Quantity, Broker: decimal.Zero})
		pos.Quantity = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero
		pos.UpdatedAt = at
		l.markLocked(pos)
	}

	for _, diff := range diffs {
		l.logger.Warn("Reconciliation corrected local state",
			zap.String("symbol", diff.Symbol),
			zap.String("field", diff.Field),
			zap.String("local", diff.Local.String()),
			zap.String("broker", diff.Broker.String()))
	}
	return diffs
}
