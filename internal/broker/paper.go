// Package broker provides broker adapters. The paper broker fills
// orders against the live price cache so the whole engine can run
// without touching a real venue.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/pkg/types"
)

// PriceSource supplies fill prices.
type PriceSource interface {
	LastPrice(symbol string) decimal.Decimal
}

// Paper is a simulated broker. Orders fill immediately at the last
// cached price plus slippage, and the broker keeps its own position
// book so reconciliation has an independent source of truth.
type Paper struct {
	mu          sync.Mutex
	logger      *zap.Logger
	prices      PriceSource
	slippageBps decimal.Decimal
	events      chan execution.BrokerEvent
	positions   map[string]*types.Position
	cash        decimal.Decimal
}

// NewPaper creates a paper broker with the given starting cash.
func NewPaper(logger *zap.Logger, prices PriceSource, cash decimal.Decimal, slippageBps int64) *Paper {
	return &Paper{
		logger:      logger.Named("paper-broker"),
		prices:      prices,
		slippageBps: decimal.NewFromInt(slippageBps).Div(decimal.NewFromInt(10000)),
		events:      make(chan execution.BrokerEvent, 256),
		positions:   make(map[string]*types.Position),
		cash:        cash,
	}
}

// Submit accepts the order and emits a fill event. Unknown symbols are
// rejected through the event stream, not the submit call, mirroring a
// venue that accepts then kills.
func (p *Paper) Submit(ctx context.Context, order types.Order) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	ref := "paper-" + uuid.New().String()[:8]
	price := p.prices.LastPrice(order.Symbol)

	if !price.IsPositive() {
		p.emit(execution.BrokerEvent{
			OrderID:   order.ID,
			BrokerRef: ref,
			Status:    types.OrderStatusRejected,
			Reason:    fmt.Sprintf("no market price for %s", order.Symbol),
			Timestamp: time.Now(),
		})
		return ref, nil
	}

	fillPrice := price
	if order.Side == types.SideBuy {
		fillPrice = price.Mul(decimal.NewFromInt(1).Add(p.slippageBps))
	} else {
		fillPrice = price.Mul(decimal.NewFromInt(1).Sub(p.slippageBps))
	}

	p.applyFill(order, fillPrice)
	p.emit(execution.BrokerEvent{
		OrderID:     order.ID,
		BrokerRef:   ref,
		Status:      types.OrderStatusFilled,
		FilledQty:   order.Quantity,
		FilledPrice: fillPrice,
		Timestamp:   time.Now(),
	})
	return ref, nil
}

// Cancel is a no-op: paper orders fill instantly.
func (p *Paper) Cancel(ctx context.Context, orderID string) error { return nil }

// Positions returns the broker's own book.
func (p *Paper) Positions(ctx context.Context) (map[string]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]types.Position, len(p.positions))
	for symbol, pos := range p.positions {
		if !pos.Quantity.IsZero() {
			out[symbol] = *pos
		}
	}
	return out, nil
}

// Events streams order updates.
func (p *Paper) Events() <-chan execution.BrokerEvent { return p.events }

// Cash returns the remaining simulated cash.
func (p *Paper) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

func (p *Paper) applyFill(order types.Order, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[order.Symbol]
	if !ok {
		pos = &types.Position{Symbol: order.Symbol}
		p.positions[order.Symbol] = pos
	}

	notional := order.Quantity.Mul(price)
	if order.Side == types.SideBuy {
		newQty := pos.Quantity.Add(order.Quantity)
		if newQty.IsPositive() {
			oldCost := pos.AvgEntryPrice.Mul(pos.Quantity)
			pos.AvgEntryPrice = oldCost.Add(notional).Div(newQty)
		}
		pos.Quantity = newQty
		p.cash = p.cash.Sub(notional)
	} else {
		pos.Quantity = pos.Quantity.Sub(order.Quantity)
		if pos.Quantity.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
		p.cash = p.cash.Add(notional)
	}
	pos.LastPrice = price
	pos.UpdatedAt = time.Now()
}

func (p *Paper) emit(event execution.BrokerEvent) {
	select {
	case p.events <- event:
	default:
		p.logger.Warn("Event channel full, dropping broker event",
			zap.String("order", event.OrderID))
	}
}
