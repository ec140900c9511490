// Package execution owns the order lifecycle: validation, submission
// with retry, and the broker event stream that drives orders to their
// terminal states.
package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantframe/trading-core/pkg/types"
)

// BrokerEvent is an asynchronous order update from the broker. Events
// for one order arrive in broker order and are applied in that order.
type BrokerEvent struct {
	OrderID     string
	BrokerRef   string
	Status      types.OrderStatus
	FilledQty   decimal.Decimal
	FilledPrice decimal.Decimal
	Reason      string
	Timestamp   time.Time
}

// BrokerAdapter is the external broker collaborator.
type BrokerAdapter interface {
	// Submit places an order and returns the broker's reference.
	// Transport failures are retryable; the order has not been
	// accepted until this returns nil.
	Submit(ctx context.Context, order types.Order) (string, error)

	// Cancel requests cancellation of a submitted order.
	Cancel(ctx context.Context, orderID string) error

	// Positions returns the broker's view of all open positions,
	// used as the source of truth for reconciliation.
	Positions(ctx context.Context) (map[string]types.Position, error)

	// Events streams asynchronous order updates.
	Events() <-chan BrokerEvent
}

// marketOpen reports whether the venue for a symbol is trading.
// Crypto trades around the clock; equities keep exchange hours.
func marketOpen(symbol string, at time.Time) bool {
	if types.IsCrypto(symbol) {
		return true
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return false
	}
	local := at.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
