package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/pkg/types"
)

// Validation errors. Validation failures are never retried and never
// create an order.
var (
	ErrInvalidQuantity = errors.New("order quantity must be positive")
	ErrMarketClosed    = errors.New("market closed for symbol")
	ErrDuplicateOrder  = errors.New("duplicate order suppressed")
)

// Config tunes the execution engine.
type Config struct {
	MaxRetries      uint          `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		DedupWindow:    30 * time.Second,
		SubmitTimeout:  15 * time.Second,
	}
}

// FillHandler receives confirmed fills, e.g. the position ledger.
type FillHandler func(fill types.Fill)

// Engine drives orders through their lifecycle. It is the sole writer
// of order status: PENDING orders move to SUBMITTED via the broker
// submit path, and SUBMITTED orders move to terminal states only
// through broker events. A terminal state is never overwritten.
type Engine struct {
	mu     sync.Mutex
	logger *zap.Logger
	cfg    Config
	broker BrokerAdapter
	audit  audit.Recorder
	onFill FillHandler

	orders map[string]*types.Order
	recent map[string]time.Time // dedup signature -> last accepted
	clock  func() time.Time
}

// NewEngine creates an execution engine.
func NewEngine(logger *zap.Logger, cfg Config, broker BrokerAdapter, recorder audit.Recorder, onFill FillHandler) *Engine {
	if cfg.MaxRetries == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		logger: logger.Named("execution"),
		cfg:    cfg,
		broker: broker,
		audit:  recorder,
		onFill: onFill,
		orders: make(map[string]*types.Order),
		recent: make(map[string]time.Time),
		clock:  time.Now,
	}
}

// Submit validates a sized signal and, if valid, creates an order and
// starts submission in the background. The returned order is a copy in
// PENDING state; submission progress is visible through Order().
// A validation error means no order was created.
func (e *Engine) Submit(ctx context.Context, signal types.Signal, qty decimal.Decimal) (types.Order, error) {
	now := e.clock()

	if !qty.IsPositive() {
		return types.Order{}, ErrInvalidQuantity
	}
	if !marketOpen(signal.Symbol, now) {
		return types.Order{}, fmt.Errorf("%w: %s", ErrMarketClosed, signal.Symbol)
	}

	// Keyed on symbol and side only, so two strategies firing the same
	// trade inside one window collapse into one order.
	sig := signal.Symbol + "|" + string(signal.Side)

	e.mu.Lock()
	if last, ok := e.recent[sig]; ok && now.Sub(last) < e.cfg.DedupWindow {
		e.mu.Unlock()
		return types.Order{}, ErrDuplicateOrder
	}
	e.recent[sig] = now

	order := &types.Order{
		ID:         uuid.New().String(),
		SignalID:   signal.ID,
		StrategyID: signal.StrategyID,
		Symbol:     signal.Symbol,
		Side:       signal.Side,
		Type:       types.OrderTypeMarket,
		Quantity:   qty,
		Status:     types.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.orders[order.ID] = order
	snapshot := *order
	e.mu.Unlock()

	e.record(audit.TypeOrderTransition, map[string]interface{}{
		"order":    snapshot.ID,
		"signal":   snapshot.SignalID,
		"strategy": snapshot.StrategyID,
		"symbol":   snapshot.Symbol,
		"side":     snapshot.Side,
		"quantity": qty.String(),
		"status":   snapshot.Status,
		"reason":   signal.Reason,
		"strength": signal.Strength.String(),
	})

	go e.submit(ctx, snapshot.ID)
	return snapshot, nil
}

// submit pushes a PENDING order to the broker with bounded exponential
// backoff. Exhausting the attempts marks the order REJECTED with
// reason "submission failed".
func (e *Engine) submit(ctx context.Context, orderID string) {
	order, ok := e.Order(orderID)
	if !ok {
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialBackoff
	policy.MaxInterval = e.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	var brokerRef string
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()

		ref, err := e.broker.Submit(callCtx, order)
		if err != nil {
			e.logger.Warn("Broker submit failed",
				zap.String("order", orderID),
				zap.Error(err))
			return err
		}
		brokerRef = ref
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.MaxRetries)), ctx))
	if err != nil {
		e.transition(orderID, func(o *types.Order) {
			o.Status = types.OrderStatusRejected
			o.RejectReason = "submission failed"
		})
		return
	}

	e.transition(orderID, func(o *types.Order) {
		o.Status = types.OrderStatusSubmitted
		o.BrokerRef = brokerRef
	})
}

// ConsumeEvents applies broker events until the context is cancelled
// or the event stream closes. Events are applied in arrival order, so
// one order's sequence is never reordered.
func (e *Engine) ConsumeEvents(ctx context.Context) {
	events := e.broker.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				e.logger.Info("Broker event stream closed")
				return
			}
			e.Apply(event)
		}
	}
}

// Apply folds one broker event into its order. Events for unknown
// orders are dropped; a terminal order ignores all further events, so
// duplicates and stragglers are harmless.
func (e *Engine) Apply(event BrokerEvent) {
	var fill *types.Fill

	applied := e.transition(event.OrderID, func(o *types.Order) {
		if event.Status == types.OrderStatusFilled || event.Status == types.OrderStatusPartiallyFilled {
			delta := event.FilledQty.Sub(o.FilledQty)
			if delta.IsPositive() {
				fill = &types.Fill{
					OrderID:   o.ID,
					Symbol:    o.Symbol,
					Side:      o.Side,
					Quantity:  delta,
					Price:     event.FilledPrice,
					Timestamp: event.Timestamp,
				}
				o.FilledQty = event.FilledQty
				o.FilledPrice = event.FilledPrice
			}
		}
		o.Status = event.Status
		if event.Reason != "" {
			o.RejectReason = event.Reason
		}
		if event.BrokerRef != "" {
			o.BrokerRef = event.BrokerRef
		}
	})

	if applied && fill != nil && e.onFill != nil {
		e.onFill(*fill)
	}
}

// transition mutates an order under the lock and emits the audit
// record before returning. Terminal orders are immutable.
func (e *Engine) transition(orderID string, mutate func(*types.Order)) bool {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("Event for unknown order", zap.String("order", orderID))
		return false
	}
	if order.Status.IsTerminal() {
		e.mu.Unlock()
		e.logger.Debug("Ignoring event for terminal order",
			zap.String("order", orderID),
			zap.String("status", string(order.Status)))
		return false
	}

	from := order.Status
	mutate(order)
	order.UpdatedAt = e.clock()
	snapshot := *order
	e.mu.Unlock()

	e.record(audit.TypeOrderTransition, map[string]interface{}{
		"order":  snapshot.ID,
		"symbol": snapshot.Symbol,
		"from":   from,
		"status": snapshot.Status,
		"filled": snapshot.FilledQty.String(),
		"reason": snapshot.RejectReason,
	})
	return true
}

// Order returns a copy of an order by ID.
func (e *Engine) Order(orderID string) (types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *order, true
}

// Orders returns copies of all orders, optionally only open ones.
func (e *Engine) Orders(openOnly bool) []types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Order, 0, len(e.orders))
	for _, order := range e.orders {
		if openOnly && order.Status.IsTerminal() {
			continue
		}
		out = append(out, *order)
	}
	return out
}

// OpenOrderCount returns the number of non-terminal orders.
func (e *Engine) OpenOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, order := range e.orders {
		if !order.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (e *Engine) record(typ string, fields map[string]interface{}) {
	if e.audit != nil {
		e.audit.Record(audit.Event{Type: typ, At: e.clock(), Fields: fields})
	}
}
