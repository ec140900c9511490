// Package audit emits structured records for every risk decision,
// order transition and rebalance event. Recording is synchronous with
// the state transition that produced it; fan-out to external consumers
// is fire-and-forget and never blocks the caller.
package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the engine.
const (
	TypeRiskDecision    = "risk_decision"
	TypeOrderTransition = "order_transition"
	TypeRebalance       = "rebalance"
	TypeReconciliation  = "reconciliation"
	TypeCircuitBreaker  = "circuit_breaker"
	TypeRiskLevel       = "risk_level"
)

// Event is one audit record.
type Event struct {
	Type   string                 `json:"type"`
	At     time.Time              `json:"at"`
	Fields map[string]interface{} `json:"fields"`
}

// Recorder accepts audit events. Record must not block.
type Recorder interface {
	Record(event Event)
}

// Logger writes every event as a structured log record and fans it out
// to subscribers. The log write happens in the caller's goroutine so
// the record exists before the state transition returns; subscriber
// delivery drops on a full channel instead of blocking.
type Logger struct {
	mu     sync.RWMutex
	logger *zap.Logger
	subs   []chan Event
	recent []Event
	next   int
}

// recentSize bounds the in-memory ring served to the control surface.
const recentSize = 512

// NewLogger creates an audit logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{
		logger: logger.Named("audit"),
		recent: make([]Event, 0, recentSize),
	}
}

// Record writes the event and notifies subscribers.
func (a *Logger) Record(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	fields := make([]zap.Field, 0, len(event.Fields)+1)
	fields = append(fields, zap.Time("at", event.At))
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	a.logger.Info(event.Type, fields...)

	a.mu.Lock()
	if len(a.recent) < recentSize {
		a.recent = append(a.recent, event)
	} else {
		a.recent[a.next] = event
		a.next = (a.next + 1) % recentSize
	}
	a.mu.Unlock()

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.subs {
		select {
		case ch <- event:
		default:
			// Slow consumers lose events rather than stalling orders.
		}
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (a *Logger) Recent(n int) []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := len(a.recent)
	if n <= 0 || n > total {
		n = total
	}
	start := 0
	if total == recentSize {
		// Ring is full; a.next points at the oldest slot.
		start = a.next
	}
	out := make([]Event, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, a.recent[(start+i)%total])
	}
	return out
}

// Subscribe returns a channel receiving future events. The channel is
// buffered; events are dropped when the buffer is full.
func (a *Logger) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}
