package feed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestTickerMessageToTick(t *testing.T) {
	msg := tickerMessage{
		EventType: "24hrTicker",
		EventTime: 1735689600000,
		Symbol:    "BTCUSDT",
		LastPrice: "42000.5",
		BidPrice:  "42000.1",
		AskPrice:  "42000.9",
		Volume:    "1234.56",
	}
	tick, err := msg.toTick()
	if err != nil {
		t.Fatalf("toTick: %v", err)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s", tick.Symbol)
	}
	if !tick.Price.Equal(decimal.NewFromFloat(42000.5)) {
		t.Errorf("price = %s, want 42000.5", tick.Price)
	}
	if tick.Timestamp.UnixMilli() != 1735689600000 {
		t.Errorf("timestamp = %v", tick.Timestamp)
	}
}

func TestTickerMessageBadPrice(t *testing.T) {
	msg := tickerMessage{EventType: "24hrTicker", Symbol: "BTCUSDT", LastPrice: "garbage"}
	if _, err := msg.toTick(); err == nil {
		t.Fatal("expected error for unparseable price")
	}
}

func TestSimulatedFeedEmitsAndCloses(t *testing.T) {
	sim := NewSimulated(zap.NewNop(), map[string]decimal.Decimal{
		"BTCUSDT": decimal.NewFromInt(100),
	}, time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)

	var count int
	deadline := time.After(time.Second)
	for count < 5 {
		select {
		case tick := <-sim.Ticks():
			if tick.Symbol != "BTCUSDT" {
				t.Fatalf("symbol = %s", tick.Symbol)
			}
			// Bounded step keeps the walk close to its seed.
			if tick.Price.LessThan(decimal.NewFromInt(90)) || tick.Price.GreaterThan(decimal.NewFromInt(110)) {
				t.Fatalf("price %s wandered outside expected band", tick.Price)
			}
			if !tick.Bid.LessThan(tick.Ask) {
				t.Fatalf("bid %s >= ask %s", tick.Bid, tick.Ask)
			}
			count++
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", count)
		}
	}

	cancel()
	for {
		if _, ok := <-sim.Ticks(); !ok {
			return
		}
	}
}
