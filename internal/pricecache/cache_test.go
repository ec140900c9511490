package pricecache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/pkg/types"
)

func tick(symbol string, price float64, ts time.Time) types.Tick {
	return types.Tick{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Timestamp: ts,
	}
}

func TestLastPriceTracksNewestTimestamp(t *testing.T) {
	cache := New(zap.NewNop(), 10)
	base := time.Now()

	// Out-of-order arrival: the newest-stamped tick must win.
	cache.Apply(tick("BTCUSDT", 100, base))
	cache.Apply(tick("BTCUSDT", 105, base.Add(2*time.Second)))
	cache.Apply(tick("BTCUSDT", 90, base.Add(time.Second))) // stale, ignored

	last, ok := cache.Last("BTCUSDT")
	if !ok {
		t.Fatal("expected a last tick")
	}
	if !last.Price.Equal(decimal.NewFromInt(105)) {
		t.Errorf("last price = %s, want 105", last.Price)
	}

	// Equal timestamp is also stale.
	cache.Apply(tick("BTCUSDT", 99, base.Add(2*time.Second)))
	if p := cache.LastPrice("BTCUSDT"); !p.Equal(decimal.NewFromInt(105)) {
		t.Errorf("last price after duplicate timestamp = %s, want 105", p)
	}
}

func TestHistoryBoundAndOrder(t *testing.T) {
	cache := New(zap.NewNop(), 3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		cache.Apply(tick("ETHUSDT", float64(100+i), base.Add(time.Duration(i)*time.Second)))
	}

	hist := cache.History("ETHUSDT", 0)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if !hist[0].Price.Equal(decimal.NewFromInt(102)) || !hist[2].Price.Equal(decimal.NewFromInt(104)) {
		t.Errorf("history window = [%s..%s], want [102..104]", hist[0].Price, hist[2].Price)
	}

	prices := cache.Prices("ETHUSDT", 2)
	if len(prices) != 2 || !prices[1].Equal(decimal.NewFromInt(104)) {
		t.Errorf("unexpected prices window: %v", prices)
	}
}

func TestUnknownSymbol(t *testing.T) {
	cache := New(zap.NewNop(), 10)

	if _, ok := cache.Last("NOPE"); ok {
		t.Error("expected no tick for unknown symbol")
	}
	if !cache.LastPrice("NOPE").IsZero() {
		t.Error("expected zero price for unknown symbol")
	}
	if hist := cache.History("NOPE", 5); len(hist) != 0 {
		t.Errorf("expected empty history, got %d", len(hist))
	}
}

func TestConsumeDrainsFeed(t *testing.T) {
	cache := New(zap.NewNop(), 10)
	feed := make(chan types.Tick, 4)
	base := time.Now()

	feed <- tick("SOLUSDT", 20, base)
	feed <- tick("SOLUSDT", 21, base.Add(time.Second))
	close(feed)

	done := make(chan struct{})
	go func() {
		cache.Consume(context.Background(), feed)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after feed close")
	}

	if p := cache.LastPrice("SOLUSDT"); !p.Equal(decimal.NewFromInt(21)) {
		t.Errorf("last price = %s, want 21", p)
	}
}

func TestSnapshotCoversAllSymbols(t *testing.T) {
	cache := New(zap.NewNop(), 10)
	base := time.Now()

	cache.Apply(tick("BTCUSDT", 100, base))
	cache.Apply(tick("ETHUSDT", 50, base))

	snap := cache.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if !snap["ETHUSDT"].Equal(decimal.NewFromInt(50)) {
		t.Errorf("snapshot[ETHUSDT] = %s, want 50", snap["ETHUSDT"])
	}
}
