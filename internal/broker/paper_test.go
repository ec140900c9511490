package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/pkg/types"
)

type staticPrices map[string]float64

func (p staticPrices) LastPrice(symbol string) decimal.Decimal {
	if v, ok := p[symbol]; ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

func nextEvent(t *testing.T, p *Paper) execution.BrokerEvent {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no broker event")
		return execution.BrokerEvent{}
	}
}

func TestSubmitFillsWithSlippage(t *testing.T) {
	p := NewPaper(zap.NewNop(), staticPrices{"BTCUSDT": 100}, decimal.NewFromInt(10000), 10)

	order := types.Order{ID: "ord-1", Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: decimal.NewFromInt(2)}
	ref, err := p.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref == "" {
		t.Error("empty broker ref")
	}

	ev := nextEvent(t, p)
	if ev.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", ev.Status)
	}
	// 10 bps over 100.
	if !ev.FilledPrice.Equal(decimal.NewFromFloat(100.1)) {
		t.Errorf("fill price = %s, want 100.1", ev.FilledPrice)
	}

	positions, _ := p.Positions(context.Background())
	if !positions["BTCUSDT"].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("broker position = %s, want 2", positions["BTCUSDT"].Quantity)
	}
	// Cash reduced by 2 * 100.1.
	if !p.Cash().Equal(decimal.NewFromFloat(9799.8)) {
		t.Errorf("cash = %s, want 9799.8", p.Cash())
	}
}

func TestSubmitUnknownSymbolRejectsViaEvent(t *testing.T) {
	p := NewPaper(zap.NewNop(), staticPrices{}, decimal.NewFromInt(1000), 0)

	order := types.Order{ID: "ord-1", Symbol: "NOPE", Side: types.SideBuy, Quantity: decimal.NewFromInt(1)}
	if _, err := p.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit returned transport error: %v", err)
	}

	ev := nextEvent(t, p)
	if ev.Status != types.OrderStatusRejected {
		t.Errorf("status = %s, want rejected", ev.Status)
	}
	if ev.Reason == "" {
		t.Error("rejection carries no reason")
	}
}

func TestSellFlattensAndCredits(t *testing.T) {
	p := NewPaper(zap.NewNop(), staticPrices{"ETHUSDT": 50}, decimal.NewFromInt(1000), 0)
	ctx := context.Background()

	p.Submit(ctx, types.Order{ID: "o1", Symbol: "ETHUSDT", Side: types.SideBuy, Quantity: decimal.NewFromInt(4)})
	p.Submit(ctx, types.Order{ID: "o2", Symbol: "ETHUSDT", Side: types.SideSell, Quantity: decimal.NewFromInt(4)})

	positions, _ := p.Positions(ctx)
	if len(positions) != 0 {
		t.Errorf("flat position still reported: %+v", positions)
	}
	if !p.Cash().Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cash = %s, want round trip back to 1000", p.Cash())
	}
}
