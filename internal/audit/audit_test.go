package audit

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRecordDeliversToSubscribers(t *testing.T) {
	a := NewLogger(zap.NewNop())
	ch := a.Subscribe(4)

	a.Record(Event{
		Type:   TypeOrderTransition,
		Fields: map[string]interface{}{"order": "ord-1", "status": "filled"},
	})

	select {
	case ev := <-ch:
		if ev.Type != TypeOrderTransition {
			t.Errorf("type = %s, want %s", ev.Type, TypeOrderTransition)
		}
		if ev.At.IsZero() {
			t.Error("Record did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestRecentReturnsNewestEventsInOrder(t *testing.T) {
	a := NewLogger(zap.NewNop())
	for i := 0; i < recentSize+10; i++ {
		a.Record(Event{
			Type:   TypeRiskDecision,
			Fields: map[string]interface{}{"seq": i},
		})
	}

	events := a.Recent(5)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		want := recentSize + 5 + i
		if got := ev.Fields["seq"].(int); got != want {
			t.Errorf("event %d seq = %d, want %d", i, got, want)
		}
	}

	if got := len(a.Recent(0)); got != recentSize {
		t.Errorf("Recent(0) = %d events, want full ring %d", got, recentSize)
	}
}

func TestRecordNeverBlocksOnFullSubscriber(t *testing.T) {
	a := NewLogger(zap.NewNop())
	a.Subscribe(1) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Record(Event{Type: TypeRiskDecision})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full subscriber channel")
	}
}
