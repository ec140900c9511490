package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(zap.NewNop(), 3, 8)
	defer p.Stop()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ok := p.Submit(context.Background(), func() {
			defer wg.Done()
			count.Add(1)
		})
		if !ok {
			t.Fatal("submit refused")
		}
	}
	wg.Wait()

	if got := count.Load(); got != 50 {
		t.Errorf("ran %d tasks, want 50", got)
	}
	if p.Executed() < 50 {
		t.Errorf("executed = %d, want >= 50", p.Executed())
	}
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	p := New(zap.NewNop(), 1, 1)
	defer p.Stop()

	block := make(chan struct{})
	// Occupy the single worker and fill the queue.
	p.Submit(context.Background(), func() { <-block })
	p.Submit(context.Background(), func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ok := p.Submit(ctx, func() {}); ok {
		t.Error("submit should fail once the queue is full and ctx expires")
	}
	close(block)
}

func TestPoolStopWaitsForWorkers(t *testing.T) {
	p := New(zap.NewNop(), 2, 4)

	var done atomic.Bool
	p.Submit(context.Background(), func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})

	p.Stop()
	if !done.Load() {
		t.Error("Stop returned before queued work finished")
	}
}
