// Package workers provides a small bounded goroutine pool. The
// orchestrator uses it to fan strategy generation out per strategy
// while keeping everything downstream of generation serialized.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task func()

// Pool runs tasks on a fixed number of workers. Submit blocks when the
// queue is full, which bounds how far producers can run ahead.
type Pool struct {
	logger    *zap.Logger
	tasks     chan Task
	wg        sync.WaitGroup
	stopOnce  sync.Once
	executed  atomic.Uint64
	startOnce sync.Once
}

// New creates a pool with the given worker count and queue depth.
func New(logger *zap.Logger, size, queue int) *Pool {
	if size <= 0 {
		size = 4
	}
	if queue <= 0 {
		queue = size * 2
	}
	p := &Pool{
		logger: logger.Named("workers"),
		tasks:  make(chan Task, queue),
	}
	p.start(size)
	return p
}

func (p *Pool) start(size int) {
	p.startOnce.Do(func() {
		for i := 0; i < size; i++ {
			p.wg.Add(1)
			go p.run()
		}
		p.logger.Debug("Worker pool started", zap.Int("workers", size))
	})
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
		p.executed.Add(1)
	}
}

// Submit queues a task, blocking while the queue is full. Returns
// false if the context expires first.
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// Executed reports how many tasks have completed.
func (p *Pool) Executed() uint64 {
	return p.executed.Load()
}

// Stop drains queued tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
