package orchestration

import (
	"context"
	"sync"

	"github.com/bhangun/gollek/core"
)

// WorkerPool executes inference tasks on a small fixed set of goroutines.
// Per-request sequencing stays single-threaded: one task owns one
// ExecutionToken and drives it to a terminal state.
type WorkerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger core.Logger

	stopOnce sync.Once
}

// NewWorkerPool starts size workers with a queue of depth backlog
func NewWorkerPool(size, backlog int, logger core.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	p := &WorkerPool{
		tasks:  make(chan func(), backlog),
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task, blocking while the backlog is full. Returns the
// context error if ctx dies first.
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

// Stop drains the queue and waits for workers to finish
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
