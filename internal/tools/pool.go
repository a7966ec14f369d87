package tools

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Worker pool defaults.
const (
	DefaultPoolSize    = 4
	DefaultTaskTimeout = 60 * time.Second
)

// ErrPoolBusy is returned when the pool queue is full.
var ErrPoolBusy = errors.New("tools: worker pool is busy")

// ErrPoolClosed is returned after Stop.
var ErrPoolClosed = errors.New("tools: worker pool is closed")

type poolTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) *Result
	done chan *Result
}

// WorkerPool runs heavyweight tool executions on a fixed set of
// workers. Each task gets a per-task timeout; submissions beyond the
// bounded queue are rejected rather than queued without limit.
type WorkerPool struct {
	tasks   chan poolTask
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool starts size workers. Zero values fall back to the
// defaults.
func NewWorkerPool(size int, taskTimeout time.Duration) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	p := &WorkerPool{
		tasks:   make(chan poolTask, size*2),
		timeout: taskTimeout,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		ctx, cancel := context.WithTimeout(task.ctx, p.timeout)
		res := task.fn(ctx)
		cancel()
		if res == nil {
			res = ErrorResult("Error: tool returned no result")
		}
		if ctx.Err() == context.DeadlineExceeded && !res.IsError {
			res = ErrorResult("Error: tool timed out").WithError(ctx.Err())
		}
		task.done <- res
	}
}

// Submit runs fn on a worker and waits for its result. Returns
// ErrPoolBusy when the queue is full and ErrPoolClosed after Stop.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) *Result) (*Result, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	task := poolTask{ctx: ctx, fn: fn, done: make(chan *Result, 1)}
	select {
	case p.tasks <- task:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		return nil, ErrPoolBusy
	}

	select {
	case res := <-task.done:
		return res, nil
	case <-ctx.Done():
		// The worker still finishes the task; the caller stops waiting.
		return nil, ctx.Err()
	}
}

// Stop drains the queue and waits for in-flight tasks.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
