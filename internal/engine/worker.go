package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of the step worker pool.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many step executions run at once across every
// sweep of one engine.
type WorkerPool struct {
	slots   chan struct{}
	stop    chan struct{}
	onPanic func(recovered any)

	// mu orders wg.Add against Shutdown's Wait.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once. onPanic,
// if set, receives the value recovered from a panicking task.
func NewWorkerPool(size int, onPanic func(recovered any)) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		stop:    make(chan struct{}),
		onPanic: onPanic,
	}
}

// Size returns the concurrency bound.
func (p *WorkerPool) Size() int { return cap(p.slots) }

// Submit runs fn on a pool goroutine. It blocks while every slot is busy
// and gives up when ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	if !p.track() {
		<-p.slots
		return ErrPoolShutdown
	}
	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) track() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	p.active.Add(1)
	return true
}

// run executes fn in its slot. A panic counts as a failure.
func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Shutdown rejects new work and waits for running tasks. Safe to call
// more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.Size(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
