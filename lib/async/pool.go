// Package async provides the bounded worker pool used for fire-and-forget side effects.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/tradecore/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorSink receives failures of background tasks. It must not block.
type ErrorSink func(name string, err error)

// Option customises a pool.
type Option func(*Pool)

// WithErrorSink installs the sink that records task failures and panics.
func WithErrorSink(sink ErrorSink) Option {
	return func(p *Pool) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Queued    int
}

// Pool is a bounded worker pool. Submission never blocks: a full queue rejects the task.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	sink   ErrorSink

	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

type job struct {
	ctx  context.Context
	name string
	fn   Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.Validation("lib/async", "workers must be >0")
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
		sink:   func(string, error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the named task. The task runs with ctx, or the pool context when ctx is nil.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	if fn == nil {
		return errs.Validation("lib/async", "task must not be nil")
	}
	if ctx == nil {
		ctx = p.ctx
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, name: name, fn: fn}:
		return nil
	default:
		p.wg.Done()
		p.rejected.Add(1)
		return errs.New("lib/async", errs.CodeUnavailable,
			errs.WithMessage("pool at capacity"),
			errs.WithField("task", name),
		)
	}
}

// Enqueue submits fn detached from any request context. Rejections go to the error sink.
func (p *Pool) Enqueue(name string, fn Task) {
	if err := p.Submit(p.ctx, name, fn); err != nil {
		p.sink(name, err)
	}
}

// Stats reports pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Queued:    len(p.jobs),
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown drains queued tasks, cancelling them if ctx expires first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.sink(j.name, fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := j.fn(j.ctx); err != nil {
		p.failed.Add(1)
		p.sink(j.name, err)
		return
	}
	p.completed.Add(1)
}
