// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/botfoods/orderfeed/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task failures, including recovered panics.
type ErrorHandler func(err error)

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// Closing the pool stops intake; queued tasks still run until Shutdown's deadline.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler routes task errors and recovered panics to fn.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// NewPool starts workers goroutines draining a queue of the given depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, poolError(errs.CodeInvalid, "workers must be >0")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, jobs: make(chan job, max(queue, 0))}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for range workers {
		p.wg.Go(p.worker)
	}
	return p, nil
}

func poolError(code errs.Code, msg string) error {
	return errs.New("lib/async", code, errs.WithMessage(msg))
}

// Submit enqueues fn without blocking. A closed pool or a full queue is reported
// as errs.ErrUnavailable.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return poolError(errs.CodeInvalid, "task must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	} else if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return poolError(errs.CodeUnavailable, "pool closed")
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		return poolError(errs.CodeUnavailable, "pool at capacity")
	}
}

// Close stops intake. Workers exit once the queue drains.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		close(p.jobs)
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks. When ctx
// expires first the remaining tasks observe a cancelled context.
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
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	ctx := j.ctx
	if p.ctx.Err() != nil {
		ctx = p.ctx
	}
	defer func() {
		if r := recover(); r != nil {
			p.report(errs.New("lib/async", errs.CodeUnavailable,
				errs.WithMessage("task panicked"), errs.WithCause(fmt.Errorf("%v", r))))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
