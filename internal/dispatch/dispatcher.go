// Package dispatch fans newly accepted orders out to locally registered handlers.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

// Handler consumes one accepted order. A returned error is logged and counted only.
type Handler func(ctx context.Context, order schema.Order) error

// HandlerID identifies a registration for later removal.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Dispatcher invokes handlers synchronously in registration order. A failing or
// panicking handler never prevents the remaining handlers from running.
type Dispatcher struct {
	logger  observability.Logger
	metrics *telemetry.PipelineMetrics

	nextID   atomic.Uint64
	mu       sync.RWMutex
	handlers []registration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics records dispatch latency and handler failures.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// New constructs a dispatcher with no handlers.
func New(opts ...Option) *Dispatcher {
	d := new(Dispatcher)
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = observability.Or(d.logger)
	return d
}

// AddHandler registers fn and returns its id. A nil handler is ignored and yields 0.
func (d *Dispatcher) AddHandler(fn Handler) HandlerID {
	if fn == nil {
		return 0
	}
	id := HandlerID(d.nextID.Add(1))
	d.mu.Lock()
	d.handlers = append(d.handlers, registration{id: id, fn: fn})
	d.mu.Unlock()
	return id
}

// RemoveHandler unregisters id and reports whether it was present.
func (d *Dispatcher) RemoveHandler(id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.handlers {
		if reg.id != id {
			continue
		}
		next := make([]registration, 0, len(d.handlers)-1)
		next = append(next, d.handlers[:i]...)
		next = append(next, d.handlers[i+1:]...)
		d.handlers = next
		return true
	}
	return false
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (d *Dispatcher) Subscribe(fn Handler) (unsubscribe func()) {
	id := d.AddHandler(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			d.RemoveHandler(id)
		})
	}
}

// ClearHandlers removes every registration.
func (d *Dispatcher) ClearHandlers() {
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
}

// Len reports the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch delivers order to a snapshot of the current handlers and returns how
// many of them failed.
func (d *Dispatcher) Dispatch(ctx context.Context, order schema.Order) int {
	d.mu.RLock()
	snapshot := d.handlers
	d.mu.RUnlock()

	start := time.Now()
	failures := 0
	for _, reg := range snapshot {
		if err := d.invoke(ctx, reg, order); err != nil {
			failures++
			d.logger.Error("order handler failed",
				observability.F("handler", uint64(reg.id)),
				observability.F("order", order.ID),
				observability.Err(err))
		}
	}
	d.metrics.RecordDispatch(ctx, failures, time.Since(start))
	return failures
}

func (d *Dispatcher) invoke(ctx context.Context, reg registration, order schema.Order) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.fn(ctx, order.Clone())
}
