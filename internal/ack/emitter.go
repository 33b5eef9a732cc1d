// Package ack delivers per-notification acknowledgments to the broker without
// blocking the poll loop.
package ack

import (
	"context"
	"strings"
	"time"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/telemetry"
	"github.com/botfoods/orderfeed/lib/async"
)

const (
	defaultWorkers = 2
	defaultQueue   = 256
	defaultTimeout = 10 * time.Second
)

// Sender posts a single acknowledgment.
type Sender interface {
	Ack(ctx context.Context, sessionID, orderID string, notificationID string) error
}

// Emitter schedules acknowledgments on a bounded worker pool. Failures are logged
// and never surfaced to the caller.
type Emitter struct {
	sender  Sender
	pool    *async.Pool
	logger  observability.Logger
	metrics *telemetry.PipelineMetrics
	timeout time.Duration
	workers int
	queue   int
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithWorkers sets the number of concurrent ack requests.
func WithWorkers(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets how many acknowledgments may wait for a worker.
func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n >= 0 {
			e.queue = n
		}
	}
}

// WithTimeout bounds each ack request.
func WithTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger overrides the emitter logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithMetrics records ack outcomes into metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(e *Emitter) {
		e.metrics = metrics
	}
}

// NewEmitter constructs an emitter and starts its workers.
func NewEmitter(sender Sender, opts ...Option) (*Emitter, error) {
	if sender == nil {
		return nil, errs.New("ack/new", errs.CodeInvalid, errs.WithMessage("sender required"))
	}
	e := &Emitter{
		sender:  sender,
		timeout: defaultTimeout,
		workers: defaultWorkers,
		queue:   defaultQueue,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = observability.Or(e.logger)
	pool, err := async.NewPool(e.workers, e.queue, async.WithErrorHandler(func(err error) {
		e.logger.Warn("ack task failed", observability.Err(err))
	}))
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return e, nil
}

// Acknowledge schedules an ack and returns immediately.
func (e *Emitter) Acknowledge(sessionID, orderID string, notificationID string) {
	if e == nil {
		return
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		e.logger.Warn("ack skipped: no session", observability.F("order", orderID))
		return
	}
	err := e.pool.Submit(context.Background(), func(ctx context.Context) error {
		e.send(ctx, sessionID, orderID, notificationID)
		return nil
	})
	if err != nil {
		e.metrics.RecordAck(context.Background(), telemetry.ResultSkipped)
		e.logger.Warn("ack dropped",
			observability.F("order", orderID),
			observability.F("notification", notificationID),
			observability.Err(err))
	}
}

func (e *Emitter) send(ctx context.Context, sessionID, orderID string, notificationID string) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.sender.Ack(ctx, sessionID, orderID, notificationID); err != nil {
		e.metrics.RecordAck(ctx, telemetry.ResultError)
		e.logger.Warn("ack failed",
			observability.F("session", sessionID),
			observability.F("order", orderID),
			observability.F("notification", notificationID),
			observability.Err(err))
		return
	}
	e.metrics.RecordAck(ctx, telemetry.ResultSuccess)
	e.logger.Debug("acked",
		observability.F("order", orderID),
		observability.F("notification", notificationID))
}

// Shutdown stops intake and waits for pending acknowledgments until ctx expires.
func (e *Emitter) Shutdown(ctx context.Context) error {
	if e == nil || e.pool == nil {
		return nil
	}
	return e.pool.Shutdown(ctx)
}
