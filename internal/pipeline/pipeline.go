// Package pipeline composes the order-notification delivery path: session, poller,
// deduplication, normalization, durable queue, acknowledgment and dispatch.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/ack"
	"github.com/botfoods/orderfeed/internal/dedup"
	"github.com/botfoods/orderfeed/internal/dispatch"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/normalize"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/poller"
	"github.com/botfoods/orderfeed/internal/queue"
	"github.com/botfoods/orderfeed/internal/session"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

// Broker is the remote surface the pipeline consumes.
type Broker interface {
	session.Broker
	poller.Fetcher
	ack.Sender
}

// Acknowledger schedules best-effort acknowledgments.
type Acknowledger interface {
	Acknowledge(sessionID, orderID, notificationID string)
	Shutdown(ctx context.Context) error
}

// Config carries the tunables of one pipeline instance.
type Config struct {
	PollInterval  time.Duration
	DedupCapacity int
	DedupRetain   int
	AckWorkers    int
	AckQueueSize  int
	AckTimeout    time.Duration
}

// Pipeline owns one client-side delivery path. At most one session is active.
type Pipeline struct {
	queue      *queue.DurableQueue
	dedup      *dedup.Cache
	acks       Acknowledger
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	sessions   *session.Manager
	logger     observability.Logger
	metrics    *telemetry.PipelineMetrics
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	logger  observability.Logger
	metrics *telemetry.PipelineMetrics
	acks    Acknowledger
}

// WithLogger overrides the logger shared by every stage.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records pipeline instruments into metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithAcknowledger replaces the pool-backed ack emitter.
func WithAcknowledger(acks Acknowledger) Option {
	return func(o *options) {
		o.acks = acks
	}
}

// New wires a pipeline around broker and the durable queue q.
func New(broker Broker, q *queue.DurableQueue, cfg Config, opts ...Option) (*Pipeline, error) {
	if broker == nil {
		return nil, errs.New("pipeline/new", errs.CodeInvalid, errs.WithMessage("broker required"))
	}
	if q == nil {
		return nil, errs.New("pipeline/new", errs.CodeInvalid, errs.WithMessage("queue required"))
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := observability.Or(o.logger)

	acks := o.acks
	if acks == nil {
		emitter, err := ack.NewEmitter(broker,
			ack.WithWorkers(cfg.AckWorkers),
			ack.WithQueueSize(cfg.AckQueueSize),
			ack.WithTimeout(cfg.AckTimeout),
			ack.WithLogger(logger),
			ack.WithMetrics(o.metrics),
		)
		if err != nil {
			return nil, err
		}
		acks = emitter
	}

	p := &Pipeline{
		queue:      q,
		dedup:      dedup.New(dedup.WithCapacity(cfg.DedupCapacity), dedup.WithRetain(cfg.DedupRetain)),
		acks:       acks,
		dispatcher: dispatch.New(dispatch.WithLogger(logger), dispatch.WithMetrics(o.metrics)),
		logger:     logger,
		metrics:    o.metrics,
	}
	p.poller = poller.New(broker, p.handlePoll,
		poller.WithInterval(cfg.PollInterval),
		poller.WithLogger(logger),
		poller.WithMetrics(o.metrics),
	)
	p.sessions = session.NewManager(broker, p.poller,
		session.WithLogger(logger),
		session.WithMetrics(o.metrics),
		session.WithTeardown(p.onSessionEnded),
	)
	return p, nil
}

// Subscribe opens a session on queueName and starts polling immediately.
func (p *Pipeline) Subscribe(ctx context.Context, queueName string, subscriberContext schema.SubscriberContext) (schema.Session, error) {
	return p.sessions.Subscribe(ctx, queueName, subscriberContext)
}

// Disconnect ends the active session. It is idempotent.
func (p *Pipeline) Disconnect(ctx context.Context) {
	p.sessions.Disconnect(ctx)
}

// Session returns the active session.
func (p *Pipeline) Session() (schema.Session, bool) {
	return p.sessions.Current()
}

// Done is closed when the active session ends.
func (p *Pipeline) Done() <-chan struct{} {
	return p.sessions.Done()
}

// Dispatcher exposes handler registration.
func (p *Pipeline) Dispatcher() *dispatch.Dispatcher {
	return p.dispatcher
}

// Queue exposes the durable queue to consumers.
func (p *Pipeline) Queue() *queue.DurableQueue {
	return p.queue
}

// Close disconnects and drains pending acknowledgments until ctx expires.
func (p *Pipeline) Close(ctx context.Context) error {
	p.Disconnect(ctx)
	return p.acks.Shutdown(ctx)
}

func (p *Pipeline) onSessionEnded(ended schema.Session, reason error) {
	p.dedup.Reset()
	if reason != nil {
		p.logger.Info("session state cleared", observability.F("session", ended.ID), observability.Err(reason))
	}
}

const reasonMalformedEnvelope = "malformed_envelope"

// handlePoll processes one poll response in broker order.
func (p *Pipeline) handlePoll(ctx context.Context, sessionID string, result schema.PollResult) {
	if result.PermissionDenied {
		p.logger.Warn("subscriber not permitted to receive orders; ignoring notifications",
			observability.F("session", sessionID),
			observability.F("notifications", len(result.Notifications)))
		return
	}
	received := len(result.Notifications) + len(result.Rejected)
	if received == 0 {
		return
	}
	p.metrics.RecordNotifications(ctx, received)
	for _, rejected := range result.Rejected {
		p.metrics.RecordNormalizationFailure(ctx, reasonMalformedEnvelope)
		p.logger.Warn("notification dropped: malformed envelope",
			observability.F("session", sessionID),
			observability.F("bytes", len(rejected.Raw)),
			observability.Err(rejected.Err))
	}
	for _, n := range result.Notifications {
		p.process(ctx, sessionID, n)
	}
}

func (p *Pipeline) process(ctx context.Context, sessionID string, n schema.Notification) {
	key := dedup.Key(normalize.OrderID(n.RawOrder), n.Timestamp, n.ID.String())
	if p.dedup.Seen(key) {
		p.metrics.RecordDuplicate(ctx)
		p.logger.Debug("duplicate notification dropped", observability.F("key", key))
		return
	}
	if n.ID == "" {
		n.ID = DeriveNotificationID(key)
	}

	order, err := normalize.NormalizeNotification(n)
	if err != nil {
		// recorded so the broker's redelivery does not re-log it every tick
		p.dedup.Record(key)
		p.metrics.RecordNormalizationFailure(ctx, string(errs.CodeOf(err)))
		p.logger.Warn("notification dropped: normalization failed",
			observability.F("notification", n.ID.String()), observability.Err(err))
		return
	}

	start := time.Now()
	appended, err := p.queue.AppendIfAbsent(ctx, order)
	if err != nil {
		// not recorded and not acked: redelivery retries it
		p.logger.Error("order not persisted; awaiting redelivery",
			observability.F("order", order.ID),
			observability.F("notification", n.ID.String()),
			observability.Err(err))
		return
	}
	p.dedup.Record(key)
	p.acks.Acknowledge(sessionID, order.ID, n.ID.String())
	if !appended {
		p.metrics.RecordDuplicate(ctx)
		p.logger.Debug("order already queued", observability.F("order", order.ID))
		return
	}
	p.metrics.RecordQueued(ctx, time.Since(start))
	p.logger.Info("order queued", observability.F("order", order.ID), observability.F("items", len(order.Items)))
	p.dispatcher.Dispatch(ctx, order)
}

var notificationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:orderfeed:notification"))

// DeriveNotificationID builds a stable id for a notification the broker sent without one.
func DeriveNotificationID(key string) schema.NotificationID {
	return schema.NotificationID(uuid.NewSHA1(notificationNamespace, []byte(key)).String())
}
