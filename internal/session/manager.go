// Package session owns the lifecycle of the single broker subscription.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/poller"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

// Broker is the subset of the broker client the manager drives.
type Broker interface {
	Subscribe(ctx context.Context, queue string, subscriberContext schema.SubscriberContext) (schema.Session, error)
	Unsubscribe(ctx context.Context, sessionID string) error
}

// Poller runs the periodic poll for one session.
type Poller interface {
	Start(sessionID string, onExpired poller.ExpiredFunc) error
	Stop()
}

// TeardownFunc is invoked after a session ends, whether by disconnect or expiry.
type TeardownFunc func(ended schema.Session, reason error)

// Manager holds at most one active session. Subscribe and Disconnect are serialised.
type Manager struct {
	broker   Broker
	poller   Poller
	logger   observability.Logger
	metrics  *telemetry.PipelineMetrics
	clock    func() time.Time
	teardown []TeardownFunc

	opMu sync.Mutex

	mu      sync.RWMutex
	session schema.Session
	done    chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records session gauges into metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the clock used to stamp session start times.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithTeardown registers a hook run after every session ends.
func WithTeardown(fn TeardownFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.teardown = append(m.teardown, fn)
		}
	}
}

// NewManager constructs an idle manager.
func NewManager(broker Broker, poll Poller, opts ...Option) *Manager {
	m := &Manager{
		broker: broker,
		poller: poll,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.Or(m.logger)
	return m
}

// Subscribe opens a session on queue and starts polling. Subscribing again to the
// active queue returns the current session unchanged; a different queue replaces it.
func (m *Manager) Subscribe(ctx context.Context, queue string, subscriberContext schema.SubscriberContext) (schema.Session, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return schema.Session{}, errs.New("session/subscribe", errs.CodeInvalid, errs.WithMessage("queue name required"))
	}
	if m.broker == nil || m.poller == nil {
		return schema.Session{}, errs.New("session/subscribe", errs.CodeUnavailable, errs.WithMessage("manager not configured"))
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if current, ok := m.Current(); ok {
		if current.QueueName == queue {
			m.logger.Debug("already subscribed", observability.F("queue", queue), observability.F("session", current.ID))
			return current, nil
		}
		m.logger.Info("switching queue", observability.F("from", current.QueueName), observability.F("to", queue))
		m.disconnectLocked(ctx)
	}

	sess, err := m.broker.Subscribe(ctx, queue, subscriberContext.Clone())
	if err != nil {
		return schema.Session{}, err
	}
	if !sess.Active() {
		return schema.Session{}, errs.New("session/subscribe", errs.CodeSubscription,
			errs.WithMessage("broker returned no session id"), errs.WithField("queue", queue))
	}
	if sess.QueueName == "" {
		sess.QueueName = queue
	}
	if sess.SubscriberContext == nil {
		sess.SubscriberContext = subscriberContext.Clone()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = m.clock().UTC()
	}

	m.mu.Lock()
	m.session = sess
	m.done = make(chan struct{})
	m.mu.Unlock()
	m.metrics.SessionStarted(ctx)

	sessionID := sess.ID
	if err := m.poller.Start(sessionID, func(reason error) {
		m.expire(sessionID, reason)
	}); err != nil {
		m.clear(sessionID, err)
		if uerr := m.broker.Unsubscribe(context.WithoutCancel(ctx), sessionID); uerr != nil {
			m.logger.Warn("unsubscribe after failed poller start",
				observability.F("session", sessionID), observability.Err(uerr))
		}
		return schema.Session{}, err
	}

	m.logger.Info("subscribed",
		observability.F("queue", sess.QueueName), observability.F("session", sess.ID))
	return sess, nil
}

// Disconnect ends the active session. It stops polling before clearing state, then
// asks the broker to release the session. Broker failures are logged and the local
// state is cleared regardless. Disconnect is a no-op when idle.
func (m *Manager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked(ctx)
}

func (m *Manager) disconnectLocked(ctx context.Context) {
	current, ok := m.Current()
	if !ok {
		return
	}
	m.poller.Stop()
	if err := m.broker.Unsubscribe(ctx, current.ID); err != nil {
		m.logger.Warn("unsubscribe failed; clearing session locally",
			observability.F("session", current.ID), observability.Err(err))
	}
	m.clear(current.ID, nil)
	m.logger.Info("disconnected", observability.F("queue", current.QueueName), observability.F("session", current.ID))
}

// expire tears down sessionID after the broker reported it unknown. Stale callbacks
// for a session that has already been replaced are ignored.
func (m *Manager) expire(sessionID string, reason error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	current, ok := m.Current()
	if !ok || current.ID != sessionID {
		return
	}
	m.poller.Stop()
	m.clear(sessionID, reason)
	m.logger.Warn("session expired; resubscribe required",
		observability.F("queue", current.QueueName), observability.F("session", sessionID), observability.Err(reason))
}

func (m *Manager) clear(sessionID string, reason error) {
	m.mu.Lock()
	if m.session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	ended := m.session
	m.session = schema.Session{}
	done := m.done
	m.done = nil
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	m.metrics.SessionEnded(context.Background())
	for _, fn := range m.teardown {
		fn(ended, reason)
	}
}

// Current returns the active session.
func (m *Manager) Current() (schema.Session, bool) {
	if m == nil {
		return schema.Session{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.session.Active()
}

// Done returns a channel closed when the active session ends. When idle the returned
// channel is already closed.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}
