// Package supervisor keeps a subscription alive: it subscribes with exponential
// backoff and resubscribes whenever the broker ends the session.
package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/observability"
)

const (
	defaultInitialInterval = time.Second
	defaultMaxInterval     = time.Minute
	disconnectTimeout      = 5 * time.Second
)

// Subscriber is the session surface the supervisor drives.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, subscriberContext schema.SubscriberContext) (schema.Session, error)
	Disconnect(ctx context.Context)
	Done() <-chan struct{}
}

// Config configures a Supervisor.
type Config struct {
	QueueName         string
	SubscriberContext schema.SubscriberContext
	InitialInterval   time.Duration
	MaxInterval       time.Duration
}

// Supervisor owns the resubscribe loop for one queue.
type Supervisor struct {
	sub    Subscriber
	cfg    Config
	logger observability.Logger
}

// New constructs a supervisor.
func New(sub Subscriber, cfg Config, logger observability.Logger) (*Supervisor, error) {
	cfg.QueueName = strings.TrimSpace(cfg.QueueName)
	if sub == nil {
		return nil, errs.New("supervisor/new", errs.CodeInvalid, errs.WithMessage("subscriber required"))
	}
	if cfg.QueueName == "" {
		return nil, errs.New("supervisor/new", errs.CodeInvalid, errs.WithMessage("queue name required"))
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Supervisor{sub: sub, cfg: cfg, logger: observability.Or(logger)}, nil
}

// Run blocks until ctx is cancelled, then disconnects. Only invalid input ends the
// loop early; subscription failures and expired sessions are retried with backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.disconnect(ctx)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.cfg.InitialInterval
	backoffCfg.MaxInterval = s.cfg.MaxInterval

	for {
		if ctx.Err() != nil {
			return nil
		}

		sess, err := s.sub.Subscribe(ctx, s.cfg.QueueName, s.cfg.SubscriberContext)
		if err != nil {
			if errors.Is(err, errs.ErrInvalid) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			sleep := s.next(backoffCfg)
			s.logger.Warn("subscribe failed; retrying",
				observability.F("queue", s.cfg.QueueName),
				observability.F("retry_in", sleep.String()),
				observability.Err(err))
			if !wait(ctx, sleep) {
				return nil
			}
			continue
		}

		started := time.Now()
		select {
		case <-ctx.Done():
			return nil
		case <-s.sub.Done():
		}

		// a session that survived a full max interval resets the backoff
		if time.Since(started) >= s.cfg.MaxInterval {
			backoffCfg.Reset()
		}
		sleep := s.next(backoffCfg)
		s.logger.Info("session ended; resubscribing",
			observability.F("session", sess.ID),
			observability.F("retry_in", sleep.String()))
		if !wait(ctx, sleep) {
			return nil
		}
	}
}

func (s *Supervisor) next(b *backoff.ExponentialBackOff) time.Duration {
	sleep := b.NextBackOff()
	if sleep == backoff.Stop {
		sleep = s.cfg.MaxInterval
	}
	return sleep
}

func (s *Supervisor) disconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	s.sub.Disconnect(ctx)
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
