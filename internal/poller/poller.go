// Package poller drives the periodic broker poll for one session at a time.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 8 * time.Second

// Fetcher performs one poll request scoped to a session.
type Fetcher interface {
	Poll(ctx context.Context, sessionID string) (schema.PollResult, error)
}

// Handler processes one successful poll response. It runs to completion even when
// the poller is stopped mid-batch.
type Handler func(ctx context.Context, sessionID string, result schema.PollResult)

// ExpiredFunc is told that the broker no longer recognises the session.
type ExpiredFunc func(err error)

// Poller fires one poll immediately on Start and then one per tick. A tick that
// arrives while the previous poll is still running is skipped, so polls never overlap.
type Poller struct {
	fetcher  Fetcher
	handle   Handler
	interval time.Duration
	logger   observability.Logger
	metrics  *telemetry.PipelineMetrics

	mu      sync.Mutex
	current *run
}

type run struct {
	sessionID string
	onExpired ExpiredFunc
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides the poll period.
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithLogger overrides the poller logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithMetrics records poll outcomes into metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(p *Poller) {
		p.metrics = metrics
	}
}

// New constructs an idle poller.
func New(fetcher Fetcher, handle Handler, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		handle:   handle,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = observability.Or(p.logger)
	return p
}

// Start begins polling for sessionID, stopping any previous run first. onExpired is
// invoked from the poll goroutine after the run has fully stopped, so it may call Stop.
func (p *Poller) Start(sessionID string, onExpired ExpiredFunc) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errs.New("poller/start", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	if p.fetcher == nil {
		return errs.New("poller/start", errs.CodeInvalid, errs.WithMessage("fetcher required"))
	}
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		sessionID: sessionID,
		onExpired: onExpired,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.mu.Lock()
	p.current = r
	p.mu.Unlock()

	go p.loop(ctx, r)
	return nil
}

// Stop cancels the current run and waits for its goroutine to finish the in-flight
// poll. Stop is idempotent and safe to call when never started.
func (p *Poller) Stop() {
	p.mu.Lock()
	r := p.current
	p.current = nil
	p.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Running reports whether a run is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// SessionID returns the session the current run polls for, or "".
func (p *Poller) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.sessionID
}

func (p *Poller) loop(ctx context.Context, r *run) {
	ticker := time.NewTicker(p.interval)
	outcome := make(chan error, 1)
	inFlight := false
	launch := func() {
		inFlight = true
		go func() {
			outcome <- p.pollOnce(ctx, r.sessionID)
		}()
	}

	launch()
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			if inFlight {
				<-outcome
			}
			close(r.done)
			return
		case <-ticker.C:
			if inFlight {
				p.metrics.RecordPoll(ctx, telemetry.ResultSkipped, 0)
				p.logger.Debug("poll still in flight; skipping tick", observability.F("session", r.sessionID))
				continue
			}
			launch()
		case err := <-outcome:
			inFlight = false
			if !errors.Is(err, errs.ErrSessionExpired) {
				continue
			}
			ticker.Stop()
			p.mu.Lock()
			if p.current == r {
				p.current = nil
			}
			p.mu.Unlock()
			r.cancel()
			close(r.done)
			p.logger.Warn("session expired; polling stopped",
				observability.F("session", r.sessionID), observability.Err(err))
			if r.onExpired != nil {
				r.onExpired(err)
			}
			return
		}
	}
}

// pollOnce performs one request and hands a successful response to the handler.
// Only session expiry is returned; every other failure is logged and swallowed.
func (p *Poller) pollOnce(ctx context.Context, sessionID string) error {
	start := time.Now()
	result, err := p.fetcher.Poll(ctx, sessionID)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, errs.ErrSessionExpired) {
			p.metrics.RecordPoll(ctx, telemetry.ResultExpired, elapsed)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p.metrics.RecordPoll(ctx, telemetry.ResultError, elapsed)
		p.logger.Warn("poll failed; retrying next tick",
			observability.F("session", sessionID), observability.Err(err))
		return nil
	}
	p.metrics.RecordPoll(ctx, telemetry.ResultSuccess, elapsed)
	if p.handle != nil {
		p.handle(context.WithoutCancel(ctx), sessionID, result)
	}
	return nil
}
