package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

// MemoryBus fans queue events out to in-process subscribers.
type MemoryBus struct {
	cfg     MemoryConfig
	logger  observability.Logger
	metrics busMetrics

	closed    chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	mu   sync.RWMutex
	subs map[SubscriptionID]*subscription
}

// subscription is one registered listener. mu serializes sends with close so a
// delivery never races the channel being closed.
type subscription struct {
	typ    schema.QueueEventType
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.QueueEvent

	mu     sync.Mutex
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithLogger overrides the bus logger.
func WithLogger(logger observability.Logger) MemoryOption {
	return func(b *MemoryBus) {
		b.logger = logger
	}
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig, opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		cfg:    cfg.normalize(),
		closed: make(chan struct{}),
		subs:   make(map[SubscriptionID]*subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = observability.Or(b.logger)
	b.metrics = newBusMetrics()
	return b
}

func (b *MemoryBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func errClosed(op string) error {
	return errs.New(op, errs.CodeUnavailable, errs.WithMessage("bus closed"))
}

// Publish hands every subscriber of evt.Type its own copy of the event.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.QueueEvent) error {
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.isClosed() {
		return errClosed("eventbus/publish")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	targets := b.matching(evt.Type)
	if len(targets) == 0 {
		return nil
	}

	started := time.Now()
	err := b.fanOut(ctx, targets, evt)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	b.metrics.fannedOut(ctx, evt.Type, result, started)
	return err
}

func (b *MemoryBus) matching(typ schema.QueueEventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.typ == typ {
			out = append(out, sub)
		}
	}
	return out
}

// Subscribe registers for events of typ. The returned channel closes when ctx is
// cancelled, on Unsubscribe, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.QueueEventType) (SubscriptionID, <-chan *schema.QueueEvent, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		typ:    typ,
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan *schema.QueueEvent, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", b.seq.Add(1)))

	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		cancel()
		return "", nil, errClosed("eventbus/subscribe")
	}
	b.subs[id] = sub
	b.mu.Unlock()
	b.metrics.subscribed(typ, 1)

	go b.watch(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids are ignored.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if sub := b.detach(id, nil); sub != nil {
		sub.close()
	}
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.closed)
		subs := b.subs
		b.subs = make(map[SubscriptionID]*subscription)
		b.mu.Unlock()

		for _, sub := range subs {
			b.metrics.subscribed(sub.typ, -1)
			sub.close()
		}
	})
}

// watch retires the subscription once its context or the bus is done.
func (b *MemoryBus) watch(id SubscriptionID, sub *subscription) {
	select {
	case <-sub.ctx.Done():
	case <-b.closed:
	}
	b.detach(id, sub)
	sub.close()
}

// detach removes id from the registry. When want is set, only that exact subscription
// is removed.
func (b *MemoryBus) detach(id SubscriptionID, want *subscription) *subscription {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok || (want != nil && sub != want) {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, id)
	b.mu.Unlock()
	b.metrics.subscribed(sub.typ, -1)
	return sub
}

// fanOut delivers a private clone of evt to each target on a bounded pool.
func (b *MemoryBus) fanOut(ctx context.Context, targets []*subscription, evt *schema.QueueEvent) error {
	p := concpool.New().WithErrors().WithMaxGoroutines(max(b.cfg.FanoutWorkers, 1))
	for _, sub := range targets {
		clone := evt.Clone()
		p.Go(func() error {
			return b.deliver(ctx, sub, clone)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("eventbus/fanout: %w", err)
	}
	return nil
}

// deliver never blocks: when the buffer is full the oldest pending event is evicted.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscription, evt *schema.QueueEvent) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	if b.isClosed() {
		return errClosed("eventbus/publish")
	}

	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	select {
	case <-sub.ch:
		b.metrics.evicted(ctx, evt.Type)
		b.logger.Warn("eventbus: subscriber buffer full; dropped oldest event",
			observability.F("event_type", string(evt.Type)))
	default:
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
