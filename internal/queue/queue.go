// Package queue implements the durable local order queue.
//
// The queue is a single JSON array of orders stored under one slot key. Every
// mutation is a read-modify-write through slotstore.Store.Update, and every
// successful mutation announces itself on the event bus.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/domain/slotstore"
	"github.com/botfoods/orderfeed/internal/infra/bus/eventbus"
	"github.com/botfoods/orderfeed/internal/observability"
)

// DefaultSlotKey names the slot holding the order queue.
const DefaultSlotKey = "order_queue"

// DurableQueue is the persisted, id-unique sequence of pending orders.
type DurableQueue struct {
	store  slotstore.Store
	key    string
	bus    eventbus.Bus
	logger observability.Logger
	clock  func() time.Time
}

// Option configures a DurableQueue.
type Option func(*DurableQueue)

// WithSlotKey overrides the slot key.
func WithSlotKey(key string) Option {
	return func(q *DurableQueue) {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			q.key = trimmed
		}
	}
}

// WithBus publishes queue events to bus.
func WithBus(bus eventbus.Bus) Option {
	return func(q *DurableQueue) {
		q.bus = bus
	}
}

// WithLogger overrides the queue logger.
func WithLogger(logger observability.Logger) Option {
	return func(q *DurableQueue) {
		q.logger = logger
	}
}

// WithClock overrides the event timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(q *DurableQueue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// New constructs a queue over store.
func New(store slotstore.Store, opts ...Option) *DurableQueue {
	q := &DurableQueue{
		store: store,
		key:   DefaultSlotKey,
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = observability.Or(q.logger)
	return q
}

// AppendIfAbsent appends order unless an order with the same id is already queued.
// It reports whether the order was appended. The order.queued event fires only
// after a successful write.
func (q *DurableQueue) AppendIfAbsent(ctx context.Context, order schema.Order) (bool, error) {
	if strings.TrimSpace(order.ID) == "" {
		return false, errs.New("queue/append", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	var (
		appended bool
		size     int
	)
	err := q.update(ctx, "queue/append", func(orders []schema.Order) ([]schema.Order, error) {
		for _, existing := range orders {
			if existing.ID == order.ID {
				return nil, slotstore.ErrNoChange
			}
		}
		appended = true
		next := append(orders, order)
		size = len(next)
		return next, nil
	})
	if err != nil {
		return false, err
	}
	if appended {
		queued := order.Clone()
		q.publish(ctx, &schema.QueueEvent{
			Type:    schema.QueueEventOrderQueued,
			OrderID: order.ID,
			Order:   &queued,
			Size:    size,
		})
	}
	return appended, nil
}

// List returns the queued orders in append order.
func (q *DurableQueue) List(ctx context.Context) ([]schema.Order, error) {
	if q.store == nil {
		return nil, storageError("queue/list", errors.New("nil slot store"))
	}
	slot, err := q.store.Load(ctx, q.key)
	if err != nil {
		return nil, storageError("queue/list", err)
	}
	orders, err := decodeOrders(slot.Payload)
	if err != nil {
		return nil, storageError("queue/list", err)
	}
	return orders, nil
}

// Len returns the number of queued orders.
func (q *DurableQueue) Len(ctx context.Context) (int, error) {
	orders, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(orders), nil
}

// Get returns the queued order with id. The flag is false when no such order is queued.
func (q *DurableQueue) Get(ctx context.Context, id string) (schema.Order, bool, error) {
	orders, err := q.List(ctx)
	if err != nil {
		return schema.Order{}, false, err
	}
	for _, order := range orders {
		if order.ID == id {
			return order, true, nil
		}
	}
	return schema.Order{}, false, nil
}

// Remove deletes the order with id and reports whether it was present.
func (q *DurableQueue) Remove(ctx context.Context, id string) (bool, error) {
	var (
		removed bool
		size    int
	)
	err := q.update(ctx, "queue/remove", func(orders []schema.Order) ([]schema.Order, error) {
		next := make([]schema.Order, 0, len(orders))
		for _, order := range orders {
			if order.ID == id {
				removed = true
				continue
			}
			next = append(next, order)
		}
		if !removed {
			return nil, slotstore.ErrNoChange
		}
		size = len(next)
		return next, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		q.publish(ctx, &schema.QueueEvent{Type: schema.QueueEventOrderRemoved, OrderID: id, Size: size})
	}
	return removed, nil
}

// Clear empties the queue.
func (q *DurableQueue) Clear(ctx context.Context) error {
	err := q.update(ctx, "queue/clear", func([]schema.Order) ([]schema.Order, error) {
		return []schema.Order{}, nil
	})
	if err != nil {
		return err
	}
	q.publish(ctx, &schema.QueueEvent{Type: schema.QueueEventCleared})
	return nil
}

func (q *DurableQueue) update(ctx context.Context, op string, fn func([]schema.Order) ([]schema.Order, error)) error {
	if q.store == nil {
		return storageError(op, errors.New("nil slot store"))
	}
	err := q.store.Update(ctx, q.key, func(current json.RawMessage) (json.RawMessage, error) {
		orders, err := decodeOrders(current)
		if err != nil {
			return nil, err
		}
		next, err := fn(orders)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
	if err != nil {
		return storageError(op, err)
	}
	return nil
}

func (q *DurableQueue) publish(ctx context.Context, evt *schema.QueueEvent) {
	if q.bus == nil {
		return
	}
	evt.At = q.clock().UTC()
	if err := q.bus.Publish(ctx, evt); err != nil {
		q.logger.Warn("queue event publish failed",
			observability.F("event_type", string(evt.Type)),
			observability.F("order_id", evt.OrderID),
			observability.Err(err))
	}
}

// decodeOrders reads the stored array. An absent or null slot is an empty queue;
// an unreadable one is an error so it is never silently overwritten.
func decodeOrders(raw json.RawMessage) ([]schema.Order, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []schema.Order{}, nil
	}
	var orders []schema.Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []schema.Order{}
	}
	return orders, nil
}

func storageError(op string, err error) error {
	return errs.New(op, errs.CodeStorage, errs.WithMessage("durable queue unavailable"), errs.WithCause(err))
}
