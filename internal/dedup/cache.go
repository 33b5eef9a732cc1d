// Package dedup remembers recently processed notifications so redeliveries are ignored.
package dedup

import (
	"strings"
	"sync"
)

const (
	// DefaultCapacity is the number of keys held before a trim.
	DefaultCapacity = 100
	// DefaultRetain is the number of most recent keys kept after a trim.
	DefaultRetain = 50
)

// Cache is a bounded FIFO set of notification keys. When an insert pushes the size past
// the capacity the oldest keys are evicted in one batch, leaving the most recent retain keys.
type Cache struct {
	mu       sync.Mutex
	capacity int
	retain   int
	order    []string
	index    map[string]struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity overrides the trim threshold.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithRetain overrides how many recent keys survive a trim.
func WithRetain(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.retain = n
		}
	}
}

// New constructs an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		capacity: DefaultCapacity,
		retain:   DefaultRetain,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.retain > c.capacity {
		c.retain = c.capacity
	}
	c.order = make([]string, 0, c.capacity+1)
	c.index = make(map[string]struct{}, c.capacity+1)
	return c
}

// Key builds the dedup key for a notification. The order id and delivery timestamp
// identify a delivery; when the order id is unknown the notification id stands in.
func Key(orderID, timestamp, notificationID string) string {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		orderID = "notification:" + strings.TrimSpace(notificationID)
	}
	return orderID + "|" + strings.TrimSpace(timestamp)
}

// Seen reports whether key was recorded and not yet evicted.
func (c *Cache) Seen(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

// Record remembers key. Recording a key already present is a no-op.
func (c *Cache) Record(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; ok {
		return
	}
	c.order = append(c.order, key)
	c.index[key] = struct{}{}
	if len(c.order) > c.capacity {
		c.trimLocked()
	}
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Reset forgets every key.
func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	c.index = make(map[string]struct{}, c.capacity+1)
}

func (c *Cache) trimLocked() {
	drop := len(c.order) - c.retain
	for _, key := range c.order[:drop] {
		delete(c.index, key)
	}
	kept := make([]string, c.retain, c.capacity+1)
	copy(kept, c.order[drop:])
	c.order = kept
}
