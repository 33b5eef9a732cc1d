// Package eventbus defines pub/sub interfaces for local order queue events.
package eventbus

import (
	"context"

	"github.com/botfoods/orderfeed/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers queue events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt *schema.QueueEvent) error
	Subscribe(ctx context.Context, typ schema.QueueEventType) (SubscriptionID, <-chan *schema.QueueEvent, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
