package schema

import "time"

// QueueEventType classifies changes to the durable order queue.
type QueueEventType string

const (
	// QueueEventOrderQueued fires when an order is appended for the first time.
	QueueEventOrderQueued QueueEventType = "order.queued"
	// QueueEventOrderRemoved fires when a consumer removes an order.
	QueueEventOrderRemoved QueueEventType = "order.removed"
	// QueueEventCleared fires when the queue is emptied.
	QueueEventCleared QueueEventType = "queue.cleared"
)

// QueueEvent notifies local consumers that the durable queue changed.
type QueueEvent struct {
	Type    QueueEventType `json:"type"`
	OrderID string         `json:"orderId,omitempty"`
	Order   *Order         `json:"order,omitempty"`
	Size    int            `json:"size"`
	At      time.Time      `json:"at"`
}

// Clone returns a deep copy so each subscriber owns its event.
func (e *QueueEvent) Clone() *QueueEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.Order != nil {
		order := e.Order.Clone()
		out.Order = &order
	}
	return &out
}
