package schema

import "time"

// SubscriberContext is opaque user data forwarded to the broker on subscribe.
type SubscriberContext map[string]any

// Clone returns a shallow copy of the context map.
func (c SubscriberContext) Clone() SubscriberContext {
	if c == nil {
		return nil
	}
	out := make(SubscriberContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Session identifies one active polling relationship with the broker.
type Session struct {
	ID                string            `json:"sessionId"`
	QueueName         string            `json:"queueName"`
	SubscriberContext SubscriberContext `json:"subscriberContext,omitempty"`
	StartedAt         time.Time         `json:"startedAt"`
}

// Active reports whether the session carries an identifier.
func (s Session) Active() bool {
	return s.ID != ""
}
