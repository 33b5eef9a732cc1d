// Package slotstore defines the persistence contract for named, single-document slots.
//
// The durable order queue is stored as one JSON document under a well-known slot key.
// Backends must make Update atomic with respect to other Updates on the same key.
package slotstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNoChange may be returned by an UpdateFunc to leave the slot untouched.
// Update then returns nil without writing.
var ErrNoChange = errors.New("slotstore: no change")

// Slot captures the persisted state of a slot.
type Slot struct {
	Key       string
	Payload   json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// UpdateFunc receives the current payload (nil when the slot does not exist) and
// returns the payload to store.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// Store abstracts slot persistence.
type Store interface {
	// Load returns the slot under key. A missing slot yields a zero Slot with a nil payload.
	Load(ctx context.Context, key string) (Slot, error)
	// Save overwrites the slot under key.
	Save(ctx context.Context, key string, payload json.RawMessage) error
	// Update performs an atomic read-modify-write of the slot under key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Delete removes the slot under key. Deleting a missing slot is not an error.
	Delete(ctx context.Context, key string) error
}
