// Package memory provides an in-process slot store for tests and ephemeral runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
)

// SlotStore keeps slots in a map guarded by a mutex.
type SlotStore struct {
	mu    sync.Mutex
	slots map[string]slotstore.Slot
	clock func() time.Time
}

var _ slotstore.Store = (*SlotStore)(nil)

// NewSlotStore constructs an empty store.
func NewSlotStore() *SlotStore {
	return &SlotStore{
		slots: make(map[string]slotstore.Slot),
		clock: time.Now,
	}
}

// Load implements slotstore.Store.
func (s *SlotStore) Load(ctx context.Context, key string) (slotstore.Slot, error) {
	if err := ctx.Err(); err != nil {
		return slotstore.Slot{}, fmt.Errorf("memory slot store: %w", err)
	}
	key, err := normalizeKey(key)
	if err != nil {
		return slotstore.Slot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[key]
	if !ok {
		return slotstore.Slot{Key: key}, nil
	}
	return cloneSlot(slot), nil
}

// Save implements slotstore.Store.
func (s *SlotStore) Save(ctx context.Context, key string, payload json.RawMessage) error {
	return s.Update(ctx, key, func(json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
}

// Update implements slotstore.Store.
func (s *SlotStore) Update(ctx context.Context, key string, fn slotstore.UpdateFunc) error {
	if fn == nil {
		return fmt.Errorf("memory slot store: update func required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory slot store: %w", err)
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.slots[key]
	next, err := fn(cloneRaw(current.Payload))
	if err != nil {
		if errors.Is(err, slotstore.ErrNoChange) {
			return nil
		}
		return err
	}
	s.slots[key] = slotstore.Slot{
		Key:       key,
		Payload:   cloneRaw(next),
		Version:   current.Version + 1,
		UpdatedAt: s.clock().UTC(),
	}
	return nil
}

// Delete implements slotstore.Store.
func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory slot store: %w", err)
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.slots, key)
	s.mu.Unlock()
	return nil
}

// Close is a no-op kept for parity with the database-backed stores.
func (s *SlotStore) Close() error { return nil }

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("memory slot store: key required")
	}
	return trimmed, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneSlot(slot slotstore.Slot) slotstore.Slot {
	slot.Payload = cloneRaw(slot.Payload)
	return slot
}
