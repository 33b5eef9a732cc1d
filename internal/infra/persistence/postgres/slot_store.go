package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
)

// SlotStore persists slots in the order_queue_slots table.
type SlotStore struct {
	pool *pgxpool.Pool
}

var _ slotstore.Store = (*SlotStore)(nil)

// NewSlotStore constructs a SlotStore backed by the provided pool.
func NewSlotStore(pool *pgxpool.Pool) *SlotStore {
	return &SlotStore{pool: pool}
}

const (
	slotSelectSQL = `
SELECT payload, version, updated_at
FROM order_queue_slots
WHERE slot_key = $1
  AND version > 0;
`

	// slotEnsureSQL creates an empty placeholder row so FOR UPDATE has a row to lock
	// even on the very first write.
	slotEnsureSQL = `
INSERT INTO order_queue_slots (slot_key, payload, version)
VALUES ($1, 'null'::jsonb, 0)
ON CONFLICT (slot_key) DO NOTHING;
`

	slotLockSQL = `
SELECT payload, version, updated_at
FROM order_queue_slots
WHERE slot_key = $1
FOR UPDATE;
`

	slotWriteSQL = `
UPDATE order_queue_slots
SET payload = $2::jsonb,
    version = version + 1,
    updated_at = NOW()
WHERE slot_key = $1;
`

	slotDeleteSQL = `
DELETE FROM order_queue_slots
WHERE slot_key = $1;
`
)

// Load implements slotstore.Store.
func (s *SlotStore) Load(ctx context.Context, key string) (slotstore.Slot, error) {
	if s.pool == nil {
		return slotstore.Slot{}, fmt.Errorf("postgres slot store: nil pool")
	}
	key, err := normalizeKey(key)
	if err != nil {
		return slotstore.Slot{}, err
	}
	slot, err := scanSlot(key, s.pool.QueryRow(ctx, slotSelectSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return slotstore.Slot{Key: key}, nil
	}
	if err != nil {
		return slotstore.Slot{}, fmt.Errorf("postgres slot store: load: %w", err)
	}
	return slot, nil
}

// Save implements slotstore.Store.
func (s *SlotStore) Save(ctx context.Context, key string, payload json.RawMessage) error {
	return s.Update(ctx, key, func(json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
}

// Update implements slotstore.Store using a row lock held for the duration of fn.
func (s *SlotStore) Update(ctx context.Context, key string, fn slotstore.UpdateFunc) error {
	if s.pool == nil {
		return fmt.Errorf("postgres slot store: nil pool")
	}
	if fn == nil {
		return fmt.Errorf("postgres slot store: update func required")
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres slot store: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, slotEnsureSQL, key); err != nil {
		return fmt.Errorf("postgres slot store: ensure: %w", err)
	}
	current, err := scanSlot(key, tx.QueryRow(ctx, slotLockSQL, key))
	if err != nil {
		return fmt.Errorf("postgres slot store: lock: %w", err)
	}
	if current.Version == 0 {
		current.Payload = nil
	}

	next, err := fn(current.Payload)
	if err != nil {
		if errors.Is(err, slotstore.ErrNoChange) {
			return nil
		}
		return err
	}
	if next == nil {
		next = json.RawMessage("null")
	}
	if _, err := tx.Exec(ctx, slotWriteSQL, key, string(next)); err != nil {
		return fmt.Errorf("postgres slot store: write: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres slot store: commit: %w", err)
	}
	return nil
}

// Delete implements slotstore.Store.
func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres slot store: nil pool")
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, slotDeleteSQL, key); err != nil {
		return fmt.Errorf("postgres slot store: delete: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *SlotStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanSlot(key string, row pgx.Row) (slotstore.Slot, error) {
	var (
		payload   []byte
		version   int64
		updatedAt time.Time
	)
	if err := row.Scan(&payload, &version, &updatedAt); err != nil {
		return slotstore.Slot{}, err
	}
	return slotstore.Slot{
		Key:       key,
		Payload:   json.RawMessage(payload),
		Version:   version,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("postgres slot store: key required")
	}
	return trimmed, nil
}
