// Package sqlite provides the embedded SQLite slot store used by single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
	"github.com/botfoods/orderfeed/internal/infra/persistence/migrations"
	"github.com/botfoods/orderfeed/internal/observability"
)

const (
	slotSelectSQL = `
SELECT payload, version, updated_at
FROM order_queue_slots
WHERE slot_key = ?;
`

	slotUpsertSQL = `
INSERT INTO order_queue_slots (slot_key, payload, version, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT (slot_key) DO UPDATE
SET payload = excluded.payload,
    version = order_queue_slots.version + 1,
    updated_at = excluded.updated_at;
`

	slotDeleteSQL = `
DELETE FROM order_queue_slots
WHERE slot_key = ?;
`
)

// SlotStore persists slots in a SQLite database file.
type SlotStore struct {
	db *sql.DB
}

var _ slotstore.Store = (*SlotStore)(nil)

// Open creates or opens the SQLite database at path, applies the embedded migrations
// and configures the connection for a single writer.
//
// The database is configured with WAL journaling, NORMAL synchronous mode and a
// five second busy timeout.
func Open(ctx context.Context, path string, logger observability.Logger) (*SlotStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite slot store: path required")
	}
	if err := migrations.ApplySQLite(ctx, path, logger); err != nil {
		return nil, fmt.Errorf("sqlite slot store: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite slot store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite slot store: connect: %w", err)
	}

	// one connection serializes writers and keeps transactions off SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite slot store: %w", err)
	}
	return &SlotStore{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SlotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load implements slotstore.Store.
func (s *SlotStore) Load(ctx context.Context, key string) (slotstore.Slot, error) {
	if s == nil || s.db == nil {
		return slotstore.Slot{}, fmt.Errorf("sqlite slot store: nil database")
	}
	key, err := normalizeKey(key)
	if err != nil {
		return slotstore.Slot{}, err
	}
	return loadSlot(ctx, s.db, key)
}

// Save implements slotstore.Store.
func (s *SlotStore) Save(ctx context.Context, key string, payload json.RawMessage) error {
	return s.Update(ctx, key, func(json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
}

// Update implements slotstore.Store. The single pooled connection makes the
// transaction exclusive with respect to other callers of this store.
func (s *SlotStore) Update(ctx context.Context, key string, fn slotstore.UpdateFunc) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite slot store: nil database")
	}
	if fn == nil {
		return fmt.Errorf("sqlite slot store: update func required")
	}
	key, err = normalizeKey(key)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite slot store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := loadSlot(ctx, tx, key)
	if err != nil {
		return err
	}
	next, err := fn(current.Payload)
	if err != nil {
		if errors.Is(err, slotstore.ErrNoChange) {
			err = nil
			return tx.Rollback()
		}
		return err
	}
	if next == nil {
		next = json.RawMessage("null")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err = tx.ExecContext(ctx, slotUpsertSQL, key, string(next), now); err != nil {
		return fmt.Errorf("sqlite slot store: upsert: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite slot store: commit: %w", err)
	}
	return nil
}

// Delete implements slotstore.Store.
func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite slot store: nil database")
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, slotDeleteSQL, key); err != nil {
		return fmt.Errorf("sqlite slot store: delete: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSlot(ctx context.Context, q queryer, key string) (slotstore.Slot, error) {
	var (
		payload   string
		version   int64
		updatedAt string
	)
	err := q.QueryRowContext(ctx, slotSelectSQL, key).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return slotstore.Slot{Key: key}, nil
	}
	if err != nil {
		return slotstore.Slot{}, fmt.Errorf("sqlite slot store: load: %w", err)
	}
	slot := slotstore.Slot{
		Key:     key,
		Payload: json.RawMessage(payload),
		Version: version,
	}
	if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		slot.UpdatedAt = ts
	}
	return slot, nil
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("sqlite slot store: key required")
	}
	return trimmed, nil
}
