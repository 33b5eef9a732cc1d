// Package persistence opens the slot store backend selected by configuration.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
	"github.com/botfoods/orderfeed/internal/infra/persistence/memory"
	"github.com/botfoods/orderfeed/internal/infra/persistence/migrations"
	"github.com/botfoods/orderfeed/internal/infra/persistence/postgres"
	"github.com/botfoods/orderfeed/internal/infra/persistence/sqlite"
	"github.com/botfoods/orderfeed/internal/observability"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	Path          string
	Postgres      postgres.PoolConfig
	RunMigrations bool
	Migrations    string
	Logger        observability.Logger
}

// Store couples a slot store with the resources it owns.
type Store struct {
	slotstore.Store
	backend string
	closer  func() error
}

// Open constructs the configured backend. Postgres migrations run first when
// RunMigrations is set; SQLite always migrates its own file.
func Open(ctx context.Context, opts Options) (*Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	logger := observability.Or(opts.Logger)
	switch backend {
	case BackendMemory:
		s := memory.NewSlotStore()
		return &Store{Store: s, backend: backend, closer: s.Close}, nil
	case "", BackendSQLite:
		s, err := sqlite.Open(ctx, opts.Path, logger)
		if err != nil {
			return nil, err
		}
		return &Store{Store: s, backend: BackendSQLite, closer: s.Close}, nil
	case BackendPostgres:
		if opts.RunMigrations {
			if err := migrations.Apply(ctx, opts.Postgres.DSN, opts.Migrations, logger); err != nil {
				return nil, fmt.Errorf("persistence: migrate: %w", err)
			}
		}
		pool, err := postgres.NewPool(ctx, opts.Postgres)
		if err != nil {
			return nil, err
		}
		s := postgres.NewSlotStore(pool)
		return &Store{Store: s, backend: backend, closer: s.Close}, nil
	default:
		return nil, fmt.Errorf("persistence: unknown backend %q", opts.Backend)
	}
}

// Backend reports the backend name in use.
func (s *Store) Backend() string {
	if s == nil {
		return ""
	}
	return s.backend
}

// Close releases the backend resources.
func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
