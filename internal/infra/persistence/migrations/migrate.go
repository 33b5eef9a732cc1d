// Package migrations wires golang-migrate execution for the order queue persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/botfoods/orderfeed/db/migrations"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

var errNotDirectory = errors.New("migrations path must be a directory")

const embeddedLabel = "embedded"

// Apply ensures the Postgres migrations are applied to the instance reachable via dsn.
// An empty migrationsDir uses the migrations embedded in the binary. A nil logger
// disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	return withPostgres(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, label string) error {
		return up(ctx, m, label, logger)
	})
}

// Rollback reverts the given number of Postgres migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return withPostgres(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, label string) error {
		logger = observability.Or(logger)
		logger.Info("rolling back database migrations",
			observability.F("path", label), observability.F("steps", steps))
		if err := m.Steps(-steps); err != nil {
			recordMigrationMetric(ctx, "failed", label)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back", label)
		return nil
	})
}

// ApplySQLite applies the embedded SQLite migrations to the database file at path.
// The migration connection is private and closed before returning.
func ApplySQLite(ctx context.Context, path string, logger observability.Logger) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("sqlite path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open sqlite migrations connection: %w", err)
	}
	defer closeDB(db, logger)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite migrations database: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("initialise sqlite3 driver: %w", err)
	}
	m, err := newMigrate("", dbmigrations.SQLiteDir, "sqlite3", driver)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)
	return up(ctx, m, embeddedLabel+"/"+dbmigrations.SQLiteDir, logger)
}

func withPostgres(ctx context.Context, dsn, migrationsDir string, logger observability.Logger, fn func(*migrate.Migrate, string) error) error {
	resolvedDir := ""
	label := embeddedLabel + "/" + dbmigrations.PostgresDir
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return err
		}
		resolvedDir = dir
		label = dir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer closeDB(db, logger)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := newMigrate(resolvedDir, dbmigrations.PostgresDir, "pgx5", driver)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)
	return fn(m, label)
}

// newMigrate reads from dir when set, otherwise from the embedded dialect directory.
func newMigrate(dir, embeddedDir, databaseName string, driver database.Driver) (*migrate.Migrate, error) {
	if dir != "" {
		m, err := migrate.NewWithDatabaseInstance(fileURL(dir), databaseName, driver)
		if err != nil {
			return nil, fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, nil
	}
	src, err := iofs.New(dbmigrations.Files, embeddedDir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, databaseName, driver)
	if err != nil {
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, nil
}

func up(ctx context.Context, m *migrate.Migrate, label string, logger observability.Logger) error {
	logger = observability.Or(logger)
	logger.Info("running database migrations", observability.F("path", label))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("database migrations applied successfully")
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

func closeDB(db *sql.DB, logger observability.Logger) {
	if err := db.Close(); err != nil {
		observability.Or(logger).Warn("database migrations close", observability.Err(err))
	}
}

func closeMigrate(m *migrate.Migrate, logger observability.Logger) {
	sourceErr, dbErr := m.Close()
	logger = observability.Or(logger)
	if sourceErr != nil {
		logger.Warn("database migrations source close", observability.Err(sourceErr))
	}
	if dbErr != nil {
		logger.Warn("database migrations db close", observability.Err(dbErr))
	}
}

// resolveDir returns the absolute form of dir, which must name an existing directory.
func resolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("migrations path required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("migrations directory %s: %w", abs, err)
	case err != nil:
		return "", fmt.Errorf("stat migrations directory %s: %w", abs, err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

// fileURL builds the file:// source URL golang-migrate expects, including for drive-letter paths.
func fileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

var migrationRuns = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("orderfeed/migrations").Int64Counter("orderfeed.db.migrations",
		metric.WithDescription("Schema migration runs by outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil
	}
	return counter
})

func recordMigrationMetric(ctx context.Context, result, source string) {
	if counter := migrationRuns(); counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			telemetry.MigrationAttributes(telemetry.Environment(), result, source)...))
	}
}
