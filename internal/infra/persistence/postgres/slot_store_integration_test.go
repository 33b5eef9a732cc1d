//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
	"github.com/botfoods/orderfeed/internal/infra/persistence/migrations"
	pgstore "github.com/botfoods/orderfeed/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orderfeed"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres slot store tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/orderfeed?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 8, Name: "integration"})
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestSlotStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewSlotStore(testPool)
	key := "queue-" + uuid.NewString()

	slot, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if slot.Payload != nil {
		t.Fatalf("expected nil payload for missing slot, got %s", slot.Payload)
	}

	if err := store.Save(ctx, key, json.RawMessage(`[{"id":"900"}]`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	slot, err = store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var orders []map[string]any
	if err := json.Unmarshal(slot.Payload, &orders); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(orders) != 1 || orders[0]["id"] != "900" {
		t.Fatalf("unexpected payload %s", slot.Payload)
	}
	if slot.Version != 1 {
		t.Fatalf("expected version 1, got %d", slot.Version)
	}

	if err := store.Update(ctx, key, func(json.RawMessage) (json.RawMessage, error) {
		return nil, slotstore.ErrNoChange
	}); err != nil {
		t.Fatalf("no-change update: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	slot, err = store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if slot.Payload != nil {
		t.Fatalf("expected slot removed")
	}
}

func TestSlotStoreConcurrentFirstWrites(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewSlotStore(testPool)
	key := "counter-" + uuid.NewString()

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- store.Update(ctx, key, func(current json.RawMessage) (json.RawMessage, error) {
				var n int
				if current != nil {
					if err := json.Unmarshal(current, &n); err != nil {
						return nil, err
					}
				}
				return json.Marshal(n + 1)
			})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	slot, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(slot.Payload) != "16" {
		t.Fatalf("expected 16 serialized increments, got %s", slot.Payload)
	}
}
