package persistence

import (
	"context"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryBackend(t *testing.T) {
	store, err := Open(context.Background(), Options{Backend: "Memory"})
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, BackendMemory, store.Backend())

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", json.RawMessage(`[]`)))
	slot, err := store.Load(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(slot.Payload))
}

func TestOpenDefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.db")
	store, err := Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, BackendSQLite, store.Backend())
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "redis"})
	require.Error(t, err)
}

func TestNilStoreClose(t *testing.T) {
	var s *Store
	require.NoError(t, s.Close())
	require.Empty(t, s.Backend())
}
