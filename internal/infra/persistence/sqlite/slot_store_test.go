package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
)

func openTestStore(t *testing.T) (*SlotStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")
	store, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestLoadMissingSlot(t *testing.T) {
	store, _ := openTestStore(t)
	slot, err := store.Load(context.Background(), "order_queue")
	require.NoError(t, err)
	require.Nil(t, slot.Payload)
	require.Zero(t, slot.Version)
}

func TestSaveSurvivesReopen(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "order_queue", json.RawMessage(`[{"id":"900"}]`)))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	slot, err := reopened.Load(ctx, "order_queue")
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"900"}]`, string(slot.Payload))
	require.EqualValues(t, 1, slot.Version)
	require.False(t, slot.UpdatedAt.IsZero())
}

func TestUpdateNoChangeKeepsVersion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", json.RawMessage(`[]`)))
	require.NoError(t, store.Update(ctx, "k", func(json.RawMessage) (json.RawMessage, error) {
		return nil, slotstore.ErrNoChange
	}))
	slot, err := store.Load(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 1, slot.Version)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, "counter", func(current json.RawMessage) (json.RawMessage, error) {
				var n int
				if current != nil {
					if err := json.Unmarshal(current, &n); err != nil {
						return nil, err
					}
				}
				return json.Marshal(n + 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	slot, err := store.Load(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, "20", string(slot.Payload))
	require.EqualValues(t, 20, slot.Version)
}

func TestDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", json.RawMessage(`[]`)))
	require.NoError(t, store.Delete(ctx, "k"))
	slot, err := store.Load(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, slot.Payload)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
}
