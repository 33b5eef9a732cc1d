package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/botfoods/orderfeed/internal/domain/slotstore"
)

func TestLoadMissingSlot(t *testing.T) {
	store := NewSlotStore()
	slot, err := store.Load(context.Background(), "queue")
	require.NoError(t, err)
	require.Nil(t, slot.Payload)
	require.Zero(t, slot.Version)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewSlotStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "queue", json.RawMessage(`[1]`)))
	require.NoError(t, store.Save(ctx, "queue", json.RawMessage(`[1,2]`)))

	slot, err := store.Load(ctx, "queue")
	require.NoError(t, err)
	require.JSONEq(t, `[1,2]`, string(slot.Payload))
	require.EqualValues(t, 2, slot.Version)
	require.False(t, slot.UpdatedAt.IsZero())
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	store := NewSlotStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "queue", json.RawMessage(`[]`)))
	err := store.Update(ctx, "queue", func(json.RawMessage) (json.RawMessage, error) {
		return nil, slotstore.ErrNoChange
	})
	require.NoError(t, err)
	slot, err := store.Load(ctx, "queue")
	require.NoError(t, err)
	require.EqualValues(t, 1, slot.Version)
}

func TestUpdatePropagatesError(t *testing.T) {
	store := NewSlotStore()
	boom := errors.New("boom")
	err := store.Update(context.Background(), "queue", func(json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestUpdateIsSerialized(t *testing.T) {
	store := NewSlotStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, "counter", func(current json.RawMessage) (json.RawMessage, error) {
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
	slot, err := store.Load(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, "50", string(slot.Payload))
}

func TestEmptyKeyRejected(t *testing.T) {
	store := NewSlotStore()
	_, err := store.Load(context.Background(), " ")
	require.Error(t, err)
	require.NoError(t, store.Delete(context.Background(), "missing"))
}
