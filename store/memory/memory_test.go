package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/breez/field-sync/store"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	(&store.StoreTest{}).Run(t, func(t *testing.T) store.DirtyStore {
		return NewMemorySyncStorage()
	})
}

func TestFrozenClockStillOrdersWrites(t *testing.T) {
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	storage := NewMemorySyncStorageWithClock(func() time.Time { return frozen })
	ctx := context.Background()

	syncedAt := storage.Now()
	datum, err := storage.Write(ctx, "1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, datum.WrittenAt.After(syncedAt))

	require.NoError(t, storage.MarkSynced(ctx, []string{"1"}, syncedAt))
	dirty, err := storage.ReadDirty(ctx)
	require.NoError(t, err)
	require.Contains(t, dirty, "1")
}
