package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/breez/field-sync/revision"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is the behavior every DirtyStore backend must show.
type StoreTest struct{}

func (s *StoreTest) Run(t *testing.T, newStorage func(t *testing.T) DirtyStore) {
	t.Run("WriteRecords", func(t *testing.T) { s.TestWriteRecords(t, newStorage(t)) })
	t.Run("WriteAll", func(t *testing.T) { s.TestWriteAll(t, newStorage(t)) })
	t.Run("MarkSynced", func(t *testing.T) { s.TestMarkSynced(t, newStorage(t)) })
	t.Run("LostUpdate", func(t *testing.T) { s.TestLostUpdate(t, newStorage(t)) })
	t.Run("MarkSyncedAtAckedRevision", func(t *testing.T) { s.TestMarkSyncedAtAckedRevision(t, newStorage(t)) })
	t.Run("MergeRemote", func(t *testing.T) { s.TestMergeRemote(t, newStorage(t)) })
	t.Run("MergeRemoteDeletions", func(t *testing.T) { s.TestMergeRemoteDeletions(t, newStorage(t)) })
	t.Run("RemoveAndReset", func(t *testing.T) { s.TestRemoveAndReset(t, newStorage(t)) })
}

func (s *StoreTest) TestWriteRecords(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	id := uuid.New().String()

	datum, err := storage.Write(ctx, id, json.RawMessage(`{"name":"plot"}`))
	require.NoError(t, err, "failed to call Write")
	require.Equal(t, revision.Of(1), datum.Revision)
	require.True(t, datum.IsDirty)
	require.Nil(t, datum.SyncedAt)

	datum, err = storage.Write(ctx, id, json.RawMessage(`{"name":"plot 2"}`))
	require.NoError(t, err, "failed to call Write")
	require.Equal(t, revision.Of(2), datum.Revision)

	all, err := storage.ReadAll(ctx)
	require.NoError(t, err, "failed to call ReadAll")
	require.Len(t, all, 1)
	require.JSONEq(t, `{"name":"plot 2"}`, string(all[id].Content))
	require.Equal(t, revision.Of(2), all[id].Revision)
	require.Equal(t, revision.None, all[id].SyncedRevision)
	require.True(t, all[id].Diverged())

	got, found, err := storage.Get(ctx, id)
	require.NoError(t, err, "failed to call Get")
	require.True(t, found)
	require.Equal(t, all[id].WrittenAt.UnixNano(), got.WrittenAt.UnixNano())

	_, found, err = storage.Get(ctx, "missing")
	require.NoError(t, err, "failed to call Get")
	require.False(t, found)
}

func (s *StoreTest) TestWriteAll(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	err := storage.WriteAll(ctx, map[string]json.RawMessage{
		"a1": json.RawMessage(`1`),
		"a2": json.RawMessage(`2`),
	})
	require.NoError(t, err, "failed to call WriteAll")

	dirty, err := storage.ReadDirty(ctx)
	require.NoError(t, err, "failed to call ReadDirty")
	require.Len(t, dirty, 2)
	require.Equal(t, revision.Of(1), dirty["a1"].Revision)
	require.Equal(t, revision.Of(1), dirty["a2"].Revision)
}

func (s *StoreTest) TestMarkSynced(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	_, err := storage.Write(ctx, "a1", json.RawMessage(`"data1"`))
	require.NoError(t, err, "failed to call Write a1")
	_, err = storage.Write(ctx, "a2", json.RawMessage(`"data2"`))
	require.NoError(t, err, "failed to call Write a2")

	syncedAt := storage.Now()
	require.NoError(t, storage.MarkSynced(ctx, []string{"a1", "unknown"}, syncedAt), "failed to call MarkSynced")

	dirty, err := storage.ReadDirty(ctx)
	require.NoError(t, err, "failed to call ReadDirty")
	require.Contains(t, dirty, "a2")
	require.NotContains(t, dirty, "a1")

	a1, _, err := storage.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, a1.SyncedAt)
	require.Equal(t, syncedAt.UnixNano(), a1.SyncedAt.UnixNano())
	require.Equal(t, json.RawMessage(`"data1"`), a1.Content)

	require.NoError(t, storage.SetSyncedRevisions(ctx, map[string]revision.ID{"a1": a1.Revision}))
	a1, _, err = storage.Get(ctx, "a1")
	require.NoError(t, err)
	require.False(t, a1.Diverged())
}

func (s *StoreTest) TestLostUpdate(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	_, err := storage.Write(ctx, "site", json.RawMessage(`"v1"`))
	require.NoError(t, err)

	// a sync cycle takes its snapshot, then an edit races in before the ack
	syncedAt := storage.Now()
	snapshot, err := storage.ReadDirty(ctx)
	require.NoError(t, err)
	require.Contains(t, snapshot, "site")

	_, err = storage.Write(ctx, "site", json.RawMessage(`"v2"`))
	require.NoError(t, err)

	require.NoError(t, storage.MarkSynced(ctx, []string{"site"}, syncedAt))

	dirty, err := storage.ReadDirty(ctx)
	require.NoError(t, err)
	require.Contains(t, dirty, "site", "record written after the snapshot must stay dirty")
	require.Equal(t, json.RawMessage(`"v2"`), dirty["site"].Content)
	require.Equal(t, revision.Of(2), dirty["site"].Revision)
}

func (s *StoreTest) TestMarkSyncedAtAckedRevision(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	_, err := storage.Write(ctx, "site", json.RawMessage(`"v1"`))
	require.NoError(t, err)

	// the edit lands after the cycle clock reading but before its snapshot
	syncedAt := storage.Now()
	datum, err := storage.Write(ctx, "site", json.RawMessage(`"v2"`))
	require.NoError(t, err)
	snapshot, err := storage.ReadDirty(ctx)
	require.NoError(t, err)
	require.Equal(t, datum.Revision, snapshot["site"].Revision)

	require.NoError(t, storage.SetSyncedRevisions(ctx, map[string]revision.ID{"site": datum.Revision}))
	require.NoError(t, storage.MarkSynced(ctx, []string{"site"}, syncedAt))

	dirty, err := storage.ReadDirty(ctx)
	require.NoError(t, err)
	require.NotContains(t, dirty, "site", "a record at the acknowledged revision is clean")
}

func (s *StoreTest) TestMergeRemote(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	_, err := storage.Write(ctx, "dirty", json.RawMessage(`"local"`))
	require.NoError(t, err)
	_, err = storage.Write(ctx, "clean", json.RawMessage(`"local"`))
	require.NoError(t, err)
	require.NoError(t, storage.MarkSynced(ctx, []string{"clean"}, storage.Now()))
	require.NoError(t, storage.SetSyncedRevisions(ctx, map[string]revision.ID{"clean": revision.Of(1)}))

	applied, deferred, err := storage.MergeRemote(ctx, []Incoming{
		{ID: "dirty", Content: json.RawMessage(`"remote"`), Revision: revision.Of(5)},
		{ID: "clean", Content: json.RawMessage(`"stale"`), Revision: revision.Of(1)},
		{ID: "new", Content: json.RawMessage(`"remote"`), Revision: revision.Of(3)},
	})
	require.NoError(t, err, "failed to call MergeRemote")
	require.Equal(t, []string{"new"}, applied)
	require.Equal(t, []string{"dirty"}, deferred)

	all, err := storage.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"local"`), all["dirty"].Content)
	require.True(t, all["dirty"].IsDirty)
	require.Equal(t, json.RawMessage(`"local"`), all["clean"].Content)
	require.Equal(t, json.RawMessage(`"remote"`), all["new"].Content)
	require.False(t, all["new"].IsDirty)
	require.Equal(t, revision.Of(3), all["new"].Revision)
	require.Equal(t, revision.Of(3), all["new"].SyncedRevision)
	require.NotNil(t, all["new"].SyncedAt)

	applied, _, err = storage.MergeRemote(ctx, []Incoming{
		{ID: "clean", Content: json.RawMessage(`"fresh"`), Revision: revision.Of(2)},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"clean"}, applied)

	// a local edit after a merge is dirty again and continues the remote revision
	datum, err := storage.Write(ctx, "new", json.RawMessage(`"edited"`))
	require.NoError(t, err)
	require.True(t, datum.IsDirty)
	require.Equal(t, revision.Of(4), datum.Revision)
	require.True(t, datum.WrittenAt.After(*all["new"].SyncedAt))
}

func (s *StoreTest) TestMergeRemoteDeletions(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	applied, _, err := storage.MergeRemote(ctx, []Incoming{
		{ID: "clean", Content: json.RawMessage(`"remote"`), Revision: revision.Of(2)},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"clean"}, applied)
	_, err = storage.Write(ctx, "dirty", json.RawMessage(`"local"`))
	require.NoError(t, err)

	applied, deferred, err := storage.MergeRemote(ctx, []Incoming{
		{ID: "clean", Revision: revision.Of(2), Deleted: true},
		{ID: "dirty", Revision: revision.Of(1), Deleted: true},
		{ID: "unknown", Revision: revision.Of(1), Deleted: true},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"clean"}, applied)
	require.Equal(t, []string{"dirty"}, deferred)

	all, err := storage.ReadAll(ctx)
	require.NoError(t, err)
	require.NotContains(t, all, "clean")
	require.NotContains(t, all, "unknown")
	require.Equal(t, json.RawMessage(`"local"`), all["dirty"].Content)
}

func (s *StoreTest) TestRemoveAndReset(t *testing.T, storage DirtyStore) {
	ctx := context.Background()
	require.NoError(t, storage.WriteAll(ctx, map[string]json.RawMessage{
		"a1": json.RawMessage(`1`),
		"a2": json.RawMessage(`2`),
		"a3": json.RawMessage(`3`),
	}))
	require.NoError(t, storage.Remove(ctx, []string{"a1"}))
	all, err := storage.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotContains(t, all, "a1")

	require.NoError(t, storage.Reset(ctx))
	all, err = storage.ReadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
	dirty, err := storage.ReadDirty(ctx)
	require.NoError(t, err)
	require.Empty(t, dirty)
}
