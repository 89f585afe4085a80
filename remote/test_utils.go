package remote

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/breez/field-sync/revision"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// ClientTest is the behavior every Client implementation must show.
type ClientTest struct{}

func (s *ClientTest) Run(t *testing.T, client Client) {
	t.Run("AddRecords", func(t *testing.T) { s.TestAddRecords(t, client) })
	t.Run("UpdateRecords", func(t *testing.T) { s.TestUpdateRecords(t, client) })
	t.Run("Conflict", func(t *testing.T) { s.TestConflict(t, client) })
	t.Run("Deleted", func(t *testing.T) { s.TestDeleted(t, client) })
}

func record(id, kind, data string, rev uint64, base revision.ID) Record {
	return Record{ID: id, Kind: kind, Data: json.RawMessage(data), Revision: rev, BaseRevision: base}
}

func (s *ClientTest) TestAddRecords(t *testing.T, client Client) {
	ctx := context.Background()
	testUserID := uuid.New().String()

	seq, err := client.SetRecord(ctx, testUserID, record("a1", KindMetadata, `"data1"`, 1, revision.None))
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, uint64(1), seq)

	seq, err = client.SetRecord(ctx, testUserID, record("a2", KindSoilData, `"data2"`, 1, revision.None))
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, uint64(2), seq)

	records, err := client.ListChanges(ctx, testUserID, 0)
	require.NoError(t, err, "failed to call list changes")
	require.Equal(t, []Record{
		{ID: "a1", Kind: KindMetadata, Data: json.RawMessage(`"data1"`), Revision: 1, Seq: 1},
		{ID: "a2", Kind: KindSoilData, Data: json.RawMessage(`"data2"`), Revision: 1, Seq: 2},
	}, records)

	records, err = client.ListChanges(ctx, testUserID, 1)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 1)
	require.Equal(t, "a2", records[0].ID)

	// Same id for another user
	anotherUserID := uuid.New().String()
	seq, err = client.SetRecord(ctx, anotherUserID, record("a1", KindMetadata, `"data1"`, 1, revision.None))
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, uint64(1), seq)
}

func (s *ClientTest) TestUpdateRecords(t *testing.T, client Client) {
	ctx := context.Background()
	testUserID := uuid.New().String()

	_, err := client.SetRecord(ctx, testUserID, record("a1", KindMetadata, `"data1"`, 1, revision.None))
	require.NoError(t, err, "failed to call SetRecord a1")

	seq, err := client.SetRecord(ctx, testUserID, record("a1", KindMetadata, `"data2"`, 3, revision.Of(1)))
	require.NoError(t, err, "failed to update a1")
	require.Equal(t, uint64(2), seq)

	records, err := client.ListChanges(ctx, testUserID, 0)
	require.NoError(t, err, "failed to call list changes")
	require.Equal(t, []Record{
		{ID: "a1", Kind: KindMetadata, Data: json.RawMessage(`"data2"`), Revision: 3, Seq: 2},
	}, records)
}

func (s *ClientTest) TestConflict(t *testing.T, client Client) {
	ctx := context.Background()
	testUserID := uuid.New().String()

	_, err := client.SetRecord(ctx, testUserID, record("a1", KindMetadata, `"data1"`, 1, revision.None))
	require.NoError(t, err, "failed to call SetRecord a1")

	_, err = client.SetRecord(ctx, testUserID, record("a1", KindMetadata, `"data2"`, 1, revision.None))
	require.ErrorIs(t, err, ErrSetConflict)

	_, err = client.SetRecord(ctx, testUserID, record("a1", KindMetadata, `"data2"`, 3, revision.Of(2)))
	require.ErrorIs(t, err, ErrSetConflict)

	records, err := client.ListChanges(ctx, testUserID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].Revision, "conflicting writes must not be stored")
}

func (s *ClientTest) TestDeleted(t *testing.T, client Client) {
	ctx := context.Background()
	testUserID := uuid.New().String()

	_, err := client.SetRecord(ctx, testUserID, record("a1", KindSoilData, `"data1"`, 1, revision.None))
	require.NoError(t, err, "failed to call SetRecord a1")
	require.NoError(t, client.DeleteRecord(ctx, testUserID, "a1"))
	require.ErrorIs(t, client.DeleteRecord(ctx, testUserID, "a1"), ErrNotFound)

	_, err = client.SetRecord(ctx, testUserID, record("a1", KindSoilData, `"data2"`, 2, revision.Of(1)))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.SetRecord(ctx, testUserID, record("missing", KindSoilData, `"data"`, 2, revision.Of(1)))
	require.ErrorIs(t, err, ErrNotFound)

	records, err := client.ListChanges(ctx, testUserID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1, "a deleted record is listed as a tombstone")
	require.Equal(t, "a1", records[0].ID)
	require.True(t, records[0].Deleted)
	require.Equal(t, uint64(1), records[0].Revision)
	require.Equal(t, uint64(2), records[0].Seq)

	records, err = client.ListChanges(ctx, testUserID, 2)
	require.NoError(t, err)
	require.Empty(t, records)
}
