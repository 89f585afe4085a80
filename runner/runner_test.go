package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/revision"
	"github.com/breez/field-sync/store"
	"github.com/breez/field-sync/store/memory"
	"github.com/stretchr/testify/require"
)

type appState struct {
	excluded map[string]bool
}

func selectAll(state appState, dirty map[string]store.Datum) map[string]store.Datum {
	payload := make(map[string]store.Datum)
	for id, d := range dirty {
		if !state.excluded[id] {
			payload[id] = d
		}
	}
	return payload
}

func ackAll(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
	acks := make(Acks)
	for id, d := range payload {
		acks[id] = d.Revision
	}
	return acks, nil
}

func quietConfig() *Config {
	return &Config{Logger: log.New(io.Discard, "", 0)}
}

func seed(t *testing.T, s store.DirtyStore, ids ...string) {
	for _, id := range ids {
		_, err := s.Write(context.Background(), id, json.RawMessage(`{"id":"`+id+`"}`))
		require.NoError(t, err)
	}
}

func dirtyIDs(t *testing.T, s store.DirtyStore) []string {
	dirty, err := s.ReadDirty(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(dirty))
	for id := range dirty {
		ids = append(ids, id)
	}
	return ids
}

func TestSynchronizeFlushesOnlyPayload(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1", "2", "3")
	r := New(s, selectAll, ackAll, quietConfig())

	result, err := r.Synchronize(context.Background(), appState{excluded: map[string]bool{"3": true}})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, result.Synced)
	require.ElementsMatch(t, []string{"3"}, dirtyIDs(t, s))

	d, _, err := s.Get(context.Background(), "1")
	require.NoError(t, err)
	require.False(t, d.IsDirty)
	require.NotNil(t, d.SyncedAt)
	require.Equal(t, revision.Of(1), d.SyncedRevision)
	require.False(t, d.Diverged())
}

func TestSynchronizeFailureKeepsDirty(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1", "2")
	cause := errors.New("network down")
	r := New(s, selectAll, func(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
		return nil, cause
	}, quietConfig())

	_, err := r.Synchronize(context.Background(), appState{})
	require.ErrorIs(t, err, cause)
	require.ElementsMatch(t, []string{"1", "2"}, dirtyIDs(t, s))
}

func TestSynchronizeKeepsRacingWriteDirty(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1")
	r := New(s, selectAll, func(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
		// an edit lands while the push is on the wire
		_, err := s.Write(ctx, "1", json.RawMessage(`{"id":"1","edited":true}`))
		require.NoError(t, err)
		return ackAll(ctx, payload)
	}, quietConfig())

	result, err := r.Synchronize(context.Background(), appState{})
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, result.Synced)

	d, _, err := s.Get(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, d.IsDirty, "edit made during the push must survive the flush")
	require.Equal(t, revision.Of(2), d.Revision)
	require.Equal(t, revision.Of(1), d.SyncedRevision)
	require.True(t, d.Diverged())
}

// lateSnapshotStore writes id once right before its first ReadDirty, after
// the cycle has read the clock.
type lateSnapshotStore struct {
	store.DirtyStore
	id   string
	once sync.Once
}

func (s *lateSnapshotStore) ReadDirty(ctx context.Context) (map[string]store.Datum, error) {
	var err error
	s.once.Do(func() {
		_, err = s.DirtyStore.Write(ctx, s.id, json.RawMessage(`{"id":"`+s.id+`","edited":true}`))
	})
	if err != nil {
		return nil, err
	}
	return s.DirtyStore.ReadDirty(ctx)
}

func TestSynchronizeFlushesWriteBeforeSnapshot(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1")
	late := &lateSnapshotStore{DirtyStore: s, id: "1"}
	pushes := 0
	r := New(late, selectAll, func(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
		pushes++
		return ackAll(ctx, payload)
	}, quietConfig())

	result, err := r.Synchronize(context.Background(), appState{})
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, result.Synced)
	require.Equal(t, revision.Of(2), result.Acks["1"])

	d, _, err := s.Get(context.Background(), "1")
	require.NoError(t, err)
	require.False(t, d.IsDirty, "the pushed revision is the current one")

	result, err = r.Synchronize(context.Background(), appState{})
	require.NoError(t, err)
	require.Empty(t, result.Synced)
	require.Equal(t, 1, pushes)
}

func TestSynchronizePartialAcks(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1", "2")
	r := New(s, selectAll, func(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
		return Acks{"1": revision.Of(1), "ghost": revision.Of(9)}, &conflict.PushError{MetadataErrors: 1}
	}, quietConfig())

	result, err := r.Synchronize(context.Background(), appState{})
	var pushErr *conflict.PushError
	require.ErrorAs(t, err, &pushErr)
	require.Equal(t, Acks{"1": revision.Of(1)}, result.Acks)
	require.ElementsMatch(t, []string{"1", "2"}, dirtyIDs(t, s))

	d, _, err := s.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, revision.Of(1), d.SyncedRevision)
}

func TestSynchronizeAbandonsMissing(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1", "2")
	r := New(s, selectAll, func(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
		return nil, &conflict.MissingDataError{EntityType: "site", IDs: []string{"2"}}
	}, quietConfig())

	_, err := r.Synchronize(context.Background(), appState{})
	var missing *conflict.MissingDataError
	require.ErrorAs(t, err, &missing)

	all, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.Contains(t, all, "1")
	require.NotContains(t, all, "2")
	require.True(t, all["1"].IsDirty)
}

func TestSynchronizeEmptyPayload(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	called := false
	r := New(s, selectAll, func(ctx context.Context, payload map[string]store.Datum) (Acks, error) {
		called = true
		return nil, nil
	}, quietConfig())

	result, err := r.Synchronize(context.Background(), appState{})
	require.NoError(t, err)
	require.Empty(t, result.Synced)
	require.False(t, called)
}

type setLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *setLocker) TryLock(ids []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if l.held[id] {
			return false
		}
	}
	for _, id := range ids {
		l.held[id] = true
	}
	return true
}

func (l *setLocker) Unlock(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.held, id)
	}
}

func TestSynchronizeBusy(t *testing.T) {
	s := memory.NewMemorySyncStorage()
	seed(t, s, "1")
	locker := &setLocker{held: map[string]bool{"1": true}}
	config := quietConfig()
	config.Locker = locker
	r := New(s, selectAll, ackAll, config)

	_, err := r.Synchronize(context.Background(), appState{})
	require.ErrorIs(t, err, ErrBusy)
	require.ElementsMatch(t, []string{"1"}, dirtyIDs(t, s))

	locker.Unlock([]string{"1"})
	_, err = r.Synchronize(context.Background(), appState{})
	require.NoError(t, err)
	require.Empty(t, dirtyIDs(t, s))
	require.Empty(t, locker.held, "runner must release its locks")
}
