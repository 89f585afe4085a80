// Package memory is an in-process DirtyStore. It does not survive restarts.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/breez/field-sync/revision"
	"github.com/breez/field-sync/store"
)

type MemorySyncStorage struct {
	mu      sync.Mutex
	clock   *store.Clock
	records map[string]store.Datum
}

var _ store.DirtyStore = (*MemorySyncStorage)(nil)

func NewMemorySyncStorage() *MemorySyncStorage {
	return NewMemorySyncStorageWithClock(nil)
}

// NewMemorySyncStorageWithClock stamps writes from source, which tests use to
// control time.
func NewMemorySyncStorageWithClock(source func() time.Time) *MemorySyncStorage {
	return &MemorySyncStorage{
		clock:   store.NewClock(source),
		records: make(map[string]store.Datum),
	}
}

func (s *MemorySyncStorage) Now() time.Time {
	return s.clock.Now()
}

func (s *MemorySyncStorage) Get(ctx context.Context, id string) (store.Datum, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[id]
	return clone(d), ok, nil
}

func (s *MemorySyncStorage) ReadAll(ctx context.Context) (map[string]store.Datum, error) {
	return s.read(false), nil
}

func (s *MemorySyncStorage) ReadDirty(ctx context.Context) (map[string]store.Datum, error) {
	return s.read(true), nil
}

func (s *MemorySyncStorage) read(dirtyOnly bool) map[string]store.Datum {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]store.Datum, len(s.records))
	for id, d := range s.records {
		if dirtyOnly && !d.IsDirty {
			continue
		}
		result[id] = clone(d)
	}
	return result
}

func (s *MemorySyncStorage) Write(ctx context.Context, id string, content json.RawMessage) (store.Datum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.write(id, content)
	return clone(d), nil
}

func (s *MemorySyncStorage) WriteAll(ctx context.Context, records map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, content := range records {
		s.write(id, content)
	}
	return nil
}

func (s *MemorySyncStorage) write(id string, content json.RawMessage) store.Datum {
	d := s.records[id]
	d.Content = append(json.RawMessage(nil), content...)
	d.Revision = revision.Next(d.Revision)
	d.IsDirty = true
	d.WrittenAt = s.clock.Now()
	s.records[id] = d
	return d
}

func (s *MemorySyncStorage) MarkSynced(ctx context.Context, ids []string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		d, ok := s.records[id]
		if !ok || (d.WrittenAt.After(syncedAt) && d.Diverged()) {
			continue
		}
		at := syncedAt
		d.IsDirty = false
		d.SyncedAt = &at
		s.records[id] = d
	}
	return nil
}

func (s *MemorySyncStorage) SetSyncedRevisions(ctx context.Context, revisions map[string]revision.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rev := range revisions {
		if d, ok := s.records[id]; ok {
			d.SyncedRevision = rev
			s.records[id] = d
		}
	}
	return nil
}

func (s *MemorySyncStorage) MergeRemote(ctx context.Context, incoming []store.Incoming) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied, deferred []string
	for _, in := range incoming {
		existing, found := s.records[in.ID]
		switch store.DecideMerge(existing, found, in) {
		case store.MergeDefer:
			deferred = append(deferred, in.ID)
		case store.MergeApply:
			now := s.clock.Now()
			s.records[in.ID] = store.Datum{
				Content:        append(json.RawMessage(nil), in.Content...),
				Revision:       in.Revision,
				SyncedRevision: in.Revision,
				WrittenAt:      now,
				SyncedAt:       &now,
			}
			applied = append(applied, in.ID)
		case store.MergeRemove:
			delete(s.records, in.ID)
			applied = append(applied, in.ID)
		}
	}
	return applied, deferred, nil
}

func (s *MemorySyncStorage) Remove(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *MemorySyncStorage) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]store.Datum)
	return nil
}

func clone(d store.Datum) store.Datum {
	d.Content = append(json.RawMessage(nil), d.Content...)
	if d.SyncedAt != nil {
		at := *d.SyncedAt
		d.SyncedAt = &at
	}
	return d
}
