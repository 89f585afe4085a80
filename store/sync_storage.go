// Package store defines the Dirty Record Store: the local source of truth for
// records between sync cycles, with per-record dirty bookkeeping.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/breez/field-sync/revision"
)

var ErrClosed = errors.New("store closed")

// Datum is a locally stored record and its sync metadata.
type Datum struct {
	Content        json.RawMessage `json:"content"`
	Revision       revision.ID     `json:"revision"`
	SyncedRevision revision.ID     `json:"syncedRevision"`
	IsDirty        bool            `json:"isDirty"`
	WrittenAt      time.Time       `json:"writtenAt"`
	SyncedAt       *time.Time      `json:"syncedAt"`
}

// Diverged reports whether the local revision moved past the last revision
// acknowledged by the remote store.
func (d Datum) Diverged() bool {
	return !revision.Match(d.Revision, d.SyncedRevision)
}

// Incoming is an authoritative remote copy of a record offered to MergeRemote.
// Deleted marks a remote deletion.
type Incoming struct {
	ID       string
	Content  json.RawMessage
	Revision revision.ID
	Deleted  bool
}

type DirtyStore interface {
	// Now returns the store clock. Readings are strictly increasing and every
	// write made after a reading is stamped later than it.
	Now() time.Time
	Get(ctx context.Context, id string) (Datum, bool, error)
	ReadAll(ctx context.Context) (map[string]Datum, error)
	ReadDirty(ctx context.Context) (map[string]Datum, error)
	// Write persists content, bumps the local revision and marks the record dirty.
	Write(ctx context.Context, id string, content json.RawMessage) (Datum, error)
	WriteAll(ctx context.Context, records map[string]json.RawMessage) error
	// MarkSynced clears the dirty flag of each id unless it was written after
	// syncedAt and its revision moved past the acknowledged one.
	MarkSynced(ctx context.Context, ids []string, syncedAt time.Time) error
	SetSyncedRevisions(ctx context.Context, revisions map[string]revision.ID) error
	// MergeRemote applies remote copies atomically per id and drops clean
	// copies of remote deletions. Dirty records are never overwritten and are
	// returned as deferred.
	MergeRemote(ctx context.Context, incoming []Incoming) (applied, deferred []string, err error)
	Remove(ctx context.Context, ids []string) error
	// Reset drops every record.
	Reset(ctx context.Context) error
}

// Clock hands out strictly increasing wall-clock readings.
type Clock struct {
	mu     sync.Mutex
	source func() time.Time
	last   time.Time
}

func NewClock(source func() time.Time) *Clock {
	if source == nil {
		source = time.Now
	}
	return &Clock{source: source}
}

// Observe makes later readings come after t.
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.Round(0)
	}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.source().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// MergeAction is what MergeRemote does with one incoming record.
type MergeAction int

const (
	MergeApply MergeAction = iota
	// MergeDefer keeps a dirty local copy until its push completes.
	MergeDefer
	// MergeStale skips a remote copy that does not move past the last
	// acknowledged revision.
	MergeStale
	// MergeRemove drops a clean local copy of a remotely deleted record.
	MergeRemove
)

// DecideMerge is the pull merge rule shared by every backend.
func DecideMerge(existing Datum, found bool, in Incoming) MergeAction {
	if !found {
		if in.Deleted {
			return MergeStale
		}
		return MergeApply
	}
	if existing.IsDirty {
		return MergeDefer
	}
	if in.Deleted {
		return MergeRemove
	}
	if existing.SyncedRevision.Valid && in.Revision.Valid && in.Revision.Value <= existing.SyncedRevision.Value {
		return MergeStale
	}
	return MergeApply
}
