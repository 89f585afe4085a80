// Package remote defines the authoritative store a device pushes its dirty
// records to and pulls other devices' changes from.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/breez/field-sync/revision"
)

var (
	ErrSetConflict = errors.New("set conflict")
	ErrNotFound    = errors.New("record not found")
)

const (
	KindSoilData = "soilData"
	KindMetadata = "metadata"
)

// Record is one revision of an entity as the remote store sees it.
// BaseRevision is only meaningful on writes: it is the revision the writer
// last synced and must match what the store holds. Deleted marks a tombstone,
// which keeps the last live revision and its signature.
type Record struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Data         json.RawMessage `json:"data"`
	Revision     uint64          `json:"revision"`
	BaseRevision revision.ID     `json:"baseRevision"`
	Seq          uint64          `json:"seq"`
	Signature    string          `json:"signature"`
	Deleted      bool            `json:"deleted,omitempty"`
}

type Client interface {
	// SetRecord stores rec for userID and returns the change sequence it
	// was assigned.
	SetRecord(ctx context.Context, userID string, rec Record) (uint64, error)
	// ListChanges returns the records and tombstones changed after sinceSeq,
	// in sequence order.
	ListChanges(ctx context.Context, userID string, sinceSeq uint64) ([]Record, error)
	DeleteRecord(ctx context.Context, userID, id string) error
}

// CheckBase decides whether a write based on base may replace the stored
// state of an entity.
func CheckBase(stored revision.ID, deleted bool, base revision.ID) error {
	if !base.Valid {
		if stored.Valid && !deleted {
			return ErrSetConflict
		}
		return nil
	}
	if !stored.Valid || deleted {
		return ErrNotFound
	}
	if !revision.Match(stored, base) {
		return ErrSetConflict
	}
	return nil
}
