// Package memory is an in-process remote store, used by tests and by the
// CLI when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/breez/field-sync/remote"
	"github.com/breez/field-sync/revision"
)

type entry struct {
	record  remote.Record
	deleted bool
}

type account struct {
	seq     uint64
	records map[string]*entry
}

type MemoryClient struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{accounts: make(map[string]*account)}
}

func (c *MemoryClient) account(userID string) *account {
	a, ok := c.accounts[userID]
	if !ok {
		a = &account{records: make(map[string]*entry)}
		c.accounts[userID] = a
	}
	return a
}

func (c *MemoryClient) SetRecord(ctx context.Context, userID string, rec remote.Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.account(userID)
	stored := revision.None
	deleted := false
	if e, ok := a.records[rec.ID]; ok {
		stored = revision.Of(e.record.Revision)
		deleted = e.deleted
	}
	if err := remote.CheckBase(stored, deleted, rec.BaseRevision); err != nil {
		return 0, err
	}

	a.seq++
	rec.Seq = a.seq
	rec.BaseRevision = revision.None
	rec.Data = append([]byte(nil), rec.Data...)
	a.records[rec.ID] = &entry{record: rec}
	return rec.Seq, nil
}

func (c *MemoryClient) ListChanges(ctx context.Context, userID string, sinceSeq uint64) ([]remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]remote.Record, 0)
	for _, e := range c.account(userID).records {
		if e.record.Seq <= sinceSeq {
			continue
		}
		r := e.record
		r.Data = append([]byte(nil), r.Data...)
		r.Deleted = e.deleted
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

func (c *MemoryClient) DeleteRecord(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.account(userID)
	e, ok := a.records[id]
	if !ok || e.deleted {
		return remote.ErrNotFound
	}
	a.seq++
	e.record.Seq = a.seq
	e.deleted = true
	return nil
}
