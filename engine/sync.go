package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/breez/field-sync/auth"
	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/connectivity"
	"github.com/breez/field-sync/dispatch"
	"github.com/breez/field-sync/remote"
	"github.com/breez/field-sync/revision"
	"github.com/breez/field-sync/runner"
	"github.com/breez/field-sync/store"
	"github.com/breez/field-sync/syncrecord"
)

// pushState is what the payload selector reads besides the dirty snapshot.
type pushState struct {
	index syncrecord.Records[Change]
}

// selectPayload builds one remote record per dirty entity the index knows
// the kind of. Each record is based on the last revision the remote acknowledged.
func selectPayload(state pushState, dirty map[string]store.Datum) map[string]remote.Record {
	payload := make(map[string]remote.Record, len(dirty))
	for id, datum := range dirty {
		pending, ok := state.index[id]
		if !ok {
			continue
		}
		payload[id] = remote.Record{
			ID:           id,
			Kind:         pending.ChangeData.Kind,
			Data:         datum.Content,
			Revision:     datum.Revision.Value,
			BaseRevision: datum.SyncedRevision,
		}
	}
	return payload
}

// pushRecords returns the remote I/O of a push for session. Rejected records
// are counted per kind and noted in failures, records the remote no longer
// has are reported missing. Neither stops the rest of the payload.
func (e *Engine) pushRecords(session *auth.Session, failures map[string]PushFailure) runner.SyncFunc[remote.Record] {
	return func(ctx context.Context, payload map[string]remote.Record) (runner.Acks, error) {
		ids := make([]string, 0, len(payload))
		for id := range payload {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		acks := make(runner.Acks, len(ids))
		rejected := &conflict.PushError{}
		missing := &conflict.MissingDataError{}
		for _, id := range ids {
			rec := payload[id]
			signature, err := session.SignRecord(rec.ID, rec.Kind, rec.Data, rec.Revision)
			if err != nil {
				return acks, err
			}
			rec.Signature = signature

			_, err = e.remote.SetRecord(ctx, session.UserID(), rec)
			switch {
			case err == nil:
				acks[id] = revision.Of(rec.Revision)
			case errors.Is(err, remote.ErrSetConflict):
				if rec.Kind == remote.KindMetadata {
					rejected.MetadataErrors++
				} else {
					rejected.SoilDataErrors++
				}
				failures[id] = PushFailure{Reason: err.Error(), Revision: rec.Revision, At: e.store.Now()}
			case errors.Is(err, remote.ErrNotFound):
				if missing.EntityType == "" {
					missing.EntityType = rec.Kind
				}
				missing.IDs = append(missing.IDs, id)
			default:
				return acks, fmt.Errorf("failed to push %v: %w", id, err)
			}
		}

		var errs []error
		if rejected.SoilDataErrors+rejected.MetadataErrors > 0 {
			errs = append(errs, rejected)
		}
		if len(missing.IDs) > 0 {
			errs = append(errs, missing)
		}
		return acks, errors.Join(errs...)
	}
}

// pushCycle runs one push for the signed in user.
func (e *Engine) pushCycle(ctx context.Context) error {
	_, err := e.push(ctx)
	return err
}

func (e *Engine) push(ctx context.Context) (runner.Result, error) {
	session := e.currentSession()
	if session == nil {
		return runner.Result{}, ErrNotSignedIn
	}
	e.mu.Lock()
	state := pushState{index: cloneIndex(e.index)}
	e.mu.Unlock()

	failures := make(map[string]PushFailure)
	r := runner.New(e.store, selectPayload, e.pushRecords(session, failures), &runner.Config{
		Locker: e.locks,
		Logger: prefixed(e.logger, "[runner] "),
	})
	result, err := r.Synchronize(ctx, state)
	e.recordOutcome(ctx, result.Acks, failures)
	if refreshErr := e.refreshUnsynced(ctx); refreshErr != nil {
		e.logger.Printf("failed to read dirty records: %v", refreshErr)
	}
	if err == nil && len(result.Synced) > 0 {
		// remote copies deferred while these were dirty can be merged now
		e.requester.Request()
	}
	return result, err
}

// recordOutcome stores each rejection on its index entry and clears the
// rejection of every acknowledged entity.
func (e *Engine) recordOutcome(ctx context.Context, acks runner.Acks, failures map[string]PushFailure) {
	e.mu.Lock()
	changed := false
	for id, failure := range failures {
		if entry, ok := e.index[id]; ok {
			failure := failure
			entry.ChangeData.LastError = &failure
			e.index[id] = entry
			changed = true
		}
	}
	for id := range acks {
		if entry, ok := e.index[id]; ok && entry.ChangeData.LastError != nil {
			entry.ChangeData.LastError = nil
			e.index[id] = entry
			changed = true
		}
	}
	var index syncrecord.Records[Change]
	if changed {
		index = cloneIndex(e.index)
	}
	e.mu.Unlock()

	if index != nil {
		if err := e.gateway.Save(ctx, keyRecords, index); err != nil {
			e.logger.Printf("failed to save sync records: %v", err)
		}
	}
}

// PushNow runs one push outside the dispatcher and returns its outcome.
// Failures are classified and reported like dispatched ones.
func (e *Engine) PushNow(ctx context.Context) (runner.Result, error) {
	result, err := e.push(ctx)
	if err != nil && !errors.Is(err, ErrNotSignedIn) && !errors.Is(err, runner.ErrBusy) {
		e.classifier.Report(conflict.DirectionPush, err)
	}
	return result, err
}

type pullBatch struct {
	records []remote.Record
}

// PullResult lists what a pull did with each remote record it fetched.
type PullResult struct {
	Applied  []string
	Deferred []string
	Stale    []string
	Rejected []string
	Cursor   uint64
}

func (e *Engine) loadCursor(ctx context.Context) (uint64, error) {
	var cursor uint64
	if _, err := e.gateway.Load(ctx, keyCursor, &cursor); err != nil {
		return 0, fmt.Errorf("failed to load pull cursor: %w", err)
	}
	return cursor, nil
}

func (e *Engine) fetch(ctx context.Context) (pullBatch, error) {
	session := e.currentSession()
	if session == nil {
		return pullBatch{}, ErrNotSignedIn
	}
	cursor, err := e.loadCursor(ctx)
	if err != nil {
		return pullBatch{}, err
	}
	records, err := e.remote.ListChanges(ctx, session.UserID(), cursor)
	if err != nil {
		return pullBatch{}, fmt.Errorf("failed to list changes: %w", err)
	}
	return pullBatch{records: records}, nil
}

func (e *Engine) applyPull(ctx context.Context, batch pullBatch) error {
	_, err := e.merge(ctx, batch)
	return err
}

// merge applies a fetched batch. Tombstones drop clean local copies. Records
// whose signature does not verify are rejected and reported; records that are
// dirty or held by a push are deferred. The cursor only advances past records that were settled, so a
// deferred record is fetched again by a later pull.
func (e *Engine) merge(ctx context.Context, batch pullBatch) (PullResult, error) {
	session := e.currentSession()
	if session == nil {
		return PullResult{}, ErrNotSignedIn
	}
	cursor, err := e.loadCursor(ctx)
	if err != nil {
		return PullResult{}, err
	}
	result := PullResult{Cursor: cursor}

	records := append([]remote.Record(nil), batch.records...)
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	incoming := make(map[string]store.Incoming, len(records))
	for _, rec := range records {
		if err := session.VerifyRecord(rec.ID, rec.Kind, rec.Data, rec.Revision, rec.Signature); err != nil {
			result.Rejected = append(result.Rejected, rec.ID)
			e.classifier.Report(conflict.DirectionPull, fmt.Errorf("record %v from seq %d: %w", rec.ID, rec.Seq, err))
			delete(incoming, rec.ID)
			continue
		}
		incoming[rec.ID] = store.Incoming{ID: rec.ID, Content: rec.Data, Revision: revision.Of(rec.Revision), Deleted: rec.Deleted}
	}

	ids := make([]string, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	claimed, busy := e.locks.Partition(ids)
	defer e.locks.Unlock(claimed)

	toMerge := make([]store.Incoming, 0, len(claimed))
	for _, id := range claimed {
		toMerge = append(toMerge, incoming[id])
	}
	applied, deferred, err := e.store.MergeRemote(ctx, toMerge)
	if err != nil {
		return result, fmt.Errorf("failed to merge remote records: %w", err)
	}
	result.Applied = applied
	result.Deferred = append(deferred, busy...)
	sort.Strings(result.Deferred)

	settled := make(map[string]bool, len(applied))
	for _, id := range applied {
		settled[id] = true
	}
	held := make(map[string]bool, len(result.Deferred))
	for _, id := range result.Deferred {
		held[id] = true
	}
	for _, id := range claimed {
		if !settled[id] && !held[id] {
			result.Stale = append(result.Stale, id)
		}
	}

	for _, rec := range records {
		if held[rec.ID] {
			break
		}
		result.Cursor = rec.Seq
	}
	if result.Cursor != cursor {
		if err := e.gateway.Save(ctx, keyCursor, result.Cursor); err != nil {
			return result, fmt.Errorf("failed to save pull cursor: %w", err)
		}
	}

	if len(result.Deferred) > 0 {
		e.logger.Printf("deferred %d remote records held by local edits", len(result.Deferred))
		if e.metrics != nil {
			e.metrics.DeferredPulls.Add(float64(len(result.Deferred)))
		}
	}
	if err := e.refreshUnsynced(ctx); err != nil {
		e.logger.Printf("failed to read dirty records: %v", err)
	}
	return result, nil
}

// PullNow fetches and merges remote changes outside the dispatcher.
func (e *Engine) PullNow(ctx context.Context) (PullResult, error) {
	batch, err := e.fetch(ctx)
	if err != nil {
		return PullResult{}, e.reportPull(err)
	}
	result, err := e.merge(ctx, batch)
	if err != nil {
		return result, e.reportPull(err)
	}
	return result, nil
}

func (e *Engine) reportPull(err error) error {
	if !errors.Is(err, ErrNotSignedIn) {
		e.classifier.Report(conflict.DirectionPull, err)
	}
	return err
}

type Status struct {
	UserID       string
	Connectivity connectivity.State
	Push         dispatch.Phase
	Pull         dispatch.Phase
	PullPending  bool
	Records      int
	Dirty        []string
	Rejected     map[string]PushFailure
	Cursor       uint64
	LastSyncedAt *time.Time
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	status := Status{Connectivity: e.lastState}
	if e.active != nil {
		status.UserID = e.active.auth.UserID()
		status.Push = e.active.push.Phase()
		status.Pull = e.active.pull.Phase()
	}
	for id, entry := range e.index {
		if entry.ChangeData.LastError == nil {
			continue
		}
		if status.Rejected == nil {
			status.Rejected = make(map[string]PushFailure)
		}
		status.Rejected[id] = *entry.ChangeData.LastError
	}
	e.mu.Unlock()
	status.PullPending = e.requester.Pending()

	all, err := e.store.ReadAll(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read records: %w", err)
	}
	status.Records = len(all)
	for id, datum := range all {
		if datum.IsDirty {
			status.Dirty = append(status.Dirty, id)
		}
		if datum.SyncedAt != nil && (status.LastSyncedAt == nil || datum.SyncedAt.After(*status.LastSyncedAt)) {
			at := *datum.SyncedAt
			status.LastSyncedAt = &at
		}
	}
	sort.Strings(status.Dirty)

	if status.Cursor, err = e.loadCursor(ctx); err != nil {
		return Status{}, err
	}
	return status, nil
}
