// Package runner implements the generic sync cycle: snapshot the dirty
// records, build a payload, hand it to the remote and flush only what was sent.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/revision"
	"github.com/breez/field-sync/store"
)

// ErrBusy is returned when a payload id is held by a cycle in the other direction.
var ErrBusy = errors.New("records held by another sync cycle")

// Acks maps ids to the revision the remote acknowledged for them.
type Acks map[string]revision.ID

// Selector combines live application state with the dirty snapshot into the
// payload to send. It must be pure.
type Selector[S, P any] func(state S, dirty map[string]store.Datum) map[string]P

// SyncFunc performs the remote I/O for one payload. It may return acks
// together with an error when the remote accepted part of the payload.
type SyncFunc[P any] func(ctx context.Context, payload map[string]P) (Acks, error)

// Locker claims entity ids so push and pull never interleave on one id.
type Locker interface {
	TryLock(ids []string) bool
	Unlock(ids []string)
}

type Config struct {
	// Locker is optional.
	Locker Locker
	Logger *log.Logger
}

type Result struct {
	// Synced are the payload ids that were flushed.
	Synced   []string
	Acks     Acks
	SyncedAt time.Time
}

type Runner[S, P any] struct {
	store    store.DirtyStore
	selector Selector[S, P]
	syncFn   SyncFunc[P]
	locker   Locker
	logger   *log.Logger
}

func New[S, P any](dirtyStore store.DirtyStore, selector Selector[S, P], syncFn SyncFunc[P], config *Config) *Runner[S, P] {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[runner] ", log.LstdFlags)
	}
	return &Runner[S, P]{
		store:    dirtyStore,
		selector: selector,
		syncFn:   syncFn,
		locker:   config.Locker,
		logger:   logger,
	}
}

// Synchronize runs one cycle against state. On failure no dirty flag is
// cleared and the error is returned for classification.
func (r *Runner[S, P]) Synchronize(ctx context.Context, state S) (Result, error) {
	syncedAt := r.store.Now()
	dirty, err := r.store.ReadDirty(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read dirty records: %w", err)
	}

	payload := r.selector(state, dirty)
	if len(payload) == 0 {
		return Result{}, nil
	}
	ids := make([]string, 0, len(payload))
	for id := range payload {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if r.locker != nil {
		if !r.locker.TryLock(ids) {
			return Result{}, ErrBusy
		}
		defer r.locker.Unlock(ids)
	}

	acks, syncErr := r.syncFn(ctx, payload)
	acks = onlyPayload(acks, payload)
	if len(acks) > 0 {
		// recorded even on failure so the retry builds on what the remote kept
		if err := r.store.SetSyncedRevisions(ctx, acks); err != nil {
			return Result{Acks: acks}, errors.Join(syncErr, fmt.Errorf("failed to record acknowledged revisions: %w", err))
		}
	}

	if syncErr != nil {
		var missing *conflict.MissingDataError
		if errors.As(syncErr, &missing) {
			abandoned := make([]string, 0, len(missing.IDs))
			for _, id := range missing.IDs {
				if _, ok := payload[id]; ok {
					abandoned = append(abandoned, id)
				}
			}
			if err := r.store.Remove(ctx, abandoned); err != nil {
				return Result{Acks: acks}, errors.Join(syncErr, fmt.Errorf("failed to abandon missing records: %w", err))
			}
			r.logger.Printf("abandoned local state of %d missing %s records", len(abandoned), missing.EntityType)
		}
		return Result{Acks: acks}, syncErr
	}

	if err := r.store.MarkSynced(ctx, ids, syncedAt); err != nil {
		return Result{Acks: acks}, fmt.Errorf("failed to mark records synced: %w", err)
	}
	return Result{Synced: ids, Acks: acks, SyncedAt: syncedAt}, nil
}

func onlyPayload[P any](acks Acks, payload map[string]P) Acks {
	if len(acks) == 0 {
		return nil
	}
	filtered := make(Acks, len(acks))
	for id, rev := range acks {
		if _, ok := payload[id]; ok {
			filtered[id] = rev
		}
	}
	return filtered
}
