// Package engine runs offline-first synchronization for one device: local
// edits land in the dirty store, a push dispatcher flushes them once the
// device is online and a pull dispatcher merges other devices' changes back
// without overwriting anything still dirty.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/breez/field-sync/auth"
	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/connectivity"
	"github.com/breez/field-sync/dispatch"
	"github.com/breez/field-sync/metrics"
	"github.com/breez/field-sync/persist"
	"github.com/breez/field-sync/remote"
	"github.com/breez/field-sync/store"
	"github.com/breez/field-sync/syncrecord"
)

var (
	ErrNotStarted  = errors.New("engine is not started")
	ErrStarted     = errors.New("engine is already started")
	ErrNotSignedIn = errors.New("no user is signed in")
	ErrUnknownKind = errors.New("unknown record kind")
)

const (
	stateVersion = 1

	keyUser    = "user"
	keyCursor  = "cursor"
	keyRecords = "records"
)

// Change is what the sync record index remembers about a pending entity.
type Change struct {
	Kind string `json:"kind"`
	// LastError is the latest push rejection, cleared once the remote
	// acknowledges the entity.
	LastError *PushFailure `json:"lastError,omitempty"`
}

// PushFailure records why the remote rejected an entity and at which revision.
type PushFailure struct {
	Reason   string    `json:"reason"`
	Revision uint64    `json:"revision"`
	At       time.Time `json:"at"`
}

type Options struct {
	Store  store.DirtyStore
	KV     persist.KV
	Remote remote.Client
	// Oracle is optional. When nil the engine owns and starts its own.
	Oracle    *connectivity.Oracle
	Metrics   *metrics.Collectors
	Reporters []conflict.Reporter
	Logger    *log.Logger

	Window         time.Duration
	PullTimeout    time.Duration
	PullInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type activeSession struct {
	auth   *auth.Session
	cancel context.CancelFunc
	push   *dispatch.PushDispatcher
	pull   *dispatch.PullDispatcher[pullBatch]
}

type Engine struct {
	opts       Options
	store      store.DirtyStore
	remote     remote.Client
	gateway    *persist.Gateway
	oracle     *connectivity.Oracle
	ownsOracle bool
	metrics    *metrics.Collectors
	classifier *conflict.Classifier
	locks      *dispatch.EntityLocks
	requester  *dispatch.PullRequester
	logger     *log.Logger

	// lifecycle serializes Start, Login, Logout and Close.
	lifecycle sync.Mutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	active    *activeSession
	index     syncrecord.Records[Change]
	lastState connectivity.State
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.KV == nil || opts.Remote == nil {
		return nil, errors.New("store, kv and remote are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	gateway, err := persist.NewGateway(opts.KV, stateVersion, logger, persist.Migration{
		From: 0,
		// unversioned values already hold the current payload shape
		Up: func(data json.RawMessage) (json.RawMessage, error) { return data, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence gateway: %w", err)
	}

	reporters := append([]conflict.Reporter{conflict.NewLogReporter(prefixed(logger, "[conflict] "))}, opts.Reporters...)
	if opts.Metrics != nil {
		reporters = append(reporters, opts.Metrics)
	}

	oracle := opts.Oracle
	ownsOracle := oracle == nil
	if ownsOracle {
		oracle = connectivity.NewOracle()
	}

	return &Engine{
		opts:       opts,
		store:      opts.Store,
		remote:     opts.Remote,
		gateway:    gateway,
		oracle:     oracle,
		ownsOracle: ownsOracle,
		metrics:    opts.Metrics,
		classifier: conflict.NewClassifier(reporters...),
		locks:      dispatch.NewEntityLocks(),
		requester:  dispatch.NewPullRequester(),
		logger:     logger,
		index:      make(syncrecord.Records[Change]),
	}, nil
}

func prefixed(logger *log.Logger, prefix string) *log.Logger {
	return log.New(logger.Writer(), prefix, logger.Flags())
}

// Start loads persisted state and begins following connectivity until ctx is
// cancelled or Close is called. Cycles only run once a user is signed in.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.baseCtx != nil {
		return ErrStarted
	}

	if err := e.gateway.Init(ctx); err != nil {
		return fmt.Errorf("failed to init persisted state: %w", err)
	}
	index := make(syncrecord.Records[Change])
	if _, err := e.gateway.Load(ctx, keyRecords, &index); err != nil {
		return fmt.Errorf("failed to load sync records: %w", err)
	}

	e.baseCtx, e.cancel = context.WithCancel(ctx)
	if e.ownsOracle {
		e.oracle.Start(e.baseCtx)
	}
	sub := e.oracle.Subscribe()

	e.mu.Lock()
	e.index = index
	e.mu.Unlock()

	e.wg.Add(2)
	go e.followConnectivity(sub)
	go e.schedulePulls()

	if err := e.refreshUnsynced(ctx); err != nil {
		e.logger.Printf("failed to read dirty records: %v", err)
	}
	return nil
}

func (e *Engine) followConnectivity(sub *connectivity.Subscription) {
	defer e.wg.Done()
	defer e.oracle.Unsubscribe(sub)
	for {
		select {
		case state, ok := <-sub.States():
			if !ok {
				return
			}
			e.mu.Lock()
			e.lastState = state
			if e.active != nil {
				e.active.push.SetConnectivity(state)
				e.active.pull.SetConnectivity(state)
			}
			e.mu.Unlock()
			if state == connectivity.Online {
				e.requester.Request()
			}
		case <-e.baseCtx.Done():
			return
		}
	}
}

// schedulePulls requests a pull every PullInterval. A zero interval disables
// periodic pulls.
func (e *Engine) schedulePulls() {
	defer e.wg.Done()
	interval := e.opts.PullInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.requester.Request()
		case <-e.baseCtx.Done():
			return
		}
	}
}

// Login signs session in and starts its push and pull dispatchers. Signing
// in as a different account than the one persisted wipes all local state first.
func (e *Engine) Login(ctx context.Context, session *auth.Session) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.baseCtx == nil {
		return ErrNotStarted
	}

	if current := e.currentSession(); current != nil {
		if current.UserID() == session.UserID() {
			return nil
		}
		e.stopActive()
	}

	var stored string
	found, err := e.gateway.Load(ctx, keyUser, &stored)
	if err != nil {
		return fmt.Errorf("failed to load signed in user: %w", err)
	}
	if found && stored != session.UserID() {
		e.logger.Printf("account switched from %v to %v, resetting local state", stored, session.UserID())
		if err := e.reset(ctx); err != nil {
			return err
		}
	}
	if err := e.gateway.Save(ctx, keyUser, session.UserID()); err != nil {
		return fmt.Errorf("failed to save signed in user: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(e.baseCtx)
	a := &activeSession{
		auth:   session,
		cancel: cancel,
		push:   dispatch.NewPushDispatcher(e.pushCycle, e.dispatchConfig("[push] ")),
		pull: dispatch.NewPullDispatcher(e.requester, e.fetch, e.applyPull, &dispatch.PullConfig{
			Config:  *e.dispatchConfig("[pull] "),
			Timeout: e.opts.PullTimeout,
		}),
	}
	a.push.Start(sessionCtx)
	a.pull.Start(sessionCtx)
	a.push.SetUser(sessionCtx, session.UserID())
	a.pull.SetUser(sessionCtx, session.UserID())

	e.mu.Lock()
	e.active = a
	a.push.SetConnectivity(e.lastState)
	a.pull.SetConnectivity(e.lastState)
	e.mu.Unlock()

	e.requester.Request()
	if err := e.refreshUnsynced(ctx); err != nil {
		e.logger.Printf("failed to read dirty records: %v", err)
	}
	e.logger.Printf("signed in as %v", session.UserID())
	return nil
}

func (e *Engine) dispatchConfig(prefix string) *dispatch.Config {
	return &dispatch.Config{
		Window:     e.opts.Window,
		Backoff:    dispatch.NewExponentialBackoff(e.opts.BackoffInitial, e.opts.BackoffMax, 2, 0.1),
		Classifier: e.classifier,
		Metrics:    e.metrics,
		Logger:     prefixed(e.logger, prefix),
	}
}

// Logout stops every cycle of the signed in user and resets all local state.
func (e *Engine) Logout(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.baseCtx == nil {
		return ErrNotStarted
	}
	e.stopActive()
	return e.reset(ctx)
}

// stopActive cancels the active session and waits for its cycles to return.
func (e *Engine) stopActive() {
	e.mu.Lock()
	a := e.active
	e.active = nil
	e.mu.Unlock()
	if a == nil {
		return
	}
	a.cancel()
	a.push.Wait()
	a.pull.Wait()
}

func (e *Engine) reset(ctx context.Context) error {
	if err := e.gateway.Teardown(ctx); err != nil {
		return fmt.Errorf("failed to tear down persisted state: %w", err)
	}
	if err := e.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	if err := e.gateway.Init(ctx); err != nil {
		return fmt.Errorf("failed to init persisted state: %w", err)
	}
	e.requester.Reset()
	e.mu.Lock()
	e.index = make(syncrecord.Records[Change])
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.DirtyRecords.Set(0)
	}
	return nil
}

func (e *Engine) currentSession() *auth.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	return e.active.auth
}

// Write stores a local edit of entity id and queues it for push.
func (e *Engine) Write(ctx context.Context, id, kind string, content json.RawMessage) (store.Datum, error) {
	if kind != remote.KindSoilData && kind != remote.KindMetadata {
		return store.Datum{}, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	datum, err := e.store.Write(ctx, id, content)
	if err != nil {
		return store.Datum{}, fmt.Errorf("failed to write %v: %w", id, err)
	}

	e.mu.Lock()
	change := Change{Kind: kind}
	if prev, ok := e.index[id]; ok {
		change.LastError = prev.ChangeData.LastError
	}
	syncrecord.Add(e.index, id, change)
	index := cloneIndex(e.index)
	e.mu.Unlock()
	if err := e.gateway.Save(ctx, keyRecords, index); err != nil {
		e.logger.Printf("failed to save sync records: %v", err)
	}

	if err := e.refreshUnsynced(ctx); err != nil {
		e.logger.Printf("failed to read dirty records: %v", err)
	}
	return datum, nil
}

// SetConnectivity feeds raw platform signals to the connectivity oracle.
func (e *Engine) SetConnectivity(isConnected, isInternetReachable *bool) {
	e.oracle.Update(isConnected, isInternetReachable)
}

// RequestPull asks for a pull. Requests made before the next pull starts
// collapse into one.
func (e *Engine) RequestPull() {
	e.requester.Request()
}

// refreshUnsynced recomputes the unsynced id list from the store, drops index
// entries that are no longer dirty and hands the list to the push dispatcher.
func (e *Engine) refreshUnsynced(ctx context.Context) error {
	dirty, err := e.store.ReadDirty(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	// Write adds index entries under e.mu after its store write, so an entry
	// missing from the snapshot is only dropped once the store confirms it clean.
	var clean []string
	for id := range e.index {
		if _, ok := dirty[id]; ok {
			continue
		}
		datum, found, err := e.store.Get(ctx, id)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		if found && datum.IsDirty {
			dirty[id] = datum
			continue
		}
		clean = append(clean, id)
	}
	syncrecord.Clear(e.index, clean)
	unsynced := make([]string, 0, len(e.index))
	for _, id := range syncrecord.IDs(e.index) {
		if _, ok := dirty[id]; ok {
			unsynced = append(unsynced, id)
		}
	}
	if e.active != nil {
		e.active.push.SetUnsynced(unsynced)
	}
	var index syncrecord.Records[Change]
	if len(clean) > 0 {
		index = cloneIndex(e.index)
	}
	e.mu.Unlock()

	if index != nil {
		if err := e.gateway.Save(ctx, keyRecords, index); err != nil {
			e.logger.Printf("failed to save sync records: %v", err)
		}
	}
	if e.metrics != nil {
		e.metrics.DirtyRecords.Set(float64(len(dirty)))
	}
	return nil
}

func cloneIndex(index syncrecord.Records[Change]) syncrecord.Records[Change] {
	out := make(syncrecord.Records[Change], len(index))
	for id, r := range index {
		out[id] = r
	}
	return out
}

// Close stops all cycles and background work. Persisted state is kept.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.baseCtx == nil {
		return
	}
	e.stopActive()
	e.cancel()
	e.wg.Wait()
}
