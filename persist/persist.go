// Package persist keeps small pieces of engine state in a key-value store.
//
// Every value is written inside a versioned envelope. Values written by an
// older build are upgraded one version at a time by registered migrations;
// values written by a newer build are refused instead of being guessed at.
// A value with no envelope at all is treated as version 0.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	ErrNotInitialized = errors.New("persistence gateway is not initialized")
	ErrFutureVersion  = errors.New("persisted value is newer than supported version")
	ErrNoMigration    = errors.New("no migration registered")
)

// KV is the blob store the gateway writes through.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Migration upgrades a value persisted at version From to version From+1.
type Migration struct {
	From int
	Up   func(data json.RawMessage) (json.RawMessage, error)
}

type envelope struct {
	Version *int            `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type Gateway struct {
	kv         KV
	version    int
	migrations map[int]Migration
	logger     *log.Logger

	mu          sync.Mutex
	initialized bool
}

func NewGateway(kv KV, version int, logger *log.Logger, migrations ...Migration) (*Gateway, error) {
	if version < 0 {
		return nil, fmt.Errorf("invalid version %d", version)
	}
	byVersion := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		if m.From < 0 || m.From >= version {
			return nil, fmt.Errorf("migration from version %d is outside [0, %d)", m.From, version)
		}
		if _, ok := byVersion[m.From]; ok {
			return nil, fmt.Errorf("duplicate migration from version %d", m.From)
		}
		byVersion[m.From] = m
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{kv: kv, version: version, migrations: byVersion, logger: logger}, nil
}

func (g *Gateway) Version() int {
	return g.version
}

// Init makes the gateway usable. It must be called again after Teardown.
func (g *Gateway) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initialized = true
	return nil
}

// Teardown removes every persisted value and returns the gateway to its
// uninitialized state.
func (g *Gateway) Teardown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.kv.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear persisted state: %w", err)
	}
	g.initialized = false
	return nil
}

func (g *Gateway) ready() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Load decodes the value stored under key into v. It reports false when
// nothing is stored.
func (g *Gateway) Load(ctx context.Context, key string, v any) (bool, error) {
	if err := g.ready(); err != nil {
		return false, err
	}
	raw, found, err := g.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to load %v: %w", key, err)
	}
	if !found {
		return false, nil
	}

	version, data := decodeEnvelope(raw)
	if version > g.version {
		return false, fmt.Errorf("%v at version %d: %w", key, version, ErrFutureVersion)
	}
	upgraded := version < g.version
	for ; version < g.version; version++ {
		m, ok := g.migrations[version]
		if !ok {
			return false, fmt.Errorf("%v from version %d: %w", key, version, ErrNoMigration)
		}
		if data, err = m.Up(data); err != nil {
			return false, fmt.Errorf("failed to migrate %v from version %d: %w", key, version, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %v: %w", key, err)
	}
	if upgraded {
		if err := g.write(ctx, key, data); err != nil {
			g.logger.Printf("failed to store upgraded %v: %v", key, err)
		}
	}
	return true, nil
}

func decodeEnvelope(raw []byte) (int, json.RawMessage) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil || e.Version == nil {
		return 0, raw
	}
	return *e.Version, e.Data
}

func (g *Gateway) Save(ctx context.Context, key string, v any) error {
	if err := g.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %v: %w", key, err)
	}
	return g.write(ctx, key, data)
}

func (g *Gateway) write(ctx context.Context, key string, data json.RawMessage) error {
	version := g.version
	raw, err := json.Marshal(envelope{Version: &version, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %v: %w", key, err)
	}
	if err := g.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to save %v: %w", key, err)
	}
	return nil
}

func (g *Gateway) Delete(ctx context.Context, key string) error {
	if err := g.ready(); err != nil {
		return err
	}
	if err := g.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %v: %w", key, err)
	}
	return nil
}
