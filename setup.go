package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/breez/field-sync/auth"
	"github.com/breez/field-sync/config"
	"github.com/breez/field-sync/connectivity"
	"github.com/breez/field-sync/engine"
	"github.com/breez/field-sync/metrics"
	"github.com/breez/field-sync/remote"
	remotememory "github.com/breez/field-sync/remote/memory"
	"github.com/breez/field-sync/remote/postgres"
	"github.com/breez/field-sync/store/sqlite"
)

type node struct {
	engine  *engine.Engine
	closers []func()
}

func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

// openNode builds and starts an engine from cfg. oracle and collectors are
// optional.
func openNode(ctx context.Context, cfg *config.Config, oracle *connectivity.Oracle, collectors *metrics.Collectors) (*node, error) {
	n := &node{}
	storage, err := sqlite.NewSQLiteSyncStorage(cfg.SyncDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync database: %w", err)
	}
	n.closers = append(n.closers, func() {
		if err := storage.Close(); err != nil {
			log.Printf("failed to close sync database: %v", err)
		}
	})

	var client remote.Client
	if cfg.PgDatabaseUrl != "" {
		pg, err := postgres.NewPgClient(cfg.PgDatabaseUrl)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to connect to remote store: %w", err)
		}
		n.closers = append(n.closers, pg.Close)
		client = pg
	} else {
		log.Printf("DATABASE_URL is not set, using an in-process remote store")
		client = remotememory.NewMemoryClient()
	}

	e, err := engine.New(engine.Options{
		Store:          storage,
		KV:             storage.Blobs(),
		Remote:         client,
		Oracle:         oracle,
		Metrics:        collectors,
		Logger:         log.New(log.Writer(), "[engine] ", log.LstdFlags),
		Window:         cfg.DebounceWindow.Or(500 * time.Millisecond),
		PullTimeout:    cfg.PullTimeout.Or(10 * time.Second),
		PullInterval:   cfg.PullInterval.Or(time.Minute),
		BackoffInitial: cfg.BackoffInitial.Or(time.Second),
		BackoffMax:     cfg.BackoffMax.Or(time.Minute),
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		n.Close()
		return nil, err
	}
	n.engine = e
	n.closers = append(n.closers, e.Close)
	return n, nil
}

// login signs in with ACCOUNT_KEY.
func (n *node) login(ctx context.Context, cfg *config.Config) (*auth.Session, error) {
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("ACCOUNT_KEY is not set")
	}
	session, err := auth.ParseSession(cfg.AccountKey)
	if err != nil {
		return nil, err
	}
	if err := n.engine.Login(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}
