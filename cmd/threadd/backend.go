package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/flitsinc/go-threads/internal/config"
	"github.com/flitsinc/go-threads/internal/pgstore"
	"github.com/flitsinc/go-threads/internal/state"
	"github.com/flitsinc/go-threads/internal/threads"
)

// openStore opens the configured backend. Both backends apply their schema on
// open.
func openStore(ctx context.Context, cfg config.Config) (threads.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := pgstore.Open(initCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := state.OpenStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return store, nil
	}
}

func storeLocation(cfg config.Config) string {
	if cfg.Backend == config.BackendPostgres {
		return "postgres"
	}
	return cfg.DBPath
}
