package storage

import (
	"context"
	"fmt"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/wallet"
)

// Open creates the wallet store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.WalletStorageConfig) (wallet.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return wallet.NewMemoryStore(), nil
	case "sqlite":
		store, err := NewSQLiteStore(SQLiteConfig{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown wallet backend %q", cfg.Backend)
	}
}
