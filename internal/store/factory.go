package store

import (
	"context"
	"fmt"

	"freelab/internal/config"
	"freelab/internal/logging"
)

// Open returns the store selected by cfg.Driver. The memory driver is an
// SQLite database that lives as long as the process.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	logging.Store("opening %s store", cfg.Driver)
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN)
	case "memory":
		return OpenSQLite(ctx, ":memory:")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
