/*
Package store opens the configured allocation.TxStore.

PURPOSE:
  One place where DB_DRIVER is turned into a concrete store, shared by the
  server, the worker and allocctl.

DRIVERS:
  sqlite:    store/sqlite at SQLITE_PATH (":memory:" allowed)
  postgres:  store/postgres over a pgxpool built from PG_DSN
  memory:    allocation/store TxMemory, lost on exit

USAGE:
  st, closeFn, err := store.Open(ctx, cfg)
  if err != nil { ... }
  defer closeFn()
*/
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/allocation-engine/allocation"
	memstore "github.com/warp/allocation-engine/allocation/store"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/store/postgres"
	"github.com/warp/allocation-engine/store/sqlite"
)

// Open returns the store selected by cfg.DBDriver and a function releasing it.
func Open(ctx context.Context, cfg *config.Config) (allocation.TxStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		st, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil

	case config.DriverMemory:
		return memstore.NewTxMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}
