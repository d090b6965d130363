package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/store/postgres"
	"github.com/warp/allocation-engine/store/storetest"
)

// The suite needs a disposable database. Every test truncates it.
func TestStore(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st, err := postgres.New(ctx, pool)
	require.NoError(t, err)

	storetest.Run(t, func(t *testing.T) allocation.TxStore {
		require.NoError(t, st.Reset(ctx))
		return st
	})
}
