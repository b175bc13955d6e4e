package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CERTMANAGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CERTMANAGER_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := t.Context()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	require.NoError(t, EnsureSchema(ctx, pool))

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
	t.Cleanup(func() {
		// t.Context is already cancelled when cleanups run.
		pool.Exec(context.Background(), "DELETE FROM records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	storagetest.RunRepositoryTests(t, newTestStore(t))
}
