package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/cache/cachetest"
)

const dsnEnv = "OFFLINE_WORKER_TEST_POSTGRES_DSN"

func TestPostgresBackendSuite(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	cachetest.RunBackendSuite(t, func(t *testing.T) cache.Backend {
		ctx := context.Background()
		store, err := Open(ctx, dsn)
		require.NoError(t, err)
		resetTables(t, store)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestOpenReportsPingFailure(t *testing.T) {
	_, err := Open(context.Background(), "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.ErrorIs(t, err, ErrPingFailed)
}

// resetTables 清空共享数据库，保证每个子测试从空后端开始。
func resetTables(t *testing.T, store cache.Backend) {
	t.Helper()
	ctx := context.Background()
	names, err := store.Generations(ctx)
	require.NoError(t, err)
	for _, name := range names {
		_, err := store.DropGeneration(ctx, name)
		require.NoError(t, err)
	}
}
