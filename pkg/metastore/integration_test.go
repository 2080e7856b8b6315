//go:build integration

package metastore_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/datavision/easystore/pkg/metastore"
)

// setupPostgresStore starts a PostgreSQL container (or connects to one named
// via DES_TEST_POSTGRES_HOST / DES_TEST_POSTGRES_PORT) and opens a metastore
// on it. Row-locking behavior differs enough between SQLite and Postgres
// that the lease CAS path deserves coverage on the production backend.
func setupPostgresStore(t *testing.T) *metastore.Store {
	t.Helper()
	ctx := context.Background()

	cfg := metastore.Config{
		Type: metastore.DatabaseTypePostgres,
		Postgres: metastore.PostgresConfig{
			Database: "easystore_test",
			User:     "easystore_test",
			Password: "easystore_test",
			SSLMode:  "disable",
		},
	}

	if host := os.Getenv("DES_TEST_POSTGRES_HOST"); host != "" {
		cfg.Postgres.Host = host
		cfg.Postgres.Port = 5432
		if p := os.Getenv("DES_TEST_POSTGRES_PORT"); p != "" {
			port, err := strconv.Atoi(p)
			require.NoError(t, err)
			cfg.Postgres.Port = port
		}
	} else {
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase(cfg.Postgres.Database),
			postgres.WithUsername(cfg.Postgres.User),
			postgres.WithPassword(cfg.Postgres.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)))
		require.NoError(t, err, "failed to start postgres container")
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		host, err := container.Host(ctx)
		require.NoError(t, err)
		mapped, err := container.MappedPort(ctx, "5432")
		require.NoError(t, err)

		cfg.Postgres.Host = host
		cfg.Postgres.Port = mapped.Int()
	}

	cfg.ApplyDefaults()
	store, err := metastore.New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestPostgres_LeaseContention(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	lease, ok, err := store.TryAcquire(ctx, 7, "pod-0", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	firstGen := lease.Generation

	// A second owner must not steal a live lease.
	_, ok, err = store.TryAcquire(ctx, 7, "pod-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Renewal with the wrong generation is fenced off.
	ok, err = store.Renew(ctx, 7, "pod-0", firstGen+1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Renew(ctx, 7, "pod-0", firstGen)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, 7, "pod-0", firstGen))

	// The next acquisition bumps the generation.
	lease, ok, err = store.TryAcquire(ctx, 7, "pod-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, lease.Generation, firstGen)
}

func TestPostgres_ContainerLifecycle(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	c := &metastore.Container{
		ContainerID: "C_20260824_0123456789ab_00",
		ShardID:     3,
		Day:         "2026-08-24",
		Bucket:      "archive",
		Key:         "2026-08-24/003/C_20260824_0123456789ab_00.des",
		State:       metastore.StateOpen,
		OwnerID:     "pod-0",
		Generation:  1,
	}
	require.NoError(t, store.CreateContainer(ctx, c))

	require.NoError(t, store.Checkpoint(ctx, c.ContainerID, 10, 4096))
	require.NoError(t, store.MarkUploading(ctx, c.ContainerID, 12, 8192))
	require.NoError(t, store.MarkUploaded(ctx, c.ContainerID))

	got, err := store.GetContainer(ctx, c.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, metastore.StateCommitted, got.State)
	assert.Equal(t, uint64(12), got.FileCount)
	assert.NotNil(t, got.CommittedAt)

	// Committed containers never show up as stale.
	stale, err := store.ListStaleContainers(ctx, 0)
	require.NoError(t, err)
	for _, s := range stale {
		assert.NotEqual(t, c.ContainerID, s.ContainerID)
	}
}
