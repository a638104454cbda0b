// Package dbtest starts a throwaway PostgreSQL for integration tests.
package dbtest

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/aura-lms/seats/pkg/database"
)

// DockerAvailable returns true if a Docker daemon is reachable.
func DockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

// NewPool creates a PostgreSQL container, runs migrations and returns a connected pool.
// The test is skipped when Docker is not available.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !DockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("seats_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := database.NewPostgresPool(ctx, connStr, database.PoolOptions{MaxConns: 20}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = database.Migrate(ctx, pool)
	require.NoError(t, err)
	return pool
}
