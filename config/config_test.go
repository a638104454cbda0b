package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SWEEP_SCHEDULE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "drop", cfg.Seats.ScopeMissingContent)
	assert.Equal(t, "force_release", cfg.Seats.PoolDeletePolicy)
	assert.Equal(t, "@every 1m", cfg.Sweep.Schedule)
	assert.Equal(t, 10*time.Second, cfg.LMS.EnrollTimeout)
	assert.Contains(t, cfg.Database.DSN(), "/seats?sslmode=")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/x")
	t.Setenv("ENROLL_TIMEOUT", "3s")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("POOL_DELETE_POLICY", "block")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/x", cfg.Database.DSN())
	assert.Equal(t, 3*time.Second, cfg.LMS.EnrollTimeout)
	assert.False(t, cfg.Sweep.Enabled)
	assert.Equal(t, "block", cfg.Seats.PoolDeletePolicy)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("SWEEP_LOCK_TTL", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "SWEEP_LOCK_TTL")
}
