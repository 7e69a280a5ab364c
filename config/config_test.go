package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Minute, cfg.Cache.ActiveTTL)
	assert.Equal(t, 12*time.Hour, cfg.Cache.InactiveTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Cache.ActivityThreshold)
	assert.Equal(t, 5, cfg.Cache.PopularThreshold)

	assert.Equal(t, 4, cfg.Processor.Workers)
	assert.Equal(t, 1000, cfg.Processor.QueueSize)
	assert.Equal(t, 3, cfg.Processor.MaxRetries)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)

	assert.True(t, cfg.Maintenance.WarmingEnabled)
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("STATCACHE_DB_PATH", "/tmp/override.db")
	t.Setenv("STATCACHE_ACTIVE_TTL", "45m")
	t.Setenv("STATCACHE_INACTIVE_TTL", "1d")
	t.Setenv("STATCACHE_ACTIVITY_THRESHOLD", "7d")
	t.Setenv("STATCACHE_WORKERS", "8")
	t.Setenv("STATCACHE_WARMING_ENABLED", "false")
	t.Setenv("STATCACHE_UPSTREAM_KEY", "secret")

	cfg := Default()
	cfg.FromEnv()

	assert.Equal(t, "/tmp/override.db", cfg.Cache.Path)
	assert.Equal(t, 45*time.Minute, cfg.Cache.ActiveTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.InactiveTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.ActivityThreshold)
	assert.Equal(t, 8, cfg.Processor.Workers)
	assert.False(t, cfg.Maintenance.WarmingEnabled)
	assert.Equal(t, "secret", cfg.Upstream.APIKey)
}

func TestFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("STATCACHE_WORKERS", "lots")
	t.Setenv("STATCACHE_ACTIVE_TTL", "soon")

	cfg := Default()
	cfg.FromEnv()

	assert.Equal(t, 4, cfg.Processor.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Cache.ActiveTTL)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  path: /var/lib/statcache.db
  active_ttl: 20m
processor:
  workers: 6
  queue_size: 500
breaker:
  failure_threshold: 10
maintenance:
  warming_enabled: false
`), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "/var/lib/statcache.db", cfg.Cache.Path)
	assert.Equal(t, 20*time.Minute, cfg.Cache.ActiveTTL)
	assert.Equal(t, 6, cfg.Processor.Workers)
	assert.Equal(t, 500, cfg.Processor.QueueSize)
	assert.Equal(t, 10, cfg.Breaker.FailureThreshold)
	assert.False(t, cfg.Maintenance.WarmingEnabled)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 3, cfg.Processor.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [not a map"), 0o644))

	cfg := Default()
	assert.Error(t, cfg.LoadFile(path))
}

func TestLoadFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  active_ttl: soonish\n"), 0o644))

	cfg := Default()
	err := cfg.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestClamp(t *testing.T) {
	cfg := Default()
	cfg.Processor.Workers = 0
	cfg.Processor.QueueSize = 5_000_000
	cfg.Processor.SemaphoreLimit = -1
	cfg.Processor.MaxRetries = -4
	cfg.Processor.TaskTimeout = time.Millisecond
	cfg.Breaker.FailureThreshold = 0
	cfg.Cache.WarmingBatchSize = 0

	cfg.Clamp()

	assert.Equal(t, 1, cfg.Processor.Workers)
	assert.Equal(t, 100_000, cfg.Processor.QueueSize)
	assert.Equal(t, 1, cfg.Processor.SemaphoreLimit)
	assert.Equal(t, 0, cfg.Processor.MaxRetries)
	assert.Equal(t, time.Second, cfg.Processor.TaskTimeout)
	assert.Equal(t, 1, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 1, cfg.Cache.WarmingBatchSize)
}
