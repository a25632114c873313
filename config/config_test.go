package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, BackendMemory, cfg.CacheBackend)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval())
	assert.Equal(t, time.Hour, cfg.CacheTTL())
	assert.Equal(t, 10*time.Second, cfg.LoadTimeout())
	assert.Equal(t, 1000, cfg.HistoryMaxOps)
	assert.Equal(t, 30, cfg.EventRatePerSecond.Document)
	assert.Equal(t, 50, cfg.EventRatePerSecond.General)
	assert.Equal(t, 10, cfg.ConnectionRatePerMinute)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
listenAddr: ":9090"
cacheBackend: redis
flushIntervalMs: 500
adminUserId: root
eventRatePerSecond:
  document: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, BackendRedis, cfg.CacheBackend)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval())
	assert.Equal(t, "root", cfg.AdminUserID)
	assert.Equal(t, 5, cfg.EventRatePerSecond.Document)
	// Unset keys keep their defaults.
	assert.Equal(t, 50, cfg.EventRatePerSecond.General)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COLLABEDIT_REDISADDR", "redis.internal:6379")
	t.Setenv("COLLABEDIT_CACHEBACKEND", "badger")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, BackendBadger, cfg.CacheBackend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cacheBackend: tape\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache backend")
}
