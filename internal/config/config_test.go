package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EXEC_WORKERS", "")
	t.Setenv("DATABASE_ENABLED", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ExecWorkers)
	assert.Equal(t, 15*time.Second, cfg.ExecTimeout)
	assert.False(t, cfg.DatabaseEnabled)
	assert.Contains(t, cfg.DatabaseURL(), "sslmode=")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_HOST", "0.0.0.0")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("EXEC_WORKERS", "8")
	t.Setenv("EXEC_TIMEOUT", "2s")
	t.Setenv("DATABASE_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
	assert.Equal(t, 8, cfg.ExecWorkers)
	assert.Equal(t, 2*time.Second, cfg.ExecTimeout)
	assert.True(t, cfg.DatabaseEnabled)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadRejectsBadWorkerCount(t *testing.T) {
	t.Setenv("EXEC_WORKERS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("EXEC_QUEUE_SIZE", "lots")
	t.Setenv("SWITCH_SETTLE_DELAY", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.ExecQueueSize)
	assert.Equal(t, 300*time.Millisecond, LoadClient().SettleDelay)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("COLLAB_SERVER_URL", "wss://rooms.example.com")
	t.Setenv("SWITCH_SETTLE_DELAY", "500ms")
	t.Setenv("REPLICA_SYNC_TIMEOUT", "2s")

	cfg := LoadClient()
	assert.Equal(t, "wss://rooms.example.com", cfg.ServerURL)
	assert.Equal(t, "main.py", cfg.DefaultFile)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, 2*time.Second, cfg.SyncTimeout)
}
