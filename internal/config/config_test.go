package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no config file in scope

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "importd.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxBytes)
	assert.Equal(t, 500000, cfg.Upload.MaxRows)
	assert.Equal(t, 200, cfg.Upload.MaxColumns)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Worker.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Worker.BackoffMax)
	assert.Equal(t, 500, cfg.Worker.RecordBatchSize)
	assert.Equal(t, 3, cfg.Stream.MaxConcurrentPerIdentity)
	assert.Equal(t, 10*time.Minute, cfg.Stream.MaxDuration)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("IMPORTD_SERVER_PORT", "9191")
	t.Setenv("IMPORTD_STORE_DRIVER", "postgres")
	t.Setenv("IMPORTD_WORKER_MAX_ATTEMPTS", "5")
	t.Setenv("IMPORTD_STREAM_MAX_DURATION", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Stream.MaxDuration)
}

func TestInitLogger_RejectsBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shouty", Format: "json"})
	require.Error(t, err)
}

func TestInitLogger_ConsoleFormat(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
