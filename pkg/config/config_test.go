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

	assert.Equal(t, ":9006", cfg.Server.ListenAddr)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, 16, cfg.Oplog.MaxOperationsBeforeCommit)
	assert.Equal(t, uint32(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.MinDelay)
	assert.True(t, cfg.Sharding.Standalone)
	assert.Equal(t, 16, cfg.Sharding.NumberOfShards)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":7001"
storage:
  backend: memory
oplog:
  max_payload_size: 1024
retry:
  max_attempts: 7
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.ListenAddr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1024, cfg.Oplog.MaxPayloadSize)
	assert.Equal(t, uint32(7), cfg.Retry.MaxAttempts)
	// Untouched values keep their defaults.
	assert.Equal(t, uint64(4096), cfg.Oplog.ArchiveThreshold)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("GOLEM_STORAGE_BACKEND", "memory")
	t.Setenv("GOLEM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }},
		{"unknown blob backend", func(c *Config) { c.Storage.BlobBackend = "floppy" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis"; c.Redis.Addr = "" }},
		{"s3 without endpoint", func(c *Config) { c.Storage.BlobBackend = "s3"; c.S3.Endpoint = "" }},
		{"zero batch size", func(c *Config) { c.Oplog.MaxOperationsBeforeCommit = 0 }},
		{"too many layers", func(c *Config) { c.Oplog.ArchiveLayers = 3 }},
		{"zero retries", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"standalone without shards", func(c *Config) { c.Sharding.NumberOfShards = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
