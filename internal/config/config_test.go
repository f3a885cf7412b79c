package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"storage": {"backend": "minio", "bucket": "reports", "presign_ttl": "15m"},
		"normalize": {"max_bytes": 2097152}
	}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Storage.PresignTTL.Std())
	assert.Equal(t, int64(2097152), cfg.Normalize.MaxBytes)
	assert.Equal(t, 85, cfg.Normalize.Quality, "unset keys keep their defaults")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CONDITION_STORAGE_BACKEND", " MINIO ")
	t.Setenv("CONDITION_CACHE_BACKEND", "redis")
	t.Setenv("CONDITION_CACHE_REDIS_ADDR", "localhost:6379")
	t.Setenv("CONDITION_REHYDRATE_INTERVAL", "5s")
	t.Setenv("CONDITION_SESSION_ORGANISATION_ID", "org-9")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Second, cfg.Rehydrate.Interval.Std())
	assert.Equal(t, "org-9", cfg.Session.OrganisationID)
	assert.Equal(t, "condition", cfg.Session.ReportType)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quality", func(c *Config) { c.Normalize.Quality = 0 }},
		{"min quality above quality", func(c *Config) { c.Normalize.MinQuality = 95 }},
		{"format", func(c *Config) { c.Normalize.Format = "gif" }},
		{"storage backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"vision without model", func(c *Config) { c.Vision.Enabled = true; c.Vision.Model = "" }},
		{"vision with unknown backend", func(c *Config) { c.Vision.Enabled = true; c.Vision.Backend = "openai" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Storage.SecretKey = "do-not-write"
	require.NoError(t, cfg.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "do-not-write")

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Rehydrate.Interval, loaded.Rehydrate.Interval)
}

func TestConditionConfig(t *testing.T) {
	cfg := Default()
	cfg.Normalize.MaxBytes = 1 << 20
	cc := cfg.Condition()
	assert.Equal(t, int64(1<<20), cc.Normalize.MaxBytes)
	assert.Equal(t, time.Hour, cc.SignedURLTTL)
}
