package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 3*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "file", cfg.Archives.Source)
	assert.Equal(t, 8, cfg.Dispatch.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CACHE_TYPE", "redis")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("DISPATCH_MAX_CONCURRENCY", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AUTH_REQUIRED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Dispatch.MaxConcurrency)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=debug\nARCHIVES_FILE=/etc/viewerhub/archives.toml\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("ARCHIVES_FILE")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/etc/viewerhub/archives.toml", cfg.Archives.File)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "http")
	t.Setenv("CACHE_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
	assert.Contains(t, err.Error(), "CACHE_TTL")
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Chdir(t.TempDir())
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"bad cache type", func(c *Config) { c.Cache.Type = "memcached" }, "invalid cache type"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache TTL"},
		{"bad source", func(c *Config) { c.Archives.Source = "ldap" }, "invalid archives source"},
		{"database source without database", func(c *Config) { c.Archives.Source = "database" }, "DB_ENABLED"},
		{"no concurrency", func(c *Config) { c.Dispatch.MaxConcurrency = 0 }, "max concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AuditNeedsDatabase(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Audit.Enabled)
}
