package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chute-io/chute/internal/config"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Serve.Listen)
	assert.Nil(t, cfg.Engine.BufferSize)
	assert.Nil(t, cfg.Log.Level)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chute")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[serve]
listen = "0.0.0.0:9021"
root = "/srv/files"
tls = true
bwlimit = "100MB"
deny = ["*.key", ".git/**"]

[fetch]
compression = "zstd"

[engine]
buffer_size = "128KB"
idle_retry_budget = 16
zero_copy = false

[log]
level = "debug"
json = true
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Serve.Listen)
	assert.Equal(t, "0.0.0.0:9021", *cfg.Serve.Listen)

	require.NotNil(t, cfg.Serve.Root)
	assert.Equal(t, "/srv/files", *cfg.Serve.Root)

	require.NotNil(t, cfg.Serve.TLS)
	assert.True(t, *cfg.Serve.TLS)

	require.NotNil(t, cfg.Serve.BWLimit)
	assert.Equal(t, "100MB", *cfg.Serve.BWLimit)

	assert.Equal(t, []string{"*.key", ".git/**"}, cfg.Serve.Deny)

	require.NotNil(t, cfg.Fetch.Compression)
	assert.Equal(t, "zstd", *cfg.Fetch.Compression)

	require.NotNil(t, cfg.Engine.BufferSize)
	assert.Equal(t, "128KB", *cfg.Engine.BufferSize)

	require.NotNil(t, cfg.Engine.IdleRetryBudget)
	assert.Equal(t, 16, *cfg.Engine.IdleRetryBudget)

	require.NotNil(t, cfg.Engine.ZeroCopy)
	assert.False(t, *cfg.Engine.ZeroCopy)

	require.NotNil(t, cfg.Log.Level)
	assert.Equal(t, "debug", *cfg.Log.Level)

	require.NotNil(t, cfg.Log.JSON)
	assert.True(t, *cfg.Log.JSON)

	// Unset fields should remain nil.
	assert.Nil(t, cfg.Serve.QUICListen)
	assert.Nil(t, cfg.Serve.AuthorizedKeys)
	assert.Nil(t, cfg.Fetch.Fingerprint)
}

func TestLoad_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chute")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[log]
level = "warn"
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	// Serve section entirely absent.
	assert.Nil(t, cfg.Serve.Listen)
	assert.Nil(t, cfg.Serve.TLS)

	require.NotNil(t, cfg.Log.Level)
	assert.Equal(t, "warn", *cfg.Log.Level)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chute")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/chute/config.toml", config.Path())
}
