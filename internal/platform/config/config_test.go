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
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.Session.StatusCooldown)
	assert.Equal(t, 350*time.Millisecond, cfg.Sync.RequestDelay)
	assert.False(t, cfg.Xero.HasCredentials())
	assert.NotEmpty(t, cfg.Session.SigningKey)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9999\"\nxero:\n  client_id: file-id\n  client_secret: file-secret\n"), 0o600))

	t.Setenv("XEROLINK_CONFIG", path)
	t.Setenv("XEROLINK_ADDR", ":7777")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Addr, "environment wins over file")
	assert.Equal(t, "file-id", cfg.Xero.ClientID)
	assert.True(t, cfg.Xero.HasCredentials())
}

func TestBadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unclosed"), 0o600))

	t.Setenv("XEROLINK_CONFIG", path)
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestHasCredentials(t *testing.T) {
	assert.False(t, Xero{ClientID: "id"}.HasCredentials())
	assert.False(t, Xero{ClientSecret: "secret"}.HasCredentials())
	assert.True(t, Xero{ClientID: "id", ClientSecret: "secret"}.HasCredentials())
}
