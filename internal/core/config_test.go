package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadConfigLayers(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
fleet:
  prefix: zoom
  plan: cx21
providers:
  default: hetzner
  hetzner:
    token: from-yaml
ssh:
  user: root
defaults:
  pause_seconds: 1.5
`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# tokens\nHCLOUD_TOKEN=\"from-secrets\"\nexport VULTR_API_KEY=v\n"), 0600))
	t.Setenv("SYN_PLAN", "cx31")

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "zoom", cfg.Fleet.Prefix)
	assert.Equal(t, "cx31", cfg.Fleet.Plan)
	assert.Equal(t, "from-secrets", cfg.Providers.Hetzner.Token)
	assert.Equal(t, "v", cfg.Providers.Vultr.Token)
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 100, cfg.Defaults.PoolSize)
	assert.Equal(t, "1.5s", cfg.Pause().String())
	assert.Equal(t, "cd bot;git pull", cfg.Commands.Deploy)
	require.NoError(t, cfg.Validate())

	t.Setenv("HCLOUD_TOKEN", "from-env")
	cfg, err = LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Providers.Hetzner.Token)
}

func TestLoadConfigDefaultPathOptional(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SYN_USER", "bot")
	t.Setenv("SYN_PROVIDER", "digitalocean")
	t.Setenv("DIGITALOCEAN_ACCESS_TOKEN", "tok")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "synthetic-bot", cfg.Fleet.Prefix)
	assert.Equal(t, "digitalocean", cfg.Providers.Default)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateMissingValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYN_USER")
	assert.Contains(t, err.Error(), "HCLOUD_TOKEN")
}

func TestLoadServerKey(t *testing.T) {
	dir := t.TempDir()
	key, err := LoadServerKey(filepath.Join(dir, "key.txt"))
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.txt"), []byte("abc123\n"), 0600))
	key, err = LoadServerKey(filepath.Join(dir, "key.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)
}
