package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
listen: "0.0.0.0:9000"
log_level: loud
proxy_url: "https://proxy.example.com/proxy"
window:
  days: 14
  backfill: -3
basic_auth:
  username: admin
  password: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://proxy.example.com/proxy", cfg.ProxyURL)
	assert.Equal(t, 14, cfg.Window.Days)
	assert.Equal(t, 0, cfg.Window.Backfill)
	assert.Equal(t, 4, cfg.FetchConcurrency)
	assert.Equal(t, 5000, cfg.MaxOccurrencesPerEvent)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.Nil(t, cfg.BasicAuth)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestInitialWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = WindowConfig{Days: 7, Backfill: 1}

	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
	w := cfg.InitialWindow(now)

	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC), w.End)
	assert.True(t, w.Valid())
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Asia/Seoul"
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", loc.String())

	cfg.Timezone = "Mars/Olympus"
	loc, err = cfg.Location()
	assert.Error(t, err)
	assert.Equal(t, time.Local, loc)
}
