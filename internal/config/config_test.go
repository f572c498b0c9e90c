package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksiegai/abgate/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "ab_test", cfg.Cookies.Prefix)
	assert.Equal(t, "abgate_sid", cfg.Cookies.SessionName)
	assert.Equal(t, 30*time.Minute, cfg.Workers.PageViewTTL)
	assert.False(t, cfg.Production())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
port: 9090
environment: production
store:
  driver: postgres
  dsn: postgres://localhost/abgate
relay:
  app_subdomain: panel
  dev_app_port: 5173
static:
  url: https://cdn.ksiegai.pl/ab.json
  ttl: 30s
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.True(t, cfg.Production())
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "panel", cfg.Relay.AppSubdomain)
	assert.Equal(t, 5173, cfg.Relay.DevAppPort)
	assert.Equal(t, 30*time.Second, cfg.Static.TTL)
	// Untouched sections keep their defaults.
	assert.Equal(t, "ab_test", cfg.Cookies.Prefix)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "port: 9090\n")
	t.Setenv("ABGATE_PORT", "7000")
	t.Setenv("ABGATE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ABGATE_TASK_TIMEOUT", "not-a-duration")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Mirror.RedisURL)
	assert.Equal(t, 5*time.Second, cfg.Workers.TaskTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad port":   "port: 70000\n",
		"bad driver": "store:\n  driver: mysql\n",
		"bad env":    "environment: moon\n",
		"bad static": "static:\n  url: ftp://example.com/ab.json\n",
		"bad level":  "log_level: loud\n",
		"short ttl":  "workers:\n  page_view_ttl: 30s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, body))
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 9191
	path := filepath.Join(t.TempDir(), "nested", "abgate.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, loaded.Port)
	assert.Equal(t, cfg.Relay.MaxAge, loaded.Relay.MaxAge)
}
