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

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "maestro.db", cfg.Storage.Path)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 5, cfg.Queue.DefaultPriority)
	assert.Equal(t, 5*time.Minute, cfg.Lock.DefaultTTL)
	assert.Equal(t, 3, cfg.Webhook.Attempts)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 54*time.Second, cfg.Server.WSHeartbeat())
}

func TestHeartbeatFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  ws_heartbeat_interval_seconds: 15
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Server.WSHeartbeat())
}

func TestJWTKeysCarriedOpaquely(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jwt:
  secret: s3cret
  issuer: maestro
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWT["secret"])
	assert.Equal(t, "maestro", cfg.JWT["issuer"])
}

func TestValidationHeartbeat(t *testing.T) {
	t.Setenv("MAESTRO_SERVER_WS_HEARTBEAT_INTERVAL_SECONDS", "0")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws_heartbeat_interval_seconds")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  debug: true
storage:
  path: /var/lib/maestro/state.db
queue:
  max_concurrent: 8
log:
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "/var/lib/maestro/state.db", cfg.Storage.Path)
	assert.Equal(t, 8, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "json", cfg.Log.Format)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("MAESTRO_SERVER_PORT", "7070")
	t.Setenv("MAESTRO_STORAGE_PATH", ":memory:")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Storage.Path)
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidation(t *testing.T) {
	t.Setenv("MAESTRO_SERVER_PORT", "70000")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestValidationLogFormat(t *testing.T) {
	t.Setenv("MAESTRO_LOG_FORMAT", "xml")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}
