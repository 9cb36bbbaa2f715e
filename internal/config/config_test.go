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
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Service.Add)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Bus.PublishTimeout)
	assert.Equal(t, 4096, cfg.Gateway.MaxContentBytes)
	assert.Equal(t, 256, cfg.Gateway.OutboundQueueSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Gateway.EnqueueTimeout)
	assert.Equal(t, 3, cfg.Gateway.MaxSendFailures)
	assert.Equal(t, 10*time.Second, cfg.Gateway.WriteTimeout)
	assert.Equal(t, "notifications", cfg.Worker.Stream)
	assert.Equal(t, "TEXT", cfg.Logger.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  driver: nats
  publish_timeout: 1s
gateway:
  max_content_bytes: 1024
auth:
  secret: from-file
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, time.Second, cfg.Bus.PublishTimeout)
	assert.Equal(t, 1024, cfg.Gateway.MaxContentBytes)
	assert.Equal(t, "from-file", cfg.Auth.Secret)
	assert.Equal(t, "JSON", cfg.Logger.Format)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret": {"JWT_SECRET": ""},
		"bad bus":        {"JWT_SECRET": "x", "BUS_DRIVER": "kafka"},
		"bad store":      {"JWT_SECRET": "x", "STORE_DRIVER": "mongo"},
		"bad exporter":   {"JWT_SECRET": "x", "TELEMETRY_EXPORTER": "zipkin"},
		"ping too slow":  {"JWT_SECRET": "x", "PING_INTERVAL": "2m", "PONG_WAIT": "1m"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	require.ErrorIs(t, err, ErrConfigReadFailed)
}
