package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestLoad reads a file, fills defaults, and expands secret references.
func TestLoad(t *testing.T) {
	t.Run("file values and defaults", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  type: sqlite
  dsn: /var/lib/noetl/events.db
worker:
  batch: 16
log:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		require.Equal(t, "sqlite", cfg.Storage.Type)
		require.Equal(t, "/var/lib/noetl/events.db", cfg.Storage.DSN)
		require.Equal(t, 16, cfg.Worker.Batch)
		require.Equal(t, "debug", cfg.Log.Level)

		// Unset keys fall back to defaults.
		require.Equal(t, "1s", cfg.Broker.PollInterval)
		require.Equal(t, 3, cfg.Broker.MaxDeliveries)
		require.Equal(t, "memory", cfg.Broker.Wake.Type)
		require.Equal(t, "30s", cfg.Worker.Visibility)
		require.Equal(t, "env", cfg.Secrets.Type)
		require.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("environment overrides", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  type: sqlite
`)
		t.Setenv("STORAGE_TYPE", "postgres")
		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "postgres", cfg.Storage.Type)
	})

	t.Run("secret reference expansion", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  type: postgres
  dsn: ${TEST_NOETL_DSN}
secrets:
  type: vault
  vault_token: ${TEST_NOETL_VAULT_TOKEN}
`)
		t.Setenv("TEST_NOETL_DSN", "postgres://app@db/noetl")
		t.Setenv("TEST_NOETL_VAULT_TOKEN", "s.abcdef")

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "postgres://app@db/noetl", cfg.Storage.DSN)
		require.Equal(t, "s.abcdef", cfg.Secrets.VaultToken)
	})

	t.Run("unresolved reference passes through", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  dsn: ${TEST_NOETL_UNSET_VAR}
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "${TEST_NOETL_UNSET_VAR}", cfg.Storage.DSN)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

// TestDuration parses configured durations with a fallback.
func TestDuration(t *testing.T) {
	require.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	require.Equal(t, time.Minute, Duration("", time.Minute))
	require.Equal(t, time.Minute, Duration("garbage", time.Minute))
}
