package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv() {
	os.Unsetenv("LYRA_LOG_LEVEL")
	os.Unsetenv("LYRA_LOG_FORMAT")
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.ConnectPolicy.AllowsAttempts())
	assert.True(t, cfg.RetryPolicy.AllowsAttempts())
	assert.True(t, cfg.RecoveryPolicy.AllowsAttempts())
	assert.True(t, cfg.RecoverConsumers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad(t *testing.T) {
	clearEnv()
	defer clearEnv()

	path := filepath.Join(t.TempDir(), "lyra.yaml")
	data := `
name: orders
retryPolicy:
  maxAttempts: 3
  intervalMs: 100
recoveryPolicy:
  maxDurationMs: 30000
  intervalMs: 1000
  backoffFactor: 2.0
  maxIntervalMs: 10000
recoverConsumers: false
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, 3, cfg.RetryPolicy.MaxAttempts())
	assert.Equal(t, 100*time.Millisecond, cfg.RetryPolicy.Interval())
	assert.Equal(t, 30*time.Second, cfg.RecoveryPolicy.MaxDuration())
	assert.Equal(t, 2.0, cfg.RecoveryPolicy.BackoffFactor())
	assert.False(t, cfg.RecoverConsumers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// omitted policies keep defaults
	assert.Equal(t, Unlimited, cfg.ConnectPolicy.MaxAttempts())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv()
	defer clearEnv()

	path := filepath.Join(t.TempDir(), "lyra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	os.Setenv("LYRA_LOG_LEVEL", "error")
	os.Setenv("LYRA_LOG_FORMAT", "console")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_RejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lyra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retryPolicy:\n  backoffFactor: 9.0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var verr ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
