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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, Default().PollInterval, cfg.PollInterval)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxBackoff)
	assert.True(t, cfg.Retry.Exponential)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 1048576, cfg.MaxEventPayloadSize)
	assert.True(t, cfg.EnableHistory)
	assert.True(t, cfg.ImmediateProcessing)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreaker.Window)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, Default().Retention, cfg.Retention)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("EVENTBUS_POLL_INTERVAL", "250ms")
	t.Setenv("EVENTBUS_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("EVENTBUS_CIRCUIT_BREAKER_FAILURE_THRESHOLD", "2")
	t.Setenv("EVENTBUS_IMMEDIATE_PROCESSING", "false")
	t.Setenv("EVENTBUS_KAFKA_EVENTS", "crm:lead.created,notes:note.added")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
	assert.False(t, cfg.ImmediateProcessing)
	assert.Equal(t, []string{"crm:lead.created", "notes:note.added"}, cfg.Kafka.Events)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("EVENTBUS_BATCH_SIZE=25\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("EVENTBUS_BATCH_SIZE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchSize)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("EVENTBUS_BATCH_SIZE", "0")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "batch_size must be positive")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventbus.yaml")
	content := `
poll_interval: 2s
retry:
  max_attempts: 5
  backoff: 500ms
circuit_breaker:
  recovery_timeout: 1m
database:
  driver: pgx
  dsn: postgres://localhost/eventbus
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, time.Minute, cfg.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "pgx", cfg.Database.Driver)
}

func TestManager_SetAndReset(t *testing.T) {
	m := NewManager(Default())

	err := m.Set(Patch{
		ImmediateProcessing: Ptr(false),
		RetryMaxAttempts:    Ptr(9),
		QueryTimeout:        Ptr(time.Second),
	})
	require.NoError(t, err)

	cfg := m.Get()
	assert.False(t, cfg.ImmediateProcessing)
	assert.Equal(t, 9, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.QueryTimeout)
	assert.True(t, cfg.Enabled)

	m.Reset()
	assert.Equal(t, Default(), m.Get())
}

func TestManager_SetRejectsInvalid(t *testing.T) {
	m := NewManager(Default())

	err := m.Set(Patch{BatchSize: Ptr(10), PollInterval: Ptr(time.Duration(0))})
	assert.ErrorContains(t, err, "poll_interval must be positive")
	assert.Equal(t, 100, m.Get().BatchSize)
}
