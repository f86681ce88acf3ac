package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
ledger:
  driver: sqlite
  sqlite:
    path: /tmp/ledger.db
smtp:
  host: smtp.example.com
  from: notifier@example.com
source:
  enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
queue:
  capacity: 32
retry:
  max_attempts: 5
  initial_backoff: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Ledger.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.SQLite.Path)
	assert.Equal(t, 32, cfg.Queue.Capacity)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialBackoff)

	// Untouched keys keep their defaults.
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Worker.Count)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 30*time.Second, cfg.Source.AckWait)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	t.Setenv("NOTIFIER_SMTP__HOST", "mail.internal")
	t.Setenv("NOTIFIER_WORKER__COUNT", "12")
	t.Setenv("NOTIFIER_RETRY__MAX_BACKOFF", "30s")
	t.Setenv("NOTIFIER_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.internal", cfg.SMTP.Host)
	assert.Equal(t, 12, cfg.Worker.Count)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Ledger.Driver = DriverMemory
		cfg.SMTP.Host = "smtp.example.com"
		cfg.SMTP.From = "notifier@example.com"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "mysql" }},
		{"postgres without url", func(c *Config) { c.Ledger.Driver = DriverPostgres }},
		{"redis without addr", func(c *Config) { c.Ledger.Driver = DriverRedis; c.Ledger.Redis.Addr = "" }},
		{"zero queue capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"max backoff below initial", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"smtp without host", func(c *Config) { c.SMTP.Host = "" }},
		{"smtp bad from", func(c *Config) { c.SMTP.From = "not-an-email" }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }},
		{"lease shorter than retry horizon", func(c *Config) { c.Ledger.Lease = time.Minute }},
		{"ack wait too short for in-progress signals", func(c *Config) { c.Source.AckWait = 100 * time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestRetryHorizon(t *testing.T) {
	cfg := Default()
	cfg.Retry = RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    time.Second,
		MaxBackoff:        3 * time.Second,
		BackoffMultiplier: 2,
	}
	cfg.Worker.SendTimeout = 10 * time.Second

	// 4 sends of 10s plus backoffs of 1s, 2s and 3s (capped).
	assert.Equal(t, 46*time.Second, cfg.RetryHorizon())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "ledger.postgres.url", envKey("NOTIFIER_LEDGER__POSTGRES__URL"))
	assert.Equal(t, "retry.max_attempts", envKey("NOTIFIER_RETRY__MAX_ATTEMPTS"))
}
