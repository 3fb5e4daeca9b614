package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "app_", cfg.Metrics.Prefix)
	assert.Equal(t, "rdp", cfg.Cache.KeyPrefix)
	assert.Equal(t, "dead-letter-queue", cfg.DeadLetter.QueueName)
	assert.Equal(t, 7*24*time.Hour, cfg.DeadLetter.TTL.Std())
	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval.Std())
}

func TestLoad(t *testing.T) {
	t.Run("MissingPathUsesDefaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
logging:
  level: debug
  encoding: console
metrics:
  prefix: svc_
health:
  check_interval: 45s
cache:
  warmup_concurrency: 8
  default_ttl: 2h
`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Encoding)
		assert.Equal(t, "svc_", cfg.Metrics.Prefix)
		assert.Equal(t, 45*time.Second, cfg.Health.CheckInterval.Std())
		assert.Equal(t, 8, cfg.Cache.WarmupConcurrency)
		assert.Equal(t, 2*time.Hour, cfg.Cache.DefaultTTL.Std())
		// Untouched sections keep their defaults.
		assert.Equal(t, "rdp", cfg.Cache.KeyPrefix)
	})

	t.Run("EnvOverridesDefaults", func(t *testing.T) {
		t.Setenv("OPSCORE_SERVER_ADDR", ":7070")
		t.Setenv("OPSCORE_REDIS_ADDR", "redis.internal:6379")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.Server.Addr)
		assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
		assert.True(t, cfg.Redis.Enabled)
	})

	t.Run("UnreadableFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"EmptyAddr", func(c *Config) { c.Server.Addr = "" }},
		{"BadEncoding", func(c *Config) { c.Logging.Encoding = "xml" }},
		{"ZeroHistory", func(c *Config) { c.Alerting.MaxHistorySize = 0 }},
		{"ZeroWarmupConcurrency", func(c *Config) { c.Cache.WarmupConcurrency = 0 }},
		{"ZeroQueueAttempts", func(c *Config) { c.Queue.DefaultAttempts = 0 }},
		{"NegativeDLQRetries", func(c *Config) { c.DeadLetter.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
