// Package config loads and validates the opscore service configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Health     HealthConfig     `yaml:"health" json:"health"`
	Alerting   AlertingConfig   `yaml:"alerting" json:"alerting"`
	Optimize   OptimizeConfig   `yaml:"optimize" json:"optimize"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter" json:"dead_letter"`
}

// ServerConfig configures the admin HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr" json:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig configures the root zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"` // json or console
}

// RedisConfig configures the key-value store client.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// Enabled selects the redis store; when false the in-memory store is used.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// MetricsConfig configures the metric registry.
type MetricsConfig struct {
	Prefix          string   `yaml:"prefix" json:"prefix"`
	CollectInterval Duration `yaml:"collect_interval" json:"collect_interval"`
}

// HealthConfig configures the health registry.
type HealthConfig struct {
	CheckInterval Duration `yaml:"check_interval" json:"check_interval"`
	CheckTimeout  Duration `yaml:"check_timeout" json:"check_timeout"`
}

// AlertingConfig configures the alert engine.
type AlertingConfig struct {
	MaxHistorySize int `yaml:"max_history_size" json:"max_history_size"`
}

// OptimizeConfig configures the optimization loop.
type OptimizeConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	Automatic        bool     `yaml:"automatic" json:"automatic"`
	AnalysisInterval Duration `yaml:"analysis_interval" json:"analysis_interval"`
}

// CacheConfig configures the cache service and warmer.
type CacheConfig struct {
	KeyPrefix         string   `yaml:"key_prefix" json:"key_prefix"`
	DefaultTTL        Duration `yaml:"default_ttl" json:"default_ttl"`
	LockTTL           Duration `yaml:"lock_ttl" json:"lock_ttl"`
	WarmupConcurrency int      `yaml:"warmup_concurrency" json:"warmup_concurrency"`
	WarmupTimeout     Duration `yaml:"warmup_timeout" json:"warmup_timeout"`
}

// QueueConfig configures job queue defaults.
type QueueConfig struct {
	DefaultAttempts int      `yaml:"default_attempts" json:"default_attempts"`
	BackoffBase     Duration `yaml:"backoff_base" json:"backoff_base"`
}

// DeadLetterConfig configures the dead-letter queue.
type DeadLetterConfig struct {
	QueueName     string   `yaml:"queue_name" json:"queue_name"`
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	RetryInterval Duration `yaml:"retry_interval" json:"retry_interval"`
	TTL           Duration `yaml:"ttl" json:"ttl"`
	CleanupEvery  Duration `yaml:"cleanup_every" json:"cleanup_every"`
}

// Default returns the configuration defaults used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Prefix:          "app_",
			CollectInterval: Duration(10 * time.Second),
		},
		Health: HealthConfig{
			CheckInterval: Duration(30 * time.Second),
			CheckTimeout:  Duration(5 * time.Second),
		},
		Alerting: AlertingConfig{
			MaxHistorySize: 1000,
		},
		Optimize: OptimizeConfig{
			Enabled:          true,
			AnalysisInterval: Duration(5 * time.Minute),
		},
		Cache: CacheConfig{
			KeyPrefix:         "rdp",
			DefaultTTL:        Duration(time.Hour),
			LockTTL:           Duration(10 * time.Second),
			WarmupConcurrency: 5,
			WarmupTimeout:     Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			DefaultAttempts: 3,
			BackoffBase:     Duration(time.Second),
		},
		DeadLetter: DeadLetterConfig{
			QueueName:     "dead-letter-queue",
			MaxRetries:    3,
			RetryInterval: Duration(time.Minute),
			TTL:           Duration(7 * 24 * time.Hour),
			CleanupEvery:  Duration(24 * time.Hour),
		},
	}
}

// Load reads configuration from path, falling back to defaults for absent
// fields, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies OPSCORE_* environment overrides for the settings that are
// commonly changed per deployment.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPSCORE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("OPSCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OPSCORE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("OPSCORE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OPSCORE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("OPSCORE_METRICS_PREFIX"); v != "" {
		c.Metrics.Prefix = v
	}
}

// Validate rejects configurations that cannot be started.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding)
	}
	if c.Alerting.MaxHistorySize <= 0 {
		return fmt.Errorf("alerting.max_history_size must be positive")
	}
	if c.Cache.WarmupConcurrency <= 0 {
		return fmt.Errorf("cache.warmup_concurrency must be positive")
	}
	if c.Queue.DefaultAttempts <= 0 {
		return fmt.Errorf("queue.default_attempts must be positive")
	}
	if c.DeadLetter.MaxRetries < 0 {
		return fmt.Errorf("dead_letter.max_retries must not be negative")
	}
	return nil
}
