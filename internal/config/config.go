// Package config loads the relay's configuration from defaults, an
// optional YAML file, and environment variables, matching the
// teacher's koanf-based layering (defaults -> file -> env).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete application configuration, matching spec
// §6's enumerated sections plus one ambient metrics section.
type Config struct {
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	TargetSMTP TargetSMTPConfig `mapstructure:"target_smtp"`
	Queue      QueueConfig      `mapstructure:"queue"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// SMTPConfig holds ingress SMTP server settings.
type SMTPConfig struct {
	LocalHost       string `mapstructure:"local_host"`
	LocalPort       int    `mapstructure:"local_port"`
	AuthRequired    bool   `mapstructure:"auth_required"`
	AuthUsername    string `mapstructure:"auth_username"`
	AuthPassword    string `mapstructure:"auth_password"`
	RequireStartTLS bool   `mapstructure:"require_starttls"`
	MaxMessageSize  int64  `mapstructure:"max_message_size"`
}

// TargetSMTPConfig holds upstream smart-host settings.
type TargetSMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// QueueConfig holds the queue backend selection and its per-backend
// connection settings.
type QueueConfig struct {
	Backend    string `mapstructure:"backend"`
	KVStoreURL string `mapstructure:"kvstore_url"`
	SQLPath    string `mapstructure:"sql_path"`
}

// RateLimitConfig holds the rate limiter strategy and its per-strategy
// knobs, plus the retry budget the worker applies.
type RateLimitConfig struct {
	Strategy   string        `mapstructure:"strategy"`
	Capacity   float64       `mapstructure:"capacity"`
	RefillRate float64       `mapstructure:"refill_rate"`
	Window     time.Duration `mapstructure:"window"`
	Limit      int           `mapstructure:"limit"`
	BucketCap  float64       `mapstructure:"bucket_capacity"`
	LeakRate   float64       `mapstructure:"leak_rate"`

	MaxRetries            int `mapstructure:"max_retries"`
	RetryDelayBaseSeconds int `mapstructure:"retry_delay_base_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the ambient Prometheus exporter's listen
// address, per SPEC_FULL §6.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// defaults returns the default configuration as a flat map using
// koanf's "." delimiter for nested keys.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"smtp.local_host":       "0.0.0.0",
		"smtp.local_port":       1025,
		"smtp.auth_required":    false,
		"smtp.auth_username":    "",
		"smtp.auth_password":    "",
		"smtp.require_starttls": false,
		"smtp.max_message_size": 52428800,

		"target_smtp.host":     "smtp.gmail.com",
		"target_smtp.port":     587,
		"target_smtp.username": "",
		"target_smtp.password": "",
		"target_smtp.use_tls":  true,

		"queue.backend":     "kvstore",
		"queue.kvstore_url": "redis://localhost:6379",
		"queue.sql_path":    "/data/queue.db",

		"rate_limit.strategy":                 "token_bucket",
		"rate_limit.capacity":                 10,
		"rate_limit.refill_rate":              10,
		"rate_limit.window":                   "1s",
		"rate_limit.limit":                    10,
		"rate_limit.bucket_capacity":          10,
		"rate_limit.leak_rate":                10,
		"rate_limit.max_retries":              3,
		"rate_limit.retry_delay_base_seconds": 60,

		"log.level":  "info",
		"log.format": "json",

		"metrics.listen_addr": ":9090",
	}
}

// Load reads the configuration from defaults, an optional YAML file,
// and environment variables (prefix RELAY_). Later sources override
// earlier ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// RELAY_LOG_LEVEL -> log.level. Every underscore becomes a dot, so a
	// multi-word section or key is not reachable: RELAY_SMTP_LOCAL_PORT
	// maps to smtp.local.port, not smtp.local_port.
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "RELAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}
