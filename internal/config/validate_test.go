package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a Config that passes all validation checks.
func validConfig() *Config {
	return &Config{
		SMTP: SMTPConfig{
			LocalPort:      1025,
			MaxMessageSize: 52428800,
		},
		TargetSMTP: TargetSMTPConfig{
			Host: "smtp.example.com",
			Port: 587,
		},
		Queue: QueueConfig{
			Backend:    "kvstore",
			KVStoreURL: "redis://localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Strategy:              "token_bucket",
			Capacity:              10,
			RefillRate:            10,
			MaxRetries:            3,
			RetryDelayBaseSeconds: 60,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingTargetHost(t *testing.T) {
	cfg := validConfig()
	cfg.TargetSMTP.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_smtp.host is required")
}

func TestValidate_AuthRequiredNeedsCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.AuthRequired = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.auth_username is required")
	assert.Contains(t, err.Error(), "smtp.auth_password is required")
}

func TestValidate_UnknownQueueBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.Backend = "mongo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `queue.backend "mongo" is not one of kvstore, sql`)
}

func TestValidate_SQLBackendNeedsPath(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.Backend = "sql"
	cfg.Queue.SQLPath = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.sql_path is required")
}

func TestValidate_TokenBucketNeedsCapacityAndRefill(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.Capacity = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.capacity and rate_limit.refill_rate must be positive")
}

func TestValidate_FixedWindowNeedsWindowAndLimit(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.Strategy = "fixed_window"
	cfg.RateLimit.Window = 0
	cfg.RateLimit.Limit = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.window and rate_limit.limit must be positive")
}

func TestValidate_FixedWindowValid(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.Strategy = "fixed_window"
	cfg.RateLimit.Window = time.Second
	cfg.RateLimit.Limit = 10
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "smtp.local_port must be positive")
	assert.Contains(t, msg, "target_smtp.host is required")
	assert.True(t, strings.Count(msg, "\n  - ") > 1)
}
