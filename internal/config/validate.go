package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and invalid
// values, collecting every failure into one error so an operator sees
// all problems at once (teacher idiom, internal/config/validate.go).
func (c *Config) Validate() error {
	var errs []string

	if c.SMTP.LocalPort <= 0 {
		errs = append(errs, "smtp.local_port must be positive")
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, "smtp.max_message_size must be positive")
	}
	if c.SMTP.AuthRequired {
		if c.SMTP.AuthUsername == "" {
			errs = append(errs, "smtp.auth_username is required when smtp.auth_required is true")
		}
		if c.SMTP.AuthPassword == "" {
			errs = append(errs, "smtp.auth_password is required when smtp.auth_required is true")
		}
	}

	if c.TargetSMTP.Host == "" {
		errs = append(errs, "target_smtp.host is required")
	}
	if c.TargetSMTP.Port <= 0 {
		errs = append(errs, "target_smtp.port must be positive")
	}

	switch c.Queue.Backend {
	case "kvstore":
		if c.Queue.KVStoreURL == "" {
			errs = append(errs, "queue.kvstore_url is required when queue.backend is kvstore")
		}
	case "sql":
		if c.Queue.SQLPath == "" {
			errs = append(errs, "queue.sql_path is required when queue.backend is sql")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.backend %q is not one of kvstore, sql", c.Queue.Backend))
	}

	switch c.RateLimit.Strategy {
	case "token_bucket":
		if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillRate <= 0 {
			errs = append(errs, "rate_limit.capacity and rate_limit.refill_rate must be positive for token_bucket")
		}
	case "fixed_window":
		if c.RateLimit.Window <= 0 || c.RateLimit.Limit <= 0 {
			errs = append(errs, "rate_limit.window and rate_limit.limit must be positive for fixed_window")
		}
	case "leaky_bucket":
		if c.RateLimit.BucketCap <= 0 || c.RateLimit.LeakRate <= 0 {
			errs = append(errs, "rate_limit.bucket_capacity and rate_limit.leak_rate must be positive for leaky_bucket")
		}
	case "composite":
		// Composite has no scalar knobs of its own; sub-strategies are
		// wired by the caller assembling the ratelimit.Config tree.
	default:
		errs = append(errs, fmt.Sprintf(
			"rate_limit.strategy %q is not one of token_bucket, fixed_window, leaky_bucket, composite",
			c.RateLimit.Strategy))
	}
	if c.RateLimit.MaxRetries < 0 {
		errs = append(errs, "rate_limit.max_retries must be non-negative")
	}
	if c.RateLimit.RetryDelayBaseSeconds <= 0 {
		errs = append(errs, "rate_limit.retry_delay_base_seconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
