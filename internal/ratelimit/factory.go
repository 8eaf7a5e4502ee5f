package ratelimit

import (
	"fmt"
	"time"
)

// Strategy names a rate-limiter variant, matched against config at
// startup (spec §9's interface-abstraction + tagged-variant note).
type Strategy string

const (
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedWindow Strategy = "fixed_window"
	StrategyLeakyBucket Strategy = "leaky_bucket"
	StrategyComposite   Strategy = "composite"
)

// Config carries every per-strategy knob spec §6 names; only the
// fields relevant to the selected Strategy are read.
type Config struct {
	Strategy Strategy

	Capacity   float64
	RefillRate float64

	Window time.Duration
	Limit  int

	BucketCapacity float64
	LeakRate       float64

	// Composite chains the named sub-strategies in order.
	Composite []Config
}

// New builds the limiter named by cfg.Strategy.
func New(cfg Config) (Limiter, error) {
	switch cfg.Strategy {
	case StrategyTokenBucket:
		return NewTokenBucket(cfg.Capacity, cfg.RefillRate), nil
	case StrategyFixedWindow:
		return NewFixedWindow(cfg.Window, cfg.Limit), nil
	case StrategyLeakyBucket:
		return NewLeakyBucket(cfg.BucketCapacity, cfg.LeakRate), nil
	case StrategyComposite:
		sub := make([]Limiter, 0, len(cfg.Composite))
		for _, c := range cfg.Composite {
			l, err := New(c)
			if err != nil {
				return nil, err
			}
			sub = append(sub, l)
		}
		return NewComposite(sub...), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown strategy %q", cfg.Strategy)
	}
}
