package service

import (
	"math/rand"
	"time"
)

// Config tunes the compare-and-swap retry loop.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.BackoffCap
	}
	return c
}

// backoff computes the delay before retry number attempt. Exponential with
// up to 50% uniform jitter so colliding webhook deliveries for the same
// account don't retry in lockstep; capped to keep total latency well under
// request timeouts.
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BackoffBase << (attempt - 1)
	if delay > c.BackoffCap {
		delay = c.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}
