package service

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentiallyWithJitter(t *testing.T) {
	cfg := DefaultConfig()

	for attempt := 1; attempt <= 4; attempt++ {
		expected := cfg.BackoffBase << (attempt - 1)
		if expected > cfg.BackoffCap {
			expected = cfg.BackoffCap
		}
		for i := 0; i < 100; i++ {
			delay := cfg.backoff(attempt)
			if delay < expected {
				t.Fatalf("attempt %d: delay %v below base %v", attempt, delay, expected)
			}
			if max := expected + expected/2; delay > max {
				t.Fatalf("attempt %d: delay %v above jitter ceiling %v", attempt, delay, max)
			}
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{MaxAttempts: 10, BackoffBase: 50 * time.Millisecond, BackoffCap: 250 * time.Millisecond}

	for i := 0; i < 100; i++ {
		if delay := cfg.backoff(10); delay > 375*time.Millisecond {
			t.Fatalf("capped delay %v exceeds 1.5x cap", delay)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxAttempts != 4 {
		t.Fatalf("MaxAttempts = %d, want 4", cfg.MaxAttempts)
	}
	if cfg.BackoffBase != 50*time.Millisecond {
		t.Fatalf("BackoffBase = %v, want 50ms", cfg.BackoffBase)
	}
	if cfg.BackoffCap != 250*time.Millisecond {
		t.Fatalf("BackoffCap = %v, want 250ms", cfg.BackoffCap)
	}
}
