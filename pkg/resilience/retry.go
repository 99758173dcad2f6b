package resilience

import (
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig is a fixed retry budget. Backoff is constant between attempts;
// the loop is not cancellable by callers and always runs to completion or
// exhaustion.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable, when set, stops the loop early for errors it rejects.
	Retryable func(error) bool
}

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 100 * time.Millisecond
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

// sleep is swapped in tests.
var sleep = time.Sleep

func Retry(name string, cfg RetryConfig, fn func(attempt int) error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		logger.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", lastErr, "backoff", cfg.Backoff)
		sleep(cfg.Backoff)
	}
	return fmt.Errorf("all %d attempts failed for %s: %w", cfg.MaxAttempts, name, lastErr)
}
