package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

// IsRetryableError classifies whether a step failure should be retried.
// Retryable: network errors, per-attempt timeouts, transient provider
// failures. Non-retryable: cancellation, validation failures, and output
// schema mismatches (deterministic with respect to the produced output).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Attempt deadline exceeded is retryable; the next attempt gets a fresh one.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var outErr *capability.OutputValidationError
	if errors.As(err, &outErr) {
		return false
	}

	// LoomError checks its own code.
	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		return lerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Conservative default: retryable, the policy bounds attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
func ComputeBackoff(cfg config.EffectiveConfig, attempt int) time.Duration {
	if cfg.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch cfg.Backoff {
	case config.BackoffExponential:
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = cfg.Delay * multiplier
	case config.BackoffLinear:
		delay = cfg.Delay * time.Duration(attempt+1)
	case config.BackoffConstant:
		delay = cfg.Delay
	case config.BackoffNone:
		return 0
	default:
		delay = cfg.Delay
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early when the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
