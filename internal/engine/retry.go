package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gyreflow/gyre/pkg/schema"
)

// DefaultBaseDelay applies when a retry policy omits base_delay.
const DefaultBaseDelay = 100 * time.Millisecond

// IsRetryableError classifies whether a node error should be retried under a
// retry policy. Cancellation means the run is shutting down and is never
// retried; structural and input errors cannot succeed on a second attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-invocation deadline is retryable; the next attempt gets a fresh one.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gerr *schema.GyreError
	if errors.As(err, &gerr) {
		return gerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown errors default to retryable; the policy bounds the attempts.
	return true
}

// ComputeBackoff calculates the exponential backoff delay before retry
// attempt n (zero-based): base * 2^n, capped at max_delay when set.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}

	base := DefaultBaseDelay
	if policy.BaseDelay != "" {
		d, err := time.ParseDuration(policy.BaseDelay)
		if err == nil {
			base = d
		}
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}

	if policy.MaxDelay != "" {
		maxDelay, err := time.ParseDuration(policy.MaxDelay)
		if err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the delay or returns the context error if the
// context ends during the wait.
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
