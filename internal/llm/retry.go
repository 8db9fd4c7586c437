package llm

import (
	"context"
	"errors"
	"time"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// RETRY
// =============================================================================

// RetryPolicy bounds retriable provider calls: base delay doubles per
// attempt. Only ErrProviderUnavailable is retried; schema failures and
// cancellations are not.
type RetryPolicy struct {
	Base     time.Duration
	MaxTries int
}

// DefaultRetry is the deployment default: 200ms, 400ms, then give up.
var DefaultRetry = RetryPolicy{Base: 200 * time.Millisecond, MaxTries: 3}

// Do runs fn up to MaxTries times with exponential backoff.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	tries := p.MaxTries
	if tries <= 0 {
		tries = 1
	}

	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			delay := p.Base << uint(attempt-1)
			logging.LLMDebug("%s: retry %d/%d after %v: %v", op, attempt, tries-1, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, policy.ErrProviderUnavailable) {
			return lastErr
		}
	}
	return lastErr
}
