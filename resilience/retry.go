// Package resilience provides the retry machinery shared by persistence
// writes and monitoring provider calls.
package resilience

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RetryPolicy bounds repeated attempts with exponential backoff. The delay
// starts at BaseDelay and doubles per attempt; MaxDelay caps it when
// positive. A nil Retryable treats every error as transient.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Retryable func(error) bool
}

// PersistencePolicy matches the completion-hook persistence contract:
// three attempts backing off from one second, capped at ten.
func PersistencePolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// ProviderPolicy matches the monitoring provider contract: three attempts
// backing off from two seconds.
func ProviderPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, the attempts are exhausted, a non-retryable
// error occurs, or the context is done. op names the operation in logs and
// the final error.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return fmt.Errorf("%s failed: %w", op, lastErr)
		}
		if attempt == attempts {
			break
		}

		log.Printf("[RETRY] %s attempt %d/%d failed: %v, retrying in %v", op, attempt, attempts, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s aborted: %w", op, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
