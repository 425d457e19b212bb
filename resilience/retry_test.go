package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), "write", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRecoversAfterFailures(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), "write", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	cause := errors.New("still broken")

	err := policy.Do(context.Background(), "write", func(context.Context) error {
		calls++
		return cause
	})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("final error should wrap the last failure, got %v", err)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	policy := RetryPolicy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}
	calls := 0

	err := policy.Do(context.Background(), "call", func(context.Context) error {
		calls++
		return permanent
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("non-retryable errors must not be retried, got %d calls", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, "write", func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDoCapsDelay(t *testing.T) {
	policy := RetryPolicy{Attempts: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 3 * time.Millisecond}
	start := time.Now()

	_ = policy.Do(context.Background(), "write", func(context.Context) error {
		return errors.New("transient")
	})

	// Delays are 2ms, 3ms, 3ms with the cap; without it the last would
	// be 8ms. Allow generous slack for slow runners.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("retries took too long, cap likely ignored: %v", elapsed)
	}
}
