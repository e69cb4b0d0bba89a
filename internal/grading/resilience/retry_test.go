package resilience_test

import (
	"context"
	"testing"
	"time"

	"gradeflow/internal/grading/resilience"
	appErr "gradeflow/pkg/errors"
)

func testRetryConfig(maxRetries int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:      maxRetries,
		InitialDelay:    time.Millisecond,
		MaxDelay:        8 * time.Millisecond,
		ExponentialBase: 2.0,
		Jitter:          false,
	}
}

func TestDoRetryBound(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := resilience.Do(context.Background(), testRetryConfig(3), "always-fails", func(ctx context.Context) error {
		attempts++
		return appErr.New(appErr.Timeout)
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if appErr.GetCode(err) != appErr.Timeout {
		t.Fatalf("expected original error to propagate, got code %d", appErr.GetCode(err))
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := resilience.Do(context.Background(), testRetryConfig(3), "flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErr.New(appErr.ModelRateLimited)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStructuralNotRetried(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := resilience.Do(context.Background(), testRetryConfig(3), "parse", func(ctx context.Context) error {
		attempts++
		return appErr.New(appErr.PageMalformed)
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt for structural error, got %d", attempts)
	}
}

func TestDoCanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := resilience.Do(ctx, testRetryConfig(3), "canceled", func(ctx context.Context) error {
		attempts++
		return appErr.New(appErr.Timeout)
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 0 {
		t.Fatalf("expected 0 attempts on canceled context, got %d", attempts)
	}
}

func TestDelayNonDecreasingUpToMax(t *testing.T) {
	t.Parallel()
	cfg := resilience.RetryConfig{
		MaxRetries:      5,
		InitialDelay:    time.Second,
		MaxDelay:        8 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          false,
	}
	var prev time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		delay := cfg.Delay(attempt)
		if delay < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, delay, prev)
		}
		if delay > cfg.MaxDelay {
			t.Fatalf("delay %v exceeds max %v", delay, cfg.MaxDelay)
		}
		prev = delay
	}
	if got := cfg.Delay(10); got != cfg.MaxDelay {
		t.Fatalf("expected capped delay %v, got %v", cfg.MaxDelay, got)
	}
}

func TestDoValue(t *testing.T) {
	t.Parallel()
	attempts := 0
	got, err := resilience.DoValue(context.Background(), testRetryConfig(2), "value", func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, appErr.New(appErr.ServiceUnavailable)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
