package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// RetryConfig controls exponential backoff retries.
type RetryConfig struct {
	MaxRetries      int           `yaml:"maxRetries"`
	InitialDelay    time.Duration `yaml:"initialDelay"`
	MaxDelay        time.Duration `yaml:"maxDelay"`
	ExponentialBase float64       `yaml:"exponentialBase"`

	// Jitter randomizes each delay by up to ±50% to avoid synchronized
	// retry storms across concurrent workers.
	Jitter bool `yaml:"jitter"`
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.ExponentialBase < 1 {
		c.ExponentialBase = 2.0
	}
}

// Delay returns the backoff delay before retry attempt n (0-indexed).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c.applyDefaults()
	backoff := float64(c.InitialDelay) * math.Pow(c.ExponentialBase, float64(attempt))
	if backoff > float64(c.MaxDelay) {
		backoff = float64(c.MaxDelay)
	}
	if c.Jitter {
		// jitterFactor in [0.5, 1.5)
		backoff *= 0.5 + rand.Float64()
	}
	return time.Duration(backoff)
}

// Do runs fn with exponential backoff, retrying only transient failures.
// The operation is attempted at most MaxRetries+1 times; after the budget
// is exhausted the last error is returned unchanged so the caller can
// route it into isolation.
func Do(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	cfg.applyDefaults()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		logger.Warn(ctx, "operation failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, op, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
