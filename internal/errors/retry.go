package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first call
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// Multiplier is the backoff multiplier for exponential backoff
	Multiplier float64
	// Jitter adds up to ±25% randomness to every wait
	Jitter bool
	// RetryableErrors decides whether an error is worth another attempt
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns the retry policy used for provider API calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		Multiplier:      2.0,
		RetryableErrors: IsRetryable,
	}
}

// RetryWithBackoff executes fn until it succeeds, returns a non-retryable error,
// runs out of attempts, or ctx is done
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, config)
		if IsRateLimitError(err) {
			backoff = config.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// calculateBackoff returns initial * multiplier^attempt capped at MaxBackoff
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.Multiplier, float64(attempt))
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}

	if config.Jitter {
		backoff += backoff * 0.25 * (2*rand.Float64() - 1)
		if backoff < float64(config.InitialBackoff) {
			backoff = float64(config.InitialBackoff)
		}
		if backoff > float64(config.MaxBackoff) {
			backoff = float64(config.MaxBackoff)
		}
	}

	return time.Duration(backoff)
}
