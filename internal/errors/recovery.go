package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecoveryManager wraps calls to an upstream service with retries and a
// shared rate-limit gate. Once an operation key is rate limited, every caller
// using that key waits until the gate reopens.
type RecoveryManager struct {
	logger      *zap.Logger
	retryConfig RetryConfig
	cooldown    time.Duration

	mu             sync.RWMutex
	rateLimitUntil map[string]time.Time
}

// NewRecoveryManager creates a recovery manager. cooldown is how long a key
// stays gated after a rate-limit error.
func NewRecoveryManager(logger *zap.Logger, retryConfig RetryConfig, cooldown time.Duration) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = retryConfig.MaxBackoff
	}
	return &RecoveryManager{
		logger:         logger,
		retryConfig:    retryConfig,
		cooldown:       cooldown,
		rateLimitUntil: make(map[string]time.Time),
	}
}

// HandleError logs err and records a rate-limit gate for key when needed.
// The error is returned unchanged.
func (m *RecoveryManager) HandleError(err error, key string) error {
	if err == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("operation", key),
		zap.Error(err),
		zap.String("error_type", string(GetErrorType(err))),
		zap.Bool("retryable", IsRetryable(err)),
	}

	switch {
	case IsRateLimitError(err):
		m.mu.Lock()
		m.rateLimitUntil[key] = time.Now().Add(m.cooldown)
		m.mu.Unlock()
		m.logger.Warn("Rate limit detected, gating operation", append(fields, zap.Duration("cooldown", m.cooldown))...)
	case IsNetworkError(err):
		m.logger.Warn("Network error detected", fields...)
	default:
		m.logger.Debug("Operation failed", fields...)
	}
	return err
}

// RateLimitedFor returns how long key remains gated, or zero
func (m *RecoveryManager) RateLimitedFor(key string) time.Duration {
	m.mu.RLock()
	until, ok := m.rateLimitUntil[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	if d := time.Until(until); d > 0 {
		return d
	}
	m.mu.Lock()
	if until2, ok := m.rateLimitUntil[key]; ok && !time.Now().Before(until2) {
		delete(m.rateLimitUntil, key)
	}
	m.mu.Unlock()
	return 0
}

// Execute waits for any active gate on key, then runs fn with retry and backoff
func (m *RecoveryManager) Execute(ctx context.Context, key string, fn func() error) error {
	if wait := m.RateLimitedFor(key); wait > 0 {
		m.logger.Debug("Operation blocked by rate limit",
			zap.String("operation", key),
			zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return RetryWithBackoff(ctx, m.retryConfig, func() error {
		return m.HandleError(fn(), key)
	})
}
