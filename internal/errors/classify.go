package errors

import (
	"context"
	stderrors "errors"
	"strings"
)

// phraseRule maps a recognized diagnostic phrase to an error constructor.
// Rules are evaluated in order, so more specific phrases come first.
type phraseRule struct {
	phrases []string
	build   func(msg string, cause error) *AppError
}

var phraseRules = []phraseRule{
	{
		phrases: []string{"confirm you're not a bot", "confirm you’re not a bot", "captcha", "http error 403", "unusual traffic"},
		build:   NewPlatformBlockingError,
	},
	{
		phrases: []string{
			"authorization required", "sign in to confirm your age", "login required",
			"members-only", "private video", "requires authentication", "this video is only available for",
		},
		build: NewAuthorizationError,
	},
	{
		phrases: []string{"http error 429", "too many requests"},
		build: func(msg string, cause error) *AppError {
			e := NewRateLimitError(msg, 0)
			e.Cause = cause
			return e
		},
	},
	{
		phrases: []string{"requested format is not available", "format unavailable", "no video formats found", "drm protected", "drm"},
		build:   NewFormatUnavailableError,
	},
	{
		phrases: []string{"video unavailable", "http error 404", "does not exist", "has been removed"},
		build: func(msg string, cause error) *AppError {
			e := NewNotFoundError(msg)
			e.Cause = cause
			return e
		},
	},
	{
		phrases: []string{"timed out", "connection reset", "temporary failure in name resolution", "unable to download webpage", "network is unreachable"},
		build:   NewNetworkError,
	},
}

// Classify turns a failed external operation into a typed error.
// output is the diagnostic text of the operation (may be empty).
func Classify(output string, err error) error {
	if err == nil && output == "" {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("operation timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	lower := strings.ToLower(output)
	for _, rule := range phraseRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(lower, phrase) {
				return rule.build(lastLine(output), err)
			}
		}
	}

	msg := lastLine(output)
	if msg == "" {
		msg = "operation failed"
	}
	return &AppError{Type: ErrTypeUnknown, Message: msg, Cause: err}
}

// lastLine returns the last non-empty line of s, which is where tools print the fatal message
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
