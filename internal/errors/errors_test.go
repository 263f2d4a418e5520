package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Type:    ErrTypeNetwork,
				Message: "connection failed",
			},
			expected: "transient_network: connection failed",
		},
		{
			name: "error with cause",
			err: &AppError{
				Type:    ErrTypeNetwork,
				Message: "connection failed",
				Cause:   fmt.Errorf("dial tcp: timeout"),
			},
			expected: "transient_network: connection failed (caused by: dial tcp: timeout)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &AppError{Type: ErrTypeNetwork, Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantType   ErrorType
		wantStatus int
		retryable  bool
	}{
		{"network", NewNetworkError("reset", nil), ErrTypeNetwork, http.StatusServiceUnavailable, true},
		{"timeout", NewTimeoutError("slow", nil), ErrTypeTimeout, http.StatusGatewayTimeout, true},
		{"rate limit", NewRateLimitError("slow down", 30), ErrTypeRateLimit, http.StatusTooManyRequests, true},
		{"format", NewFormatUnavailableError("no audio", nil), ErrTypeFormatUnavailable, http.StatusUnsupportedMediaType, false},
		{"authorization", NewAuthorizationError("age gate", nil), ErrTypeAuthorization, http.StatusUnauthorized, false},
		{"blocking", NewPlatformBlockingError("bot check", nil), ErrTypePlatformBlocking, http.StatusForbidden, false},
		{"cache", NewCacheCorruptionError("truncated", nil), ErrTypeCacheCorruption, http.StatusInternalServerError, false},
		{"spawn", NewProcessSpawnError("no binary", nil), ErrTypeProcessSpawn, http.StatusInternalServerError, false},
		{"not found", NewNotFoundError("gone"), ErrTypeNotFound, http.StatusNotFound, false},
		{"filesystem", NewFileSystemError("disk full", nil), ErrTypeFileSystem, http.StatusInternalServerError, true},
		{"validation", NewValidationError("bad input"), ErrTypeValidation, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", tt.err.Type, tt.wantType)
			}
			if tt.err.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %v, want %v", tt.err.StatusCode, tt.wantStatus)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}
}

func TestRateLimitMessage(t *testing.T) {
	err := NewRateLimitError("quota exceeded", 60)
	if !strings.Contains(err.Message, "retry after 60 seconds") {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestPredicatesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("provider call: %w", NewAuthorizationError("sign in", nil))

	if !IsAuthorizationError(wrapped) {
		t.Error("expected wrapped authorization error to be detected")
	}
	if !IsFatalForTrack(wrapped) {
		t.Error("authorization errors are fatal for the track")
	}
	if IsFatalForTrack(NewFormatUnavailableError("x", nil)) {
		t.Error("format errors should let the chain continue")
	}
	if !IsNetworkError(NewTimeoutError("x", nil)) {
		t.Error("timeouts count as network errors")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if GetErrorType(fmt.Errorf("plain")) != ErrTypeUnknown {
		t.Error("plain errors have unknown type")
	}
}

func TestExhaustedError(t *testing.T) {
	err := &ExhaustedError{
		Subject: "Artist - Song",
		Failures: []MethodFailure{
			{Method: "cache", Err: NewNotFoundError("miss")},
			{Method: "direct", Err: NewFormatUnavailableError("no audio", nil)},
		},
	}

	msg := err.Error()
	for _, want := range []string{`"Artist - Song"`, "cache: not_found: miss", "direct: format_unavailable"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	if got := err.Methods(); len(got) != 2 || got[0] != "cache" || got[1] != "direct" {
		t.Errorf("Methods() = %v", got)
	}

	var wrapped error = fmt.Errorf("get stream: %w", err)
	if !IsExhausted(wrapped) {
		t.Error("IsExhausted should see through wrapping")
	}
	if GetErrorType(wrapped) != ErrTypeExhausted {
		t.Errorf("GetErrorType = %v, want exhausted", GetErrorType(wrapped))
	}

	var format *AppError
	if !stderrors.As(err, &format) {
		t.Error("members should be reachable through errors.As")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		err      error
		expected ErrorType
	}{
		{"bot check", "ERROR: [youtube] abc: Sign in to confirm you're not a bot", fmt.Errorf("exit status 1"), ErrTypePlatformBlocking},
		{"age gate", "ERROR: Sign in to confirm your age", fmt.Errorf("exit status 1"), ErrTypeAuthorization},
		{"private", "ERROR: Private video", nil, ErrTypeAuthorization},
		{"format", "ERROR: Requested format is not available", fmt.Errorf("exit status 1"), ErrTypeFormatUnavailable},
		{"rate limit", "ERROR: HTTP Error 429: Too Many Requests", nil, ErrTypeRateLimit},
		{"network", "ERROR: Unable to download webpage: timed out", nil, ErrTypeNetwork},
		{"unavailable", "ERROR: Video unavailable", nil, ErrTypeNotFound},
		{"deadline", "", context.DeadlineExceeded, ErrTypeTimeout},
		{"unknown", "something odd happened", fmt.Errorf("exit status 2"), ErrTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.output, tt.err)
			if got == nil {
				t.Fatal("Classify returned nil")
			}
			if GetErrorType(got) != tt.expected {
				t.Errorf("type = %v, want %v (%v)", GetErrorType(got), tt.expected, got)
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if Classify("", nil) != nil {
		t.Error("no output and no error should classify to nil")
	}

	orig := NewValidationError("bad")
	if Classify("captcha", orig) != error(orig) {
		t.Error("typed errors should pass through unchanged")
	}

	if !stderrors.Is(Classify("", context.Canceled), context.Canceled) {
		t.Error("cancellation should pass through")
	}
}

func TestClassify_UsesLastLine(t *testing.T) {
	out := "[youtube] abc: Downloading webpage\nWARNING: noise\nERROR: Private video\n"
	err := Classify(out, nil)
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Message != "ERROR: Private video" {
		t.Errorf("Message = %q", appErr.Message)
	}
}
