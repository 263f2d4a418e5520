package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeNetwork represents timeouts, resets and other transient network failures
	ErrTypeNetwork ErrorType = "transient_network"
	// ErrTypeTimeout represents an operation that exceeded its deadline
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeRateLimit represents upstream rate limiting
	ErrTypeRateLimit ErrorType = "rate_limit"
	// ErrTypeFormatUnavailable represents a provider without a matching audio format
	ErrTypeFormatUnavailable ErrorType = "format_unavailable"
	// ErrTypeAuthorization represents content that needs an authorized account
	ErrTypeAuthorization ErrorType = "authorization_required"
	// ErrTypePlatformBlocking represents bot-detection style rejections
	ErrTypePlatformBlocking ErrorType = "platform_blocking"
	// ErrTypeCacheCorruption represents an unreadable or truncated cache entry
	ErrTypeCacheCorruption ErrorType = "cache_corruption"
	// ErrTypeProcessSpawn represents an external tool that could not be started
	ErrTypeProcessSpawn ErrorType = "process_spawn"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeFileSystem represents file system errors
	ErrTypeFileSystem ErrorType = "filesystem"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeExhausted represents a method chain where every method failed
	ErrTypeExhausted ErrorType = "exhausted"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, status int, retryable bool, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: status,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// NewNetworkError creates a new transient network error
func NewNetworkError(message string, cause error) *AppError {
	return newError(ErrTypeNetwork, http.StatusServiceUnavailable, true, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return newError(ErrTypeTimeout, http.StatusGatewayTimeout, true, message, cause)
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string, retryAfter int) *AppError {
	return newError(ErrTypeRateLimit, http.StatusTooManyRequests, true,
		fmt.Sprintf("%s (retry after %d seconds)", message, retryAfter), nil)
}

// NewFormatUnavailableError creates an error for providers without a usable audio format.
// Retrying the same method does not help.
func NewFormatUnavailableError(message string, cause error) *AppError {
	return newError(ErrTypeFormatUnavailable, http.StatusUnsupportedMediaType, false, message, cause)
}

// NewAuthorizationError creates an error for content that needs an authorized account
func NewAuthorizationError(message string, cause error) *AppError {
	return newError(ErrTypeAuthorization, http.StatusUnauthorized, false, message, cause)
}

// NewPlatformBlockingError creates an error for bot-detection rejections
func NewPlatformBlockingError(message string, cause error) *AppError {
	return newError(ErrTypePlatformBlocking, http.StatusForbidden, false, message, cause)
}

// NewCacheCorruptionError creates an error for an unusable cache entry
func NewCacheCorruptionError(message string, cause error) *AppError {
	return newError(ErrTypeCacheCorruption, http.StatusInternalServerError, false, message, cause)
}

// NewProcessSpawnError creates an error for an external tool that failed to start
func NewProcessSpawnError(message string, cause error) *AppError {
	return newError(ErrTypeProcessSpawn, http.StatusInternalServerError, false, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return newError(ErrTypeNotFound, http.StatusNotFound, false, message, nil)
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, cause error) *AppError {
	return newError(ErrTypeFileSystem, http.StatusInternalServerError, true, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return newError(ErrTypeValidation, http.StatusBadRequest, false, message, nil)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetErrorType returns the error type from an error
func GetErrorType(err error) ErrorType {
	// ExhaustedError unwraps to its members, so it is checked first
	var exhausted *ExhaustedError
	if stderrors.As(err, &exhausted) {
		return ErrTypeExhausted
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// IsAuthorizationError checks if an error requires an authorized account
func IsAuthorizationError(err error) bool {
	return GetErrorType(err) == ErrTypeAuthorization
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrTypeRateLimit
}

// IsNetworkError checks if an error is a transient network error
func IsNetworkError(err error) bool {
	t := GetErrorType(err)
	return t == ErrTypeNetwork || t == ErrTypeTimeout
}

// IsPlatformBlocking checks if an error is a bot-detection rejection
func IsPlatformBlocking(err error) bool {
	return GetErrorType(err) == ErrTypePlatformBlocking
}

// IsFatalForTrack reports whether no further acquisition methods should be tried
func IsFatalForTrack(err error) bool {
	return IsAuthorizationError(err)
}

// MethodFailure records why one acquisition method failed
type MethodFailure struct {
	Method string
	Err    error
}

// ExhaustedError is returned when every method in a chain failed
type ExhaustedError struct {
	Subject  string
	Failures []MethodFailure
}

// Error lists every attempted method together with its failure reason
func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all methods failed for %q", e.Subject)
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", f.Method, f.Err)
	}
	return b.String()
}

// Unwrap exposes the individual method failures
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Methods returns the attempted method names in order
func (e *ExhaustedError) Methods() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Method)
	}
	return names
}

// IsExhausted checks if an error is a whole-chain failure
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return stderrors.As(err, &exhausted)
}
