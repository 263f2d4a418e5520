package network

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/trackline/trackline/internal/errors"
)

// RemoteStream is an open HTTP response body carrying audio
type RemoteStream struct {
	io.ReadCloser
	ContentType   string
	ContentLength int64
}

// StatusError maps a non-success HTTP response to a typed error, or returns nil
func StatusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := fmt.Sprintf("status %d", resp.StatusCode)
	if resp.Request != nil && resp.Request.URL != nil {
		msg = fmt.Sprintf("%s %s: status %d", resp.Request.Method, resp.Request.URL.Redacted(), resp.StatusCode)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return apperrors.NewRateLimitError(msg, retryAfter)
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.NewAuthorizationError(msg, nil)
	case resp.StatusCode == http.StatusForbidden:
		return apperrors.NewPlatformBlockingError(msg, nil)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return apperrors.NewNotFoundError(msg)
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return apperrors.NewFormatUnavailableError(msg, nil)
	case resp.StatusCode >= 500:
		return apperrors.NewNetworkError(msg, nil)
	default:
		return &apperrors.AppError{Type: apperrors.ErrTypeUnknown, Message: msg, StatusCode: resp.StatusCode}
	}
}

// OpenRemoteStream issues a GET for rawURL and returns the body when it looks like audio.
// The caller owns the returned stream.
func OpenRemoteStream(ctx context.Context, client *Client, rawURL string, headers map[string]string) (*RemoteStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid stream url: %v", err))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := StatusError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if !IsAudioContentType(ct) {
		resp.Body.Close()
		return nil, apperrors.NewFormatUnavailableError(fmt.Sprintf("unexpected content type %q", ct), nil)
	}

	return &RemoteStream{
		ReadCloser:    resp.Body,
		ContentType:   ct,
		ContentLength: resp.ContentLength,
	}, nil
}

// Probe performs a HEAD request and reports the content type and length
func Probe(ctx context.Context, client *Client, rawURL string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", 0, apperrors.NewValidationError(fmt.Sprintf("invalid url: %v", err))
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if err := StatusError(resp); err != nil {
		return "", 0, err
	}
	return resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

// IsAudioContentType accepts audio/*, ogg and the generic binary type some hosts use
func IsAudioContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "audio/") ||
		mt == "application/ogg" ||
		mt == "application/octet-stream" ||
		mt == "video/mp4" ||
		mt == "video/webm"
}
