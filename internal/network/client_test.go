package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/trackline/trackline/internal/errors"
)

func TestDefaultClientConfig(t *testing.T) {
	config := DefaultClientConfig()

	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.MaxIdleConnsPerHost != 20 {
		t.Errorf("Expected MaxIdleConnsPerHost 20, got %d", config.MaxIdleConnsPerHost)
	}
	if config.RequestsPerSecond != 10 {
		t.Errorf("Expected 10 requests per second, got %v", config.RequestsPerSecond)
	}
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(&ClientConfig{Timeout: 10 * time.Second, ProxyURL: "http://127.0.0.1:3128"})
	if client.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", client.Timeout)
	}
	if client.Jar == nil {
		t.Error("Expected cookie jar to be set")
	}
	if NewHTTPClient(nil).Timeout != 30*time.Second {
		t.Error("nil config should use defaults")
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"title":"Blinding Lights","duration":200}`)
	}))
	defer srv.Close()

	var out struct {
		Title    string `json:"title"`
		Duration int    `json:"duration"`
	}
	if err := NewClient(nil).GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out.Title != "Blinding Lights" || out.Duration != 200 {
		t.Errorf("decoded %+v", out)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status   int
		expected apperrors.ErrorType
	}{
		{http.StatusTooManyRequests, apperrors.ErrTypeRateLimit},
		{http.StatusUnauthorized, apperrors.ErrTypeAuthorization},
		{http.StatusForbidden, apperrors.ErrTypePlatformBlocking},
		{http.StatusNotFound, apperrors.ErrTypeNotFound},
		{http.StatusUnsupportedMediaType, apperrors.ErrTypeFormatUnavailable},
		{http.StatusBadGateway, apperrors.ErrTypeNetwork},
		{http.StatusTeapot, apperrors.ErrTypeUnknown},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := NewClient(nil).GetJSON(context.Background(), srv.URL, &struct{}{})
		srv.Close()

		if got := apperrors.GetErrorType(err); got != tt.expected {
			t.Errorf("status %d: type = %v, want %v", tt.status, got, tt.expected)
		}
	}
}

func TestOpenRemoteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/song.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			io.WriteString(w, "ID3audio")
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, "<html></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(nil)

	stream, err := OpenRemoteStream(context.Background(), client, srv.URL+"/song.mp3", nil)
	if err != nil {
		t.Fatalf("OpenRemoteStream() error = %v", err)
	}
	body, _ := io.ReadAll(stream)
	stream.Close()
	if string(body) != "ID3audio" {
		t.Errorf("body = %q", body)
	}

	_, err = OpenRemoteStream(context.Background(), client, srv.URL+"/page", nil)
	if apperrors.GetErrorType(err) != apperrors.ErrTypeFormatUnavailable {
		t.Errorf("html page should be format unavailable, got %v", err)
	}

	_, err = OpenRemoteStream(context.Background(), client, srv.URL+"/missing", nil)
	if apperrors.GetErrorType(err) != apperrors.ErrTypeNotFound {
		t.Errorf("missing file should be not found, got %v", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := NewClient(nil).Do(ctx, req)
	if apperrors.GetErrorType(err) != apperrors.ErrTypeTimeout {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestIsAudioContentType(t *testing.T) {
	tests := map[string]bool{
		"audio/mpeg":               true,
		"audio/ogg; codecs=opus":   true,
		"application/octet-stream": true,
		"":                         true,
		"text/html":                false,
		"application/json":         false,
	}
	for ct, want := range tests {
		if got := IsAudioContentType(ct); got != want {
			t.Errorf("IsAudioContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}
