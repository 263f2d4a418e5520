package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/trackline/trackline/internal/errors"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// ClientConfig holds configuration for HTTP client
type ClientConfig struct {
	Timeout               time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ProxyURL              string
	UserAgent             string

	// RequestsPerSecond and Burst configure the outbound rate limiter
	RequestsPerSecond float64
	Burst             int
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:               30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		UserAgent:             defaultUserAgent,
		RequestsPerSecond:     10,
		Burst:                 10,
	}
}

// NewHTTPClient creates a pooled http.Client from config
func NewHTTPClient(config *ClientConfig) *http.Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.ProxyURL != "" {
		if u, err := url.Parse(config.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	jar, _ := cookiejar.New(nil)

	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
		Jar:       jar,
	}
}

// Client is a rate-limited HTTP client shared by the provider integrations
type Client struct {
	http        *http.Client
	rateLimiter *rate.Limiter
	userAgent   string
}

// NewClient creates a rate-limited client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	ua := config.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		http:        NewHTTPClient(config),
		rateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
		userAgent:   ua,
	}
}

// WrapClient rate limits an existing http.Client
func WrapClient(hc *http.Client, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{http: hc, rateLimiter: limiter, userAgent: defaultUserAgent}
}

// HTTP exposes the underlying http.Client
func (c *Client) HTTP() *http.Client {
	return c.http
}

// Do waits for a rate-limit token, then performs req
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, apperrors.Classify("", err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Classify("", ctx.Err())
		}
		return nil, apperrors.NewNetworkError("request failed", err)
	}
	return resp, nil
}

// GetJSON fetches rawURL and decodes the JSON body into v.
// Non-2xx responses are returned as typed errors.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid url %q: %v", rawURL, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := StatusError(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
