// Package provider wraps the upstream content sources a track can come from.
//
// Every provider exposes a URL metadata ladder (Rungs) and a Stub fallback;
// playable providers additionally search and hand out direct stream URLs.
package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// Rung is one step of a provider's metadata fallback ladder
type Rung struct {
	Name  string
	Fetch func(ctx context.Context, u *url.URL) (*track.Track, error)
}

// Provider resolves URLs belonging to one upstream source
type Provider interface {
	Name() track.Provider
	// Match reports whether u belongs to this provider
	Match(u *url.URL) bool
	// Rungs returns the metadata ladder, fastest first
	Rungs() []Rung
	// Stub builds a minimal track from the identifier embedded in u.
	// ok is false when u carries no usable identifier.
	Stub(u *url.URL) (t *track.Track, ok bool)
}

// Searcher is a provider that supports free-text search
type Searcher interface {
	Name() track.Provider
	Search(ctx context.Context, query string, limit int) ([]*track.Track, error)
}

// Streamer is a provider that can hand out a direct media URL without a full download
type Streamer interface {
	Name() track.Provider
	StreamURL(ctx context.Context, t *track.Track) (string, error)
}

// Registry holds the configured providers in URL-matching order
type Registry struct {
	providers []Provider
	searchers []Searcher
}

// NewRegistry creates a registry. Providers are matched in the order given,
// so catch-all providers such as Direct belong last.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, also indexing it as a searcher when it supports search
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
	if s, ok := p.(Searcher); ok {
		r.searchers = append(r.searchers, s)
	}
}

// ForURL parses rawURL and returns the provider that owns it
func (r *Registry) ForURL(rawURL string) (Provider, *url.URL, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range r.providers {
		if p.Match(u) {
			return p, u, nil
		}
	}
	return nil, u, apperrors.NewValidationError(fmt.Sprintf("no provider handles %s", u.Host))
}

// Get returns the provider registered under name
func (r *Registry) Get(name track.Provider) (Provider, bool) {
	for _, p := range r.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Streamer returns the direct-stream capability of the named provider
func (r *Registry) Streamer(name track.Provider) (Streamer, bool) {
	p, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	s, ok := p.(Streamer)
	return s, ok
}

// Searchers returns every registered provider that supports search
func (r *Registry) Searchers() []Searcher {
	out := make([]Searcher, len(r.searchers))
	copy(out, r.searchers)
	return out
}

// Searcher returns the named searcher
func (r *Registry) Searcher(name track.Provider) (Searcher, bool) {
	for _, s := range r.searchers {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Names lists the registered provider names
func (r *Registry) Names() []track.Provider {
	names := make([]track.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

// ParseURL accepts absolute http(s) URLs only
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, apperrors.NewValidationError("url has no host")
	}
	return u, nil
}

// IsURL reports whether s looks like an http(s) URL rather than a search query
func IsURL(s string) bool {
	_, err := ParseURL(s)
	return err == nil
}

// hostIs reports whether u's host is one of hosts, ignoring a leading www. or m.
func hostIs(u *url.URL, hosts ...string) bool {
	h := strings.ToLower(u.Hostname())
	h = strings.TrimPrefix(h, "www.")
	h = strings.TrimPrefix(h, "m.")
	for _, want := range hosts {
		if h == want {
			return true
		}
	}
	return false
}

// observe runs fn and records the provider request metric
func observe[T any](provider track.Provider, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	status := "success"
	if err != nil {
		status = string(apperrors.GetErrorType(err))
	}
	monitoring.RecordProviderRequest(string(provider), status, time.Since(start))
	return v, err
}

// notConfigured is returned by rungs whose backing service is switched off
func notConfigured(what string) error {
	return apperrors.NewFormatUnavailableError(what+" is not configured", nil)
}

// clampLimit bounds search result counts
func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
