// Package resolver turns free-text queries and URLs into canonical tracks.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/provider"
	"github.com/trackline/trackline/internal/security"
	"github.com/trackline/trackline/internal/track"
)

// Config holds resolver settings
type Config struct {
	// ProviderTimeout bounds each provider search
	ProviderTimeout time.Duration
	// RungTimeout bounds each step of a URL metadata ladder
	RungTimeout time.Duration
	SearchLimit int
	// NegativeHints penalize variants such as covers unless the query asks for them
	NegativeHints []string
	// MatchThreshold is the minimum playback match score (0-1)
	MatchThreshold float64
	// SearchProviders are queried by Search; empty means every searcher
	SearchProviders []track.Provider
	// PlaybackProviders are searched, in order, for playable stand-ins
	PlaybackProviders []track.Provider
}

// DefaultConfig returns the resolver defaults
func DefaultConfig() Config {
	return Config{
		ProviderTimeout:   6 * time.Second,
		RungTimeout:       8 * time.Second,
		SearchLimit:       10,
		NegativeHints:     []string{"cover", "remix", "karaoke", "instrumental", "live", "sped up", "slowed", "nightcore"},
		MatchThreshold:    0.5,
		PlaybackProviders: []track.Provider{track.ProviderYouTubeMusic, track.ProviderYouTube, track.ProviderSoundCloud},
	}
}

// Resolver resolves queries and URLs through the provider registry
type Resolver struct {
	registry *provider.Registry
	cfg      Config
	logger   *zap.Logger
}

// New creates a resolver
func New(registry *provider.Registry, cfg Config, logger *zap.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.RungTimeout <= 0 {
		cfg.RungTimeout = def.RungTimeout
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if len(cfg.PlaybackProviders) == 0 {
		cfg.PlaybackProviders = def.PlaybackProviders
	}
	return &Resolver{
		registry: registry,
		cfg:      cfg,
		logger:   monitoring.Named(logger, "resolver"),
	}
}

// Registry exposes the provider registry
func (r *Resolver) Registry() *provider.Registry {
	return r.registry
}

// Resolve accepts either a URL or a search query and returns one track
func (r *Resolver) Resolve(ctx context.Context, input string) (*track.Track, error) {
	input = security.SanitizeQuery(input)
	if provider.IsURL(input) {
		return r.ResolveURL(ctx, input)
	}
	results, err := r.Search(ctx, input, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no results for %q", input))
	}
	return results[0], nil
}

// Search queries the configured providers concurrently, each under its own
// timeout, and returns the merged, de-duplicated, ranked results. A provider
// failure only drops that provider's results; no results is not an error.
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]*track.Track, error) {
	query = security.SanitizeQuery(query)
	if query == "" {
		return nil, apperrors.NewValidationError("search query cannot be empty")
	}
	if limit <= 0 {
		limit = r.cfg.SearchLimit
	}

	searchers := r.searchers(r.cfg.SearchProviders, nil)
	results := r.fanOut(ctx, searchers, []string{query}, limit)
	ranked := rankResults(query, results, r.cfg.NegativeHints, limit)

	r.logger.Debug("Search completed",
		zap.String("query", query),
		zap.Int("providers", len(searchers)),
		zap.Int("raw_results", len(results)),
		zap.Int("results", len(ranked)))
	return ranked, nil
}

// searchers returns the searchers for names in order (all when names is empty), skipping exclude
func (r *Resolver) searchers(names []track.Provider, exclude []track.Provider) []provider.Searcher {
	skip := func(p track.Provider) bool {
		for _, e := range exclude {
			if p == e {
				return true
			}
		}
		return false
	}

	var out []provider.Searcher
	if len(names) == 0 {
		for _, s := range r.registry.Searchers() {
			if !skip(s.Name()) {
				out = append(out, s)
			}
		}
		return out
	}
	for _, name := range names {
		if skip(name) {
			continue
		}
		if s, ok := r.registry.Searcher(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// family lists the providers serving the same underlying media as p
func family(p track.Provider) []track.Provider {
	if p == track.ProviderYouTube || p == track.ProviderYouTubeMusic {
		return []track.Provider{track.ProviderYouTube, track.ProviderYouTubeMusic}
	}
	return []track.Provider{p}
}

// fanOut runs every query on every searcher in parallel. Results keep
// searcher order, then query order, so ranking ties stay deterministic.
func (r *Resolver) fanOut(ctx context.Context, searchers []provider.Searcher, queries []string, limit int) []*track.Track {
	buckets := make([][]*track.Track, len(searchers)*len(queries))
	var wg sync.WaitGroup

	for i, s := range searchers {
		for j, q := range queries {
			wg.Add(1)
			go func(slot int, s provider.Searcher, q string) {
				defer wg.Done()
				sctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
				defer cancel()

				tracks, err := s.Search(sctx, q, limit)
				if err != nil {
					r.logger.Warn("Provider search failed",
						zap.String("provider", string(s.Name())),
						zap.String("query", q),
						zap.String("error_type", string(apperrors.GetErrorType(err))),
						zap.Error(err))
					return
				}
				buckets[slot] = tracks
			}(i*len(queries)+j, s, q)
		}
	}
	wg.Wait()

	var merged []*track.Track
	for _, b := range buckets {
		merged = append(merged, b...)
	}
	return merged
}

// ResolveURL walks the owning provider's metadata ladder. Each rung runs under
// its own timeout and a failure falls through to the next. When every rung
// fails, a stub built from the URL's identifier is returned instead.
func (r *Resolver) ResolveURL(ctx context.Context, rawURL string) (*track.Track, error) {
	p, u, err := r.registry.ForURL(rawURL)
	if err != nil {
		return nil, err
	}

	for _, rung := range p.Rungs() {
		rctx, cancel := context.WithTimeout(ctx, r.cfg.RungTimeout)
		t, err := rung.Fetch(rctx, u)
		cancel()

		if err == nil && t != nil && t.Title != "" {
			r.logger.Debug("URL resolved",
				zap.String("provider", string(p.Name())),
				zap.String("rung", rung.Name),
				zap.String("track", t.String()))
			return t, nil
		}
		if ctx.Err() != nil {
			return nil, apperrors.Classify("", ctx.Err())
		}
		r.logger.Warn("Resolve rung failed, falling through",
			zap.String("provider", string(p.Name())),
			zap.String("rung", rung.Name),
			zap.String("url", u.Redacted()),
			zap.Error(err))
	}

	stub, ok := p.Stub(u)
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("%s url carries no track identifier", p.Name()))
	}
	r.logger.Info("All resolve rungs failed, using stub",
		zap.String("provider", string(p.Name())),
		zap.String("provider_id", stub.ProviderID))
	return stub, nil
}

// ResolveForPlayback returns t itself when its provider can supply audio.
// Metadata-only tracks are matched against the playback providers.
func (r *Resolver) ResolveForPlayback(ctx context.Context, t *track.Track) (*track.Track, error) {
	if t == nil {
		return nil, apperrors.NewValidationError("track cannot be nil")
	}
	if t.Provider.Playable() {
		return t, nil
	}
	return r.match(ctx, t, nil)
}

// Alternate re-resolves t on a playable provider outside its own provider
// family. The result is marked so it is never re-resolved again.
func (r *Resolver) Alternate(ctx context.Context, t *track.Track) (*track.Track, error) {
	if t == nil {
		return nil, apperrors.NewValidationError("track cannot be nil")
	}
	if t.Alternate {
		return nil, apperrors.NewValidationError("track is already an alternate")
	}
	alt, err := r.match(ctx, t, family(t.Provider))
	if err != nil {
		return nil, err
	}
	alt = alt.Clone()
	alt.Alternate = true
	return alt, nil
}

// match searches the playback providers for title+author (and the ISRC when
// known) and picks the best duration-tolerant match. Without a candidate
// above the threshold the first result is used.
func (r *Resolver) match(ctx context.Context, t *track.Track, exclude []track.Provider) (*track.Track, error) {
	query := strings.TrimSpace(t.Author + " " + t.Title)
	if t.Stub || query == "" {
		return nil, apperrors.NewValidationError("track has no title to match on")
	}
	queries := []string{query}
	if t.ISRC != "" {
		queries = append(queries, t.ISRC)
	}

	searchers := r.searchers(r.cfg.PlaybackProviders, exclude)
	if len(searchers) == 0 {
		return nil, apperrors.NewNotFoundError("no playable provider to match against")
	}

	var cands []*track.Track
	seen := make(map[string]bool)
	for _, c := range r.fanOut(ctx, searchers, queries, r.cfg.SearchLimit) {
		if !c.Provider.Playable() || seen[c.SourceID()] {
			continue
		}
		seen[c.SourceID()] = true
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no playable match for %s", t))
	}

	best, score := bestMatch(t, cands)
	if score < r.cfg.MatchThreshold {
		r.logger.Info("No confident match, using first result",
			zap.String("track", t.String()),
			zap.Float64("best_score", score),
			zap.String("fallback", cands[0].String()))
		return cands[0], nil
	}

	r.logger.Debug("Matched for playback",
		zap.String("track", t.String()),
		zap.String("match", best.String()),
		zap.String("provider", string(best.Provider)),
		zap.Float64("score", score))
	return best, nil
}
