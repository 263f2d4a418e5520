package acquire

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/cache"
	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/provider"
	"github.com/trackline/trackline/internal/track"
)

// Method names that are not bound to a provider
const (
	MethodCache     = "cache"
	MethodResolve   = "resolve"
	MethodAlternate = "alternate"
	MethodSearch    = "search"
)

// Method is one acquisition strategy of the chain
type Method interface {
	Name() string
	Attempt(ctx context.Context, req *Request) (*Stream, error)
}

func providerMethod(p track.Provider, kind string) string {
	return string(p) + ":" + kind
}

// ProviderMethods returns the health names of the methods that fetch from p itself
func ProviderMethods(p track.Provider) []string {
	return []string{providerMethod(p, "direct"), providerMethod(p, "pipeline")}
}

// cacheMethod serves a valid cache entry without any network cost
type cacheMethod struct {
	cache CacheReader
}

func (m *cacheMethod) Name() string { return MethodCache }

func (m *cacheMethod) Attempt(ctx context.Context, req *Request) (*Stream, error) {
	f, entry, err := m.cache.Open(cache.Key(req.Track.SourceID()))
	if err != nil {
		return nil, err
	}
	return newStream(f, m.Name(), entry.Path, req.Track), nil
}

// directMethod opens the provider's media URL without a full download
type directMethod struct {
	provider track.Provider
	streamer provider.Streamer
	client   *network.Client
}

func (m *directMethod) Name() string { return providerMethod(m.provider, "direct") }

func (m *directMethod) Attempt(ctx context.Context, req *Request) (*Stream, error) {
	mediaURL, err := m.streamer.StreamURL(ctx, req.Track)
	if err != nil {
		return nil, err
	}

	// the attempt deadline bounds connection setup only; the body lives until Close
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	rs, err := network.OpenRemoteStream(sctx, m.client, mediaURL, nil)
	if !stop() {
		if rs != nil {
			rs.Close()
		}
		cancel()
		return nil, apperrors.Classify("", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, err
	}

	s := newStream(rs, m.Name(), "", req.Track)
	s.ContentType = rs.ContentType
	s.onClose(cancel)
	return s, nil
}

// pipelineMethod downloads and transcodes into the cache, then reads the cached file
type pipelineMethod struct {
	provider track.Provider
	fetcher  Fetcher
	cache    CacheReader
}

func (m *pipelineMethod) Name() string { return providerMethod(m.provider, "pipeline") }

func (m *pipelineMethod) Attempt(ctx context.Context, req *Request) (*Stream, error) {
	entry, err := m.fetcher.Fetch(ctx, req.Track, req.Owner, req.Progress)
	if err != nil {
		return nil, err
	}
	f, entry, err := m.cache.Open(entry.Key)
	if err != nil {
		return nil, err
	}
	return newStream(f, m.Name(), entry.Path, req.Track), nil
}

// resolveMethod finds a playable stand-in for a metadata-only track and runs its chain
type resolveMethod struct {
	engine   *Engine
	resolver Rerouter
}

func (m *resolveMethod) Name() string { return MethodResolve }

func (m *resolveMethod) Attempt(ctx context.Context, req *Request) (*Stream, error) {
	playable, err := m.resolver.ResolveForPlayback(ctx, req.Track)
	if err != nil {
		return nil, err
	}
	s, err := m.engine.acquire(ctx, req.derive(playable))
	if err != nil {
		return nil, err
	}
	m.alias(req.Track, s)
	return s, nil
}

// alias points the metadata-only track's cache slot at the stand-in's cached
// file so later requests are served by the cache check alone
func (m *resolveMethod) alias(t *track.Track, s *Stream) {
	a, ok := m.engine.deps.Cache.(CacheAliaser)
	if !ok || s.Path == "" || s.Track == nil {
		return
	}
	if _, err := a.Alias(cache.Key(t.SourceID()), cache.Key(s.Track.SourceID())); err != nil {
		m.engine.logger.Debug("Failed to alias stand-in cache entry",
			zap.String("track", t.String()),
			zap.Error(err))
	}
}

// alternateMethod re-resolves the track on another provider family and runs
// its chain. The alternate track is flagged so it never recurses again.
type alternateMethod struct {
	engine   *Engine
	resolver Rerouter
}

func (m *alternateMethod) Name() string { return MethodAlternate }

func (m *alternateMethod) Attempt(ctx context.Context, req *Request) (*Stream, error) {
	alt, err := m.resolver.Alternate(ctx, req.Track)
	if err != nil {
		return nil, err
	}
	return m.engine.acquire(ctx, req.derive(alt))
}

// searchMethod is the last resort: a plain downloader search for "author title"
type searchMethod struct {
	engine *Engine
	search SearchSource
}

func (m *searchMethod) Name() string { return MethodSearch }

func (m *searchMethod) Attempt(ctx context.Context, req *Request) (*Stream, error) {
	t := req.Track
	query := strings.TrimSpace(t.Author + " " + t.Title)
	if t.Stub || query == "" {
		return nil, apperrors.NewValidationError("track has no title to search for")
	}

	entries, err := m.search.Search(ctx, provider.SearchYouTube, query, 3)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		cand := provider.EntryTrack(track.ProviderYouTube, e)
		if cand.ProviderID == "" || cand.SourceID() == t.SourceID() {
			continue
		}
		cand.Alternate = true
		return m.engine.acquire(ctx, req.derive(cand))
	}
	return nil, apperrors.NewNotFoundError("fallback search found nothing for " + query)
}
