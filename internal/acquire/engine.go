// Package acquire turns tracks into readable audio by walking an ordered,
// circuit-broken chain of acquisition methods.
package acquire

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/cache"
	"github.com/trackline/trackline/internal/download"
	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/health"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/provider"
	"github.com/trackline/trackline/internal/track"
)

// CacheReader opens valid cache entries
type CacheReader interface {
	Open(key string) (*os.File, *cache.Entry, error)
}

// CacheAliaser lets a key serve another key's cached file
type CacheAliaser interface {
	Alias(key, target string) (*cache.Entry, error)
}

// Fetcher fills the cache for a track, single-flighted by cache key
type Fetcher interface {
	Fetch(ctx context.Context, t *track.Track, ownerID string, progress chan<- download.ProgressUpdate) (*cache.Entry, error)
	Cancel(ownerID string) int
}

// StreamerSource looks up the direct-stream capability of a provider
type StreamerSource interface {
	Streamer(name track.Provider) (provider.Streamer, bool)
}

// Rerouter finds playable stand-ins and cross-provider alternates
type Rerouter interface {
	ResolveForPlayback(ctx context.Context, t *track.Track) (*track.Track, error)
	Alternate(ctx context.Context, t *track.Track) (*track.Track, error)
}

// SearchSource runs a downloader-native search
type SearchSource interface {
	Search(ctx context.Context, prefix, query string, limit int) ([]provider.Entry, error)
}

// Config holds the per-method attempt timeouts
type Config struct {
	DirectTimeout    time.Duration
	PipelineTimeout  time.Duration
	AlternateTimeout time.Duration
	FallbackTimeout  time.Duration
}

// DefaultConfig returns the built-in timeouts
func DefaultConfig() Config {
	return Config{
		DirectTimeout:    10 * time.Second,
		PipelineTimeout:  3 * time.Minute,
		AlternateTimeout: 4 * time.Minute,
		FallbackTimeout:  4 * time.Minute,
	}
}

// Deps are the collaborators of an Engine. Cache and Health are required;
// a method whose collaborator is missing is left out of the chain.
type Deps struct {
	Cache     CacheReader
	Health    *health.Tracker
	Pipeline  Fetcher
	Streamers StreamerSource
	Client    *network.Client
	Resolver  Rerouter
	Search    SearchSource
	Limiter   *StreamLimiter
}

// Request is one acquisition call
type Request struct {
	Track *track.Track
	// Owner tags pipeline jobs so a session can cancel them
	Owner string
	// Progress receives pipeline progress records; may be nil
	Progress chan<- download.ProgressUpdate

	nested bool
}

// derive returns the request for a substitute track inside the same call
func (r *Request) derive(t *track.Track) *Request {
	return &Request{Track: t, Owner: r.Owner, Progress: r.Progress, nested: true}
}

// Option customizes a GetStream call
type Option func(*Request)

// WithOwner tags the call with a session id
func WithOwner(ownerID string) Option {
	return func(r *Request) { r.Owner = ownerID }
}

// WithProgress forwards pipeline progress to ch
func WithProgress(ch chan<- download.ProgressUpdate) Option {
	return func(r *Request) { r.Progress = ch }
}

type step struct {
	method   Method
	timeout  time.Duration
	provider track.Provider
}

// Engine dispatches acquisition requests over the method chain
type Engine struct {
	cfg    Config
	deps   Deps
	cached Method
	logger *zap.Logger

	// chain builds the ordered steps for a request after the cache check
	chain func(req *Request) []step
}

// New creates an engine
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Cache == nil || deps.Health == nil {
		return nil, apperrors.NewValidationError("acquisition engine needs a cache and a health tracker")
	}
	def := DefaultConfig()
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = def.DirectTimeout
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = def.PipelineTimeout
	}
	if cfg.AlternateTimeout <= 0 {
		cfg.AlternateTimeout = def.AlternateTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = def.FallbackTimeout
	}
	if deps.Client == nil {
		deps.Client = network.NewClient(nil)
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		cached: &cacheMethod{cache: deps.Cache},
		logger: monitoring.Named(logger, "acquire"),
	}
	e.chain = e.defaultChain
	return e, nil
}

// Limiter returns the stream limiter, which may be nil
func (e *Engine) Limiter() *StreamLimiter {
	return e.deps.Limiter
}

// GetStream returns audio for t. It waits for a free stream slot, checks the
// cache, then tries the remaining methods in order until one succeeds. An
// authorization error aborts immediately; otherwise a fully failed chain
// returns an *errors.ExhaustedError naming every attempted method.
func (e *Engine) GetStream(ctx context.Context, t *track.Track, opts ...Option) (*Stream, error) {
	if t == nil {
		return nil, apperrors.NewValidationError("track cannot be nil")
	}
	req := &Request{Track: t}
	for _, opt := range opts {
		opt(req)
	}

	release, err := e.deps.Limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s, err := e.acquire(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	s.onClose(release)
	return s, nil
}

// Warm fills the cache for t without opening a stream. Metadata-only tracks
// are matched to a playable stand-in first.
func (e *Engine) Warm(ctx context.Context, t *track.Track, ownerID string) error {
	if e.deps.Pipeline == nil {
		return nil
	}
	if !t.Provider.Playable() {
		if e.deps.Resolver == nil {
			return apperrors.NewValidationError(fmt.Sprintf("%s tracks need a resolver", t.Provider))
		}
		playable, err := e.deps.Resolver.ResolveForPlayback(ctx, t)
		if err != nil {
			return err
		}
		t = playable
	}
	_, err := e.deps.Pipeline.Fetch(ctx, t, ownerID, nil)
	return err
}

// Cancel stops the pipeline jobs owned by ownerID and returns how many were affected
func (e *Engine) Cancel(ownerID string) int {
	if e.deps.Pipeline == nil {
		return 0
	}
	return e.deps.Pipeline.Cancel(ownerID)
}

func (e *Engine) acquire(ctx context.Context, req *Request) (*Stream, error) {
	t := req.Track

	if s, err := e.cached.Attempt(ctx, req); err == nil {
		t.AcquisitionHint = MethodCache
		monitoring.RecordAcquisition(MethodCache, "success", 0)
		e.logger.Info("Serving from cache", zap.String("track", t.String()), zap.String("path", s.Path))
		return s, nil
	} else if apperrors.GetErrorType(err) == apperrors.ErrTypeCacheCorruption {
		e.logger.Warn("Cache entry corrupt, treating as miss", zap.String("track", t.String()), zap.Error(err))
	}

	steps := promote(e.chain(req), t.AcquisitionHint)
	if len(steps) == 0 {
		return nil, &apperrors.ExhaustedError{Subject: t.String()}
	}

	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.method.Name()
	}
	allowedNames, reset := e.deps.Health.Filter(names)
	if reset {
		e.logger.Warn("All methods cooling down, trying every method", zap.String("track", t.String()))
	}
	allowed := make(map[string]bool, len(allowedNames))
	for _, n := range allowedNames {
		allowed[n] = true
	}

	var failures []apperrors.MethodFailure
	var blocked track.Provider
	for _, st := range steps {
		name := st.method.Name()
		if !allowed[name] {
			e.logger.Debug("Skipping method in cooldown", zap.String("method", name))
			continue
		}
		if blocked != "" && st.provider == blocked {
			continue
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, st.timeout)
		s, err := st.method.Attempt(actx, req)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			e.deps.Health.RecordSuccess(name)
			monitoring.RecordAcquisition(name, "success", elapsed)
			t.AcquisitionHint = name
			e.logger.Info("Stream acquired",
				zap.String("track", t.String()),
				zap.String("method", name),
				zap.String("streamed", s.Track.String()),
				zap.Duration("duration", elapsed))
			return s, nil
		}

		if ctx.Err() != nil {
			return nil, apperrors.Classify("", ctx.Err())
		}
		if apperrors.GetErrorType(err) == apperrors.ErrTypeUnknown && stderrors.Is(err, context.DeadlineExceeded) {
			err = apperrors.NewTimeoutError(fmt.Sprintf("%s timed out after %s", name, st.timeout), err)
		}
		failures = append(failures, apperrors.MethodFailure{Method: name, Err: err})
		monitoring.RecordAcquisition(name, string(apperrors.GetErrorType(err)), elapsed)

		if apperrors.IsFatalForTrack(err) {
			e.logger.Warn("Track needs authorization, aborting chain",
				zap.String("track", t.String()),
				zap.String("method", name),
				zap.Error(err))
			return nil, err
		}

		e.deps.Health.RecordFailure(name, err)
		e.logger.Warn("Acquisition method failed",
			zap.String("track", t.String()),
			zap.String("method", name),
			zap.String("error_type", string(apperrors.GetErrorType(err))),
			zap.Duration("duration", elapsed),
			zap.Error(err))

		if apperrors.IsPlatformBlocking(err) && st.provider != "" {
			blocked = st.provider
		}
	}

	exhausted := &apperrors.ExhaustedError{Subject: t.String(), Failures: failures}
	if !req.nested {
		monitoring.ChainExhaustedTotal.Inc()
		e.logger.Error("Every acquisition method failed",
			zap.String("track", t.String()),
			zap.Strings("methods", exhausted.Methods()))
	}
	return nil, exhausted
}

// defaultChain orders the methods for req: the provider's own direct and
// pipeline paths, then a cross-provider alternate, then the generic search.
// Metadata-only tracks go through a playable stand-in instead.
func (e *Engine) defaultChain(req *Request) []step {
	t := req.Track
	var steps []step

	if !t.Provider.Playable() {
		if e.deps.Resolver != nil {
			steps = append(steps, step{method: &resolveMethod{engine: e, resolver: e.deps.Resolver}, timeout: e.cfg.AlternateTimeout})
		}
	} else {
		if e.deps.Streamers != nil {
			if s, ok := e.deps.Streamers.Streamer(t.Provider); ok {
				steps = append(steps, step{
					method:   &directMethod{provider: t.Provider, streamer: s, client: e.deps.Client},
					timeout:  e.cfg.DirectTimeout,
					provider: t.Provider,
				})
			}
		}
		if e.deps.Pipeline != nil {
			steps = append(steps, step{
				method:   &pipelineMethod{provider: t.Provider, fetcher: e.deps.Pipeline, cache: e.deps.Cache},
				timeout:  e.cfg.PipelineTimeout,
				provider: t.Provider,
			})
		}
		if e.deps.Resolver != nil && !t.Alternate {
			steps = append(steps, step{method: &alternateMethod{engine: e, resolver: e.deps.Resolver}, timeout: e.cfg.AlternateTimeout})
		}
	}

	if e.deps.Search != nil && !req.nested && !t.Alternate {
		steps = append(steps, step{method: &searchMethod{engine: e, search: e.deps.Search}, timeout: e.cfg.FallbackTimeout})
	}
	return steps
}

// promote moves the step named by hint to the front, keeping the rest in order
func promote(steps []step, hint string) []step {
	if hint == "" || hint == MethodCache {
		return steps
	}
	for i, st := range steps {
		if st.method.Name() != hint {
			continue
		}
		if i == 0 {
			return steps
		}
		out := make([]step, 0, len(steps))
		out = append(out, st)
		out = append(out, steps[:i]...)
		return append(out, steps[i+1:]...)
	}
	return steps
}
