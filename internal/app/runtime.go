// Package app constructs the process-wide components once and hands out
// per-session playback managers that share them.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/acquire"
	"github.com/trackline/trackline/internal/cache"
	"github.com/trackline/trackline/internal/config"
	"github.com/trackline/trackline/internal/download"
	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/health"
	"github.com/trackline/trackline/internal/metadata"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/playback"
	"github.com/trackline/trackline/internal/provider"
	"github.com/trackline/trackline/internal/resolver"
	"github.com/trackline/trackline/internal/store"
	"github.com/trackline/trackline/internal/track"
)

// Version is reported by the health endpoint
const Version = "0.4.0"

// historyRetention bounds how long play history rows are kept
const historyRetention = 90 * 24 * time.Hour

// recommendationPool is how many mix entries are considered per recommendation
const recommendationPool = 25

// Runtime owns the shared components: cache, method health, download jobs,
// stream limiter and storage. Sessions only share state through it.
type Runtime struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *sql.DB
	Client      *network.Client
	YTDLP       *provider.YTDLP
	Registry    *provider.Registry
	Resolver    *resolver.Resolver
	Cache       *cache.Store
	Health      *health.Tracker
	Hub         *download.ProgressHub
	Pipeline    *download.Pipeline
	Engine      *acquire.Engine
	Prefetcher  *download.Prefetcher
	Recommender *resolver.Recommender
	History     *store.HistoryStore
	Snapshots   *store.SnapshotStore
	Checker     *monitoring.HealthChecker

	mu       sync.Mutex
	sessions map[string]*playback.Manager
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds every shared component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, apperrors.NewValidationError("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid configuration: %v", err))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		sessions: make(map[string]*playback.Manager),
	}

	rt.Client = network.NewClient(&network.ClientConfig{
		Timeout:               config.Seconds(cfg.Network.Timeout),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.Seconds(cfg.Network.Timeout),
		ProxyURL:              cfg.Network.ProxyURL,
		UserAgent:             cfg.Network.UserAgent,
		RequestsPerSecond:     cfg.Network.RequestsPerS,
		Burst:                 cfg.Network.Burst,
	})

	cookieFile := ""
	if download.ValidCookieFile(cfg.Download.CookieFile) {
		cookieFile = cfg.Download.CookieFile
	} else if cfg.Download.CookieFile != "" {
		logger.Warn("Ignoring unusable cookie file", zap.String("path", cfg.Download.CookieFile))
	}

	rt.YTDLP = provider.NewYTDLP(provider.YTDLPConfig{
		Path:       cfg.Download.YTDLPPath,
		ProxyURL:   cfg.Network.ProxyURL,
		CookieFile: cookieFile,
	}, logger)

	rt.Registry = provider.NewRegistry(
		provider.NewYouTube(rt.Client, rt.YTDLP, logger),
		provider.NewYouTubeMusic(rt.Client, rt.YTDLP, logger),
		provider.NewSoundCloud(rt.Client, rt.YTDLP, logger),
		provider.NewDeezer(rt.Client, rt.YTDLP, logger),
		provider.NewSpotify(rt.Client, rt.YTDLP, logger),
		provider.NewDirect(rt.Client, logger),
	)

	resolverCfg, err := resolverConfig(cfg.Resolver)
	if err != nil {
		return nil, err
	}
	rt.Resolver = resolver.New(rt.Registry, resolverCfg, logger)

	rt.Cache, err = cache.New(cache.Config{
		Dir:    cfg.Cache.Dir,
		TTL:    cfg.CacheTTL(),
		Format: cfg.Cache.Format,
	}, logger)
	if err != nil {
		return nil, err
	}

	rt.Health = health.NewTracker(health.Config{
		CooldownBase:   config.Seconds(cfg.Acquisition.CooldownBaseSeconds),
		CooldownMax:    config.Seconds(cfg.Acquisition.CooldownMaxSeconds),
		FailureCeiling: cfg.Acquisition.FailureCeiling,
		TTL:            time.Duration(cfg.Acquisition.HealthTTLMinutes) * time.Minute,
	}, logger)

	runner := download.NewToolRunner(download.ToolConfig{
		YTDLPPath:     cfg.Download.YTDLPPath,
		FFmpegPath:    cfg.Download.FFmpegPath,
		Format:        cfg.Cache.Format,
		Bitrate:       cfg.Cache.Bitrate,
		Retries:       cfg.Download.Retries,
		SocketTimeout: config.Seconds(cfg.Download.SocketTimeoutSeconds),
		CookieFile:    cookieFile,
		ProxyURL:      cfg.Network.ProxyURL,
	}, logger)

	var tagger download.Tagger
	if cfg.Cache.EmbedTags {
		tagger = metadata.NewManager(&metadata.Config{
			EmbedArtwork: cfg.Cache.EmbedArtwork,
			ArtworkSize:  cfg.Cache.ArtworkSize,
		}, rt.Client, monitoring.Named(logger, "metadata"))
	}

	rt.Hub = download.NewProgressHub()
	rt.Pipeline, err = download.NewPipeline(download.Config{
		WorkDir:    cfg.Download.WorkDir,
		JobTimeout: config.Seconds(cfg.Download.JobTimeoutSeconds),
	}, runner, rt.Cache, tagger, rt.Hub, logger)
	if err != nil {
		return nil, err
	}

	rt.Engine, err = acquire.New(acquire.Config{
		DirectTimeout:    config.Seconds(cfg.Acquisition.DirectTimeoutSeconds),
		PipelineTimeout:  config.Seconds(cfg.Acquisition.PipelineTimeoutSeconds),
		AlternateTimeout: config.Seconds(cfg.Acquisition.AlternateTimeoutSeconds),
		FallbackTimeout:  config.Seconds(cfg.Acquisition.FallbackTimeoutSeconds),
	}, acquire.Deps{
		Cache:     rt.Cache,
		Health:    rt.Health,
		Pipeline:  rt.Pipeline,
		Streamers: rt.Registry,
		Client:    rt.Client,
		Resolver:  rt.Resolver,
		Search:    rt.YTDLP,
		Limiter:   acquire.NewStreamLimiter(cfg.Download.MaxConcurrentStreams),
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Download.PrefetchWorkers > 0 {
		rt.Prefetcher = download.NewPrefetcher(cfg.Download.PrefetchWorkers, rt.Engine, logger)
	}
	rt.Recommender = resolver.NewRecommender(rt.Resolver, rt.YTDLP, recommendationPool, logger)

	rt.DB, err = store.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	rt.History = store.NewHistoryStore(rt.DB, logger)
	rt.Snapshots, err = store.NewSnapshotStore(cfg.Playback.SnapshotDir, logger)
	if err != nil {
		rt.DB.Close()
		return nil, err
	}
	rt.Checker = monitoring.NewHealthChecker(Version, rt.DB)

	logger.Info("Runtime initialized",
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.String("db_path", cfg.Storage.DBPath),
		zap.Int("max_streams", cfg.Download.MaxConcurrentStreams),
		zap.Int("prefetch_workers", cfg.Download.PrefetchWorkers))
	return rt, nil
}

// resolverConfig converts the resolver section; unknown provider names are rejected
func resolverConfig(c config.ResolverConfig) (resolver.Config, error) {
	rc := resolver.DefaultConfig()
	if c.ProviderTimeoutSeconds > 0 {
		rc.ProviderTimeout = config.Seconds(c.ProviderTimeoutSeconds)
	}
	if c.RungTimeoutSeconds > 0 {
		rc.RungTimeout = config.Seconds(c.RungTimeoutSeconds)
	}
	if c.SearchLimit > 0 {
		rc.SearchLimit = c.SearchLimit
	}
	if len(c.NegativeHints) > 0 {
		rc.NegativeHints = c.NegativeHints
	}
	if c.MatchThreshold > 0 {
		rc.MatchThreshold = c.MatchThreshold
	}
	if len(c.Providers) > 0 {
		rc.PlaybackProviders = rc.PlaybackProviders[:0:0]
		for _, name := range c.Providers {
			p, err := track.ParseProvider(name)
			if err != nil {
				return rc, apperrors.NewValidationError(err.Error())
			}
			if !p.Playable() {
				return rc, apperrors.NewValidationError(fmt.Sprintf("provider %s cannot supply audio", p))
			}
			rc.PlaybackProviders = append(rc.PlaybackProviders, p)
		}
	}
	return rc, nil
}

// Start launches the prefetch workers and the periodic sweeper
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if r.Prefetcher != nil {
		if err := r.Prefetcher.Start(ctx); err != nil {
			cancel()
			return err
		}
	}
	r.cancel = cancel
	r.started = true

	r.wg.Add(1)
	go r.sweepLoop(ctx, r.Config.SweepInterval())
	return nil
}

func (r *Runtime) sweepLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts expired cache files, idle health records and old history rows
func (r *Runtime) Sweep(ctx context.Context) {
	removed, err := r.Cache.Sweep()
	if err != nil {
		r.Logger.Warn("Cache sweep failed", zap.Error(err))
	}
	records := r.Health.Sweep()
	pruned, err := r.History.Prune(ctx, historyRetention)
	if err != nil {
		r.Logger.Warn("History prune failed", zap.Error(err))
	}
	r.Logger.Debug("Sweep finished",
		zap.Int("cache_files", removed),
		zap.Int("health_records", records),
		zap.Int64("history_rows", pruned))
}

// ProviderUp reports whether audio can currently be fetched from p itself.
// A provider is down while all of its own methods are cooling down.
// Metadata-only providers are always up; they go through stand-ins.
func (r *Runtime) ProviderUp(p track.Provider) bool {
	if !p.Playable() {
		return true
	}
	for _, name := range acquire.ProviderMethods(p) {
		if r.Health.Allowed(name) {
			return true
		}
	}
	return false
}

// Session returns the playback manager of sessionID, creating and restoring
// it on first use. player is only used when the session is created.
func (r *Runtime) Session(ctx context.Context, sessionID string, player playback.AudioPlayer) (*playback.Manager, error) {
	r.mu.Lock()
	if m, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	deps := playback.Deps{
		Streams:     r.Engine,
		Player:      player,
		Recommender: r.Recommender,
		Snapshots:   r.Snapshots,
		History:     r.History,
		ProviderUp:  r.ProviderUp,
	}
	if r.Prefetcher != nil {
		deps.Prefetch = r.Prefetcher
	}
	m, err := playback.NewManager(sessionID, r.playbackConfig(), deps, r.Logger)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sessionID]; ok {
		// lost a creation race
		m.Close()
		return existing, nil
	}
	r.sessions[sessionID] = m
	r.Logger.Info("Session opened", zap.String("session", sessionID))
	return m, nil
}

func (r *Runtime) playbackConfig() playback.Config {
	c := r.Config.Playback
	return playback.Config{
		TrackFailureThreshold:  c.TrackFailureThreshold,
		GlobalFailureThreshold: c.GlobalFailureThreshold,
		MinNaturalDuration:     config.Seconds(c.MinNaturalSeconds),
		Autoplay:               c.Autoplay,
		Continuous:             c.Continuous,
		AutoStart:              true,
		SnapshotDebounce:       time.Duration(c.SnapshotDebounceMillis) * time.Millisecond,
		HistorySize:            c.HistorySize,
		DefaultVolume:          c.DefaultVolume,
	}
}

// CloseSession stops a session and writes its final snapshot
func (r *Runtime) CloseSession(sessionID string) error {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID))
	}
	r.Logger.Info("Session closed", zap.String("session", sessionID))
	return m.Close()
}

// Stats returns the live numbers reported by the health check
func (r *Runtime) Stats() monitoring.RuntimeStats {
	r.mu.Lock()
	sessions := len(r.sessions)
	r.mu.Unlock()

	cooling, total := r.Health.Cooling()
	stats := monitoring.RuntimeStats{
		ActiveJobs:     r.Pipeline.ActiveCount(),
		Methods:        total,
		CoolingMethods: cooling,
		Sessions:       sessions,
	}
	if l := r.Engine.Limiter(); l != nil {
		stats.ActiveStreams = l.InUse()
		stats.StreamCeiling = l.Capacity()
	}
	return stats
}

// Check runs the health check
func (r *Runtime) Check() *monitoring.HealthCheck {
	return r.Checker.Check(r.Stats())
}

// Close stops every session, the workers and the sweeper, then closes the database
func (r *Runtime) Close() error {
	r.mu.Lock()
	sessions := make([]*playback.Manager, 0, len(r.sessions))
	for id, m := range r.sessions {
		sessions = append(sessions, m)
		delete(r.sessions, id)
	}
	cancel := r.cancel
	started := r.started
	r.cancel = nil
	r.started = false
	r.mu.Unlock()

	for _, m := range sessions {
		if err := m.Close(); err != nil {
			r.Logger.Warn("Failed to save session snapshot", zap.String("session", m.SessionID()), zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if started && r.Prefetcher != nil {
		r.Prefetcher.Stop()
	}
	r.wg.Wait()

	r.Logger.Info("Runtime stopped")
	return r.DB.Close()
}
