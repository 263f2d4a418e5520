// Package playback drives one audio player per session through a
// failure-aware queue state machine.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/acquire"
	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// StreamSource produces audio for tracks and cancels a session's downloads
type StreamSource interface {
	GetStream(ctx context.Context, t *track.Track, opts ...acquire.Option) (*acquire.Stream, error)
	Cancel(ownerID string) int
}

// AudioPlayer is the platform player. Play hands over s; the player calls
// done exactly once, from its own goroutine, when playback of s ends: with
// nil on completion or the error that interrupted it.
type AudioPlayer interface {
	Play(s *acquire.Stream, done func(err error)) error
	Pause() error
	Resume() error
	Stop() error
	SetVolume(volume int) error
}

// RecommendationEngine suggests a continuation; nil, nil means no suggestion
type RecommendationEngine interface {
	Next(ctx context.Context, seed *track.Track, history []*track.Track) (*track.Track, error)
}

// Prefetcher warms the cache for upcoming tracks
type Prefetcher interface {
	Prefetch(ownerID string, t *track.Track) bool
	Cancel(ownerID string) int
}

// SnapshotStore persists queue snapshots per session. Load returns nil, nil
// when there is no usable saved state.
type SnapshotStore interface {
	Save(sessionID string, s *Snapshot) error
	Load(sessionID string) (*Snapshot, error)
}

// HistoryRecorder keeps play history across restarts
type HistoryRecorder interface {
	RecordPlay(ctx context.Context, sessionID string, t *track.Track) error
	RecordFailure(ctx context.Context, sessionID string, t *track.Track, reason string) error
	Recent(ctx context.Context, sessionID string, limit int) ([]*track.Track, error)
}

// Config holds the playback policy
type Config struct {
	// TrackFailureThreshold is the failure count at which a track is abandoned
	TrackFailureThreshold int
	// GlobalFailureThreshold is the consecutive failure count above which the queue is aborted
	GlobalFailureThreshold int
	// MinNaturalDuration separates a real track end from a collapsed stream
	MinNaturalDuration time.Duration
	Autoplay           bool
	Continuous         bool
	// AutoStart starts playback when a track is added to an empty, idle queue
	AutoStart        bool
	SnapshotDebounce time.Duration
	HistorySize      int
	DefaultVolume    int
}

// DefaultConfig returns the built-in policy
func DefaultConfig() Config {
	return Config{
		TrackFailureThreshold:  3,
		GlobalFailureThreshold: 5,
		MinNaturalDuration:     5 * time.Second,
		Autoplay:               true,
		Continuous:             true,
		AutoStart:              true,
		SnapshotDebounce:       2 * time.Second,
		HistorySize:            50,
		DefaultVolume:          100,
	}
}

// Deps are the collaborators of a Manager. Streams and Player are required.
type Deps struct {
	Streams     StreamSource
	Player      AudioPlayer
	Recommender RecommendationEngine
	Prefetch    Prefetcher
	Snapshots   SnapshotStore
	History     HistoryRecorder
	// ProviderUp reports whether a provider currently works; restored tracks
	// from failing providers are dropped
	ProviderUp func(track.Provider) bool
}

// playerEvent is a done callback that arrived during another transition
type playerEvent struct {
	gen uint64
	err error
}

type action int

const (
	actionRetry action = iota
	actionAdvance
	actionIdle
	actionAbort
)

// Manager is the playback state machine of one session
type Manager struct {
	session string
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	queue         *Queue
	state         State
	loop          LoopMode
	volume        int
	autoplay      bool
	continuous    bool
	transitioning bool
	// gen identifies the stream handed to the player; stale done callbacks are ignored
	gen uint64
	// epoch changes on stop, clear and abort so in-flight transitions give up
	epoch          uint64
	stream         *acquire.Stream
	playing        *track.Track
	resumedAt      time.Time
	played         time.Duration
	trackFailures  int
	globalFailures int
	recent         []*track.Track
	deferred       *playerEvent

	snapMu    sync.Mutex
	snapTimer *time.Timer
}

// NewManager creates the manager for sessionID
func NewManager(sessionID string, cfg Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if sessionID == "" {
		return nil, apperrors.NewValidationError("session id cannot be empty")
	}
	if deps.Streams == nil || deps.Player == nil {
		return nil, apperrors.NewValidationError("playback needs a stream source and a player")
	}
	def := DefaultConfig()
	if cfg.TrackFailureThreshold < 1 {
		cfg.TrackFailureThreshold = def.TrackFailureThreshold
	}
	if cfg.GlobalFailureThreshold < cfg.TrackFailureThreshold {
		cfg.GlobalFailureThreshold = def.GlobalFailureThreshold
	}
	if cfg.MinNaturalDuration < 0 {
		cfg.MinNaturalDuration = def.MinNaturalDuration
	}
	if cfg.SnapshotDebounce <= 0 {
		cfg.SnapshotDebounce = def.SnapshotDebounce
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.DefaultVolume <= 0 || cfg.DefaultVolume > 100 {
		cfg.DefaultVolume = def.DefaultVolume
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		session:    sessionID,
		cfg:        cfg,
		deps:       deps,
		logger:     monitoring.Named(logger, "playback").With(zap.String("session", sessionID)),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		queue:      NewQueue(),
		state:      StateIdle,
		loop:       LoopOff,
		volume:     cfg.DefaultVolume,
		autoplay:   cfg.Autoplay,
		continuous: cfg.Continuous,
	}, nil
}

// SessionID returns the owning session
func (m *Manager) SessionID() string { return m.session }

// Restore reloads the saved snapshot. Tracks from providers that are down are
// dropped and the cursor is reset so nothing resumes mid-track.
func (m *Manager) Restore(ctx context.Context) error {
	if m.deps.History != nil {
		recent, err := m.deps.History.Recent(ctx, m.session, m.cfg.HistorySize)
		if err != nil {
			m.logger.Warn("Failed to load play history", zap.Error(err))
		}
		m.mu.Lock()
		m.recent = recent
		m.mu.Unlock()
	}

	if m.deps.Snapshots == nil {
		return nil
	}
	snap, err := m.deps.Snapshots.Load(m.session)
	if err != nil {
		m.logger.Warn("Ignoring unreadable queue snapshot", zap.Error(err))
		return nil
	}
	if snap == nil {
		return nil
	}

	var kept []*track.Track
	dropped := 0
	for _, t := range snap.Queue {
		if t == nil {
			continue
		}
		if m.deps.ProviderUp != nil && !m.deps.ProviderUp(t.Provider) {
			dropped++
			continue
		}
		kept = append(kept, t)
	}

	m.mu.Lock()
	m.queue = NewQueue(kept...)
	if mode, err := ParseLoopMode(string(snap.LoopMode)); err == nil {
		m.loop = mode
	}
	if snap.Volume > 0 && snap.Volume <= 100 {
		m.volume = snap.Volume
	}
	m.autoplay = snap.Autoplay
	m.continuous = snap.Continuous
	volume := m.volume
	m.mu.Unlock()

	if err := m.deps.Player.SetVolume(volume); err != nil {
		m.logger.Warn("Failed to apply restored volume", zap.Error(err))
	}

	m.logger.Info("Queue restored",
		zap.Int("tracks", len(kept)),
		zap.Int("dropped", dropped))
	return nil
}

// Add appends t. The cursor only moves when the queue was empty, in which
// case an idle session starts playing when AutoStart is set.
func (m *Manager) Add(ctx context.Context, t *track.Track) (int, error) {
	if t == nil {
		return -1, apperrors.NewValidationError("track cannot be nil")
	}

	m.mu.Lock()
	wasEmpty := m.queue.Len() == 0
	idx := m.queue.Append(t)
	start := wasEmpty && m.cfg.AutoStart && m.state == StateIdle
	if start {
		m.moveCursorLocked(0)
	}
	prefetch := m.state == StatePlaying && idx == m.queue.Cursor()+1
	m.mu.Unlock()

	m.scheduleSnapshot()
	if prefetch {
		m.prefetch(t)
	}
	if start {
		if err := m.begin(); err != nil {
			return idx, nil
		}
		defer m.end()
		return idx, m.run(ctx)
	}
	return idx, nil
}

// Play starts the track at the cursor, or the first track when not started.
// A paused session is resumed.
func (m *Manager) Play(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	switch state {
	case StatePaused:
		return m.Resume()
	case StatePlaying, StateBuffering:
		return nil
	}

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	m.mu.Lock()
	if m.queue.Len() == 0 {
		m.mu.Unlock()
		return apperrors.NewValidationError("queue is empty")
	}
	if m.queue.Cursor() < 0 {
		m.moveCursorLocked(0)
	}
	m.mu.Unlock()
	return m.run(ctx)
}

// Jump plays the track at index i
func (m *Manager) Jump(ctx context.Context, i int) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	m.mu.Lock()
	if i < 0 || i >= m.queue.Len() {
		n := m.queue.Len()
		m.mu.Unlock()
		return indexError(i, n)
	}
	m.mu.Unlock()

	m.halt()
	m.mu.Lock()
	m.moveCursorLocked(i)
	m.mu.Unlock()
	m.scheduleSnapshot()
	return m.run(ctx)
}

// Skip abandons the current track and plays the next one, asking for a
// recommendation when the queue is exhausted and autoplay is on
func (m *Manager) Skip(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	m.mu.Lock()
	if m.queue.Len() == 0 {
		m.mu.Unlock()
		return apperrors.NewValidationError("queue is empty")
	}
	seed := m.queue.Current()
	m.mu.Unlock()

	m.halt()

	m.mu.Lock()
	advanced := m.queue.Advance()
	if advanced {
		m.trackFailures = 0
	}
	m.mu.Unlock()

	if !advanced && !m.recommend(ctx, seed) {
		m.idle(true)
		return nil
	}
	m.scheduleSnapshot()
	return m.run(ctx)
}

// Previous plays the track before the cursor, or restarts the first track
func (m *Manager) Previous(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	m.mu.Lock()
	if m.queue.Len() == 0 {
		m.mu.Unlock()
		return apperrors.NewValidationError("queue is empty")
	}
	m.mu.Unlock()

	m.halt()
	m.mu.Lock()
	prev := m.queue.Cursor() - 1
	if prev < 0 {
		prev = 0
	}
	m.moveCursorLocked(prev)
	m.mu.Unlock()
	m.scheduleSnapshot()
	return m.run(ctx)
}

// Pause pauses a playing session
func (m *Manager) Pause() error {
	m.mu.Lock()
	if m.state != StatePlaying {
		m.mu.Unlock()
		return apperrors.NewValidationError("nothing is playing")
	}
	m.mu.Unlock()

	if err := m.deps.Player.Pause(); err != nil {
		return err
	}
	m.mu.Lock()
	m.played += m.now().Sub(m.resumedAt)
	m.setStateLocked(StatePaused)
	m.mu.Unlock()
	return nil
}

// Resume continues a paused session
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StatePaused {
		m.mu.Unlock()
		return apperrors.NewValidationError("playback is not paused")
	}
	m.mu.Unlock()

	if err := m.deps.Player.Resume(); err != nil {
		return err
	}
	m.mu.Lock()
	m.resumedAt = m.now()
	m.setStateLocked(StatePlaying)
	m.mu.Unlock()
	return nil
}

// Stop halts playback from any state and cancels the session's downloads.
// The queue and cursor are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()

	m.halt()
	m.cancelWork()
	m.mu.Lock()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
}

// Remove deletes the track at index i. Removing the playing track moves on
// to the track that takes its place.
func (m *Manager) Remove(ctx context.Context, i int) (*track.Track, error) {
	m.mu.Lock()
	removed, current, err := m.queue.Remove(i)
	active := m.state != StateIdle
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.scheduleSnapshot()

	if !current || !active {
		return removed, nil
	}

	m.halt()
	m.mu.Lock()
	m.trackFailures = 0
	next := m.queue.Current()
	m.mu.Unlock()
	if next == nil {
		m.idle(false)
		return removed, nil
	}
	if err := m.begin(); err != nil {
		return removed, err
	}
	defer m.end()
	return removed, m.run(ctx)
}

// Move relocates a queued track; the cursor follows the current track
func (m *Manager) Move(from, to int) error {
	m.mu.Lock()
	err := m.queue.Move(from, to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.scheduleSnapshot()
	return nil
}

// Shuffle randomizes the upcoming tracks
func (m *Manager) Shuffle() {
	m.mu.Lock()
	m.queue.Shuffle()
	m.mu.Unlock()
	m.scheduleSnapshot()
}

// Clear stops playback and empties the queue
func (m *Manager) Clear() {
	m.Stop()
	m.mu.Lock()
	m.queue.Clear()
	m.trackFailures = 0
	m.mu.Unlock()
	m.scheduleSnapshot()
}

// SetVolume sets the player volume, 1-100
func (m *Manager) SetVolume(volume int) error {
	if volume < 1 || volume > 100 {
		return apperrors.NewValidationError(fmt.Sprintf("volume %d out of range 1-100", volume))
	}
	if err := m.deps.Player.SetVolume(volume); err != nil {
		return err
	}
	m.mu.Lock()
	m.volume = volume
	m.mu.Unlock()
	m.scheduleSnapshot()
	return nil
}

// SetLoopMode sets the loop mode
func (m *Manager) SetLoopMode(mode LoopMode) error {
	mode, err := ParseLoopMode(string(mode))
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	m.mu.Lock()
	m.loop = mode
	m.mu.Unlock()
	m.scheduleSnapshot()
	return nil
}

// SetAutoplay toggles recommendations when the queue runs out
func (m *Manager) SetAutoplay(on bool) {
	m.mu.Lock()
	m.autoplay = on
	m.mu.Unlock()
	m.scheduleSnapshot()
}

// SetContinuous toggles advancing to the next track on natural end
func (m *Manager) SetContinuous(on bool) {
	m.mu.Lock()
	m.continuous = on
	m.mu.Unlock()
	m.scheduleSnapshot()
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Queue returns a copy of the queued tracks
func (m *Manager) Queue() []*track.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Items()
}

// Status returns a point-in-time view of the session
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:        m.state,
		Current:      m.queue.Current(),
		CurrentIndex: m.queue.Cursor(),
		Length:       m.queue.Len(),
		LoopMode:     m.loop,
		Volume:       m.volume,
		Autoplay:     m.autoplay,
		Continuous:   m.continuous,
		Elapsed:      m.elapsedLocked(),
	}
}

// Close stops playback and writes any pending snapshot
func (m *Manager) Close() error {
	m.Stop()
	m.cancel()

	m.snapMu.Lock()
	pending := m.snapTimer != nil && m.snapTimer.Stop()
	m.snapTimer = nil
	m.snapMu.Unlock()
	if pending {
		return m.saveSnapshot()
	}
	return nil
}

// run plays the track at the cursor, applying the failure policy until a
// track is playing, the queue goes idle, or it is aborted. The caller holds
// the transition guard.
func (m *Manager) run(ctx context.Context) error {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return nil
		}
		t := m.queue.Current()
		if t == nil {
			m.setStateLocked(StateIdle)
			m.mu.Unlock()
			return nil
		}
		m.gen++
		gen := m.gen
		m.setStateLocked(StateBuffering)
		m.mu.Unlock()

		err := m.start(ctx, t, gen)
		if err == nil {
			return nil
		}
		m.mu.Lock()
		stopped := m.epoch != epoch
		m.mu.Unlock()
		if stopped {
			return nil
		}
		if ctx.Err() != nil {
			m.idle(false)
			return apperrors.Classify("", ctx.Err())
		}

		switch m.fail(ctx, t, err) {
		case actionRetry, actionAdvance:
			continue
		case actionAbort:
			return ErrQueueAborted
		default:
			return nil
		}
	}
}

// start acquires a stream for t and hands it to the player
func (m *Manager) start(ctx context.Context, t *track.Track, gen uint64) error {
	stream, err := m.deps.Streams.GetStream(ctx, t, acquire.WithOwner(m.session))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		// stopped while buffering
		m.mu.Unlock()
		stream.Close()
		return nil
	}
	m.stream = stream
	m.playing = t
	m.mu.Unlock()

	if err := m.deps.Player.Play(stream, func(perr error) { m.finished(gen, perr) }); err != nil {
		m.mu.Lock()
		if m.stream == stream {
			m.stream, m.playing = nil, nil
		}
		m.mu.Unlock()
		stream.Close()
		return err
	}

	m.mu.Lock()
	m.globalFailures = 0
	m.resumedAt = m.now()
	m.played = 0
	m.setStateLocked(StatePlaying)
	m.pushRecentLocked(t)
	next := m.queue.Peek(1)
	m.mu.Unlock()

	m.logger.Info("Now playing",
		zap.String("track", t.String()),
		zap.String("method", stream.Method),
		zap.String("streamed", stream.Track.String()))

	if m.deps.History != nil {
		if err := m.deps.History.RecordPlay(ctx, m.session, t); err != nil {
			m.logger.Warn("Failed to record play", zap.Error(err))
		}
	}
	if next != nil {
		m.prefetch(next)
	}
	return nil
}

// finished handles the player's done callback for the stream of generation gen
func (m *Manager) finished(gen uint64, perr error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.transitioning {
		// handled once the running transition ends
		m.deferred = &playerEvent{gen: gen, err: perr}
		m.mu.Unlock()
		return
	}
	m.transitioning = true
	t := m.playing
	elapsed := m.elapsedLocked()
	if m.stream != nil {
		m.stream.Close()
	}
	m.stream, m.playing = nil, nil
	m.mu.Unlock()
	defer m.end()

	if t == nil {
		return
	}
	ctx := m.ctx

	if perr == nil && elapsed < m.cfg.MinNaturalDuration {
		perr = apperrors.NewNetworkError(fmt.Sprintf("stream ended after %s", elapsed.Round(time.Millisecond)), nil)
	}

	if perr != nil {
		switch m.fail(ctx, t, perr) {
		case actionRetry, actionAdvance:
			m.runLogged(ctx)
		}
		return
	}

	if m.naturalEnd(ctx, t) {
		m.runLogged(ctx)
	}
}

func (m *Manager) runLogged(ctx context.Context) {
	if err := m.run(ctx); err != nil && err != ErrQueueAborted {
		m.logger.Warn("Playback transition failed", zap.Error(err))
	}
}

// fail counts a failure of t and decides what to do next
func (m *Manager) fail(ctx context.Context, t *track.Track, err error) action {
	m.mu.Lock()
	m.setStateLocked(StateError)
	m.trackFailures++
	m.globalFailures++
	trackFailures, globalFailures := m.trackFailures, m.globalFailures
	m.mu.Unlock()

	m.logger.Warn("Track failed",
		zap.String("track", t.String()),
		zap.Int("track_failures", trackFailures),
		zap.Int("consecutive_failures", globalFailures),
		zap.String("error_type", string(apperrors.GetErrorType(err))),
		zap.Error(err))
	if m.deps.History != nil {
		if herr := m.deps.History.RecordFailure(ctx, m.session, t, err.Error()); herr != nil {
			m.logger.Warn("Failed to record track failure", zap.Error(herr))
		}
	}

	if globalFailures > m.cfg.GlobalFailureThreshold {
		m.abort()
		return actionAbort
	}
	if trackFailures < m.cfg.TrackFailureThreshold {
		return actionRetry
	}

	m.logger.Info("Abandoning track", zap.String("track", t.String()), zap.Int("failures", trackFailures))
	m.mu.Lock()
	advanced := m.queue.Advance()
	m.trackFailures = 0
	m.mu.Unlock()
	if advanced {
		m.scheduleSnapshot()
		return actionAdvance
	}
	if m.autoplayOn() && m.recommend(ctx, t) {
		return actionAdvance
	}
	m.idle(true)
	return actionIdle
}

// naturalEnd applies loop, continuous and autoplay after t completed; it
// reports whether playback continues
func (m *Manager) naturalEnd(ctx context.Context, t *track.Track) bool {
	m.mu.Lock()
	m.globalFailures = 0
	m.trackFailures = 0
	loop, continuous, autoplay := m.loop, m.continuous, m.autoplay

	switch {
	case loop == LoopTrack:
		m.mu.Unlock()
		return true
	case m.queue.HasNext():
		m.queue.Advance()
		m.mu.Unlock()
		m.scheduleSnapshot()
		if !continuous {
			m.idle(false)
			return false
		}
		return true
	case loop == LoopQueue && m.queue.Len() > 0:
		m.queue.SetCursor(0)
		m.mu.Unlock()
		m.scheduleSnapshot()
		return continuous
	}
	m.mu.Unlock()

	if autoplay && m.recommend(ctx, t) {
		return true
	}
	m.idle(true)
	return false
}

// recommend appends a recommendation seeded by seed and moves the cursor to it
func (m *Manager) recommend(ctx context.Context, seed *track.Track) bool {
	if m.deps.Recommender == nil || seed == nil {
		return false
	}
	m.mu.Lock()
	history := append([]*track.Track(nil), m.recent...)
	m.mu.Unlock()

	next, err := m.deps.Recommender.Next(ctx, seed, history)
	if err != nil {
		m.logger.Warn("Recommendation failed", zap.String("seed", seed.String()), zap.Error(err))
		return false
	}
	if next == nil {
		m.logger.Info("No recommendation available", zap.String("seed", seed.String()))
		return false
	}

	m.mu.Lock()
	idx := m.queue.Append(next)
	m.moveCursorLocked(idx)
	m.mu.Unlock()
	m.scheduleSnapshot()
	m.logger.Info("Autoplay queued", zap.String("seed", seed.String()), zap.String("next", next.String()))
	return true
}

// abort stops the whole queue after too many consecutive failures
func (m *Manager) abort() {
	m.mu.Lock()
	m.epoch++
	m.globalFailures = 0
	m.trackFailures = 0
	m.mu.Unlock()

	m.halt()
	m.cancelWork()
	m.mu.Lock()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.logger.Error("Playback stopped after repeated failures",
		zap.Int("threshold", m.cfg.GlobalFailureThreshold))
}

// halt stops the player and releases the current stream
func (m *Manager) halt() {
	m.mu.Lock()
	m.gen++
	s := m.stream
	m.stream, m.playing = nil, nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	if err := m.deps.Player.Stop(); err != nil {
		m.logger.Warn("Player stop failed", zap.Error(err))
	}
	s.Close()
}

// idle parks the session; clearCursor forgets the play position
func (m *Manager) idle(clearCursor bool) {
	m.mu.Lock()
	if clearCursor {
		m.queue.SetCursor(-1)
	}
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	if clearCursor {
		m.scheduleSnapshot()
	}
}

func (m *Manager) cancelWork() {
	jobs := m.deps.Streams.Cancel(m.session)
	prefetches := 0
	if m.deps.Prefetch != nil {
		prefetches = m.deps.Prefetch.Cancel(m.session)
	}
	if jobs > 0 || prefetches > 0 {
		m.logger.Info("Cancelled session downloads", zap.Int("jobs", jobs), zap.Int("prefetches", prefetches))
	}
}

func (m *Manager) prefetch(t *track.Track) {
	if m.deps.Prefetch != nil {
		m.deps.Prefetch.Prefetch(m.session, t)
	}
}

func (m *Manager) autoplayOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoplay
}

func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitioning {
		return ErrTransitionInProgress
	}
	m.transitioning = true
	return nil
}

func (m *Manager) end() {
	m.mu.Lock()
	m.transitioning = false
	ev := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	if ev != nil {
		go m.finished(ev.gen, ev.err)
	}
}

func (m *Manager) moveCursorLocked(i int) {
	if i != m.queue.Cursor() {
		m.trackFailures = 0
	}
	m.queue.SetCursor(i)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	monitoring.RecordTransition(string(m.state), string(s))
	m.logger.Debug("State transition", zap.String("from", string(m.state)), zap.String("to", string(s)))
	m.state = s
}

func (m *Manager) elapsedLocked() time.Duration {
	if m.state == StatePlaying {
		return m.played + m.now().Sub(m.resumedAt)
	}
	return m.played
}

func (m *Manager) pushRecentLocked(t *track.Track) {
	m.recent = append(m.recent, t)
	if over := len(m.recent) - m.cfg.HistorySize; over > 0 {
		m.recent = append([]*track.Track(nil), m.recent[over:]...)
	}
}
