package resolver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/provider"
	"github.com/trackline/trackline/internal/track"
)

// PlaylistSource lists the entries of a playlist or mix URL
type PlaylistSource interface {
	Playlist(ctx context.Context, rawURL string, limit int) ([]provider.Entry, error)
}

// Recommender picks autoplay continuations from the seed's radio mix,
// skipping anything already played
type Recommender struct {
	resolver *Resolver
	mixes    PlaylistSource
	limit    int
	logger   *zap.Logger
}

// NewRecommender creates a recommender. limit caps how many mix entries are read.
func NewRecommender(resolver *Resolver, mixes PlaylistSource, limit int, logger *zap.Logger) *Recommender {
	if limit <= 0 {
		limit = 25
	}
	return &Recommender{
		resolver: resolver,
		mixes:    mixes,
		limit:    limit,
		logger:   monitoring.Named(logger, "recommender"),
	}
}

// mixURL returns the radio playlist seeded by a YouTube video
func mixURL(t *track.Track) string {
	if t.Provider == track.ProviderYouTubeMusic {
		return "https://music.youtube.com/watch?v=" + t.ProviderID + "&list=RDAMVM" + t.ProviderID
	}
	return "https://www.youtube.com/watch?v=" + t.ProviderID + "&list=RD" + t.ProviderID
}

// Next returns a track related to seed that is not in history.
// It returns nil, nil when nothing suitable is found.
func (r *Recommender) Next(ctx context.Context, seed *track.Track, history []*track.Track) (*track.Track, error) {
	if seed == nil {
		return nil, apperrors.NewValidationError("recommendation needs a seed track")
	}

	played := newPlayedSet(seed, history)

	ytSeed := seed
	if seed.Provider != track.ProviderYouTube && seed.Provider != track.ProviderYouTubeMusic {
		alt, err := r.resolver.ResolveForPlayback(ctx, seed)
		if err != nil || (alt.Provider != track.ProviderYouTube && alt.Provider != track.ProviderYouTubeMusic) {
			ytSeed = nil
		} else {
			ytSeed = alt
			played.add(alt)
		}
	}

	if ytSeed != nil && ytSeed.ProviderID != "" {
		entries, err := r.mixes.Playlist(ctx, mixURL(ytSeed), r.limit)
		if err != nil {
			r.logger.Warn("Mix lookup failed, falling back to search",
				zap.String("seed", seed.String()),
				zap.Error(err))
		}
		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			cand := provider.EntryTrack(ytSeed.Provider, e)
			if !played.has(cand) {
				r.logger.Debug("Recommendation from mix",
					zap.String("seed", seed.String()),
					zap.String("next", cand.String()))
				return cand, nil
			}
		}
	}

	// no usable mix: search for more by the same artist
	query := strings.TrimSpace(seed.Author)
	if query == "" {
		query = seed.Title
	}
	results, err := r.resolver.Search(ctx, query, 10)
	if err != nil {
		return nil, err
	}
	for _, cand := range results {
		if cand.Provider.Playable() && !played.has(cand) {
			return cand, nil
		}
	}
	return nil, nil
}

type playedSet struct {
	ids  map[string]bool
	keys map[string]bool
}

func newPlayedSet(seed *track.Track, history []*track.Track) *playedSet {
	s := &playedSet{ids: make(map[string]bool), keys: make(map[string]bool)}
	s.add(seed)
	for _, h := range history {
		s.add(h)
	}
	return s
}

func (s *playedSet) add(t *track.Track) {
	if t == nil {
		return
	}
	if t.ProviderID != "" {
		s.ids[t.ProviderID] = true
	}
	s.keys[t.DedupeKey()] = true
}

func (s *playedSet) has(t *track.Track) bool {
	return (t.ProviderID != "" && s.ids[t.ProviderID]) || s.keys[t.DedupeKey()]
}
