package provider

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

const defaultYouTubeOEmbed = "https://www.youtube.com/oembed"

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// VideoID extracts the 11 character video id from any YouTube or YouTube Music URL
func VideoID(u *url.URL) (string, bool) {
	var id string
	switch {
	case hostIs(u, "youtu.be"):
		id = strings.Trim(u.Path, "/")
	case hostIs(u, "youtube.com", "music.youtube.com", "youtube-nocookie.com"):
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 {
			switch parts[0] {
			case "shorts", "embed", "live", "v":
				id = parts[1]
			}
		}
	}
	if !videoIDRe.MatchString(id) {
		return "", false
	}
	return id, true
}

// WatchURL builds the canonical watch URL for id
func WatchURL(p track.Provider, id string) string {
	if p == track.ProviderYouTubeMusic {
		return "https://music.youtube.com/watch?v=" + id
	}
	return "https://www.youtube.com/watch?v=" + id
}

func videoTrack(p track.Provider, id, title, author string, dur time.Duration) *track.Track {
	return &track.Track{
		Title:        title,
		Author:       strings.TrimSuffix(author, " - Topic"),
		DurationMs:   dur.Milliseconds(),
		CanonicalURL: WatchURL(p, id),
		Provider:     p,
		ProviderID:   id,
		Thumbnail:    "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg",
	}
}

// EntryTrack converts a yt-dlp entry for a YouTube video into a track
func EntryTrack(p track.Provider, e Entry) *track.Track {
	t := videoTrack(p, e.ID, e.Title, e.Uploader, e.Duration)
	t.ViewCount = e.ViewCount
	if e.Thumbnail != "" {
		t.Thumbnail = e.Thumbnail
	}
	return t
}

// parseColonDuration parses "3:20" or "1:05:20"
func parseColonDuration(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

// YouTube resolves and searches youtube.com videos
type YouTube struct {
	client         *network.Client
	ytdlp          *YTDLP
	oembedEndpoint string
	logger         *zap.Logger
}

// NewYouTube creates the YouTube provider
func NewYouTube(client *network.Client, y *YTDLP, logger *zap.Logger) *YouTube {
	return &YouTube{
		client:         client,
		ytdlp:          y,
		oembedEndpoint: defaultYouTubeOEmbed,
		logger:         monitoring.Named(logger, "youtube"),
	}
}

func (p *YouTube) Name() track.Provider { return track.ProviderYouTube }

func (p *YouTube) Match(u *url.URL) bool {
	if hostIs(u, "music.youtube.com") {
		return false
	}
	return hostIs(u, "youtube.com", "youtu.be", "youtube-nocookie.com")
}

func (p *YouTube) Stub(u *url.URL) (*track.Track, bool) {
	id, ok := VideoID(u)
	if !ok {
		return nil, false
	}
	t := videoTrack(p.Name(), id, id, "", 0)
	t.Stub = true
	return t, true
}

func (p *YouTube) Rungs() []Rung {
	return videoRungs(p.Name(), p.client, p.ytdlp, p.oembedEndpoint)
}

// Search uses the community search library
func (p *YouTube) Search(ctx context.Context, query string, limit int) ([]*track.Track, error) {
	return observe(p.Name(), func() ([]*track.Track, error) {
		c := ytsearch.NewClient(p.client.HTTP())
		res, err := c.Search(ctx, query)
		if err != nil {
			return nil, apperrors.Classify("", wrapCtx(ctx, err))
		}

		limit = clampLimit(limit, 25)
		tracks := make([]*track.Track, 0, limit)
		for _, r := range res.Results {
			if r.VideoID == "" {
				continue
			}
			tracks = append(tracks, videoTrack(p.Name(), r.VideoID, r.Title, r.Channel, parseColonDuration(r.Duration)))
			if len(tracks) == limit {
				break
			}
		}
		return tracks, nil
	})
}

func (p *YouTube) StreamURL(ctx context.Context, t *track.Track) (string, error) {
	return observe(p.Name(), func() (string, error) {
		return p.ytdlp.StreamURL(ctx, t.CanonicalURL)
	})
}

// YouTubeMusic resolves and searches music.youtube.com tracks
type YouTubeMusic struct {
	client         *network.Client
	ytdlp          *YTDLP
	oembedEndpoint string
	logger         *zap.Logger
}

// NewYouTubeMusic creates the YouTube Music provider
func NewYouTubeMusic(client *network.Client, y *YTDLP, logger *zap.Logger) *YouTubeMusic {
	return &YouTubeMusic{
		client:         client,
		ytdlp:          y,
		oembedEndpoint: defaultYouTubeOEmbed,
		logger:         monitoring.Named(logger, "youtube_music"),
	}
}

func (p *YouTubeMusic) Name() track.Provider { return track.ProviderYouTubeMusic }

func (p *YouTubeMusic) Match(u *url.URL) bool {
	return hostIs(u, "music.youtube.com")
}

func (p *YouTubeMusic) Stub(u *url.URL) (*track.Track, bool) {
	id, ok := VideoID(u)
	if !ok {
		return nil, false
	}
	t := videoTrack(p.Name(), id, id, "", 0)
	t.Stub = true
	return t, true
}

func (p *YouTubeMusic) Rungs() []Rung {
	return videoRungs(p.Name(), p.client, p.ytdlp, p.oembedEndpoint)
}

// Search queries YouTube Music's song shelf. The library has no context
// support, so the call is abandoned (not interrupted) when ctx ends.
func (p *YouTubeMusic) Search(ctx context.Context, query string, limit int) ([]*track.Track, error) {
	return observe(p.Name(), func() ([]*track.Track, error) {
		type result struct {
			tracks []*track.Track
			err    error
		}
		limit = clampLimit(limit, 25)
		done := make(chan result, 1)

		go func() {
			r, err := ytmusic.TrackSearch(query).Next()
			if err != nil {
				done <- result{err: apperrors.NewNetworkError("youtube music search failed", err)}
				return
			}
			tracks := make([]*track.Track, 0, limit)
			for _, v := range r.Tracks {
				if v.VideoID == "" {
					continue
				}
				artists := make([]string, 0, len(v.Artists))
				for _, a := range v.Artists {
					artists = append(artists, a.Name)
				}
				t := videoTrack(p.Name(), v.VideoID, v.Title, strings.Join(artists, ", "), time.Duration(v.Duration)*time.Second)
				if n := len(v.Thumbnails); n > 0 {
					t.Thumbnail = v.Thumbnails[n-1].URL
				}
				tracks = append(tracks, t)
				if len(tracks) == limit {
					break
				}
			}
			done <- result{tracks: tracks}
		}()

		select {
		case r := <-done:
			return r.tracks, r.err
		case <-ctx.Done():
			return nil, apperrors.Classify("", ctx.Err())
		}
	})
}

func (p *YouTubeMusic) StreamURL(ctx context.Context, t *track.Track) (string, error) {
	return observe(p.Name(), func() (string, error) {
		return p.ytdlp.StreamURL(ctx, t.CanonicalURL)
	})
}

// videoRungs is the ladder shared by both YouTube providers:
// oEmbed, then the search library looked up by id, then yt-dlp.
func videoRungs(p track.Provider, client *network.Client, y *YTDLP, oembedEndpoint string) []Rung {
	return []Rung{
		{
			Name: "oembed",
			Fetch: func(ctx context.Context, u *url.URL) (*track.Track, error) {
				id, ok := VideoID(u)
				if !ok {
					return nil, apperrors.NewValidationError("url carries no video id")
				}
				return observe(p, func() (*track.Track, error) {
					o, err := fetchOEmbed(ctx, client, oembedEndpoint, WatchURL(track.ProviderYouTube, id))
					if err != nil {
						return nil, err
					}
					t := videoTrack(p, id, o.Title, o.AuthorName, 0)
					if o.ThumbnailURL != "" {
						t.Thumbnail = o.ThumbnailURL
					}
					return t, nil
				})
			},
		},
		{
			Name: "ytsearch",
			Fetch: func(ctx context.Context, u *url.URL) (*track.Track, error) {
				id, ok := VideoID(u)
				if !ok {
					return nil, apperrors.NewValidationError("url carries no video id")
				}
				return observe(p, func() (*track.Track, error) {
					res, err := ytsearch.NewClient(client.HTTP()).Search(ctx, id)
					if err != nil {
						return nil, apperrors.Classify("", wrapCtx(ctx, err))
					}
					for _, r := range res.Results {
						if r.VideoID == id {
							return videoTrack(p, id, r.Title, r.Channel, parseColonDuration(r.Duration)), nil
						}
					}
					return nil, apperrors.NewNotFoundError("video " + id + " not in search results")
				})
			},
		},
		{
			Name: "yt-dlp",
			Fetch: func(ctx context.Context, u *url.URL) (*track.Track, error) {
				id, ok := VideoID(u)
				if !ok {
					return nil, apperrors.NewValidationError("url carries no video id")
				}
				return observe(p, func() (*track.Track, error) {
					e, err := y.Metadata(ctx, WatchURL(track.ProviderYouTube, id))
					if err != nil {
						return nil, err
					}
					e.ID = id
					return EntryTrack(p, *e), nil
				})
			},
		},
	}
}

// wrapCtx prefers the context error so deadline expiry classifies as a timeout
func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return apperrors.NewNetworkError("request failed", err)
}
