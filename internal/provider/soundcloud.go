package provider

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

const defaultSoundCloudOEmbed = "https://soundcloud.com/oembed"

// SoundCloud resolves soundcloud.com track pages. Search goes through yt-dlp.
type SoundCloud struct {
	client         *network.Client
	ytdlp          *YTDLP
	oembedEndpoint string
	logger         *zap.Logger
}

// NewSoundCloud creates the SoundCloud provider
func NewSoundCloud(client *network.Client, y *YTDLP, logger *zap.Logger) *SoundCloud {
	return &SoundCloud{
		client:         client,
		ytdlp:          y,
		oembedEndpoint: defaultSoundCloudOEmbed,
		logger:         monitoring.Named(logger, "soundcloud"),
	}
}

func (p *SoundCloud) Name() track.Provider { return track.ProviderSoundCloud }

func (p *SoundCloud) Match(u *url.URL) bool {
	return hostIs(u, "soundcloud.com", "on.soundcloud.com")
}

// soundCloudPath returns "artist/track" for a track page
func soundCloudPath(u *url.URL) (string, bool) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	switch parts[1] {
	case "sets", "likes", "tracks", "albums", "reposts":
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

func (p *SoundCloud) canonical(path string) string {
	return "https://soundcloud.com/" + path
}

// Stub titles the track from its slug
func (p *SoundCloud) Stub(u *url.URL) (*track.Track, bool) {
	path, ok := soundCloudPath(u)
	if !ok {
		return nil, false
	}
	artist, slug, _ := strings.Cut(path, "/")
	return &track.Track{
		Title:        strings.ReplaceAll(slug, "-", " "),
		Author:       artist,
		CanonicalURL: p.canonical(path),
		Provider:     p.Name(),
		ProviderID:   path,
		Stub:         true,
	}, true
}

func (p *SoundCloud) Rungs() []Rung {
	return []Rung{
		{Name: "oembed", Fetch: p.fetchOEmbed},
		{Name: "yt-dlp", Fetch: p.fetchYTDLP},
	}
}

func (p *SoundCloud) fetchOEmbed(ctx context.Context, u *url.URL) (*track.Track, error) {
	path, ok := soundCloudPath(u)
	if !ok {
		return nil, apperrors.NewValidationError("not a soundcloud track url")
	}
	return observe(p.Name(), func() (*track.Track, error) {
		o, err := fetchOEmbed(ctx, p.client, p.oembedEndpoint, p.canonical(path))
		if err != nil {
			return nil, err
		}
		// oEmbed titles read "Track by Artist"
		title := strings.TrimSuffix(o.Title, " by "+o.AuthorName)
		return &track.Track{
			Title:        title,
			Author:       o.AuthorName,
			CanonicalURL: p.canonical(path),
			Provider:     p.Name(),
			ProviderID:   path,
			Thumbnail:    o.ThumbnailURL,
		}, nil
	})
}

func (p *SoundCloud) fetchYTDLP(ctx context.Context, u *url.URL) (*track.Track, error) {
	return observe(p.Name(), func() (*track.Track, error) {
		e, err := p.ytdlp.Metadata(ctx, u.String())
		if err != nil {
			return nil, err
		}
		return p.entryTrack(*e), nil
	})
}

func (p *SoundCloud) entryTrack(e Entry) *track.Track {
	t := &track.Track{
		Title:        e.Title,
		Author:       e.Uploader,
		DurationMs:   e.Duration.Milliseconds(),
		CanonicalURL: e.URL,
		Provider:     p.Name(),
		ProviderID:   e.ID,
		Thumbnail:    e.Thumbnail,
		ViewCount:    e.ViewCount,
	}
	if u, err := url.Parse(e.URL); err == nil {
		if path, ok := soundCloudPath(u); ok {
			t.ProviderID = path
			t.CanonicalURL = p.canonical(path)
		}
	}
	return t
}

// Search runs a yt-dlp scsearch
func (p *SoundCloud) Search(ctx context.Context, query string, limit int) ([]*track.Track, error) {
	return observe(p.Name(), func() ([]*track.Track, error) {
		entries, err := p.ytdlp.Search(ctx, SearchSoundCloud, query, limit)
		if err != nil {
			return nil, err
		}
		tracks := make([]*track.Track, 0, len(entries))
		for _, e := range entries {
			if e.URL == "" {
				continue
			}
			tracks = append(tracks, p.entryTrack(e))
		}
		return tracks, nil
	})
}

func (p *SoundCloud) StreamURL(ctx context.Context, t *track.Track) (string, error) {
	return observe(p.Name(), func() (string, error) {
		return p.ytdlp.StreamURL(ctx, t.CanonicalURL)
	})
}
