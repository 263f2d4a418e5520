package provider

import (
	"context"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

const (
	defaultSpotifyOEmbed = "https://open.spotify.com/oembed"
	defaultSpotifyPage   = "https://open.spotify.com"
)

var (
	spotifyIDRe     = regexp.MustCompile(`^[A-Za-z0-9]{22}$`)
	ogTitleRe       = regexp.MustCompile(`<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']+)["']`)
	ogDescRe        = regexp.MustCompile(`<meta[^>]*property=["']og:description["'][^>]*content=["']([^"']+)["']`)
	ogImageRe       = regexp.MustCompile(`<meta[^>]*property=["']og:image["'][^>]*content=["']([^"']+)["']`)
	musicDurationRe = regexp.MustCompile(`<meta[^>]*name=["']music:duration["'][^>]*content=["'](\d+)["']`)
)

// Spotify is a metadata-only provider; it never supplies audio
type Spotify struct {
	client         *network.Client
	ytdlp          *YTDLP
	oembedEndpoint string
	pageBase       string
	logger         *zap.Logger
}

// NewSpotify creates the Spotify provider
func NewSpotify(client *network.Client, y *YTDLP, logger *zap.Logger) *Spotify {
	return &Spotify{
		client:         client,
		ytdlp:          y,
		oembedEndpoint: defaultSpotifyOEmbed,
		pageBase:       defaultSpotifyPage,
		logger:         monitoring.Named(logger, "spotify"),
	}
}

func (p *Spotify) Name() track.Provider { return track.ProviderSpotify }

func (p *Spotify) Match(u *url.URL) bool {
	return hostIs(u, "open.spotify.com", "play.spotify.com")
}

// spotifyTrackID handles /track/<id> and localized /intl-xx/track/<id>
func spotifyTrackID(u *url.URL) (string, bool) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "track" && spotifyIDRe.MatchString(parts[i+1]) {
			return parts[i+1], true
		}
	}
	return "", false
}

func spotifyURL(id string) string {
	return "https://open.spotify.com/track/" + id
}

func (p *Spotify) Stub(u *url.URL) (*track.Track, bool) {
	id, ok := spotifyTrackID(u)
	if !ok {
		return nil, false
	}
	return &track.Track{
		Title:        id,
		CanonicalURL: spotifyURL(id),
		Provider:     p.Name(),
		ProviderID:   id,
		Stub:         true,
	}, true
}

func (p *Spotify) Rungs() []Rung {
	return []Rung{
		{Name: "page", Fetch: p.fetchPage},
		{Name: "oembed", Fetch: p.fetchOEmbed},
		{Name: "yt-dlp", Fetch: p.fetchYTDLP},
	}
}

// fetchPage reads the Open Graph tags of the public track page
func (p *Spotify) fetchPage(ctx context.Context, u *url.URL) (*track.Track, error) {
	id, ok := spotifyTrackID(u)
	if !ok {
		return nil, apperrors.NewValidationError("not a spotify track url")
	}
	return observe(p.Name(), func() (*track.Track, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.pageBase+"/track/"+id, nil)
		if err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
		resp, err := p.client.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := network.StatusError(resp); err != nil {
			return nil, err
		}

		// the tags live in <head>, well inside the first 512KiB
		body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
		if err != nil {
			return nil, apperrors.NewNetworkError("failed to read track page", err)
		}
		t := parseSpotifyPage(string(body))
		if t == nil {
			return nil, apperrors.NewNotFoundError("track page carries no metadata")
		}
		t.CanonicalURL = spotifyURL(id)
		t.Provider = p.Name()
		t.ProviderID = id
		return t, nil
	})
}

func parseSpotifyPage(page string) *track.Track {
	m := ogTitleRe.FindStringSubmatch(page)
	if len(m) < 2 {
		return nil
	}
	t := &track.Track{Title: html.UnescapeString(m[1])}
	if i := strings.Index(t.Title, " - song and lyrics by"); i != -1 {
		t.Title = t.Title[:i]
	}
	t.Title = strings.TrimSuffix(t.Title, " | Spotify")

	// "Artist · Album · Song · Year"
	if m := ogDescRe.FindStringSubmatch(page); len(m) > 1 {
		desc := html.UnescapeString(m[1])
		if artist, _, ok := strings.Cut(desc, " · "); ok {
			t.Author = strings.TrimSpace(artist)
		}
	}
	if m := ogImageRe.FindStringSubmatch(page); len(m) > 1 {
		t.Thumbnail = html.UnescapeString(m[1])
	}
	if m := musicDurationRe.FindStringSubmatch(page); len(m) > 1 {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			t.DurationMs = secs * 1000
		}
	}
	return t
}

func (p *Spotify) fetchOEmbed(ctx context.Context, u *url.URL) (*track.Track, error) {
	id, ok := spotifyTrackID(u)
	if !ok {
		return nil, apperrors.NewValidationError("not a spotify track url")
	}
	return observe(p.Name(), func() (*track.Track, error) {
		o, err := fetchOEmbed(ctx, p.client, p.oembedEndpoint, spotifyURL(id))
		if err != nil {
			return nil, err
		}
		if o.Title == "" {
			return nil, apperrors.NewNotFoundError("oembed returned no title")
		}
		t := &track.Track{
			Title:        o.Title,
			Author:       o.AuthorName,
			CanonicalURL: spotifyURL(id),
			Provider:     p.Name(),
			ProviderID:   id,
			Thumbnail:    o.ThumbnailURL,
		}
		if t.Author == "" {
			if title, artist, ok := strings.Cut(o.Title, " by "); ok {
				t.Title, t.Author = title, artist
			}
		}
		return t, nil
	})
}

func (p *Spotify) fetchYTDLP(ctx context.Context, u *url.URL) (*track.Track, error) {
	id, ok := spotifyTrackID(u)
	if !ok {
		return nil, apperrors.NewValidationError("not a spotify track url")
	}
	return observe(p.Name(), func() (*track.Track, error) {
		e, err := p.ytdlp.Metadata(ctx, spotifyURL(id))
		if err != nil {
			return nil, err
		}
		return &track.Track{
			Title:        e.Title,
			Author:       e.Uploader,
			DurationMs:   e.Duration.Milliseconds(),
			CanonicalURL: spotifyURL(id),
			Provider:     p.Name(),
			ProviderID:   id,
			Thumbnail:    e.Thumbnail,
		}, nil
	})
}
