package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

const (
	defaultDeezerAPI = "https://api.deezer.com"

	// deezerQuotaCode is the error code the public API returns when throttling
	deezerQuotaCode = 4
)

// flexibleID accepts both numeric and string ids
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexibleID(data)
	return nil
}

type deezerArtist struct {
	ID   flexibleID `json:"id"`
	Name string     `json:"name"`
}

type deezerAlbum struct {
	ID       flexibleID `json:"id"`
	Title    string     `json:"title"`
	CoverBig string     `json:"cover_big"`
	CoverXL  string     `json:"cover_xl"`
}

type deezerTrack struct {
	ID       flexibleID    `json:"id"`
	Title    string        `json:"title"`
	ISRC     string        `json:"isrc"`
	Link     string        `json:"link"`
	Duration int           `json:"duration"`
	Rank     int64         `json:"rank"`
	Artist   *deezerArtist `json:"artist"`
	Album    *deezerAlbum  `json:"album"`
}

type deezerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Deezer is a metadata-only provider backed by the public Deezer API
type Deezer struct {
	client   *network.Client
	ytdlp    *YTDLP
	recovery *apperrors.RecoveryManager
	baseURL  string
	logger   *zap.Logger
}

// NewDeezer creates the Deezer provider. The recovery manager gates every
// API call once the public quota is hit.
func NewDeezer(client *network.Client, y *YTDLP, logger *zap.Logger) *Deezer {
	logger = monitoring.Named(logger, "deezer")
	retry := apperrors.DefaultRetryConfig()
	retry.InitialBackoff = 2 * time.Second
	retry.MaxBackoff = 8 * time.Second
	return &Deezer{
		client:   client,
		ytdlp:    y,
		recovery: apperrors.NewRecoveryManager(logger, retry, 5*time.Second),
		baseURL:  defaultDeezerAPI,
		logger:   logger,
	}
}

func (p *Deezer) Name() track.Provider { return track.ProviderDeezer }

func (p *Deezer) Match(u *url.URL) bool {
	return hostIs(u, "deezer.com", "link.deezer.com", "deezer.page.link")
}

// deezerTrackID finds the id in /track/<id> or /<lang>/track/<id>
func deezerTrackID(u *url.URL) (string, bool) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "track" {
			continue
		}
		if _, err := strconv.ParseUint(parts[i+1], 10, 64); err == nil {
			return parts[i+1], true
		}
	}
	return "", false
}

func (p *Deezer) Stub(u *url.URL) (*track.Track, bool) {
	id, ok := deezerTrackID(u)
	if !ok {
		return nil, false
	}
	return &track.Track{
		Title:        id,
		CanonicalURL: "https://www.deezer.com/track/" + id,
		Provider:     p.Name(),
		ProviderID:   id,
		Stub:         true,
	}, true
}

func (p *Deezer) Rungs() []Rung {
	return []Rung{
		{Name: "api", Fetch: p.fetchAPI},
		{Name: "yt-dlp", Fetch: p.fetchYTDLP},
	}
}

func (p *Deezer) fetchAPI(ctx context.Context, u *url.URL) (*track.Track, error) {
	id, ok := deezerTrackID(u)
	if !ok {
		return nil, apperrors.NewValidationError("not a deezer track url")
	}
	return observe(p.Name(), func() (*track.Track, error) {
		return p.GetTrack(ctx, id)
	})
}

func (p *Deezer) fetchYTDLP(ctx context.Context, u *url.URL) (*track.Track, error) {
	id, ok := deezerTrackID(u)
	if !ok {
		return nil, apperrors.NewValidationError("not a deezer track url")
	}
	return observe(p.Name(), func() (*track.Track, error) {
		e, err := p.ytdlp.Metadata(ctx, "https://www.deezer.com/track/"+id)
		if err != nil {
			return nil, err
		}
		return &track.Track{
			Title:        e.Title,
			Author:       e.Uploader,
			DurationMs:   e.Duration.Milliseconds(),
			CanonicalURL: "https://www.deezer.com/track/" + id,
			Provider:     p.Name(),
			ProviderID:   id,
			Thumbnail:    e.Thumbnail,
		}, nil
	})
}

// GetTrack retrieves full track details, including the ISRC
func (p *Deezer) GetTrack(ctx context.Context, id string) (*track.Track, error) {
	if id == "" {
		return nil, apperrors.NewValidationError("track ID cannot be empty")
	}
	var dt deezerTrack
	if err := p.doPublicAPIRequest(ctx, "/track/"+url.PathEscape(id), nil, &dt); err != nil {
		return nil, fmt.Errorf("get track failed: %w", err)
	}
	if dt.ID == "" {
		return nil, apperrors.NewNotFoundError("deezer track " + id + " not found")
	}
	return p.toTrack(&dt), nil
}

// Search searches the public track index
func (p *Deezer) Search(ctx context.Context, query string, limit int) ([]*track.Track, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewValidationError("search query cannot be empty")
	}
	limit = clampLimit(limit, 25)

	return observe(p.Name(), func() ([]*track.Track, error) {
		params := url.Values{}
		params.Set("q", query)
		params.Set("limit", strconv.Itoa(limit))

		var page struct {
			Data []*deezerTrack `json:"data"`
		}
		if err := p.doPublicAPIRequest(ctx, "/search/track", params, &page); err != nil {
			return nil, fmt.Errorf("search tracks failed: %w", err)
		}

		tracks := make([]*track.Track, 0, len(page.Data))
		for _, dt := range page.Data {
			if dt == nil || dt.ID == "" {
				continue
			}
			tracks = append(tracks, p.toTrack(dt))
		}
		return tracks, nil
	})
}

func (p *Deezer) toTrack(dt *deezerTrack) *track.Track {
	t := &track.Track{
		Title:        dt.Title,
		DurationMs:   int64(dt.Duration) * 1000,
		CanonicalURL: dt.Link,
		Provider:     p.Name(),
		ProviderID:   string(dt.ID),
		ISRC:         dt.ISRC,
		// rank is Deezer's popularity score; it stands in for a view count
		ViewCount: dt.Rank,
	}
	if t.CanonicalURL == "" {
		t.CanonicalURL = "https://www.deezer.com/track/" + string(dt.ID)
	}
	if dt.Artist != nil {
		t.Author = dt.Artist.Name
	}
	if dt.Album != nil {
		t.Thumbnail = dt.Album.CoverBig
		if t.Thumbnail == "" {
			t.Thumbnail = dt.Album.CoverXL
		}
	}
	return t
}

// doPublicAPIRequest performs a request to the public API. Quota errors are
// reported as rate limits, so the recovery manager backs off and gates the key.
func (p *Deezer) doPublicAPIRequest(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	apiURL := p.baseURL + endpoint
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	return p.recovery.Execute(ctx, "deezer_public_api", func() error {
		var raw json.RawMessage
		if err := p.client.GetJSON(ctx, apiURL, &raw); err != nil {
			return err
		}

		var envelope struct {
			Error *deezerError `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
			if envelope.Error.Code == deezerQuotaCode {
				return apperrors.NewRateLimitError("deezer quota exceeded", 0)
			}
			if envelope.Error.Type == "DataException" {
				return apperrors.NewNotFoundError(envelope.Error.Message)
			}
			return &apperrors.AppError{Type: apperrors.ErrTypeUnknown, Message: "API error: " + envelope.Error.Message}
		}

		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}
