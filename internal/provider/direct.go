package provider

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

// Direct handles plain http(s) links to audio files. It matches every URL,
// so it must be registered last.
type Direct struct {
	client *network.Client
	logger *zap.Logger
}

// NewDirect creates the direct-link provider
func NewDirect(client *network.Client, logger *zap.Logger) *Direct {
	return &Direct{client: client, logger: monitoring.Named(logger, "direct")}
}

func (p *Direct) Name() track.Provider { return track.ProviderDirect }

func (p *Direct) Match(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}

func (p *Direct) Stub(u *url.URL) (*track.Track, bool) {
	return &track.Track{
		Title:        fileTitle(u),
		Author:       u.Hostname(),
		CanonicalURL: u.String(),
		Provider:     p.Name(),
		Stub:         true,
	}, true
}

func (p *Direct) Rungs() []Rung {
	return []Rung{{Name: "probe", Fetch: p.probe}}
}

// probe issues a HEAD request and rejects anything that is not audio
func (p *Direct) probe(ctx context.Context, u *url.URL) (*track.Track, error) {
	return observe(p.Name(), func() (*track.Track, error) {
		ct, _, err := network.Probe(ctx, p.client, u.String())
		if err != nil {
			return nil, err
		}
		if !network.IsAudioContentType(ct) {
			return nil, apperrors.NewFormatUnavailableError(fmt.Sprintf("%s is %q, not audio", u.Redacted(), ct), nil)
		}
		return &track.Track{
			Title:        fileTitle(u),
			Author:       u.Hostname(),
			CanonicalURL: u.String(),
			Provider:     p.Name(),
		}, nil
	})
}

// StreamURL is the link itself
func (p *Direct) StreamURL(ctx context.Context, t *track.Track) (string, error) {
	if t.CanonicalURL == "" {
		return "", apperrors.NewValidationError("direct track has no url")
	}
	return t.CanonicalURL, nil
}

// fileTitle derives a title from the last path segment
func fileTitle(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Hostname()
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.NewReplacer("_", " ", "-", " ").Replace(base)
}
