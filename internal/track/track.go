package track

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Provider identifies the upstream content source a track was found on
type Provider string

const (
	ProviderYouTube      Provider = "youtube"
	ProviderYouTubeMusic Provider = "youtube_music"
	ProviderSoundCloud   Provider = "soundcloud"
	ProviderDeezer       Provider = "deezer"
	ProviderSpotify      Provider = "spotify"
	ProviderDirect       Provider = "direct"
)

// Playable reports whether audio can be acquired from the provider itself
func (p Provider) Playable() bool {
	switch p {
	case ProviderYouTube, ProviderYouTubeMusic, ProviderSoundCloud, ProviderDirect:
		return true
	default:
		return false
	}
}

// MetadataOnly reports whether the provider only supplies track metadata
func (p Provider) MetadataOnly() bool {
	return p == ProviderDeezer || p == ProviderSpotify
}

// ParseProvider converts a stored provider name back to a Provider
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderYouTube, ProviderYouTubeMusic, ProviderSoundCloud,
		ProviderDeezer, ProviderSpotify, ProviderDirect:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Track is the canonical, resolved representation of a playable item.
// Everything except AcquisitionHint is fixed once resolution completes.
type Track struct {
	Title        string   `json:"title"`
	Author       string   `json:"author"`
	DurationMs   int64    `json:"duration_ms"`
	CanonicalURL string   `json:"canonical_url"`
	Provider     Provider `json:"provider"`
	Thumbnail    string   `json:"thumbnail,omitempty"`
	ProviderID   string   `json:"provider_id"`
	ISRC         string   `json:"isrc,omitempty"`
	ViewCount    int64    `json:"view_count,omitempty"`

	// AcquisitionHint names the last method that produced audio for this track
	AcquisitionHint string `json:"acquisition_hint,omitempty"`

	// Alternate marks a track produced by cross-provider re-resolution.
	// An alternate is never re-resolved again.
	Alternate bool `json:"-"`

	// Stub marks a track built only from the identifier in its URL
	Stub bool `json:"stub,omitempty"`
}

// SourceID is the stable identifier the content-addressed cache is keyed by
func (t *Track) SourceID() string {
	if t.ProviderID != "" {
		return string(t.Provider) + ":" + t.ProviderID
	}
	return string(t.Provider) + ":" + t.CanonicalURL
}

// Duration returns the track length
func (t *Track) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// DedupeKey returns the normalized (title, author) pair used for duplicate detection
func (t *Track) DedupeKey() string {
	return Normalize(t.Title) + "|" + Normalize(t.Author)
}

// Clone returns a copy safe to annotate independently
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// String renders "Author - Title" for logs
func (t *Track) String() string {
	if t.Author == "" {
		return t.Title
	}
	return t.Author + " - " + t.Title
}

var noiseReplacer = strings.NewReplacer(
	" feat. ", " ",
	" feat ", " ",
	" ft. ", " ",
	" featuring ", " ",
	" - topic", "",
)

// Normalize lowercases s, strips punctuation and collapses whitespace
func Normalize(s string) string {
	s = " " + strings.ToLower(strings.TrimSpace(s)) + " "
	s = noiseReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens splits the normalized form of s into words
func Tokens(s string) []string {
	n := Normalize(s)
	if n == "" {
		return nil
	}
	return strings.Fields(n)
}
