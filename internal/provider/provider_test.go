package provider

import (
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := ParseURL(raw)
	if err != nil {
		t.Fatalf("ParseURL(%q) error = %v", raw, err)
	}
	return u
}

func testRegistry() *Registry {
	client := network.NewClient(nil)
	y := NewYTDLP(YTDLPConfig{Path: "/nonexistent/yt-dlp"}, zap.NewNop())
	return NewRegistry(
		NewYouTubeMusic(client, y, nil),
		NewYouTube(client, y, nil),
		NewSoundCloud(client, y, nil),
		NewDeezer(client, y, nil),
		NewSpotify(client, y, nil),
		NewDirect(client, nil),
	)
}

func TestRegistryForURL(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		url  string
		want track.Provider
	}{
		{"https://www.youtube.com/watch?v=4NRXx6U8ABQ", track.ProviderYouTube},
		{"https://youtu.be/4NRXx6U8ABQ", track.ProviderYouTube},
		{"https://m.youtube.com/watch?v=4NRXx6U8ABQ&t=10", track.ProviderYouTube},
		{"https://music.youtube.com/watch?v=4NRXx6U8ABQ", track.ProviderYouTubeMusic},
		{"https://soundcloud.com/artist/some-track", track.ProviderSoundCloud},
		{"https://www.deezer.com/en/track/908604612", track.ProviderDeezer},
		{"https://open.spotify.com/track/0VjIjW4GlUZAMYd2vXMi3b", track.ProviderSpotify},
		{"https://cdn.example.com/audio/song.mp3", track.ProviderDirect},
	}

	for _, tt := range tests {
		p, _, err := reg.ForURL(tt.url)
		if err != nil {
			t.Errorf("ForURL(%s) error = %v", tt.url, err)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("ForURL(%s) = %s, want %s", tt.url, p.Name(), tt.want)
		}
	}

	if _, _, err := reg.ForURL("ftp://example.com/a.mp3"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if _, _, err := reg.ForURL("blinding lights"); err == nil {
		t.Error("expected error for a plain query")
	}
}

func TestRegistryCapabilities(t *testing.T) {
	reg := testRegistry()

	if got := len(reg.Searchers()); got != 4 {
		t.Errorf("Searchers() = %d, want 4 (youtube music, youtube, soundcloud, deezer)", got)
	}
	if _, ok := reg.Streamer(track.ProviderSpotify); ok {
		t.Error("spotify must not stream")
	}
	if _, ok := reg.Streamer(track.ProviderDeezer); ok {
		t.Error("deezer must not stream")
	}
	if _, ok := reg.Streamer(track.ProviderYouTube); !ok {
		t.Error("youtube should stream")
	}
	if len(reg.Names()) != 6 {
		t.Errorf("Names() = %v", reg.Names())
	}
}

func TestVideoID(t *testing.T) {
	tests := []struct {
		url string
		id  string
		ok  bool
	}{
		{"https://www.youtube.com/watch?v=4NRXx6U8ABQ", "4NRXx6U8ABQ", true},
		{"https://youtu.be/4NRXx6U8ABQ?si=abc", "4NRXx6U8ABQ", true},
		{"https://www.youtube.com/shorts/4NRXx6U8ABQ", "4NRXx6U8ABQ", true},
		{"https://www.youtube.com/embed/4NRXx6U8ABQ", "4NRXx6U8ABQ", true},
		{"https://music.youtube.com/watch?v=4NRXx6U8ABQ&list=RDAMVM4NRXx6U8ABQ", "4NRXx6U8ABQ", true},
		{"https://www.youtube.com/watch?v=short", "", false},
		{"https://www.youtube.com/@channel", "", false},
		{"https://example.com/watch?v=4NRXx6U8ABQ", "", false},
	}

	for _, tt := range tests {
		id, ok := VideoID(mustURL(t, tt.url))
		if id != tt.id || ok != tt.ok {
			t.Errorf("VideoID(%s) = %q, %v; want %q, %v", tt.url, id, ok, tt.id, tt.ok)
		}
	}
}

func TestStubs(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		url        string
		providerID string
		canonical  string
	}{
		{"https://youtu.be/4NRXx6U8ABQ", "4NRXx6U8ABQ", "https://www.youtube.com/watch?v=4NRXx6U8ABQ"},
		{"https://music.youtube.com/watch?v=4NRXx6U8ABQ", "4NRXx6U8ABQ", "https://music.youtube.com/watch?v=4NRXx6U8ABQ"},
		{"https://soundcloud.com/the-weeknd/blinding-lights?in=x", "the-weeknd/blinding-lights", "https://soundcloud.com/the-weeknd/blinding-lights"},
		{"https://www.deezer.com/fr/track/908604612", "908604612", "https://www.deezer.com/track/908604612"},
		{"https://open.spotify.com/intl-de/track/0VjIjW4GlUZAMYd2vXMi3b?si=1", "0VjIjW4GlUZAMYd2vXMi3b", "https://open.spotify.com/track/0VjIjW4GlUZAMYd2vXMi3b"},
	}

	for _, tt := range tests {
		p, u, err := reg.ForURL(tt.url)
		if err != nil {
			t.Fatalf("ForURL(%s) error = %v", tt.url, err)
		}
		stub, ok := p.Stub(u)
		if !ok {
			t.Errorf("Stub(%s) not ok", tt.url)
			continue
		}
		if !stub.Stub || stub.ProviderID != tt.providerID || stub.CanonicalURL != tt.canonical {
			t.Errorf("Stub(%s) = %+v", tt.url, stub)
		}
		if stub.Title == "" {
			t.Errorf("Stub(%s) has no title", tt.url)
		}
	}

	for _, raw := range []string{
		"https://www.youtube.com/@channel",
		"https://soundcloud.com/artist",
		"https://soundcloud.com/artist/sets/album",
		"https://www.deezer.com/album/123",
		"https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M",
	} {
		p, u, _ := reg.ForURL(raw)
		if _, ok := p.Stub(u); ok {
			t.Errorf("Stub(%s) should fail without a track id", raw)
		}
	}
}

func TestParseEntries(t *testing.T) {
	out := "abc\thttps://www.youtube.com/watch?v=abc\tSong\tArtist - Topic\t200.5\t1234\thttps://i.ytimg.com/x.jpg\n" +
		"broken line\n" +
		"NA\tNA\tNA\tNA\tNA\tNA\tNA\n" +
		"def\thttps://www.youtube.com/watch?v=def\tOther\tNA\tNA\tNA\tNA\r\n"

	entries := parseEntries(out)
	if len(entries) != 2 {
		t.Fatalf("parseEntries() = %d entries, want 2: %+v", len(entries), entries)
	}
	e := entries[0]
	if e.ID != "abc" || e.Title != "Song" || e.Uploader != "Artist - Topic" || e.ViewCount != 1234 {
		t.Errorf("entry 0 = %+v", e)
	}
	if e.Duration != 200500*time.Millisecond {
		t.Errorf("duration = %v", e.Duration)
	}
	if entries[1].Uploader != "" || entries[1].Duration != 0 || entries[1].Thumbnail != "" {
		t.Errorf("NA fields should be empty: %+v", entries[1])
	}
}

func TestParseColonDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"3:20":    200 * time.Second,
		"1:05:20": 3920 * time.Second,
		"45":      0,
		"x:10":    0,
		"":        0,
	}
	for in, want := range tests {
		if got := parseColonDuration(in); got != want {
			t.Errorf("parseColonDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEntryTrackStripsTopicSuffix(t *testing.T) {
	tr := EntryTrack(track.ProviderYouTube, Entry{ID: "abc", Title: "Song", Uploader: "Artist - Topic"})
	if tr.Author != "Artist" {
		t.Errorf("Author = %q", tr.Author)
	}
	if tr.SourceID() != "youtube:abc" {
		t.Errorf("SourceID() = %q", tr.SourceID())
	}
}

func TestFileTitle(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/audio/my_song-final.mp3": "my song final",
		"https://cdn.example.com/a%20b.ogg":               "a b",
		"https://cdn.example.com/":                        "cdn.example.com",
	}
	for raw, want := range tests {
		if got := fileTitle(mustURL(t, raw)); got != want {
			t.Errorf("fileTitle(%s) = %q, want %q", raw, got, want)
		}
	}
}
