package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/provider"
	"github.com/trackline/trackline/internal/track"
)

type fakeMixes struct {
	entries []provider.Entry
	err     error
	urls    []string
}

func (f *fakeMixes) Playlist(ctx context.Context, rawURL string, limit int) ([]provider.Entry, error) {
	f.urls = append(f.urls, rawURL)
	return f.entries, f.err
}

func TestRecommenderSkipsHistory(t *testing.T) {
	seed := tr(track.ProviderYouTube, "seed0000000", "Seed", "Artist", 200000, 0)
	mixes := &fakeMixes{entries: []provider.Entry{
		{ID: "seed0000000", Title: "Seed", Uploader: "Artist"},
		{ID: "played00000", Title: "Played", Uploader: "Artist"},
		{ID: "fresh000000", Title: "Fresh", Uploader: "Other - Topic"},
	}}
	rec := NewRecommender(newTestResolver(Config{}), mixes, 0, zap.NewNop())
	history := []*track.Track{tr(track.ProviderYouTube, "played00000", "Played", "Artist", 0, 0)}

	next, err := rec.Next(context.Background(), seed, history)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if next == nil || next.ProviderID != "fresh000000" {
		t.Fatalf("Next() = %v, want fresh000000", next)
	}
	if next.Author != "Other" || next.Provider != track.ProviderYouTube {
		t.Errorf("Next() = %+v", next)
	}
	if len(mixes.urls) != 1 || !strings.HasSuffix(mixes.urls[0], "&list=RDseed0000000") {
		t.Errorf("mix urls = %v", mixes.urls)
	}
}

func TestRecommenderFallsBackToArtistSearch(t *testing.T) {
	seed := tr(track.ProviderYouTubeMusic, "seed0000000", "Seed", "Artist", 200000, 0)
	yt := &fakeProvider{name: track.ProviderYouTube, results: []*track.Track{
		tr(track.ProviderYouTube, "dupe", "seed", "artist", 0, 0),
		tr(track.ProviderYouTube, "next", "Another Song", "Artist", 0, 0),
	}}
	mixes := &fakeMixes{err: errors.New("mix unavailable")}
	rec := NewRecommender(newTestResolver(Config{}, yt), mixes, 10, zap.NewNop())

	next, err := rec.Next(context.Background(), seed, nil)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if next == nil || next.ProviderID != "next" {
		t.Errorf("Next() = %v, want next", next)
	}
	if !strings.Contains(mixes.urls[0], "list=RDAMVMseed0000000") {
		t.Errorf("music seed should use the music mix, got %s", mixes.urls[0])
	}
}

func TestRecommenderNothingLeft(t *testing.T) {
	seed := tr(track.ProviderYouTube, "seed0000000", "Seed", "Artist", 0, 0)
	rec := NewRecommender(newTestResolver(Config{}, &fakeProvider{name: track.ProviderYouTube}), &fakeMixes{}, 10, zap.NewNop())

	next, err := rec.Next(context.Background(), seed, nil)
	if err != nil || next != nil {
		t.Errorf("Next() = %v, %v; want nil, nil", next, err)
	}
}

func TestRecommenderResolvesMetadataOnlySeed(t *testing.T) {
	seed := &track.Track{Title: "Seed", Author: "Artist", Provider: track.ProviderDeezer, ProviderID: "42"}
	yt := &fakeProvider{name: track.ProviderYouTube, results: []*track.Track{
		tr(track.ProviderYouTube, "ytseed00000", "Seed", "Artist", 0, 0),
	}}
	mixes := &fakeMixes{entries: []provider.Entry{
		{ID: "ytseed00000", Title: "Seed", Uploader: "Artist"},
		{ID: "related0000", Title: "Related", Uploader: "Band"},
	}}
	rec := NewRecommender(newTestResolver(Config{}, yt), mixes, 10, zap.NewNop())

	next, err := rec.Next(context.Background(), seed, nil)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if next == nil || next.ProviderID != "related0000" {
		t.Errorf("Next() = %v, want related0000", next)
	}
	if len(mixes.urls) != 1 || !strings.Contains(mixes.urls[0], "ytseed00000") {
		t.Errorf("mix urls = %v", mixes.urls)
	}
}
