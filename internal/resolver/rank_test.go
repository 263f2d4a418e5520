package resolver

import (
	"testing"

	"github.com/trackline/trackline/internal/track"
)

func TestPopularityNeverOutweighsPlayableProvider(t *testing.T) {
	tests := []struct {
		name  string
		views int64
	}{
		{name: "five million views", views: 5_000_000},
		{name: "ten million views", views: 10_000_000},
		{name: "three billion views", views: 3_000_000_000},
	}

	playable := &track.Track{Title: "Blinding Lights", Author: "The Weeknd", Provider: track.ProviderYouTube, ProviderID: "a"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			popular := &track.Track{Title: "Blinding Lights", Author: "The Weeknd", Provider: track.ProviderDeezer, ProviderID: "b", ViewCount: tt.views}

			if p, m := relevance("blinding lights", playable, nil), relevance("blinding lights", popular, nil); p <= m {
				t.Errorf("playable score %.2f should beat metadata-only score %.2f", p, m)
			}

			ranked := rankResults("blinding lights", []*track.Track{popular, playable}, nil, 2)
			if len(ranked) != 1 || ranked[0].Provider != track.ProviderYouTube {
				t.Errorf("dedupe should keep the playable copy, got %v", ranked)
			}
		})
	}
}
