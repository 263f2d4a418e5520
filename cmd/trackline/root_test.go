package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/trackline/trackline/internal/track"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "search", "resolve", "fetch", "cache", "history"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (err %v)", name, err)
		}
	}
	if cmd, _, err := rootCmd.Find([]string{"cache", "sweep"}); err != nil || cmd.Name() != "sweep" {
		t.Errorf("cache sweep not registered (err %v)", err)
	}
}

func TestPrintTracks(t *testing.T) {
	tracks := []*track.Track{
		{Title: "Song", Author: "Artist", DurationMs: 185000, Provider: track.ProviderYouTube, CanonicalURL: "https://www.youtube.com/watch?v=abc"},
	}

	tests := []struct {
		name string
		json bool
		want string
	}{
		{name: "table", want: "youtube"},
		{name: "json", json: true, want: `"duration_ms": 185000`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonOutput = tt.json
			defer func() { jsonOutput = false }()

			var buf bytes.Buffer
			if err := printTracks(&buf, tracks); err != nil {
				t.Fatalf("printTracks() error = %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q missing %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrintTracksEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := printTracks(&buf, nil); err != nil {
		t.Fatalf("printTracks() error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != "No results" {
		t.Errorf("output = %q", buf.String())
	}
}
