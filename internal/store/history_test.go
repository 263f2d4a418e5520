package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/track"
)

func newTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHistoryStore(db, zap.NewNop())
}

func ytTrack(id, title string) *track.Track {
	return &track.Track{
		Title:        title,
		Author:       "Artist",
		DurationMs:   180000,
		Provider:     track.ProviderYouTube,
		ProviderID:   id,
		CanonicalURL: "https://www.youtube.com/watch?v=" + id,
	}
}

func TestHistoryRecentOrder(t *testing.T) {
	hs := newTestHistory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := hs.RecordPlay(ctx, "s1", ytTrack(id, "Song "+id)); err != nil {
			t.Fatalf("RecordPlay(%s) error = %v", id, err)
		}
	}
	if err := hs.RecordPlay(ctx, "s2", ytTrack("x", "Other")); err != nil {
		t.Fatal(err)
	}

	recent, err := hs.Recent(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	var got []string
	for _, tr := range recent {
		got = append(got, tr.ProviderID)
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "d" {
		t.Errorf("Recent() = %v, want [b c d]", got)
	}
	if recent[2].Provider != track.ProviderYouTube || recent[2].DurationMs != 180000 {
		t.Errorf("track fields not round-tripped: %+v", recent[2])
	}

	none, err := hs.Recent(ctx, "missing", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("Recent(missing) = %v, %v", none, err)
	}
}

func TestHistoryFailures(t *testing.T) {
	hs := newTestHistory(t)
	ctx := context.Background()

	hs.RecordFailure(ctx, "s1", ytTrack("a", "Song a"), "format unavailable")
	hs.RecordFailure(ctx, "s2", ytTrack("b", "Song b"), "timeout")

	failures, err := hs.Failures(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Failures() error = %v", err)
	}
	if len(failures) != 1 || failures[0].SourceID != "youtube:a" || failures[0].Error != "format unavailable" {
		t.Errorf("Failures(s1) = %+v", failures)
	}

	all, err := hs.Failures(ctx, "", 10)
	if err != nil || len(all) != 2 || all[0].SourceID != "youtube:b" {
		t.Errorf("Failures(all) = %+v, %v", all, err)
	}
}

func TestHistoryPrune(t *testing.T) {
	hs := newTestHistory(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hs.now = func() time.Time { return base }
	hs.RecordPlay(ctx, "s1", ytTrack("old", "Old"))
	hs.RecordFailure(ctx, "s1", ytTrack("old", "Old"), "gone")

	hs.now = func() time.Time { return base.Add(48 * time.Hour) }
	hs.RecordPlay(ctx, "s1", ytTrack("new", "New"))

	n, err := hs.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d rows, want 2", n)
	}
	recent, _ := hs.Recent(ctx, "s1", 10)
	if len(recent) != 1 || recent[0].ProviderID != "new" {
		t.Errorf("Recent() after prune = %v", recent)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")
	db1, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	db1.Close()

	db2, err := InitDB(path)
	if err != nil {
		t.Fatalf("second InitDB() error = %v", err)
	}
	defer db2.Close()

	version, err := getCurrentVersion(db2)
	if err != nil {
		t.Fatal(err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Errorf("schema version = %d, want %d", version, migrations[len(migrations)-1].Version)
	}
}
