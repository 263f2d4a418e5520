package download

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/track"
)

func TestProgressHubMonotonic(t *testing.T) {
	hub := NewProgressHub()
	ch, unsubscribe := hub.Subscribe("k1", 16)
	defer unsubscribe()

	for _, pct := range []int{0, 10, 40, 25, 70, 150} {
		hub.Publish(ProgressUpdate{Key: "k1", Percent: pct, Status: StatusDownloading})
	}

	want := []int{0, 10, 40, 40, 70, 100}
	for i, w := range want {
		u := <-ch
		if u.Percent != w {
			t.Errorf("record %d percent = %d, want %d", i, u.Percent, w)
		}
		if u.Timestamp.IsZero() {
			t.Error("timestamp should be filled in")
		}
	}

	if p, ok := hub.Last("k1"); !ok || p != 100 {
		t.Errorf("Last() = %d, %v", p, ok)
	}

	hub.Publish(ProgressUpdate{Key: "k1", Status: StatusFailed})
	if _, ok := hub.Last("k1"); ok {
		t.Error("terminal record should clear the key")
	}
	if u := <-ch; u.Percent != 100 || !u.Terminal() {
		t.Errorf("terminal record = %+v", u)
	}

	// a fresh job for the same key starts from zero again
	hub.Publish(ProgressUpdate{Key: "k1", Percent: 5, Status: StatusQueued})
	if u := <-ch; u.Percent != 5 {
		t.Errorf("new job percent = %d, want 5", u.Percent)
	}
}

func TestProgressHubFiltersByKey(t *testing.T) {
	hub := NewProgressHub()
	only, unsubOnly := hub.Subscribe("a", 4)
	all, unsubAll := hub.Subscribe("", 4)

	hub.Publish(ProgressUpdate{Key: "a", Percent: 1})
	hub.Publish(ProgressUpdate{Key: "b", Percent: 2})

	if len(only) != 1 {
		t.Errorf("keyed subscriber got %d records, want 1", len(only))
	}
	if len(all) != 2 {
		t.Errorf("wildcard subscriber got %d records, want 2", len(all))
	}

	if hub.SubscriberCount() != 2 {
		t.Errorf("SubscriberCount() = %d", hub.SubscriberCount())
	}
	unsubOnly()
	unsubOnly()
	unsubAll()
	if hub.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() after unsubscribe = %d", hub.SubscriberCount())
	}

	// closed channels drain then report closed
	<-only
	if _, ok := <-only; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestProgressHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewProgressHub()
	_, unsubscribe := hub.Subscribe("k", 1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(ProgressUpdate{Key: "k", Percent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestProgressHubStats(t *testing.T) {
	hub := NewProgressHub()
	hub.Publish(ProgressUpdate{Key: "a", Status: StatusQueued})
	hub.Publish(ProgressUpdate{Key: "b", Status: StatusQueued})
	hub.Publish(ProgressUpdate{Key: "a", Status: StatusCompleted, Percent: 100})
	hub.Publish(ProgressUpdate{Key: "b", Status: StatusCancelled})

	stats := hub.GetStats()
	if stats["total_jobs"] != 2 || stats["success_count"] != 1 || stats["failure_count"] != 1 {
		t.Errorf("stats = %v", stats)
	}
	if stats["success_rate"] != 50.0 {
		t.Errorf("success_rate = %v, want 50", stats["success_rate"])
	}
}

func TestFormatETA(t *testing.T) {
	tests := map[int]string{5: "5s", 65: "1m 5s", 3725: "1h 2m"}
	for in, want := range tests {
		if got := FormatETA(in); got != want {
			t.Errorf("FormatETA(%d) = %s, want %s", in, got, want)
		}
	}
}

type fakeWarmer struct {
	calls   atomic.Int32
	release chan struct{}
}

func (w *fakeWarmer) Warm(ctx context.Context, t *track.Track, ownerID string) error {
	w.calls.Add(1)
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPrefetcherDeduplicates(t *testing.T) {
	warmer := &fakeWarmer{release: make(chan struct{})}
	p := NewPrefetcher(2, warmer, zap.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	tr := testTrack("next")
	if !p.Prefetch("guild-1", tr) {
		t.Fatal("first Prefetch should queue")
	}
	if p.Prefetch("guild-1", tr) {
		t.Error("duplicate Prefetch should be skipped")
	}
	if p.Prefetch("guild-1", nil) {
		t.Error("nil track should be skipped")
	}

	close(warmer.release)
	waitFor(t, "prefetch to finish", func() bool { return p.Pending() == 0 })

	if got := warmer.calls.Load(); got != 1 {
		t.Errorf("Warm called %d times, want 1", got)
	}
	if !p.Prefetch("guild-1", tr) {
		t.Error("track should be queueable again after finishing")
	}
}

func TestPrefetcherCancel(t *testing.T) {
	warmer := &fakeWarmer{release: make(chan struct{})}
	p := NewPrefetcher(1, warmer, zap.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	p.Prefetch("guild-1", testTrack("a"))
	waitFor(t, "warm-up to start", func() bool { return warmer.calls.Load() == 1 })

	if n := p.Cancel("guild-2"); n != 0 {
		t.Errorf("Cancel(guild-2) = %d, want 0", n)
	}
	if n := p.Cancel("guild-1"); n != 1 {
		t.Errorf("Cancel(guild-1) = %d, want 1", n)
	}
	waitFor(t, "cancelled warm-up to be released", func() bool { return p.Pending() == 0 })

	p.Stop()
}
