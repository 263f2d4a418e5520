package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/cache"
	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/track"
)

type fakeRunner struct {
	mu           sync.Mutex
	downloads    int
	transcodes   int
	downloadErr  error
	transcodeErr error
	emptyOutput  bool
	block        chan struct{}
	started      chan struct{}
}

func (f *fakeRunner) Download(ctx context.Context, req DownloadRequest, progress func(float64, int)) (string, error) {
	f.mu.Lock()
	f.downloads++
	block, started, failure := f.block, f.started, f.downloadErr
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	progress(50, 3)
	progress(25, 3) // out of order on purpose
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failure != nil {
		return "", failure
	}
	progress(100, 0)

	path := filepath.Join(req.Dir, "source.webm")
	if err := os.WriteFile(path, []byte("webm-bytes"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeRunner) Transcode(ctx context.Context, req TranscodeRequest, progress func(float64)) error {
	f.mu.Lock()
	f.transcodes++
	failure, empty := f.transcodeErr, f.emptyOutput
	f.mu.Unlock()

	progress(0.5)
	progress(1)
	if failure != nil {
		return failure
	}
	data := []byte("ID3-audio-bytes")
	if empty {
		data = nil
	}
	return os.WriteFile(req.Output, data, 0644)
}

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads, f.transcodes
}

type testEnv struct {
	pipeline *Pipeline
	store    *cache.Store
	workDir  string
}

func newTestPipeline(t *testing.T, runner StageRunner) *testEnv {
	t.Helper()
	store, err := cache.New(cache.Config{Dir: t.TempDir(), TTL: time.Hour, Format: "mp3"}, zap.NewNop())
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	workDir := t.TempDir()
	p, err := NewPipeline(Config{WorkDir: workDir, JobTimeout: 5 * time.Second}, runner, store, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return &testEnv{pipeline: p, store: store, workDir: workDir}
}

func testTrack(id string) *track.Track {
	return &track.Track{
		Title:        "Song " + id,
		Author:       "Artist",
		Provider:     track.ProviderYouTube,
		ProviderID:   id,
		CanonicalURL: "https://www.youtube.com/watch?v=" + id,
		DurationMs:   200000,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	waitFor(t, "work directory cleanup", func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 0
	})
}

func TestFetchPopulatesCache(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestPipeline(t, runner)
	tr := testTrack("abc")

	progress := make(chan ProgressUpdate, 64)
	entry, err := env.pipeline.Fetch(context.Background(), tr, "guild-1", progress)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if entry.Size == 0 {
		t.Error("expected non-empty cache entry")
	}
	if entry.Path != env.store.Path(cache.Key(tr.SourceID())) {
		t.Errorf("entry path = %s, want content-addressed path", entry.Path)
	}
	if _, err := os.Stat(entry.Path); err != nil {
		t.Errorf("cached file missing: %v", err)
	}

	close(progress)
	var records []ProgressUpdate
	for u := range progress {
		records = append(records, u)
	}
	if len(records) < 3 {
		t.Fatalf("expected several progress records, got %d", len(records))
	}
	last := -1
	for _, u := range records {
		if u.Percent < last {
			t.Errorf("progress went backwards: %d after %d", u.Percent, last)
		}
		last = u.Percent
		if u.Key != entry.Key {
			t.Errorf("record key = %s, want %s", u.Key, entry.Key)
		}
	}
	final := records[len(records)-1]
	if final.Percent != 100 || final.Status != StatusCompleted {
		t.Errorf("final record = %+v, want 100%% completed", final)
	}

	if env.pipeline.ActiveCount() != 0 {
		t.Error("job slot should be released")
	}
	assertWorkDirEmpty(t, env.workDir)
}

func TestFetchCacheHitSkipsRunner(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestPipeline(t, runner)
	tr := testTrack("hit")

	if _, err := env.pipeline.Fetch(context.Background(), tr, "s", nil); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	if _, err := env.pipeline.Fetch(context.Background(), tr, "s", nil); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if d, tc := runner.counts(); d != 1 || tc != 1 {
		t.Errorf("runner called %d/%d times, want 1/1", d, tc)
	}
}

func TestFetchSingleFlight(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	env := newTestPipeline(t, runner)
	tr := testTrack("shared")

	const callers = 5
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := env.pipeline.Fetch(context.Background(), tr, fmt.Sprintf("session-%d", i), nil)
			errs[i] = err
			if entry != nil {
				paths[i] = entry.Path
			}
		}(i)
	}

	waitFor(t, "all callers to join", func() bool {
		active := env.pipeline.Active()
		return len(active) == 1 && len(active[0].Owners) == callers
	})
	close(runner.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("caller %d got %s, want %s", i, paths[i], paths[0])
		}
	}
	if d, _ := runner.counts(); d != 1 {
		t.Errorf("downloader started %d times, want 1", d)
	}
}

func TestFetchFailureReleasesSlot(t *testing.T) {
	runner := &fakeRunner{downloadErr: apperrors.NewFormatUnavailableError("requested format is not available", nil)}
	env := newTestPipeline(t, runner)
	tr := testTrack("flaky")

	progress := make(chan ProgressUpdate, 64)
	_, err := env.pipeline.Fetch(context.Background(), tr, "s", progress)
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := apperrors.GetErrorType(err); got != apperrors.ErrTypeFormatUnavailable {
		t.Errorf("error type = %s, want %s", got, apperrors.ErrTypeFormatUnavailable)
	}
	if env.pipeline.ActiveCount() != 0 {
		t.Error("failed job must release its slot")
	}
	assertWorkDirEmpty(t, env.workDir)

	close(progress)
	var final ProgressUpdate
	for u := range progress {
		final = u
	}
	if final.Status != StatusFailed || final.Error == "" {
		t.Errorf("final record = %+v, want failed with error", final)
	}

	runner.mu.Lock()
	runner.downloadErr = nil
	runner.mu.Unlock()

	if _, err := env.pipeline.Fetch(context.Background(), tr, "s", nil); err != nil {
		t.Fatalf("retry Fetch() error = %v", err)
	}
	if d, _ := runner.counts(); d != 2 {
		t.Errorf("downloader started %d times, want 2", d)
	}
}

func TestFetchEmptyTranscodeOutput(t *testing.T) {
	runner := &fakeRunner{emptyOutput: true}
	env := newTestPipeline(t, runner)
	tr := testTrack("empty")

	if _, err := env.pipeline.Fetch(context.Background(), tr, "s", nil); err == nil {
		t.Fatal("expected error for empty transcode output")
	}
	if _, ok := env.store.Lookup(cache.Key(tr.SourceID())); ok {
		t.Error("empty output must not be cached")
	}
}

func TestFetchTranscodeFailure(t *testing.T) {
	runner := &fakeRunner{transcodeErr: apperrors.NewProcessSpawnError("failed to start transcoder", nil)}
	env := newTestPipeline(t, runner)

	_, err := env.pipeline.Fetch(context.Background(), testTrack("tc"), "s", nil)
	if apperrors.GetErrorType(err) != apperrors.ErrTypeProcessSpawn {
		t.Errorf("error = %v, want process spawn", err)
	}
	assertWorkDirEmpty(t, env.workDir)
}

func TestCancelByOwner(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	env := newTestPipeline(t, runner)
	defer close(runner.block)

	errc := make(chan error, 1)
	go func() {
		_, err := env.pipeline.Fetch(context.Background(), testTrack("cancel"), "guild-1", nil)
		errc <- err
	}()
	<-runner.started

	if n := env.pipeline.Cancel("guild-2"); n != 0 {
		t.Errorf("Cancel(unrelated) = %d, want 0", n)
	}
	if n := env.pipeline.Cancel("guild-1"); n != 1 {
		t.Errorf("Cancel(guild-1) = %d, want 1", n)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrJobCancelled) {
			t.Errorf("Fetch() error = %v, want ErrJobCancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Fetch did not return after cancel")
	}

	if env.pipeline.ActiveCount() != 0 {
		t.Error("cancelled job record should be removed")
	}
	if n := env.pipeline.Cancel("guild-1"); n != 0 {
		t.Errorf("second Cancel() = %d, want 0", n)
	}
	assertWorkDirEmpty(t, env.workDir)
}

func TestCancelSharedJobKeepsRunning(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	env := newTestPipeline(t, runner)
	tr := testTrack("shared-cancel")

	errs := make(chan error, 2)
	for _, owner := range []string{"guild-1", "guild-2"} {
		go func(owner string) {
			_, err := env.pipeline.Fetch(context.Background(), tr, owner, nil)
			errs <- err
		}(owner)
	}
	waitFor(t, "both owners to join", func() bool {
		active := env.pipeline.Active()
		return len(active) == 1 && len(active[0].Owners) == 2
	})

	if n := env.pipeline.Cancel("guild-1"); n != 1 {
		t.Errorf("Cancel() = %d, want 1", n)
	}
	if env.pipeline.ActiveCount() != 1 {
		t.Fatal("job with a remaining owner must keep running")
	}

	close(runner.block)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Fetch() error = %v", err)
		}
	}
}

func TestFetchCallerTimeoutLeavesJobRunning(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	env := newTestPipeline(t, runner)
	tr := testTrack("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := env.pipeline.Fetch(ctx, tr, "s", nil)
	if apperrors.GetErrorType(err) != apperrors.ErrTypeTimeout {
		t.Fatalf("Fetch() error = %v, want timeout", err)
	}
	if env.pipeline.ActiveCount() != 1 {
		t.Fatal("job should keep running after the caller gives up")
	}

	close(runner.block)
	waitFor(t, "job to fill the cache", func() bool {
		_, ok := env.store.Lookup(cache.Key(tr.SourceID()))
		return ok
	})
}

func TestFetchValidation(t *testing.T) {
	env := newTestPipeline(t, &fakeRunner{})
	if _, err := env.pipeline.Fetch(context.Background(), nil, "s", nil); err == nil {
		t.Error("expected error for nil track")
	}
	if _, err := env.pipeline.Fetch(context.Background(), &track.Track{Title: "x"}, "s", nil); err == nil {
		t.Error("expected error for track without url")
	}
}

func TestBand(t *testing.T) {
	tests := []struct {
		lo, hi int
		frac   float64
		want   int
	}{
		{10, 70, 0, 10},
		{10, 70, 0.5, 40},
		{10, 70, 1, 70},
		{10, 70, 2, 70},
		{70, 98, -1, 70},
		{70, 98, 0.5, 84},
	}
	for _, tt := range tests {
		if got := band(tt.lo, tt.hi, tt.frac); got != tt.want {
			t.Errorf("band(%d, %d, %v) = %d, want %d", tt.lo, tt.hi, tt.frac, got, tt.want)
		}
	}
}
