// Package download runs the external download and transcode tools that fill
// the audio cache, one job per cache key.
package download

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/cache"
	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// ErrJobCancelled is returned to callers whose job was cancelled
var ErrJobCancelled = stderrors.New("download job cancelled")

// Progress bands of the two stages
const (
	downloadStart  = 10
	downloadEnd    = 70
	transcodeStart = 70
	transcodeEnd   = 98
)

// Tagger writes tags into a finished file before it enters the cache
type Tagger interface {
	TagTrack(ctx context.Context, path string, t *track.Track) error
}

// Config configures a Pipeline
type Config struct {
	WorkDir    string
	JobTimeout time.Duration
}

// Job is the single in-flight pipeline run for one cache key
type Job struct {
	ID        string
	Key       string
	Title     string
	Track     *track.Track
	StartedAt time.Time

	status    string
	percent   int
	owners    map[string]struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
	entry     *cache.Entry
	err       error
}

// JobInfo is a point-in-time view of a job
type JobInfo struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Percent   int       `json:"progress_percent"`
	Owners    []string  `json:"owners"`
	StartedAt time.Time `json:"started_at"`
}

// Pipeline single-flights download-and-transcode jobs by cache key.
// Concurrent requests for one key wait on the same job.
type Pipeline struct {
	cfg    Config
	runner StageRunner
	cache  *cache.Store
	tagger Tagger
	hub    *ProgressHub
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewPipeline creates a pipeline. tagger and hub may be nil.
func NewPipeline(cfg Config, runner StageRunner, store *cache.Store, tagger Tagger, hub *ProgressHub, logger *zap.Logger) (*Pipeline, error) {
	if runner == nil || store == nil {
		return nil, apperrors.NewValidationError("pipeline needs a stage runner and a cache store")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "trackline-work")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, apperrors.NewFileSystemError("failed to create work directory", err)
	}
	if hub == nil {
		hub = NewProgressHub()
	}
	return &Pipeline{
		cfg:    cfg,
		runner: runner,
		cache:  store,
		tagger: tagger,
		hub:    hub,
		logger: monitoring.Named(logger, "pipeline"),
		jobs:   make(map[string]*Job),
	}, nil
}

// Hub returns the progress hub the pipeline publishes to
func (p *Pipeline) Hub() *ProgressHub {
	return p.hub
}

// Fetch returns the cache entry for t, running the pipeline when the cache misses.
// If a job for the same key is already running the caller joins it. Records for
// the job are forwarded to progress (which may be nil) in order; progress is
// never closed here. A caller whose ctx ends stops waiting, but the job keeps
// running for the other waiters and the cache.
func (p *Pipeline) Fetch(ctx context.Context, t *track.Track, ownerID string, progress chan<- ProgressUpdate) (*cache.Entry, error) {
	if t == nil || t.CanonicalURL == "" {
		return nil, apperrors.NewValidationError("track has no source url")
	}
	key := cache.Key(t.SourceID())

	if entry, ok := p.cache.Lookup(key); ok {
		p.forward(ctx, progress, ProgressUpdate{Key: key, Title: t.Title, Percent: 100, Status: StatusCompleted, Timestamp: time.Now()})
		return entry, nil
	}

	var updates <-chan ProgressUpdate
	if progress != nil {
		ch, unsubscribe := p.hub.Subscribe(key, 0)
		defer unsubscribe()
		updates = ch
	}

	p.mu.Lock()
	job, running := p.jobs[key]
	if !running {
		job = p.newJob(key, t)
		p.jobs[key] = job
	}
	job.owners[ownerID] = struct{}{}
	p.mu.Unlock()

	if running {
		p.logger.Debug("Joining running job", zap.String("key", key), zap.String("owner", ownerID))
	} else {
		go p.run(job)
	}

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			p.forward(ctx, progress, u)
		case <-job.done:
			p.drain(ctx, updates, progress)
			return job.entry, job.err
		case <-ctx.Done():
			return nil, apperrors.Classify("", ctx.Err())
		}
	}
}

// Cancel detaches ownerID from every job it is waiting on. Jobs left without
// owners are killed along with their subprocesses and their records removed.
// It returns the number of jobs the owner was detached from; nothing matching is not an error.
func (p *Pipeline) Cancel(ownerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for key, job := range p.jobs {
		if _, ok := job.owners[ownerID]; !ok {
			continue
		}
		delete(job.owners, ownerID)
		count++
		if len(job.owners) == 0 {
			job.cancelled = true
			job.cancel()
			delete(p.jobs, key)
			p.logger.Info("Job cancelled",
				zap.String("key", key),
				zap.String("title", job.Title),
				zap.String("owner", ownerID))
		}
	}
	return count
}

// Active returns the running jobs, oldest first
func (p *Pipeline) Active() []JobInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]JobInfo, 0, len(p.jobs))
	for _, job := range p.jobs {
		owners := make([]string, 0, len(job.owners))
		for o := range job.owners {
			owners = append(owners, o)
		}
		sort.Strings(owners)
		infos = append(infos, JobInfo{
			ID:        job.ID,
			Key:       job.Key,
			Title:     job.Title,
			Status:    job.status,
			Percent:   job.percent,
			Owners:    owners,
			StartedAt: job.StartedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// ActiveCount returns the number of running jobs
func (p *Pipeline) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Warm fills the cache for t without reporting progress
func (p *Pipeline) Warm(ctx context.Context, t *track.Track, ownerID string) error {
	_, err := p.Fetch(ctx, t, ownerID, nil)
	return err
}

func (p *Pipeline) newJob(key string, t *track.Track) *Job {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	job := &Job{
		ID:        uuid.NewString(),
		Key:       key,
		Title:     t.String(),
		Track:     t.Clone(),
		StartedAt: time.Now(),
		status:    StatusQueued,
		owners:    make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	return job
}

func (p *Pipeline) run(job *Job) {
	ctx := job.ctx
	defer job.cancel()

	monitoring.RecordJobStart()
	p.emit(job, 0, StatusQueued, 0)
	p.logger.Info("Pipeline job started",
		zap.String("job_id", job.ID),
		zap.String("key", job.Key),
		zap.String("title", job.Title))

	jobDir := filepath.Join(p.cfg.WorkDir, job.ID)
	var entry *cache.Entry
	err := os.MkdirAll(jobDir, 0755)
	if err != nil {
		err = apperrors.NewFileSystemError("failed to create job directory", err)
	} else {
		entry, err = p.execute(ctx, job, jobDir)
	}
	if rmErr := os.RemoveAll(jobDir); rmErr != nil {
		p.logger.Warn("Failed to remove job directory", zap.String("dir", jobDir), zap.Error(rmErr))
	}

	p.finish(job, entry, err)
}

func (p *Pipeline) execute(ctx context.Context, job *Job, jobDir string) (*cache.Entry, error) {
	p.emit(job, downloadStart, StatusDownloading, 0)
	src, err := p.runner.Download(ctx, DownloadRequest{URL: job.Track.CanonicalURL, Dir: jobDir}, func(pct float64, eta int) {
		p.emit(job, band(downloadStart, downloadEnd, pct/100), StatusDownloading, eta)
	})
	if err != nil {
		return nil, fmt.Errorf("download stage: %w", err)
	}

	p.emit(job, transcodeStart, StatusTranscoding, 0)
	out := filepath.Join(jobDir, "out."+p.cache.Ext())
	err = p.runner.Transcode(ctx, TranscodeRequest{Input: src, Output: out, Duration: job.Track.Duration()}, func(frac float64) {
		p.emit(job, band(transcodeStart, transcodeEnd, frac), StatusTranscoding, 0)
	})
	if err != nil {
		return nil, fmt.Errorf("transcode stage: %w", err)
	}
	os.Remove(src)

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return nil, apperrors.NewFormatUnavailableError("transcoder produced no audio", err)
	}

	if p.tagger != nil {
		p.emit(job, transcodeEnd, StatusTagging, 0)
		if err := p.tagger.TagTrack(ctx, out, job.Track); err != nil {
			p.logger.Warn("Failed to tag cached file", zap.String("key", job.Key), zap.Error(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Classify("", err)
	}
	return p.cache.Put(job.Key, out)
}

// finish records the outcome, releases the single-flight slot and wakes waiters
func (p *Pipeline) finish(job *Job, entry *cache.Entry, err error) {
	p.mu.Lock()
	if cur, ok := p.jobs[job.Key]; ok && cur == job {
		delete(p.jobs, job.Key)
	}
	cancelled := job.cancelled
	p.mu.Unlock()

	if cancelled && err != nil {
		err = ErrJobCancelled
	}
	job.entry, job.err = entry, err

	switch {
	case err == nil:
		p.emit(job, 100, StatusCompleted, 0)
		monitoring.RecordJobComplete(entry.Size)
		p.logger.Info("Pipeline job completed",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.Int64("size", entry.Size),
			zap.Duration("elapsed", time.Since(job.StartedAt)))
	case stderrors.Is(err, ErrJobCancelled):
		p.publishTerminal(job, StatusCancelled, err)
		monitoring.RecordJobFailed(StatusCancelled, StatusCancelled)
	default:
		p.publishTerminal(job, StatusFailed, err)
		monitoring.RecordJobFailed(StatusFailed, string(apperrors.GetErrorType(err)))
		p.logger.Warn("Pipeline job failed",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.String("title", job.Title),
			zap.Error(err))
	}
	close(job.done)
}

func (p *Pipeline) publishTerminal(job *Job, status string, err error) {
	u := ProgressUpdate{Key: job.Key, Title: job.Title, Status: status}
	if err != nil {
		u.Error = err.Error()
	}
	p.hub.Publish(u)
	p.mu.Lock()
	job.status = status
	p.mu.Unlock()
}

func (p *Pipeline) emit(job *Job, percent int, status string, eta int) {
	u := p.hub.Publish(ProgressUpdate{
		Key:        job.Key,
		Title:      job.Title,
		Percent:    percent,
		Status:     status,
		ETASeconds: eta,
	})
	p.mu.Lock()
	job.percent = u.Percent
	job.status = status
	p.mu.Unlock()
}

func (p *Pipeline) forward(ctx context.Context, progress chan<- ProgressUpdate, u ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- u:
	case <-ctx.Done():
	}
}

// drain forwards records that were published before the job finished
func (p *Pipeline) drain(ctx context.Context, updates <-chan ProgressUpdate, progress chan<- ProgressUpdate) {
	if updates == nil {
		return
	}
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			p.forward(ctx, progress, u)
		default:
			return
		}
	}
}

// band maps frac (0-1) into [lo, hi]
func band(lo, hi int, frac float64) int {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return lo + int(frac*float64(hi-lo))
}
