package download

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/cache"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// Warmer fills the cache for a track
type Warmer interface {
	Warm(ctx context.Context, t *track.Track, ownerID string) error
}

// Prefetcher warms the cache for upcoming queue entries in the background.
// Failures are logged and otherwise ignored.
type Prefetcher struct {
	pool   *WorkerPool
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
}

// NewPrefetcher creates a prefetcher running workers concurrent warm-ups
func NewPrefetcher(workers int, warmer Warmer, logger *zap.Logger) *Prefetcher {
	p := &Prefetcher{
		logger:  monitoring.Named(logger, "prefetch"),
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	p.pool = NewWorkerPool(workers, func(ctx context.Context, task *Task) error {
		return warmer.Warm(ctx, task.Track, task.OwnerID)
	}, logger)
	return p
}

// Start starts the workers
func (p *Prefetcher) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return err
	}
	go p.collect()
	return nil
}

// Stop cancels outstanding warm-ups and waits for the workers to exit
func (p *Prefetcher) Stop() {
	p.pool.Stop()
	<-p.done
}

// Prefetch queues t unless it is already queued or running.
// It reports whether a task was queued.
func (p *Prefetcher) Prefetch(ownerID string, t *track.Track) bool {
	if t == nil {
		return false
	}
	key := cache.Key(t.SourceID())

	p.mu.Lock()
	if _, ok := p.pending[key]; ok {
		p.mu.Unlock()
		return false
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	if err := p.pool.Submit(&Task{ID: key, OwnerID: ownerID, Track: t.Clone()}); err != nil {
		p.release(key)
		p.logger.Debug("Prefetch not queued", zap.String("track", t.String()), zap.Error(err))
		return false
	}
	return true
}

// Cancel stops the running warm-ups of ownerID
func (p *Prefetcher) Cancel(ownerID string) int {
	return p.pool.CancelOwner(ownerID)
}

// Pending returns the number of queued or running warm-ups
func (p *Prefetcher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Prefetcher) collect() {
	defer close(p.done)
	for result := range p.pool.Results() {
		p.release(result.TaskID)
		if !result.Success {
			p.logger.Debug("Prefetch failed",
				zap.String("key", result.TaskID),
				zap.String("owner", result.OwnerID),
				zap.Error(result.Error))
		}
	}
}

func (p *Prefetcher) release(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}
