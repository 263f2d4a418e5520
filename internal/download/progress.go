package download

import (
	"fmt"
	"sync"
	"time"
)

// Status values carried by progress records
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusTranscoding = "transcoding"
	StatusTagging     = "tagging"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// ProgressUpdate is one record of the progress stream for a cache key.
// Percent never decreases for a key while its job is alive.
type ProgressUpdate struct {
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	Percent    int       `json:"progress_percent"`
	Status     string    `json:"status_text"`
	ETASeconds int       `json:"eta_seconds,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Terminal reports whether no further records follow for this key
func (u ProgressUpdate) Terminal() bool {
	return u.Status == StatusCompleted || u.Status == StatusFailed || u.Status == StatusCancelled
}

type subscriber struct {
	key string // empty subscribes to every key
	ch  chan ProgressUpdate
}

// ProgressHub fans progress records out to subscribers and enforces
// per-key monotonic percentages.
type ProgressHub struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	last        map[string]int

	statsMu      sync.Mutex
	successCount int
	failureCount int
	totalJobs    int
}

// NewProgressHub creates an empty hub
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		subscribers: make(map[int]*subscriber),
		last:        make(map[string]int),
	}
}

// Subscribe returns a channel of records for key (all keys when key is empty)
// and a function that unsubscribes and closes the channel.
func (h *ProgressHub) Subscribe(key string, buffer int) (<-chan ProgressUpdate, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{key: key, ch: make(chan ProgressUpdate, buffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// Publish delivers u to matching subscribers. A record whose percent is lower
// than the last one seen for its key is raised to that value. Slow subscribers
// miss records rather than blocking the pipeline.
func (h *ProgressHub) Publish(u ProgressUpdate) ProgressUpdate {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	if u.Percent < 0 {
		u.Percent = 0
	}
	if u.Percent > 100 {
		u.Percent = 100
	}

	h.mu.Lock()
	if prev, ok := h.last[u.Key]; ok && u.Percent < prev {
		u.Percent = prev
	}
	if u.Terminal() {
		delete(h.last, u.Key)
	} else {
		h.last[u.Key] = u.Percent
	}
	for _, sub := range h.subscribers {
		if sub.key != "" && sub.key != u.Key {
			continue
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
	h.mu.Unlock()

	h.record(u)
	return u
}

func (h *ProgressHub) record(u ProgressUpdate) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	switch u.Status {
	case StatusQueued:
		h.totalJobs++
	case StatusCompleted:
		h.successCount++
	case StatusFailed, StatusCancelled:
		h.failureCount++
	}
}

// Last returns the highest percent published for a live key
func (h *ProgressHub) Last(key string) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.last[key]
	return p, ok
}

// GetStats returns overall job statistics
func (h *ProgressHub) GetStats() map[string]interface{} {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	h.mu.RLock()
	active := len(h.last)
	h.mu.RUnlock()

	successRate := 0.0
	if h.totalJobs > 0 {
		successRate = float64(h.successCount) / float64(h.totalJobs) * 100
	}
	return map[string]interface{}{
		"active_jobs":   active,
		"total_jobs":    h.totalJobs,
		"success_count": h.successCount,
		"failure_count": h.failureCount,
		"success_rate":  successRate,
	}
}

// SubscriberCount returns the number of live subscriptions
func (h *ProgressHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// FormatETA formats ETA in human-readable format
func FormatETA(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	} else if seconds < 3600 {
		minutes := seconds / 60
		secs := seconds % 60
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
