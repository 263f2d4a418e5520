package acquire

import (
	"context"
	"io"
	"sync"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// Stream is readable audio produced by one acquisition method.
// Close must be called to free the stream slot.
type Stream struct {
	io.ReadCloser

	// Method is the name of the method that produced the audio
	Method string
	// Path is the local cache file, empty for remote streams
	Path        string
	ContentType string
	// Track is the track actually streamed; it differs from the requested
	// track when an alternate or a playback stand-in was used
	Track *track.Track

	once    sync.Once
	closers []func()
}

func newStream(rc io.ReadCloser, method, path string, t *track.Track) *Stream {
	return &Stream{ReadCloser: rc, Method: method, Path: path, Track: t}
}

// onClose registers fn to run once the stream is closed
func (s *Stream) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close closes the underlying reader and releases everything held for the stream
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ReadCloser.Close()
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
	})
	return err
}

// StreamLimiter bounds the number of live streams process-wide.
// Acquire blocks until a slot is free.
type StreamLimiter struct {
	slots chan struct{}
}

// NewStreamLimiter creates a limiter with max slots
func NewStreamLimiter(max int) *StreamLimiter {
	if max < 1 {
		max = 1
	}
	return &StreamLimiter{slots: make(chan struct{}, max)}
}

// Acquire waits for a free slot. The returned release func is idempotent.
func (l *StreamLimiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.Classify("", ctx.Err())
	}
	monitoring.ActiveStreams.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slots
			monitoring.ActiveStreams.Dec()
		})
	}, nil
}

// InUse returns the number of held slots
func (l *StreamLimiter) InUse() int {
	if l == nil {
		return 0
	}
	return len(l.slots)
}

// Capacity returns the slot count
func (l *StreamLimiter) Capacity() int {
	if l == nil {
		return 0
	}
	return cap(l.slots)
}
