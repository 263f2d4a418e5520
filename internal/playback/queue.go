package playback

import (
	"fmt"
	"math/rand/v2"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/track"
)

// Queue is an ordered track list with a play cursor. A cursor of -1 means
// playback has not started. Queue is not safe for concurrent use; the
// Manager guards it.
type Queue struct {
	items  []*track.Track
	cursor int
}

// NewQueue creates an empty queue
func NewQueue(items ...*track.Track) *Queue {
	return &Queue{items: append([]*track.Track(nil), items...), cursor: -1}
}

// Len returns the number of tracks
func (q *Queue) Len() int { return len(q.items) }

// Cursor returns the current index, -1 when not started
func (q *Queue) Cursor() int { return q.cursor }

// Items returns a copy of the tracks
func (q *Queue) Items() []*track.Track {
	return append([]*track.Track(nil), q.items...)
}

// Current returns the track at the cursor, or nil
func (q *Queue) Current() *track.Track {
	if q.cursor < 0 || q.cursor >= len(q.items) {
		return nil
	}
	return q.items[q.cursor]
}

// Peek returns the track offset positions after the cursor, or nil
func (q *Queue) Peek(offset int) *track.Track {
	i := q.cursor + offset
	if q.cursor < 0 || i < 0 || i >= len(q.items) {
		return nil
	}
	return q.items[i]
}

// HasNext reports whether a track follows the cursor
func (q *Queue) HasNext() bool {
	return q.cursor+1 < len(q.items)
}

// Advance moves the cursor forward; false when already at the end
func (q *Queue) Advance() bool {
	if !q.HasNext() {
		return false
	}
	q.cursor++
	return true
}

// Append adds t at the end and returns its index
func (q *Queue) Append(t *track.Track) int {
	q.items = append(q.items, t)
	return len(q.items) - 1
}

// SetCursor moves the cursor to i; -1 resets it
func (q *Queue) SetCursor(i int) error {
	if i < -1 || i >= len(q.items) {
		return indexError(i, len(q.items))
	}
	q.cursor = i
	return nil
}

// Remove deletes the track at i. When the current track is removed the cursor
// stays on the same index, which now holds the following track, and current
// is true.
func (q *Queue) Remove(i int) (removed *track.Track, current bool, err error) {
	if i < 0 || i >= len(q.items) {
		return nil, false, indexError(i, len(q.items))
	}
	removed = q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)

	switch {
	case i < q.cursor:
		q.cursor--
	case i == q.cursor:
		current = true
		if q.cursor >= len(q.items) {
			q.cursor = -1
		}
	}
	return removed, current, nil
}

// Move relocates the track at from to index to; the cursor follows the current track
func (q *Queue) Move(from, to int) error {
	if from < 0 || from >= len(q.items) {
		return indexError(from, len(q.items))
	}
	if to < 0 || to >= len(q.items) {
		return indexError(to, len(q.items))
	}
	if from == to {
		return nil
	}

	t := q.items[from]
	q.items = append(q.items[:from], q.items[from+1:]...)
	q.items = append(q.items[:to], append([]*track.Track{t}, q.items[to:]...)...)

	switch {
	case from == q.cursor:
		q.cursor = to
	case from < q.cursor && to >= q.cursor:
		q.cursor--
	case from > q.cursor && to <= q.cursor && q.cursor >= 0:
		q.cursor++
	}
	return nil
}

// Shuffle randomizes the tracks after the cursor
func (q *Queue) Shuffle() {
	start := q.cursor + 1
	if start < 0 {
		start = 0
	}
	upcoming := q.items[start:]
	rand.Shuffle(len(upcoming), func(i, j int) {
		upcoming[i], upcoming[j] = upcoming[j], upcoming[i]
	})
}

// Clear removes every track and resets the cursor
func (q *Queue) Clear() {
	q.items = nil
	q.cursor = -1
}

func indexError(i, n int) error {
	return apperrors.NewValidationError(fmt.Sprintf("index %d out of range (queue length %d)", i, n))
}
