package playback

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/trackline/trackline/internal/track"
)

// State is the playback state of a session
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateBuffering State = "buffering"
	StateError     State = "error"
)

// LoopMode controls what happens when a track ends naturally
type LoopMode string

const (
	LoopOff   LoopMode = "off"
	LoopTrack LoopMode = "track"
	LoopQueue LoopMode = "queue"
)

// ParseLoopMode validates a loop mode name
func ParseLoopMode(s string) (LoopMode, error) {
	switch m := LoopMode(strings.ToLower(strings.TrimSpace(s))); m {
	case LoopOff, LoopTrack, LoopQueue:
		return m, nil
	case "":
		return LoopOff, nil
	}
	return "", fmt.Errorf("unknown loop mode: %q", s)
}

var (
	// ErrQueueAborted is returned when repeated failures stopped the whole queue
	ErrQueueAborted = stderrors.New("playback stopped after repeated failures")
	// ErrTransitionInProgress is returned when another transition is still being handled
	ErrTransitionInProgress = stderrors.New("another playback transition is in progress")
)

// Snapshot is the persisted queue state of one session
type Snapshot struct {
	SessionID    string         `json:"session_id"`
	Queue        []*track.Track `json:"queue"`
	CurrentIndex int            `json:"current_index"`
	LoopMode     LoopMode       `json:"loop_mode"`
	Volume       int            `json:"volume"`
	Autoplay     bool           `json:"autoplay"`
	Continuous   bool           `json:"continuous"`
	SavedAt      time.Time      `json:"saved_at"`
}

// Status is a point-in-time view of a session
type Status struct {
	State        State         `json:"state"`
	Current      *track.Track  `json:"current,omitempty"`
	CurrentIndex int           `json:"current_index"`
	Length       int           `json:"length"`
	LoopMode     LoopMode      `json:"loop_mode"`
	Volume       int           `json:"volume"`
	Autoplay     bool          `json:"autoplay"`
	Continuous   bool          `json:"continuous"`
	Elapsed      time.Duration `json:"elapsed"`
}
