package playback

import (
	"time"

	"go.uber.org/zap"
)

// Snapshot returns the current persistable state
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Snapshot{
		SessionID:    m.session,
		Queue:        m.queue.Items(),
		CurrentIndex: m.queue.Cursor(),
		LoopMode:     m.loop,
		Volume:       m.volume,
		Autoplay:     m.autoplay,
		Continuous:   m.continuous,
		SavedAt:      m.now(),
	}
}

// scheduleSnapshot debounces snapshot writes: bursts of mutations produce one write
func (m *Manager) scheduleSnapshot() {
	if m.deps.Snapshots == nil || m.ctx.Err() != nil {
		return
	}
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if m.snapTimer == nil {
		m.snapTimer = time.AfterFunc(m.cfg.SnapshotDebounce, m.flushSnapshot)
		return
	}
	m.snapTimer.Reset(m.cfg.SnapshotDebounce)
}

func (m *Manager) flushSnapshot() {
	if err := m.saveSnapshot(); err != nil {
		m.logger.Warn("Failed to save queue snapshot", zap.Error(err))
	}
}

func (m *Manager) saveSnapshot() error {
	snap := m.Snapshot()
	if err := m.deps.Snapshots.Save(m.session, snap); err != nil {
		return err
	}
	m.logger.Debug("Queue snapshot saved",
		zap.Int("tracks", len(snap.Queue)),
		zap.Int("current_index", snap.CurrentIndex))
	return nil
}
