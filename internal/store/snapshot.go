package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/playback"
	"github.com/trackline/trackline/internal/security"
)

// SnapshotStore keeps one JSON queue snapshot per session in a directory
type SnapshotStore struct {
	dir    string
	logger *zap.Logger
}

// NewSnapshotStore creates the store, creating dir if needed
func NewSnapshotStore(dir string, logger *zap.Logger) (*SnapshotStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotStore{dir: dir, logger: monitoring.Named(logger, "snapshots")}, nil
}

// Save writes s atomically; readers never see a partial document
func (ss *SnapshotStore) Save(sessionID string, s *playback.Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(ss.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	path, err := ss.path(sessionID)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the session's snapshot. A missing or unreadable document is
// reported as nil, nil; a corrupt one is moved aside.
func (ss *SnapshotStore) Load(sessionID string) (*playback.Snapshot, error) {
	path, err := ss.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		ss.logger.Warn("Failed to read queue snapshot", zap.String("path", path), zap.Error(err))
		return nil, nil
	}

	var snap playback.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		ss.logger.Warn("Discarding corrupt queue snapshot", zap.String("path", path), zap.Error(err))
		if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
			ss.logger.Debug("Failed to move corrupt snapshot aside", zap.Error(rerr))
		}
		return nil, nil
	}
	return &snap, nil
}

// Delete removes the session's snapshot
func (ss *SnapshotStore) Delete(sessionID string) error {
	path, err := ss.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Sessions lists the file names (without extension) of saved snapshots
func (ss *SnapshotStore) Sessions() ([]string, error) {
	entries, err := os.ReadDir(ss.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (ss *SnapshotStore) path(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id cannot be empty")
	}
	return security.ConfinedPath(ss.dir, safeName(sessionID)+".json")
}

// safeName maps a session id onto a file name
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
