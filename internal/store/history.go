package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// FailedTrack is one recorded playback failure
type FailedTrack struct {
	SessionID string    `json:"session_id"`
	SourceID  string    `json:"source_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// HistoryStore records plays and failures per session
type HistoryStore struct {
	db      *sql.DB
	logger  *zap.Logger
	writeMu sync.Mutex
	now     func() time.Time
}

// NewHistoryStore creates a new HistoryStore
func NewHistoryStore(db *sql.DB, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{
		db:     db,
		logger: monitoring.Named(logger, "history"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordPlay appends t to the session's play history
func (hs *HistoryStore) RecordPlay(ctx context.Context, sessionID string, t *track.Track) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode track: %w", err)
	}

	hs.writeMu.Lock()
	defer hs.writeMu.Unlock()

	_, err = hs.db.ExecContext(ctx, `
		INSERT INTO play_history (session_id, source_id, provider, title, author, track_json, played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, t.SourceID(), string(t.Provider), t.Title, t.Author, string(data), hs.now())
	if err != nil {
		return fmt.Errorf("failed to record play: %w", err)
	}
	return nil
}

// RecordFailure stores why t failed to play
func (hs *HistoryStore) RecordFailure(ctx context.Context, sessionID string, t *track.Track, reason string) error {
	hs.writeMu.Lock()
	defer hs.writeMu.Unlock()

	_, err := hs.db.ExecContext(ctx, `
		INSERT INTO failed_tracks (session_id, source_id, track_title, track_author, error_message, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, t.SourceID(), t.Title, t.Author, reason, hs.now())
	if err != nil {
		return fmt.Errorf("failed to record track failure: %w", err)
	}
	return nil
}

// Recent returns up to limit of the session's most recent plays, oldest first
func (hs *HistoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]*track.Track, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := hs.db.QueryContext(ctx, `
		SELECT track_json FROM play_history
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query play history: %w", err)
	}
	defer rows.Close()

	var tracks []*track.Track
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan play history: %w", err)
		}
		var t track.Track
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			hs.logger.Warn("Skipping unreadable history row", zap.Error(err))
			continue
		}
		tracks = append(tracks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read play history: %w", err)
	}

	for i, j := 0, len(tracks)-1; i < j; i, j = i+1, j-1 {
		tracks[i], tracks[j] = tracks[j], tracks[i]
	}
	return tracks, nil
}

// Failures returns up to limit of the session's most recent failures, newest first.
// An empty sessionID lists failures of every session.
func (hs *HistoryStore) Failures(ctx context.Context, sessionID string, limit int) ([]FailedTrack, error) {
	query := `
		SELECT session_id, source_id, track_title, COALESCE(track_author, ''), error_message, failed_at
		FROM failed_tracks
	`
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := hs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tracks: %w", err)
	}
	defer rows.Close()

	var failures []FailedTrack
	for rows.Next() {
		var f FailedTrack
		if err := rows.Scan(&f.SessionID, &f.SourceID, &f.Title, &f.Author, &f.Error, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed track: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// Prune deletes history and failure rows older than maxAge
func (hs *HistoryStore) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := hs.now().Add(-maxAge)

	hs.writeMu.Lock()
	defer hs.writeMu.Unlock()

	tx, err := hs.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		"DELETE FROM play_history WHERE played_at < ?",
		"DELETE FROM failed_tracks WHERE failed_at < ?",
	} {
		res, err := tx.ExecContext(ctx, q, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune history: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	if total > 0 {
		hs.logger.Info("Pruned play history", zap.Int64("rows", total), zap.Duration("max_age", maxAge))
	}
	return total, nil
}
