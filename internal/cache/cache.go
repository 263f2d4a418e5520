// Package cache is the content-addressed on-disk audio store.
//
// Layout is <dir>/<key>.<ext>, one file per source identifier. A file that is
// older than the TTL or empty is invalid and removed when it is next seen.
package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
)

const tmpPrefix = ".tmp-"

// Key returns the content address of a source identifier
func Key(sourceID string) string {
	sum := blake2b.Sum256([]byte(sourceID))
	return hex.EncodeToString(sum[:16])
}

// Entry describes one valid cached file
type Entry struct {
	Key       string
	Path      string
	CreatedAt time.Time
	Size      int64
}

// Config configures a Store
type Config struct {
	Dir    string
	TTL    time.Duration
	Format string // file extension without the dot
}

// Store maps content keys to audio files on disk.
// Concurrent writers to one key are serialized by the download pipeline, not here.
type Store struct {
	dir    string
	ext    string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates the cache directory if needed
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, apperrors.NewValidationError("cache directory cannot be empty")
	}
	if cfg.TTL <= 0 {
		return nil, apperrors.NewValidationError("cache ttl must be positive")
	}
	if cfg.Format == "" {
		cfg.Format = "mp3"
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, apperrors.NewFileSystemError("failed to create cache directory", err)
	}
	return &Store{
		dir:    cfg.Dir,
		ext:    strings.TrimPrefix(cfg.Format, "."),
		ttl:    cfg.TTL,
		logger: monitoring.Named(logger, "cache"),
		now:    time.Now,
	}, nil
}

// Dir returns the cache root
func (s *Store) Dir() string { return s.dir }

// Ext returns the extension of cached files
func (s *Store) Ext() string { return s.ext }

// Path returns the deterministic file path for key
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+"."+s.ext)
}

// Lookup returns the entry for key when it is valid.
// Invalid files are purged and reported as a miss.
func (s *Store) Lookup(key string) (*Entry, bool) {
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		monitoring.RecordCacheLookup("miss")
		return nil, false
	}

	if reason := s.invalidReason(info); reason != "" {
		s.purge(path, reason)
		monitoring.RecordCacheLookup("invalid")
		return nil, false
	}

	monitoring.RecordCacheLookup("hit")
	return &Entry{Key: key, Path: path, CreatedAt: info.ModTime(), Size: info.Size()}, true
}

// Open returns a read stream over a valid entry.
// A file that disappears or cannot be read is purged and reported as cache corruption.
func (s *Store) Open(key string) (*os.File, *Entry, error) {
	entry, ok := s.Lookup(key)
	if !ok {
		return nil, nil, apperrors.NewNotFoundError("cache miss for " + key)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		s.purge(entry.Path, "unreadable")
		return nil, nil, apperrors.NewCacheCorruptionError("cache entry unreadable", err)
	}
	return f, entry, nil
}

// Put moves the finished file at src into the slot for key, replacing any previous entry.
// The move is atomic: readers see either the old file or the complete new one.
func (s *Store) Put(key, src string) (*Entry, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, apperrors.NewFileSystemError("cache source missing", err)
	}
	if info.Size() == 0 {
		os.Remove(src)
		return nil, apperrors.NewCacheCorruptionError("refusing to cache an empty file", nil)
	}

	dst := s.Path(key)
	if err := os.Rename(src, dst); err != nil {
		// src is on another filesystem: stage a copy next to dst first
		if err := s.copyIn(src, dst); err != nil {
			return nil, err
		}
		os.Remove(src)
	}

	now := s.now()
	os.Chtimes(dst, now, now)

	s.logger.Debug("Cached file stored",
		zap.String("key", key),
		zap.Int64("size", info.Size()))

	return &Entry{Key: key, Path: dst, CreatedAt: now, Size: info.Size()}, nil
}

func (s *Store) copyIn(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperrors.NewFileSystemError("failed to open cache source", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return apperrors.NewFileSystemError("failed to stage cache file", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.NewFileSystemError("failed to copy cache file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileSystemError("failed to flush cache file", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileSystemError("failed to place cache file", err)
	}
	return nil
}

// Alias makes key serve the same file as the valid entry at target. The
// alias is a hard link where the filesystem allows it, else a copy, and it
// ages with the target's modification time.
func (s *Store) Alias(key, target string) (*Entry, error) {
	if key == target {
		return nil, apperrors.NewValidationError("cache alias points at itself")
	}
	entry, ok := s.Lookup(target)
	if !ok {
		return nil, apperrors.NewNotFoundError("cache miss for " + target)
	}

	dst := s.Path(key)
	staged := filepath.Join(s.dir, tmpPrefix+key)
	os.Remove(staged)
	if err := os.Link(entry.Path, staged); err == nil {
		if err := os.Rename(staged, dst); err != nil {
			os.Remove(staged)
			return nil, apperrors.NewFileSystemError("failed to place cache alias", err)
		}
	} else if err := s.copyIn(entry.Path, dst); err != nil {
		return nil, err
	} else {
		os.Chtimes(dst, entry.CreatedAt, entry.CreatedAt)
	}

	s.logger.Debug("Cache alias stored", zap.String("key", key), zap.String("target", target))
	return &Entry{Key: key, Path: dst, CreatedAt: entry.CreatedAt, Size: entry.Size}, nil
}

// Invalidate removes the entry for key. Removing a missing entry is not an error.
func (s *Store) Invalidate(key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return apperrors.NewFileSystemError("failed to invalidate cache entry", err)
	}
	return nil
}

// Sweep removes expired, empty and abandoned staging files.
// It returns the number of files removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, apperrors.NewFileSystemError("failed to list cache directory", err)
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, de.Name())

		reason := ""
		switch {
		case strings.HasPrefix(de.Name(), tmpPrefix):
			if s.now().Sub(info.ModTime()) > time.Hour {
				reason = "abandoned"
			}
		case filepath.Ext(de.Name()) == "."+s.ext:
			reason = s.invalidReason(info)
		}

		if reason != "" && s.purge(path, reason) {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("Cache swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats returns the number of cached files and their total size
func (s *Store) Stats() (int, int64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0
	}
	var count int
	var total int64
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != "."+s.ext {
			continue
		}
		if info, err := de.Info(); err == nil {
			count++
			total += info.Size()
		}
	}
	return count, total
}

func (s *Store) invalidReason(info os.FileInfo) string {
	if info.Size() == 0 {
		return "empty"
	}
	if s.now().Sub(info.ModTime()) > s.ttl {
		return "expired"
	}
	return ""
}

func (s *Store) purge(path, reason string) bool {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to purge cache file", zap.String("path", path), zap.Error(err))
		return false
	}
	monitoring.CacheEvictions.Inc()
	s.logger.Debug("Cache file purged", zap.String("path", path), zap.String("reason", reason))
	return true
}

// String describes the store for logs
func (s *Store) String() string {
	return fmt.Sprintf("cache(%s, ttl=%s)", s.dir, s.ttl)
}
