package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
)

const (
	// entryTemplate is the --print template every listing call uses
	entryTemplate = "%(id)s\t%(webpage_url,url)s\t%(title)s\t%(uploader,channel)s\t%(duration)s\t%(view_count)s\t%(thumbnail)s"
	entryFields   = 7

	streamFormat = "bestaudio[acodec=opus]/bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio"
)

// Search prefixes understood by yt-dlp
const (
	SearchYouTube      = "ytsearch"
	SearchYouTubeMusic = "ytmsearch"
	SearchSoundCloud   = "scsearch"
)

// Entry is one item printed by yt-dlp
type Entry struct {
	ID        string
	URL       string
	Title     string
	Uploader  string
	Duration  time.Duration
	ViewCount int64
	Thumbnail string
}

// YTDLPConfig configures the metadata invocations of yt-dlp
type YTDLPConfig struct {
	Path       string
	ProxyURL   string
	CookieFile string
}

// YTDLP runs yt-dlp for metadata, search and mix playlists. It never downloads media.
type YTDLP struct {
	cfg    YTDLPConfig
	logger *zap.Logger
}

// NewYTDLP creates the wrapper
func NewYTDLP(cfg YTDLPConfig, logger *zap.Logger) *YTDLP {
	if cfg.Path == "" {
		cfg.Path = "yt-dlp"
	}
	return &YTDLP{cfg: cfg, logger: monitoring.Named(logger, "ytdlp")}
}

func (y *YTDLP) command() *ytdlp.Command {
	cmd := ytdlp.New().
		SetExecutable(y.cfg.Path).
		NoWarnings().
		IgnoreConfig()
	if y.cfg.ProxyURL != "" {
		cmd.Proxy(y.cfg.ProxyURL)
	}
	if y.cfg.CookieFile != "" {
		cmd.Cookies(y.cfg.CookieFile)
	}
	return cmd
}

// Search runs a prefixed search such as "ytsearch5:query"
func (y *YTDLP) Search(ctx context.Context, prefix, query string, limit int) ([]Entry, error) {
	limit = clampLimit(limit, 25)
	res, err := y.command().
		FlatPlaylist().
		Print(entryTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, fmt.Sprintf("%s%d:%s", prefix, limit, query))
	if err != nil {
		return nil, y.classify("search", res, err)
	}
	return parseEntries(res.Stdout), nil
}

// Metadata extracts one item's metadata without downloading it
func (y *YTDLP) Metadata(ctx context.Context, rawURL string) (*Entry, error) {
	res, err := y.command().
		Print(entryTemplate).
		NoPlaylist().
		Run(ctx, "--skip-download", rawURL)
	if err != nil {
		return nil, y.classify("metadata", res, err)
	}
	entries := parseEntries(res.Stdout)
	if len(entries) == 0 {
		return nil, apperrors.NewNotFoundError("no metadata printed for " + rawURL)
	}
	return &entries[0], nil
}

// StreamURL returns the direct media URL of the best audio format
func (y *YTDLP) StreamURL(ctx context.Context, rawURL string) (string, error) {
	res, err := y.command().
		Format(streamFormat).
		Print("%(url)s").
		NoPlaylist().
		Run(ctx, "--skip-download", rawURL)
	if err != nil {
		return "", y.classify("stream url", res, err)
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "http") {
			return line, nil
		}
	}
	return "", apperrors.NewFormatUnavailableError("no stream url printed for "+rawURL, nil)
}

// Playlist lists up to limit entries of a playlist or mix URL
func (y *YTDLP) Playlist(ctx context.Context, rawURL string, limit int) ([]Entry, error) {
	limit = clampLimit(limit, 50)
	res, err := y.command().
		FlatPlaylist().
		Print(entryTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, rawURL)
	if err != nil {
		return nil, y.classify("playlist", res, err)
	}
	return parseEntries(res.Stdout), nil
}

func (y *YTDLP) classify(op string, res *ytdlp.Result, err error) error {
	stderr := ""
	if res != nil {
		stderr = res.Stderr
	}
	classified := apperrors.Classify(stderr, err)
	y.logger.Debug("yt-dlp call failed",
		zap.String("op", op),
		zap.String("error_type", string(apperrors.GetErrorType(classified))),
		zap.Error(err))
	return classified
}

// parseEntries parses entryTemplate lines; malformed lines are skipped
func parseEntries(stdout string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(parts) < entryFields {
			continue
		}
		e := Entry{
			ID:        na(parts[0]),
			URL:       na(parts[1]),
			Title:     na(parts[2]),
			Uploader:  na(parts[3]),
			Thumbnail: na(parts[6]),
		}
		if secs, err := strconv.ParseFloat(parts[4], 64); err == nil && secs > 0 {
			e.Duration = time.Duration(secs * float64(time.Second))
		}
		if views, err := strconv.ParseInt(parts[5], 10, 64); err == nil {
			e.ViewCount = views
		}
		if e.ID == "" && e.URL == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// na maps yt-dlp's missing-field marker to an empty string
func na(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}
