package download

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/monitoring"
)

// audioFormatSelector prefers streams that decode fastest: opus/vorbis in webm, then m4a
const audioFormatSelector = "bestaudio[acodec=opus]/bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best"

// StageRunner runs the two external stages of a pipeline job
type StageRunner interface {
	// Download fetches the source audio into req.Dir and returns the file path.
	// progress receives the downloader's own percent (0-100) and ETA.
	Download(ctx context.Context, req DownloadRequest, progress func(percent float64, etaSeconds int)) (string, error)
	// Transcode normalizes req.Input into req.Output.
	// progress receives the completed fraction (0-1) when it can be computed.
	Transcode(ctx context.Context, req TranscodeRequest, progress func(fraction float64)) error
}

// DownloadRequest describes one downloader invocation
type DownloadRequest struct {
	URL string
	Dir string
}

// TranscodeRequest describes one transcoder invocation
type TranscodeRequest struct {
	Input    string
	Output   string
	Duration time.Duration // zero when unknown; the transcoder's own report is used instead
}

// ToolConfig configures the external tools
type ToolConfig struct {
	YTDLPPath     string
	FFmpegPath    string
	Format        string // mp3 or flac
	Bitrate       string
	Retries       int
	SocketTimeout time.Duration
	CookieFile    string
	ProxyURL      string
	// WaitDelay bounds how long a killed tool may hold its output pipes open
	WaitDelay time.Duration
}

// ToolRunner runs yt-dlp and ffmpeg as subprocesses
type ToolRunner struct {
	cfg    ToolConfig
	logger *zap.Logger
}

// NewToolRunner creates a runner with defaults filled in
func NewToolRunner(cfg ToolConfig, logger *zap.Logger) *ToolRunner {
	if cfg.YTDLPPath == "" {
		cfg.YTDLPPath = "yt-dlp"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Format == "" {
		cfg.Format = "mp3"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "192k"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 15 * time.Second
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}

	r := &ToolRunner{cfg: cfg, logger: monitoring.Named(logger, "tools")}
	if cfg.CookieFile != "" && !ValidCookieFile(cfg.CookieFile) {
		r.logger.Warn("Cookie file is missing or malformed, downloading without it",
			zap.String("path", cfg.CookieFile))
	}
	return r
}

// downloadArgs are passed ahead of the URL; they are fixed apart from the validated cookie file
func (r *ToolRunner) downloadArgs(url string) []string {
	args := []string{
		"--newline",
		"--retries", strconv.Itoa(r.cfg.Retries),
		"--socket-timeout", strconv.Itoa(int(r.cfg.SocketTimeout.Seconds())),
	}
	if ValidCookieFile(r.cfg.CookieFile) {
		args = append(args, "--cookies", r.cfg.CookieFile)
	}
	return append(args, url)
}

// Download implements StageRunner
func (r *ToolRunner) Download(ctx context.Context, req DownloadRequest, progress func(float64, int)) (string, error) {
	dl := ytdlp.New().
		SetExecutable(r.cfg.YTDLPPath).
		Format(audioFormatSelector).
		Output(filepath.Join(req.Dir, "source.%(ext)s")).
		NoPlaylist().
		NoPart().
		NoWarnings().
		IgnoreConfig()
	if r.cfg.ProxyURL != "" {
		dl.Proxy(r.cfg.ProxyURL)
	}

	cmd := dl.BuildCommand(ctx, r.downloadArgs(req.URL)...)
	cmd.WaitDelay = r.cfg.WaitDelay
	killProcessGroup(cmd)

	diag := newTailBuffer(16 * 1024)
	cmd.Stderr = diag
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", apperrors.NewProcessSpawnError("failed to attach downloader output", err)
	}
	if err := cmd.Start(); err != nil {
		return "", apperrors.NewProcessSpawnError("failed to start downloader", err)
	}

	scanOutput(stdout, func(line string) {
		if pct, eta, ok := parseDownloadProgress(line); ok {
			if progress != nil {
				progress(pct, eta)
			}
			return
		}
		if strings.HasPrefix(line, "ERROR") {
			diag.WriteLine(line)
		}
	})

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", apperrors.Classify("", ctxErr)
		}
		r.logger.Debug("Downloader failed",
			zap.String("url", req.URL),
			zap.String("output", diag.String()))
		return "", apperrors.Classify(diag.String(), err)
	}

	return findSourceFile(req.Dir)
}

// Transcode implements StageRunner
func (r *ToolRunner) Transcode(ctx context.Context, req TranscodeRequest, progress func(float64)) error {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", req.Input, "-vn", "-map_metadata", "-1"}
	switch r.cfg.Format {
	case "flac":
		args = append(args, "-c:a", "flac")
	default:
		args = append(args, "-c:a", "libmp3lame", "-b:a", r.cfg.Bitrate)
	}
	args = append(args, req.Output)

	cmd := exec.CommandContext(ctx, r.cfg.FFmpegPath, args...)
	cmd.WaitDelay = r.cfg.WaitDelay
	killProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.NewProcessSpawnError("failed to attach transcoder output", err)
	}
	if err := cmd.Start(); err != nil {
		return apperrors.NewProcessSpawnError("failed to start transcoder", err)
	}

	diag := newTailBuffer(8 * 1024)
	duration := req.Duration
	scanOutput(stderr, func(line string) {
		diag.WriteLine(line)
		if duration <= 0 {
			if d, ok := parseInputDuration(line); ok {
				duration = d
			}
		}
		if pos, ok := parseTranscodeTime(line); ok && duration > 0 && progress != nil {
			frac := float64(pos) / float64(duration)
			if frac > 1 {
				frac = 1
			}
			progress(frac)
		}
	})

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apperrors.Classify("", ctxErr)
		}
		return apperrors.Classify(diag.String(), err)
	}
	return nil
}

// findSourceFile returns the downloaded file in dir, ignoring partial artifacts
func findSourceFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "source.*"))
	if err != nil {
		return "", apperrors.NewFileSystemError("failed to list download directory", err)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.Size() > 0 {
			return m, nil
		}
	}
	return "", apperrors.NewFormatUnavailableError("downloader produced no audio file", nil)
}
