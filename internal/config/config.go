package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Cache       CacheConfig       `json:"cache" mapstructure:"cache"`
	Download    DownloadConfig    `json:"download" mapstructure:"download"`
	Acquisition AcquisitionConfig `json:"acquisition" mapstructure:"acquisition"`
	Resolver    ResolverConfig    `json:"resolver" mapstructure:"resolver"`
	Playback    PlaybackConfig    `json:"playback" mapstructure:"playback"`
	Network     NetworkConfig     `json:"network" mapstructure:"network"`
	Storage     StorageConfig     `json:"storage" mapstructure:"storage"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Server      ServerConfig      `json:"server" mapstructure:"server"`
}

// CacheConfig contains the audio cache settings
type CacheConfig struct {
	Dir                  string `json:"dir" mapstructure:"dir"`
	TTLHours             int    `json:"ttl_hours" mapstructure:"ttl_hours"`
	SweepIntervalMinutes int    `json:"sweep_interval_minutes" mapstructure:"sweep_interval_minutes"`
	Format               string `json:"format" mapstructure:"format"` // "mp3" or "flac"
	Bitrate              string `json:"bitrate" mapstructure:"bitrate"`
	EmbedTags            bool   `json:"embed_tags" mapstructure:"embed_tags"`
	EmbedArtwork         bool   `json:"embed_artwork" mapstructure:"embed_artwork"`
	ArtworkSize          int    `json:"artwork_size" mapstructure:"artwork_size"`
}

// DownloadConfig contains settings for the external download and transcode tools
type DownloadConfig struct {
	YTDLPPath            string `json:"ytdlp_path" mapstructure:"ytdlp_path"`
	FFmpegPath           string `json:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	WorkDir              string `json:"work_dir" mapstructure:"work_dir"`
	Retries              int    `json:"retries" mapstructure:"retries"`
	SocketTimeoutSeconds int    `json:"socket_timeout_seconds" mapstructure:"socket_timeout_seconds"`
	CookieFile           string `json:"cookie_file" mapstructure:"cookie_file"`
	MaxConcurrentStreams int    `json:"max_concurrent_streams" mapstructure:"max_concurrent_streams"`
	PrefetchWorkers      int    `json:"prefetch_workers" mapstructure:"prefetch_workers"`
	JobTimeoutSeconds    int    `json:"job_timeout_seconds" mapstructure:"job_timeout_seconds"`
}

// AcquisitionConfig contains the method chain timeouts and circuit-breaker settings
type AcquisitionConfig struct {
	DirectTimeoutSeconds    int `json:"direct_timeout_seconds" mapstructure:"direct_timeout_seconds"`
	PipelineTimeoutSeconds  int `json:"pipeline_timeout_seconds" mapstructure:"pipeline_timeout_seconds"`
	AlternateTimeoutSeconds int `json:"alternate_timeout_seconds" mapstructure:"alternate_timeout_seconds"`
	FallbackTimeoutSeconds  int `json:"fallback_timeout_seconds" mapstructure:"fallback_timeout_seconds"`
	CooldownBaseSeconds     int `json:"cooldown_base_seconds" mapstructure:"cooldown_base_seconds"`
	CooldownMaxSeconds      int `json:"cooldown_max_seconds" mapstructure:"cooldown_max_seconds"`
	FailureCeiling          int `json:"failure_ceiling" mapstructure:"failure_ceiling"`
	HealthTTLMinutes        int `json:"health_ttl_minutes" mapstructure:"health_ttl_minutes"`
}

// ResolverConfig contains search and resolution settings
type ResolverConfig struct {
	ProviderTimeoutSeconds int      `json:"provider_timeout_seconds" mapstructure:"provider_timeout_seconds"`
	RungTimeoutSeconds     int      `json:"rung_timeout_seconds" mapstructure:"rung_timeout_seconds"`
	SearchLimit            int      `json:"search_limit" mapstructure:"search_limit"`
	NegativeHints          []string `json:"negative_hints" mapstructure:"negative_hints"`
	MatchThreshold         float64  `json:"match_threshold" mapstructure:"match_threshold"`
	Providers              []string `json:"providers" mapstructure:"providers"`
}

// PlaybackConfig contains the queue state machine settings
type PlaybackConfig struct {
	TrackFailureThreshold  int    `json:"track_failure_threshold" mapstructure:"track_failure_threshold"`
	GlobalFailureThreshold int    `json:"global_failure_threshold" mapstructure:"global_failure_threshold"`
	MinNaturalSeconds      int    `json:"min_natural_seconds" mapstructure:"min_natural_seconds"`
	Autoplay               bool   `json:"autoplay" mapstructure:"autoplay"`
	Continuous             bool   `json:"continuous" mapstructure:"continuous"`
	SnapshotDebounceMillis int    `json:"snapshot_debounce_millis" mapstructure:"snapshot_debounce_millis"`
	SnapshotDir            string `json:"snapshot_dir" mapstructure:"snapshot_dir"`
	HistorySize            int    `json:"history_size" mapstructure:"history_size"`
	DefaultVolume          int    `json:"default_volume" mapstructure:"default_volume"`
}

// NetworkConfig contains network-related settings
type NetworkConfig struct {
	ProxyURL     string  `json:"proxy_url" mapstructure:"proxy_url"`
	Timeout      int     `json:"timeout" mapstructure:"timeout"`
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
	RequestsPerS float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst        int     `json:"burst" mapstructure:"burst"`
	UserAgent    string  `json:"user_agent" mapstructure:"user_agent"`
}

// StorageConfig contains the sqlite database settings
type StorageConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// ServerConfig contains the ops HTTP server settings
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// TRACKLINE_CACHE_DIR overrides cache.dir, and so on
	v.SetEnvPrefix("TRACKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without touching the filesystem
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Cache validation
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache directory cannot be empty")
	}
	if c.Cache.TTLHours < 1 {
		return fmt.Errorf("cache ttl must be at least 1 hour")
	}
	if c.Cache.Format != "mp3" && c.Cache.Format != "flac" {
		return fmt.Errorf("invalid cache format: %s (must be mp3 or flac)", c.Cache.Format)
	}
	if c.Cache.EmbedArtwork && (c.Cache.ArtworkSize < 100 || c.Cache.ArtworkSize > 5000) {
		return fmt.Errorf("artwork size must be between 100 and 5000 pixels")
	}

	// Download validation
	if c.Download.YTDLPPath == "" || c.Download.FFmpegPath == "" {
		return fmt.Errorf("download tool paths cannot be empty")
	}
	if c.Download.Retries < 0 || c.Download.Retries > 10 {
		return fmt.Errorf("download retries must be between 0 and 10")
	}
	if c.Download.SocketTimeoutSeconds < 1 {
		return fmt.Errorf("socket timeout must be at least 1 second")
	}
	if c.Download.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max concurrent streams must be at least 1")
	}
	if c.Download.MaxConcurrentStreams > 256 {
		return fmt.Errorf("max concurrent streams cannot exceed 256")
	}
	if c.Download.PrefetchWorkers < 0 || c.Download.PrefetchWorkers > 32 {
		return fmt.Errorf("prefetch workers must be between 0 and 32")
	}

	// Acquisition validation
	if c.Acquisition.DirectTimeoutSeconds < 1 || c.Acquisition.PipelineTimeoutSeconds < 1 {
		return fmt.Errorf("acquisition timeouts must be at least 1 second")
	}
	if c.Acquisition.FailureCeiling < 1 {
		return fmt.Errorf("failure ceiling must be at least 1")
	}
	if c.Acquisition.CooldownMaxSeconds < c.Acquisition.CooldownBaseSeconds {
		return fmt.Errorf("cooldown max cannot be below cooldown base")
	}

	// Resolver validation
	if c.Resolver.ProviderTimeoutSeconds < 1 {
		return fmt.Errorf("provider timeout must be at least 1 second")
	}
	if c.Resolver.SearchLimit < 1 {
		return fmt.Errorf("search limit must be at least 1")
	}
	if c.Resolver.MatchThreshold < 0 || c.Resolver.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be between 0 and 1")
	}

	// Playback validation
	if c.Playback.TrackFailureThreshold < 1 {
		return fmt.Errorf("track failure threshold must be at least 1")
	}
	if c.Playback.GlobalFailureThreshold < c.Playback.TrackFailureThreshold {
		return fmt.Errorf("global failure threshold cannot be below the track failure threshold")
	}
	if c.Playback.DefaultVolume < 1 || c.Playback.DefaultVolume > 100 {
		return fmt.Errorf("default volume must be between 1 and 100")
	}
	if c.Playback.SnapshotDir == "" {
		return fmt.Errorf("snapshot directory cannot be empty")
	}

	// Network validation
	if c.Network.Timeout < 1 {
		return fmt.Errorf("network timeout must be at least 1 second")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Network.RequestsPerS <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups cannot be negative")
	}

	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log max age cannot be negative")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("cache", c.Cache)
	v.Set("download", c.Download)
	v.Set("acquisition", c.Acquisition)
	v.Set("resolver", c.Resolver)
	v.Set("playback", c.Playback)
	v.Set("network", c.Network)
	v.Set("storage", c.Storage)
	v.Set("logging", c.Logging)
	v.Set("server", c.Server)

	return v.WriteConfigAs(path)
}

// CacheTTL returns the cache entry lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// SweepInterval returns how often expired records are swept
func (c *Config) SweepInterval() time.Duration {
	if c.Cache.SweepIntervalMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Cache.SweepIntervalMinutes) * time.Minute
}

// Seconds converts a seconds setting into a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	dataDir := GetDataDir()

	// Cache defaults
	v.SetDefault("cache.dir", filepath.Join(dataDir, "cache"))
	v.SetDefault("cache.ttl_hours", 72)
	v.SetDefault("cache.sweep_interval_minutes", 10)
	v.SetDefault("cache.format", "mp3")
	v.SetDefault("cache.bitrate", "192k")
	v.SetDefault("cache.embed_tags", true)
	v.SetDefault("cache.embed_artwork", true)
	v.SetDefault("cache.artwork_size", 500)

	// Download defaults
	v.SetDefault("download.ytdlp_path", "yt-dlp")
	v.SetDefault("download.ffmpeg_path", "ffmpeg")
	v.SetDefault("download.work_dir", filepath.Join(dataDir, "work"))
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.socket_timeout_seconds", 15)
	v.SetDefault("download.cookie_file", "")
	v.SetDefault("download.max_concurrent_streams", 8)
	v.SetDefault("download.prefetch_workers", 2)
	v.SetDefault("download.job_timeout_seconds", 300)

	// Acquisition defaults
	v.SetDefault("acquisition.direct_timeout_seconds", 8)
	v.SetDefault("acquisition.pipeline_timeout_seconds", 180)
	v.SetDefault("acquisition.alternate_timeout_seconds", 200)
	v.SetDefault("acquisition.fallback_timeout_seconds", 60)
	v.SetDefault("acquisition.cooldown_base_seconds", 30)
	v.SetDefault("acquisition.cooldown_max_seconds", 600)
	v.SetDefault("acquisition.failure_ceiling", 5)
	v.SetDefault("acquisition.health_ttl_minutes", 60)

	// Resolver defaults
	v.SetDefault("resolver.provider_timeout_seconds", 6)
	v.SetDefault("resolver.rung_timeout_seconds", 8)
	v.SetDefault("resolver.search_limit", 10)
	v.SetDefault("resolver.negative_hints", []string{"cover", "remix", "karaoke", "instrumental", "live", "sped up", "slowed", "nightcore", "8d"})
	v.SetDefault("resolver.match_threshold", 0.5)
	v.SetDefault("resolver.providers", []string{"youtube_music", "youtube", "soundcloud"})

	// Playback defaults
	v.SetDefault("playback.track_failure_threshold", 3)
	v.SetDefault("playback.global_failure_threshold", 5)
	v.SetDefault("playback.min_natural_seconds", 5)
	v.SetDefault("playback.autoplay", false)
	v.SetDefault("playback.continuous", true)
	v.SetDefault("playback.snapshot_debounce_millis", 1000)
	v.SetDefault("playback.snapshot_dir", filepath.Join(dataDir, "queues"))
	v.SetDefault("playback.history_size", 50)
	v.SetDefault("playback.default_volume", 100)

	// Network defaults
	v.SetDefault("network.timeout", 30)
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.requests_per_second", 10.0)
	v.SetDefault("network.burst", 10)
	v.SetDefault("network.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	v.SetDefault("storage.db_path", filepath.Join(dataDir, "trackline.db"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "console")
	v.SetDefault("logging.file_path", filepath.Join(dataDir, "logs", "trackline.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("server.listen_addr", "127.0.0.1:9410")
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	return filepath.Join(GetDataDir(), "config.json")
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0755)
}

// GetDataDir returns the application data directory.
// TRACKLINE_HOME takes precedence over the XDG data directory.
func GetDataDir() string {
	if home := os.Getenv("TRACKLINE_HOME"); home != "" {
		return home
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "trackline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "trackline")
}
