// Package config loads and validates the proxy's tunables from YAML,
// environment overrides, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of runtime tunables for the proxy.
type Config struct {
	Port    int           `mapstructure:"port" yaml:"port"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Queue   QueueConfig   `mapstructure:"queue" yaml:"queue"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	MP4     MP4Config     `mapstructure:"mp4" yaml:"mp4"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Preload PreloadConfig `mapstructure:"preload" yaml:"preload"`
}

type CacheConfig struct {
	Root             string  `mapstructure:"root" yaml:"root"`
	SegmentSize      int64   `mapstructure:"segment_size" yaml:"segment_size"`
	MaxSegmentCount  int     `mapstructure:"max_segment_count" yaml:"max_segment_count"`
	MaxCacheSize     int64   `mapstructure:"max_cache_size" yaml:"max_cache_size"`
	CleanupRatio     float64 `mapstructure:"cleanup_ratio" yaml:"cleanup_ratio"`
	MaxAge           time.Duration `mapstructure:"max_age" yaml:"max_age"`
	ConfigSaveInterval time.Duration `mapstructure:"config_save_interval" yaml:"config_save_interval"`
}

type QueueConfig struct {
	GlobalMaxConcurrentDownloads int `mapstructure:"global_max_concurrent_downloads" yaml:"global_max_concurrent_downloads"`
	PerMediaMaxConcurrentDownloads int `mapstructure:"per_media_max_concurrent_downloads" yaml:"per_media_max_concurrent_downloads"`
	PauseOldDownloadsOnSwitch   bool `mapstructure:"pause_old_downloads_on_switch" yaml:"pause_old_downloads_on_switch"`
	PrefetchWindowSegments      int  `mapstructure:"prefetch_window_segments" yaml:"prefetch_window_segments"`
}

type HTTPConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	StreamReadTimeout time.Duration `mapstructure:"stream_read_timeout" yaml:"stream_read_timeout"`
}

type MP4Config struct {
	DetectionBytes          int   `mapstructure:"detection_bytes" yaml:"detection_bytes"`
	SkipDetectionThreshold  int64 `mapstructure:"skip_detection_threshold" yaml:"skip_detection_threshold"`
	AlwaysPreloadEndSegment bool  `mapstructure:"always_preload_end_segment" yaml:"always_preload_end_segment"`
}

type RetryConfig struct {
	Count        int           `mapstructure:"count" yaml:"count"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type PreloadConfig struct {
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
}

const (
	MiB = 1 << 20
)

// Priority levels for queue scheduling, highest wins.
const (
	PriorityBackground    = 10
	PriorityPrePlay       = 50
	PriorityPlaying       = 100
	PriorityTailMoov      = 150
	PriorityPlayingUrgent = 200
)

// Load reads config from path (defaulting to "config.yaml" if empty),
// applies GONZB_-style environment overrides under the MEDIACACHE_
// prefix, and validates the result. Missing file is tolerated: built-in
// defaults alone are a valid configuration for local/loopback use.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("MEDIACACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 0) // ephemeral
	v.SetDefault("cache.root", "")
	v.SetDefault("cache.segment_size", 2*MiB)
	v.SetDefault("cache.max_segment_count", 5000)
	v.SetDefault("cache.max_cache_size", 500*MiB)
	v.SetDefault("cache.cleanup_ratio", 0.7)
	v.SetDefault("cache.max_age", 7*24*time.Hour)
	v.SetDefault("cache.config_save_interval", time.Second)

	v.SetDefault("queue.global_max_concurrent_downloads", 4)
	v.SetDefault("queue.per_media_max_concurrent_downloads", 3)
	v.SetDefault("queue.pause_old_downloads_on_switch", true)
	v.SetDefault("queue.prefetch_window_segments", 2)

	v.SetDefault("http.connect_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 30*time.Second)
	v.SetDefault("http.stream_read_timeout", 15*time.Second)

	v.SetDefault("mp4.detection_bytes", 64)
	v.SetDefault("mp4.skip_detection_threshold", 5*MiB)
	v.SetDefault("mp4.always_preload_end_segment", false)

	v.SetDefault("retry.count", 3)
	v.SetDefault("retry.initial_delay", time.Second)

	v.SetDefault("log.path", "mediacache-proxy.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetDefault("preload.debounce_interval", 300*time.Millisecond)
}

func (c *Config) validate() error {
	if c.Cache.SegmentSize <= 0 {
		return fmt.Errorf("cache.segment_size must be positive")
	}
	if c.Cache.MaxSegmentCount <= 0 {
		return fmt.Errorf("cache.max_segment_count must be positive")
	}
	if c.Cache.CleanupRatio <= 0 || c.Cache.CleanupRatio > 1 {
		return fmt.Errorf("cache.cleanup_ratio must be in (0, 1]")
	}
	if c.Queue.GlobalMaxConcurrentDownloads <= 0 {
		return fmt.Errorf("queue.global_max_concurrent_downloads must be positive")
	}
	if c.Queue.PerMediaMaxConcurrentDownloads <= 0 {
		return fmt.Errorf("queue.per_media_max_concurrent_downloads must be positive")
	}
	return nil
}
