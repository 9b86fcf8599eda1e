// Package config provides configuration management for demuxcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/avioformat/demuxcore/internal/demux/engine"
	"github.com/avioformat/demuxcore/internal/demux/packet"
)

// Default configuration values.
const (
	defaultReadaheadSecs = 1.0
	defaultCacheSecs     = 10.0
	defaultMaxBytes      = 400 * 1024 * 1024 // 400 MiB
	defaultMaxBytesBw    = 0                 // back-buffer pruned as far as keyframe ranges allow
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// EngineConfig holds the tuning options described in spec.md §6
// ("Tuning options"). Every field maps one-to-one to an engine.Options
// field; EngineConfig exists so these values can be loaded from YAML,
// environment variables, or flags via Viper before being converted with
// ToEngineOptions.
type EngineConfig struct {
	// ReadaheadSecs is the minimum seconds of forward buffer to maintain
	// per active stream. Superseded by CacheSecs for cached/network
	// sources. Accepts human-readable duration strings ("1.5s") as well
	// as bare seconds ("1.0").
	ReadaheadSecs Duration `mapstructure:"readahead_secs"`

	// CacheSecs supersedes ReadaheadSecs for network/cached sources.
	CacheSecs Duration `mapstructure:"cache_secs"`

	// MaxBytes is the forward-window byte cap (engine-wide). Accepts
	// human-readable sizes like "400MiB".
	MaxBytes ByteSize `mapstructure:"max_bytes"`

	// MaxBytesBw is the back-window byte cap (engine-wide). Zero keeps no
	// back buffer beyond what whole-keyframe-range pruning cannot remove.
	MaxBytesBw ByteSize `mapstructure:"max_bytes_bw"`

	// ForceSeekable marks partially-seekable sources as fully seekable.
	ForceSeekable bool `mapstructure:"force_seekable"`

	// SeekableCache enables the SeekCache in-buffer seek path.
	SeekableCache bool `mapstructure:"seekable_cache"`

	// AccessReferences allows loading referenced external media (e.g. an
	// HLS master playlist's variant streams).
	AccessReferences bool `mapstructure:"access_references"`

	// CreateCCs pre-creates synthetic caption tracks for video streams.
	CreateCCs bool `mapstructure:"create_ccs"`
}

// ToEngineOptions converts the viper-friendly EngineConfig into the
// engine.Options the Engine constructor expects, translating the
// human-readable Duration/ByteSize wrapper types into engine.Options'
// plain packet.Timestamp nanosecond counts and byte counts.
func (c EngineConfig) ToEngineOptions() engine.Options {
	return engine.Options{
		Readahead:        packet.Timestamp(c.ReadaheadSecs.Duration()),
		Cache:            packet.Timestamp(c.CacheSecs.Duration()),
		MaxBytes:         c.MaxBytes.Int64(),
		MaxBytesBw:       c.MaxBytesBw.Int64(),
		ForceSeekable:    c.ForceSeekable,
		SeekableCache:    c.SeekableCache,
		AccessReferences: c.AccessReferences,
		CreateCCs:        c.CreateCCs,
	}
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DEMUXCORE_ and use underscores
// for nesting. Example: DEMUXCORE_ENGINE_MAX_BYTES=800MiB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/demuxcore")
		v.AddConfigPath("$HOME/.demuxcore")
	}

	v.SetEnvPrefix("DEMUXCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Engine defaults
	v.SetDefault("engine.readahead_secs", "1s")
	v.SetDefault("engine.cache_secs", "10s")
	v.SetDefault("engine.max_bytes", defaultMaxBytes)
	v.SetDefault("engine.max_bytes_bw", defaultMaxBytesBw)
	v.SetDefault("engine.force_seekable", false)
	v.SetDefault("engine.seekable_cache", false)
	v.SetDefault("engine.access_references", true)
	v.SetDefault("engine.create_ccs", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Engine.MaxBytes < 0 {
		return fmt.Errorf("engine.max_bytes must not be negative")
	}
	if c.Engine.MaxBytesBw < 0 {
		return fmt.Errorf("engine.max_bytes_bw must not be negative")
	}
	if c.Engine.ReadaheadSecs.Duration() < 0 {
		return fmt.Errorf("engine.readahead_secs must not be negative")
	}
	if c.Engine.CacheSecs.Duration() < 0 {
		return fmt.Errorf("engine.cache_secs must not be negative")
	}

	return nil
}
