// Package config loads ytharvest settings from defaults, an optional config
// file, a .env file and the environment, in that order of priority.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"ytharvest/internal/harvest"
	"ytharvest/internal/quota"
	"ytharvest/internal/scheduler"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
)

// FileBaseName is the stem searched for when no config path is given.
const FileBaseName = "ytharvest"

// Defaults.
const (
	DefaultStorageType  = storage.BackendSQLite
	DefaultStoragePath  = "data"
	DefaultRequestDelay = youtube.DefaultRequestDelay
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultSchedule     = scheduler.DefaultSpec
	DefaultDeltaBatch   = harvest.DefaultDeltaBatchSize
	DefaultDeltaDelay   = harvest.DefaultDeltaDelay
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "auto"
	defaultEnvFile      = ".env"
	checkpointFileName  = "checkpoint.json"
)

// ErrMissingAPIKey is returned by RequireAPIKey.
var ErrMissingAPIKey = errors.New("YOUTUBE_API_KEY is not set")

// Config holds all application configuration.
type Config struct {
	APIKey    string `toml:"api_key" yaml:"api_key" json:"api_key"`
	ChannelID string `toml:"channel_id" yaml:"channel_id" json:"channel_id"`

	Storage StorageConfig `toml:"storage" yaml:"storage" json:"storage"`
	Sync    SyncConfig    `toml:"sync" yaml:"sync" json:"sync"`
	Quota   QuotaConfig   `toml:"quota" yaml:"quota" json:"quota"`
	Delta   DeltaConfig   `toml:"delta" yaml:"delta" json:"delta"`
	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`

	// CheckpointPath defaults to checkpoint.json inside Storage.Path.
	CheckpointPath string   `toml:"checkpoint_path" yaml:"checkpoint_path" json:"checkpoint_path"`
	HTTPTimeout    Duration `toml:"http_timeout" yaml:"http_timeout" json:"http_timeout"`
	Schedule       string   `toml:"schedule" yaml:"schedule" json:"schedule"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type        string `toml:"type" yaml:"type" json:"type"`
	Path        string `toml:"path" yaml:"path" json:"path"`
	DatabaseURL string `toml:"database_url" yaml:"database_url" json:"database_url"`
}

// SyncConfig tunes a single run.
type SyncConfig struct {
	IncludeReplies bool     `toml:"include_replies" yaml:"include_replies" json:"include_replies"`
	MaxVideos      int      `toml:"max_videos" yaml:"max_videos" json:"max_videos"`
	RequestDelay   Duration `toml:"request_delay" yaml:"request_delay" json:"request_delay"`
}

// QuotaConfig is the daily provider budget.
type QuotaConfig struct {
	Limit        int `toml:"limit" yaml:"limit" json:"limit"`
	SafetyMargin int `toml:"safety_margin" yaml:"safety_margin" json:"safety_margin"`
}

// DeltaConfig scopes the scan of stored videos for new comments.
type DeltaConfig struct {
	Enabled   bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	Limit     int      `toml:"limit" yaml:"limit" json:"limit"`
	BatchSize int      `toml:"batch_size" yaml:"batch_size" json:"batch_size"`
	Delay     Duration `toml:"delay" yaml:"delay" json:"delay"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// Default returns configuration with safe defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Type: DefaultStorageType, Path: DefaultStoragePath},
		Sync:    SyncConfig{RequestDelay: Duration(DefaultRequestDelay)},
		Quota:   QuotaConfig{Limit: quota.DefaultLimit, SafetyMargin: quota.DefaultSafetyMargin},
		Delta: DeltaConfig{
			Enabled:   true,
			BatchSize: DefaultDeltaBatch,
			Delay:     Duration(DefaultDeltaDelay),
		},
		Logging:     LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		HTTPTimeout: Duration(DefaultHTTPTimeout),
		Schedule:    DefaultSchedule,
	}
}

// Load builds the configuration. An empty path searches for ytharvest.toml,
// .yaml, .yml or .json in the working directory and then in
// ~/.config/ytharvest; a missing file is fine unless path was explicit. An
// empty envFile means ".env", which may be absent.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		if err := cfg.loadFile(resolved); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}

	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", FileBaseName))
	}
	for _, dir := range dirs {
		for _, ext := range []string{".toml", ".yaml", ".yml", ".json"} {
			candidate := filepath.Join(dir, FileBaseName+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("config file %s: unsupported extension", path)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnvFile copies .env entries into the process environment without
// overriding variables that are already set.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides config with environment variables.
func (c *Config) loadFromEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("YOUTUBE_API_KEY", &c.APIKey)
	str("YOUTUBE_CHANNEL_ID", &c.ChannelID)
	str("STORAGE_TYPE", &c.Storage.Type)
	str("STORAGE_PATH", &c.Storage.Path)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("CHECKPOINT_PATH", &c.CheckpointPath)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("SYNC_SCHEDULE", &c.Schedule)

	var errs []error
	if v, ok := lookup("INCLUDE_REPLIES"); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.Sync.IncludeReplies = b
		}
		errs = append(errs, envErr("INCLUDE_REPLIES", err))
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_VIDEOS", &c.Sync.MaxVideos},
		{"QUOTA_LIMIT", &c.Quota.Limit},
		{"QUOTA_SAFETY_MARGIN", &c.Quota.SafetyMargin},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok {
			n, err := strconv.Atoi(v)
			if err == nil {
				*e.dst = n
			}
			errs = append(errs, envErr(e.key, err))
		}
	}
	if v, ok := lookup("REQUEST_DELAY"); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.Sync.RequestDelay = Duration(time.Duration(secs * float64(time.Second)))
		}
		errs = append(errs, envErr("REQUEST_DELAY", err))
	}
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("environment %s: %w", key, err)
}

func (c *Config) normalize() {
	c.Storage.Type = storage.BackendName(c.Storage.Type)
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = filepath.Join(c.Storage.Path, checkpointFileName)
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
}

// Validate checks configuration validity. The API key is checked separately
// by RequireAPIKey because read-only commands do not need it.
func (c *Config) Validate() error {
	var errs []error
	if !isBackend(c.Storage.Type) {
		errs = append(errs, fmt.Errorf("storage type %q: must be one of %s",
			c.Storage.Type, strings.Join(storage.Backends, ", ")))
	}
	if c.Storage.Type == storage.BackendPostgres && c.Storage.DatabaseURL == "" {
		errs = append(errs, errors.New("storage type postgres requires DATABASE_URL"))
	}
	if c.Sync.MaxVideos < 0 {
		errs = append(errs, errors.New("max_videos must be non-negative"))
	}
	if c.Sync.RequestDelay < 0 {
		errs = append(errs, errors.New("request_delay must be non-negative"))
	}
	if c.Quota.Limit <= 0 {
		errs = append(errs, errors.New("quota limit must be positive"))
	}
	if c.Quota.SafetyMargin < 0 || c.Quota.SafetyMargin >= c.Quota.Limit {
		errs = append(errs, errors.New("quota safety_margin must be in [0, limit)"))
	}
	if c.Delta.Limit < 0 {
		errs = append(errs, errors.New("delta limit must be non-negative"))
	}
	if c.Delta.BatchSize < 0 || c.Delta.BatchSize > youtube.MaxIDsPerCall {
		errs = append(errs, errors.New("delta batch_size must be between 0 and 50"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// RequireAPIKey fails when no API key was configured.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func isBackend(name string) bool {
	for _, b := range storage.Backends {
		if b == name {
			return true
		}
	}
	return false
}
