// Package config loads catchlog settings from defaults, an optional
// catchlog.toml file, a .env file and CATCHLOG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the data dir and the working dir.
const FileName = "catchlog.toml"

// EnvPrefix prefixes every environment override, e.g. CATCHLOG_SYNC_INTERVAL.
const EnvPrefix = "CATCHLOG"

var (
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("invalid configuration")
	// ErrExists is returned by WriteDefault when the file is already there.
	ErrExists = errors.New("config file already exists")
)

type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Location  LocationConfig  `mapstructure:"location"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Photos    PhotosConfig    `mapstructure:"photos"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

type TrackingConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Tolerance    time.Duration `mapstructure:"tolerance"`
	FixTimeout   time.Duration `mapstructure:"fix_timeout"`
	HighAccuracy bool          `mapstructure:"high_accuracy"`
}

// LocationConfig selects where fixes come from: a fixed point, or a JSON
// file kept current by an external GPS bridge.
type LocationConfig struct {
	Source string        `mapstructure:"source"`
	Lat    float64       `mapstructure:"lat"`
	Lon    float64       `mapstructure:"lon"`
	File   string        `mapstructure:"file"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"` // 0 disables the dashboard
}

type NATSConfig struct {
	URL     string `mapstructure:"url"` // empty disables NATS events
	Subject string `mapstructure:"subject"`
}

type PhotosConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
}

type LogConfig struct {
	File       string `mapstructure:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Location sources.
const (
	SourceFixed = "fixed"
	SourceFile  = "file"
)

// Photo backends.
const (
	BackendPresigned = "presigned"
	BackendS3        = "s3"
)

// Options controls where Load looks.
type Options struct {
	ConfigFile string // explicit file; an error if missing
	EnvFile    string // defaults to ".env" in the working dir
}

// DefaultDataDir returns ~/.catchlog, or .catchlog when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".catchlog"
	}
	return filepath.Join(home, ".catchlog")
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":               DefaultDataDir(),
		"server.url":             "http://localhost:8000",
		"server.timeout":         "30s",
		"sync.interval":          "5m",
		"sync.batch_limit":       100,
		"tracking.interval":      "5m",
		"tracking.tolerance":     "1s",
		"tracking.fix_timeout":   "20s",
		"tracking.high_accuracy": true,
		"location.source":        SourceFixed,
		"location.lat":           0.0,
		"location.lon":           0.0,
		"location.file":          "",
		"location.max_age":       "2m",
		"dashboard.port":         0,
		"nats.url":               "",
		"nats.subject":           "catchlog",
		"photos.backend":         BackendPresigned,
		"photos.bucket":          "",
		"photos.endpoint":        "",
		"photos.region":          "us-east-1",
		"log.file":               "",
		"log.max_size_mb":        10,
		"log.max_backups":        3,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with no file or env applied.
func Default() *Config {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	return cfg
}

// Load resolves the configuration. Precedence, lowest first: defaults, the
// config file, .env, the process environment.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := newViper()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.DataDir = expandHome(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	}
	if c.Server.URL == "" {
		return fmt.Errorf("%w: server.url is required", ErrInvalid)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%w: sync.interval must be positive", ErrInvalid)
	}
	if c.Sync.BatchLimit <= 0 {
		return fmt.Errorf("%w: sync.batch_limit must be positive", ErrInvalid)
	}
	if c.Tracking.Interval <= 0 {
		return fmt.Errorf("%w: tracking.interval must be positive", ErrInvalid)
	}
	if c.Tracking.Tolerance < 0 || c.Tracking.Tolerance >= c.Tracking.Interval {
		return fmt.Errorf("%w: tracking.tolerance must be in [0, tracking.interval)", ErrInvalid)
	}

	switch c.Location.Source {
	case SourceFixed:
		if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lon < -180 || c.Location.Lon > 180 {
			return fmt.Errorf("%w: location.lat/lon out of range", ErrInvalid)
		}
	case SourceFile:
		if c.Location.File == "" {
			return fmt.Errorf("%w: location.file is required for source %q", ErrInvalid, SourceFile)
		}
	default:
		return fmt.Errorf("%w: unknown location.source %q", ErrInvalid, c.Location.Source)
	}

	switch c.Photos.Backend {
	case BackendPresigned:
	case BackendS3:
		if c.Photos.Bucket == "" {
			return fmt.Errorf("%w: photos.bucket is required for backend %q", ErrInvalid, BackendS3)
		}
	default:
		return fmt.Errorf("%w: unknown photos.backend %q", ErrInvalid, c.Photos.Backend)
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("%w: dashboard.port out of range", ErrInvalid)
	}
	return nil
}

// DBPath is the SQLite database inside the data dir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "catchlog.db") }

// StatePath is the sync checkpoint file.
func (c *Config) StatePath() string { return filepath.Join(c.DataDir, "state.yaml") }

// CredentialsPath is the token file maintained by login and refresh.
func (c *Config) CredentialsPath() string { return filepath.Join(c.DataDir, "credentials.json") }

// LogPath resolves log.file relative to the data dir.
func (c *Config) LogPath() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, c.Log.File)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// fileLayout mirrors Config with durations as strings so the written file
// reads "5m" rather than nanoseconds.
type fileLayout struct {
	DataDir string `toml:"data_dir"`
	Server  struct {
		URL     string `toml:"url"`
		Timeout string `toml:"timeout"`
	} `toml:"server"`
	Sync struct {
		Interval   string `toml:"interval"`
		BatchLimit int    `toml:"batch_limit"`
	} `toml:"sync"`
	Tracking struct {
		Interval     string `toml:"interval"`
		Tolerance    string `toml:"tolerance"`
		FixTimeout   string `toml:"fix_timeout"`
		HighAccuracy bool   `toml:"high_accuracy"`
	} `toml:"tracking"`
	Location struct {
		Source string  `toml:"source"`
		Lat    float64 `toml:"lat"`
		Lon    float64 `toml:"lon"`
		File   string  `toml:"file"`
		MaxAge string  `toml:"max_age"`
	} `toml:"location"`
	Dashboard struct {
		Port int `toml:"port"`
	} `toml:"dashboard"`
	NATS struct {
		URL     string `toml:"url"`
		Subject string `toml:"subject"`
	} `toml:"nats"`
	Photos struct {
		Backend  string `toml:"backend"`
		Bucket   string `toml:"bucket"`
		Endpoint string `toml:"endpoint"`
		Region   string `toml:"region"`
	} `toml:"photos"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
	} `toml:"log"`
}

func layoutOf(c *Config) fileLayout {
	var l fileLayout
	l.DataDir = c.DataDir
	l.Server.URL = c.Server.URL
	l.Server.Timeout = c.Server.Timeout.String()
	l.Sync.Interval = c.Sync.Interval.String()
	l.Sync.BatchLimit = c.Sync.BatchLimit
	l.Tracking.Interval = c.Tracking.Interval.String()
	l.Tracking.Tolerance = c.Tracking.Tolerance.String()
	l.Tracking.FixTimeout = c.Tracking.FixTimeout.String()
	l.Tracking.HighAccuracy = c.Tracking.HighAccuracy
	l.Location.Source = c.Location.Source
	l.Location.Lat = c.Location.Lat
	l.Location.Lon = c.Location.Lon
	l.Location.File = c.Location.File
	l.Location.MaxAge = c.Location.MaxAge.String()
	l.Dashboard.Port = c.Dashboard.Port
	l.NATS.URL = c.NATS.URL
	l.NATS.Subject = c.NATS.Subject
	l.Photos.Backend = c.Photos.Backend
	l.Photos.Bucket = c.Photos.Bucket
	l.Photos.Endpoint = c.Photos.Endpoint
	l.Photos.Region = c.Photos.Region
	l.Log.File = c.Log.File
	l.Log.MaxSizeMB = c.Log.MaxSizeMB
	l.Log.MaxBackups = c.Log.MaxBackups
	return l
}

const fileHeader = `# catchlog configuration.
# Every key can be overridden with a CATCHLOG_ environment variable,
# e.g. CATCHLOG_SYNC_INTERVAL=10m or CATCHLOG_SERVER_URL=https://api.example.com.
# location.source is "fixed" or "file"; photos.backend is "presigned" or "s3".
# dashboard.port = 0 disables the local dashboard.

`

// WriteDefault writes cfg as a commented TOML file at path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, cfg *Config, force bool) error {
	if cfg == nil {
		cfg = Default()
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.WriteString(fileHeader); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(layoutOf(cfg)); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	return nil
}
