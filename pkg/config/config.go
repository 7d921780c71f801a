package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kerbaras/mangashelf/pkg/data"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MANGASHELF_"

// Config holds the full mangashelf configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Store     StoreConfig     `yaml:"store"`
	MangaDex  MangaDexConfig  `yaml:"mangadex"`
	KomikCast KomikCastConfig `yaml:"komikcast"`
	HTTP      HTTPConfig      `yaml:"http"`
	Downloads DownloadsConfig `yaml:"downloads"`
	Updates   UpdatesConfig   `yaml:"updates"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // duckdb | sqlite
	// Path of the database file. Relative paths live under DataDir.
	Path string `yaml:"path"`
}

type MangaDexConfig struct {
	BaseURL    string   `yaml:"base_url"`
	UploadsURL string   `yaml:"uploads_url"`
	Languages  []string `yaml:"languages"`
}

type KomikCastConfig struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
}

type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryWait  time.Duration `yaml:"retry_wait"`
}

type DownloadsConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Visibility  time.Duration `yaml:"visibility"`
	PageDelay   time.Duration `yaml:"page_delay"`
}

type UpdatesConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	dataDir := ".mangashelf"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".mangashelf")
	}
	return &Config{
		DataDir: dataDir,
		Store: StoreConfig{
			Driver: data.DriverDuckDB,
			Path:   "mangashelf.db",
		},
		MangaDex: MangaDexConfig{
			BaseURL:    "https://api.mangadex.org",
			UploadsURL: "https://uploads.mangadex.org",
			Languages:  []string{"id", "en"},
		},
		KomikCast: KomikCastConfig{
			BaseURL: "https://komikcast.cz",
		},
		HTTP: HTTPConfig{
			Timeout:    30 * time.Second,
			RetryCount: 2,
			RetryWait:  time.Second,
		},
		Downloads: DownloadsConfig{
			Workers:     2,
			MaxAttempts: 5,
			Visibility:  10 * time.Minute,
			PageDelay:   100 * time.Millisecond,
		},
		Updates: UpdatesConfig{
			Interval:   12 * time.Hour,
			RetryDelay: 15 * time.Minute,
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty), a .env file in the working directory and
// MANGASHELF_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// a missing .env is not an error; variables already set win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("MANGADEX_BASE_URL", &c.MangaDex.BaseURL)
	str("MANGADEX_UPLOADS_URL", &c.MangaDex.UploadsURL)
	if v, ok := lookup(EnvPrefix + "MANGADEX_LANGUAGES"); ok && v != "" {
		c.MangaDex.Languages = splitList(v)
	}
	str("KOMIKCAST_BASE_URL", &c.KomikCast.BaseURL)
	str("KOMIKCAST_USER_AGENT", &c.KomikCast.UserAgent)
	dur("HTTP_TIMEOUT", &c.HTTP.Timeout)
	num("HTTP_RETRY_COUNT", &c.HTTP.RetryCount)
	dur("HTTP_RETRY_WAIT", &c.HTTP.RetryWait)
	num("DOWNLOADS_WORKERS", &c.Downloads.Workers)
	num("DOWNLOADS_MAX_ATTEMPTS", &c.Downloads.MaxAttempts)
	dur("DOWNLOADS_VISIBILITY", &c.Downloads.Visibility)
	dur("DOWNLOADS_PAGE_DELAY", &c.Downloads.PageDelay)
	dur("UPDATES_INTERVAL", &c.Updates.Interval)
	dur("UPDATES_RETRY_DELAY", &c.Updates.RetryDelay)
	str("SERVER_ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Store.Driver {
	case data.DriverDuckDB, data.DriverSQLite:
	default:
		return fmt.Errorf("store.driver: unsupported driver %q (use duckdb or sqlite)", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if len(c.MangaDex.Languages) == 0 {
		return fmt.Errorf("mangadex.languages must not be empty")
	}
	if c.HTTP.RetryCount < 0 {
		return fmt.Errorf("http.retry_count must be >= 0")
	}
	if c.Downloads.Workers <= 0 {
		return fmt.Errorf("downloads.workers must be > 0")
	}
	if c.Downloads.MaxAttempts < 0 {
		return fmt.Errorf("downloads.max_attempts must be >= 0")
	}
	if c.Updates.Interval <= 0 {
		return fmt.Errorf("updates.interval must be > 0")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported format %q (use text or json)", c.Log.Format)
	}
	return nil
}

// StorePath returns the database location, resolved against DataDir.
func (c *Config) StorePath() string {
	if c.Store.Path == data.MemoryPath || filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, c.Store.Path)
}

// NewLogger builds the logger described by c.Log, writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level: unknown level %q", s)
}
