// Package config loads project settings from .symcache.toml, an optional
// .env file next to it, and SYMCACHE_* environment variables, in that order
// of increasing precedence. Command-line flags are applied by the caller on
// top of the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// FileName is the project configuration file looked up in the project root.
const FileName = ".symcache.toml"

// Environment variables that override the file.
const (
	EnvWorkers           = "SYMCACHE_WORKERS"
	EnvCacheDir          = "SYMCACHE_CACHE_DIR"
	EnvLogLevel          = "SYMCACHE_LOG_LEVEL"
	EnvCompileCommands   = "SYMCACHE_COMPILE_COMMANDS"
	EnvIndexDependencies = "SYMCACHE_INDEX_DEPENDENCIES"
)

var (
	DefaultExcludes         = []string{"build/**", ".git/**", "third_party/**"}
	DefaultSourceExtensions = []string{".c", ".cc", ".cpp", ".cxx", ".c++"}
	DefaultHeaderExtensions = []string{".h", ".hh", ".hpp", ".hxx", ".inl"}
)

// Config is the merged project configuration.
type Config struct {
	Index   IndexConfig   `toml:"index"`
	Workers WorkersConfig `toml:"workers"`
	Store   StoreConfig   `toml:"store"`
	Log     LogConfig     `toml:"log"`

	// Path is the config file that was read, empty if there was none.
	Path string `toml:"-"`
}

type IndexConfig struct {
	Exclude           []string `toml:"exclude"`
	SourceExtensions  []string `toml:"source_extensions"`
	HeaderExtensions  []string `toml:"header_extensions"`
	IndexDependencies bool     `toml:"index_dependencies"`
	// CompileCommands is a path to compile_commands.json, relative to the
	// project root. Empty means <root>/compile_commands.json or
	// <root>/build/compile_commands.json.
	CompileCommands string `toml:"compile_commands"`
	NoFallbackArgs  bool   `toml:"no_fallback_args"`
}

type WorkersConfig struct {
	// Count is the pool size; 0 picks a default from the CPU count.
	Count          int      `toml:"count"`
	RequestTimeout Duration `toml:"request_timeout"`
	Grace          Duration `toml:"grace"`
}

type StoreConfig struct {
	CacheDir    string `toml:"cache_dir"`
	BusyRetries int    `toml:"busy_retries"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as a string ("90s", "2m") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			Exclude:          append([]string(nil), DefaultExcludes...),
			SourceExtensions: append([]string(nil), DefaultSourceExtensions...),
			HeaderExtensions: append([]string(nil), DefaultHeaderExtensions...),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration for the project rooted at root.
func Load(root string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return nil, fmt.Errorf("config: %s:%d:%d: %w", path, row, col, err)
			}
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		cfg.Path = path
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dotenv, err := godotenv.Read(filepath.Join(root, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}
	if err := cfg.applyEnv(func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from getenv. Process environment wins over .env.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvWorkers, err)
		}
		c.Workers.Count = n
	}
	if v := strings.TrimSpace(getenv(EnvCacheDir)); v != "" {
		c.Store.CacheDir = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvCompileCommands)); v != "" {
		c.Index.CompileCommands = v
	}
	if v := strings.TrimSpace(getenv(EnvIndexDependencies)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvIndexDependencies, err)
		}
		c.Index.IndexDependencies = b
	}
	return nil
}

// Validate normalizes extensions and checks patterns and ranges.
func (c *Config) Validate() error {
	for _, pat := range c.Index.Exclude {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("config: invalid exclude pattern %q", pat)
		}
	}
	var err error
	if c.Index.SourceExtensions, err = normalizeExts("source_extensions", c.Index.SourceExtensions); err != nil {
		return err
	}
	if c.Index.HeaderExtensions, err = normalizeExts("header_extensions", c.Index.HeaderExtensions); err != nil {
		return err
	}
	for _, s := range c.Index.SourceExtensions {
		for _, h := range c.Index.HeaderExtensions {
			if s == h {
				return fmt.Errorf("config: extension %q is both source and header", s)
			}
		}
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("config: workers.count must not be negative")
	}
	if c.Workers.RequestTimeout < 0 || c.Workers.Grace < 0 {
		return fmt.Errorf("config: worker durations must not be negative")
	}
	if c.Store.BusyRetries < 0 {
		return fmt.Errorf("config: store.busy_retries must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func normalizeExts(field string, exts []string) ([]string, error) {
	if len(exts) == 0 {
		return nil, fmt.Errorf("config: %s must not be empty", field)
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || e == "." {
			return nil, fmt.Errorf("config: empty extension in %s", field)
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", s)
}

// CacheDir returns the configured cache directory, defaulting to
// <user cache dir>/symcache.
func (c *Config) CacheDir() (string, error) {
	if c.Store.CacheDir != "" {
		return filepath.Abs(c.Store.CacheDir)
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("config: locate cache dir: %w", err)
	}
	return filepath.Join(base, "symcache"), nil
}
