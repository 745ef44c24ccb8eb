package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, DefaultExcludes, cfg.Index.Exclude)
	assert.Equal(t, DefaultSourceExtensions, cfg.Index.SourceExtensions)
	assert.Equal(t, DefaultHeaderExtensions, cfg.Index.HeaderExtensions)
	assert.False(t, cfg.Index.IndexDependencies)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileName, `
[index]
exclude = ["out/**"]
source_extensions = ["cpp", ".CC"]
index_dependencies = true
compile_commands = "cmake-build/compile_commands.json"

[workers]
count = 3
request_timeout = "90s"
grace = "2s"

[store]
busy_retries = 5

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), cfg.Path)
	assert.Equal(t, []string{"out/**"}, cfg.Index.Exclude)
	assert.Equal(t, []string{".cpp", ".cc"}, cfg.Index.SourceExtensions)
	assert.Equal(t, DefaultHeaderExtensions, cfg.Index.HeaderExtensions)
	assert.True(t, cfg.Index.IndexDependencies)
	assert.Equal(t, "cmake-build/compile_commands.json", cfg.Index.CompileCommands)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Workers.RequestTimeout))
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Workers.Grace))
	assert.Equal(t, 5, cfg.Store.BusyRetries)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileName, "[index\nexclude = 1\n")
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), FileName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileName, "[workers]\ncount = 2\n")
	writeFile(t, dir, ".env", "SYMCACHE_WORKERS=4\nSYMCACHE_LOG_LEVEL=warn\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers.Count, ".env overrides the file")
	assert.Equal(t, "warn", cfg.Log.Level)

	t.Setenv(EnvWorkers, "6")
	t.Setenv(EnvIndexDependencies, "true")
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers.Count, "process env overrides .env")
	assert.True(t, cfg.Index.IndexDependencies)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv(EnvWorkers, "many")
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvWorkers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"bad glob", func(c *Config) { c.Index.Exclude = []string{"src/[a"} }, "exclude pattern"},
		{"empty sources", func(c *Config) { c.Index.SourceExtensions = nil }, "source_extensions"},
		{"overlap", func(c *Config) { c.Index.HeaderExtensions = []string{".h", ".cpp"} }, "both source and header"},
		{"negative workers", func(c *Config) { c.Workers.Count = -1 }, "workers.count"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestCacheDir(t *testing.T) {
	cfg := Default()
	dir := t.TempDir()
	cfg.Store.CacheDir = dir
	got, err := cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}
