package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jward/symcache"
	"github.com/jward/symcache/internal/config"
	"github.com/jward/symcache/internal/worker"
)

var (
	flagFormat    string
	flagRoot      string
	flagCacheDir  string
	flagLogLevel  string
	flagLogFormat string
	flagWorkers   int
	flagInProcess bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "symcache",
	Short:         "Incremental C/C++ symbol index",
	Long:          "symcache extracts symbols, includes and call sites from a C/C++ tree and keeps them in a per-project SQLite cache that is refreshed incrementally.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagFormat, "format", "json", "output format: json|text")
	pf.StringVar(&flagRoot, "root", "", "project root (default: enclosing git repository of the working directory)")
	pf.StringVar(&flagCacheDir, "cache-dir", "", "directory holding project caches (default: user cache dir)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: text|json")
	pf.IntVar(&flagWorkers, "workers", 0, "extraction worker count (default: number of CPUs)")
	pf.BoolVar(&flagInProcess, "in-process", false, "run extraction workers in-process instead of as subprocesses")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(workerCmd)
}

// resolveTargetDir returns the absolute path of the project to work on:
// the positional argument, then --root, then the enclosing repository of
// the working directory.
func resolveTargetDir(args []string) (string, error) {
	dir := flagRoot
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting cwd: %w", err)
		}
		return findRepoRoot(cwd), nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// newLogger builds the process logger. Flags win over the project
// configuration.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level := cfg.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	format := cfg.Format
	if flagLogFormat != "" {
		format = flagLogFormat
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
}

// openEngine loads the project configuration, builds an Engine for it and
// makes root the active project. The caller closes the Engine.
func openEngine(ctx context.Context, root string) (*symcache.Engine, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, err
	}

	opts := []symcache.Option{symcache.WithLogger(logger)}
	if flagCacheDir != "" {
		opts = append(opts, symcache.WithCacheDir(flagCacheDir))
	}
	if flagWorkers > 0 {
		opts = append(opts, symcache.WithWorkers(flagWorkers))
	}
	if !flagInProcess {
		l, err := worker.SelfLauncher(logger, workerCmd.Name())
		if err != nil {
			return nil, err
		}
		opts = append(opts, symcache.WithLauncher(l))
	}

	e := symcache.New(opts...)
	if err := e.BeginIndexing(ctx, root); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// openIndexed is openEngine followed by waiting for the initial refresh.
func openIndexed(ctx context.Context, args []string) (*symcache.Engine, error) {
	root, err := resolveTargetDir(args)
	if err != nil {
		return nil, err
	}
	e, err := openEngine(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := e.Wait(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
