package symcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jward/symcache/internal/buildargs"
	"github.com/jward/symcache/internal/scan"
)

// DefaultDebounce is how long the tree must be quiet before Watch refreshes.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	Debounce time.Duration
	// OnRefresh is called after each triggered refresh.
	OnRefresh func(Status, error)
}

// Watch watches the active project's tree and runs an incremental refresh
// once changes to source files, headers or the compilation database have
// settled. It blocks until ctx is done or the active project changes.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	ap, release, err := e.acquire()
	if err != nil {
		return err
	}
	root, tree := ap.id.Root, ap.scanner
	release()

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("symcache: watch: %w", err)
	}
	defer w.Close()
	if err := addRecursive(w, tree, root); err != nil {
		return fmt.Errorf("symcache: watch: %w", err)
	}
	e.logger.Info("watching", slog.String("root", root), slog.Duration("debounce", debounce))

	tick := max(debounce/5, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastChange time.Time
	dirty := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addRecursive(w, tree, ev.Name); err != nil {
						e.logger.Warn("watch directory", slog.String("path", ev.Name), slog.String("error", err.Error()))
					}
					continue
				}
			}
			if relevant(tree, ev.Name) {
				lastChange = time.Now()
				dirty++
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("watch error", slog.String("error", err.Error()))

		case <-ticker.C:
			if dirty == 0 || time.Since(lastChange) < debounce {
				continue
			}
			if cur, err := e.Active(); err != nil || cur.Root != root {
				e.logger.Info("active project changed, stopping watch", slog.String("root", root))
				return nil
			}
			e.logger.Debug("changes settled, refreshing", slog.Int("events", dirty))
			dirty = 0
			st, err := e.Refresh(ctx, RefreshIncremental)
			if errors.Is(err, ErrNoActiveProject) {
				return nil
			}
			if opts.OnRefresh != nil {
				opts.OnRefresh(st, err)
			}
		}
	}
}

// relevant reports whether a change to path can affect the index.
func relevant(tree *scan.Tree, path string) bool {
	if filepath.Base(path) == buildargs.ManifestName {
		return true
	}
	if tree.Excluded(path) {
		return false
	}
	return tree.Classify(path) != scan.Other
}

// addRecursive adds dir and its subdirectories, skipping hidden and
// excluded ones.
func addRecursive(w *fsnotify.Watcher, tree *scan.Tree, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished or unreadable; skip it.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != tree.Root() && (strings.HasPrefix(d.Name(), ".") || tree.Excluded(path)) {
			// build/ is excluded but may hold the compilation database.
			if d.Name() == "build" {
				_ = w.Add(path)
			}
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
