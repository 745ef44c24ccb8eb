package symcache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jward/symcache/internal/extract"
	"github.com/jward/symcache/internal/store"
	"github.com/jward/symcache/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine returns an Engine with a private cache directory that is
// closed when the test ends.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithCacheDir(t.TempDir()),
		WithWorkers(2),
		WithLogger(discardLogger()),
	}
	e := New(append(base, opts...)...)
	t.Cleanup(func() { e.Close() })
	return e
}

// projectDir creates a project tree and returns its symlink-free root.
func projectDir(t *testing.T, files map[string]string) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	writeFiles(t, root, files)
	return root
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// indexProject makes root active and waits for the initial refresh.
func indexProject(t *testing.T, e *Engine, root string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, e.BeginIndexing(ctx, root))
	require.NoError(t, e.Wait(ctx))
	st, err := e.Status()
	require.NoError(t, err)
	require.Equal(t, StateIdle, st.State, "last error: %s", st.LastError)
	return st
}

func refresh(t *testing.T, e *Engine) Status {
	t.Helper()
	st, err := e.Refresh(context.Background(), RefreshIncremental)
	require.NoError(t, err)
	return st
}

// activeProject exposes the active project to white-box tests.
func activeProject(t *testing.T, e *Engine) *ActiveProject {
	t.Helper()
	e.mu.RLock()
	defer e.mu.RUnlock()
	require.NotNil(t, e.active)
	return e.active
}

func symbolNames(syms []Symbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.Name
	}
	return out
}

// stubParser returns one function symbol per file named after the file,
// plus extra numbered ones. Files whose name contains "bad" fail; every
// call takes delay.
type stubParser struct {
	delay time.Duration
	extra int
}

func (p stubParser) Extract(ctx context.Context, path string, _ []string) (*extract.Facts, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	base := filepath.Base(path)
	if strings.Contains(base, "bad") {
		return nil, os.ErrInvalid
	}
	hash, err := store.HashFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(base, filepath.Ext(base))
	syms := []store.Symbol{stubSymbol(path, name, 1)}
	for i := range p.extra {
		syms = append(syms, stubSymbol(path, name+"_"+strconv.Itoa(i), i+2))
	}
	return &extract.Facts{Files: []extract.FileFacts{{
		Path:        path,
		ContentHash: hash,
		Symbols:     syms,
	}}}, nil
}

func stubSymbol(path, name string, line int) store.Symbol {
	return store.Symbol{
		USR: "c:@F@" + name + "##", Name: name, QualifiedName: name,
		Kind: store.KindFunction, File: path, Line: line, Column: 1,
		IsDefinition: true, IsProject: true,
	}
}

func stubLauncher(delay time.Duration) worker.Launcher {
	return stubLauncherWith(stubParser{delay: delay})
}

func stubLauncherWith(p stubParser) worker.Launcher {
	return &worker.PipeLauncher{NewParser: func(worker.Hello) (extract.Parser, error) {
		return p, nil
	}}
}
