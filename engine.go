package symcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jward/symcache/internal/buildargs"
	"github.com/jward/symcache/internal/config"
	"github.com/jward/symcache/internal/index"
	"github.com/jward/symcache/internal/project"
	"github.com/jward/symcache/internal/scan"
	"github.com/jward/symcache/internal/store"
	"github.com/jward/symcache/internal/worker"
)

var (
	// ErrNoActiveProject is returned by queries before BeginIndexing and
	// after Close.
	ErrNoActiveProject = errors.New("symcache: no active project")
	// ErrFullRebuildNotAcknowledged is returned by a full Refresh without
	// AcknowledgeFullRebuild.
	ErrFullRebuildNotAcknowledged = errors.New("symcache: full refresh requires explicit acknowledgement")
)

// Engine serves one active project at a time. Switching projects swaps the
// ActiveProject handle; the previous project's index and store are closed
// and never referenced again.
type Engine struct {
	logger         *slog.Logger
	cacheDir       string
	launcher       worker.Launcher
	workers        int
	requestTimeout time.Duration
	grace          time.Duration
	overrides      []func(*config.Config)

	mu     sync.RWMutex
	active *ActiveProject
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCacheDir sets the directory holding per-project caches, overriding
// the configuration.
func WithCacheDir(dir string) Option {
	return func(e *Engine) { e.cacheDir = dir }
}

// WithLauncher sets how extraction workers are started. The symcache
// binary passes a ProcessLauncher that re-executes itself with the hidden
// worker subcommand. Without it, workers run in-process over pipes.
func WithLauncher(l worker.Launcher) Option {
	return func(e *Engine) { e.launcher = l }
}

// WithWorkers sets the worker pool size, overriding the configuration.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithRequestTimeout bounds how long one file may take to extract.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithGrace sets how long a worker may finish its current file after a
// run is cancelled.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithConfigOverride applies fn to each project's configuration after it
// is loaded. The CLI uses it for command-line flags.
func WithConfigOverride(fn func(*config.Config)) Option {
	return func(e *Engine) { e.overrides = append(e.overrides, fn) }
}

// New creates an Engine with no active project.
func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActiveProject is everything the Engine holds for the project being
// served. It is created whole by BeginIndexing and dropped whole.
type ActiveProject struct {
	id      project.Identity
	layout  project.Layout
	cfg     *config.Config
	store   *store.Store
	index   *index.Index
	scanner *scan.Tree
	pending *store.PendingFacts
	status  *tracker
	logger  *slog.Logger

	launcher worker.Launcher
	poolCfg  worker.Config

	// runSem admits one refresh at a time.
	runSem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	bgDone chan struct{}
	bgErr  error

	// use is read-locked by every operation; close takes it exclusively.
	use    sync.RWMutex
	closed bool
}

// Identity returns the project identity.
func (ap *ActiveProject) Identity() project.Identity { return ap.id }

// BeginIndexing makes root the active project and starts loading its
// cached index and an incremental refresh in the background. It returns as
// soon as the project is open; queries are served immediately and see the
// data loaded so far. Use Wait to block until the background work ends.
func (e *Engine) BeginIndexing(ctx context.Context, root string) error {
	ap, err := e.openProject(ctx, root)
	if err != nil {
		return err
	}
	// runSem is taken before the project becomes visible, so no Refresh
	// can slip in ahead of the load.
	ap.runSem <- struct{}{}
	ap.status.setState(StateLoading)
	e.swap(ap)

	go func() {
		defer close(ap.bgDone)
		defer func() { <-ap.runSem }()
		ap.bgErr = ap.initialize()
	}()
	return nil
}

// initialize is the background work started by BeginIndexing. The caller
// holds runSem from the start of the load to the end of the initial
// refresh; a Refresh issued meanwhile queues behind both.
func (ap *ActiveProject) initialize() error {
	start := time.Now()
	n, err := ap.index.Load(ap.ctx, ap.store, index.DefaultLoadBatch)
	if err != nil {
		if ap.ctx.Err() != nil {
			return nil
		}
		ap.status.finish(err, false)
		return fmt.Errorf("symcache: load index: %w", err)
	}
	ap.logger.Info("index loaded",
		slog.Int("symbols", n),
		slog.Duration("elapsed", time.Since(start)),
	)
	ap.status.update(func(s *Status) {
		s.IndexedSymbols = ap.index.Len()
		s.IndexedFiles = ap.index.FileCount()
	})

	_, err = ap.refreshLocked(ap.ctx, RefreshIncremental)
	if err != nil && ap.ctx.Err() != nil {
		return nil
	}
	return err
}

// Wait blocks until the background work started by BeginIndexing ends.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.RLock()
	ap := e.active
	e.mu.RUnlock()
	if ap == nil {
		return ErrNoActiveProject
	}
	select {
	case <-ap.bgDone:
		return ap.bgErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the identity of the active project.
func (e *Engine) Active() (project.Identity, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return project.Identity{}, err
	}
	defer release()
	return ap.id, nil
}

// Close drops the active project.
func (e *Engine) Close() error {
	e.mu.Lock()
	ap := e.active
	e.active = nil
	e.mu.Unlock()
	if ap == nil {
		return nil
	}
	return ap.close()
}

func (e *Engine) swap(ap *ActiveProject) {
	e.mu.Lock()
	old := e.active
	e.active = ap
	e.mu.Unlock()
	if old != nil {
		if err := old.close(); err != nil {
			e.logger.Warn("close previous project",
				slog.String("root", old.id.Root),
				slog.String("error", err.Error()),
			)
		}
	}
}

// acquire returns the active project, read-locked against close.
func (e *Engine) acquire() (*ActiveProject, func(), error) {
	e.mu.RLock()
	ap := e.active
	e.mu.RUnlock()
	if ap == nil {
		return nil, nil, ErrNoActiveProject
	}
	ap.use.RLock()
	if ap.closed {
		ap.use.RUnlock()
		return nil, nil, ErrNoActiveProject
	}
	return ap, ap.use.RUnlock, nil
}

func (ap *ActiveProject) close() error {
	ap.cancel()
	<-ap.bgDone
	ap.use.Lock()
	defer ap.use.Unlock()
	if ap.closed {
		return nil
	}
	ap.closed = true
	ap.pending.Reset()
	ap.index.Reset()
	if err := ap.store.Close(); err != nil {
		return fmt.Errorf("symcache: close store: %w", err)
	}
	return nil
}

func (e *Engine) openProject(ctx context.Context, root string) (*ActiveProject, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("symcache: resolve %s: %w", root, err)
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return nil, fmt.Errorf("symcache: %w", err)
	}
	for _, fn := range e.overrides {
		fn(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("symcache: %w", err)
	}

	id, err := project.NewIdentity(abs, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("symcache: %w", err)
	}
	cacheDir := e.cacheDir
	if cacheDir == "" {
		if cacheDir, err = cfg.CacheDir(); err != nil {
			return nil, fmt.Errorf("symcache: %w", err)
		}
	}
	layout, err := project.Prepare(id, cacheDir)
	if err != nil {
		return nil, fmt.Errorf("symcache: %w", err)
	}

	logger := e.logger.With(slog.String("project", id.Name))
	st, err := openStore(ctx, layout.Database, cfg, logger)
	if err != nil {
		return nil, err
	}

	launcher := e.launcher
	if launcher == nil {
		launcher = &worker.PipeLauncher{NewParser: worker.TreeSitterFactory}
	}
	workers := cfg.Workers.Count
	if e.workers > 0 {
		workers = e.workers
	}
	requestTimeout := time.Duration(cfg.Workers.RequestTimeout)
	if e.requestTimeout > 0 {
		requestTimeout = e.requestTimeout
	}
	grace := time.Duration(cfg.Workers.Grace)
	if e.grace > 0 {
		grace = e.grace
	}

	apCtx, cancel := context.WithCancel(context.Background())
	ap := &ActiveProject{
		id:     id,
		layout: layout,
		cfg:    cfg,
		store:  st,
		index:  index.New(),
		scanner: scan.New(scan.Options{
			Root:       id.Root,
			Exclude:    cfg.Index.Exclude,
			SourceExts: cfg.Index.SourceExtensions,
			HeaderExts: cfg.Index.HeaderExtensions,
		}),
		pending:  store.NewPendingFacts(),
		status:   newTracker(id, layout.Status, logger),
		logger:   logger,
		launcher: launcher,
		poolCfg: worker.Config{
			Workers:        workers,
			RequestTimeout: requestTimeout,
			Grace:          grace,
			Logger:         logger,
			Hello: worker.Hello{
				ProjectRoot:       id.Root,
				IndexDependencies: cfg.Index.IndexDependencies,
			},
		},
		runSem: make(chan struct{}, 1),
		ctx:    apCtx,
		cancel: cancel,
		bgDone: make(chan struct{}),
	}
	ap.status.update(func(s *Status) { s.StoreRebuilt = st.Rebuilt() })

	if err := ap.checkSettings(ctx); err != nil {
		cancel()
		st.Close()
		return nil, err
	}
	ap.status.persist()
	return ap, nil
}

// openStore opens the project database. A file that is not a usable
// database is removed and recreated; a corrupt one is repaired or rebuilt.
// The cache is always re-derivable from the source tree.
func openStore(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if cfg.Store.BusyRetries > 0 {
		p := store.DefaultRetryPolicy()
		p.MaxAttempts = cfg.Store.BusyRetries
		opts = append(opts, store.WithRetryPolicy(p))
	}

	st, err := store.Open(ctx, path, opts...)
	if err != nil && store.IsCorrupt(err) {
		logger.Warn("store unreadable, recreating", slog.String("path", path), slog.String("error", err.Error()))
		if rmErr := store.RemoveDatabaseFiles(path); rmErr != nil {
			return nil, fmt.Errorf("symcache: %w", rmErr)
		}
		st, err = store.Open(ctx, path, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("symcache: open store: %w", err)
	}

	if err := st.CheckIntegrity(ctx); err != nil {
		logger.Warn("store integrity check failed", slog.String("error", err.Error()))
		if _, err := st.Repair(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("symcache: repair store: %w", err)
		}
	}
	return st, nil
}

// checkSettings compares the stored settings fingerprint with the current
// configuration. A difference is reported in Status; only an acknowledged
// full refresh clears it.
func (ap *ActiveProject) checkSettings(ctx context.Context) error {
	stored, err := ap.store.GetMetadata(ctx, store.MetaSettingsFingerprint)
	if err != nil {
		return fmt.Errorf("symcache: %w", err)
	}
	current := ap.fingerprint()
	if stored == "" || stored == current {
		return nil
	}
	ap.status.update(func(s *Status) {
		s.NeedsFullRefresh = true
		s.NeedsFullRefreshReason = "index settings changed since the cache was built"
	})
	ap.logger.Warn("index settings changed; run a full refresh to apply them everywhere")
	return nil
}

func (ap *ActiveProject) fingerprint() string {
	return store.ComputeSettingsFingerprint(
		ap.cfg.Index.IndexDependencies,
		ap.cfg.Index.SourceExtensions,
		ap.cfg.Index.HeaderExtensions,
	)
}

// buildArgs loads the compilation database fresh for each run so manifest
// edits are picked up.
func (ap *ActiveProject) buildArgs() (*buildargs.CompileDB, error) {
	var opts []buildargs.Option
	if ap.cfg.Index.NoFallbackArgs {
		opts = append(opts, buildargs.WithoutFallback())
	}
	db, err := buildargs.Load(ap.id.Root, ap.cfg.Index.CompileCommands, opts...)
	if err != nil {
		return nil, fmt.Errorf("symcache: build args: %w", err)
	}
	return db, nil
}
