package symcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jward/symcache/internal/store"
	"github.com/jward/symcache/internal/worker"
)

// maxPrunePasses bounds orphan-header pruning; each pass can orphan the
// headers included only by the headers it removed.
const maxPrunePasses = 64

type refreshOptions struct {
	acknowledged bool
}

// RefreshOption configures Refresh.
type RefreshOption func(*refreshOptions)

// AcknowledgeFullRebuild confirms that the caller intends a full refresh,
// which re-extracts every source file and can take a long time on large
// trees.
func AcknowledgeFullRebuild() RefreshOption {
	return func(o *refreshOptions) { o.acknowledged = true }
}

// Refresh runs one refresh of the active project and returns the final
// status. It waits for the index load and background refresh started by
// BeginIndexing to finish first. A full refresh needs AcknowledgeFullRebuild; nothing in
// the engine ever escalates to one on its own.
//
// Per-file failures never fail the refresh; they are counted in the
// returned status. Store-level failures end the run in StateError with the
// committed data intact.
func (e *Engine) Refresh(ctx context.Context, mode RefreshMode, opts ...RefreshOption) (Status, error) {
	var o refreshOptions
	for _, opt := range opts {
		opt(&o)
	}
	if mode == RefreshFull && !o.acknowledged {
		return Status{}, ErrFullRebuildNotAcknowledged
	}
	ap, release, err := e.acquire()
	if err != nil {
		return Status{}, err
	}
	defer release()
	return ap.refresh(ctx, mode)
}

func (ap *ActiveProject) refresh(ctx context.Context, mode RefreshMode) (Status, error) {
	unlock, err := ap.lockRun(ctx)
	if err != nil {
		return ap.status.snapshot(), err
	}
	defer unlock()
	return ap.refreshLocked(ctx, mode)
}

// lockRun takes runSem. The index load of BeginIndexing holds it too, so a
// refresh never merges into an index that is still being streamed in.
func (ap *ActiveProject) lockRun(ctx context.Context) (func(), error) {
	select {
	case ap.runSem <- struct{}{}:
		return func() { <-ap.runSem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ap.ctx.Done():
		return nil, ErrNoActiveProject
	}
}

// refreshLocked runs one refresh; the caller holds runSem.
func (ap *ActiveProject) refreshLocked(ctx context.Context, mode RefreshMode) (Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ap.ctx, cancel)
	defer stop()

	id := uuid.NewString()
	r := &run{
		ap:     ap,
		id:     id,
		mode:   mode,
		logger: ap.logger.With(slog.String("run", id), slog.String("mode", mode.String())),
	}
	ap.status.begin(r.id, mode)

	start := time.Now()
	err := r.execute(ctx, cancel)
	cancelled := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
	ap.status.update(func(s *Status) {
		s.IndexedSymbols = ap.index.Len()
		s.IndexedFiles = ap.index.FileCount()
	})
	ap.status.finish(err, cancelled)

	st := ap.status.snapshot()
	attrs := []any{
		slog.Int("succeeded", st.Succeeded),
		slog.Int("failed", st.Failed),
		slog.Int("partial", st.Partial),
		slog.Int("deleted", st.Deleted),
		slog.Duration("elapsed", time.Since(start)),
	}
	switch {
	case cancelled:
		r.logger.Info("refresh cancelled", attrs...)
	case err != nil:
		r.logger.Error("refresh failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		r.logger.Info("refresh complete", attrs...)
	}
	return st, err
}

// run is one pass through the orchestrator state machine.
type run struct {
	ap     *ActiveProject
	id     string
	mode   RefreshMode
	logger *slog.Logger
}

func (r *run) execute(ctx context.Context, cancel context.CancelFunc) error {
	ap := r.ap

	// ScanningChanges. The schema decision is made here, before any worker
	// starts; workers never check or rebuild it themselves.
	rebuilt, err := ap.store.EnsureSchema(ctx)
	if err != nil {
		return err
	}
	if rebuilt {
		ap.index.Reset()
		ap.status.update(func(s *Status) { s.StoreRebuilt = true })
	}

	args, err := ap.buildArgs()
	if err != nil {
		return err
	}
	det := &ChangeDetector{
		Store:        ap.store,
		Scanner:      ap.scanner,
		Args:         args,
		ManifestHash: args.ManifestHash(),
		Logger:       r.logger,
	}
	cs, err := det.Detect(ctx)
	if err != nil {
		return fmt.Errorf("symcache: detect changes: %w", err)
	}

	scheduled := cs.Scheduled()
	var resumeFrom time.Time
	if r.mode == RefreshFull {
		scheduled, resumeFrom, err = r.fullSchedule(ctx, cs)
		if err != nil {
			return err
		}
	}
	if cs.BuildManifestChanged {
		r.logger.Info("compilation database changed", slog.Int("args_changed", len(cs.ArgsChanged)))
	}

	jobs := make([]worker.Job, 0, len(scheduled))
	for _, path := range scheduled {
		jobs = append(jobs, worker.Job{Path: path, Args: cs.Args[path]})
	}
	ap.status.update(func(s *Status) {
		s.Changes = cs.counts()
		s.Total = len(jobs)
		s.Percent = percent(0, len(jobs))
	})
	r.logger.Info("changes detected",
		slog.Int("added", len(cs.Added)),
		slog.Int("modified", len(cs.Modified)),
		slog.Int("deleted", len(cs.Deleted)),
		slog.Int("expanded", len(cs.Expanded)),
		slog.Int("scheduled", len(jobs)),
	)

	m := newMerger(ap, cs, r.mode == RefreshFull)
	for path, argErr := range cs.ArgsErrors {
		if err := m.fail(ctx, path, argErr); err != nil {
			return err
		}
	}

	// Extracting, merging each result as it arrives.
	ap.status.setState(StateExtracting)
	if len(jobs) > 0 {
		pool := worker.NewPool(ap.launcher, ap.poolCfg)
		batch, err := pool.Run(ctx, jobs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		ap.status.update(func(s *Status) { s.Workers = batch.Workers() })

		var fatal error
		for o := range batch.Results() {
			if fatal != nil {
				continue
			}
			if err := m.merge(ctx, o); err != nil {
				fatal = err
				cancel()
			}
		}
		if err := batch.Wait(); err != nil && fatal == nil {
			fatal = err
		}
		if fatal != nil {
			return fatal
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Merging: deletions, orphan headers, bookkeeping.
	ap.status.setState(StateMerging)
	for _, path := range append(append([]string(nil), cs.Deleted...), cs.DeletedHeaders...) {
		if err := m.remove(ctx, path); err != nil {
			return err
		}
	}
	if err := m.pruneOrphans(ctx); err != nil {
		return err
	}
	return r.finishMetadata(ctx, args.ManifestHash(), resumeFrom)
}

// fullSchedule returns every source on disk, minus unchanged sources
// already extracted by an interrupted full run this one resumes.
func (r *run) fullSchedule(ctx context.Context, cs *ChangeSet) ([]string, time.Time, error) {
	st := r.ap.store
	marker, err := st.GetMetadata(ctx, store.MetaFullRunMarker)
	if err != nil {
		return nil, time.Time{}, err
	}
	var resumeFrom time.Time
	if n, err := strconv.ParseInt(marker, 10, 64); err == nil && marker != "" {
		resumeFrom = time.Unix(0, n)
	} else {
		resumeFrom = time.Now()
		if err := st.SetMetadata(ctx, store.MetaFullRunMarker, strconv.FormatInt(resumeFrom.UnixNano(), 10)); err != nil {
			return nil, time.Time{}, err
		}
	}

	changed := make(map[string]bool)
	for _, p := range cs.Scheduled() {
		changed[p] = true
	}
	var out []string
	skipped := 0
	for _, path := range cs.Sources {
		if _, bad := cs.ArgsErrors[path]; bad {
			continue
		}
		if rec := cs.records[path]; rec != nil && !changed[path] && rec.LastExtracted.After(resumeFrom) {
			skipped++
			continue
		}
		out = append(out, path)
	}
	if skipped > 0 {
		r.logger.Info("resuming interrupted full refresh", slog.Int("already_done", skipped))
	}
	return out, resumeFrom, nil
}

func (r *run) finishMetadata(ctx context.Context, manifestHash string, resumeFrom time.Time) error {
	st := r.ap.store
	if manifestHash != "" {
		if err := st.SetMetadata(ctx, store.MetaBuildManifestHash, manifestHash); err != nil {
			return err
		}
	}
	stored, err := st.GetMetadata(ctx, store.MetaSettingsFingerprint)
	if err != nil {
		return err
	}
	if r.mode == RefreshFull || stored == "" {
		if err := st.SetMetadata(ctx, store.MetaSettingsFingerprint, r.ap.fingerprint()); err != nil {
			return err
		}
	}
	if r.mode == RefreshFull {
		if err := st.DeleteMetadata(ctx, store.MetaFullRunMarker); err != nil {
			return err
		}
		r.ap.status.update(func(s *Status) {
			s.NeedsFullRefresh = false
			s.NeedsFullRefreshReason = ""
		})
		r.logger.Debug("full refresh complete", slog.Time("started", resumeFrom))
	}
	return st.SetMetadata(ctx, store.MetaLastRunID, r.id)
}
