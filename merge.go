package symcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	serrors "github.com/jward/symcache/internal/errors"
	"github.com/jward/symcache/internal/extract"
	"github.com/jward/symcache/internal/store"
	"github.com/jward/symcache/internal/worker"
)

// merger is the single writer of a run. It applies worker outcomes to the
// store, one transaction per file, and then to the in-memory index for
// that file only.
type merger struct {
	ap   *ActiveProject
	full bool

	// modifiedHeaders are always rewritten by the first source reaching them.
	modifiedHeaders map[string]bool
	// headersDone are the headers already written (or found current) this run.
	headersDone map[string]bool
}

func newMerger(ap *ActiveProject, cs *ChangeSet, full bool) *merger {
	m := &merger{
		ap:              ap,
		full:            full,
		modifiedHeaders: make(map[string]bool, len(cs.ModifiedHeaders)),
		headersDone:     make(map[string]bool),
	}
	for _, h := range cs.ModifiedHeaders {
		m.modifiedHeaders[h] = true
	}
	return m
}

// merge applies one outcome. Per-file failures are recorded and return
// nil; a returned error is a store failure that ends the run.
//
// Writes use a context detached from cancellation: a result that arrives
// during the grace period of a cancelled run is still committed.
func (m *merger) merge(ctx context.Context, o worker.Outcome) error {
	ctx = context.WithoutCancel(ctx)
	defer m.ap.status.update(func(s *Status) {
		s.Done++
		s.Percent = percent(s.Done, s.Total)
	})

	if o.Err != nil {
		return m.fail(ctx, o.Job.Path, o.Err)
	}
	if o.Facts == nil || len(o.Facts.Files) == 0 {
		return m.fail(ctx, o.Job.Path, serrors.New(serrors.KindExtraction, "extract", errors.New("no facts returned")).WithPath(o.Job.Path))
	}

	batch, err := m.collect(ctx, o)
	if err != nil {
		return err
	}
	for _, ff := range batch {
		m.ap.pending.Add(ff)
	}
	for i, ff := range batch {
		if err := m.ap.store.ReplaceFileFacts(ctx, ff); err != nil {
			for _, rest := range batch[i:] {
				m.ap.pending.Done(rest.Record.Path)
			}
			return fmt.Errorf("symcache: merge %s: %w", ff.Record.Path, err)
		}
		m.ap.index.ReplaceFile(ff.Record.Path, ff.Symbols)
		m.ap.pending.Done(ff.Record.Path)
	}

	partial := o.Facts.Partial()
	for _, d := range o.Facts.Diagnostics {
		m.ap.status.addDiagnostic(o.Job.Path, d)
	}
	m.ap.status.update(func(s *Status) {
		s.Succeeded++
		if partial {
			s.Partial++
		}
		if o.Job.Args.Fallback {
			s.FallbackArgs++
		}
	})
	m.ap.logger.Debug("merged",
		slog.String("path", o.Job.Path),
		slog.Int("files", len(batch)),
		slog.Bool("partial", partial),
		slog.Duration("elapsed", o.Duration),
	)
	return nil
}

// collect turns an outcome into store facts: the source itself, plus each
// header it reached that was not already written this run and whose
// stored version is not current.
func (m *merger) collect(ctx context.Context, o worker.Outcome) ([]*store.FileFacts, error) {
	var out []*store.FileFacts
	for i := range o.Facts.Files {
		f := &o.Facts.Files[i]
		if f.Path == o.Job.Path {
			out = append(out, toStoreFacts(f, store.FileRecord{
				Path:             f.Path,
				ContentHash:      f.ContentHash,
				ArgsHash:         o.Job.Args.Hash,
				UsedFallbackArgs: o.Job.Args.Fallback,
			}))
			continue
		}

		if m.headersDone[f.Path] {
			continue
		}
		m.headersDone[f.Path] = true
		if !m.full && !m.modifiedHeaders[f.Path] {
			rec, err := m.ap.store.FileRecord(ctx, f.Path)
			if err != nil {
				return nil, fmt.Errorf("symcache: merge %s: %w", f.Path, err)
			}
			if rec != nil && rec.IsHeader && rec.ContentHash == f.ContentHash {
				continue
			}
		}
		out = append(out, toStoreFacts(f, store.FileRecord{
			Path:        f.Path,
			ContentHash: f.ContentHash,
			IsHeader:    true,
		}))
	}
	return out, nil
}

func toStoreFacts(f *extract.FileFacts, rec store.FileRecord) *store.FileFacts {
	return &store.FileFacts{
		Record:    rec,
		Symbols:   f.Symbols,
		Includes:  f.Includes,
		CallSites: f.CallSites,
	}
}

// fail records a per-file failure. The file record is left untouched so
// the file is retried by the next refresh.
func (m *merger) fail(ctx context.Context, path string, err error) error {
	ctx = context.WithoutCancel(ctx)
	m.ap.logger.Warn("extraction failed", slog.String("path", path), slog.String("error", err.Error()))
	m.ap.status.addError(path, err)
	m.ap.status.update(func(s *Status) { s.Failed++ })
	if werr := m.ap.store.RecordFailure(ctx, path, err.Error()); werr != nil {
		return fmt.Errorf("symcache: record failure %s: %w", path, werr)
	}
	return nil
}

// remove deletes every fact of path from the store, then the index.
func (m *merger) remove(ctx context.Context, path string) error {
	if err := m.ap.store.DeleteFile(ctx, path); err != nil {
		return fmt.Errorf("symcache: delete %s: %w", path, err)
	}
	m.ap.index.RemoveFile(path)
	m.ap.status.update(func(s *Status) { s.Deleted++ })
	return nil
}

// pruneOrphans removes headers that no remaining file includes.
func (m *merger) pruneOrphans(ctx context.Context) error {
	for pass := 0; pass < maxPrunePasses; pass++ {
		orphans, err := m.ap.store.OrphanHeaders(ctx)
		if err != nil {
			return fmt.Errorf("symcache: %w", err)
		}
		if len(orphans) == 0 {
			return nil
		}
		for _, h := range orphans {
			if err := m.ap.store.DeleteFile(ctx, h); err != nil {
				return fmt.Errorf("symcache: prune %s: %w", h, err)
			}
			m.ap.index.RemoveFile(h)
		}
		m.ap.status.update(func(s *Status) { s.Pruned += len(orphans) })
		m.ap.logger.Debug("pruned orphan headers", slog.Int("count", len(orphans)))
	}
	return nil
}
