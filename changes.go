package symcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/jward/symcache/internal/buildargs"
	"github.com/jward/symcache/internal/scan"
	"github.com/jward/symcache/internal/store"
)

// ChangeSet is what one refresh has to do. All paths are absolute and
// every list is sorted.
type ChangeSet struct {
	// Sources is every source file currently on disk.
	Sources []string

	Added    []string
	Modified []string
	Deleted  []string
	// ArgsChanged lists the sources in Modified whose build arguments
	// changed. Their content may be unchanged.
	ArgsChanged []string

	// Headers are never scheduled. A changed or deleted header expands to
	// the sources that include it, listed in Expanded.
	ModifiedHeaders []string
	DeletedHeaders  []string
	Expanded        []string

	BuildManifestChanged bool

	// Args holds the resolved build arguments of every source with args.
	Args map[string]buildargs.Args
	// ArgsErrors holds sources whose build arguments could not be
	// resolved. They are reported as failed and not scheduled.
	ArgsErrors map[string]error

	records map[string]*store.FileRecord
}

// Scheduled returns the sources to extract: added, modified and expanded.
func (c *ChangeSet) Scheduled() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Expanded))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	out = append(out, c.Expanded...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Empty reports whether the refresh has nothing to do.
func (c *ChangeSet) Empty() bool {
	return len(c.Added)+len(c.Modified)+len(c.Deleted)+len(c.Expanded)+len(c.DeletedHeaders) == 0
}

func (c *ChangeSet) counts() ChangeCounts {
	return ChangeCounts{
		Added:           len(c.Added),
		Modified:        len(c.Modified),
		Deleted:         len(c.Deleted),
		ArgsChanged:     len(c.ArgsChanged),
		ModifiedHeaders: len(c.ModifiedHeaders),
		DeletedHeaders:  len(c.DeletedHeaders),
		Expanded:        len(c.Expanded),
		ManifestChanged: c.BuildManifestChanged,
	}
}

// ChangeDetector compares the tree on disk with the stored file records.
type ChangeDetector struct {
	Store   store.Reader
	Scanner scan.Scanner
	Args    buildargs.Provider
	// ManifestHash is the hash of the current compilation database, empty
	// when there is none.
	ManifestHash string
	Logger       *slog.Logger
}

// Detect computes the ChangeSet:
//   - added: sources on disk without a record
//   - deleted: recorded sources no longer on disk (or now excluded)
//   - modified: sources whose content hash or build-argument hash differs
//   - modified/deleted headers: recorded headers that changed or vanished
//   - expanded: sources that transitively include a changed file
//
// A file that cannot be hashed is treated as modified.
func (d *ChangeDetector) Detect(ctx context.Context) (*ChangeSet, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res, err := d.Scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	records, err := d.Store.FileRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("load file records: %w", err)
	}

	cs := &ChangeSet{
		Sources:    res.Sources,
		Args:       make(map[string]buildargs.Args, len(res.Sources)),
		ArgsErrors: make(map[string]error),
		records:    records,
	}

	onDisk := make(map[string]bool, len(res.Sources))
	for _, path := range res.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		onDisk[path] = true

		args, err := d.Args.ArgsFor(path)
		if err != nil {
			cs.ArgsErrors[path] = err
			continue
		}
		cs.Args[path] = args

		rec := records[path]
		if rec == nil || rec.IsHeader {
			cs.Added = append(cs.Added, path)
			continue
		}
		hash, err := store.HashFile(path)
		if err != nil {
			logger.Warn("hash failed, treating as modified", slog.String("path", path), slog.String("error", err.Error()))
			cs.Modified = append(cs.Modified, path)
			continue
		}
		switch {
		case hash != rec.ContentHash:
			cs.Modified = append(cs.Modified, path)
		case args.Hash != rec.ArgsHash:
			cs.Modified = append(cs.Modified, path)
			cs.ArgsChanged = append(cs.ArgsChanged, path)
		}
	}

	for path, rec := range records {
		if !rec.IsHeader {
			if !onDisk[path] {
				cs.Deleted = append(cs.Deleted, path)
			}
			continue
		}
		hash, err := store.HashFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			cs.DeletedHeaders = append(cs.DeletedHeaders, path)
		case err != nil:
			logger.Warn("hash failed, treating as modified", slog.String("path", path), slog.String("error", err.Error()))
			cs.ModifiedHeaders = append(cs.ModifiedHeaders, path)
		case hash != rec.ContentHash:
			cs.ModifiedHeaders = append(cs.ModifiedHeaders, path)
		}
	}

	if err := d.expand(ctx, cs, onDisk); err != nil {
		return nil, err
	}

	if d.ManifestHash != "" {
		stored, err := d.Store.GetMetadata(ctx, store.MetaBuildManifestHash)
		if err != nil {
			return nil, err
		}
		cs.BuildManifestChanged = stored != "" && stored != d.ManifestHash
	}

	for _, list := range [][]string{cs.Added, cs.Modified, cs.Deleted, cs.ArgsChanged, cs.ModifiedHeaders, cs.DeletedHeaders} {
		slices.Sort(list)
	}
	return cs, nil
}

// expand adds every on-disk source that transitively includes a changed
// header or source and is not already scheduled.
func (d *ChangeDetector) expand(ctx context.Context, cs *ChangeSet, onDisk map[string]bool) error {
	var seeds []string
	seeds = append(seeds, cs.ModifiedHeaders...)
	seeds = append(seeds, cs.DeletedHeaders...)
	seeds = append(seeds, cs.Modified...)
	seeds = append(seeds, cs.Deleted...)
	if len(seeds) == 0 {
		return nil
	}
	dependents, err := d.Store.Dependents(ctx, seeds)
	if err != nil {
		return fmt.Errorf("expand dependents: %w", err)
	}

	scheduled := make(map[string]bool, len(cs.Added)+len(cs.Modified))
	for _, p := range cs.Added {
		scheduled[p] = true
	}
	for _, p := range cs.Modified {
		scheduled[p] = true
	}
	for _, p := range dependents {
		if !onDisk[p] || scheduled[p] {
			continue
		}
		if _, bad := cs.ArgsErrors[p]; bad {
			continue
		}
		scheduled[p] = true
		cs.Expanded = append(cs.Expanded, p)
	}
	slices.Sort(cs.Expanded)
	return nil
}
