package symcache

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/jward/symcache/internal/index"
	"github.com/jward/symcache/internal/store"
)

// SearchByName returns the symbols whose name matches pattern, one per
// USR, preferring the definition. Pattern forms:
//
//	Util        exact name, case-insensitive
//	Util*       prefix
//	*til*       substring
//	*Util       suffix
//	app::Util   qualified suffix on :: boundaries (::app::Util anchors)
//	get[A-Z].*  anything else with regex metacharacters, fully anchored
//
// kinds filters by symbol kind when given.
func (e *Engine) SearchByName(ctx context.Context, pattern string, kinds ...Kind) ([]Symbol, error) {
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("symcache: search: unknown kind %q", k)
		}
	}
	p, err := store.ParsePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("symcache: search: %w", err)
	}
	ap, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return preferred(ap.index.Search(p, kinds)), nil
}

// preferred keeps one row per USR, the definition if there is one, in the
// order of first appearance.
func preferred(rows []Symbol) []Symbol {
	byUSR := make(map[string][]Symbol, len(rows))
	var order []string
	for _, r := range rows {
		if _, ok := byUSR[r.USR]; !ok {
			order = append(order, r.USR)
		}
		byUSR[r.USR] = append(byUSR[r.USR], r)
	}
	out := make([]Symbol, 0, len(order))
	for _, usr := range order {
		group := byUSR[usr]
		index.SortPreferred(group)
		out = append(out, group[0])
	}
	return out
}

// GetSymbol returns the symbol with the given USR, or nil if unknown.
// When the symbol is declared in one place and defined in another, the
// definition is returned and the declaration reported as DeclFile/DeclLine.
// Members lists the symbols whose parent is this one.
func (e *Engine) GetSymbol(ctx context.Context, usr string) (*SymbolDetail, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := ap.index.Rows(usr)
	if len(rows) == 0 {
		return nil, nil
	}
	d := &SymbolDetail{Symbol: rows[0]}
	for _, r := range rows[1:] {
		if !r.IsDefinition && (r.File != d.File || r.Line != d.Line) {
			d.DeclFile, d.DeclLine = r.File, r.Line
			break
		}
	}
	members := preferred(ap.index.Members(usr))
	slices.SortFunc(members, func(a, b Symbol) int {
		if a.File != b.File {
			if a.File < b.File {
				return -1
			}
			return 1
		}
		return a.Line - b.Line
	})
	d.Members = members
	return d, nil
}

// GetFileSymbols returns the symbols defined in path, in source order. A
// relative path is taken relative to the project root.
func (e *Engine) GetFileSymbols(ctx context.Context, path string) ([]Symbol, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ap.index.FileSymbols(ap.resolve(path)), nil
}

// GetDependencyClosure returns the files path transitively includes
// (Outgoing) or the files that transitively include it (Incoming).
func (e *Engine) GetDependencyClosure(ctx context.Context, path string, d Direction) ([]string, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	path = ap.resolve(path)
	var out []string
	if d == Outgoing {
		out, err = ap.store.Dependencies(ctx, path)
	} else {
		out, err = ap.store.Dependents(ctx, []string{path})
	}
	if err != nil {
		return nil, fmt.Errorf("symcache: dependency closure: %w", err)
	}
	return slices.DeleteFunc(out, func(p string) bool { return p == path }), nil
}

// resolve makes path absolute against the project root.
func (ap *ActiveProject) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(ap.id.Root, path)
}

// Status returns the indexing status of the active project.
func (e *Engine) Status() (Status, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return Status{}, err
	}
	defer release()
	st := ap.status.snapshot()
	if st.State == StateIdle || st.State == StateError {
		return st, nil
	}
	st.IndexedSymbols = ap.index.Len()
	st.IndexedFiles = ap.index.FileCount()
	return st, nil
}

// Stats returns row counts of the active project's store.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return store.Stats{}, err
	}
	defer release()
	return ap.store.Stats(ctx)
}
