// Package index holds the in-memory symbol index served to queries.
//
// Symbols live in a slot slice; name, file, USR and parent lookups map to
// roaring bitmaps of slot numbers. Writers compute a file's replacement
// outside the lock and apply it under a short exclusive section. Readers
// copy results out under the read lock, so a query never observes a file
// half replaced.
package index

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/jward/symcache/internal/store"
)

// DefaultLoadBatch is the number of symbols read per batch on cold start.
const DefaultLoadBatch = 2000

// Source streams stored symbols in batches. *store.Store satisfies it.
type Source interface {
	StreamSymbols(ctx context.Context, batchSize int, fn func([]*store.Symbol) error) error
}

// Index is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	slots []*store.Symbol
	free  []uint32

	byName   map[string]*roaring.Bitmap // lowercased simple name
	byFile   map[string]*roaring.Bitmap
	byUSR    map[string]*roaring.Bitmap
	byParent map[string]*roaring.Bitmap
}

// New returns an empty index.
func New() *Index {
	return &Index{
		byName:   make(map[string]*roaring.Bitmap),
		byFile:   make(map[string]*roaring.Bitmap),
		byUSR:    make(map[string]*roaring.Bitmap),
		byParent: make(map[string]*roaring.Bitmap),
	}
}

// Load streams every stored symbol into the index in fixed-size batches.
// Each batch takes the write lock once, so queries interleave with a cold
// start and see a growing subset.
func (x *Index) Load(ctx context.Context, src Source, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultLoadBatch
	}
	n := 0
	err := src.StreamSymbols(ctx, batchSize, func(batch []*store.Symbol) error {
		x.mu.Lock()
		for _, sym := range batch {
			x.insert(sym)
		}
		x.mu.Unlock()
		n += len(batch)
		return nil
	})
	return n, err
}

// ReplaceFile swaps every symbol owned by path for syms.
func (x *Index) ReplaceFile(path string, syms []store.Symbol) {
	fresh := make([]*store.Symbol, len(syms))
	for i := range syms {
		s := syms[i]
		s.File = path
		fresh[i] = &s
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeFile(path)
	for _, s := range fresh {
		x.insert(s)
	}
}

// RemoveFile drops every symbol owned by path.
func (x *Index) RemoveFile(path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeFile(path)
}

// Reset empties the index.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.slots = nil
	x.free = nil
	clear(x.byName)
	clear(x.byFile)
	clear(x.byUSR)
	clear(x.byParent)
}

// insert places sym in a slot. Must be called with x.mu held.
func (x *Index) insert(sym *store.Symbol) {
	var slot uint32
	if n := len(x.free); n > 0 {
		slot = x.free[n-1]
		x.free = x.free[:n-1]
		x.slots[slot] = sym
	} else {
		slot = uint32(len(x.slots))
		x.slots = append(x.slots, sym)
	}
	addTo(x.byName, strings.ToLower(sym.Name), slot)
	addTo(x.byFile, sym.File, slot)
	addTo(x.byUSR, sym.USR, slot)
	if sym.ParentUSR != "" {
		addTo(x.byParent, sym.ParentUSR, slot)
	}
}

// removeFile must be called with x.mu held.
func (x *Index) removeFile(path string) {
	bm, ok := x.byFile[path]
	if !ok {
		return
	}
	it := bm.Iterator()
	for it.HasNext() {
		slot := it.Next()
		sym := x.slots[slot]
		if sym == nil {
			continue
		}
		removeFrom(x.byName, strings.ToLower(sym.Name), slot)
		removeFrom(x.byUSR, sym.USR, slot)
		if sym.ParentUSR != "" {
			removeFrom(x.byParent, sym.ParentUSR, slot)
		}
		x.slots[slot] = nil
		x.free = append(x.free, slot)
	}
	delete(x.byFile, path)
}

func addTo(m map[string]*roaring.Bitmap, key string, slot uint32) {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	bm.Add(slot)
}

func removeFrom(m map[string]*roaring.Bitmap, key string, slot uint32) {
	bm, ok := m[key]
	if !ok {
		return
	}
	bm.Remove(slot)
	if bm.IsEmpty() {
		delete(m, key)
	}
}

// collect copies the symbols behind bm. Must be called with x.mu held.
func (x *Index) collect(bm *roaring.Bitmap, keep func(*store.Symbol) bool) []store.Symbol {
	if bm == nil {
		return nil
	}
	out := make([]store.Symbol, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		sym := x.slots[it.Next()]
		if sym == nil || (keep != nil && !keep(sym)) {
			continue
		}
		out = append(out, *sym)
	}
	return out
}

// SortPreferred orders rows definition first, then by file, line and USR.
func SortPreferred(syms []store.Symbol) {
	sort.SliceStable(syms, func(i, j int) bool {
		a, b := syms[i], syms[j]
		if a.IsDefinition != b.IsDefinition {
			return a.IsDefinition
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.USR < b.USR
	})
}

// Rows returns every row stored for usr, preferred row first.
func (x *Index) Rows(usr string) []store.Symbol {
	x.mu.RLock()
	out := x.collect(x.byUSR[usr], nil)
	x.mu.RUnlock()
	SortPreferred(out)
	return out
}

// Lookup returns the preferred row for usr.
func (x *Index) Lookup(usr string) (store.Symbol, bool) {
	rows := x.Rows(usr)
	if len(rows) == 0 {
		return store.Symbol{}, false
	}
	return rows[0], true
}

// FileSymbols returns the symbols owned by path in source order.
func (x *Index) FileSymbols(path string) []store.Symbol {
	x.mu.RLock()
	out := x.collect(x.byFile[path], nil)
	x.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// Members returns the symbols whose parent is parentUSR.
func (x *Index) Members(parentUSR string) []store.Symbol {
	x.mu.RLock()
	out := x.collect(x.byParent[parentUSR], nil)
	x.mu.RUnlock()
	SortPreferred(out)
	return out
}

// Search returns the rows matching p, filtered by kinds when given.
// Exact and qualified patterns use the name bitmap; the rest scan names.
func (x *Index) Search(p store.Pattern, kinds []store.Kind) []store.Symbol {
	keep := func(s *store.Symbol) bool {
		if len(kinds) > 0 && !containsKind(kinds, s.Kind) {
			return false
		}
		return p.Match(s.Name, s.QualifiedName)
	}

	x.mu.RLock()
	var out []store.Symbol
	switch p.Kind {
	case store.PatternExact, store.PatternQualified:
		out = x.collect(x.byName[strings.ToLower(p.Literal)], keep)
	default:
		prefix := strings.ToLower(p.Literal)
		for name, bm := range x.byName {
			if p.Kind == store.PatternRegex && !strings.HasPrefix(name, prefix) {
				continue
			}
			out = append(out, x.collect(bm, keep)...)
		}
	}
	x.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func containsKind(kinds []store.Kind, k store.Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Names returns the distinct simple names in the index.
func (x *Index) Names() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	seen := make(map[string]struct{}, len(x.byName))
	names := make([]string, 0, len(x.byName))
	for _, bm := range x.byName {
		it := bm.Iterator()
		for it.HasNext() {
			sym := x.slots[it.Next()]
			if sym == nil {
				continue
			}
			if _, ok := seen[sym.Name]; !ok {
				seen[sym.Name] = struct{}{}
				names = append(names, sym.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Len is the number of symbol rows held.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.slots) - len(x.free)
}

// FileCount is the number of files that own at least one symbol.
func (x *Index) FileCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byFile)
}
