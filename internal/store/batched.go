package store

import (
	"slices"
	"sync"
)

// FileFacts is everything the store keeps for one file, replaced as a unit
// by ReplaceFileFacts.
type FileFacts struct {
	Record    FileRecord
	Symbols   []Symbol
	Includes  []string
	CallSites []CallSite
}

// PendingFacts buffers facts that have been received from workers but not
// yet committed. Call-graph reads merge it with committed rows so that a
// file is always seen in exactly one version.
//
// Thread safety: all methods take the mutex; returned slices are copies.
type PendingFacts struct {
	mu    sync.RWMutex
	files map[string][]CallSite
}

// NewPendingFacts creates an empty buffer.
func NewPendingFacts() *PendingFacts {
	return &PendingFacts{files: make(map[string][]CallSite)}
}

// Add buffers the call sites of a received but uncommitted file.
func (p *PendingFacts) Add(ff *FileFacts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[ff.Record.Path] = slices.Clone(ff.CallSites)
}

// Done drops path once its facts are committed (or abandoned).
func (p *PendingFacts) Done(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, path)
}

// Reset drops everything.
func (p *PendingFacts) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.files)
}

// Lookup returns, in one consistent view, the set of pending files and
// their call sites touching usr in direction d. Readers skip committed rows
// of the returned files so each file is seen in exactly one version.
func (p *PendingFacts) Lookup(usr string, d Direction) (map[string]bool, []CallSite) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	files := make(map[string]bool, len(p.files))
	var out []CallSite
	for path, sites := range p.files {
		files[path] = true
		for _, cs := range sites {
			if (d == Incoming && cs.CalleeUSR == usr) || (d == Outgoing && cs.CallerUSR == usr) {
				out = append(out, cs)
			}
		}
	}
	return files, out
}
