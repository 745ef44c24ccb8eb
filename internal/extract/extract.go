// Package extract turns C and C++ translation units into symbol, include
// and call-site facts.
//
// The Parser interface is the boundary the worker processes serve. The
// default implementation, TreeSitter, parses a source file and every
// project header it reaches with tree-sitter and derives USR-style
// identifiers from the declaration structure, so declarations in a header
// and out-of-line definitions in a source file agree on their USR.
package extract

import (
	"context"

	"github.com/jward/symcache/internal/store"
)

// FileFacts are the facts found in one file of a translation unit.
type FileFacts struct {
	Path        string           `json:"path"`
	IsHeader    bool             `json:"is_header"`
	ContentHash string           `json:"content_hash"`
	Symbols     []store.Symbol   `json:"symbols"`
	Includes    []string         `json:"includes,omitempty"`
	CallSites   []store.CallSite `json:"call_sites,omitempty"`
}

// Facts is the result of extracting one translation unit. Files[0] is the
// requested source file; the rest are headers it reached. Diagnostics are
// non-fatal problems; facts are still usable but may be incomplete.
type Facts struct {
	Files       []FileFacts `json:"files"`
	Diagnostics []string    `json:"diagnostics,omitempty"`
}

// Partial reports whether extraction hit non-fatal errors.
func (f *Facts) Partial() bool { return len(f.Diagnostics) > 0 }

// Parser extracts facts from the translation unit rooted at path, compiled
// with args. An error means nothing usable was produced.
type Parser interface {
	Extract(ctx context.Context, path string, args []string) (*Facts, error)
}

// Options configures a TreeSitter parser.
type Options struct {
	// ProjectRoot marks which files are project files. Headers outside it
	// are only followed when IndexDependencies is set.
	ProjectRoot       string
	IndexDependencies bool
	// IncludeCacheSize bounds the include-resolution cache.
	IncludeCacheSize int
}
