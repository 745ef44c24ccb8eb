// Package scan enumerates the C/C++ files of a project. Inside a git work
// tree it asks git for tracked and untracked-but-not-ignored files; otherwise
// it walks the directory tree. Exclude globs apply in both cases.
package scan

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Class is what a path is to the indexer.
type Class int

const (
	Other Class = iota
	Source
	Header
)

// Scanner lists the files of a project.
type Scanner interface {
	Scan(ctx context.Context) (*Result, error)
}

// Result holds absolute paths, sorted.
type Result struct {
	Sources []string
	Headers []string
}

// Options configures a Tree.
type Options struct {
	Root       string
	Exclude    []string
	SourceExts []string
	HeaderExts []string
	// NoGit forces the directory walk.
	NoGit bool
}

// Tree scans one project root.
type Tree struct {
	root    string
	exclude []string
	sources map[string]bool
	headers map[string]bool
	noGit   bool
}

// skipDirs are never descended into by the directory walk.
var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
}

// New creates a Tree. Root must be absolute.
func New(opts Options) *Tree {
	t := &Tree{
		root:    filepath.Clean(opts.Root),
		exclude: opts.Exclude,
		sources: make(map[string]bool, len(opts.SourceExts)),
		headers: make(map[string]bool, len(opts.HeaderExts)),
		noGit:   opts.NoGit,
	}
	for _, e := range opts.SourceExts {
		t.sources[strings.ToLower(e)] = true
	}
	for _, e := range opts.HeaderExts {
		t.headers[strings.ToLower(e)] = true
	}
	return t
}

// Root returns the scanned directory.
func (t *Tree) Root() string { return t.root }

// Classify reports whether path is a source, a header, or neither, by
// extension only.
func (t *Tree) Classify(path string) Class {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case t.sources[ext]:
		return Source
	case t.headers[ext]:
		return Header
	}
	return Other
}

// Excluded reports whether path (absolute or root-relative) matches an
// exclude glob. Paths outside the root are never excluded.
func (t *Tree) Excluded(path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(t.root, path)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return false
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range t.exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// Scan implements Scanner.
func (t *Tree) Scan(ctx context.Context) (*Result, error) {
	var paths []string
	var err error
	if !t.noGit {
		paths, err = t.gitListFiles(ctx)
	}
	if t.noGit || err != nil {
		// Not a git repo or git not available.
		paths, err = t.walkListFiles(ctx)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for _, p := range paths {
		if t.Excluded(p) {
			continue
		}
		switch t.Classify(p) {
		case Source:
			res.Sources = append(res.Sources, p)
		case Header:
			res.Headers = append(res.Headers, p)
		}
	}
	slices.Sort(res.Sources)
	slices.Sort(res.Headers)
	return res, nil
}

// gitListFiles uses git ls-files to discover tracked and untracked (but not
// ignored) files under the root.
func (t *Tree) gitListFiles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	cmd.Dir = t.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	seen := make(map[string]bool)
	var paths []string
	for _, line := range strings.Split(stdout.String(), "\x00") {
		if line == "" {
			continue
		}
		abs := filepath.Join(t.root, filepath.FromSlash(line))
		if !seen[abs] {
			seen[abs] = true
			paths = append(paths, abs)
		}
	}
	return paths, nil
}

// walkListFiles walks the root, skipping hidden and excluded directories.
func (t *Tree) walkListFiles(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == t.root {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || skipDirs[name] || t.Excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}
