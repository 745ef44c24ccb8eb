package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/symcache/internal/buildargs"
	"github.com/jward/symcache/internal/store"
)

const (
	defaultIncludeCacheSize = 8192
	maxSyntaxDiagnostics    = 10
)

// TreeSitter is the default Parser. It is safe for concurrent use; each
// Extract call parses with its own tree-sitter parser.
type TreeSitter struct {
	root     string
	deps     bool
	includes *lru.Cache[string, string]
}

// NewTreeSitter creates a parser for the project described by opts.
func NewTreeSitter(opts Options) (*TreeSitter, error) {
	root := opts.ProjectRoot
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("project root: %w", err)
		}
		root = filepath.Clean(abs)
	}
	size := opts.IncludeCacheSize
	if size <= 0 {
		size = defaultIncludeCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("include cache: %w", err)
	}
	return &TreeSitter{root: root, deps: opts.IndexDependencies, includes: cache}, nil
}

// parsedFile is one file of a translation unit with its tree.
type parsedFile struct {
	path     string
	src      []byte
	tree     *sitter.Tree
	header   bool
	project  bool
	includes []string
	facts    FileFacts
}

// unit is the state of one Extract call.
type unit struct {
	ctx     context.Context
	p       *TreeSitter
	parser  *sitter.Parser
	dirs    []string
	dirsKey string
	files   []*parsedFile
	seen    map[string]bool
	diags   []string
	scopes  map[string]scopeInfo
	arity   map[string]arity
	calls   []pendingCall
}

// Extract implements Parser.
func (p *TreeSitter) Extract(ctx context.Context, path string, args []string) (*Facts, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	path = filepath.Clean(abs)

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammarFor(LanguageFor(path, args)))

	u := &unit{
		ctx:    ctx,
		p:      p,
		parser: parser,
		dirs:   p.searchDirs(path, args),
		seen:   make(map[string]bool),
		scopes: make(map[string]scopeInfo),
		arity:  make(map[string]arity),
	}
	u.dirsKey = strings.Join(u.dirs, "\x00")
	defer u.close()

	if err := u.load(path, false); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Scope names first, across every file, so out-of-line definitions
	// resolve against classes declared in any header of the unit.
	for _, f := range u.files {
		newWalker(u, f, true).walk(f.tree.RootNode())
	}
	for _, f := range u.files {
		w := newWalker(u, f, false)
		w.walk(f.tree.RootNode())
		f.facts.Symbols = w.syms
	}
	u.fillAccess()
	u.resolveCalls()

	facts := &Facts{Diagnostics: u.diags}
	for _, f := range u.files {
		f.facts.Path = f.path
		f.facts.IsHeader = f.header
		f.facts.ContentHash = store.HashContent(f.src)
		f.facts.Includes = f.includes
		facts.Files = append(facts.Files, f.facts)
	}
	return facts, nil
}

func (u *unit) close() {
	for _, f := range u.files {
		f.tree.Close()
	}
}

// searchDirs returns the absolute include search path for args. Relative
// directories are taken against the project root.
func (p *TreeSitter) searchDirs(path string, args []string) []string {
	base := p.root
	if base == "" {
		base = filepath.Dir(path)
	}
	var dirs []string
	for _, d := range buildargs.IncludeDirs(args) {
		if !filepath.IsAbs(d) {
			d = filepath.Join(base, d)
		}
		dirs = append(dirs, filepath.Clean(d))
	}
	return dirs
}

func (p *TreeSitter) inProject(path string) bool {
	if p.root == "" {
		return true
	}
	return path == p.root || strings.HasPrefix(path, p.root+string(filepath.Separator))
}

// load parses path and, depth first, every include it follows.
func (u *unit) load(path string, header bool) error {
	u.seen[path] = true
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	tree, err := u.parser.ParseCtx(u.ctx, nil, src)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	f := &parsedFile{
		path:    path,
		src:     src,
		tree:    tree,
		header:  header,
		project: u.p.inProject(path),
	}
	u.files = append(u.files, f)
	u.syntaxDiagnostics(f)

	for _, inc := range includeDirectives(tree.RootNode(), src) {
		if u.ctx.Err() != nil {
			return nil
		}
		resolved, ok := u.resolveInclude(path, inc.target, inc.quoted)
		if !ok {
			if inc.quoted {
				u.diags = append(u.diags, fmt.Sprintf("%s:%d: '%s' file not found", path, inc.line, inc.target))
			}
			continue
		}
		if resolved == path || (!u.p.deps && !u.p.inProject(resolved)) {
			continue
		}
		if !u.seen[resolved] {
			if err := u.load(resolved, true); err != nil {
				u.diags = append(u.diags, fmt.Sprintf("%s:%d: %v", path, inc.line, err))
				continue
			}
		}
		if !contains(f.includes, resolved) {
			f.includes = append(f.includes, resolved)
		}
	}
	return nil
}

type includeDirective struct {
	target string
	quoted bool
	line   int
}

// includeDirectives finds #include lines anywhere in the tree, including
// inside conditional blocks.
func includeDirectives(n *sitter.Node, src []byte) []includeDirective {
	var out []includeDirective
	var visit func(*sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "preproc_include" {
			if p := n.ChildByFieldName("path"); p != nil {
				text := p.Content(src)
				out = append(out, includeDirective{
					target: strings.Trim(text, `"<>`),
					quoted: strings.HasPrefix(text, `"`),
					line:   int(n.StartPoint().Row) + 1,
				})
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(n)
	return out
}

// resolveInclude finds target the way a compiler does: quoted includes
// look next to the including file first, then both forms walk the search
// directories in order. Hits are cached; misses are not, so a header
// created later is picked up.
func (u *unit) resolveInclude(from, target string, quoted bool) (string, bool) {
	if filepath.IsAbs(target) {
		return target, isFile(target)
	}
	dir := filepath.Dir(from)
	key := fmt.Sprintf("%t\x00%s\x00%s\x00%s", quoted, dir, target, u.dirsKey)
	if hit, ok := u.p.includes.Get(key); ok {
		return hit, true
	}
	var candidates []string
	if quoted {
		candidates = append(candidates, dir)
	}
	candidates = append(candidates, u.dirs...)
	for _, d := range candidates {
		p := filepath.Clean(filepath.Join(d, target))
		if isFile(p) {
			u.p.includes.Add(key, p)
			return p, true
		}
	}
	return "", false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// syntaxDiagnostics reports ERROR and MISSING nodes without descending
// into them.
func (u *unit) syntaxDiagnostics(f *parsedFile) {
	root := f.tree.RootNode()
	if !root.HasError() {
		return
	}
	count := 0
	var visit func(*sitter.Node)
	visit = func(n *sitter.Node) {
		if count >= maxSyntaxDiagnostics {
			return
		}
		if n.IsError() || n.IsMissing() {
			pt := n.StartPoint()
			u.diags = append(u.diags, fmt.Sprintf("%s:%d:%d: syntax error", f.path, pt.Row+1, pt.Column+1))
			count++
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			child := n.Child(i)
			if child.HasError() || child.IsError() || child.IsMissing() {
				visit(child)
			}
		}
	}
	visit(root)
}
