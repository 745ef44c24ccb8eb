// Package buildargs resolves the compiler arguments used to extract each
// translation unit, from a compile_commands.json manifest with a fixed
// fallback for files the manifest does not cover.
package buildargs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	serrors "github.com/jward/symcache/internal/errors"
)

// ManifestName is the conventional compilation database file name.
const ManifestName = "compile_commands.json"

const defaultCacheSize = 4096

// Args is the argument list for one file.
type Args struct {
	List     []string `json:"list"`
	Hash     string   `json:"hash"`
	Fallback bool     `json:"fallback"`
}

// Provider resolves build arguments for a source file.
type Provider interface {
	ArgsFor(path string) (Args, error)
}

// Option configures a CompileDB.
type Option func(*CompileDB)

// WithoutFallback makes ArgsFor fail with MissingBuildArgs for files the
// manifest does not list.
func WithoutFallback() Option {
	return func(d *CompileDB) { d.useFallback = false }
}

// WithCacheSize sets the number of resolved paths memoized.
func WithCacheSize(n int) Option {
	return func(d *CompileDB) { d.cacheSize = n }
}

// CompileDB is a loaded compilation database. Safe for concurrent use.
type CompileDB struct {
	root         string
	manifestPath string
	manifestHash string
	entries      map[string][]string
	fallback     Args
	useFallback  bool
	cacheSize    int
	cache        *lru.Cache[string, Args]
}

type compileCommand struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
}

// Load reads the manifest for root. manifest may be empty, relative to root,
// or absolute; when empty, <root>/compile_commands.json and
// <root>/build/compile_commands.json are tried. A missing manifest is not an
// error: every file then gets the fallback arguments.
func Load(root, manifest string, opts ...Option) (*CompileDB, error) {
	d := &CompileDB{
		root:        root,
		entries:     make(map[string][]string),
		fallback:    newArgs(FallbackArgs(root), true),
		useFallback: true,
		cacheSize:   defaultCacheSize,
	}
	for _, o := range opts {
		o(d)
	}
	cache, err := lru.New[string, Args](d.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build args cache: %w", err)
	}
	d.cache = cache

	path, ok := findManifest(root, manifest)
	if !ok {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cmds []compileCommand
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	d.manifestPath = path
	d.manifestHash = hashBytes(data)
	for _, c := range cmds {
		args := c.Arguments
		if len(args) == 0 {
			args, err = SplitCommand(c.Command)
			if err != nil {
				return nil, fmt.Errorf("parse %s entry %s: %w", path, c.File, err)
			}
		}
		dir := c.Directory
		if dir == "" {
			dir = root
		}
		file := c.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		d.entries[filepath.Clean(file)] = normalizeIncludes(filterArgs(args), dir)
	}
	return d, nil
}

func findManifest(root, manifest string) (string, bool) {
	var candidates []string
	if manifest != "" {
		if !filepath.IsAbs(manifest) {
			manifest = filepath.Join(root, manifest)
		}
		candidates = []string{manifest}
	} else {
		candidates = []string{
			filepath.Join(root, ManifestName),
			filepath.Join(root, "build", ManifestName),
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

// ArgsFor returns the arguments for path, memoized.
func (d *CompileDB) ArgsFor(path string) (Args, error) {
	path = filepath.Clean(path)
	if a, ok := d.cache.Get(path); ok {
		return a, nil
	}
	list, ok := d.entries[path]
	if !ok {
		if !d.useFallback {
			return Args{}, serrors.New(serrors.KindMissingBuildArgs, "build args", errors.New("not in compilation database")).WithPath(path)
		}
		return d.fallback, nil
	}
	a := newArgs(list, false)
	d.cache.Add(path, a)
	return a, nil
}

// ManifestPath is the manifest that was loaded, or "".
func (d *CompileDB) ManifestPath() string { return d.manifestPath }

// ManifestHash identifies the manifest content; "" when there is none.
func (d *CompileDB) ManifestHash() string { return d.manifestHash }

// Len is the number of files listed in the manifest.
func (d *CompileDB) Len() int { return len(d.entries) }

// Files lists the files the manifest covers.
func (d *CompileDB) Files() []string {
	out := make([]string, 0, len(d.entries))
	for f := range d.entries {
		out = append(out, f)
	}
	return out
}

// FallbackArgs is the argument list used for files without a manifest entry.
func FallbackArgs(root string) []string {
	return []string{
		"-std=c++17",
		"-I.",
		"-I" + root,
		"-I" + filepath.Join(root, "src"),
		"-x", "c++",
	}
}

func newArgs(list []string, fallback bool) Args {
	return Args{List: list, Hash: HashArgs(list), Fallback: fallback}
}

// HashArgs returns the xxhash64 of the argument list in hex.
func HashArgs(list []string) string {
	h := xxhash.New()
	for _, a := range list {
		h.WriteString(a)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func hashBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

var compilerNames = map[string]bool{
	"gcc": true, "g++": true, "clang": true, "clang++": true,
	"cc": true, "c++": true, "cl": true,
}

var sourceExts = []string{".c", ".cc", ".cpp", ".cxx", ".c++", ".m", ".mm"}

// filterArgs drops the compiler executable, -c, -o <file> and the source
// file operands.
func filterArgs(args []string) []string {
	i := 0
	if len(args) > 0 {
		base := strings.ToLower(filepath.Base(strings.ReplaceAll(args[0], `\`, "/")))
		base = strings.TrimSuffix(base, ".exe")
		if compilerNames[base] || filepath.IsAbs(args[0]) {
			i = 1
		}
	}
	var out []string
	for ; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-o":
			i++
			continue
		case a == "-c":
			continue
		case !strings.HasPrefix(a, "-") && isSource(a):
			continue
		}
		out = append(out, a)
	}
	return out
}

func isSource(a string) bool {
	lower := strings.ToLower(a)
	for _, ext := range sourceExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

var includeFlags = []string{"-isystem", "-iquote", "-I"}

// normalizeIncludes makes relative include directories absolute against dir.
func normalizeIncludes(args []string, dir string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		flag, val, joined := splitIncludeFlag(a)
		if flag == "" {
			out = append(out, a)
			continue
		}
		if !joined {
			if i+1 >= len(args) {
				out = append(out, a)
				continue
			}
			i++
			val = args[i]
		}
		if !filepath.IsAbs(val) {
			val = filepath.Join(dir, val)
		}
		if joined {
			out = append(out, flag+val)
		} else {
			out = append(out, flag, val)
		}
	}
	return out
}

func splitIncludeFlag(a string) (flag, val string, joined bool) {
	for _, f := range includeFlags {
		if a == f {
			return f, "", false
		}
		if strings.HasPrefix(a, f) {
			return f, a[len(f):], true
		}
	}
	return "", "", false
}

// IncludeDirs returns the search directories named by -I, -iquote and
// -isystem in order.
func IncludeDirs(args []string) []string {
	var dirs []string
	for i := 0; i < len(args); i++ {
		flag, val, joined := splitIncludeFlag(args[i])
		if flag == "" {
			continue
		}
		if !joined {
			if i+1 >= len(args) {
				break
			}
			i++
			val = args[i]
		}
		dirs = append(dirs, val)
	}
	return dirs
}
