// Package project derives the identity and on-disk cache layout of an
// indexed source tree.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// File names inside a project's cache directory.
const (
	DatabaseFile = "index.db"
	ManifestFile = "project.json"
	StatusFile   = "status.json"
)

// Identity names one project. The same root and config path always give
// the same Hash, and therefore the same cache directory.
type Identity struct {
	Name       string `json:"name"`
	Root       string `json:"root"`
	ConfigPath string `json:"config_path,omitempty"`
	Hash       string `json:"hash"`
}

// NewIdentity resolves root to an absolute, symlink-free path and hashes it
// together with configPath.
func NewIdentity(root, configPath string) (Identity, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Identity{}, fmt.Errorf("project: resolve %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Identity{}, fmt.Errorf("project: resolve %s: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Identity{}, fmt.Errorf("project: %w", err)
	}
	if !info.IsDir() {
		return Identity{}, fmt.Errorf("project: %s is not a directory", resolved)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return Identity{}, fmt.Errorf("project: resolve config path: %w", err)
		}
	}
	sum := sha256.Sum256([]byte(resolved + "|" + configPath))
	return Identity{
		Name:       filepath.Base(resolved),
		Root:       resolved,
		ConfigPath: configPath,
		Hash:       hex.EncodeToString(sum[:])[:16],
	}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Dir is the project's cache directory under cacheDir.
func (id Identity) Dir(cacheDir string) string {
	name := unsafeName.ReplaceAllString(id.Name, "_")
	if name == "" || name == "." || name == ".." {
		name = "root"
	}
	return filepath.Join(cacheDir, name+"_"+id.Hash)
}

// Layout is the set of paths a project owns.
type Layout struct {
	Dir      string
	Database string
	Manifest string
	Status   string
}

// Layout returns the cache paths of the project under cacheDir.
func (id Identity) Layout(cacheDir string) Layout {
	dir := id.Dir(cacheDir)
	return Layout{
		Dir:      dir,
		Database: filepath.Join(dir, DatabaseFile),
		Manifest: filepath.Join(dir, ManifestFile),
		Status:   filepath.Join(dir, StatusFile),
	}
}

// Manifest is the content of project.json.
type Manifest struct {
	Identity
	CreatedAt  time.Time `json:"created_at"`
	LastOpened time.Time `json:"last_opened"`
}

// Prepare creates the cache directory and writes project.json, keeping
// CreatedAt from an existing manifest.
func Prepare(id Identity, cacheDir string) (Layout, error) {
	l := id.Layout(cacheDir)
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return l, fmt.Errorf("project: create %s: %w", l.Dir, err)
	}
	now := time.Now().UTC()
	m := Manifest{Identity: id, CreatedAt: now, LastOpened: now}
	var prev Manifest
	if err := ReadJSON(l.Manifest, &prev); err == nil && !prev.CreatedAt.IsZero() {
		m.CreatedAt = prev.CreatedAt
	}
	if err := WriteJSON(l.Manifest, &m); err != nil {
		return l, err
	}
	return l, nil
}

// WriteJSON writes v to path through a temporary file and a rename, so
// readers never see a partial file.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("project: encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("project: write %s: %w", path, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("project: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("project: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("project: write %s: %w", path, err)
	}
	return nil
}

// ErrNotFound is returned by ReadJSON for a missing file.
var ErrNotFound = errors.New("project: file not found")

// ReadJSON decodes path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("project: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("project: decode %s: %w", path, err)
	}
	return nil
}
