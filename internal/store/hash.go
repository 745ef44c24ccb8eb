package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// HashContent returns the hex sha256 of content. This is the value stored
// as FileRecord.ContentHash.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile streams path through sha256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeSettingsFingerprint hashes the settings that change what gets
// stored, so a store written under different settings can be detected.
// Extension lists are sorted for determinism.
func ComputeSettingsFingerprint(indexDependencies bool, sourceExts, headerExts []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "schema:%s\n", SchemaVersion)
	fmt.Fprintf(h, "index_dependencies:%t\n", indexDependencies)

	for _, list := range []struct {
		name string
		exts []string
	}{{"sources", sourceExts}, {"headers", headerExts}} {
		sorted := make([]string, len(list.exts))
		copy(sorted, list.exts)
		sort.Strings(sorted)
		fmt.Fprintf(h, "%s:%s\n", list.name, strings.Join(sorted, ","))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
