package symcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// benchHeader and benchSource make a realistic translation unit: a class
// with inline and out-of-line members, free functions and member calls.
const benchHeader = `#pragma once
#include <string>

namespace bench {

// Config holds application configuration.
class Config%[1]d {
public:
    Config%[1]d(const std::string& name, int retries);
    bool validate() const;
    std::string describe() const;
    int retries() const { return retries_; }

private:
    std::string name_;
    int retries_;
};

int countWords%[1]d(const std::string& s);

}  // namespace bench
`

const benchSource = `#include "config%[1]d.h"

namespace bench {

Config%[1]d::Config%[1]d(const std::string& name, int retries)
    : name_(name), retries_(retries) {}

bool Config%[1]d::validate() const {
    return !name_.empty() && retries() >= 0;
}

std::string Config%[1]d::describe() const {
    if (!validate()) {
        return "invalid";
    }
    return name_ + ":" + std::to_string(countWords%[1]d(name_));
}

int countWords%[1]d(const std::string& s) {
    int n = 0;
    bool in = false;
    for (char c : s) {
        if (c == ' ') {
            in = false;
        } else if (!in) {
            in = true;
            ++n;
        }
    }
    return n;
}

}  // namespace bench
`

const benchFiles = 50

func writeBenchTree(b *testing.B) string {
	b.Helper()
	root, err := filepath.EvalSymlinks(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	for i := range benchFiles {
		files := map[string]string{
			fmt.Sprintf("config%d.h", i):   fmt.Sprintf(benchHeader, i),
			fmt.Sprintf("config%d.cpp", i): fmt.Sprintf(benchSource, i),
		}
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
				b.Fatal(err)
			}
		}
	}
	return root
}

func setupBenchEngine(b *testing.B, root string) *Engine {
	b.Helper()
	e := New(
		WithCacheDir(b.TempDir()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	ctx := context.Background()
	if err := e.BeginIndexing(ctx, root); err != nil {
		b.Fatal(err)
	}
	if err := e.Wait(ctx); err != nil {
		b.Fatal(err)
	}
	return e
}

// BenchmarkInitialIndex measures a cold index of the tree: scan, extraction
// on the worker pool, and merging.
func BenchmarkInitialIndex(b *testing.B) {
	root := writeBenchTree(b)
	for b.Loop() {
		e := setupBenchEngine(b, root)
		b.StopTimer()
		e.Close()
		b.StartTimer()
	}
}

// BenchmarkNoopRefresh measures change detection on an unchanged tree.
func BenchmarkNoopRefresh(b *testing.B) {
	e := setupBenchEngine(b, writeBenchTree(b))
	defer e.Close()
	ctx := context.Background()

	for b.Loop() {
		st, err := e.Refresh(ctx, RefreshIncremental)
		if err != nil {
			b.Fatal(err)
		}
		if st.Total != 0 {
			b.Fatalf("unexpected work: %d files", st.Total)
		}
	}
}

// BenchmarkHeaderChangeRefresh measures a refresh after one header edit,
// which re-extracts only the source including it.
func BenchmarkHeaderChangeRefresh(b *testing.B) {
	root := writeBenchTree(b)
	e := setupBenchEngine(b, root)
	defer e.Close()
	ctx := context.Background()
	header := filepath.Join(root, "config0.h")

	i := 0
	for b.Loop() {
		b.StopTimer()
		content := fmt.Sprintf(benchHeader, 0) + fmt.Sprintf("// edit %d\n", i)
		if err := os.WriteFile(header, []byte(content), 0o644); err != nil {
			b.Fatal(err)
		}
		i++
		b.StartTimer()

		if _, err := e.Refresh(ctx, RefreshIncremental); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSearchByName measures in-memory pattern queries.
func BenchmarkSearchByName(b *testing.B) {
	e := setupBenchEngine(b, writeBenchTree(b))
	defer e.Close()
	ctx := context.Background()

	for _, pattern := range []string{"validate", "Config1*", "*Words*", "bench::Config7", "count[A-Z].*"} {
		b.Run(pattern, func(b *testing.B) {
			for b.Loop() {
				if _, err := e.SearchByName(ctx, pattern); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkFindCallers measures a call-graph read, which always goes to
// the store.
func BenchmarkFindCallers(b *testing.B) {
	e := setupBenchEngine(b, writeBenchTree(b))
	defer e.Close()
	ctx := context.Background()

	syms, err := e.SearchByName(ctx, "bench::Config3::validate")
	if err != nil || len(syms) == 0 {
		b.Fatalf("validate not indexed: %v", err)
	}
	usr := syms[0].USR

	for b.Loop() {
		if _, err := e.FindCallers(ctx, usr); err != nil {
			b.Fatal(err)
		}
	}
}
