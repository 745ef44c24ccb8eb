// Package symcache indexes and caches symbol-level facts (namespaces,
// classes, structs, functions, methods and the calls between them) of a
// C/C++ source tree, keeps them consistent as files change, and serves
// concurrent queries while background refreshes run.
//
// # Pipeline
//
// A refresh moves through four states:
//
//  1. Scanning changes: the [ChangeDetector] compares the files on disk and
//     their build arguments with the stored file records, and expands
//     changed headers to every source that transitively includes them.
//     Headers are never extracted on their own.
//
//  2. Extracting: the changed sources are sent to a bounded pool of worker
//     processes that run the tree-sitter fact extractor. Results stream back
//     as they finish.
//
//  3. Merging: each result replaces the facts of its source and the headers
//     it reached, one transaction per file, then the in-memory index is
//     updated for that file only. Deleted files are removed and headers no
//     file includes any more are pruned.
//
//  4. Idle.
//
// # Usage
//
//	e := symcache.New(symcache.WithCacheDir(dir))
//	defer e.Close()
//
//	ctx := context.Background()
//	if err := e.BeginIndexing(ctx, "path/to/project"); err != nil { ... }
//	if err := e.Wait(ctx); err != nil { ... }
//
//	syms, err := e.SearchByName(ctx, "Util*")
//
// # Query API
//
//   - [Engine.SearchByName]: exact, prefix, substring, suffix, qualified
//     (ns::Name) and regular-expression name patterns.
//   - [Engine.GetSymbol]: one symbol by USR, with members and declaration.
//   - [Engine.GetFileSymbols]: symbols defined in one file.
//   - [Engine.FindCallers], [Engine.FindCallees]: call sites, read from the
//     store and merged with results not yet committed.
//   - [Engine.GetDependencyClosure]: transitive includes or includers.
//
// Every query is safe during a refresh and returns the data merged so far.
// Before a project is active they return [ErrNoActiveProject].
package symcache
