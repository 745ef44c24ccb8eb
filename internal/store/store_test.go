package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	serrors "github.com/jward/symcache/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlite3 "modernc.org/sqlite/lib"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSymbol(usr, name string, kind Kind, line int) Symbol {
	return Symbol{
		USR:           usr,
		Name:          name,
		QualifiedName: name,
		Kind:          kind,
		Line:          line,
		Column:        1,
		EndLine:       line + 2,
		IsDefinition:  true,
		IsProject:     true,
	}
}

// replaceFacts is a helper that commits facts for path and fails the test on error.
func replaceFacts(t *testing.T, s *Store, path string, syms []Symbol, includes []string, calls []CallSite) {
	t.Helper()
	ff := &FileFacts{
		Record:    FileRecord{Path: path, ContentHash: "h-" + path, ArgsHash: "a", LastExtracted: time.Now()},
		Symbols:   syms,
		Includes:  includes,
		CallSites: calls,
	}
	require.NoError(t, s.ReplaceFileFacts(context.Background(), ff))
}

func countRows(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(query, args...).Scan(&n))
	return n
}

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestOpen_AllTablesExist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, table := range []string{
		"metadata", "files", "symbols", "symbols_fts", "file_dependencies",
		"call_sites", "extraction_failures",
	} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestOpen_WALMode(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_StampsSchemaVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	v, err := s.GetMetadata(context.Background(), MetaSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	assert.False(t, s.Rebuilt())
}

func TestOpen_ReopenKeepsFacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	replaceFacts(t, s, "/p/a.cpp", []Symbol{testSymbol("c:@F@main#", "main", KindFunction, 1)}, nil, nil)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dbPath)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Rebuilt())
	sym, err := s.SymbolByUSR(ctx, "c:@F@main#")
	require.NoError(t, err)
	require.NotNil(t, sym)
	assert.Equal(t, "/p/a.cpp", sym.File)
}

func TestEnsureSchema_RebuildsExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	replaceFacts(t, s, "/p/a.cpp", []Symbol{testSymbol("c:@F@f#", "f", KindFunction, 1)}, []string{"/p/a.h"}, nil)
	require.NoError(t, s.SetMetadata(ctx, MetaSchemaVersion, "0"))
	require.NoError(t, s.Close())

	const openers = 8
	var (
		rebuilds atomic.Int32
		wg       sync.WaitGroup
		start    = make(chan struct{})
		stores   = make([]*Store, openers)
		errs     = make([]error, openers)
	)
	for i := range openers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			st, err := Open(ctx, dbPath)
			errs[i] = err
			stores[i] = st
			if err == nil && st.Rebuilt() {
				rebuilds.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	for i := range openers {
		require.NoError(t, errs[i])
		defer stores[i].Close()
	}
	assert.Equal(t, int32(1), rebuilds.Load())

	for i, st := range stores {
		v, err := st.GetMetadata(ctx, MetaSchemaVersion)
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, v, "opener %d", i)
	}
	count, err := stores[0].GetMetadata(ctx, MetaRebuildCount)
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	// The rebuilt store is empty and writable from every opener.
	assert.Equal(t, 0, countRows(t, stores[0], "SELECT COUNT(*) FROM symbols"))
	for i, st := range stores {
		replaceFacts(t, st, filepath.Join("/p", string(rune('a'+i))+".cpp"),
			[]Symbol{testSymbol("c:@F@g"+string(rune('a'+i))+"#", "g", KindFunction, 1)}, nil, nil)
	}
	assert.Equal(t, openers, countRows(t, stores[0], "SELECT COUNT(*) FROM symbols"))
	require.NoError(t, stores[0].CheckIntegrity(ctx))
}

func TestEnsureSchema_SkipSchemaCheckLeavesStaleStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, s.SetMetadata(ctx, MetaSchemaVersion, "0"))
	require.NoError(t, s.Close())

	w, err := Open(ctx, dbPath, WithSkipSchemaCheck())
	require.NoError(t, err)
	defer w.Close()
	assert.False(t, w.Rebuilt())
	v, err := w.GetMetadata(ctx, MetaSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

// =============================================================================
// File facts
// =============================================================================

func TestReplaceFileFacts_ReplacesWholesale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	replaceFacts(t, s, "/p/a.cpp",
		[]Symbol{
			testSymbol("c:@F@alpha#", "alpha", KindFunction, 1),
			testSymbol("c:@F@beta#", "beta", KindFunction, 5),
		},
		[]string{"/p/a.h", "/p/b.h"},
		[]CallSite{{CallerUSR: "c:@F@alpha#", CalleeUSR: "c:@F@beta#", Line: 2, Column: 3}},
	)
	replaceFacts(t, s, "/p/a.cpp",
		[]Symbol{testSymbol("c:@F@gamma#", "gamma", KindFunction, 1)},
		[]string{"/p/c.h"},
		nil,
	)

	syms, err := s.SymbolsByFile(ctx, "/p/a.cpp")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "gamma", syms[0].Name)

	edges, err := s.DependencyEdges(ctx, "/p/a.cpp")
	require.NoError(t, err)
	assert.Equal(t, []DependencyEdge{{Includer: "/p/a.cpp", Included: "/p/c.h", Depth: 1}}, edges)

	calls, err := s.CallSitesByFile(ctx, "/p/a.cpp")
	require.NoError(t, err)
	assert.Empty(t, calls)

	// FTS follows the symbol table through the triggers.
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM symbols_fts WHERE name LIKE '%alpha%'"))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM symbols_fts WHERE name LIKE '%gamma%'"))

	rec, err := s.FileRecord(ctx, "/p/a.cpp")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.SymbolCount)
}

func TestReplaceFileFacts_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	syms := []Symbol{testSymbol("c:@S@Util", "Util", KindClass, 3)}
	for range 3 {
		replaceFacts(t, s, "/p/util.h", syms, []string{"/p/base.h"}, nil)
	}
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM symbols"))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM file_dependencies"))

	sym, err := s.SymbolByUSR(ctx, "c:@S@Util")
	require.NoError(t, err)
	require.NotNil(t, sym)
	assert.Equal(t, "c:@S@Util", sym.USR)
}

func TestReplaceFileFacts_DefinitionWinsWithinFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	def := testSymbol("c:@F@f#", "f", KindFunction, 10)
	decl := testSymbol("c:@F@f#", "f", KindFunction, 1)
	decl.IsDefinition = false
	replaceFacts(t, s, "/p/a.cpp", []Symbol{def, decl}, nil, nil)

	rows, err := s.SymbolRowsByUSR(ctx, "c:@F@f#")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsDefinition)
	assert.Equal(t, 10, rows[0].Line)
}

func TestUpsertSymbols_DefinitionWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	sym := func(line int, def bool) Symbol {
		sy := testSymbol("c:@S@Util@F@get#", "get", KindMethod, line)
		sy.File = "/p/util.h"
		sy.IsDefinition = def
		return sy
	}
	require.NoError(t, s.UpsertSymbols(ctx, []Symbol{sym(10, false)}))
	require.NoError(t, s.UpsertSymbols(ctx, []Symbol{sym(20, true)}))
	// A later declaration of the same (usr, file) does not replace it.
	require.NoError(t, s.UpsertSymbols(ctx, []Symbol{sym(30, false)}))
	require.NoError(t, s.UpsertSymbols(ctx, nil))

	rows, err := s.SymbolRowsByUSR(ctx, "c:@S@Util@F@get#")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsDefinition)
	assert.Equal(t, 20, rows[0].Line)
}

func TestUpsertAndDeleteSymbols_KeepFullTextInSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	a := testSymbol("c:@F@getValue#", "getValue", KindFunction, 1)
	a.File = "/p/a.cpp"
	b := testSymbol("c:@F@getCount#", "getCount", KindFunction, 2)
	b.File = "/p/a.cpp"
	c := testSymbol("c:@F@getTotal#", "getTotal", KindFunction, 1)
	c.File = "/p/b.cpp"
	require.NoError(t, s.UpsertSymbols(ctx, []Symbol{a, b, c}))

	matches := func(term string) int {
		return countRows(t, s, "SELECT COUNT(*) FROM symbols_fts WHERE symbols_fts MATCH ?", term)
	}
	assert.Equal(t, 3, matches("get"))
	assert.Equal(t, 1, matches("Value"))

	// Renaming through an upsert replaces the indexed text.
	a.Name, a.QualifiedName = "getAmount", "getAmount"
	require.NoError(t, s.UpsertSymbols(ctx, []Symbol{a}))
	assert.Equal(t, 0, matches("Value"))
	assert.Equal(t, 1, matches("Amount"))
	require.NoError(t, s.CheckIntegrity(ctx))

	require.NoError(t, s.DeleteSymbolsByFile(ctx, "/p/a.cpp"))
	assert.Equal(t, 1, matches("get"))
	assert.Equal(t, 0, matches("Amount"))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM symbols"))
	require.NoError(t, s.CheckIntegrity(ctx))
}

func TestUpsertFileRecord_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.FileRecord(ctx, "/p/a.h")
	require.NoError(t, err)
	assert.Nil(t, rec)

	extracted := time.Unix(0, 1_700_000_000_123_456_789)
	want := FileRecord{
		Path:             "/p/a.h",
		ContentHash:      "c1",
		ArgsHash:         "a1",
		LastExtracted:    extracted,
		SymbolCount:      4,
		IsHeader:         true,
		UsedFallbackArgs: true,
	}
	require.NoError(t, s.UpsertFileRecord(ctx, want))
	rec, err = s.FileRecord(ctx, "/p/a.h")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, want.ContentHash, rec.ContentHash)
	assert.Equal(t, want.ArgsHash, rec.ArgsHash)
	assert.True(t, rec.LastExtracted.Equal(extracted))
	assert.Equal(t, 4, rec.SymbolCount)
	assert.True(t, rec.IsHeader)
	assert.True(t, rec.UsedFallbackArgs)

	want.ContentHash, want.IsHeader, want.UsedFallbackArgs = "c2", false, false
	require.NoError(t, s.UpsertFileRecord(ctx, want))
	rec, err = s.FileRecord(ctx, "/p/a.h")
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.ContentHash)
	assert.False(t, rec.IsHeader)
	assert.False(t, rec.UsedFallbackArgs)
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM files"))
}

func TestSymbolByUSR_PrefersDefinition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	decl := testSymbol("c:@S@Util@F@bar#", "bar", KindMethod, 4)
	decl.IsDefinition = false
	replaceFacts(t, s, "/p/a_util.h", []Symbol{decl}, nil, nil)
	replaceFacts(t, s, "/p/util.cpp", []Symbol{testSymbol("c:@S@Util@F@bar#", "bar", KindMethod, 20)}, nil, nil)

	sym, err := s.SymbolByUSR(ctx, "c:@S@Util@F@bar#")
	require.NoError(t, err)
	require.NotNil(t, sym)
	assert.Equal(t, "/p/util.cpp", sym.File)

	missing, err := s.SymbolByUSR(ctx, "c:@F@nope#")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteFile_RemovesEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	replaceFacts(t, s, "/p/f.cpp",
		[]Symbol{testSymbol("c:@F@f#", "f", KindFunction, 1)},
		[]string{"/p/f.h"},
		[]CallSite{{CallerUSR: "c:@F@f#", CalleeUSR: "c:@F@g#", Line: 2}},
	)
	replaceFacts(t, s, "/p/user.cpp", nil, []string{"/p/f.cpp"}, nil)
	require.NoError(t, s.RecordFailure(ctx, "/p/f.cpp", "old failure"))

	require.NoError(t, s.DeleteFile(ctx, "/p/f.cpp"))

	syms, err := s.SymbolsByFile(ctx, "/p/f.cpp")
	require.NoError(t, err)
	assert.Empty(t, syms)
	rec, err := s.FileRecord(ctx, "/p/f.cpp")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM file_dependencies WHERE includer = ? OR included = ?", "/p/f.cpp", "/p/f.cpp"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM call_sites WHERE file = ?", "/p/f.cpp"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM extraction_failures"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM symbols_fts WHERE name LIKE 'f'"))
}

func TestRecordFailure_LeavesRecordUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	replaceFacts(t, s, "/p/a.cpp", nil, nil, nil)
	require.NoError(t, s.RecordFailure(ctx, "/p/a.cpp", "parser crashed"))
	require.NoError(t, s.RecordFailure(ctx, "/p/a.cpp", "parser crashed again"))

	rec, err := s.FileRecord(ctx, "/p/a.cpp")
	require.NoError(t, err)
	assert.Equal(t, "h-/p/a.cpp", rec.ContentHash)

	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Attempts)
	assert.Equal(t, "parser crashed again", failures[0].Error)

	// A successful replace clears the failure.
	replaceFacts(t, s, "/p/a.cpp", nil, nil, nil)
	failures, err = s.Failures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestStreamSymbols_Batches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	var syms []Symbol
	for i := range 25 {
		syms = append(syms, testSymbol("c:@F@f"+string(rune('a'+i))+"#", "f", KindFunction, i+1))
	}
	replaceFacts(t, s, "/p/a.cpp", syms, nil, nil)

	var sizes []int
	total := 0
	err := s.StreamSymbols(ctx, 10, func(batch []*Symbol) error {
		sizes = append(sizes, len(batch))
		total += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Equal(t, 25, total)
}

// =============================================================================
// Dependency graph
// =============================================================================

func TestDependents_Transitive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	replaceFacts(t, s, "/p/a.cpp", nil, []string{"/p/h1.h"}, nil)
	replaceFacts(t, s, "/p/h1.h", nil, []string{"/p/h2.h"}, nil)
	replaceFacts(t, s, "/p/b.cpp", nil, []string{"/p/h2.h"}, nil)
	replaceFacts(t, s, "/p/c.cpp", nil, []string{"/p/other.h"}, nil)

	deps, err := s.Dependents(ctx, []string{"/p/h2.h"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/a.cpp", "/p/b.cpp", "/p/h1.h"}, deps)

	fwd, err := s.Dependencies(ctx, "/p/a.cpp")
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/h1.h", "/p/h2.h"}, fwd)
}

func TestDependents_CycleTerminates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	replaceFacts(t, s, "/p/x.h", nil, []string{"/p/y.h"}, nil)
	replaceFacts(t, s, "/p/y.h", nil, []string{"/p/x.h"}, nil)
	replaceFacts(t, s, "/p/m.cpp", nil, []string{"/p/x.h"}, nil)

	deps, err := s.Dependents(ctx, []string{"/p/y.h"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/m.cpp", "/p/x.h", "/p/y.h"}, deps)
}

func TestOrphanHeaders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for _, h := range []string{"/p/used.h", "/p/orphan.h"} {
		require.NoError(t, s.ReplaceFileFacts(ctx, &FileFacts{Record: FileRecord{Path: h, ContentHash: "x", IsHeader: true}}))
	}
	replaceFacts(t, s, "/p/a.cpp", nil, []string{"/p/used.h"}, nil)

	orphans, err := s.OrphanHeaders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/orphan.h"}, orphans)
}

// =============================================================================
// Call sites
// =============================================================================

func TestCallSites_Directions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	replaceFacts(t, s, "/p/a.cpp", nil, nil, []CallSite{
		{CallerUSR: "main", CalleeUSR: "foo", Line: 3, Column: 5},
		{CallerUSR: "main", CalleeUSR: "bar", Line: 4, Column: 5},
		{CallerUSR: "foo", CalleeUSR: "bar", Line: 9, Column: 2},
	})

	var callers []string
	require.NoError(t, s.CallSites(ctx, "bar", Incoming, func(cs CallSite) bool {
		callers = append(callers, cs.CallerUSR)
		return true
	}))
	assert.Equal(t, []string{"main", "foo"}, callers)

	var callees []string
	require.NoError(t, s.CallSites(ctx, "main", Outgoing, func(cs CallSite) bool {
		callees = append(callees, cs.CalleeUSR)
		return true
	}))
	assert.Equal(t, []string{"foo", "bar"}, callees)

	require.NoError(t, s.ReplaceCallSites(ctx, "/p/a.cpp", []CallSite{{CallerUSR: "main", CalleeUSR: "baz", Line: 1}}))
	sites, err := s.CallSitesByFile(ctx, "/p/a.cpp")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "baz", sites[0].CalleeUSR)
}

// =============================================================================
// Health, metadata, contention
// =============================================================================

func TestCheckIntegrity_HealthyStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	replaceFacts(t, s, "/p/a.cpp", []Symbol{testSymbol("c:@F@f#", "f", KindFunction, 1)}, nil, nil)

	require.NoError(t, s.CheckIntegrity(ctx))
	dropped, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM symbols"))
}

func TestOpen_ForeignKeysOn(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	var on int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&on))
	assert.Equal(t, 1, on)
}

func TestRepair_FixesDesyncedFullTextIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	replaceFacts(t, s, "/p/a.cpp", []Symbol{testSymbol("c:@F@getValue#", "getValue", KindFunction, 1)}, nil, nil)

	var id int64
	require.NoError(t, s.db.QueryRow("SELECT id FROM symbols WHERE usr = 'c:@F@getValue#'").Scan(&id))
	// Dropping the row from the full-text index alone leaves it out of step
	// with the content table.
	_, err := s.db.Exec(`INSERT INTO symbols_fts(symbols_fts, rowid, name, qualified_name)
		VALUES ('delete', ?, 'getValue', 'getValue')`, id)
	require.NoError(t, err)

	err = s.CheckIntegrity(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrStoreCorrupt)
	assert.True(t, IsCorrupt(err))

	dropped, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.False(t, dropped)
	require.NoError(t, s.CheckIntegrity(ctx))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM symbols_fts WHERE symbols_fts MATCH 'getValue'"))
}

func TestClassify_DiskFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	conn, err := s.db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var pages int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages))
	_, err = conn.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages))
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "INSERT INTO metadata (key, value) VALUES ('big', ?)", strings.Repeat("x", 1<<20))
	require.Error(t, err)
	assert.Equal(t, sqlite3.SQLITE_FULL, sqliteCode(err))

	cerr := classify("write", err)
	assert.ErrorIs(t, cerr, serrors.ErrStoreWriteFailed)
	assert.ErrorIs(t, cerr, serrors.ErrResourceExhausted)
	assert.Equal(t, serrors.KindStoreWriteFailed, serrors.KindOf(cerr))
}

func TestClassify_PassesThrough(t *testing.T) {
	t.Parallel()
	assert.NoError(t, classify("op", nil))
	assert.Equal(t, context.Canceled, classify("op", context.Canceled))
	assert.Equal(t, sql.ErrNoRows, classify("op", sql.ErrNoRows))
	typed := serrors.New(serrors.KindStoreBusy, "op", errors.New("busy"))
	assert.Same(t, typed, classify("other", typed))
}

func TestRebuild_EmptiesStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	replaceFacts(t, s, "/p/a.cpp", []Symbol{testSymbol("c:@F@f#", "f", KindFunction, 1)}, nil, nil)

	require.NoError(t, s.Rebuild(ctx, "test"))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
	reason, err := s.GetMetadata(ctx, MetaRebuildReason)
	require.NoError(t, err)
	assert.Contains(t, reason, "test")
}

func TestMetadata_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.GetMetadata(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMetadata(ctx, MetaFullRunMarker, "123"))
	require.NoError(t, s.SetMetadata(ctx, MetaFullRunMarker, "456"))
	v, err = s.GetMetadata(ctx, MetaFullRunMarker)
	require.NoError(t, err)
	assert.Equal(t, "456", v)

	require.NoError(t, s.DeleteMetadata(ctx, MetaFullRunMarker))
	v, err = s.GetMetadata(ctx, MetaFullRunMarker)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestWithRetry_SurfacesStoreBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	holder, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer holder.Close()

	s, err := Open(ctx, dbPath, WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)
	defer s.Close()

	tx, err := holder.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Exec("INSERT INTO metadata (key, value) VALUES ('held', '1')")
	require.NoError(t, err)

	err = s.SetMetadata(ctx, "k", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrStoreBusy)

	require.NoError(t, tx.Rollback())
	require.NoError(t, s.SetMetadata(ctx, "k", "v"))
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Millisecond, p.delay(0))
	assert.Equal(t, 8*time.Millisecond, p.delay(3))
	assert.Equal(t, 250*time.Millisecond, p.delay(15))
}
