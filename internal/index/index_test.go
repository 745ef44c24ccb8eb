package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jward/symcache/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sym(usr, name, qualified string, kind store.Kind, line int, def bool) store.Symbol {
	return store.Symbol{
		USR:           usr,
		Name:          name,
		QualifiedName: qualified,
		Kind:          kind,
		Line:          line,
		Column:        1,
		IsDefinition:  def,
		IsProject:     true,
	}
}

func TestReplaceFile_SwapsFileContents(t *testing.T) {
	x := New()
	x.ReplaceFile("a.cpp", []store.Symbol{
		sym("c:@F@foo#", "foo", "foo", store.KindFunction, 1, true),
		sym("c:@F@bar#", "bar", "bar", store.KindFunction, 5, true),
	})
	require.Equal(t, 2, x.Len())

	x.ReplaceFile("a.cpp", []store.Symbol{
		sym("c:@F@baz#", "baz", "baz", store.KindFunction, 2, true),
	})
	assert.Equal(t, 1, x.Len())
	_, ok := x.Lookup("c:@F@foo#")
	assert.False(t, ok)

	got, ok := x.Lookup("c:@F@baz#")
	require.True(t, ok)
	assert.Equal(t, "a.cpp", got.File)
}

func TestReplaceFile_ReusesSlots(t *testing.T) {
	x := New()
	for i := 0; i < 5; i++ {
		x.ReplaceFile("a.cpp", []store.Symbol{
			sym("c:@F@f#", "f", "f", store.KindFunction, i+1, true),
			sym("c:@F@g#", "g", "g", store.KindFunction, i+2, true),
		})
	}
	assert.Equal(t, 2, x.Len())
	assert.LessOrEqual(t, len(x.slots), 4)
}

func TestRemoveFile(t *testing.T) {
	x := New()
	x.ReplaceFile("a.cpp", []store.Symbol{sym("c:@F@foo#", "foo", "foo", store.KindFunction, 1, true)})
	x.ReplaceFile("b.cpp", []store.Symbol{sym("c:@F@bar#", "bar", "bar", store.KindFunction, 1, true)})

	x.RemoveFile("a.cpp")
	x.RemoveFile("missing.cpp")

	assert.Empty(t, x.FileSymbols("a.cpp"))
	assert.Len(t, x.FileSymbols("b.cpp"), 1)
	assert.Equal(t, 1, x.FileCount())
	assert.NotContains(t, x.Names(), "foo")
}

func TestLookup_PrefersDefinition(t *testing.T) {
	x := New()
	usr := "c:@S@Util"
	x.ReplaceFile("util.h", []store.Symbol{sym(usr, "Util", "Util", store.KindClass, 3, false)})
	x.ReplaceFile("util.cpp", []store.Symbol{sym(usr, "Util", "Util", store.KindClass, 7, true)})

	got, ok := x.Lookup(usr)
	require.True(t, ok)
	assert.Equal(t, "util.cpp", got.File)

	rows := x.Rows(usr)
	require.Len(t, rows, 2)
	assert.Equal(t, "util.h", rows[1].File)
}

func TestMembers(t *testing.T) {
	x := New()
	parent := sym("c:@S@Util", "Util", "Util", store.KindClass, 1, true)
	m1 := sym("c:@S@Util@F@a#", "a", "Util::a", store.KindMethod, 2, true)
	m1.ParentUSR = parent.USR
	m2 := sym("c:@S@Util@F@b#", "b", "Util::b", store.KindMethod, 3, true)
	m2.ParentUSR = parent.USR
	x.ReplaceFile("util.h", []store.Symbol{parent, m1, m2})

	members := x.Members(parent.USR)
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].Name)
	assert.Equal(t, "b", members[1].Name)
}

func TestSearch(t *testing.T) {
	x := New()
	x.ReplaceFile("app.h", []store.Symbol{
		sym("c:@N@app@S@Util", "Util", "app::Util", store.KindClass, 1, true),
		sym("c:@N@app@S@Util@F@bar#", "bar", "app::Util::bar", store.KindMethod, 2, true),
		sym("c:@N@app@S@UtilityBelt", "UtilityBelt", "app::UtilityBelt", store.KindStruct, 9, true),
	})
	x.ReplaceFile("other.h", []store.Symbol{
		sym("c:@N@other@F@Util#", "Util", "other::Util", store.KindFunction, 1, true),
	})

	tests := []struct {
		pattern string
		kinds   []store.Kind
		want    []string
	}{
		{"util", nil, []string{"app::Util", "other::Util"}},
		{"util", []store.Kind{store.KindClass}, []string{"app::Util"}},
		{"Util*", nil, []string{"app::Util", "other::Util", "app::UtilityBelt"}},
		{"*Belt", nil, []string{"app::UtilityBelt"}},
		{"app::Util", nil, []string{"app::Util"}},
		{"Util::bar", nil, []string{"app::Util::bar"}},
		{"U.*Belt", nil, []string{"app::UtilityBelt"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p, err := store.ParsePattern(tt.pattern)
			require.NoError(t, err)
			var got []string
			for _, s := range x.Search(p, tt.kinds) {
				got = append(got, s.QualifiedName)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestResults_AreCopies(t *testing.T) {
	x := New()
	x.ReplaceFile("a.cpp", []store.Symbol{sym("c:@F@foo#", "foo", "foo", store.KindFunction, 1, true)})

	got := x.FileSymbols("a.cpp")
	got[0].Name = "mutated"

	again, ok := x.Lookup("c:@F@foo#")
	require.True(t, ok)
	assert.Equal(t, "foo", again.Name)
}

func TestConcurrentReadersDuringReplace(t *testing.T) {
	x := New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			path := fmt.Sprintf("f%d.cpp", w)
			for i := 0; i < 200; i++ {
				x.ReplaceFile(path, []store.Symbol{
					sym(fmt.Sprintf("c:@F@f%d#", w), "f", "f", store.KindFunction, i+1, true),
					sym(fmt.Sprintf("c:@F@g%d#", w), "g", "g", store.KindFunction, i+2, true),
				})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, path := range []string{"f0.cpp", "f1.cpp"} {
					syms := x.FileSymbols(path)
					// a file is always seen whole
					assert.Contains(t, []int{0, 2}, len(syms))
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, x.Len())
}

func TestLoad_FromStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for i := 0; i < 7; i++ {
		path := fmt.Sprintf("f%d.cpp", i)
		require.NoError(t, s.ReplaceFileFacts(ctx, &store.FileFacts{
			Record: store.FileRecord{Path: path, ContentHash: "h", LastExtracted: time.Now()},
			Symbols: []store.Symbol{
				sym(fmt.Sprintf("c:@F@f%d#", i), fmt.Sprintf("f%d", i), fmt.Sprintf("f%d", i), store.KindFunction, 1, true),
			},
		}))
	}

	x := New()
	n, err := x.Load(ctx, s, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 7, x.Len())
	assert.Equal(t, 7, x.FileCount())

	got, ok := x.Lookup("c:@F@f4#")
	require.True(t, ok)
	assert.Equal(t, "f4.cpp", got.File)
}
