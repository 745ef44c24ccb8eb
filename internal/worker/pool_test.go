package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jward/symcache/internal/buildargs"
	serrors "github.com/jward/symcache/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobsFor(names ...string) []Job {
	jobs := make([]Job, len(names))
	for i, n := range names {
		jobs[i] = Job{Path: "/src/" + n, Args: buildargs.Args{List: []string{"-DX"}, Hash: "h"}}
	}
	return jobs
}

func collect(t *testing.T, b *Batch) map[string]Outcome {
	t.Helper()
	out := make(map[string]Outcome)
	for o := range b.Results() {
		out[o.Job.Path] = o
	}
	require.NoError(t, b.Wait())
	return out
}

func TestServe_Protocol(t *testing.T) {
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	require.NoError(t, enc.Encode(&Message{Type: TypeHello, Hello: &Hello{SkipSchemaCheck: true, ProjectRoot: "/src"}}))
	require.NoError(t, enc.Encode(&Message{Type: TypeExtract, Request: &Request{ID: 1, Path: "/src/a.cpp", Args: []string{"-I."}}}))
	require.NoError(t, enc.Encode(&Message{Type: TypeExtract, Request: &Request{ID: 2, Path: "/src/fail.cpp"}}))

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), &in, &out, stubFactory))

	dec := json.NewDecoder(&out)
	var msgs []Message
	for {
		var m Message
		if err := dec.Decode(&m); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, TypeReady, msgs[0].Type)

	require.NotNil(t, msgs[1].Result)
	assert.Equal(t, uint64(1), msgs[1].Result.ID)
	require.NotNil(t, msgs[1].Result.Facts)
	assert.Equal(t, []string{"-I."}, msgs[1].Result.Facts.Diagnostics)

	require.NotNil(t, msgs[2].Result)
	assert.Equal(t, uint64(2), msgs[2].Result.ID)
	assert.Equal(t, "boom", msgs[2].Result.Error)
	assert.Nil(t, msgs[2].Result.Facts)
}

func TestServe_RequiresHello(t *testing.T) {
	in := bytes.NewBufferString(`{"type":"extract","request":{"id":1,"path":"a.cpp"}}` + "\n")
	err := Serve(context.Background(), in, io.Discard, stubFactory)
	require.Error(t, err)
}

func TestServe_RequiresSkipSchemaCheck(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, json.NewEncoder(&in).Encode(&Message{Type: TypeHello, Hello: &Hello{ProjectRoot: "/src"}}))
	var out bytes.Buffer
	err := Serve(context.Background(), &in, &out, stubFactory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip_schema_check")
	assert.Empty(t, out.String(), "no ready is sent")
}

func TestServe_EmptyInput(t *testing.T) {
	require.NoError(t, Serve(context.Background(), &bytes.Buffer{}, io.Discard, stubFactory))
}

func TestPool_InProcess(t *testing.T) {
	var names []string
	for i := 0; i < 20; i++ {
		names = append(names, fmt.Sprintf("f%d.cpp", i))
	}
	p := NewPool(&PipeLauncher{NewParser: stubFactory}, Config{Workers: 4})
	b, err := p.Run(context.Background(), jobsFor(names...))
	require.NoError(t, err)
	assert.Equal(t, 4, b.Workers())

	got := collect(t, b)
	require.Len(t, got, 20)
	for path, o := range got {
		require.NoError(t, o.Err, path)
		require.NotNil(t, o.Facts)
		assert.Equal(t, path, o.Facts.Files[0].Path)
		assert.Equal(t, []string{"-DX"}, o.Facts.Diagnostics)
	}
}

func TestPool_FailuresArePerFile(t *testing.T) {
	p := NewPool(&PipeLauncher{NewParser: stubFactory}, Config{Workers: 2})
	b, err := p.Run(context.Background(), jobsFor("a.cpp", "fail.cpp", "crash.cpp", "b.cpp"))
	require.NoError(t, err)

	got := collect(t, b)
	require.Len(t, got, 4)
	assert.NotNil(t, got["/src/a.cpp"].Facts)
	assert.NotNil(t, got["/src/b.cpp"].Facts)

	for _, path := range []string{"/src/fail.cpp", "/src/crash.cpp"} {
		o := got[path]
		require.Error(t, o.Err, path)
		assert.ErrorIs(t, o.Err, serrors.ErrExtraction)
		assert.True(t, serrors.IsRecoverable(o.Err))
	}
	assert.Contains(t, got["/src/crash.cpp"].Err.Error(), "parser panic")
}

func TestPool_ProcessWorkers(t *testing.T) {
	p := NewPool(selfLauncher(), Config{Workers: 2})
	b, err := p.Run(context.Background(), jobsFor("a.cpp", "b.cpp", "c.cpp", "d.cpp", "e.cpp"))
	require.NoError(t, err)

	got := collect(t, b)
	require.Len(t, got, 5)
	for path, o := range got {
		require.NoError(t, o.Err, path)
		assert.Equal(t, path, o.Facts.Files[0].Path)
	}
}

func TestPool_CrashedWorkerIsReplaced(t *testing.T) {
	p := NewPool(selfLauncher(), Config{Workers: 1})
	b, err := p.Run(context.Background(), jobsFor("a.cpp", "crash.cpp", "b.cpp", "c.cpp"))
	require.NoError(t, err)

	got := collect(t, b)
	require.Len(t, got, 4)
	crash := got["/src/crash.cpp"]
	require.Error(t, crash.Err)
	assert.ErrorIs(t, crash.Err, serrors.ErrExtraction)
	assert.Contains(t, crash.Err.Error(), "worker exited")
	for _, path := range []string{"/src/a.cpp", "/src/b.cpp", "/src/c.cpp"} {
		assert.NoError(t, got[path].Err, path)
	}
}

func TestPool_RequestTimeout(t *testing.T) {
	p := NewPool(selfLauncher(), Config{Workers: 1, RequestTimeout: 300 * time.Millisecond})
	b, err := p.Run(context.Background(), jobsFor("hang.cpp", "a.cpp"))
	require.NoError(t, err)

	got := collect(t, b)
	require.Len(t, got, 2)
	require.Error(t, got["/src/hang.cpp"].Err)
	assert.Contains(t, got["/src/hang.cpp"].Err.Error(), "timed out")
	assert.NoError(t, got["/src/a.cpp"].Err)
}

func TestPool_CancelStopsDispatch(t *testing.T) {
	var names []string
	for i := 0; i < 50; i++ {
		names = append(names, fmt.Sprintf("slow%d.cpp", i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(&PipeLauncher{NewParser: stubFactory}, Config{Workers: 2, Grace: time.Second})
	b, err := p.Run(ctx, jobsFor(names...))
	require.NoError(t, err)

	n := 0
	for o := range b.Results() {
		// files in flight at cancellation finish within the grace period
		assert.NoError(t, o.Err)
		n++
		if n == 1 {
			cancel()
		}
	}
	require.NoError(t, b.Wait())
	assert.Less(t, n, 50)
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context) (Conn, error) {
	return nil, errors.New("too many open files")
}

func TestPool_LaunchFailure(t *testing.T) {
	p := NewPool(failingLauncher{}, Config{Workers: 2})
	_, err := p.Run(context.Background(), jobsFor("a.cpp"))
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrResourceExhausted)
}

func TestPool_NoJobs(t *testing.T) {
	p := NewPool(failingLauncher{}, Config{})
	b, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, collect(t, b))
}

func TestNewPool_Sizing(t *testing.T) {
	d := DefaultWorkers()
	assert.GreaterOrEqual(t, d, 1)
	assert.LessOrEqual(t, d, 8)

	assert.Equal(t, MaxWorkers, NewPool(failingLauncher{}, Config{Workers: 1000}).Workers())
	assert.Equal(t, d, NewPool(failingLauncher{}, Config{}).Workers())
}
