package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jward/symcache/internal/extract"
)

// ParserFactory builds the parser a worker uses for the project in hello.
type ParserFactory func(Hello) (extract.Parser, error)

// TreeSitterFactory is the ParserFactory used by the worker subcommand.
func TreeSitterFactory(h Hello) (extract.Parser, error) {
	return extract.NewTreeSitter(extract.Options{
		ProjectRoot:       h.ProjectRoot,
		IndexDependencies: h.IndexDependencies,
	})
}

// Serve is the worker side of the protocol. It reads the hello, answers
// ready, then serves extract requests until r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, newParser ParserFactory) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	var first Message
	if err := dec.Decode(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read hello: %w", err)
	}
	if first.Type != TypeHello || first.Hello == nil {
		return fmt.Errorf("expected hello, got %q", first.Type)
	}
	// Workers never open the store, so they cannot honor a request to
	// check its schema.
	if !first.Hello.SkipSchemaCheck {
		return errors.New("hello without skip_schema_check: workers do not open the store")
	}
	parser, err := newParser(*first.Hello)
	if err != nil {
		return fmt.Errorf("create parser: %w", err)
	}
	if err := enc.Encode(&Message{Type: TypeReady, Ready: &Ready{PID: os.Getpid()}}); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}

	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if m.Type != TypeExtract || m.Request == nil {
			continue
		}
		res := handle(ctx, parser, m.Request)
		if err := enc.Encode(&Message{Type: TypeResult, Result: res}); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
}

func handle(ctx context.Context, parser extract.Parser, req *Request) (res *Result) {
	res = &Result{ID: req.ID, Path: req.Path}
	defer func() {
		if r := recover(); r != nil {
			res.Facts = nil
			res.Error = fmt.Sprintf("parser panic: %v", r)
		}
	}()
	facts, err := parser.Extract(ctx, req.Path, req.Args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Facts = facts
	return res
}
