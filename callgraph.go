package symcache

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/jward/symcache/internal/store"
)

// FindCallers returns the call sites calling usr.
func (e *Engine) FindCallers(ctx context.Context, usr string) ([]CallSite, error) {
	return e.callSites(ctx, usr, store.Incoming)
}

// FindCallees returns the call sites inside usr.
func (e *Engine) FindCallees(ctx context.Context, usr string) ([]CallSite, error) {
	return e.callSites(ctx, usr, store.Outgoing)
}

// callSites reads committed call sites from the store and merges the ones
// received in the current run but not yet committed. Committed rows of a
// pending file are skipped, so each file contributes exactly one version.
// Nothing is cached in memory between calls.
func (e *Engine) callSites(ctx context.Context, usr string, d store.Direction) ([]CallSite, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	pendingFiles, out := ap.pending.Lookup(usr, d)
	err = ap.store.CallSites(ctx, usr, d, func(cs store.CallSite) bool {
		if !pendingFiles[cs.File] {
			out = append(out, cs)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("symcache: call sites: %w", err)
	}
	slices.SortFunc(out, func(a, b CallSite) int {
		return cmp.Or(
			cmp.Compare(a.File, b.File),
			cmp.Compare(a.Line, b.Line),
			cmp.Compare(a.Column, b.Column),
			cmp.Compare(a.CallerUSR, b.CallerUSR),
			cmp.Compare(a.CalleeUSR, b.CalleeUSR),
		)
	})
	return out, nil
}
