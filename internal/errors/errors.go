// Package errors defines the error taxonomy shared by the store, the worker
// pool and the orchestrator.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies a failure by how the caller should react to it.
type Kind string

const (
	// KindExtraction is a per-file parser failure. Recoverable; partial facts
	// may still be merged.
	KindExtraction Kind = "extraction"
	// KindStoreBusy means the store stayed locked after all retries.
	KindStoreBusy Kind = "store_busy"
	// KindStoreCorrupt triggers repair, then rebuild.
	KindStoreCorrupt Kind = "store_corrupt"
	// KindSchemaMismatch triggers the centrally coordinated rebuild.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindMissingBuildArgs is recorded when fallback arguments were used.
	KindMissingBuildArgs Kind = "missing_build_args"
	// KindResourceExhausted covers disk full and worker launch failures.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindStoreWriteFailed is any other failed write. Nothing was committed.
	KindStoreWriteFailed Kind = "store_write_failed"
)

// Sentinels for errors.Is checks.
var (
	ErrExtraction        = &Error{Kind: KindExtraction}
	ErrStoreBusy         = &Error{Kind: KindStoreBusy}
	ErrStoreCorrupt      = &Error{Kind: KindStoreCorrupt}
	ErrSchemaMismatch    = &Error{Kind: KindSchemaMismatch}
	ErrMissingBuildArgs  = &Error{Kind: KindMissingBuildArgs}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrStoreWriteFailed  = &Error{Kind: KindStoreWriteFailed}
)

// Error carries the kind of failure together with the operation and file
// that produced it.
type Error struct {
	Kind        Kind
	Op          string
	Path        string
	Err         error
	Recoverable bool
	Timestamp   time.Time
}

// New creates an Error of the given kind. Extraction and busy errors are
// recoverable by default.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:        kind,
		Op:          op,
		Err:         err,
		Recoverable: kind == KindExtraction || kind == KindStoreBusy || kind == KindMissingBuildArgs,
		Timestamp:   time.Now(),
	}
}

// WithPath attaches the file the error relates to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithRecoverable overrides the default recoverability.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Op != "" && e.Path != "":
		msg = fmt.Sprintf("%s: %s %s", e.Kind, e.Op, e.Path)
	case e.Op != "":
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether err is a typed error marked recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Recoverable
	}
	return false
}
