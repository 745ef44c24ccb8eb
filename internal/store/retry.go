package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	serrors "github.com/jward/symcache/internal/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy bounds how long a write keeps retrying while the database is
// locked by another connection or process.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries 20 times starting at 1ms, doubling up to 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 20,
		BaseDelay:   time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << min(attempt, 10)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// withRetry runs fn until it succeeds, fails with a non-busy error, or the
// policy is exhausted. fn must be a complete unit of work (its own
// transaction) so that retrying it is safe.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := max(s.retry.MaxAttempts, 1)
	var err error
	for attempt := range attempts {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return classify(op, err)
		}
		if attempt == attempts-1 {
			break
		}
		s.logger.Debug("store busy, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
		)
		t := time.NewTimer(s.retry.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return serrors.New(serrors.KindStoreBusy, op, err)
}

// sqliteCode returns the primary SQLite result code of err, or 0.
func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

func isBusy(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// IsCorrupt reports whether err means the database file is damaged.
func IsCorrupt(err error) bool {
	if errors.Is(err, serrors.ErrStoreCorrupt) {
		return true
	}
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}

// classify maps a SQLite failure onto the error taxonomy. Errors that are
// already typed, context errors and sql.ErrNoRows pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *serrors.Error
	if errors.As(err, &typed) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	switch sqliteCode(err) {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return serrors.New(serrors.KindStoreBusy, op, err)
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return serrors.New(serrors.KindStoreCorrupt, op, err).WithRecoverable(false)
	case sqlite3.SQLITE_FULL:
		full := serrors.New(serrors.KindResourceExhausted, "disk full", err)
		return serrors.New(serrors.KindStoreWriteFailed, op, full)
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_READONLY:
		return serrors.New(serrors.KindStoreWriteFailed, op, err)
	}
	return serrors.New(serrors.KindStoreWriteFailed, op, err)
}
