package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	serrors "github.com/jward/symcache/internal/errors"
)

// CheckIntegrity runs SQLite's quick_check and FTS5's integrity-check
// against the content table. Returns a StoreCorrupt error on any problem.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return s.corrupt("quick check", err)
	}
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return s.corrupt("quick check", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return s.corrupt("quick check", err)
	}
	if len(problems) > 0 {
		return s.corrupt("quick check", errors.New(strings.Join(problems, "; ")))
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO symbols_fts(symbols_fts, rank) VALUES ('integrity-check', 1)"); err != nil {
		return s.corrupt("fts integrity check", err)
	}
	return nil
}

func (s *Store) corrupt(op string, err error) error {
	return serrors.New(serrors.KindStoreCorrupt, op, err).WithPath(s.path).WithRecoverable(false)
}

// Repair rebuilds the full-text index and all b-tree indexes, then checks
// again. If the store is still corrupt its schema is rebuilt, which drops
// all facts; they are re-derived from source by the next refresh. Returns
// true if the facts were dropped.
func (s *Store) Repair(ctx context.Context) (bool, error) {
	err := s.withRetry(ctx, "repair", func() error {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO symbols_fts(symbols_fts) VALUES ('rebuild')"); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, "REINDEX")
		return err
	})
	if err == nil {
		if err = s.CheckIntegrity(ctx); err == nil {
			s.logger.Info("store repaired", slog.String("path", s.path))
			return false, nil
		}
	}

	s.logger.Warn("repair failed, rebuilding store",
		slog.String("path", s.path),
		slog.String("error", err.Error()),
	)
	if err := s.Rebuild(ctx, "corruption: "+err.Error()); err != nil {
		return false, fmt.Errorf("rebuild after failed repair: %w", err)
	}
	return true, nil
}

// RemoveDatabaseFiles deletes the database file together with its WAL,
// shared-memory and lock sidecars. Used when the file cannot be opened as a
// database at all.
func RemoveDatabaseFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
