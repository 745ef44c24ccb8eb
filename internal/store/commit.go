package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReplaceFileFacts swaps in the complete fact set of one file within a
// single transaction. Old symbols, include edges and call sites owned by
// the file are deleted and the new ones inserted, the file record is
// upserted and any recorded failure cleared. Readers see either the old or
// the new version of the file, never a mix.
//
// Insert order:
//  1. Delete old symbols / edges / call sites (FTS rows follow via triggers)
//  2. Symbols
//  3. Include edges
//  4. Call sites
//  5. File record, failure row
func (s *Store) ReplaceFileFacts(ctx context.Context, ff *FileFacts) error {
	path := ff.Record.Path
	if path == "" {
		return fmt.Errorf("replace file facts: empty path")
	}
	return s.withRetry(ctx, "replace file facts "+path, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := deleteFileFactsTx(ctx, tx, path); err != nil {
			return err
		}

		for i := range ff.Symbols {
			sym := ff.Symbols[i]
			sym.File = path
			if err := insertSymbolTx(ctx, tx, &sym); err != nil {
				return err
			}
		}

		now := time.Now().UnixNano()
		for _, inc := range ff.Includes {
			if inc == path {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_dependencies (includer, included, depth, detected_at)
				 VALUES (?, ?, 1, ?) ON CONFLICT(includer, included) DO NOTHING`,
				path, inc, now,
			); err != nil {
				return fmt.Errorf("insert edge %s -> %s: %w", path, inc, err)
			}
		}

		if err := insertCallSitesTx(ctx, tx, path, ff.CallSites); err != nil {
			return err
		}

		rec := ff.Record
		rec.SymbolCount = len(ff.Symbols)
		if rec.LastExtracted.IsZero() {
			rec.LastExtracted = time.Now()
		}
		if err := upsertFileRecordTx(ctx, tx, &rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM extraction_failures WHERE path = ?", path); err != nil {
			return fmt.Errorf("clear failure: %w", err)
		}
		return tx.Commit()
	})
}

// DeleteFile removes every trace of path (symbols, outgoing and incoming
// include edges, call sites, file record, failure row) in one transaction.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	return s.withRetry(ctx, "delete file "+path, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := deleteFileFactsTx(ctx, tx, path); err != nil {
			return err
		}
		for _, q := range []string{
			"DELETE FROM file_dependencies WHERE included = ?",
			"DELETE FROM files WHERE path = ?",
			"DELETE FROM extraction_failures WHERE path = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, path); err != nil {
				return fmt.Errorf("delete file %s: %w", path, err)
			}
		}
		return tx.Commit()
	})
}

// deleteFileFactsTx deletes what a re-extraction of path replaces.
func deleteFileFactsTx(ctx context.Context, tx *sql.Tx, path string) error {
	for _, q := range []string{
		"DELETE FROM symbols WHERE file = ?",
		"DELETE FROM file_dependencies WHERE includer = ?",
		"DELETE FROM call_sites WHERE file = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, path); err != nil {
			return fmt.Errorf("delete old facts for %s: %w", path, err)
		}
	}
	return nil
}

// OrphanHeaders returns headers that no remaining file includes.
func (s *Store) OrphanHeaders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.path FROM files f
		 WHERE f.is_header = 1
		   AND NOT EXISTS (SELECT 1 FROM file_dependencies d WHERE d.included = f.path)
		 ORDER BY f.path`)
	if err != nil {
		return nil, fmt.Errorf("orphan headers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan orphan header: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
