package store

import (
	"context"
	"database/sql"
	"fmt"
)

func insertCallSitesTx(ctx context.Context, tx *sql.Tx, path string, sites []CallSite) error {
	if len(sites) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO call_sites (caller_usr, callee_usr, file, line, col) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare call site insert: %w", err)
	}
	defer stmt.Close()
	for _, cs := range sites {
		if _, err := stmt.ExecContext(ctx, cs.CallerUSR, cs.CalleeUSR, path, cs.Line, cs.Column); err != nil {
			return fmt.Errorf("insert call site %s -> %s: %w", cs.CallerUSR, cs.CalleeUSR, err)
		}
	}
	return nil
}

// ReplaceCallSites atomically replaces all call sites recorded for path.
func (s *Store) ReplaceCallSites(ctx context.Context, path string, sites []CallSite) error {
	return s.withRetry(ctx, "replace call sites "+path, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, "DELETE FROM call_sites WHERE file = ?", path); err != nil {
			return fmt.Errorf("delete call sites: %w", err)
		}
		if err := insertCallSitesTx(ctx, tx, path, sites); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CallSites streams the call sites that reach usr (Incoming) or leave it
// (Outgoing), ordered by location. fn returning false stops the scan.
func (s *Store) CallSites(ctx context.Context, usr string, d Direction, fn func(CallSite) bool) error {
	column := "callee_usr"
	if d == Outgoing {
		column = "caller_usr"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT caller_usr, callee_usr, file, line, col FROM call_sites WHERE "+column+" = ? ORDER BY file, line, col",
		usr)
	if err != nil {
		return fmt.Errorf("call sites: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cs CallSite
		if err := rows.Scan(&cs.CallerUSR, &cs.CalleeUSR, &cs.File, &cs.Line, &cs.Column); err != nil {
			return fmt.Errorf("scan call site: %w", err)
		}
		if !fn(cs) {
			return nil
		}
	}
	return rows.Err()
}

// CallSitesByFile returns the call sites recorded for path.
func (s *Store) CallSitesByFile(ctx context.Context, path string) ([]CallSite, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT caller_usr, callee_usr, file, line, col FROM call_sites WHERE file = ? ORDER BY line, col", path)
	if err != nil {
		return nil, fmt.Errorf("call sites by file: %w", err)
	}
	defer rows.Close()
	var out []CallSite
	for rows.Next() {
		var cs CallSite
		if err := rows.Scan(&cs.CallerUSR, &cs.CalleeUSR, &cs.File, &cs.Line, &cs.Column); err != nil {
			return nil, fmt.Errorf("scan call site: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
