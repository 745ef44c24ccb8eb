package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Symbol operations ---

// SymbolCols is the column list scanned by scanSymbol.
const SymbolCols = `id, usr, name, qualified_name, namespace, kind, template_kind, file,
	line, col, end_line, end_col, signature, parent_usr, base_classes, access,
	is_definition, is_project, is_virtual, is_static, is_const, doc`

// preferredOrder sorts the rows of one USR so that a definition wins over a
// declaration, then the lowest path wins.
const preferredOrder = "is_definition DESC, file ASC, id ASC"

// insertSymbolTx inserts sym, or updates the existing (usr, file) row when
// the new row is at least as much of a definition as the stored one.
func insertSymbolTx(ctx context.Context, tx *sql.Tx, sym *Symbol) error {
	tk := sym.TemplateKind
	if tk == "" {
		tk = TemplateNone
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO symbols (usr, name, qualified_name, namespace, kind, template_kind, file,
			line, col, end_line, end_col, signature, parent_usr, base_classes, access,
			is_definition, is_project, is_virtual, is_static, is_const, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(usr, file) DO UPDATE SET
			name = excluded.name, qualified_name = excluded.qualified_name,
			namespace = excluded.namespace, kind = excluded.kind,
			template_kind = excluded.template_kind, line = excluded.line, col = excluded.col,
			end_line = excluded.end_line, end_col = excluded.end_col,
			signature = excluded.signature, parent_usr = excluded.parent_usr,
			base_classes = excluded.base_classes, access = excluded.access,
			is_definition = excluded.is_definition, is_project = excluded.is_project,
			is_virtual = excluded.is_virtual, is_static = excluded.is_static,
			is_const = excluded.is_const, doc = excluded.doc
		 WHERE excluded.is_definition >= symbols.is_definition`,
		sym.USR, sym.Name, sym.QualifiedName, sym.Namespace, string(sym.Kind), string(tk), sym.File,
		sym.Line, sym.Column, sym.EndLine, sym.EndColumn, sym.Signature, sym.ParentUSR,
		marshalStrings(sym.BaseClasses), string(sym.Access),
		boolInt(sym.IsDefinition), boolInt(sym.IsProject), boolInt(sym.IsVirtual),
		boolInt(sym.IsStatic), boolInt(sym.IsConst), sym.Doc,
	)
	if err != nil {
		return fmt.Errorf("insert symbol %q: %w", sym.USR, err)
	}
	return nil
}

// UpsertSymbols writes a batch of symbols in one transaction.
func (s *Store) UpsertSymbols(ctx context.Context, syms []Symbol) error {
	if len(syms) == 0 {
		return nil
	}
	return s.withRetry(ctx, "upsert symbols", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for i := range syms {
			if err := insertSymbolTx(ctx, tx, &syms[i]); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// DeleteSymbolsByFile removes every symbol row owned by path.
func (s *Store) DeleteSymbolsByFile(ctx context.Context, path string) error {
	return s.withRetry(ctx, "delete symbols "+path, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM symbols WHERE file = ?", path)
		return err
	})
}

func (s *Store) scanSymbol(scanner interface{ Scan(...any) error }) (*Symbol, error) {
	sym := &Symbol{}
	var kind, tk, access, bases string
	var isDef, isProj, isVirt, isStatic, isConst int
	err := scanner.Scan(&sym.ID, &sym.USR, &sym.Name, &sym.QualifiedName, &sym.Namespace,
		&kind, &tk, &sym.File, &sym.Line, &sym.Column, &sym.EndLine, &sym.EndColumn,
		&sym.Signature, &sym.ParentUSR, &bases, &access,
		&isDef, &isProj, &isVirt, &isStatic, &isConst, &sym.Doc)
	if err != nil {
		return nil, err
	}
	sym.Kind = Kind(kind)
	sym.TemplateKind = TemplateKind(tk)
	sym.Access = Access(access)
	sym.BaseClasses = unmarshalStrings(bases)
	sym.IsDefinition = isDef != 0
	sym.IsProject = isProj != 0
	sym.IsVirtual = isVirt != 0
	sym.IsStatic = isStatic != 0
	sym.IsConst = isConst != 0
	return sym, nil
}

func (s *Store) querySymbols(ctx context.Context, query string, args ...any) ([]*Symbol, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var syms []*Symbol
	for rows.Next() {
		sym, err := s.scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		syms = append(syms, sym)
	}
	return syms, rows.Err()
}

// SymbolsByFile returns the symbols owned by path, in source order.
func (s *Store) SymbolsByFile(ctx context.Context, path string) ([]*Symbol, error) {
	syms, err := s.querySymbols(ctx,
		"SELECT "+SymbolCols+" FROM symbols WHERE file = ? ORDER BY line, col, id", path)
	if err != nil {
		return nil, fmt.Errorf("symbols by file: %w", err)
	}
	return syms, nil
}

// SymbolRowsByUSR returns every stored row of usr, preferred row first.
func (s *Store) SymbolRowsByUSR(ctx context.Context, usr string) ([]*Symbol, error) {
	syms, err := s.querySymbols(ctx,
		"SELECT "+SymbolCols+" FROM symbols WHERE usr = ? ORDER BY "+preferredOrder, usr)
	if err != nil {
		return nil, fmt.Errorf("symbols by usr: %w", err)
	}
	return syms, nil
}

// SymbolByUSR returns the preferred row of usr (definition wins, then lowest
// path), or nil if the symbol is unknown.
func (s *Store) SymbolByUSR(ctx context.Context, usr string) (*Symbol, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+SymbolCols+" FROM symbols WHERE usr = ? ORDER BY "+preferredOrder+" LIMIT 1", usr)
	sym, err := s.scanSymbol(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("symbol by usr: %w", err)
	}
	return sym, nil
}

// SymbolsByParent returns the member rows whose parent is usr.
func (s *Store) SymbolsByParent(ctx context.Context, usr string) ([]*Symbol, error) {
	syms, err := s.querySymbols(ctx,
		"SELECT "+SymbolCols+" FROM symbols WHERE parent_usr = ? ORDER BY file, line, id", usr)
	if err != nil {
		return nil, fmt.Errorf("symbols by parent: %w", err)
	}
	return syms, nil
}

// StreamSymbols hands every symbol row to fn in batches of at most
// batchSize, paging by row id so the full table is never materialized.
func (s *Store) StreamSymbols(ctx context.Context, batchSize int, fn func([]*Symbol) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var lastID int64
	for {
		batch, err := s.querySymbols(ctx,
			"SELECT "+SymbolCols+" FROM symbols WHERE id > ? ORDER BY id LIMIT ?", lastID, batchSize)
		if err != nil {
			return fmt.Errorf("stream symbols: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

// --- File record operations ---

const fileCols = "path, content_hash, args_hash, last_extracted, symbol_count, is_header, used_fallback_args"

func upsertFileRecordTx(ctx context.Context, tx *sql.Tx, rec *FileRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO files (`+fileCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash, args_hash = excluded.args_hash,
			last_extracted = excluded.last_extracted, symbol_count = excluded.symbol_count,
			is_header = excluded.is_header, used_fallback_args = excluded.used_fallback_args`,
		rec.Path, rec.ContentHash, rec.ArgsHash, unixNanos(rec.LastExtracted), rec.SymbolCount,
		boolInt(rec.IsHeader), boolInt(rec.UsedFallbackArgs),
	)
	if err != nil {
		return fmt.Errorf("upsert file record %s: %w", rec.Path, err)
	}
	return nil
}

// UpsertFileRecord inserts or replaces the record for rec.Path.
func (s *Store) UpsertFileRecord(ctx context.Context, rec FileRecord) error {
	return s.withRetry(ctx, "upsert file record "+rec.Path, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := upsertFileRecordTx(ctx, tx, &rec); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanFileRecord(scanner interface{ Scan(...any) error }) (*FileRecord, error) {
	rec := &FileRecord{}
	var last int64
	var isHeader, fallback int
	if err := scanner.Scan(&rec.Path, &rec.ContentHash, &rec.ArgsHash, &last,
		&rec.SymbolCount, &isHeader, &fallback); err != nil {
		return nil, err
	}
	rec.LastExtracted = fromUnixNanos(last)
	rec.IsHeader = isHeader != 0
	rec.UsedFallbackArgs = fallback != 0
	return rec, nil
}

// FileRecord returns the record for path, or nil if the file is unknown.
func (s *Store) FileRecord(ctx context.Context, path string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileCols+" FROM files WHERE path = ?", path)
	rec, err := scanFileRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file record: %w", err)
	}
	return rec, nil
}

// FileRecords returns every known file keyed by path.
func (s *Store) FileRecords(ctx context.Context) (map[string]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+fileCols+" FROM files")
	if err != nil {
		return nil, fmt.Errorf("file records: %w", err)
	}
	defer rows.Close()
	recs := make(map[string]*FileRecord)
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		recs[rec.Path] = rec
	}
	return recs, rows.Err()
}

// --- Extraction failures ---

// RecordFailure notes a failed extraction of path. The file record, and
// with it the stored content hash, is left untouched so the file is picked
// up again by the next change scan.
func (s *Store) RecordFailure(ctx context.Context, path, msg string) error {
	return s.withRetry(ctx, "record failure "+path, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO extraction_failures (path, error, attempts, last_attempt) VALUES (?, ?, 1, ?)
			 ON CONFLICT(path) DO UPDATE SET error = excluded.error,
				attempts = extraction_failures.attempts + 1, last_attempt = excluded.last_attempt`,
			path, msg, time.Now().UnixNano(),
		)
		return err
	})
}

// Failures returns all recorded extraction failures ordered by path.
func (s *Store) Failures(ctx context.Context) ([]ExtractionFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, error, attempts, last_attempt FROM extraction_failures ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("failures: %w", err)
	}
	defer rows.Close()
	var out []ExtractionFailure
	for rows.Next() {
		var f ExtractionFailure
		var last int64
		if err := rows.Scan(&f.Path, &f.Error, &f.Attempts, &last); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.LastAttempt = fromUnixNanos(last)
		out = append(out, f)
	}
	return out, rows.Err()
}
