package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is stamped into the metadata table. Bump it whenever
// schemaDDL or the meaning of stored facts changes; stores carrying any
// other version are rebuilt on open.
const SchemaVersion = "3"

// Metadata keys.
const (
	MetaSchemaVersion       = "schema_version"
	MetaSettingsFingerprint = "settings_fingerprint"
	MetaBuildManifestHash   = "build_manifest_hash"
	MetaFullRunMarker       = "full_run_marker"
	MetaRebuildCount        = "rebuild_count"
	MetaRebuildReason       = "rebuild_reason"
	MetaLastRunID           = "last_run_id"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
  path               TEXT PRIMARY KEY,
  content_hash       TEXT NOT NULL,
  args_hash          TEXT NOT NULL DEFAULT '',
  last_extracted     INTEGER NOT NULL,
  symbol_count       INTEGER NOT NULL DEFAULT 0,
  is_header          INTEGER NOT NULL DEFAULT 0,
  used_fallback_args INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS symbols (
  id              INTEGER PRIMARY KEY,
  usr             TEXT NOT NULL,
  name            TEXT NOT NULL,
  qualified_name  TEXT NOT NULL,
  namespace       TEXT NOT NULL DEFAULT '',
  kind            TEXT NOT NULL,
  template_kind   TEXT NOT NULL DEFAULT 'none',
  file            TEXT NOT NULL,
  line            INTEGER NOT NULL DEFAULT 0,
  col             INTEGER NOT NULL DEFAULT 0,
  end_line        INTEGER NOT NULL DEFAULT 0,
  end_col         INTEGER NOT NULL DEFAULT 0,
  signature       TEXT NOT NULL DEFAULT '',
  parent_usr      TEXT NOT NULL DEFAULT '',
  base_classes    TEXT NOT NULL DEFAULT '[]',
  access          TEXT NOT NULL DEFAULT '',
  is_definition   INTEGER NOT NULL DEFAULT 0,
  is_project      INTEGER NOT NULL DEFAULT 1,
  is_virtual      INTEGER NOT NULL DEFAULT 0,
  is_static       INTEGER NOT NULL DEFAULT 0,
  is_const        INTEGER NOT NULL DEFAULT 0,
  doc             TEXT NOT NULL DEFAULT '',
  UNIQUE (usr, file)
);

CREATE VIRTUAL TABLE IF NOT EXISTS symbols_fts USING fts5(
  name,
  qualified_name,
  content='symbols',
  content_rowid='id',
  tokenize='trigram'
);

CREATE TRIGGER IF NOT EXISTS symbols_ai AFTER INSERT ON symbols BEGIN
  INSERT INTO symbols_fts(rowid, name, qualified_name)
  VALUES (new.id, new.name, new.qualified_name);
END;

CREATE TRIGGER IF NOT EXISTS symbols_ad AFTER DELETE ON symbols BEGIN
  INSERT INTO symbols_fts(symbols_fts, rowid, name, qualified_name)
  VALUES ('delete', old.id, old.name, old.qualified_name);
END;

CREATE TRIGGER IF NOT EXISTS symbols_au AFTER UPDATE ON symbols BEGIN
  INSERT INTO symbols_fts(symbols_fts, rowid, name, qualified_name)
  VALUES ('delete', old.id, old.name, old.qualified_name);
  INSERT INTO symbols_fts(rowid, name, qualified_name)
  VALUES (new.id, new.name, new.qualified_name);
END;

CREATE TABLE IF NOT EXISTS file_dependencies (
  includer        TEXT NOT NULL,
  included        TEXT NOT NULL,
  depth           INTEGER NOT NULL DEFAULT 1,
  detected_at     INTEGER NOT NULL,
  PRIMARY KEY (includer, included)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS call_sites (
  id              INTEGER PRIMARY KEY,
  caller_usr      TEXT NOT NULL,
  callee_usr      TEXT NOT NULL,
  file            TEXT NOT NULL,
  line            INTEGER NOT NULL DEFAULT 0,
  col             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS extraction_failures (
  path            TEXT PRIMARY KEY,
  error           TEXT NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 1,
  last_attempt    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_symbols_qualified ON symbols(qualified_name);
CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file);
CREATE INDEX IF NOT EXISTS idx_symbols_usr ON symbols(usr);
CREATE INDEX IF NOT EXISTS idx_symbols_parent ON symbols(parent_usr);
CREATE INDEX IF NOT EXISTS idx_file_deps_included ON file_dependencies(included);
CREATE INDEX IF NOT EXISTS idx_call_sites_caller ON call_sites(caller_usr);
CREATE INDEX IF NOT EXISTS idx_call_sites_callee ON call_sites(callee_usr);
CREATE INDEX IF NOT EXISTS idx_call_sites_file ON call_sites(file);
`

// EnsureSchema compares the stamped schema version with SchemaVersion.
//
// A fresh database gets the schema created. A stale one is rebuilt: the
// caller takes an exclusive lock on "<db>.lock", re-reads the version inside
// the lock, and only rebuilds if it is still stale, so among any number of
// concurrent openers exactly one rebuild happens. Returns true if this call
// performed the rebuild.
func (s *Store) EnsureSchema(ctx context.Context) (bool, error) {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return false, err
	}
	if version == SchemaVersion {
		return false, nil
	}

	lock, err := acquireLock(ctx, s.path+".lock")
	if err != nil {
		return false, fmt.Errorf("schema lock: %w", err)
	}
	defer lock.Release()

	version, err = s.schemaVersion(ctx)
	if err != nil {
		return false, err
	}
	if version == SchemaVersion {
		return false, nil
	}

	empty, err := s.isEmpty(ctx)
	if err != nil {
		return false, err
	}
	if empty {
		return false, s.createSchema(ctx)
	}

	reason := fmt.Sprintf("schema version %q, expected %q", version, SchemaVersion)
	if version == "" {
		reason = "schema version missing"
	}
	s.logger.Info("rebuilding store", slog.String("path", s.path), slog.String("reason", reason))
	if err := s.rebuild(ctx, reason); err != nil {
		return false, err
	}
	return true, nil
}

// Rebuild unconditionally drops and recreates the schema under the schema
// lock. All facts are lost; the next refresh sees every file as added.
func (s *Store) Rebuild(ctx context.Context, reason string) error {
	lock, err := acquireLock(ctx, s.path+".lock")
	if err != nil {
		return fmt.Errorf("schema lock: %w", err)
	}
	defer lock.Release()
	return s.rebuild(ctx, reason)
}

// schemaVersion returns "" when the metadata table or the key is missing.
func (s *Store) schemaVersion(ctx context.Context) (string, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metadata'",
	).Scan(&n)
	if err != nil {
		return "", classify("read schema version", err)
	}
	if n == 0 {
		return "", nil
	}
	var v string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", MetaSchemaVersion).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify("read schema version", err)
	}
	return v, nil
}

func (s *Store) isEmpty(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE name NOT LIKE 'sqlite_%'",
	).Scan(&n)
	if err != nil {
		return false, classify("inspect schema", err)
	}
	return n == 0, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	return s.withRetry(ctx, "create schema", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
			return err
		}
		if err := setMetadataTx(ctx, tx, MetaSchemaVersion, SchemaVersion); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) rebuild(ctx context.Context, reason string) error {
	return s.withRetry(ctx, "rebuild schema", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		count := previousRebuildCount(ctx, tx)
		if err := dropAllTx(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
			return err
		}
		for k, v := range map[string]string{
			MetaSchemaVersion: SchemaVersion,
			MetaRebuildCount:  strconv.Itoa(count + 1),
			MetaRebuildReason: reason + " at " + time.Now().UTC().Format(time.RFC3339),
		} {
			if err := setMetadataTx(ctx, tx, k, v); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func previousRebuildCount(ctx context.Context, tx *sql.Tx) int {
	var v string
	err := tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", MetaRebuildCount).Scan(&v)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

// dropAllTx removes every trigger, virtual table and table. Virtual tables
// go first so their shadow tables disappear with them.
func dropAllTx(ctx context.Context, tx *sql.Tx) error {
	list := func(query string) ([]string, error) {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			names = append(names, name)
		}
		return names, rows.Err()
	}

	steps := []struct {
		query string
		drop  string
	}{
		{"SELECT name FROM sqlite_master WHERE type = 'trigger'", "DROP TRIGGER IF EXISTS "},
		{"SELECT name FROM sqlite_master WHERE type = 'view'", "DROP VIEW IF EXISTS "},
		{"SELECT name FROM sqlite_master WHERE type = 'table' AND sql LIKE 'CREATE VIRTUAL TABLE%'", "DROP TABLE IF EXISTS "},
		{"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'", "DROP TABLE IF EXISTS "},
	}
	for _, step := range steps {
		names, err := list(step.query)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, err := tx.ExecContext(ctx, step.drop+quoteIdent(name)); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
