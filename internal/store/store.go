package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed durable cache for one project: symbols with a
// trigram full-text index, file records, include edges, call sites and
// metadata.
type Store struct {
	db     *sql.DB
	path   string
	retry  RetryPolicy
	logger *slog.Logger

	skipSchemaCheck bool
	rebuilt         bool
}

// Option configures a Store.
type Option func(*Store)

// WithSkipSchemaCheck opens the store without comparing or rebuilding the
// schema. Worker processes use it; the orchestrating process has already
// run EnsureSchema before they start.
func WithSkipSchemaCheck() Option {
	return func(s *Store) {
		s.skipSchemaCheck = true
	}
}

// WithRetryPolicy overrides the busy retry policy for writes.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) {
		s.retry = p
	}
}

// WithLogger sets the logger used for retry and repair messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// pragmas applied to every pooled connection.
var pragmas = []string{
	"busy_timeout(250)",
	"foreign_keys(ON)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"cache_size(-64000)",
}

func dsn(path string) string {
	params := make([]string, 0, len(pragmas)+1)
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	return path + "?" + strings.Join(params, "&")
}

// Open opens the SQLite database at path in WAL mode. Unless
// WithSkipSchemaCheck is given, the schema version is checked and the store
// rebuilt exactly once if it is stale (see EnsureSchema).
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("ping database", err)
	}
	s.db = db

	if !s.skipSchemaCheck {
		rebuilt, err := s.EnsureSchema(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.rebuilt = rebuilt
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Rebuilt reports whether opening this store rebuilt a stale schema.
func (s *Store) Rebuilt() bool {
	return s.rebuilt
}

// Stats counts the rows of each fact table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, q := range []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM files WHERE is_header = 0", &st.Files},
		{"SELECT COUNT(*) FROM files WHERE is_header = 1", &st.Headers},
		{"SELECT COUNT(*) FROM symbols", &st.Symbols},
		{"SELECT COUNT(*) FROM file_dependencies", &st.Edges},
		{"SELECT COUNT(*) FROM call_sites", &st.CallSites},
		{"SELECT COUNT(*) FROM extraction_failures", &st.Failures},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}
