package store

import (
	"context"
	"fmt"
	"slices"
)

// DependencyEdges returns the direct include edges leaving path.
func (s *Store) DependencyEdges(ctx context.Context, path string) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT includer, included, depth FROM file_dependencies WHERE includer = ? ORDER BY included", path)
	if err != nil {
		return nil, fmt.Errorf("dependency edges: %w", err)
	}
	defer rows.Close()
	var edges []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.Includer, &e.Included, &e.Depth); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Dependents returns every file that transitively includes any of paths,
// following include edges in reverse. The seeds themselves are only part of
// the result if they are reachable from another seed.
func (s *Store) Dependents(ctx context.Context, paths []string) ([]string, error) {
	return s.closure(ctx, paths,
		`WITH RECURSIVE dependents(path) AS (
			SELECT includer FROM file_dependencies WHERE included IN (%s)
			UNION
			SELECT d.includer FROM file_dependencies d JOIN dependents p ON d.included = p.path
		) SELECT path FROM dependents`)
}

// Dependencies returns every file path transitively includes.
func (s *Store) Dependencies(ctx context.Context, path string) ([]string, error) {
	return s.closure(ctx, []string{path},
		`WITH RECURSIVE deps(path) AS (
			SELECT included FROM file_dependencies WHERE includer IN (%s)
			UNION
			SELECT d.included FROM file_dependencies d JOIN deps p ON d.includer = p.path
		) SELECT path FROM deps`)
}

func (s *Store) closure(ctx context.Context, seeds []string, tmpl string) ([]string, error) {
	seen := make(map[string]bool)
	for _, part := range chunk(seeds, 500) {
		query := fmt.Sprintf(tmpl, placeholderList(len(part)))
		rows, err := s.db.QueryContext(ctx, query, stringsToArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("dependency closure: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan closure path: %w", err)
			}
			seen[p] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("dependency closure: %w", err)
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}
