package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetMetadata returns the value stored under key, or "" if unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return v, nil
}

// SetMetadata stores value under key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, "set metadata "+key, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value,
		)
		return err
	})
}

// DeleteMetadata removes key.
func (s *Store) DeleteMetadata(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete metadata "+key, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM metadata WHERE key = ?", key)
		return err
	})
}

func setMetadataTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}
