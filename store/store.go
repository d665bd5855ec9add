// Package store provides the SQLite-backed durable storage used by the
// cache's second tier and the learner's persisted state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding cached responses and opaque
// state blobs. Safe for concurrent use; database/sql serialises access.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema. Use ":memory:" for an in-process database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=10000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS kv (
	k          TEXT PRIMARY KEY,
	v          BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS blobs (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key if present and unexpired. Expired rows
// are deleted opportunistically.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT v, expires_at FROM kv WHERE k = ?", key).Scan(&v, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().Unix() >= expiresAt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM kv WHERE k = ?", key)
		return nil, false, nil
	}
	return v, true, nil
}

// Set stores value under key with the given TTL, replacing any
// existing row.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at",
		key, value, expiresAt)
	return err
}

// DeletePrefix removes every row whose key starts with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE k LIKE ? ESCAPE '\\'", likePattern(prefix))
	return err
}

// Count returns the number of unexpired rows in the kv table.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv WHERE expires_at > ?", time.Now().Unix()).Scan(&n)
	return n, err
}

// Sweep deletes all expired kv rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadBlob returns the named state blob, or ok=false if absent.
func (s *Store) LoadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM blobs WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SaveBlob stores the named state blob, replacing any previous value.
func (s *Store) SaveBlob(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO blobs (name, data, updated_at) VALUES (?, ?, ?) ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at",
		name, data, time.Now().Unix())
	return err
}

// likePattern escapes LIKE metacharacters in prefix and appends the
// wildcard.
func likePattern(prefix string) string {
	out := make([]byte, 0, len(prefix)+4)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(append(out, '%'))
}
