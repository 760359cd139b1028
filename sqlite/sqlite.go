// Package sqlite provides a SQLite-backed carto.Storage for the durable cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

var ErrStorageFull = fmt.Errorf("sqlite storage full")

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Storage persists durable cache entries in one SQLite table.
type Storage struct {
	sqlDB *sql.DB
}

var _ carto.Storage = (*Storage)(nil)

type Option func(o *options)

type options struct {
	maxPages int
}

// WithMaxPages caps the database size; writes past it fail with ErrStorageFull.
func WithMaxPages(pages int) Option {
	return func(o *options) {
		o.maxPages = pages
	}
}

// Open opens (creating if needed) the storage database at path. ":memory:"
// gives a private in-memory database.
func Open(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps ":memory:" a single database
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if o.maxPages > 0 {
		if _, err := sqlDB.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", o.maxPages)); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("set max page count: %w", err)
		}
	}
	return &Storage{sqlDB: sqlDB}, nil
}

func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isFull(err) {
			return fmt.Errorf("set %q: %w: %s", key, ErrStorageFull, err)
		}
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT key FROM cache_entries WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix),
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func isFull(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_FULL
	}
	return strings.Contains(strings.ToLower(err.Error()), "database or disk is full")
}
