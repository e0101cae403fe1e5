package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver" // SQLite driver (pure Go)
	_ "github.com/ncruces/go-sqlite3/embed"  // Embed SQLite WASM binary
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS client_storage (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

type sqliteStorage struct {
	db    *sql.DB
	quota int
}

// NewSQLite opens (or creates) a file-backed store. It is the durable option:
// entries survive a process restart the way localStorage survives a reload.
func NewSQLite(ctx context.Context, path string, quota int) (Storage, error) {
	const dirPerm = 0o750
	if path == "" {
		return nil, errors.New("storage: sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("storage: create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: prepare sqlite %q: %w", stmt, err)
		}
	}
	if quota < 0 {
		quota = 0
	}
	return &sqliteStorage{db: db, quota: quota}, nil
}

func (s *sqliteStorage) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: sqlite get: %w", err)
	}
	return value, true, nil
}

func (s *sqliteStorage) Set(ctx context.Context, key, value string) error {
	if s.quota > 0 {
		var used int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(CAST(value AS BLOB))), 0) FROM client_storage WHERE key != ?`, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("storage: sqlite usage: %w", err)
		}
		if int(used)+len(key)+len(value) > s.quota {
			return ErrQuotaExceeded
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_storage (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: sqlite set: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("storage: sqlite remove: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM client_storage ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage: sqlite scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: sqlite keys: %w", err)
	}
	return keys, nil
}

func (s *sqliteStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	// substr avoids LIKE wildcard escaping for prefixes containing '%' or '_'.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM client_storage WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("storage: sqlite delete prefix: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_storage`); err != nil {
		return fmt.Errorf("storage: sqlite clear: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Close(context.Context) error {
	return s.db.Close()
}
