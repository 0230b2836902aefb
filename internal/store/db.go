package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection holding the key-value table.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (db *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &model.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set inserts or replaces the value under key.
func (db *DB) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return &model.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (db *DB) Remove(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &model.StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Clear deletes every key.
func (db *DB) Clear(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return &model.StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Count returns the number of stored keys.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&count)
	return count, err
}
