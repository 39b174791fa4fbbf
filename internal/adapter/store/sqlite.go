// Package store persists fleet state in SQLite so workers and backend
// metrics survive daemon restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleetd/internal/domain"
)

// SQLiteStateStore implements domain.StateStore using SQLite.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration. Use ":memory:" for an ephemeral store.
func NewSQLiteStateStore(dbPath string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLiteStateStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

// Put upserts a record under key.
func (s *SQLiteStateStore) Put(ctx context.Context, key string, value json.RawMessage, tags []string) error {
	if key == "" {
		return domain.NewSubSystemError("store", "SQLiteStateStore.Put", domain.ErrInvalidInput, "empty key")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, tags, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, tags = excluded.tags, updated_at = excluded.updated_at`,
		key, string(value), encodeTags(tags), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get returns the record stored under key.
func (s *SQLiteStateStore) Get(ctx context.Context, key string) (*domain.StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT key, value, tags, updated_at FROM state WHERE key = ?", key,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewSubSystemError("store", "SQLiteStateStore.Get", domain.ErrNotFound, key)
		}
		return nil, err
	}
	return rec, nil
}

// Query returns all records carrying the given tag, oldest first.
func (s *SQLiteStateStore) Query(ctx context.Context, tag string) ([]domain.StateRecord, error) {
	// Tags are stored comma-joined with sentinel commas on both ends, so a
	// LIKE match on ",tag," never matches a substring of another tag.
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, tags, updated_at FROM state WHERE tags LIKE ? ORDER BY updated_at",
		"%,"+tag+",%",
	)
	if err != nil {
		return nil, fmt.Errorf("query tag %q: %w", tag, err)
	}
	defer rows.Close()

	var records []domain.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Delete removes the record under key. Deleting a missing key is not an error.
func (s *SQLiteStateStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM state WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.StateRecord, error) {
	var rec domain.StateRecord
	var value, tagsStr, updatedStr string
	if err := row.Scan(&rec.Key, &value, &tagsStr, &updatedStr); err != nil {
		return nil, err
	}
	rec.Value = json.RawMessage(value)
	rec.Tags = decodeTags(tagsStr)
	t, err := time.Parse(time.RFC3339Nano, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for %q: %w", rec.Key, err)
	}
	rec.UpdatedAt = t
	return &rec, nil
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func decodeTags(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
