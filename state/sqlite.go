package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteBackendConfig configures a SQLite state backend.
type SQLiteBackendConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLiteBackend persists state scopes in a single SQLite database, one
// row per (scope, key). All scopes of a runtime share the database; each
// generation's batched write runs in one transaction, which makes the
// step boundary an actual commit point on disk.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) a SQLite state database.
func NewSQLiteBackend(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("state sqlite: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state sqlite: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state sqlite: create schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// ScopeFactory returns a factory creating scope views over this backend,
// suitable for ManagerConfig.ScopeFactory.
func (b *SQLiteBackend) ScopeFactory() ScopeFactory {
	return func(id ScopeID) (Scope, error) {
		return &sqliteScope{db: b.db, name: id.Canonical()}, nil
	}
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// sqliteScope is one partition's view over the shared database.
type sqliteScope struct {
	db   *sql.DB
	name string
}

func (s *sqliteScope) Read(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE scope = ? AND key = ?`, s.name, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("state sqlite: read %s/%s: %w", s.name, key, err)
	}
	return json.RawMessage(value), true, nil
}

func (s *sqliteScope) WriteBatch(ctx context.Context, writes map[string]Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state sqlite: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, w := range writes {
		if w.Delete {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM state WHERE scope = ? AND key = ?`, s.name, key,
			); err != nil {
				return fmt.Errorf("state sqlite: delete %s/%s: %w", s.name, key, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			s.name, key, string(w.Value), now,
		); err != nil {
			return fmt.Errorf("state sqlite: write %s/%s: %w", s.name, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state sqlite: commit batch: %w", err)
	}
	return nil
}

func (s *sqliteScope) All(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM state WHERE scope = ? ORDER BY key`, s.name)
	if err != nil {
		return nil, fmt.Errorf("state sqlite: all %s: %w", s.name, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("state sqlite: scan %s: %w", s.name, err)
		}
		out[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state sqlite: iterate %s: %w", s.name, err)
	}
	return out, nil
}

func (s *sqliteScope) ReplaceAll(ctx context.Context, entries map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state sqlite: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM state WHERE scope = ?`, s.name,
	); err != nil {
		return fmt.Errorf("state sqlite: clear %s: %w", s.name, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state (scope, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			s.name, key, string(value), now,
		); err != nil {
			return fmt.Errorf("state sqlite: restore %s/%s: %w", s.name, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state sqlite: commit replace: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ Scope = (*sqliteScope)(nil)
