package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite snapshot store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLiteStore persists snapshots to a SQLite database, one row per name.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite snapshot store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlite: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint sqlite: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint sqlite: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save writes a snapshot under a name, replacing any previous one.
func (s *SQLiteStore) Save(ctx context.Context, name string, snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (name, run_id, saved_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET run_id = excluded.run_id, saved_at = excluded.saved_at, data = excluded.data`,
		name, snap.RunID, snap.Saved.UTC().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return fmt.Errorf("checkpoint sqlite: save %s: %w", name, err)
	}
	return nil
}

// Load returns the snapshot stored under a name.
func (s *SQLiteStore) Load(ctx context.Context, name string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE name = ?`, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlite: load %s: %w", name, err)
	}
	return Decode([]byte(data))
}

// List returns the stored snapshots, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, run_id, saved_at FROM checkpoints ORDER BY saved_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var saved string
		if err := rows.Scan(&info.Name, &info.RunID, &saved); err != nil {
			return nil, fmt.Errorf("checkpoint sqlite: scan: %w", err)
		}
		if info.Saved, err = time.Parse(time.RFC3339Nano, saved); err != nil {
			return nil, fmt.Errorf("checkpoint sqlite: parse saved_at: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint sqlite: iterate: %w", err)
	}
	return out, nil
}

// Delete removes a snapshot.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("checkpoint sqlite: delete %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint sqlite: delete %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
