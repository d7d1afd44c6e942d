package statestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the embedded-file backend, grounded on the broader example
// pack's database/sql + driver-import-for-side-effects convention (the
// teacher itself only talks to Postgres and Redis; SQLite fills the
// "embedded KV/SQL" slot §4.A's contract calls for).
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS state_records (
	source_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (source_id, key)
);`

// NewSQLite opens (creating if absent) a SQLite database at path and
// ensures the state_records table exists.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrapErr("sqlite", fmt.Errorf("open %s: %w", path, err))
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, wrapErr("sqlite", fmt.Errorf("migrate: %w", err))
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, sourceID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state_records WHERE source_id = ? AND key = ?`, sourceID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("sqlite", err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, sourceID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_records (source_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(source_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		sourceID, key, value,
	)
	return wrapErr("sqlite", err)
}

func (s *SQLite) ListKeys(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM state_records WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, wrapErr("sqlite", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLite) ListSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_id FROM state_records`)
	if err != nil {
		return nil, wrapErr("sqlite", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLite) ClearSource(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state_records WHERE source_id = ?`, sourceID)
	return wrapErr("sqlite", err)
}

func (s *SQLite) Close() error { return s.db.Close() }

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapErr("sqlite", err)
		}
		out = append(out, v)
	}
	return out, wrapErr("sqlite", rows.Err())
}
