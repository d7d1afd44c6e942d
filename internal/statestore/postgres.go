package statestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres is the remote-SQL backend, grounded on the teacher's
// cmd/server/main.go which opens its primary database via database/sql +
// lib/pq.
type Postgres struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS state_records (
	source_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_id, key)
);`

// NewPostgres connects to dsn and ensures the state_records table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, wrapErr("postgres", fmt.Errorf("open: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapErr("postgres", fmt.Errorf("ping: %w", err))
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, wrapErr("postgres", fmt.Errorf("migrate: %w", err))
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, sourceID, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM state_records WHERE source_id = $1 AND key = $2`, sourceID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("postgres", err)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, sourceID, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO state_records (source_id, key, value, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (source_id, key) DO UPDATE SET value = excluded.value, updated_at = now()`,
		sourceID, key, value,
	)
	return wrapErr("postgres", err)
}

func (p *Postgres) ListKeys(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM state_records WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, wrapErr("postgres", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (p *Postgres) ListSources(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT source_id FROM state_records`)
	if err != nil {
		return nil, wrapErr("postgres", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (p *Postgres) ClearSource(ctx context.Context, sourceID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM state_records WHERE source_id = $1`, sourceID)
	return wrapErr("postgres", err)
}

func (p *Postgres) Close() error { return p.db.Close() }
