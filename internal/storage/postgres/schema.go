package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func schemaStatements(controlTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key text PRIMARY KEY,
	value jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, controlTable),
		`CREATE TABLE IF NOT EXISTS authors (
	key text PRIMARY KEY,
	name text NOT NULL DEFAULT '',
	revision integer NOT NULL DEFAULT 0,
	last_modified timestamptz,
	data jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS works (
	key text PRIMARY KEY,
	title text NOT NULL DEFAULT '',
	author_key text,
	revision integer NOT NULL DEFAULT 0,
	last_modified timestamptz,
	data jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS works_author_key_idx ON works (author_key)`,
		`CREATE TABLE IF NOT EXISTS editions (
	key text PRIMARY KEY,
	title text NOT NULL DEFAULT '',
	work_key text NOT NULL,
	author_keys text[] NOT NULL DEFAULT '{}',
	revision integer NOT NULL DEFAULT 0,
	last_modified timestamptz,
	data jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS editions_work_key_idx ON editions (work_key)`,
		`CREATE TABLE IF NOT EXISTS author_works (
	author_key text NOT NULL,
	work_key text NOT NULL,
	PRIMARY KEY (author_key, work_key)
)`,
	}
}

// EnsureSchema creates the control and record tables when missing.
func EnsureSchema(ctx context.Context, db execer, controlTable string) error {
	if controlTable == "" {
		controlTable = DefaultControlTable
	}
	if !validTableName.MatchString(controlTable) {
		return fmt.Errorf("invalid table name %q", controlTable)
	}
	for _, stmt := range schemaStatements(controlTable) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
