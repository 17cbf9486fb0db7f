package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/santarrsgrotto/readarr-server/internal/store"
)

// DefaultControlTable holds control state unless configured otherwise.
const DefaultControlTable = "control_state"

// ControlStore implements store.KV on a key/jsonb table.
type ControlStore struct {
	db    DB
	table string
}

// NewControlStore builds a ControlStore on table.
func NewControlStore(db DB, table string) (*ControlStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultControlTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ControlStore{db: db, table: table}, nil
}

// Get returns the raw value stored at key.
func (s *ControlStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	var value []byte
	if err := s.db.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("select control value: %w", err)
	}
	return json.RawMessage(value), nil
}

// Set upserts value at key.
func (s *ControlStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if _, err := s.db.Exec(ctx, s.upsertQuery(), key, []byte(value)); err != nil {
		return fmt.Errorf("upsert control value: %w", err)
	}
	return nil
}

// Update locks the existing rows of keys, applies fn and writes its result in
// the same transaction.
func (s *ControlStore) Update(ctx context.Context, keys []string, fn store.UpdateFunc) error {
	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT key, value FROM %s WHERE key = ANY($1) FOR UPDATE`, s.table)
		rows, err := tx.Query(ctx, query, keys)
		if err != nil {
			return fmt.Errorf("lock control values: %w", err)
		}
		current := make(map[string]json.RawMessage, len(keys))
		for rows.Next() {
			var (
				key   string
				value []byte
			)
			if err := rows.Scan(&key, &value); err != nil {
				rows.Close()
				return fmt.Errorf("scan control value: %w", err)
			}
			current[key] = json.RawMessage(value)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read control values: %w", err)
		}

		writes, err := fn(current)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(writes))
		for key := range writes {
			names = append(names, key)
		}
		sort.Strings(names)
		for _, key := range names {
			if _, err := tx.Exec(ctx, s.upsertQuery(), key, []byte(writes[key])); err != nil {
				return fmt.Errorf("upsert control value %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *ControlStore) upsertQuery() string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, updated_at = now()`, s.table)
}
