package postgres

import (
	"context"
	"fmt"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
)

// Upserts replace a row only when the incoming revision is not older than
// the stored one.
const (
	upsertAuthorSQL = `
INSERT INTO authors (key, name, revision, last_modified, data, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (key) DO UPDATE
SET name = EXCLUDED.name,
	revision = EXCLUDED.revision,
	last_modified = EXCLUDED.last_modified,
	data = EXCLUDED.data,
	updated_at = now()
WHERE authors.revision <= EXCLUDED.revision`

	upsertWorkSQL = `
INSERT INTO works (key, title, author_key, revision, last_modified, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (key) DO UPDATE
SET title = EXCLUDED.title,
	author_key = EXCLUDED.author_key,
	revision = EXCLUDED.revision,
	last_modified = EXCLUDED.last_modified,
	data = EXCLUDED.data,
	updated_at = now()
WHERE works.revision <= EXCLUDED.revision`

	upsertEditionSQL = `
INSERT INTO editions (key, title, work_key, author_keys, revision, last_modified, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (key) DO UPDATE
SET title = EXCLUDED.title,
	work_key = EXCLUDED.work_key,
	author_keys = EXCLUDED.author_keys,
	revision = EXCLUDED.revision,
	last_modified = EXCLUDED.last_modified,
	data = EXCLUDED.data,
	updated_at = now()
WHERE editions.revision <= EXCLUDED.revision`

	linkAuthorWorkSQL = `
INSERT INTO author_works (author_key, work_key)
VALUES ($1, $2)
ON CONFLICT (author_key, work_key) DO NOTHING`
)

// RecordStore writes mirrored entities into Postgres.
type RecordStore struct {
	db DB
}

// NewRecordStore builds a RecordStore.
func NewRecordStore(db DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{db: db}, nil
}

// UpsertAuthor writes an author row.
func (s *RecordStore) UpsertAuthor(ctx context.Context, row catalog.AuthorRow) error {
	if row.Key == "" {
		return fmt.Errorf("author key is required")
	}
	_, err := s.db.Exec(ctx, upsertAuthorSQL,
		row.Key,
		row.Name,
		row.Revision,
		nullableTime(row.LastModified),
		[]byte(row.Data),
	)
	if err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

// UpsertWork writes a work row.
func (s *RecordStore) UpsertWork(ctx context.Context, row catalog.WorkRow) error {
	if row.Key == "" {
		return fmt.Errorf("work key is required")
	}
	var authorKey *string
	if row.AuthorKey != "" {
		authorKey = &row.AuthorKey
	}
	_, err := s.db.Exec(ctx, upsertWorkSQL,
		row.Key,
		row.Title,
		authorKey,
		row.Revision,
		nullableTime(row.LastModified),
		[]byte(row.Data),
	)
	if err != nil {
		return fmt.Errorf("upsert work: %w", err)
	}
	return nil
}

// UpsertEdition writes an edition row. The parent work is not required to be
// present yet; it may be mirrored by a later run.
func (s *RecordStore) UpsertEdition(ctx context.Context, row catalog.EditionRow) error {
	if row.Key == "" || row.WorkKey == "" {
		return fmt.Errorf("edition key and work key are required")
	}
	authorKeys := row.AuthorKeys
	if authorKeys == nil {
		authorKeys = []string{}
	}
	_, err := s.db.Exec(ctx, upsertEditionSQL,
		row.Key,
		row.Title,
		row.WorkKey,
		authorKeys,
		row.Revision,
		nullableTime(row.LastModified),
		[]byte(row.Data),
	)
	if err != nil {
		return fmt.Errorf("upsert edition: %w", err)
	}
	return nil
}

// LinkAuthorWork records the author to work relation once.
func (s *RecordStore) LinkAuthorWork(ctx context.Context, link catalog.AuthorWork) error {
	if _, err := s.db.Exec(ctx, linkAuthorWorkSQL, link.AuthorKey, link.WorkKey); err != nil {
		return fmt.Errorf("link author work: %w", err)
	}
	return nil
}
