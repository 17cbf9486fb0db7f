package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
)

// ErrNotFound signals that the requested key does not exist.
var ErrNotFound = errors.New("key not found")

// UpdateFunc receives the current values of the requested keys (absent keys
// are missing from the map) and returns the values to write.
type UpdateFunc func(current map[string]json.RawMessage) (map[string]json.RawMessage, error)

// KV is a durable key to JSON-value store for control state.
type KV interface {
	// Get returns ErrNotFound when key has never been set.
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	// Update performs an atomic read-modify-write over keys. Either every
	// returned value is written or none is.
	Update(ctx context.Context, keys []string, fn UpdateFunc) error
}

// RecordStore persists mirrored entities. Upserts replace the stored row when
// the incoming revision is at least the stored one and ignore older revisions.
type RecordStore interface {
	UpsertAuthor(ctx context.Context, row catalog.AuthorRow) error
	UpsertWork(ctx context.Context, row catalog.WorkRow) error
	UpsertEdition(ctx context.Context, row catalog.EditionRow) error
	LinkAuthorWork(ctx context.Context, link catalog.AuthorWork) error
}
