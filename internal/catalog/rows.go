package catalog

import (
	"encoding/json"
	"time"
)

// AuthorRow is the stored form of an author.
type AuthorRow struct {
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	Revision     int             `json:"revision"`
	LastModified time.Time       `json:"last_modified"`
	Data         json.RawMessage `json:"data"`
}

// WorkRow is the stored form of a work. AuthorKey is empty when the work
// lists no contributor.
type WorkRow struct {
	Key          string          `json:"key"`
	Title        string          `json:"title"`
	AuthorKey    string          `json:"author_key,omitempty"`
	Revision     int             `json:"revision"`
	LastModified time.Time       `json:"last_modified"`
	Data         json.RawMessage `json:"data"`
}

// EditionRow is the stored form of an edition. WorkKey is always set.
type EditionRow struct {
	Key          string          `json:"key"`
	Title        string          `json:"title"`
	WorkKey      string          `json:"work_key"`
	AuthorKeys   []string        `json:"author_keys"`
	Revision     int             `json:"revision"`
	LastModified time.Time       `json:"last_modified"`
	Data         json.RawMessage `json:"data"`
}

// AuthorWork links an author to one of their works.
type AuthorWork struct {
	AuthorKey string `json:"author_key"`
	WorkKey   string `json:"work_key"`
}
