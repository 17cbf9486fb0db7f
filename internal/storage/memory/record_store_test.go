package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
)

func TestRecordStoreIgnoresStaleRevisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rs := NewRecordStore()

	require.NoError(t, rs.UpsertWork(ctx, catalog.WorkRow{Key: "/works/OL1W", Title: "v3", Revision: 3}))
	require.NoError(t, rs.UpsertWork(ctx, catalog.WorkRow{Key: "/works/OL1W", Title: "v2", Revision: 2}))
	got, ok := rs.Work("/works/OL1W")
	require.True(t, ok)
	require.Equal(t, "v3", got.Title)

	require.NoError(t, rs.UpsertWork(ctx, catalog.WorkRow{Key: "/works/OL1W", Title: "v4", Revision: 4}))
	got, _ = rs.Work("/works/OL1W")
	require.Equal(t, "v4", got.Title)
	require.Equal(t, 2, rs.Writes())
}

func TestRecordStoreSameRevisionIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rs := NewRecordStore()
	row := catalog.AuthorRow{Key: "/authors/OL1A", Name: "Roald Dahl", Revision: 5, Data: json.RawMessage(`{"key":"/authors/OL1A"}`)}

	require.NoError(t, rs.UpsertAuthor(ctx, row))
	require.NoError(t, rs.UpsertAuthor(ctx, row))
	got, ok := rs.Author("/authors/OL1A")
	require.True(t, ok)
	require.Equal(t, row, got)
}

func TestRecordStoreLinksAreUnique(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rs := NewRecordStore()
	link := catalog.AuthorWork{AuthorKey: "/authors/OL1A", WorkKey: "/works/OL2W"}
	require.NoError(t, rs.LinkAuthorWork(ctx, link))
	require.NoError(t, rs.LinkAuthorWork(ctx, link))
	require.NoError(t, rs.LinkAuthorWork(ctx, catalog.AuthorWork{AuthorKey: "/authors/OL1A", WorkKey: "/works/OL1W"}))
	require.Equal(t, []string{"/works/OL1W", "/works/OL2W"}, rs.WorksByAuthor("/authors/OL1A"))

	require.NoError(t, rs.UpsertEdition(ctx, catalog.EditionRow{Key: "/books/OL1M", WorkKey: "/works/OL2W"}))
	ed, ok := rs.Edition("/books/OL1M")
	require.True(t, ok)
	require.Equal(t, "/works/OL2W", ed.WorkKey)
}
