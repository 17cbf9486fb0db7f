package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
)

// RecordStore keeps mirrored rows in maps and applies the same revision rule
// as the Postgres store.
type RecordStore struct {
	mu       sync.RWMutex
	authors  map[string]catalog.AuthorRow
	works    map[string]catalog.WorkRow
	editions map[string]catalog.EditionRow
	links    map[catalog.AuthorWork]struct{}
	writes   int
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		authors:  make(map[string]catalog.AuthorRow),
		works:    make(map[string]catalog.WorkRow),
		editions: make(map[string]catalog.EditionRow),
		links:    make(map[catalog.AuthorWork]struct{}),
	}
}

// UpsertAuthor stores row unless a newer revision is already present.
func (s *RecordStore) UpsertAuthor(_ context.Context, row catalog.AuthorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.authors[row.Key]; ok && prev.Revision > row.Revision {
		return nil
	}
	s.authors[row.Key] = row
	s.writes++
	return nil
}

// UpsertWork stores row unless a newer revision is already present.
func (s *RecordStore) UpsertWork(_ context.Context, row catalog.WorkRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.works[row.Key]; ok && prev.Revision > row.Revision {
		return nil
	}
	s.works[row.Key] = row
	s.writes++
	return nil
}

// UpsertEdition stores row unless a newer revision is already present.
func (s *RecordStore) UpsertEdition(_ context.Context, row catalog.EditionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.editions[row.Key]; ok && prev.Revision > row.Revision {
		return nil
	}
	row.AuthorKeys = append([]string(nil), row.AuthorKeys...)
	s.editions[row.Key] = row
	s.writes++
	return nil
}

// LinkAuthorWork records the pair once.
func (s *RecordStore) LinkAuthorWork(_ context.Context, link catalog.AuthorWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link] = struct{}{}
	return nil
}

// Author returns the stored author row.
func (s *RecordStore) Author(key string) (catalog.AuthorRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.authors[key]
	return row, ok
}

// Work returns the stored work row.
func (s *RecordStore) Work(key string) (catalog.WorkRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.works[key]
	return row, ok
}

// Edition returns the stored edition row.
func (s *RecordStore) Edition(key string) (catalog.EditionRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.editions[key]
	return row, ok
}

// WorksByAuthor returns the linked work keys of an author in lexical order.
func (s *RecordStore) WorksByAuthor(authorKey string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for link := range s.links {
		if link.AuthorKey == authorKey {
			out = append(out, link.WorkKey)
		}
	}
	sort.Strings(out)
	return out
}

// Writes counts accepted upserts.
func (s *RecordStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
