// Package normalizer maps record envelopes onto stored rows and upserts them.
package normalizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/store"
)

// Normalizer persists envelopes into a RecordStore.
type Normalizer struct {
	records store.RecordStore
}

// New returns a Normalizer writing to records.
func New(records store.RecordStore) (*Normalizer, error) {
	if records == nil {
		return nil, errors.New("record store is required")
	}
	return &Normalizer{records: records}, nil
}

// Persist upserts env into the table of its kind. A work with a primary
// author is also linked to that author.
func (n *Normalizer) Persist(ctx context.Context, env catalog.Envelope) error {
	switch env.Key.Kind {
	case catalog.KindAuthor:
		return n.persistAuthor(ctx, env)
	case catalog.KindWork:
		return n.persistWork(ctx, env)
	case catalog.KindEdition:
		return n.persistEdition(ctx, env)
	default:
		return fmt.Errorf("%w: %q", catalog.ErrUnclassifiable, env.Key.String())
	}
}

func (n *Normalizer) persistAuthor(ctx context.Context, env catalog.Envelope) error {
	row := catalog.AuthorRow{
		Key:          env.Key.String(),
		Name:         env.Name,
		Revision:     env.Revision,
		LastModified: env.LastModified,
		Data:         env.Raw,
	}
	if err := n.records.UpsertAuthor(ctx, row); err != nil {
		return fmt.Errorf("persist %s: %w", row.Key, err)
	}
	return nil
}

func (n *Normalizer) persistWork(ctx context.Context, env catalog.Envelope) error {
	row := catalog.WorkRow{
		Key:          env.Key.String(),
		Title:        env.Title,
		Revision:     env.Revision,
		LastModified: env.LastModified,
		Data:         env.Raw,
	}
	author, hasAuthor := env.PrimaryAuthor()
	if hasAuthor {
		row.AuthorKey = author.String()
	}
	if err := n.records.UpsertWork(ctx, row); err != nil {
		return fmt.Errorf("persist %s: %w", row.Key, err)
	}
	if !hasAuthor {
		return nil
	}
	link := catalog.AuthorWork{AuthorKey: row.AuthorKey, WorkKey: row.Key}
	if err := n.records.LinkAuthorWork(ctx, link); err != nil {
		return fmt.Errorf("link %s to %s: %w", link.AuthorKey, link.WorkKey, err)
	}
	return nil
}

func (n *Normalizer) persistEdition(ctx context.Context, env catalog.Envelope) error {
	if env.Work.IsZero() {
		return fmt.Errorf("%w: edition %s has no work", catalog.ErrMalformed, env.Key)
	}
	authors := make([]string, 0, len(env.Authors))
	for _, a := range env.Authors {
		authors = append(authors, a.String())
	}
	row := catalog.EditionRow{
		Key:          env.Key.String(),
		Title:        env.Title,
		WorkKey:      env.Work.String(),
		AuthorKeys:   authors,
		Revision:     env.Revision,
		LastModified: env.LastModified,
		Data:         env.Raw,
	}
	if err := n.records.UpsertEdition(ctx, row); err != nil {
		return fmt.Errorf("persist %s: %w", row.Key, err)
	}
	return nil
}
