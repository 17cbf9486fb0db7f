// Package catalog defines the entity model mirrored from the upstream catalog:
// entity kinds, typed keys, change kinds, record envelopes and stored rows.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnclassifiable signals a key outside the author, work and edition namespaces.
var ErrUnclassifiable = errors.New("unclassifiable key")

// ErrMalformed signals an upstream payload that cannot be turned into an envelope.
var ErrMalformed = errors.New("malformed record")

// Kind is the closed set of entity kinds the engine mirrors.
type Kind string

// Supported entity kinds.
const (
	KindAuthor  Kind = "author"
	KindWork    Kind = "work"
	KindEdition Kind = "edition"
)

// Kinds lists every kind in processing order. Authors must be persisted
// before works, and works before editions.
var Kinds = []Kind{KindAuthor, KindWork, KindEdition}

var kindPrefixes = map[Kind]string{
	KindAuthor:  "/authors/",
	KindWork:    "/works/",
	KindEdition: "/books/",
}

// Plural returns the collection name used for queues and tables.
func (k Kind) Plural() string {
	return string(k) + "s"
}

// Prefix returns the upstream namespace prefix of the kind.
func (k Kind) Prefix() string {
	return kindPrefixes[k]
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	_, ok := kindPrefixes[k]
	return ok
}

// ParseKind accepts the singular or plural kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

// Key identifies one upstream entity: its kind plus the identity within that kind.
type Key struct {
	Kind Kind
	ID   string
}

// ParseKey classifies a raw upstream key such as "/works/OL45804W" by its
// namespace prefix.
func ParseKey(raw string) (Key, error) {
	for _, kind := range Kinds {
		prefix := kind.Prefix()
		if !strings.HasPrefix(raw, prefix) {
			continue
		}
		id := strings.TrimPrefix(raw, prefix)
		if id == "" || strings.Contains(id, "/") {
			return Key{}, fmt.Errorf("%w: %q", ErrUnclassifiable, raw)
		}
		return Key{Kind: kind, ID: id}, nil
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnclassifiable, raw)
}

// String renders the key in upstream form.
func (k Key) String() string {
	return k.Kind.Prefix() + k.ID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Kind == "" && k.ID == ""
}
