package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the canonical upstream representation of one entity. It is
// produced once per fetch and never mutated.
type Envelope struct {
	Key          Key
	Revision     int
	LastModified time.Time
	// Name is set for authors.
	Name string
	// Title is set for works and editions.
	Title string
	// Authors holds the contributors in upstream order.
	Authors []Key
	// Work is the parent work of an edition.
	Work Key
	// Raw is the full payload as received.
	Raw json.RawMessage
}

// PrimaryAuthor returns the first listed contributor.
func (e Envelope) PrimaryAuthor() (Key, bool) {
	if len(e.Authors) == 0 {
		return Key{}, false
	}
	return e.Authors[0], true
}

type keyRef struct {
	Key string `json:"key"`
}

type contributorRef struct {
	Key    string  `json:"key"`
	Author *keyRef `json:"author"`
}

type datetimeRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type rawEnvelope struct {
	Key          string           `json:"key"`
	Revision     int              `json:"revision"`
	LastModified *datetimeRef     `json:"last_modified"`
	Name         string           `json:"name"`
	Title        string           `json:"title"`
	Authors      []contributorRef `json:"authors"`
	Works        []keyRef         `json:"works"`
}

var lastModifiedLayouts = []string{
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
}

// ParseEnvelope decodes a record payload. A payload without its own key, or an
// edition without a parent work, is malformed; a key outside the known
// namespaces is unclassifiable.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode: %w", ErrMalformed, err)
	}
	if strings.TrimSpace(raw.Key) == "" {
		return Envelope{}, fmt.Errorf("%w: missing key", ErrMalformed)
	}
	key, err := ParseKey(raw.Key)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Key:      key,
		Revision: raw.Revision,
		Name:     raw.Name,
		Title:    raw.Title,
		Raw:      append(json.RawMessage(nil), data...),
	}
	if raw.LastModified != nil {
		env.LastModified = parseLastModified(raw.LastModified.Value)
	}
	for _, ref := range raw.Authors {
		authorKey := ref.Key
		if ref.Author != nil {
			authorKey = ref.Author.Key
		}
		parsed, err := ParseKey(authorKey)
		if err != nil || parsed.Kind != KindAuthor {
			continue
		}
		env.Authors = append(env.Authors, parsed)
	}
	if key.Kind == KindEdition {
		if len(raw.Works) == 0 {
			return Envelope{}, fmt.Errorf("%w: edition %s has no work", ErrMalformed, key)
		}
		work, err := ParseKey(raw.Works[0].Key)
		if err != nil || work.Kind != KindWork {
			return Envelope{}, fmt.Errorf("%w: edition %s has invalid work %q", ErrMalformed, key, raw.Works[0].Key)
		}
		env.Work = work
	}
	return env, nil
}

func parseLastModified(value string) time.Time {
	for _, layout := range lastModifiedLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
