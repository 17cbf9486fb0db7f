package catalog

// ChangeKind is the upstream classification of why records changed. Each kind
// is a separate feed queried during discovery.
type ChangeKind string

// Change kinds queried by discovery.
const (
	ChangeAddBook      ChangeKind = "add-book"
	ChangeEditBook     ChangeKind = "edit-book"
	ChangeMergeAuthors ChangeKind = "merge-authors"
	ChangeRevert       ChangeKind = "revert"
	ChangeUpdate       ChangeKind = "update"
)

// ChangeKinds is the fixed order in which discovery walks the feeds of a day.
var ChangeKinds = []ChangeKind{
	ChangeAddBook,
	ChangeEditBook,
	ChangeMergeAuthors,
	ChangeRevert,
	ChangeUpdate,
}

// Change is one changed record referenced by a feed entry.
type Change struct {
	Key      string `json:"key"`
	Revision int    `json:"revision"`
}

// ChangeEntry is one element of a recent-changes feed page.
type ChangeEntry struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Timestamp string   `json:"timestamp"`
	Changes   []Change `json:"changes"`
}
