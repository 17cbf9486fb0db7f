// Package control exposes the sync engine's control state (watermark, run
// status, pending key queues) over a generic key/value store.
package control

import (
	"time"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
)

// Control-state keys.
const (
	KeyWatermark      = "watermark"
	KeyRunID          = "run-id"
	KeyRunPhase       = "run-phase"
	KeyRunStart       = "run-start"
	KeyRunFinish      = "run-finish"
	KeyRunError       = "run-error"
	KeyDiscoveryError = "discovery-error"
)

// PendingKey names the queue of keys awaiting fetch for kind.
func PendingKey(kind catalog.Kind) string {
	return "pending-" + kind.Plural()
}

// AttemptsKey names the per-key failure counters for kind.
func AttemptsKey(kind catalog.Kind) string {
	return "attempts-" + kind.Plural()
}

// DeadLetterKey names the list of keys that exhausted their attempts.
func DeadLetterKey(kind catalog.Kind) string {
	return "deadletter-" + kind.Plural()
}

// Phase is the persisted state of the run state machine.
type Phase string

// Run phases.
const (
	PhaseIdle               Phase = "idle"
	PhaseDiscoveringKeys    Phase = "discovering-keys"
	PhaseProcessingAuthors  Phase = "processing-authors"
	PhaseProcessingWorks    Phase = "processing-works"
	PhaseProcessingEditions Phase = "processing-editions"
	PhaseFinished           Phase = "finished"
	PhaseFailed             Phase = "failed"
)

// ProcessingPhase returns the phase that drains the queue of kind.
func ProcessingPhase(kind catalog.Kind) Phase {
	switch kind {
	case catalog.KindAuthor:
		return PhaseProcessingAuthors
	case catalog.KindWork:
		return PhaseProcessingWorks
	default:
		return PhaseProcessingEditions
	}
}

// Queues holds the pending keys of every kind.
type Queues struct {
	Authors  []string `json:"authors"`
	Works    []string `json:"works"`
	Editions []string `json:"editions"`
}

// Get returns the queue of kind.
func (q Queues) Get(kind catalog.Kind) []string {
	switch kind {
	case catalog.KindAuthor:
		return q.Authors
	case catalog.KindWork:
		return q.Works
	case catalog.KindEdition:
		return q.Editions
	}
	return nil
}

// Append adds keys at the tail of the queue of kind.
func (q *Queues) Append(kind catalog.Kind, keys ...string) {
	switch kind {
	case catalog.KindAuthor:
		q.Authors = append(q.Authors, keys...)
	case catalog.KindWork:
		q.Works = append(q.Works, keys...)
	case catalog.KindEdition:
		q.Editions = append(q.Editions, keys...)
	}
}

// Empty reports whether every queue is empty.
func (q Queues) Empty() bool {
	return len(q.Authors) == 0 && len(q.Works) == 0 && len(q.Editions) == 0
}

// Clone returns a deep copy.
func (q Queues) Clone() Queues {
	return Queues{
		Authors:  append([]string(nil), q.Authors...),
		Works:    append([]string(nil), q.Works...),
		Editions: append([]string(nil), q.Editions...),
	}
}

// State is the part of control state that phases pass to each other. The
// watermark is zero when no day has been discovered yet.
type State struct {
	Watermark time.Time
	Queues    Queues
}

// DiscoveryError records why a discovery pass gave up.
type DiscoveryError struct {
	Timestamp  time.Time `json:"timestamp"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
}

// BatchResult describes one processed batch taken from the head of a queue.
type BatchResult struct {
	Kind   catalog.Kind
	Batch  []string
	Failed []string
	// MaxAttempts bounds failures per key; zero requeues failures forever.
	MaxAttempts int
}

// BatchOutcome reports how a completed batch changed the queue.
type BatchOutcome struct {
	Requeued     []string
	DeadLettered []string
	Remaining    int
}

// Status is a monitoring snapshot of control state.
type Status struct {
	RunID          string               `json:"run_id,omitempty"`
	Phase          Phase                `json:"phase"`
	Watermark      *time.Time           `json:"watermark"`
	RunStart       *time.Time           `json:"run_start"`
	RunFinish      *time.Time           `json:"run_finish"`
	RunError       *string              `json:"run_error"`
	DiscoveryError *DiscoveryError      `json:"discovery_error"`
	Pending        map[catalog.Kind]int `json:"pending"`
	DeadLettered   map[catalog.Kind]int `json:"dead_lettered"`
}
