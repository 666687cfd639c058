package catalog

import "errors"

// Common errors returned by Catalog implementations.
var (
	// ErrClosed is returned when operations are attempted on a closed catalog.
	ErrClosed = errors.New("catalog: closed")

	// ErrInvalidState is returned when a transition names an undefined state.
	ErrInvalidState = errors.New("catalog: invalid state")

	// ErrEmptyID is returned when a record or operation carries an empty id.
	ErrEmptyID = errors.New("catalog: empty snapshot id")
)

// Catalog is a durable, crash-safe mapping from snapshot id to record.
//
// All operations are serialized by the implementation; readers observe a
// consistent point-in-time view. Mutations must be durable before they
// return success. An error from any mutating operation means the journal
// could not be written; in-memory state may then be ahead of disk and the
// caller must treat the failure as fatal to the current pass.
type Catalog interface {
	// ListAll returns a snapshot of the current mapping; order unspecified.
	ListAll() []Snapshot

	// Get returns the record for id, if present.
	Get(id string) (Snapshot, bool)

	// TransitionState performs an optimistic compare-and-swap on state.
	// It succeeds only when the record exists and its current state equals
	// expected; otherwise it returns false and leaves the record unchanged.
	// This is the sole primitive by which state advances.
	TransitionState(id string, expected, desired State) (bool, error)

	// Upsert replaces the full record keyed by its ID, creating it if
	// absent.
	Upsert(s Snapshot) error

	// RecordEvent appends to the event log. Events are not replayed.
	RecordEvent(e Event) error
}
