// Package catalog provides the durable snapshot metadata catalog.
//
// The catalog owns every snapshot record and all mutation of record state.
// It is backed by an append-only journal of operations; each state
// transition, upsert and event is written as one framed record. State
// transitions and upserts are flushed before the operation returns; events
// are flushed by a later flushing write or on Close. On startup the journal is replayed from the
// beginning to reconstruct the in-memory mapping.
package catalog

import "fmt"

// State is the lifecycle state of a snapshot record.
type State int

// Snapshot lifecycle states. The integer codes are part of the journal
// contract and must not be reordered.
const (
	// StateActive is the normal, addressable state.
	StateActive State = iota
	// StateTombstoned is the soft-deleted state: the record persists and the
	// payload may persist, but destruction is scheduled.
	StateTombstoned
	// StateDeleting marks a record claimed by a GC pass for payload deletion.
	StateDeleting
	// StateDeleted is terminal: the payload is gone.
	StateDeleted
	// StateQuarantined is terminal with respect to GC: repeated payload
	// deletion failures require operator attention.
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTombstoned:
		return "tombstoned"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	case StateQuarantined:
		return "quarantined"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is one of the five defined states.
func (s State) Valid() bool {
	return s >= StateActive && s <= StateQuarantined
}

// Terminal reports whether GC will never move a record out of s.
func (s State) Terminal() bool {
	return s == StateDeleted || s == StateQuarantined
}

// Tags with retention semantics: a snapshot carrying any of these is always
// considered live, regardless of age-based policy.
const (
	TagPin    = "pin"
	TagRetain = "retain"
	TagLegal  = "legal"
)

// Snapshot is one snapshot metadata record.
//
// Timestamps are milliseconds since the Unix epoch; zero means unset.
// HardDeleteAfterMs is set exactly once, at tombstone time, and is never
// modified afterwards so later policy changes cannot retroactively shorten
// or extend a grace window already granted.
type Snapshot struct {
	// ID is the stable, globally unique snapshot identifier.
	ID string `json:"id"`

	// CreatedAtMs is the original creation instant.
	CreatedAtMs int64 `json:"createdAtMs"`

	// SizeBytes is the logical payload size; informational.
	SizeBytes int64 `json:"sizeBytes"`

	// State is the lifecycle state.
	State State `json:"state"`

	// ParentID is the optional predecessor in an incremental chain.
	ParentID string `json:"parentId,omitempty"`

	// Tags is an unordered set of labels. TagPin, TagRetain and TagLegal
	// are privileged.
	Tags []string `json:"tags,omitempty"`

	// LeaseCount is the number of active readers. Leases are acquired and
	// released by the host, never by GC.
	LeaseCount int `json:"leaseCount"`

	// LastAccessMs is the last observed read; zero if never accessed.
	LastAccessMs int64 `json:"lastAccessMs,omitempty"`

	// HardDeleteAfterMs is the instant after which payload destruction is
	// permitted; zero until the record is first tombstoned.
	HardDeleteAfterMs int64 `json:"hardDeleteAfterMs,omitempty"`

	// DeleteFailures counts consecutive payload-deletion failures since the
	// last success.
	DeleteFailures int `json:"deleteFailures,omitempty"`

	// NextRetryAfterMs suppresses deletion retries before this instant;
	// zero when no backoff is pending.
	NextRetryAfterMs int64 `json:"nextRetryAfterMs,omitempty"`

	// LastError is the failure message from the most recent failed deletion.
	LastError string `json:"lastError,omitempty"`
}

// HasTag reports whether the snapshot carries the given tag.
func (s *Snapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Protected reports whether any privileged retention tag is present.
func (s *Snapshot) Protected() bool {
	return s.HasTag(TagPin) || s.HasTag(TagRetain) || s.HasTag(TagLegal)
}

// Clone returns a deep copy of the record.
func (s *Snapshot) Clone() Snapshot {
	out := *s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return out
}

// Event types recorded by the GC engine.
const (
	EventDryRunTombstone  = "DRYRUN_TOMBSTONE"
	EventTombstone        = "TOMBSTONE"
	EventInactiveEligible = "INACTIVE_ELIGIBLE"
	EventDryRunDelete     = "DRYRUN_DELETE"
	EventDeleteOK         = "DELETE_OK"
	EventDeleteFail       = "DELETE_FAIL"
	EventQuarantine       = "QUARANTINE"
)

// Event is one append-only log entry describing an externally observable
// GC decision. Events are informational; replay does not reconstruct them.
type Event struct {
	// WhenMs is the decision instant in Unix milliseconds.
	WhenMs int64 `json:"whenMs"`

	// SnapshotID is the subject snapshot.
	SnapshotID string `json:"snapshotId"`

	// Type is one of the Event* constants.
	Type string `json:"type"`

	// Details is a human-readable elaboration.
	Details string `json:"details,omitempty"`
}
