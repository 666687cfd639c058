// Package gc implements the two-stage snapshot garbage collector.
//
// One pass tombstones snapshots that fall outside the live set computed by
// the retention policy, then hard-deletes tombstoned snapshots whose grace
// period has expired. Every destructive step is gated by an optimistic
// state CAS in the catalog, so overlapping passes converge instead of
// double-deleting.
package gc

import "time"

// RetentionPolicy selects which snapshots must be retained.
type RetentionPolicy struct {
	// KeepLastN retains the N most recently created snapshots, ties broken
	// by id ascending. Zero keeps none by recency.
	KeepLastN int `yaml:"keepLastN"`

	// MaxAgeMs retains snapshots created within this window of the pass
	// instant.
	MaxAgeMs int64 `yaml:"maxAgeMs"`
}

// DefaultRetentionPolicy returns the standard policy: keep the last 10
// snapshots and everything younger than 30 days.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepLastN: 10,
		MaxAgeMs:  (30 * 24 * time.Hour).Milliseconds(),
	}
}

// Options configures one GC orchestrator.
type Options struct {
	// DryRun makes the pass emit DRYRUN_* events instead of mutating state
	// or deleting payloads.
	DryRun bool `yaml:"dryRun"`

	// EnableTombstoneStage gates stage A.
	EnableTombstoneStage bool `yaml:"enableTombstoneStage"`

	// EnableHardDeleteStage gates stage B.
	EnableHardDeleteStage bool `yaml:"enableHardDeleteStage"`

	// InactiveTimeoutMs is the idle window after which an unreferenced but
	// still Active snapshot is flagged with an INACTIVE_ELIGIBLE event.
	// The signal never mutates state.
	InactiveTimeoutMs int64 `yaml:"inactiveTimeoutMs"`

	// GracePeriodMs is the minimum interval between tombstoning and payload
	// destruction. It is captured into the record at tombstone time so
	// later policy changes do not retroactively change a granted window.
	GracePeriodMs int64 `yaml:"gracePeriodMs"`

	// MaxDeletesPerRun bounds the hard-delete candidates examined per pass.
	MaxDeletesPerRun int `yaml:"maxDeletesPerRun"`

	// BatchDeleteSize is the number of payloads deleted per storage call.
	BatchDeleteSize int `yaml:"batchDeleteSize"`

	// MaxDeleteFailuresBeforeQuarantine moves a record to Quarantined once
	// its consecutive failure count reaches this threshold.
	MaxDeleteFailuresBeforeQuarantine int `yaml:"maxDeleteFailuresBeforeQuarantine"`

	// BaseRetryBackoffMs scales the retry delay after a failed deletion:
	// after n consecutive failures the delay is BaseRetryBackoffMs * 2^n
	// (twice the base after the first failure), with the exponent capped
	// at 10.
	BaseRetryBackoffMs int64 `yaml:"baseRetryBackoffMs"`
}

// DefaultOptions returns the standard GC options.
func DefaultOptions() Options {
	return Options{
		DryRun:                            false,
		EnableTombstoneStage:              true,
		EnableHardDeleteStage:             true,
		InactiveTimeoutMs:                 (7 * 24 * time.Hour).Milliseconds(),
		GracePeriodMs:                     (7 * 24 * time.Hour).Milliseconds(),
		MaxDeletesPerRun:                  1000,
		BatchDeleteSize:                   50,
		MaxDeleteFailuresBeforeQuarantine: 5,
		BaseRetryBackoffMs:                (10 * time.Second).Milliseconds(),
	}
}

// sanitize fills nonsensical zero values with defaults. Fields where zero
// is meaningful (GracePeriodMs, InactiveTimeoutMs, DryRun, the stage gates)
// are left alone.
func (o Options) sanitize() Options {
	if o.MaxDeletesPerRun <= 0 {
		o.MaxDeletesPerRun = 1000
	}
	if o.BatchDeleteSize <= 0 {
		o.BatchDeleteSize = 50
	}
	if o.MaxDeleteFailuresBeforeQuarantine <= 0 {
		o.MaxDeleteFailuresBeforeQuarantine = 5
	}
	if o.BaseRetryBackoffMs <= 0 {
		o.BaseRetryBackoffMs = (10 * time.Second).Milliseconds()
	}
	return o
}

// Metrics are the per-pass counters returned by RunOnce.
type Metrics struct {
	// Scanned is the number of catalog records examined.
	Scanned int

	// Tombstoned is the number of records soft-deleted this pass.
	Tombstoned int

	// Deleted is the number of payloads destroyed this pass.
	Deleted int

	// Quarantined is the number of records moved to Quarantined this pass.
	Quarantined int

	// DeleteFailed is the number of failed payload deletions this pass.
	DeleteFailed int

	// InactiveLoadedSignals is the number of INACTIVE_ELIGIBLE events
	// emitted this pass.
	InactiveLoadedSignals int
}
