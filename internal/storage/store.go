// Package storage defines the snapshot payload backend consumed by GC.
//
// The engine only ever asks a backend to delete payloads; creation and
// reading happen elsewhere in the host. Deletion must be idempotent: an
// absent payload deletes successfully so that retries after a crash
// converge.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Backend implementations.
var (
	// ErrClosed is returned when operations are attempted on a closed backend.
	ErrClosed = errors.New("storage: backend closed")
)

// BatchResult is the outcome of a batch payload deletion.
//
// FailedIDs lists the ids whose payload could not be deleted. When the
// backend cannot attribute a failure to individual ids it leaves FailedIDs
// empty and sets Err; the caller then treats the whole batch as failed.
type BatchResult struct {
	// FailedIDs are the ids that failed, when per-id outcome is known.
	FailedIDs []string

	// Err describes the failure. Non-nil with empty FailedIDs means the
	// whole batch failed indistinguishably.
	Err error
}

// OK reports whether every deletion in the batch succeeded.
func (r BatchResult) OK() bool {
	return len(r.FailedIDs) == 0 && r.Err == nil
}

// ErrMessage returns the failure message, or "" when Err is nil.
func (r BatchResult) ErrMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Backend stores snapshot payloads keyed by snapshot id.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// DeletePayload removes the payload for one snapshot. Deleting an
	// absent payload succeeds.
	DeletePayload(ctx context.Context, id string) error

	// DeletePayloadBatch removes the payloads for all ids. It never returns
	// early: every id is attempted (or the whole batch fails at once).
	DeletePayloadBatch(ctx context.Context, ids []string) BatchResult

	// Exists reports whether a payload is present for id. GC never calls
	// this during a pass; it serves host-side consistency checks.
	Exists(ctx context.Context, id string) (bool, error)
}

// DeleteOneByOne implements a batch delete as a loop of single deletions,
// collecting per-id failures. Backends without a native bulk API use this.
func DeleteOneByOne(ctx context.Context, b Backend, ids []string) BatchResult {
	var res BatchResult
	var firstErr error
	for _, id := range ids {
		if err := b.DeletePayload(ctx, id); err != nil {
			res.FailedIDs = append(res.FailedIDs, id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(res.FailedIDs) > 0 {
		res.Err = fmt.Errorf("storage: %d of %d deletions failed: %w", len(res.FailedIDs), len(ids), firstErr)
	}
	return res
}
