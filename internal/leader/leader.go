// Package leader provides best-effort mutual exclusion for GC passes.
//
// At most one process should act as GC at a time. The contract is
// best-effort: a rare transient overlap is tolerated because every
// destructive GC step is additionally gated by an optimistic state CAS in
// the catalog.
package leader

// Elector grants and releases GC leadership.
type Elector interface {
	// TryAcquire attempts to take leadership without blocking. It returns
	// true when this process now holds the leader role.
	TryAcquire() bool

	// Release gives up leadership. Release is idempotent and safe to call
	// without holding the role.
	Release()
}
