package gc

import (
	"sort"

	"github.com/snapgc-io/snapgc/internal/catalog"
)

// ComputeLiveSet returns the ids that policy, tags and leases require to be
// retained at instant nowMs, together with their full ancestor chains.
//
// A record enters the live set when any of the following holds:
//
//  1. it is among the KeepLastN records with the greatest creation time
//     (ties broken by id ascending);
//  2. it is not Deleted and was created within MaxAgeMs of nowMs;
//  3. it has an active lease;
//  4. it carries a privileged retention tag (pin, retain, legal).
//
// Clauses 3 and 4, like clause 2, apply only to records that are not
// Deleted; clause 1 ranks all records regardless of state.
//
// Ancestors reached through ParentID are included transitively, so
// retaining a leaf pins its entire incremental history. Dangling parents
// are tolerated and skipped; accidental cycles are bounded by the live set
// itself acting as the visited set.
func ComputeLiveSet(all []catalog.Snapshot, policy RetentionPolicy, nowMs int64) map[string]struct{} {
	live := make(map[string]struct{})
	byID := make(map[string]*catalog.Snapshot, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}

	if policy.KeepLastN > 0 {
		sorted := make([]*catalog.Snapshot, 0, len(all))
		for i := range all {
			sorted = append(sorted, &all[i])
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].CreatedAtMs != sorted[j].CreatedAtMs {
				return sorted[i].CreatedAtMs > sorted[j].CreatedAtMs
			}
			return sorted[i].ID < sorted[j].ID
		})
		for i := 0; i < len(sorted) && i < policy.KeepLastN; i++ {
			markLiveWithParents(sorted[i].ID, byID, live)
		}
	}

	cutoff := nowMs - policy.MaxAgeMs
	for i := range all {
		s := &all[i]
		if s.State == catalog.StateDeleted {
			continue
		}
		if s.CreatedAtMs >= cutoff {
			markLiveWithParents(s.ID, byID, live)
		}
		if s.LeaseCount > 0 {
			markLiveWithParents(s.ID, byID, live)
		}
		if s.Protected() {
			markLiveWithParents(s.ID, byID, live)
		}
	}

	return live
}

// markLiveWithParents adds id and its ancestor chain to live. The walk is
// iterative so arbitrarily long chains cannot exhaust the stack, and the
// live set doubles as the visited set so a cycle terminates.
func markLiveWithParents(id string, byID map[string]*catalog.Snapshot, live map[string]struct{}) {
	for id != "" {
		if _, seen := live[id]; seen {
			return
		}
		s, ok := byID[id]
		if !ok {
			return
		}
		live[id] = struct{}{}
		id = s.ParentID
	}
}
