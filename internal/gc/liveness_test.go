package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapgc-io/snapgc/internal/catalog"
)

const hourMs = int64(time.Hour / time.Millisecond)

func ids(live map[string]struct{}) []string {
	out := make([]string, 0, len(live))
	for id := range live {
		out = append(out, id)
	}
	return out
}

func TestLiveSetKeepLastN(t *testing.T) {
	now := int64(1_000_000_000)
	var all []catalog.Snapshot
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		all = append(all, catalog.Snapshot{
			ID:          id,
			CreatedAtMs: now - int64(i+1)*hourMs,
			State:       catalog.StateActive,
		})
	}

	live := ComputeLiveSet(all, RetentionPolicy{KeepLastN: 3}, now)
	require.ElementsMatch(t, []string{"a", "b", "c"}, ids(live))
}

func TestLiveSetKeepLastNTieBreak(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "z", CreatedAtMs: now - hourMs, State: catalog.StateActive},
		{ID: "a", CreatedAtMs: now - hourMs, State: catalog.StateActive},
		{ID: "m", CreatedAtMs: now - hourMs, State: catalog.StateActive},
	}

	// Equal creation times break ties by id ascending.
	live := ComputeLiveSet(all, RetentionPolicy{KeepLastN: 2}, now)
	require.ElementsMatch(t, []string{"a", "m"}, ids(live))
}

func TestLiveSetParentChain(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "x", CreatedAtMs: now - 10*hourMs, State: catalog.StateActive, ParentID: "y"},
		{ID: "y", CreatedAtMs: now - 100*hourMs, State: catalog.StateActive, ParentID: "z"},
		{ID: "z", CreatedAtMs: now - 200*hourMs, State: catalog.StateActive},
	}

	live := ComputeLiveSet(all, RetentionPolicy{KeepLastN: 1}, now)
	require.ElementsMatch(t, []string{"x", "y", "z"}, ids(live))
}

func TestLiveSetDanglingParent(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "x", CreatedAtMs: now - hourMs, State: catalog.StateActive, ParentID: "gone"},
	}

	live := ComputeLiveSet(all, RetentionPolicy{KeepLastN: 1}, now)
	require.ElementsMatch(t, []string{"x"}, ids(live))
}

func TestLiveSetParentCycle(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "x", CreatedAtMs: now - hourMs, State: catalog.StateActive, ParentID: "y"},
		{ID: "y", CreatedAtMs: now - 2*hourMs, State: catalog.StateActive, ParentID: "x"},
	}

	live := ComputeLiveSet(all, RetentionPolicy{KeepLastN: 1}, now)
	require.ElementsMatch(t, []string{"x", "y"}, ids(live))
}

func TestLiveSetMaxAge(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "young", CreatedAtMs: now - hourMs, State: catalog.StateActive},
		{ID: "old", CreatedAtMs: now - 50*hourMs, State: catalog.StateActive},
	}

	live := ComputeLiveSet(all, RetentionPolicy{MaxAgeMs: 24 * hourMs}, now)
	require.ElementsMatch(t, []string{"young"}, ids(live))
}

func TestLiveSetMaxAgeSkipsDeleted(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "gone", CreatedAtMs: now - hourMs, State: catalog.StateDeleted},
	}

	live := ComputeLiveSet(all, RetentionPolicy{MaxAgeMs: 24 * hourMs}, now)
	require.Empty(t, live)
}

func TestLiveSetLease(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "leased", CreatedAtMs: now - 500*hourMs, State: catalog.StateActive, LeaseCount: 1},
		{ID: "free", CreatedAtMs: now - 500*hourMs, State: catalog.StateActive},
	}

	live := ComputeLiveSet(all, RetentionPolicy{}, now)
	require.ElementsMatch(t, []string{"leased"}, ids(live))
}

func TestLiveSetProtectedTags(t *testing.T) {
	now := int64(1_000_000_000)
	for _, tag := range []string{catalog.TagPin, catalog.TagRetain, catalog.TagLegal} {
		all := []catalog.Snapshot{
			{ID: "tagged", CreatedAtMs: now - 1000*hourMs, State: catalog.StateActive, Tags: []string{tag}},
			{ID: "plain", CreatedAtMs: now - 1000*hourMs, State: catalog.StateActive, Tags: []string{"nightly"}},
		}

		live := ComputeLiveSet(all, RetentionPolicy{}, now)
		require.ElementsMatch(t, []string{"tagged"}, ids(live), "tag %s", tag)
	}
}

func TestLiveSetTagPinsAncestors(t *testing.T) {
	now := int64(1_000_000_000)
	all := []catalog.Snapshot{
		{ID: "leaf", CreatedAtMs: now - 1000*hourMs, State: catalog.StateActive, ParentID: "base", Tags: []string{catalog.TagLegal}},
		{ID: "base", CreatedAtMs: now - 2000*hourMs, State: catalog.StateActive},
	}

	live := ComputeLiveSet(all, RetentionPolicy{}, now)
	require.ElementsMatch(t, []string{"leaf", "base"}, ids(live))
}
