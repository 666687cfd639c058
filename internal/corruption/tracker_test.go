package corruption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndForget(t *testing.T) {
	tr := NewMemoryTracker()

	tr.RecordCorruptRange("snap-1", 128)
	tr.RecordCorruptRange("snap-1/chunks/0", 4096)
	tr.RecordCorruptRange("snap-2", 0)

	require.True(t, tr.HasCorruption("snap-1"))
	require.True(t, tr.HasCorruption("snap-2"))
	require.Equal(t, 3, tr.CorruptCount())

	tr.ForgetSnapshot("snap-1")
	require.False(t, tr.HasCorruption("snap-1"))
	require.True(t, tr.HasCorruption("snap-2"))
	require.Equal(t, 1, tr.CorruptCount())

	// Forgetting an unknown snapshot is a no-op.
	tr.ForgetSnapshot("snap-9")
	tr.ForgetSnapshot("")
	require.Equal(t, 1, tr.CorruptCount())
}
