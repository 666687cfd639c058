// Package integration exercises the GC engine end to end: a journal-backed
// catalog, a filesystem payload backend, a file-lock leader and the
// orchestrator together, across process "restarts" (catalog reopen).
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapgc-io/snapgc/internal/catalog"
	"github.com/snapgc-io/snapgc/internal/clock"
	"github.com/snapgc-io/snapgc/internal/gc"
	"github.com/snapgc-io/snapgc/internal/leader"
	"github.com/snapgc-io/snapgc/internal/storage"
)

const hourMs = int64(time.Hour / time.Millisecond)

type harness struct {
	t       *testing.T
	dir     string
	clk     *clock.Manual
	catalog *catalog.JournalCatalog
	backend *storage.FilesystemBackend
	orch    *gc.Orchestrator
	policy  gc.RetentionPolicy
	opts    gc.Options
}

func newHarness(t *testing.T, policy gc.RetentionPolicy, opts gc.Options) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		dir:    t.TempDir(),
		clk:    clock.NewManual(1_700_000_000_000),
		policy: policy,
		opts:   opts,
	}

	backend, err := storage.NewFilesystemBackend(filepath.Join(h.dir, "snapshots"))
	require.NoError(t, err)
	h.backend = backend

	h.open()
	return h
}

// open builds the catalog and orchestrator, as a fresh process would.
func (h *harness) open() {
	h.t.Helper()

	cat, err := catalog.OpenJournalCatalog(filepath.Join(h.dir, "catalog.journal"), catalog.JournalCatalogOptions{Clock: h.clk})
	require.NoError(h.t, err)
	h.catalog = cat

	elector := leader.NewFileLockElector(filepath.Join(h.dir, "gc.lock"), h.clk, nil)

	orch, err := gc.New(gc.Config{
		Catalog: cat,
		Storage: h.backend,
		Policy:  h.policy,
		Options: h.opts,
		Leader:  elector,
		Clock:   h.clk,
	})
	require.NoError(h.t, err)
	h.orch = orch
}

// restart closes and reopens the catalog, replaying the journal.
func (h *harness) restart() {
	h.t.Helper()
	require.NoError(h.t, h.catalog.Close())
	h.open()
}

func (h *harness) addSnapshot(s catalog.Snapshot, payload []byte) {
	h.t.Helper()
	require.NoError(h.t, h.catalog.Upsert(s))
	require.NoError(h.t, os.WriteFile(filepath.Join(h.backend.Root(), s.ID), payload, 0o644))
}

func (h *harness) hasPayload(id string) bool {
	h.t.Helper()
	ok, err := h.backend.Exists(context.Background(), id)
	require.NoError(h.t, err)
	return ok
}

func (h *harness) run() gc.Metrics {
	h.t.Helper()
	m, err := h.orch.RunOnce(context.Background())
	require.NoError(h.t, err)
	return m
}

func TestGCSafetyNeverDeletesLiveSnapshots(t *testing.T) {
	opts := gc.DefaultOptions()
	opts.GracePeriodMs = hourMs
	h := newHarness(t, gc.RetentionPolicy{KeepLastN: 2}, opts)
	defer h.catalog.Close()

	now := h.clk.NowMs()
	// A chain old->mid->new plus one orphan outside retention.
	h.addSnapshot(catalog.Snapshot{ID: "old", CreatedAtMs: now - 300*hourMs, State: catalog.StateActive}, []byte("old"))
	h.addSnapshot(catalog.Snapshot{ID: "mid", CreatedAtMs: now - 200*hourMs, State: catalog.StateActive, ParentID: "old"}, []byte("mid"))
	h.addSnapshot(catalog.Snapshot{ID: "new", CreatedAtMs: now - hourMs, State: catalog.StateActive, ParentID: "mid"}, []byte("new"))
	h.addSnapshot(catalog.Snapshot{ID: "orphan", CreatedAtMs: now - 400*hourMs, State: catalog.StateActive}, []byte("orphan"))

	m := h.run()
	require.Equal(t, 1, m.Tombstoned)

	// KeepLastN=2 retains new and mid; the parent walk additionally pins
	// old. Only the orphan is tombstoned, and its payload survives the
	// grace period.
	for _, id := range []string{"old", "mid", "new"} {
		s, ok := h.catalog.Get(id)
		require.True(t, ok)
		require.Equal(t, catalog.StateActive, s.State)
		require.True(t, h.hasPayload(id))
	}
	require.True(t, h.hasPayload("orphan"))

	// Past the grace period, the next pass destroys the orphan payload and
	// nothing else.
	h.clk.Advance(2 * time.Hour)
	m = h.run()
	require.Equal(t, 1, m.Deleted)
	require.False(t, h.hasPayload("orphan"))
	for _, id := range []string{"old", "mid", "new"} {
		require.True(t, h.hasPayload(id))
	}

	s, ok := h.catalog.Get("orphan")
	require.True(t, ok)
	require.Equal(t, catalog.StateDeleted, s.State)
}

func TestGCSurvivesRestartBetweenStages(t *testing.T) {
	opts := gc.DefaultOptions()
	opts.GracePeriodMs = hourMs
	h := newHarness(t, gc.RetentionPolicy{}, opts)
	defer func() { h.catalog.Close() }()

	now := h.clk.NowMs()
	h.addSnapshot(catalog.Snapshot{ID: "a", CreatedAtMs: now - 100*hourMs, State: catalog.StateActive}, []byte("a"))

	m := h.run()
	require.Equal(t, 1, m.Tombstoned)

	// Restart after tombstoning; the grace window set before the restart
	// is honored by the replayed record.
	h.restart()
	s, ok := h.catalog.Get("a")
	require.True(t, ok)
	require.Equal(t, catalog.StateTombstoned, s.State)
	require.Equal(t, now+hourMs, s.HardDeleteAfterMs)

	m = h.run()
	require.Zero(t, m.Deleted)
	require.True(t, h.hasPayload("a"))

	h.clk.Advance(2 * time.Hour)
	h.restart()
	m = h.run()
	require.Equal(t, 1, m.Deleted)
	require.False(t, h.hasPayload("a"))

	// Repeating the pass after everything is deleted is a no-op.
	h.restart()
	m = h.run()
	require.Zero(t, m.Deleted)
	require.Zero(t, m.Tombstoned)
}

func TestGCLeaderExcludesSecondCollector(t *testing.T) {
	opts := gc.DefaultOptions()
	opts.GracePeriodMs = hourMs
	h := newHarness(t, gc.RetentionPolicy{}, opts)
	defer h.catalog.Close()

	now := h.clk.NowMs()
	h.addSnapshot(catalog.Snapshot{ID: "a", CreatedAtMs: now - 100*hourMs, State: catalog.StateActive}, []byte("a"))

	// A competing collector already holds the lock file.
	rival := leader.NewFileLockElector(filepath.Join(h.dir, "gc.lock"), h.clk, nil)
	require.True(t, rival.TryAcquire())

	m := h.run()
	require.Equal(t, gc.Metrics{}, m)
	s, _ := h.catalog.Get("a")
	require.Equal(t, catalog.StateActive, s.State)

	// Once the rival releases, the pass proceeds.
	rival.Release()
	m = h.run()
	require.Equal(t, 1, m.Tombstoned)
}
