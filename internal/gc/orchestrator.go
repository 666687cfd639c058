package gc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/snapgc-io/snapgc/internal/catalog"
	"github.com/snapgc-io/snapgc/internal/clock"
	"github.com/snapgc-io/snapgc/internal/corruption"
	"github.com/snapgc-io/snapgc/internal/leader"
	"github.com/snapgc-io/snapgc/internal/logging"
	"github.com/snapgc-io/snapgc/internal/metrics"
	"github.com/snapgc-io/snapgc/internal/storage"
)

// Configuration errors.
var (
	// ErrNoCatalog is returned when the orchestrator is built without a catalog.
	ErrNoCatalog = errors.New("gc: catalog is required")

	// ErrNoStorage is returned when the orchestrator is built without a storage backend.
	ErrNoStorage = errors.New("gc: storage backend is required")
)

// Config assembles an Orchestrator's collaborators.
type Config struct {
	// Catalog owns the snapshot records. Required.
	Catalog catalog.Catalog

	// Storage destroys snapshot payloads. Required.
	Storage storage.Backend

	// Policy selects the live set.
	Policy RetentionPolicy

	// Options tunes the pass.
	Options Options

	// Leader, when set, gates each pass behind best-effort mutual
	// exclusion. A pass that fails acquisition returns zeroed metrics.
	Leader leader.Elector

	// Corruption, when set, is told to forget each successfully destroyed
	// snapshot.
	Corruption corruption.Tracker

	// Clock supplies the pass instant. Defaults to the system clock.
	Clock clock.Clock

	// Logger receives pass diagnostics. Defaults to the global logger.
	Logger *logging.Logger

	// Metrics, when set, receives pass counters and backlog gauges.
	Metrics *metrics.GCMetrics
}

// Orchestrator drives the two-stage GC state machine.
//
// Active --tombstone--> Tombstoned --claim--> Deleting, which resolves to
// Deleted on success, back to Tombstoned on a recoverable failure, or to
// Quarantined after too many failures. No other transitions are produced.
type Orchestrator struct {
	cat     catalog.Catalog
	store   storage.Backend
	policy  RetentionPolicy
	opts    Options
	elector leader.Elector
	tracker corruption.Tracker
	clk     clock.Clock
	logger  *logging.Logger
	metrics *metrics.GCMetrics
}

// New creates an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Catalog == nil {
		return nil, ErrNoCatalog
	}
	if cfg.Storage == nil {
		return nil, ErrNoStorage
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	return &Orchestrator{
		cat:     cfg.Catalog,
		store:   cfg.Storage,
		policy:  cfg.Policy,
		opts:    cfg.Options.sanitize(),
		elector: cfg.Leader,
		tracker: cfg.Corruption,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// RunOnce drives one GC pass and returns its counters.
//
// The pass is synchronous and safe to repeat: rerunning without intervening
// state changes converges to the same durable state. Per-record failures
// are absorbed into metrics and record bookkeeping; only a catalog
// durability failure aborts the pass and is returned as an error.
func (o *Orchestrator) RunOnce(ctx context.Context) (Metrics, error) {
	var m Metrics

	if o.elector != nil {
		if !o.elector.TryAcquire() {
			o.logger.Debug("gc pass skipped, not leader")
			return m, nil
		}
		defer o.elector.Release()
	}

	nowMs := o.clk.NowMs()
	log := o.logger.With(map[string]any{"pass": uuid.New().String()})

	all := o.cat.ListAll()
	m.Scanned = len(all)

	live := ComputeLiveSet(all, o.policy, nowMs)
	log.Debug("live set computed", "scanned", m.Scanned, "live", len(live))

	if o.opts.EnableTombstoneStage {
		if err := o.tombstoneStage(all, live, nowMs, &m, log); err != nil {
			return m, err
		}
	}

	if o.opts.EnableHardDeleteStage {
		if err := o.hardDeleteStage(ctx, nowMs, &m, log); err != nil {
			return m, err
		}
	}

	o.publishMetrics(nowMs, m)
	log.Info("gc pass complete",
		"scanned", m.Scanned,
		"tombstoned", m.Tombstoned,
		"deleted", m.Deleted,
		"quarantined", m.Quarantined,
		"deleteFailed", m.DeleteFailed,
		"inactiveSignals", m.InactiveLoadedSignals,
	)
	return m, nil
}

// tombstoneStage soft-deletes Active records outside the live set and emits
// inactivity signals.
func (o *Orchestrator) tombstoneStage(all []catalog.Snapshot, live map[string]struct{}, nowMs int64, m *Metrics, log *logging.Logger) error {
	for i := range all {
		s := &all[i]
		if s.State != catalog.StateActive {
			continue
		}
		if _, isLive := live[s.ID]; isLive {
			continue
		}
		if s.LeaseCount > 0 {
			continue
		}

		if o.opts.DryRun {
			if err := o.cat.RecordEvent(catalog.Event{
				WhenMs:     nowMs,
				SnapshotID: s.ID,
				Type:       catalog.EventDryRunTombstone,
				Details:    "would tombstone",
			}); err != nil {
				return err
			}
			continue
		}

		ok, err := o.cat.TransitionState(s.ID, catalog.StateActive, catalog.StateTombstoned)
		if err != nil {
			return fmt.Errorf("gc: tombstone %s: %w", s.ID, err)
		}
		if !ok {
			// Another actor moved the record; not ours this pass.
			continue
		}

		cur, found := o.cat.Get(s.ID)
		if !found {
			continue
		}
		// The grace window is granted exactly once, here.
		cur.HardDeleteAfterMs = nowMs + o.opts.GracePeriodMs
		cur.NextRetryAfterMs = 0
		cur.LastError = ""
		if err := o.cat.Upsert(cur); err != nil {
			return fmt.Errorf("gc: persist tombstone %s: %w", s.ID, err)
		}
		if err := o.cat.RecordEvent(catalog.Event{
			WhenMs:     nowMs,
			SnapshotID: s.ID,
			Type:       catalog.EventTombstone,
			Details:    "soft-deleted, hard delete scheduled",
		}); err != nil {
			return err
		}
		m.Tombstoned++
		log.Debug("snapshot tombstoned", "id", s.ID, "hardDeleteAfterMs", cur.HardDeleteAfterMs)
	}

	// Inactivity is a signal only; the serving path owns any actual
	// unloading of long-unreferenced snapshots.
	for i := range all {
		s := &all[i]
		if s.State != catalog.StateActive {
			continue
		}
		if _, isLive := live[s.ID]; isLive {
			continue
		}
		if s.LastAccessMs <= 0 {
			continue
		}
		if nowMs < s.LastAccessMs+o.opts.InactiveTimeoutMs {
			continue
		}
		if err := o.cat.RecordEvent(catalog.Event{
			WhenMs:     nowMs,
			SnapshotID: s.ID,
			Type:       catalog.EventInactiveEligible,
			Details:    "unreferenced past inactive timeout",
		}); err != nil {
			return err
		}
		m.InactiveLoadedSignals++
	}

	return nil
}

// hardDeleteStage destroys payloads of tombstoned records whose grace has
// expired, with retry backoff and quarantine on repeated failure.
func (o *Orchestrator) hardDeleteStage(ctx context.Context, nowMs int64, m *Metrics, log *logging.Logger) error {
	eligible := o.collectEligible(nowMs)
	if len(eligible) > o.opts.MaxDeletesPerRun {
		eligible = eligible[:o.opts.MaxDeletesPerRun]
	}

	for start := 0; start < len(eligible); start += o.opts.BatchDeleteSize {
		end := start + o.opts.BatchDeleteSize
		if end > len(eligible) {
			end = len(eligible)
		}
		if err := o.deleteChunk(ctx, eligible[start:end], nowMs, m, log); err != nil {
			return err
		}
	}
	return nil
}

// collectEligible re-lists the catalog (the tombstone stage may have
// changed it) and returns the ids ready for deletion, oldest obligation
// first.
func (o *Orchestrator) collectEligible(nowMs int64) []string {
	all := o.cat.ListAll()

	type candidate struct {
		id    string
		hdaMs int64
	}
	cands := make([]candidate, 0, len(all))
	for i := range all {
		s := &all[i]
		if s.State != catalog.StateTombstoned {
			continue
		}
		if s.LeaseCount > 0 {
			continue
		}
		if s.HardDeleteAfterMs <= 0 || nowMs < s.HardDeleteAfterMs {
			continue
		}
		if s.NextRetryAfterMs > 0 && nowMs < s.NextRetryAfterMs {
			continue
		}
		cands = append(cands, candidate{id: s.ID, hdaMs: s.HardDeleteAfterMs})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].hdaMs != cands[j].hdaMs {
			return cands[i].hdaMs < cands[j].hdaMs
		}
		return cands[i].id < cands[j].id
	})

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// deleteChunk claims, deletes and finalizes one batch of ids.
func (o *Orchestrator) deleteChunk(ctx context.Context, ids []string, nowMs int64, m *Metrics, log *logging.Logger) error {
	if o.opts.DryRun {
		for _, id := range ids {
			if err := o.cat.RecordEvent(catalog.Event{
				WhenMs:     nowMs,
				SnapshotID: id,
				Type:       catalog.EventDryRunDelete,
				Details:    "would hard-delete payload",
			}); err != nil {
				return err
			}
		}
		return nil
	}

	// Claiming via CAS is what makes destruction at-most-once: of two
	// racing passes, exactly one wins each record.
	deleting := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := o.cat.TransitionState(id, catalog.StateTombstoned, catalog.StateDeleting)
		if err != nil {
			return fmt.Errorf("gc: claim %s: %w", id, err)
		}
		if ok {
			deleting = append(deleting, id)
		}
	}
	if len(deleting) == 0 {
		return nil
	}

	res := o.store.DeletePayloadBatch(ctx, deleting)

	failed := make(map[string]struct{}, len(res.FailedIDs))
	for _, id := range res.FailedIDs {
		failed[id] = struct{}{}
	}
	// A request-level failure with no per-id attribution marks the whole
	// batch failed.
	wholeBatchFailed := !res.OK() && len(res.FailedIDs) == 0 && res.ErrMessage() != ""

	for _, id := range deleting {
		_, isFailed := failed[id]
		if wholeBatchFailed {
			isFailed = true
		}

		if !isFailed {
			if err := o.finalizeDeleted(id, nowMs, m, log); err != nil {
				return err
			}
			continue
		}
		if err := o.finalizeFailed(id, res.ErrMessage(), nowMs, m, log); err != nil {
			return err
		}
	}
	return nil
}

// finalizeDeleted moves a successfully destroyed record to its terminal
// state.
func (o *Orchestrator) finalizeDeleted(id string, nowMs int64, m *Metrics, log *logging.Logger) error {
	ok, err := o.cat.TransitionState(id, catalog.StateDeleting, catalog.StateDeleted)
	if err != nil {
		return fmt.Errorf("gc: finalize delete %s: %w", id, err)
	}
	if ok {
		// Deleted records carry no retry bookkeeping.
		if cur, found := o.cat.Get(id); found &&
			(cur.DeleteFailures != 0 || cur.NextRetryAfterMs != 0 || cur.LastError != "") {
			cur.DeleteFailures = 0
			cur.NextRetryAfterMs = 0
			cur.LastError = ""
			if err := o.cat.Upsert(cur); err != nil {
				return fmt.Errorf("gc: persist delete %s: %w", id, err)
			}
		}
	}
	if err := o.cat.RecordEvent(catalog.Event{
		WhenMs:     nowMs,
		SnapshotID: id,
		Type:       catalog.EventDeleteOK,
		Details:    "payload permanently deleted",
	}); err != nil {
		return err
	}
	m.Deleted++
	if o.tracker != nil {
		o.tracker.ForgetSnapshot(id)
	}
	log.Debug("snapshot deleted", "id", id)
	return nil
}

// finalizeFailed books a failed deletion: bump the failure count, schedule
// the retry backoff, and either requeue as Tombstoned or quarantine.
func (o *Orchestrator) finalizeFailed(id, errMsg string, nowMs int64, m *Metrics, log *logging.Logger) error {
	m.DeleteFailed++

	cur, found := o.cat.Get(id)
	if !found {
		return nil
	}

	cur.DeleteFailures++
	if errMsg == "" {
		errMsg = "Delete failed"
	}
	cur.LastError = errMsg
	cur.NextRetryAfterMs = nowMs + retryBackoffMs(o.opts.BaseRetryBackoffMs, cur.DeleteFailures)

	if cur.DeleteFailures >= o.opts.MaxDeleteFailuresBeforeQuarantine {
		ok, err := o.cat.TransitionState(id, catalog.StateDeleting, catalog.StateQuarantined)
		if err != nil {
			return fmt.Errorf("gc: quarantine %s: %w", id, err)
		}
		if !ok {
			return nil
		}
		cur.State = catalog.StateQuarantined
		if err := o.cat.Upsert(cur); err != nil {
			return fmt.Errorf("gc: persist quarantine %s: %w", id, err)
		}
		if err := o.cat.RecordEvent(catalog.Event{
			WhenMs:     nowMs,
			SnapshotID: id,
			Type:       catalog.EventQuarantine,
			Details:    "too many delete failures: " + cur.LastError,
		}); err != nil {
			return err
		}
		m.Quarantined++
		log.Warn("snapshot quarantined", "id", id, "failures", cur.DeleteFailures, "error", cur.LastError)
		return nil
	}

	ok, err := o.cat.TransitionState(id, catalog.StateDeleting, catalog.StateTombstoned)
	if err != nil {
		return fmt.Errorf("gc: requeue %s: %w", id, err)
	}
	if !ok {
		return nil
	}
	cur.State = catalog.StateTombstoned
	if err := o.cat.Upsert(cur); err != nil {
		return fmt.Errorf("gc: persist delete failure %s: %w", id, err)
	}
	if err := o.cat.RecordEvent(catalog.Event{
		WhenMs:     nowMs,
		SnapshotID: id,
		Type:       catalog.EventDeleteFail,
		Details:    "will retry after backoff: " + cur.LastError,
	}); err != nil {
		return err
	}
	log.Debug("snapshot delete failed",
		"id", id,
		"failures", cur.DeleteFailures,
		"nextRetryAfterMs", cur.NextRetryAfterMs,
	)
	return nil
}

// retryBackoffMs computes the exponential retry delay: base doubled per
// consecutive failure, capped at 2^10.
func retryBackoffMs(baseMs int64, failures int) int64 {
	shift := failures
	if shift > 10 {
		shift = 10
	}
	return baseMs * (1 << shift)
}

// publishMetrics pushes pass counters and a fresh backlog view to
// Prometheus, when configured.
func (o *Orchestrator) publishMetrics(nowMs int64, m Metrics) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordRun(m.Scanned, m.Tombstoned, m.Deleted, m.Quarantined, m.DeleteFailed, m.InactiveLoadedSignals)

	var pending, eligible, quarantined int
	for _, s := range o.cat.ListAll() {
		switch s.State {
		case catalog.StateTombstoned:
			pending++
			if s.LeaseCount == 0 && s.HardDeleteAfterMs > 0 && nowMs >= s.HardDeleteAfterMs &&
				(s.NextRetryAfterMs == 0 || nowMs >= s.NextRetryAfterMs) {
				eligible++
			}
		case catalog.StateQuarantined:
			quarantined++
		}
	}
	o.metrics.RecordBacklog(pending, eligible, quarantined)
}
