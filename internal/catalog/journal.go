package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/snapgc-io/snapgc/internal/clock"
	"github.com/snapgc-io/snapgc/internal/logging"
)

// JournalCatalogOptions configures a JournalCatalog.
type JournalCatalogOptions struct {
	// Clock supplies time for lease/access bookkeeping and archive naming.
	// Defaults to the system clock.
	Clock clock.Clock

	// Logger receives replay and compaction diagnostics. Defaults to the
	// global logger.
	Logger *logging.Logger

	// AutoCompactBytes triggers a journal compaction when the journal file
	// grows past this size. Zero disables automatic compaction.
	AutoCompactBytes int64
}

// JournalCatalog is a Catalog backed by an append-only journal file.
//
// Every mutation is framed, appended and flushed before the operation
// returns. Opening a catalog replays the journal from the beginning; a torn
// or corrupt tail is discarded and the file truncated to the last valid
// record boundary.
type JournalCatalog struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	size  int64
	items map[string]Snapshot

	clk     clock.Clock
	logger  *logging.Logger
	autoCap int64

	// eventsDirty is set when events have been appended without a flush;
	// Close syncs them so a clean shutdown loses no events.
	eventsDirty bool
	closed      bool
}

var _ Catalog = (*JournalCatalog)(nil)

// OpenJournalCatalog opens (or creates) the journal at path and replays it.
func OpenJournalCatalog(path string, opts JournalCatalogOptions) (*JournalCatalog, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}

	c := &JournalCatalog{
		path:    path,
		items:   make(map[string]Snapshot),
		clk:     opts.Clock,
		logger:  opts.Logger,
		autoCap: opts.AutoCompactBytes,
	}
	if err := c.openAndReplay(); err != nil {
		return nil, err
	}
	return c, nil
}

// openAndReplay loads the journal into memory, truncating any torn tail,
// and leaves c.file positioned for appending.
func (c *JournalCatalog) openAndReplay() error {
	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("catalog: open journal %s: %w", c.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("catalog: stat journal %s: %w", c.path, err)
	}

	// A crash during the very first open can leave a torn header; there is
	// nothing to replay, so start the journal over.
	if info.Size() > 0 && info.Size() < journalHeaderSize {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return fmt.Errorf("catalog: reset torn journal header: %w", err)
		}
	}

	if info.Size() < journalHeaderSize {
		if err := writeJournalHeader(f); err != nil {
			f.Close()
			return fmt.Errorf("catalog: write journal header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("catalog: sync journal header: %w", err)
		}
		c.file = f
		c.size = journalHeaderSize
		return nil
	}

	dec, err := newRecordDecoder(f)
	if err != nil {
		f.Close()
		return err
	}

	replayed := 0
	for {
		rec, err := dec.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTornRecord) {
			c.logger.Warn("journal tail discarded",
				"path", c.path,
				"validBytes", dec.validOffset,
				"fileBytes", info.Size(),
			)
			if err := f.Truncate(dec.validOffset); err != nil {
				f.Close()
				return fmt.Errorf("catalog: truncate torn journal tail: %w", err)
			}
			break
		}
		if err != nil {
			f.Close()
			return err
		}
		c.apply(rec)
		replayed++
	}

	if _, err := f.Seek(dec.validOffset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("catalog: seek journal end: %w", err)
	}

	c.file = f
	c.size = dec.validOffset
	c.logger.Debug("journal replayed",
		"path", c.path,
		"records", replayed,
		"snapshots", len(c.items),
	)
	return nil
}

// apply folds one journal record into the in-memory mapping. Replay trusts
// history: state records apply desired unconditionally when the record
// exists, and events are skipped.
func (c *JournalCatalog) apply(rec decodedRecord) {
	switch rec.kind {
	case recordUpsert:
		var s Snapshot
		if err := json.Unmarshal(rec.payload, &s); err != nil || s.ID == "" {
			c.logger.Warn("skipping unreadable upsert record", "error", err)
			return
		}
		c.items[s.ID] = s
	case recordState:
		var sr stateRecord
		if err := json.Unmarshal(rec.payload, &sr); err != nil {
			c.logger.Warn("skipping unreadable state record", "error", err)
			return
		}
		if s, ok := c.items[sr.ID]; ok {
			s.State = State(sr.Desired)
			c.items[sr.ID] = s
		}
	case recordEvent:
		// Events are informational and not replayed.
	default:
		c.logger.Warn("skipping unknown journal record kind", "kind", int(rec.kind))
	}
}

// append writes one framed record and, when sync is set, flushes it to disk
// before returning.
func (c *JournalCatalog) append(frame []byte, sync bool) error {
	if _, err := c.file.Write(frame); err != nil {
		return fmt.Errorf("catalog: append journal record: %w", err)
	}
	c.size += int64(len(frame))
	if sync {
		if err := c.file.Sync(); err != nil {
			return fmt.Errorf("catalog: sync journal: %w", err)
		}
		c.eventsDirty = false
	} else {
		c.eventsDirty = true
	}
	return nil
}

// ListAll returns a copy of every record; order unspecified.
func (c *JournalCatalog) ListAll() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, len(c.items))
	for _, s := range c.items {
		out = append(out, s.Clone())
	}
	return out
}

// Get returns the record for id, if present.
func (c *JournalCatalog) Get(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.items[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.Clone(), true
}

// TransitionState performs an optimistic compare-and-swap on state and
// journals the transition. A false return with nil error means the record
// was missing or its state did not match expected.
func (c *JournalCatalog) TransitionState(id string, expected, desired State) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	if !expected.Valid() || !desired.Valid() {
		return false, ErrInvalidState
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	s, ok := c.items[id]
	if !ok || s.State != expected {
		return false, nil
	}

	s.State = desired
	c.items[id] = s

	frame, err := encodeState(id, expected, desired)
	if err != nil {
		return false, err
	}
	if err := c.append(frame, true); err != nil {
		return false, err
	}
	return true, c.maybeCompactLocked()
}

// Upsert replaces the full record, creating it if absent.
func (c *JournalCatalog) Upsert(s Snapshot) error {
	if s.ID == "" {
		return ErrEmptyID
	}
	if !s.State.Valid() {
		return ErrInvalidState
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.upsertLocked(s)
}

func (c *JournalCatalog) upsertLocked(s Snapshot) error {
	c.items[s.ID] = s.Clone()

	frame, err := encodeUpsert(s)
	if err != nil {
		return err
	}
	if err := c.append(frame, true); err != nil {
		return err
	}
	return c.maybeCompactLocked()
}

// RecordEvent appends to the event log. Event appends are not individually
// flushed; Close flushes any pending events.
func (c *JournalCatalog) RecordEvent(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	frame, err := encodeEvent(e)
	if err != nil {
		return err
	}
	return c.append(frame, false)
}

// AcquireLease increments the lease count for id and returns the new count.
func (c *JournalCatalog) AcquireLease(id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	s, ok := c.items[id]
	if !ok {
		return 0, fmt.Errorf("catalog: acquire lease: unknown snapshot %q", id)
	}
	s.LeaseCount++
	s.LastAccessMs = c.clk.NowMs()
	if err := c.upsertLocked(s); err != nil {
		return 0, err
	}
	return s.LeaseCount, nil
}

// ReleaseLease decrements the lease count for id, never below zero, and
// returns the new count.
func (c *JournalCatalog) ReleaseLease(id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	s, ok := c.items[id]
	if !ok {
		return 0, fmt.Errorf("catalog: release lease: unknown snapshot %q", id)
	}
	if s.LeaseCount > 0 {
		s.LeaseCount--
	}
	if err := c.upsertLocked(s); err != nil {
		return 0, err
	}
	return s.LeaseCount, nil
}

// Touch records a read access at the clock's current instant.
func (c *JournalCatalog) Touch(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	s, ok := c.items[id]
	if !ok {
		return fmt.Errorf("catalog: touch: unknown snapshot %q", id)
	}
	s.LastAccessMs = c.clk.NowMs()
	return c.upsertLocked(s)
}

// Stats summarizes the catalog for observability.
type Stats struct {
	// Snapshots is the total record count.
	Snapshots int

	// ByState is the record count per lifecycle state.
	ByState map[State]int

	// JournalBytes is the current journal file size.
	JournalBytes int64
}

// Stats returns a point-in-time summary.
func (c *JournalCatalog) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Snapshots:    len(c.items),
		ByState:      make(map[State]int),
		JournalBytes: c.size,
	}
	for _, s := range c.items {
		st.ByState[s.State]++
	}
	return st
}

// Close flushes pending events and closes the journal file.
func (c *JournalCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var syncErr error
	if c.eventsDirty {
		syncErr = c.file.Sync()
	}
	closeErr := c.file.Close()
	if syncErr != nil {
		return fmt.Errorf("catalog: flush journal on close: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("catalog: close journal: %w", closeErr)
	}
	return nil
}

// maybeCompactLocked compacts the journal when it has outgrown the
// configured threshold.
func (c *JournalCatalog) maybeCompactLocked() error {
	if c.autoCap <= 0 || c.size < c.autoCap {
		return nil
	}
	return c.compactLocked()
}

// Compact rewrites the journal as one upsert per live record and archives
// the previous segment. Events are not carried over.
func (c *JournalCatalog) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.compactLocked()
}
