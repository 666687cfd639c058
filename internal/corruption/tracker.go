// Package corruption tracks known-corrupt payload ranges per snapshot.
//
// The GC engine only forgets: a successfully destroyed snapshot no longer
// needs its corruption bookkeeping. Recording happens on the read path,
// outside GC.
package corruption

import (
	"strings"
	"sync"
)

// Tracker remembers corrupt payload locations across snapshots.
type Tracker interface {
	// RecordCorruptRange notes a corrupt byte offset within a payload file.
	RecordCorruptRange(file string, offset uint64)

	// ForgetSnapshot drops all corruption bookkeeping for a snapshot. GC
	// calls this exactly once per successful hard delete.
	ForgetSnapshot(id string)
}

// corruptRange is one recorded corrupt location.
type corruptRange struct {
	File   string
	Offset uint64
}

// MemoryTracker is an in-memory Tracker keyed by payload file name. The file name
// convention maps a payload file to its owning snapshot via the id prefix;
// hosts with a different layout supply their own Tracker.
type MemoryTracker struct {
	mu     sync.Mutex
	ranges map[string][]corruptRange
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{ranges: make(map[string][]corruptRange)}
}

var _ Tracker = (*MemoryTracker)(nil)

// RecordCorruptRange notes a corrupt offset, keyed by the file name.
func (t *MemoryTracker) RecordCorruptRange(file string, offset uint64) {
	t.mu.Lock()
	t.ranges[file] = append(t.ranges[file], corruptRange{File: file, Offset: offset})
	t.mu.Unlock()
}

// ForgetSnapshot drops all bookkeeping whose file belongs to the snapshot:
// the file named exactly id, or any file under the id's directory.
func (t *MemoryTracker) ForgetSnapshot(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	for file := range t.ranges {
		if file == id || strings.HasPrefix(file, id+"/") {
			delete(t.ranges, file)
		}
	}
	t.mu.Unlock()
}

// CorruptCount returns the number of files with recorded corruption.
func (t *MemoryTracker) CorruptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges)
}

// HasCorruption reports whether any corruption is recorded for id's files.
func (t *MemoryTracker) HasCorruption(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for file := range t.ranges {
		if file == id || strings.HasPrefix(file, id+"/") {
			return true
		}
	}
	return false
}
