package leader

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/snapgc-io/snapgc/internal/clock"
	"github.com/snapgc-io/snapgc/internal/logging"
)

// lockInfo is written into the lock file so operators can see who holds
// leadership and since when.
type lockInfo struct {
	OwnerID      string `json:"ownerId"`
	PID          int    `json:"pid"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
}

// FileLockElector implements Elector with a create-exclusive lock file.
//
// Acquisition creates the file with O_EXCL; an existing file means another
// process leads. Release removes the file. If the process dies without
// releasing, the stale file must be removed by the operator; the catalog's
// CAS gates keep a stale lock from causing unsafe deletions in the
// meantime.
type FileLockElector struct {
	mu       sync.Mutex
	path     string
	ownerID  string
	clk      clock.Clock
	logger   *logging.Logger
	acquired bool
}

var _ Elector = (*FileLockElector)(nil)

// NewFileLockElector creates an elector using the lock file at path.
func NewFileLockElector(path string, clk clock.Clock, logger *logging.Logger) *FileLockElector {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &FileLockElector{
		path:    path,
		ownerID: uuid.New().String(),
		clk:     clk,
		logger:  logger,
	}
}

// TryAcquire attempts to create the lock file exclusively.
func (e *FileLockElector) TryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acquired {
		return true
	}

	f, err := os.OpenFile(e.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			e.logger.Warn("leader lock acquisition failed", "path", e.path, "error", err)
		}
		return false
	}

	info := lockInfo{
		OwnerID:      e.ownerID,
		PID:          os.Getpid(),
		AcquiredAtMs: e.clk.NowMs(),
	}
	if data, err := json.Marshal(info); err == nil {
		f.Write(append(data, '\n'))
	}
	f.Close()

	e.acquired = true
	e.logger.Debug("leader lock acquired", "path", e.path, "owner", e.ownerID)
	return true
}

// Release removes the lock file. Idempotent.
func (e *FileLockElector) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.acquired {
		return
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("leader lock release failed", "path", e.path, "error", err)
	}
	e.acquired = false
	e.logger.Debug("leader lock released", "path", e.path, "owner", e.ownerID)
}

// Close releases the lock if held. Suitable for defer at process exit.
func (e *FileLockElector) Close() error {
	e.Release()
	return nil
}

// OwnerID returns this elector's stable owner identity.
func (e *FileLockElector) OwnerID() string {
	return e.ownerID
}
