package storage

import (
	"context"
	"errors"
	"sync"
)

// MockBackend is an in-memory Backend for testing. Failures can be injected
// per id or for whole batches.
type MockBackend struct {
	mu       sync.Mutex
	payloads map[string][]byte

	// failIDs maps ids to the error their deletion reports.
	failIDs map[string]error

	// batchErr, when set, fails every batch indistinguishably: the result
	// carries no per-id failures, only the error.
	batchErr error

	// deleteBatches records every batch passed to DeletePayloadBatch.
	deleteBatches [][]string
	singleDeletes []string
}

// NewMockBackend creates an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		payloads: make(map[string][]byte),
		failIDs:  make(map[string]error),
	}
}

var _ Backend = (*MockBackend)(nil)

// PutPayload stores a payload for id.
func (m *MockBackend) PutPayload(id string, data []byte) {
	m.mu.Lock()
	m.payloads[id] = data
	m.mu.Unlock()
}

// FailID makes deletions of id fail with err until cleared with a nil err.
func (m *MockBackend) FailID(id string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.failIDs, id)
	} else {
		m.failIDs[id] = err
	}
	m.mu.Unlock()
}

// FailBatches makes every batch fail indistinguishably with err. Pass nil
// to restore normal behavior.
func (m *MockBackend) FailBatches(err error) {
	m.mu.Lock()
	m.batchErr = err
	m.mu.Unlock()
}

// DeletePayload removes the payload for id; absent payloads succeed.
func (m *MockBackend) DeletePayload(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.singleDeletes = append(m.singleDeletes, id)
	if err, ok := m.failIDs[id]; ok {
		return err
	}
	delete(m.payloads, id)
	return nil
}

// DeletePayloadBatch removes payloads for all ids, honoring injected failures.
func (m *MockBackend) DeletePayloadBatch(_ context.Context, ids []string) BatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteBatches = append(m.deleteBatches, append([]string(nil), ids...))

	if m.batchErr != nil {
		return BatchResult{Err: m.batchErr}
	}

	var res BatchResult
	var firstErr error
	for _, id := range ids {
		if err, ok := m.failIDs[id]; ok {
			res.FailedIDs = append(res.FailedIDs, id)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(m.payloads, id)
	}
	if firstErr != nil {
		res.Err = firstErr
	} else if len(res.FailedIDs) > 0 {
		res.Err = errors.New("delete failed")
	}
	return res
}

// Exists reports whether a payload is present for id.
func (m *MockBackend) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.payloads[id]
	return ok, nil
}

// Has reports payload presence without the Backend error signature.
func (m *MockBackend) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.payloads[id]
	return ok
}

// DeleteBatches returns a copy of every batch observed so far.
func (m *MockBackend) DeleteBatches() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.deleteBatches))
	for i, b := range m.deleteBatches {
		out[i] = append([]string(nil), b...)
	}
	return out
}
