package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend stores each snapshot payload as a file or directory
// under a root directory, named by snapshot id.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates a backend rooted at root, creating the
// directory if needed.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: filesystem root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create payload root %s: %w", root, err)
	}
	return &FilesystemBackend{root: root}, nil
}

var _ Backend = (*FilesystemBackend)(nil)

// payloadPath maps an id to its location under the root. Path separators in
// ids are rejected so a crafted id cannot escape the root.
func (f *FilesystemBackend) payloadPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("storage: invalid snapshot id %q", id)
	}
	return filepath.Join(f.root, id), nil
}

// DeletePayload removes the payload for id; an absent payload succeeds.
func (f *FilesystemBackend) DeletePayload(_ context.Context, id string) error {
	p, err := f.payloadPath(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("storage: delete payload %s: %w", id, err)
	}
	return nil
}

// DeletePayloadBatch deletes each payload in turn; the filesystem has no
// bulk primitive.
func (f *FilesystemBackend) DeletePayloadBatch(ctx context.Context, ids []string) BatchResult {
	return DeleteOneByOne(ctx, f, ids)
}

// Exists reports whether a payload is present for id.
func (f *FilesystemBackend) Exists(_ context.Context, id string) (bool, error) {
	p, err := f.payloadPath(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat payload %s: %w", id, err)
	}
	return true, nil
}

// Root returns the payload root directory.
func (f *FilesystemBackend) Root() string {
	return f.root
}
