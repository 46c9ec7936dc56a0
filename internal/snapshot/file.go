package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
)

// FileStore keeps the snapshot in a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a file store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Location returns the file path.
func (f *FileStore) Location() string { return f.path }

// Save writes the snapshot to a temporary file and renames it into place.
func (f *FileStore) Save(_ context.Context, snap catalog.Snapshot) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if err := Encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("move snapshot into place: %w", err)
	}
	return nil
}

// Load reads the snapshot file.
func (f *FileStore) Load(_ context.Context) (catalog.Snapshot, error) {
	file, err := os.Open(f.path) //nolint:gosec // path is from trusted config
	if errors.Is(err, os.ErrNotExist) {
		return catalog.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return catalog.Snapshot{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()
	return Decode(file)
}
