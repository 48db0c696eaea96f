// Package blob implements the content-addressed filesystem storage that
// backs the Web viewer cache. Blobs are opaque byte strings identified by
// a UUID and laid out in a two-level hex fanout under the storage root.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrIO wraps every filesystem failure of the store.
var ErrIO = errors.New("blob storage I/O error")

// Store is a filesystem-backed blob store. It is safe for concurrent use:
// writes go to a temporary file first and become visible atomically through
// a rename.
type Store struct {
	root string
}

// NewStore opens (and creates if needed) a blob store rooted at path.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating root %s: %v", ErrIO, root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory holding the store.
func (s *Store) Root() string {
	return s.root
}

// path maps a uuid to its location in the fanout tree.
func (s *Store) path(id string) string {
	return filepath.Join(s.root, id[0:2], id[2:4], id)
}

// Put writes data to a fresh blob and returns its uuid. The blob is not
// visible under its final name until fully written.
func (s *Store) Put(data []byte) (string, error) {
	id := uuid.New().String()

	dir := filepath.Dir(s.path(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	return id, nil
}

// Get reads a blob back by uuid.
func (s *Store) Get(id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob %s: %v", ErrIO, id, err)
	}
	return data, nil
}

// Delete removes a blob. A missing blob is not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting blob %s: %v", ErrIO, id, err)
	}
	return nil
}

// Size returns the byte length of a stored blob.
func (s *Store) Size(id string) (int64, error) {
	info, err := os.Stat(s.path(id))
	if err != nil {
		return 0, fmt.Errorf("%w: stat blob %s: %v", ErrIO, id, err)
	}
	return info.Size(), nil
}

// List walks the fanout tree and returns the set of all stored uuids.
// Only the sanity check and the orphan sweep use it.
func (s *Store) List() (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if _, err := uuid.Parse(name); err == nil {
			ids[name] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing blobs: %v", ErrIO, err)
	}
	return ids, nil
}

// Clear removes every blob from the store, keeping the root directory.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}
