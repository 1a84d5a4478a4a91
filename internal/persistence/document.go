package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document is a single JSON file that is the unit of persistence for a
// store. All mutations go through WithLock: acquire the file lock, reload
// the document from disk, run the mutation, persist atomically, release.
// Reads outside WithLock re-read from disk and are stale-tolerant.
type Document struct {
	path string
	lock *FileLock
}

// NewDocument creates a document at path, ensuring the parent directory
// exists.
func NewDocument(path string) (*Document, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Document{
		path: path,
		lock: NewFileLock(path),
	}, nil
}

// Path returns the on-disk location of the document.
func (d *Document) Path() string {
	return d.path
}

// Load reads the document from disk into v. A missing file leaves v
// untouched so callers start from their zero-value defaults.
func (d *Document) Load(v any) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", d.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", d.path, err)
	}
	return nil
}

// WithLock runs op with the file lock held. The document is reloaded into
// v before op runs, and persisted after op returns nil. If op or the
// persist fails the on-disk state is untouched; the caller must discard
// its in-memory copy by reloading on the next operation, which Load-first
// semantics here make automatic.
func (d *Document) WithLock(v any, op func() error) error {
	if err := d.lock.Acquire(); err != nil {
		return err
	}
	defer d.lock.Release()

	if err := d.Load(v); err != nil {
		return err
	}
	if err := op(); err != nil {
		return err
	}
	return d.persist(v)
}

// persist writes v via temp-file-and-rename so readers never observe a
// partial document.
func (d *Document) persist(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", d.path, err)
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", d.path, err)
	}
	return nil
}
