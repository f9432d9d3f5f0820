// Package store provides the file repository underneath a vellum project.
//
// A project is a plain directory; everything the engine persists (manifest,
// outline, draft units, snapshot history, journal) lives under it as regular
// files. All mutation routes through Store.WriteAtomic so a reader never
// observes a partially-written file: data is written to a temporary sibling
// and renamed into place.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by Read when the requested file does not exist.
var ErrNotFound = errors.New("file not found")

// Store reads and writes files relative to a project root directory.
//
// Store never deletes files as a side effect of a write. Remove is explicit
// and is only used by journal discard and snapshot pruning.
type Store struct {
	root string
}

// New creates a Store rooted at the given project directory.
// The directory is created if it does not exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("project root cannot be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %s: %w", root, err)
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project root: %w", err)
	}

	return &Store{root: abs}, nil
}

// Root returns the absolute project root directory.
func (s *Store) Root() string {
	return s.root
}

// Path resolves a project-relative path to an absolute one.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Read returns the contents of a project-relative file.
// Returns ErrNotFound if the file does not exist.
func (s *Store) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

// Exists reports whether a project-relative file exists.
func (s *Store) Exists(rel string) bool {
	_, err := os.Stat(s.Path(rel))
	return err == nil
}

// WriteAtomic writes data to a project-relative path with write-then-rename
// semantics. The data is first written to a temporary sibling file in the
// same directory, then renamed over the destination, so a concurrent reader
// sees either the old content or the new content, never a partial write.
//
// Parent directories are created as needed.
func (s *Store) WriteAtomic(rel string, data []byte) error {
	path := s.Path(rel)

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	// Write to a temp sibling so the rename stays on one filesystem
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", rel, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file for %s: %w", rel, err)
	}

	// Flush to disk before the rename so a crash cannot leave an empty
	// destination behind
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file for %s: %w", rel, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file for %s: %w", rel, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file to %s: %w", rel, err)
	}

	return nil
}

// Append appends data to a project-relative file, creating it (and parent
// directories) if needed. Used for append-only ledgers: a crash can at worst
// leave a torn trailing line, which replay detects and skips.
func (s *Store) Append(rel string, data []byte) error {
	path := s.Path(rel)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", rel, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append to %s: %w", rel, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %s: %w", rel, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", rel, err)
	}

	return nil
}

// Remove deletes a project-relative file. Removing a file that does not
// exist is not an error.
func (s *Store) Remove(rel string) error {
	if err := os.Remove(s.Path(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

// RemoveDir deletes a project-relative directory and its contents.
// Used only by snapshot pruning.
func (s *Store) RemoveDir(rel string) error {
	if err := os.RemoveAll(s.Path(rel)); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", rel, err)
	}
	return nil
}

// List returns the names of regular files in a project-relative directory
// with the given extension (e.g. ".md"). A missing directory is treated as
// empty. Names are returned sorted.
func (s *Store) List(rel, ext string) ([]string, error) {
	entries, err := os.ReadDir(s.Path(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Empty directory is valid
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", rel, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext != "" && !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		names = append(names, entry.Name())
	}

	sort.Strings(names)
	return names, nil
}

// ListDirs returns the names of subdirectories of a project-relative
// directory, sorted. A missing directory is treated as empty.
func (s *Store) ListDirs(rel string) ([]string, error) {
	entries, err := os.ReadDir(s.Path(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", rel, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}

	sort.Strings(names)
	return names, nil
}
