package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore abstracts where task files live. The s3 backend implements
// this interface outside the module; the local driver below backs
// single-node deployments and tests.
type ObjectStore interface {
	Put(path string, r io.Reader) (int64, error)
	Open(path string) (io.ReadCloser, error)
	Delete(path string) error
	Size(path string) (int64, error)
}

const (
	// DefaultFilesPath is the base directory for locally stored files
	DefaultFilesPath = "/var/lib/docflow/files"
)

// LocalStore implements ObjectStore on the local filesystem
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local object store rooted at basePath
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		basePath = DefaultFilesPath
	}

	// Ensure base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}

	return &LocalStore{
		basePath: basePath,
	}, nil
}

// Put writes an object, creating parent directories as needed
func (s *LocalStore) Put(path string, r io.Reader) (int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, fmt.Errorf("failed to create object directory: %w", err)
	}

	out, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create object: %w", err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(full)
		return 0, fmt.Errorf("failed to write object: %w", err)
	}
	return n, nil
}

// Open returns a reader for an object
func (s *LocalStore) Open(path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Delete removes an object. A missing object is not an error, which
// keeps cleanup idempotent under concurrent invocation.
func (s *LocalStore) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Size returns the object size in bytes
func (s *LocalStore) Size(path string) (int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// resolve joins path under the base directory and rejects escapes
func (s *LocalStore) resolve(path string) (string, error) {
	full := filepath.Join(s.basePath, path)
	rel, err := filepath.Rel(s.basePath, full)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || (len(rel) >= 3 && rel[:3] == "../") {
		return "", fmt.Errorf("object path escapes store root: %s", path)
	}
	return full, nil
}
