package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"go.uber.org/zap"
)

// LocalStore keeps the authoritative copies (primary and replica) this node holds
type LocalStore struct {
	dir    string
	guard  *DiskGuard
	logger *zap.Logger
}

// NewLocalStore creates dir if needed
func NewLocalStore(dir string, guard *DiskGuard, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &LocalStore{dir: dir, guard: guard, logger: logger}, nil
}

// Dir returns the directory holding the files
func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether a local copy of name exists
func (s *LocalStore) Exists(name string) bool {
	info, err := os.Stat(s.path(name))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the content of the local copy of name
func (s *LocalStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fserrors.NotFound(name)
	}
	if err != nil {
		return nil, fserrors.IOFailure(fmt.Sprintf("failed to read %s", name), err)
	}
	return data, nil
}

// Open returns a handle on the local copy of name
func (s *LocalStore) Open(name string) (*os.File, error) {
	f, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fserrors.NotFound(name)
	}
	if err != nil {
		return nil, fserrors.IOFailure(fmt.Sprintf("failed to open %s", name), err)
	}
	return f, nil
}

// Write replaces the local copy of name atomically
func (s *LocalStore) Write(name string, data []byte) error {
	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(uint64(len(data))); err != nil {
			return err
		}
	}
	return writeAtomic(s.dir, s.path(name), data)
}

// Delete removes the local copy of name. It reports whether a copy existed.
func (s *LocalStore) Delete(name string) (bool, error) {
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fserrors.IOFailure(fmt.Sprintf("failed to delete %s", name), err)
	}
	return true, nil
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fserrors.IOFailure("failed to create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fserrors.IOFailure("failed to write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fserrors.IOFailure("failed to sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fserrors.IOFailure("failed to close temp file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fserrors.IOFailure("failed to move file into place", err)
	}
	return nil
}
