package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devrev/pairfs/internal/directory"
	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// DefaultMaxRetries bounds compare-and-swap attempts per update
const DefaultMaxRetries = 8

// ErrNoChange can be returned by an update function to skip the write
var ErrNoChange = errors.New("no change")

// FileStore reads and mutates file metadata records in the directory
type FileStore struct {
	dir        directory.Directory
	locks      *keyLocks
	maxRetries int
	logger     *zap.Logger
}

// NewFileStore creates a new file metadata store
func NewFileStore(dir directory.Directory, maxRetries int, logger *zap.Logger) *FileStore {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &FileStore{
		dir:        dir,
		locks:      newKeyLocks(),
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Get returns the record for fileName or a NotFound error
func (s *FileStore) Get(ctx context.Context, fileName string) (*model.FileRecord, error) {
	rec, _, err := s.read(ctx, fileName)
	return rec, err
}

func (s *FileStore) read(ctx context.Context, fileName string) (*model.FileRecord, string, error) {
	raw, err := s.dir.Get(ctx, directory.FileKey(fileName))
	if errors.Is(err, directory.ErrNotFound) {
		return nil, "", fserrors.NotFound(fileName)
	}
	if err != nil {
		return nil, "", fserrors.Unavailable("directory read failed", err)
	}
	rec, err := model.DecodeFileRecord(raw)
	if err != nil {
		return nil, "", fserrors.InternalError(fmt.Sprintf("corrupt record for %s", fileName), err)
	}
	return rec, raw, nil
}

// Exists reports whether a record is stored for fileName
func (s *FileStore) Exists(ctx context.Context, fileName string) (bool, error) {
	_, err := s.Get(ctx, fileName)
	if fserrors.Is(err, fserrors.ErrCodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Create stores a new record; FileExists if one is already present
func (s *FileStore) Create(ctx context.Context, rec *model.FileRecord) error {
	if err := rec.Validate(); err != nil {
		return fserrors.MalformedRequest("invalid file record", err)
	}
	value, err := model.EncodeFileRecord(rec)
	if err != nil {
		return fserrors.InternalError("failed to encode file record", err)
	}

	unlock := s.locks.lock(rec.FileName)
	defer unlock()

	ok, err := s.dir.CompareAndSwap(ctx, directory.FileKey(rec.FileName), nil, value)
	if err != nil {
		return fserrors.Unavailable("directory write failed", err)
	}
	if !ok {
		return fserrors.FileExists(rec.FileName)
	}
	return nil
}

// Update applies fn to the current record and writes the result with compare-and-swap,
// retrying when another writer got there first. fn may be called more than once.
func (s *FileStore) Update(ctx context.Context, fileName string, fn func(rec *model.FileRecord) error) (*model.FileRecord, error) {
	unlock := s.locks.lock(fileName)
	defer unlock()

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, raw, err := s.read(ctx, fileName)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, fserrors.InternalError("update produced invalid record", err)
		}

		value, err := model.EncodeFileRecord(next)
		if err != nil {
			return nil, fserrors.InternalError("failed to encode file record", err)
		}
		ok, err := s.dir.CompareAndSwap(ctx, directory.FileKey(fileName), &raw, value)
		if err != nil {
			return nil, fserrors.Unavailable("directory write failed", err)
		}
		if ok {
			return next, nil
		}

		s.logger.Debug("File record changed concurrently, retrying",
			zap.String("file_name", fileName),
			zap.Int("attempt", attempt))
	}
	return nil, fserrors.Conflict(directory.FileKey(fileName), s.maxRetries)
}

// Delete removes the record for fileName
func (s *FileStore) Delete(ctx context.Context, fileName string) error {
	unlock := s.locks.lock(fileName)
	defer unlock()

	if err := s.dir.Delete(ctx, directory.FileKey(fileName)); err != nil {
		return fserrors.Unavailable("directory delete failed", err)
	}
	return nil
}

// List returns every stored file name
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.dir.ListKeys(ctx, directory.FileKey(""))
	if err != nil {
		return nil, fserrors.Unavailable("directory list failed", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, directory.FileKey("")))
	}
	return names, nil
}
