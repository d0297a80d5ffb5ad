package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Storage.Read when no record is stored.
	ErrNotFound = errors.New("token record not found")
	// ErrStorageUnavailable marks failures that disable persistence for the
	// rest of the process lifetime.
	ErrStorageUnavailable = errors.New("token storage unavailable")
	// ErrNotAuthenticated is returned when an operation needs a stored record.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Storage is the backing store for the single token record.
type Storage interface {
	// Read returns the stored record or ErrNotFound.
	Read(ctx context.Context) (*Record, error)
	// Write replaces the stored record.
	Write(ctx context.Context, rec *Record) error
	// Delete removes the stored record. Deleting a missing record is not an error.
	Delete(ctx context.Context) error
}

// Prober is implemented by storages that can check writability up front.
type Prober interface {
	Probe(ctx context.Context) error
}

// IsUnavailable reports whether err means the storage cannot be used at all
// (permissions, read-only filesystem) as opposed to a transient failure.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM)
}

// SelectStorage probes primary once and returns it, or NullStorage when the
// probe shows it can never be written.
func SelectStorage(ctx context.Context, primary Storage, logger *zap.Logger) Storage {
	p, ok := primary.(Prober)
	if !ok {
		return primary
	}
	err := p.Probe(ctx)
	switch {
	case err == nil:
		return primary
	case IsUnavailable(err):
		logger.Warn("token storage is not writable, running without persisted credentials", zap.Error(err))
		return NullStorage{}
	default:
		logger.Warn("token storage probe failed", zap.Error(err))
		return primary
	}
}

// FileStorage keeps the record as a JSON file readable only by its owner.
type FileStorage struct {
	path string
}

// NewFileStorage returns a FileStorage writing to path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the token file path.
func (f *FileStorage) Path() string {
	return f.path
}

// Read decodes the token file.
func (f *FileStorage) Read(_ context.Context) (*Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read token file %s: %w", f.path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", f.path, err)
	}
	return &rec, nil
}

// Write replaces the token file through a temp file and rename so readers
// never observe a partial record.
func (f *FileStorage) Write(_ context.Context, rec *Record) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace token file %s: %w", f.path, err)
	}
	tmpName = ""
	return nil
}

// Delete removes the token file.
func (f *FileStorage) Delete(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file %s: %w", f.path, err)
	}
	return nil
}

// Probe checks that the token directory exists and accepts new files.
func (f *FileStorage) Probe(_ context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("probe token directory %s: %w", dir, err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

// NullStorage is the disabled mode: nothing is persisted and nothing is found.
type NullStorage struct{}

// Read always reports ErrNotFound.
func (NullStorage) Read(context.Context) (*Record, error) { return nil, ErrNotFound }

// Write discards the record.
func (NullStorage) Write(context.Context, *Record) error { return nil }

// Delete is a no-op.
func (NullStorage) Delete(context.Context) error { return nil }
