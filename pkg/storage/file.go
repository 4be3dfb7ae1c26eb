// Package storage persists downloaded payload bytes.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	pkgerrors "github.com/lwm2mcore/pkgdwl/pkg/errors"
)

// ErrOutOfSpace is returned when a write would exceed the store capacity.
var ErrOutOfSpace = errors.New("storage: out of space")

// FileStore writes payload chunks into a single image file at their storage offset.
type FileStore struct {
	path     string
	capacity uint64
	f        *os.File
}

// NewFileStore opens the image file at path. A zero capacity means unlimited.
// Unless resume is set, any previous content is discarded.
func NewFileStore(path string, capacity uint64, resume bool) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("store_dir_creation_failed", "path", path, "error", err)
		return nil, pkgerrors.Wrap(err, "failed to create store directory")
	}

	flags := os.O_CREATE | os.O_RDWR
	if !resume {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		slog.Error("store_open_failed", "path", path, "error", err)
		return nil, pkgerrors.Wrap(err, "failed to open image file")
	}

	slog.Info("store_opened", "path", path, "capacity", capacity, "resume", resume)
	return &FileStore{path: path, capacity: capacity, f: f}, nil
}

// Path returns the image file path.
func (s *FileStore) Path() string { return s.path }

// StoreRange writes chunk at offset.
func (s *FileStore) StoreRange(ctx context.Context, chunk []byte, offset uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	end := offset + uint64(len(chunk))
	if s.capacity > 0 && end > s.capacity {
		slog.Error("store_capacity_exceeded", "path", s.path, "end", end, "capacity", s.capacity)
		return fmt.Errorf("%w: write up to %d exceeds capacity %d", ErrOutOfSpace, end, s.capacity)
	}
	if _, err := s.f.WriteAt(chunk, int64(offset)); err != nil {
		slog.Error("store_write_failed", "path", s.path, "offset", offset, "error", err)
		return pkgerrors.Wrapf(err, "failed to write %d bytes at %d", len(chunk), offset)
	}
	return nil
}

// Truncate cuts the image to size bytes, dropping anything stored past a resume point.
func (s *FileStore) Truncate(size uint64) error {
	return pkgerrors.Wrap(s.f.Truncate(int64(size)), "failed to truncate image file")
}

// Digest returns the hex SHA-256 of the stored image.
func (s *FileStore) Digest() (string, error) {
	if err := s.f.Sync(); err != nil {
		return "", pkgerrors.Wrap(err, "failed to sync image file")
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, io.NewSectionReader(s.f, 0, 1<<62)); err != nil {
		return "", pkgerrors.Wrap(err, "failed to hash image file")
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Close flushes and closes the image file.
func (s *FileStore) Close() error {
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return pkgerrors.Wrap(err, "failed to sync image file")
	}
	return s.f.Close()
}

// Remove deletes an image file; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "failed to remove image file")
	}
	return nil
}
