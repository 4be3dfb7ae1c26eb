package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
)

// FileSource reads a package from the local filesystem.
type FileSource struct {
	status *Status
	f      *os.File
}

// NewFileSource creates a file source.
func NewFileSource(status *Status) *FileSource {
	return &FileSource{status: status}
}

// Init opens the file named by uri, either a plain path or a file:// URI.
func (s *FileSource) Init(ctx context.Context, uri string) error {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return errors.Wrap(err, "invalid package uri")
		}
		path = u.Path
	}
	if s.f != nil {
		_ = s.f.Close()
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open package")
	}
	s.f = f
	return nil
}

// Info returns the file size.
func (s *FileSource) Info(ctx context.Context) (downloader.PackageInfo, error) {
	if s.f == nil {
		return downloader.PackageInfo{}, fmt.Errorf("file source not initialized")
	}
	fi, err := s.f.Stat()
	if err != nil {
		return downloader.PackageInfo{}, errors.Wrap(err, "failed to stat package")
	}
	return downloader.PackageInfo{Size: uint64(fi.Size())}, nil
}

// FetchRange reads bytes at offset.
func (s *FileSource) FetchRange(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := s.status.Check(); err != nil {
		return 0, err
	}
	if s.f == nil {
		return 0, fmt.Errorf("file source not initialized")
	}
	n, err := s.f.ReadAt(buf, int64(offset))
	if err == io.EOF && n > 0 {
		return n, nil
	}
	return n, err
}

// End closes the file.
func (s *FileSource) End(ctx context.Context) error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
