// Package source provides the transports a package can be downloaded from:
// HTTP(S) byte ranges, S3 ranged reads and local files.
package source

import (
	"fmt"
	"net/url"
	"time"

	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
)

// Options configure the transport returned by New.
type Options struct {
	Status      *Status
	HTTPTimeout time.Duration
	UserAgent   string
	S3Region    string
	S3Anonymous bool
}

// Scheme returns the scheme of uri; plain paths are "file".
func Scheme(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrap(err, "invalid package uri")
	}
	if u.Scheme == "" {
		return "file", nil
	}
	return u.Scheme, nil
}

// New returns the transport serving uri's scheme.
func New(uri string, opts Options) (downloader.Transport, error) {
	scheme, err := Scheme(uri)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "http", "https":
		return NewHTTPSource(opts.HTTPTimeout, opts.UserAgent, opts.Status), nil
	case "s3":
		return NewS3Source(opts.S3Region, opts.S3Anonymous, opts.Status), nil
	case "file":
		return NewFileSource(opts.Status), nil
	}
	return nil, fmt.Errorf("unsupported package uri scheme %q", scheme)
}
