// Package security guards package downloads: which URIs may be fetched, how
// large a package may be and where its image may be written.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
)

// Policy rejections. They are deterministic, retrying the same download
// cannot succeed.
var (
	ErrPolicy = errors.New("security: rejected by policy")
	// ErrPackageTooLarge also matches downloader.ErrInsufficientStorage.
	ErrPackageTooLarge = fmt.Errorf("%w: package too large: %w", ErrPolicy, downloader.ErrInsufficientStorage)
)

// DefaultSchemes are the package URI schemes accepted when none are configured.
var DefaultSchemes = []string{"http", "https", "s3", "file"}

// Validator provides security validation for package downloads
type Validator struct {
	maxPackageSize uint64
	schemes        map[string]bool

	mu           sync.Mutex
	inFlightSize uint64
	maxInFlight  uint64
}

// NewValidator creates a new security validator. maxInFlight bounds the sum
// of package sizes reserved at once; zero disables the bound.
func NewValidator(maxPackageSize, maxInFlight uint64, schemes []string) *Validator {
	if len(schemes) == 0 {
		schemes = DefaultSchemes
	}
	allowed := make(map[string]bool, len(schemes))
	for _, s := range schemes {
		allowed[strings.ToLower(s)] = true
	}

	slog.Info("security_validator_init",
		"max_package_size_mb", maxPackageSize/1024/1024,
		"max_in_flight_mb", maxInFlight/1024/1024,
		"schemes", schemes)

	return &Validator{
		maxPackageSize: maxPackageSize,
		maxInFlight:    maxInFlight,
		schemes:        allowed,
	}
}

// ValidateURI checks that uri uses an allowed scheme and names a resource
func (v *Validator) ValidateURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		slog.Error("security_uri_validation_failed", "uri", uri, "reason", "parse_error")
		return fmt.Errorf("%w: invalid uri %q: %w", ErrPolicy, uri, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "file"
	}
	if !v.schemes[scheme] {
		slog.Error("security_uri_validation_failed", "uri", uri, "reason", "scheme_not_allowed", "scheme", scheme)
		return fmt.Errorf("%w: scheme %q not allowed", ErrPolicy, scheme)
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			slog.Error("security_uri_validation_failed", "reason", "embedded_credentials", "host", u.Host)
			return fmt.Errorf("%w: credentials embedded in uri", ErrPolicy)
		}
	}

	if scheme != "file" && u.Host == "" {
		slog.Error("security_uri_validation_failed", "uri", uri, "reason", "missing_host")
		return fmt.Errorf("%w: uri without host: %s", ErrPolicy, uri)
	}
	return nil
}

// ValidateImageName checks that name can be used as a file name inside the
// image directory without escaping it
func (v *Validator) ValidateImageName(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("security_image_name_validation_failed", "name", name, "reason", "empty")
		return fmt.Errorf("%w: invalid image name %q", ErrPolicy, name)
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) {
		slog.Error("security_image_name_validation_failed", "name", name, "reason", "path_separator")
		return fmt.Errorf("%w: path traversal detected: %s", ErrPolicy, name)
	}
	return nil
}

// ValidatePackageSize checks if a package exceeds max package size
func (v *Validator) ValidatePackageSize(size uint64) error {
	if v.maxPackageSize > 0 && size > v.maxPackageSize {
		slog.Error("security_package_size_exceeded",
			"package_size_mb", size/1024/1024,
			"max_package_size_mb", v.maxPackageSize/1024/1024)
		return fmt.Errorf("%w: size %d exceeds max %d", ErrPackageTooLarge, size, v.maxPackageSize)
	}
	return nil
}

// Reserve accounts size against the in-flight bound. Each successful call
// must be paired with Release.
func (v *Validator) Reserve(size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.maxInFlight > 0 && v.inFlightSize+size > v.maxInFlight {
		slog.Error("security_in_flight_exceeded",
			"in_flight_mb", v.inFlightSize/1024/1024,
			"max_in_flight_mb", v.maxInFlight/1024/1024,
			"package_size_mb", size/1024/1024)
		return fmt.Errorf("%w: in-flight size %d plus %d exceeds max %d",
			ErrPackageTooLarge, v.inFlightSize, size, v.maxInFlight)
	}
	v.inFlightSize += size
	return nil
}

// Release returns size reserved by Reserve
func (v *Validator) Release(size uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inFlightSize -= min(size, v.inFlightSize)
}

// InFlightSize returns the currently reserved size
func (v *Validator) InFlightSize() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inFlightSize
}

// Guard wraps t so that its package info is checked against the validator
// and the package size stays reserved until End.
func (v *Validator) Guard(t downloader.Transport) downloader.Transport {
	return &guardedTransport{Transport: t, v: v}
}

type guardedTransport struct {
	downloader.Transport
	v        *Validator
	reserved uint64
}

func (g *guardedTransport) Init(ctx context.Context, uri string) error {
	if err := g.v.ValidateURI(uri); err != nil {
		return err
	}
	return g.Transport.Init(ctx, uri)
}

func (g *guardedTransport) Info(ctx context.Context) (downloader.PackageInfo, error) {
	info, err := g.Transport.Info(ctx)
	if err != nil {
		return info, err
	}
	if err := g.v.ValidatePackageSize(info.Size); err != nil {
		return info, err
	}
	g.release()
	if err := g.v.Reserve(info.Size); err != nil {
		return info, err
	}
	g.reserved = info.Size
	return info, nil
}

func (g *guardedTransport) End(ctx context.Context) error {
	g.release()
	return g.Transport.End(ctx)
}

func (g *guardedTransport) release() {
	if g.reserved > 0 {
		g.v.Release(g.reserved)
		g.reserved = 0
	}
}
