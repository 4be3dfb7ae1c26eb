package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
)

// HTTPSource fetches a package over HTTP(S) using byte-range requests.
type HTTPSource struct {
	client    *http.Client
	userAgent string
	status    *Status

	uri    string
	size   uint64
	stream rangeStream
}

// NewHTTPSource creates an HTTP source. timeout bounds the wait for response
// headers; bodies are streamed without a deadline.
func NewHTTPSource(timeout time.Duration, userAgent string, status *Status) *HTTPSource {
	if userAgent == "" {
		userAgent = "pkgdwl/1.0"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	s := &HTTPSource{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
		status:    status,
	}
	s.stream.open = s.openAt
	return s
}

// Init validates uri and resets the session.
func (s *HTTPSource) Init(ctx context.Context, uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return errors.Wrap(err, "invalid package uri")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("http source cannot fetch %q", uri)
	}
	s.stream.close()
	s.uri = u.String()
	s.size = 0
	slog.Info("http_source_init", "uri", s.uri)
	return nil
}

// Info issues a HEAD request for the package size.
func (s *HTTPSource) Info(ctx context.Context) (downloader.PackageInfo, error) {
	resp, err := s.do(ctx, http.MethodHead, "")
	if err != nil {
		return downloader.PackageInfo{}, err
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return downloader.PackageInfo{}, fmt.Errorf("head %s: unexpected status code %d", s.uri, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return downloader.PackageInfo{}, fmt.Errorf("head %s: unknown content length", s.uri)
	}
	s.size = uint64(resp.ContentLength)
	slog.Info("http_source_info", "uri", s.uri, "size", s.size)
	return downloader.PackageInfo{Size: s.size}, nil
}

// FetchRange reads bytes starting at offset.
func (s *HTTPSource) FetchRange(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := s.status.Check(); err != nil {
		s.stream.close()
		return 0, err
	}
	return s.stream.read(ctx, buf, offset)
}

// End closes any open response body.
func (s *HTTPSource) End(ctx context.Context) error {
	s.stream.close()
	return nil
}

func (s *HTTPSource) openAt(ctx context.Context, offset uint64) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, fmt.Sprintf("bytes=%d-", offset))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && offset == 0:
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("get %s at %d: unexpected status code %d", s.uri, offset, resp.StatusCode)
	}
	slog.Debug("http_source_range_open", "uri", s.uri, "offset", offset)
	return resp.Body, nil
}

func (s *HTTPSource) do(ctx context.Context, method, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.uri, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", s.userAgent)
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, s.uri)
	}
	return resp, nil
}
