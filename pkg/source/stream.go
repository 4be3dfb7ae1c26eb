package source

import (
	"context"
	"fmt"
	"io"
)

type openFunc func(ctx context.Context, offset uint64) (io.ReadCloser, error)

// rangeStream keeps one body open while reads stay sequential and reopens it
// at the requested offset otherwise.
type rangeStream struct {
	open openFunc
	body io.ReadCloser
	pos  uint64
}

func (r *rangeStream) read(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if r.body == nil || r.pos != offset {
		r.close()
		body, err := r.open(ctx, offset)
		if err != nil {
			return 0, err
		}
		r.body = body
		r.pos = offset
	}

	for {
		n, err := r.body.Read(buf)
		r.pos += uint64(n)
		if err == io.EOF {
			r.close()
			if n == 0 {
				return 0, fmt.Errorf("unexpected end of stream at %d: %w", offset, io.ErrUnexpectedEOF)
			}
			return n, nil
		}
		if err != nil {
			r.close()
			return 0, err
		}
		if n > 0 || len(buf) == 0 {
			return n, nil
		}
	}
}

func (r *rangeStream) close() {
	if r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
}
