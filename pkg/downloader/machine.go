// Package downloader drives the download, parse and store pipeline of one update package.
package downloader

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/lwm2mcore/pkgdwl/pkg/dwl"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
)

// Downloader runs package downloads against a fixed set of collaborators.
type Downloader struct {
	c        Collaborators
	maxChunk uint32
	logger   *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithMaxChunk sets the chunk buffer size. Values below dwl.HeaderSize are raised.
func WithMaxChunk(n uint32) Option {
	return func(d *Downloader) {
		d.maxChunk = max(n, dwl.HeaderSize)
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = l
	}
}

// New checks the collaborators and returns a Downloader.
func New(c Collaborators, opts ...Option) (*Downloader, error) {
	switch {
	case c.Transport == nil:
		return nil, fmt.Errorf("%w: transport", ErrMissingCollaborator)
	case c.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingCollaborator)
	case c.Updates == nil:
		return nil, fmt.Errorf("%w: update sink", ErrMissingCollaborator)
	}

	d := &Downloader{c: c, maxChunk: dwl.DefaultMaxChunk, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.c.Events == nil {
		d.c.Events = logSink{logger: d.logger}
	}
	return d, nil
}

// Run executes a whole download synchronously and returns its report. The
// returned error is the fault that ended the run, if any.
func (d *Downloader) Run(ctx context.Context, req Request) (*Report, error) {
	s, err := d.Start(req)
	if err != nil {
		return nil, err
	}
	for !s.Finished() {
		if err := s.Step(ctx); err != nil {
			return nil, err
		}
	}
	rep := s.Report()
	return rep, rep.Err
}

// Session is one run of the state machine. It owns its chunk buffer and parser.
type Session struct {
	d   *Downloader
	req Request
	log *slog.Logger

	parser   *dwl.Parser
	state    State
	finished bool

	result       Result
	updateResult UpdateResult
	err          error

	started      bool
	size         uint64
	streamOffset uint64
	nextLen      uint32
	buf          []byte
	recvLen      int
	progress     uint32
	storeOffset  uint64
}

// Start validates req and returns a session in StateInit.
func (d *Downloader) Start(req Request) (*Session, error) {
	if req.Resume {
		if req.Checkpoint == nil {
			return nil, fmt.Errorf("%w: resume requested without checkpoint", ErrBadCheckpoint)
		}
		if req.Checkpoint.StreamOffset != req.Offset {
			return nil, fmt.Errorf("%w: checkpoint at %d, resume offset %d", ErrBadCheckpoint, req.Checkpoint.StreamOffset, req.Offset)
		}
	}
	return &Session{
		d:      d,
		req:    req,
		log:    d.logger.With("uri", req.URI, "kind", req.Kind.String()),
		parser: dwl.NewParser(d.maxChunk),
		state:  StateInit,
		buf:    make([]byte, d.maxChunk),
	}, nil
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Finished reports whether the session reached StateEnd.
func (s *Session) Finished() bool { return s.finished }

// Step executes the current state.
func (s *Session) Step(ctx context.Context) error {
	if s.finished {
		return ErrFinished
	}
	switch s.state {
	case StateInit:
		s.handleInit(ctx)
	case StateInfo:
		s.handleInfo(ctx)
	case StateDownload:
		s.handleDownload(ctx)
	case StateParse:
		s.handleParse()
	case StateStore:
		s.handleStore(ctx)
	case StateError:
		s.handleError(context.WithoutCancel(ctx))
	case StateEnd:
		s.handleEnd(context.WithoutCancel(ctx))
	}
	return nil
}

// Report returns the run outcome so far.
func (s *Session) Report() *Report {
	return &Report{
		State:        s.state,
		Result:       s.result,
		UpdateResult: s.updateResult,
		PackageSize:  s.size,
		Downloaded:   s.streamOffset,
		Stored:       s.storeOffset,
		Progress:     s.progress,
		Checksum:     s.parser.Checksum(),
		Err:          s.err,
	}
}

func (s *Session) fail(res Result, err error) {
	s.result = res
	s.updateResult = res.UpdateResult()
	s.err = err
	s.state = StateError
}

func (s *Session) notify(ctx context.Context, ev Event) {
	ev.Kind = s.req.Kind
	s.d.c.Events.Notify(ctx, ev)
}

func (s *Session) handleInit(ctx context.Context) {
	s.log.Info("dwl_state_init", "resume", s.req.Resume, "offset", s.req.Offset)

	if err := s.d.c.Transport.Init(ctx, s.req.URI); err != nil {
		s.fail(ResultCommunication, errors.Wrap(err, "init download"))
		return
	}

	s.updateResult = UpdateNormal
	if err := s.d.c.Updates.SetUpdateResult(ctx, s.req.Kind, UpdateNormal); err != nil {
		s.log.Warn("update_result_reset_failed", "error", err)
	}
	s.state = StateInfo
}

func (s *Session) handleInfo(ctx context.Context) {
	info, err := s.d.c.Transport.Info(ctx)
	if err != nil {
		res := ResultCommunication
		if stderrors.Is(err, ErrInsufficientStorage) {
			res = ResultStorage
		}
		s.fail(res, errors.Wrap(err, "get package info"))
		return
	}
	s.size = info.Size
	s.log.Info("dwl_state_info", "package_size", s.size)
	s.notify(ctx, Event{Type: EventPackageSize, Size: s.size})

	if !s.req.Resume {
		s.nextLen = s.parser.FirstLength()
		s.state = StateDownload
		return
	}

	cp := s.req.Checkpoint
	if cp.StreamOffset > s.size || cp.StoreOffset > cp.StreamOffset {
		s.fail(ResultCommunication, fmt.Errorf("%w: offsets %d/%d, package size %d", ErrBadCheckpoint, cp.StreamOffset, cp.StoreOffset, s.size))
		return
	}
	parser, err := dwl.Restore(s.d.maxChunk, cp.Parser)
	if err != nil {
		s.fail(ResultCommunication, fmt.Errorf("%w: %w", ErrBadCheckpoint, err))
		return
	}
	s.parser = parser
	s.streamOffset = cp.StreamOffset
	s.storeOffset = cp.StoreOffset
	s.nextLen = cp.NextLength
	s.progress = percent(s.streamOffset, s.size)
	s.log.Info("dwl_resume", "stream_offset", s.streamOffset, "store_offset", s.storeOffset, "next_length", s.nextLen)
	s.state = StateDownload
}

func (s *Session) handleDownload(ctx context.Context) {
	if uint64(s.nextLen) > s.size-s.streamOffset {
		s.fail(ResultCommunication, fmt.Errorf("%w: %d bytes at offset %d, package size %d", ErrOutOfBounds, s.nextLen, s.streamOffset, s.size))
		return
	}
	if int(s.nextLen) > len(s.buf) {
		s.fail(ResultCommunication, fmt.Errorf("%w: %d bytes exceed chunk buffer %d", ErrOverRead, s.nextLen, len(s.buf)))
		return
	}

	if !s.started {
		s.started = true
		if err := s.d.c.Updates.SetUpdateState(ctx, s.req.Kind, UpdateDownloading); err != nil {
			s.log.Warn("update_state_failed", "state", UpdateDownloading.String(), "error", err)
		}
		s.notify(ctx, Event{Type: EventDownloadStarted, Size: s.size})
	}

	s.recvLen = 0
	if s.nextLen == 0 {
		s.state = StateParse
		return
	}

	want := int(s.nextLen)
	for s.recvLen < want {
		if err := ctx.Err(); err != nil {
			s.fail(ResultCommunication, errors.Wrap(err, "download interrupted"))
			return
		}
		n, err := s.d.c.Transport.FetchRange(ctx, s.buf[s.recvLen:want], s.streamOffset)
		if err != nil {
			s.fail(ResultCommunication, errors.Wrapf(err, "fetch %d bytes at offset %d", want-s.recvLen, s.streamOffset))
			return
		}
		if n == 0 {
			s.fail(ResultCommunication, fmt.Errorf("%w: offset %d", ErrStalled, s.streamOffset))
			return
		}
		if n > want-s.recvLen {
			s.fail(ResultCommunication, fmt.Errorf("%w: got %d, %d remaining", ErrOverRead, n, want-s.recvLen))
			return
		}
		s.recvLen += n
		s.streamOffset += uint64(n)
	}

	s.progress = percent(s.streamOffset, s.size)
	s.log.Debug("dwl_state_download", "offset", s.streamOffset, "length", want, "progress", s.progress)
	s.notify(ctx, Event{Type: EventDownloadProgress, Size: s.size, Bytes: s.streamOffset, Progress: s.progress})
	s.state = StateParse
}

func (s *Session) handleParse() {
	d, err := s.parser.Parse(s.buf[:s.recvLen])
	if err != nil {
		s.fail(classifyParse(err), errors.Wrapf(err, "parse %s", s.parser.SubSection()))
		return
	}

	s.nextLen = d.Next
	switch d.Action {
	case dwl.ActionDownload:
		s.state = StateDownload
	case dwl.ActionStore:
		s.state = StateStore
	case dwl.ActionDone:
		s.log.Info("dwl_package_complete", "checksum", fmt.Sprintf("0x%08x", s.parser.Checksum()))
		s.state = StateEnd
	}
}

func (s *Session) handleStore(ctx context.Context) {
	chunk := s.buf[:s.recvLen]
	if err := s.d.c.Store.StoreRange(ctx, chunk, s.storeOffset); err != nil {
		s.fail(ResultStorage, fmt.Errorf("%w: offset %d: %w", ErrStore, s.storeOffset, err))
		return
	}
	s.storeOffset += uint64(len(chunk))

	if s.d.c.Checkpoints != nil {
		cp := Checkpoint{
			StreamOffset: s.streamOffset,
			StoreOffset:  s.storeOffset,
			NextLength:   s.nextLen,
			Parser:       s.parser.Snapshot(),
		}
		if err := s.d.c.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			s.log.Warn("checkpoint_save_failed", "stream_offset", s.streamOffset, "error", err)
		}
	}
	s.state = StateDownload
}

func (s *Session) handleError(ctx context.Context) {
	s.log.Error("dwl_state_error",
		"result", s.result.String(),
		"update_result", s.updateResult.String(),
		"stream_offset", s.streamOffset,
		"error", s.err)

	if s.result == ResultVerification {
		s.notify(ctx, Event{Type: EventCertificationFailed, Result: s.result})
	}
	s.state = StateEnd
}

func (s *Session) handleEnd(ctx context.Context) {
	if s.updateResult == UpdateNormal {
		s.notify(ctx, Event{Type: EventCertificationOK, Result: s.result})
		if err := s.d.c.Updates.SetUpdateState(ctx, s.req.Kind, UpdateDownloaded); err != nil {
			s.log.Warn("update_state_failed", "state", UpdateDownloaded.String(), "error", err)
		}
	} else if err := s.d.c.Updates.SetUpdateResult(ctx, s.req.Kind, s.updateResult); err != nil {
		s.log.Warn("update_result_failed", "result", s.updateResult.String(), "error", err)
	}

	s.notify(ctx, Event{
		Type:     EventDownloadEnded,
		Size:     s.size,
		Bytes:    s.streamOffset,
		Progress: s.progress,
		Result:   s.result,
	})

	if err := s.d.c.Transport.End(ctx); err != nil {
		s.log.Warn("end_download_failed", "error", err)
	}

	s.log.Info("dwl_state_end", "result", s.result.String(), "bytes", s.streamOffset, "stored", s.storeOffset)
	s.finished = true
}

func percent(n, total uint64) uint32 {
	if total == 0 {
		return 0
	}
	return uint32(n * 100 / total)
}
