package downloader

import (
	"context"
	"fmt"

	"github.com/lwm2mcore/pkgdwl/pkg/dwl"
)

// State is a step of the download state machine.
type State int

const (
	StateInit State = iota
	StateInfo
	StateDownload
	StateParse
	StateStore
	StateError
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateInfo:
		return "info"
	case StateDownload:
		return "download"
	case StateParse:
		return "parse"
	case StateStore:
		return "store"
	case StateError:
		return "error"
	case StateEnd:
		return "end"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PackageInfo describes the remote package.
type PackageInfo struct {
	Size uint64
}

// Transport moves package bytes from the source.
type Transport interface {
	// Init prepares the transport for the package at uri.
	Init(ctx context.Context, uri string) error
	// Info returns the package metadata, at least its total size.
	Info(ctx context.Context) (PackageInfo, error)
	// FetchRange reads up to len(buf) bytes starting at offset. It may return
	// fewer bytes than requested; it is called again for the rest.
	FetchRange(ctx context.Context, buf []byte, offset uint64) (int, error)
	// End releases the transport session.
	End(ctx context.Context) error
}

// Store persists payload bytes.
type Store interface {
	StoreRange(ctx context.Context, chunk []byte, offset uint64) error
}

// UpdateSink persists the LWM2M-visible update fields of the object selected by kind.
type UpdateSink interface {
	SetUpdateState(ctx context.Context, kind UpdateKind, state UpdateState) error
	SetUpdateResult(ctx context.Context, kind UpdateKind, result UpdateResult) error
}

// Checkpointer persists resume points. A checkpoint is taken after every
// successful store.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Collaborators are the external parts a run depends on. Transport, Store and
// Updates are required; Events defaults to a slog sink.
type Collaborators struct {
	Transport   Transport
	Store       Store
	Updates     UpdateSink
	Events      EventSink
	Checkpoints Checkpointer
}

// Checkpoint captures a consistent resume point: every byte before StreamOffset
// has been parsed and every payload byte before StoreOffset stored.
type Checkpoint struct {
	StreamOffset uint64    `json:"stream_offset"`
	StoreOffset  uint64    `json:"store_offset"`
	NextLength   uint32    `json:"next_length"`
	Parser       dwl.State `json:"parser"`
}

// Request describes one package download.
type Request struct {
	URI  string
	Kind UpdateKind
	// Resume continues from Offset using Checkpoint.
	Resume     bool
	Offset     uint64
	Checkpoint *Checkpoint
}

// Report is the final outcome of a run.
type Report struct {
	State        State
	Result       Result
	UpdateResult UpdateResult
	PackageSize  uint64
	Downloaded   uint64
	Stored       uint64
	Progress     uint32
	Checksum     uint32
	Err          error
}
