package downloader

import (
	"context"
	"fmt"
	"log/slog"
)

// EventType identifies a download lifecycle event.
type EventType int

const (
	EventPackageSize EventType = iota
	EventDownloadStarted
	EventDownloadProgress
	EventDownloadEnded
	EventCertificationOK
	EventCertificationFailed
)

func (t EventType) String() string {
	switch t {
	case EventPackageSize:
		return "package_size"
	case EventDownloadStarted:
		return "download_started"
	case EventDownloadProgress:
		return "download_progress"
	case EventDownloadEnded:
		return "download_ended"
	case EventCertificationOK:
		return "certification_ok"
	case EventCertificationFailed:
		return "certification_failed"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered to the EventSink. Fields not relevant to Type are zero.
type Event struct {
	Type     EventType
	Kind     UpdateKind
	Size     uint64
	Bytes    uint64
	Progress uint32
	Result   Result
}

// EventSink receives lifecycle events synchronously from the run. Implementations
// observed from other goroutines provide their own synchronization.
type EventSink interface {
	Notify(ctx context.Context, ev Event)
}

// EventFunc adapts a function to EventSink.
type EventFunc func(ctx context.Context, ev Event)

// Notify calls f.
func (f EventFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

type logSink struct {
	logger *slog.Logger
}

func (s logSink) Notify(ctx context.Context, ev Event) {
	s.logger.InfoContext(ctx, "dwl_event",
		"type", ev.Type.String(),
		"kind", ev.Kind.String(),
		"size", ev.Size,
		"bytes", ev.Bytes,
		"progress", ev.Progress,
		"result", ev.Result.String())
}
