package source

import (
	"errors"
	"sync/atomic"
)

// Download control errors returned by FetchRange.
var (
	ErrSuspended = errors.New("source: download suspended")
	ErrAborted   = errors.New("source: download aborted")
)

// Control values of a Status.
const (
	StatusActive int32 = iota
	StatusSuspended
	StatusAborted
)

// Status is shared between the control path, which suspends or aborts a
// download, and the fetch loop, which checks it before every read. The zero
// value is active.
type Status struct {
	v atomic.Int32
}

// Suspend asks the fetch loop to stop; the download may be resumed later.
func (s *Status) Suspend() { s.v.CompareAndSwap(StatusActive, StatusSuspended) }

// Abort asks the fetch loop to stop for good.
func (s *Status) Abort() { s.v.Store(StatusAborted) }

// Reset makes the status active again.
func (s *Status) Reset() { s.v.Store(StatusActive) }

// Load returns the current control value.
func (s *Status) Load() int32 { return s.v.Load() }

// Check returns ErrSuspended or ErrAborted when the download must stop.
func (s *Status) Check() error {
	if s == nil {
		return nil
	}
	switch s.v.Load() {
	case StatusSuspended:
		return ErrSuspended
	case StatusAborted:
		return ErrAborted
	}
	return nil
}
