package downloader

import (
	"errors"
	"fmt"

	"github.com/lwm2mcore/pkgdwl/pkg/dwl"
)

// UpdateKind selects which LWM2M update object a download reports to.
type UpdateKind int

const (
	// KindFirmware reports through the Firmware Update object (5).
	KindFirmware UpdateKind = iota
	// KindSoftware reports through the Software Management object (9).
	KindSoftware
)

func (k UpdateKind) String() string {
	switch k {
	case KindFirmware:
		return "firmware"
	case KindSoftware:
		return "software"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseUpdateKind parses "firmware" or "software".
func ParseUpdateKind(s string) (UpdateKind, error) {
	switch s {
	case "firmware", "fw":
		return KindFirmware, nil
	case "software", "sw":
		return KindSoftware, nil
	}
	return 0, fmt.Errorf("unknown update kind %q", s)
}

// UpdateState is the persisted update progress.
type UpdateState int

const (
	UpdateIdle UpdateState = iota
	UpdateDownloading
	UpdateDownloaded
	UpdateUpdating
)

func (s UpdateState) String() string {
	switch s {
	case UpdateIdle:
		return "idle"
	case UpdateDownloading:
		return "downloading"
	case UpdateDownloaded:
		return "downloaded"
	case UpdateUpdating:
		return "updating"
	}
	return fmt.Sprintf("update_state(%d)", int(s))
}

// UpdateResult is the persisted outcome of the last download, independent of
// the object it is reported through. Code gives the wire value.
type UpdateResult int

const (
	UpdateNormal UpdateResult = iota
	UpdateOutOfStorage
	UpdateConnectionLost
	UpdateVerifyFailed
	UpdateUnsupportedPackage
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateNormal:
		return "normal"
	case UpdateOutOfStorage:
		return "out_of_storage"
	case UpdateConnectionLost:
		return "connection_lost"
	case UpdateVerifyFailed:
		return "verify_failed"
	case UpdateUnsupportedPackage:
		return "unsupported_package"
	}
	return fmt.Sprintf("update_result(%d)", int(r))
}

// Code returns the LWM2M resource value of r for the given object.
func (r UpdateResult) Code(kind UpdateKind) int {
	if kind == KindSoftware {
		switch r {
		case UpdateOutOfStorage:
			return 50
		case UpdateConnectionLost:
			return 52
		case UpdateVerifyFailed:
			return 53
		case UpdateUnsupportedPackage:
			return 54
		}
		return 0
	}
	switch r {
	case UpdateOutOfStorage:
		return 2
	case UpdateConnectionLost:
		return 4
	case UpdateVerifyFailed:
		return 5
	case UpdateUnsupportedPackage:
		return 6
	}
	return 0
}

// Code returns the LWM2M resource value of s for the given object.
func (s UpdateState) Code(kind UpdateKind) int {
	if kind == KindSoftware {
		// Software Management update state: 0 initial, 1 download started,
		// 2 downloaded, 3 delivered.
		switch s {
		case UpdateDownloading:
			return 1
		case UpdateDownloaded:
			return 2
		case UpdateUpdating:
			return 3
		}
		return 0
	}
	return int(s)
}

// Result is the overall outcome of one run.
type Result int

const (
	ResultOK Result = iota
	ResultCommunication
	ResultStorage
	ResultUnsupported
	ResultVerification
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultCommunication:
		return "communication_error"
	case ResultStorage:
		return "storage_error"
	case ResultUnsupported:
		return "unsupported_package"
	case ResultVerification:
		return "verification_error"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// UpdateResult maps a run result onto the persisted update result.
func (r Result) UpdateResult() UpdateResult {
	switch r {
	case ResultCommunication:
		return UpdateConnectionLost
	case ResultStorage:
		return UpdateOutOfStorage
	case ResultUnsupported:
		return UpdateUnsupportedPackage
	case ResultVerification:
		return UpdateVerifyFailed
	}
	return UpdateNormal
}

// Faults raised by the state machine itself.
var (
	ErrMissingCollaborator = errors.New("downloader: missing collaborator")
	ErrOutOfBounds         = errors.New("downloader: read past package end")
	ErrStalled             = errors.New("downloader: transport returned no data")
	ErrOverRead            = errors.New("downloader: transport returned more data than requested")
	ErrStore               = errors.New("downloader: store failed")
	ErrBadCheckpoint       = errors.New("downloader: invalid resume checkpoint")
	ErrFinished            = errors.New("downloader: run already finished")

	// ErrInsufficientStorage may be wrapped by a Transport's Info when the
	// package cannot be stored at all; the run faults as out of storage.
	ErrInsufficientStorage = errors.New("downloader: insufficient storage for package")
)

// classifyParse maps a parser fault onto a run result.
func classifyParse(err error) Result {
	switch {
	case dwl.IsUnsupported(err):
		return ResultUnsupported
	case errors.Is(err, dwl.ErrChecksum):
		return ResultVerification
	}
	return ResultCommunication
}
