package dwl

import "errors"

// Parse faults. Each one is terminal for the parse session.
var (
	ErrBadMagic           = errors.New("dwl: bad magic number")
	ErrUnsupportedSection = errors.New("dwl: unsupported section kind")
	ErrUnsupportedSubType = errors.New("dwl: unsupported update package sub-type")
	ErrLength             = errors.New("dwl: length accounting violation")
	ErrChecksum           = errors.New("dwl: checksum mismatch")
	ErrFinished           = errors.New("dwl: parse session already finished")
)

// IsUnsupported reports whether err rejects the package itself (magic, section kind or sub-type).
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrUnsupportedSection) ||
		errors.Is(err, ErrUnsupportedSubType)
}
