// Package dwl decodes DWL update containers incrementally.
//
// A container is a sequence of sections (Update-Package, Binary, Signature), each
// introduced by a 32 byte prolog. All multi-byte fields are little endian.
package dwl

import (
	"encoding/binary"
	"fmt"
)

// Fixed sizes of the container format, in bytes.
const (
	PrologSize  = 32
	HeaderSize  = 128
	CommentUnit = 8
	PaddingUnit = 8

	// DefaultMaxChunk bounds a single request for variable-length sub-sections.
	DefaultMaxChunk = 4096

	// MaxCommentSize is the largest comment block a prolog can declare.
	MaxCommentSize = 0xFFFF * CommentUnit
)

// Magic opens every prolog ("DWLF").
const Magic uint32 = 'D' | 'W'<<8 | 'L'<<16 | 'F'<<24

// Prolog field offsets.
const (
	offMagic       = 0
	offStatus      = 4
	offChecksum    = 8
	offSize        = 12
	offTimestamp   = 16
	offKind        = 24
	offTypeVersion = 28
	offCommentSize = 30
)

// SectionKind identifies a top-level section of the container.
type SectionKind uint32

const (
	SectionUpdatePackage SectionKind = 'U' | 'P'<<8 | 'C'<<16 | 'K'<<24
	SectionBinary        SectionKind = 'B' | 'I'<<8 | 'N'<<16 | 'A'<<24
	SectionSignature     SectionKind = 'S' | 'I'<<8 | 'G'<<16 | 'N'<<24
)

func (k SectionKind) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(k))
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(k))
		}
	}
	return string(b[:])
}

// Update-Package sub-types accepted by the parser.
const (
	SubTypeFirmware uint32 = 'A' | 'P'<<8 | 'P'<<16 | 'L'<<24
	SubTypeAMSS     uint32 = 'A' | 'M'<<8 | 'S'<<16 | 'S'<<24
)

// SubSection is a phase within a section.
type SubSection int

const (
	SubProlog SubSection = iota
	SubComments
	SubHeader
	SubBinaryData
	SubPadding
	SubSignatureData
	SubDone
)

func (s SubSection) String() string {
	switch s {
	case SubProlog:
		return "prolog"
	case SubComments:
		return "comments"
	case SubHeader:
		return "header"
	case SubBinaryData:
		return "binary_data"
	case SubPadding:
		return "padding"
	case SubSignatureData:
		return "signature_data"
	case SubDone:
		return "done"
	}
	return fmt.Sprintf("sub_section(%d)", int(s))
}

// Prolog is the decoded fixed header preceding every section.
type Prolog struct {
	Magic       uint32
	Status      uint32
	Checksum    uint32
	Size        uint32
	Timestamp   uint64
	Kind        SectionKind
	TypeVersion uint16
	CommentSize uint16
}

// CommentLength returns the comment block length in bytes.
func (p Prolog) CommentLength() uint32 {
	return uint32(p.CommentSize) * CommentUnit
}

// ReadProlog extracts a prolog from the first PrologSize bytes of b.
func ReadProlog(b []byte) (Prolog, error) {
	if len(b) < PrologSize {
		return Prolog{}, fmt.Errorf("%w: prolog needs %d bytes, got %d", ErrLength, PrologSize, len(b))
	}
	le := binary.LittleEndian
	return Prolog{
		Magic:       le.Uint32(b[offMagic:]),
		Status:      le.Uint32(b[offStatus:]),
		Checksum:    le.Uint32(b[offChecksum:]),
		Size:        le.Uint32(b[offSize:]),
		Timestamp:   le.Uint64(b[offTimestamp:]),
		Kind:        SectionKind(le.Uint32(b[offKind:])),
		TypeVersion: le.Uint16(b[offTypeVersion:]),
		CommentSize: le.Uint16(b[offCommentSize:]),
	}, nil
}

// PutProlog encodes p into the first PrologSize bytes of b.
func PutProlog(b []byte, p Prolog) error {
	if len(b) < PrologSize {
		return fmt.Errorf("%w: prolog needs %d bytes, got %d", ErrLength, PrologSize, len(b))
	}
	le := binary.LittleEndian
	le.PutUint32(b[offMagic:], p.Magic)
	le.PutUint32(b[offStatus:], p.Status)
	le.PutUint32(b[offChecksum:], p.Checksum)
	le.PutUint32(b[offSize:], p.Size)
	le.PutUint64(b[offTimestamp:], p.Timestamp)
	le.PutUint32(b[offKind:], uint32(p.Kind))
	le.PutUint16(b[offTypeVersion:], p.TypeVersion)
	le.PutUint16(b[offCommentSize:], p.CommentSize)
	return nil
}

// PaddingFor returns the number of bytes rounding size up to a multiple of PaddingUnit.
func PaddingFor(size uint32) uint32 {
	return (PaddingUnit - size%PaddingUnit) % PaddingUnit
}
