package dwl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

type builderSection struct {
	kind     SectionKind
	subType  uint32
	comments []byte
	body     []byte
}

// Builder assembles a container with a correct checksum.
type Builder struct {
	// Timestamp is written into every prolog.
	Timestamp uint64
	// TypeVersion is written into every prolog.
	TypeVersion uint16

	sections []builderSection
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// UpdatePackage appends an Update-Package section with the given sub-type.
func (b *Builder) UpdatePackage(subType uint32, comments []byte) *Builder {
	b.sections = append(b.sections, builderSection{kind: SectionUpdatePackage, subType: subType, comments: comments})
	return b
}

// Binary appends a Binary section carrying payload.
func (b *Builder) Binary(payload, comments []byte) *Builder {
	b.sections = append(b.sections, builderSection{kind: SectionBinary, comments: comments, body: payload})
	return b
}

// Signature appends a Signature section carrying sig.
func (b *Builder) Signature(sig, comments []byte) *Builder {
	b.sections = append(b.sections, builderSection{kind: SectionSignature, comments: comments, body: sig})
	return b
}

// Bytes encodes the container.
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.sections) == 0 {
		return nil, fmt.Errorf("dwl: builder has no sections")
	}

	var (
		out   bytes.Buffer
		crc   uint32
		first = true
	)
	for i, s := range b.sections {
		comments := padComments(s.comments)
		if len(comments) > MaxCommentSize {
			return nil, fmt.Errorf("dwl: section %d comments too long (%d bytes)", i, len(comments))
		}

		size := uint64(PrologSize + len(comments))
		var header []byte
		switch s.kind {
		case SectionUpdatePackage:
			header = make([]byte, HeaderSize)
			binary.LittleEndian.PutUint32(header[0:4], s.subType)
			size += HeaderSize
		case SectionBinary:
			header = make([]byte, HeaderSize)
			size += HeaderSize + uint64(len(s.body))
		case SectionSignature:
			size += uint64(len(s.body))
		}
		if size > 0xFFFFFFFF {
			return nil, fmt.Errorf("dwl: section %d too large (%d bytes)", i, size)
		}

		prolog := make([]byte, PrologSize)
		_ = PutProlog(prolog, Prolog{
			Magic:       Magic,
			Size:        uint32(size),
			Timestamp:   b.Timestamp,
			Kind:        s.kind,
			TypeVersion: b.TypeVersion,
			CommentSize: uint16(len(comments) / CommentUnit),
		})

		var padding []byte
		if s.kind == SectionBinary {
			padding = make([]byte, PaddingFor(uint32(size)))
		}

		if s.kind != SectionSignature {
			if first {
				crc = crc32.Update(crc, crc32.IEEETable, prolog[offStatus:offChecksum])
				crc = crc32.Update(crc, crc32.IEEETable, prolog[offTimestamp:PrologSize])
			} else {
				crc = crc32.Update(crc, crc32.IEEETable, prolog)
			}
			for _, part := range [][]byte{comments, header, s.body, padding} {
				crc = crc32.Update(crc, crc32.IEEETable, part)
			}
		}
		first = false

		out.Write(prolog)
		out.Write(comments)
		out.Write(header)
		out.Write(s.body)
		out.Write(padding)
	}

	raw := out.Bytes()
	binary.LittleEndian.PutUint32(raw[offChecksum:], crc)
	return raw, nil
}

func padComments(c []byte) []byte {
	if len(c)%CommentUnit == 0 {
		return c
	}
	padded := make([]byte, len(c)+CommentUnit-len(c)%CommentUnit)
	copy(padded, c)
	return padded
}
