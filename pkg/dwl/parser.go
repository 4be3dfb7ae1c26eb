package dwl

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Action tells the caller what to do with the chunk just parsed.
type Action int

const (
	// ActionDownload requests Decision.Next more bytes.
	ActionDownload Action = iota
	// ActionStore asks the caller to persist the chunk, then request Decision.Next bytes.
	ActionStore
	// ActionDone means the container is complete and its checksum verified.
	ActionDone
)

func (a Action) String() string {
	switch a {
	case ActionDownload:
		return "download"
	case ActionStore:
		return "store"
	case ActionDone:
		return "done"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the outcome of one Parse call.
type Decision struct {
	Action Action
	// Next is the exact length of the chunk the following Parse call expects.
	// It may be zero for empty sub-sections.
	Next uint32
}

// State is the complete state of a parse session. It can be persisted and
// handed back to Restore to continue a session at the same stream position.
type State struct {
	Section      SectionKind `json:"section"`
	Sub          SubSection  `json:"sub"`
	First        bool        `json:"first"`
	Declared     uint32      `json:"declared_crc"`
	Computed     uint32      `json:"computed_crc"`
	CommentLen   uint32      `json:"comment_len"`
	BinaryLen    uint32      `json:"binary_len"`
	PaddingLen   uint32      `json:"padding_len"`
	SignatureLen uint32      `json:"signature_len"`
	Remaining    uint32      `json:"remaining"`
}

// Parser is a single parse session over one container. It is not safe for
// concurrent use and must not be shared between downloads.
type Parser struct {
	maxChunk uint32
	st       State
}

// NewParser returns a parser waiting for the first prolog. maxChunk bounds every
// variable-length request; values below HeaderSize are raised to HeaderSize.
func NewParser(maxChunk uint32) *Parser {
	return &Parser{maxChunk: clampChunk(maxChunk), st: State{Sub: SubProlog, First: true}}
}

// Restore resumes a session from a snapshot taken with Snapshot.
func Restore(maxChunk uint32, st State) (*Parser, error) {
	if st.Sub < SubProlog || st.Sub > SubDone {
		return nil, fmt.Errorf("dwl: cannot restore sub-section %d", int(st.Sub))
	}
	return &Parser{maxChunk: clampChunk(maxChunk), st: st}, nil
}

func clampChunk(n uint32) uint32 {
	if n < HeaderSize {
		return HeaderSize
	}
	return n
}

// FirstLength is the size of the first request of a session.
func (p *Parser) FirstLength() uint32 { return PrologSize }

// Snapshot returns a copy of the session state.
func (p *Parser) Snapshot() State { return p.st }

// Section returns the section currently being parsed.
func (p *Parser) Section() SectionKind { return p.st.Section }

// SubSection returns the sub-section the next chunk belongs to.
func (p *Parser) SubSection() SubSection { return p.st.Sub }

// Checksum returns the CRC computed so far.
func (p *Parser) Checksum() uint32 { return p.st.Computed }

// Declared returns the CRC read from the first prolog.
func (p *Parser) Declared() uint32 { return p.st.Declared }

// Parse consumes the next chunk of the container. The chunk must have the
// length requested by the previous Decision; the parser keeps no reference to it.
func (p *Parser) Parse(chunk []byte) (Decision, error) {
	if uint64(len(chunk)) > uint64(p.maxChunk) {
		return Decision{}, fmt.Errorf("%w: chunk of %d bytes exceeds max %d", ErrLength, len(chunk), p.maxChunk)
	}
	switch p.st.Sub {
	case SubProlog:
		return p.parseProlog(chunk)
	case SubComments:
		return p.parseComments(chunk)
	case SubHeader:
		return p.parseHeader(chunk)
	case SubBinaryData:
		return p.parseBinary(chunk)
	case SubPadding:
		return p.parsePadding(chunk)
	case SubSignatureData:
		return p.parseSignature(chunk)
	case SubDone:
		return Decision{}, ErrFinished
	}
	return Decision{}, fmt.Errorf("dwl: invalid sub-section %d", int(p.st.Sub))
}

func (p *Parser) parseProlog(chunk []byte) (Decision, error) {
	if len(chunk) != PrologSize {
		return Decision{}, fmt.Errorf("%w: prolog is %d bytes, got %d", ErrLength, PrologSize, len(chunk))
	}
	pr, err := ReadProlog(chunk)
	if err != nil {
		return Decision{}, err
	}
	if pr.Magic != Magic {
		return Decision{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, pr.Magic)
	}

	commentLen := pr.CommentLength()
	switch pr.Kind {
	case SectionUpdatePackage:
	case SectionBinary:
		if uint64(pr.Size) < uint64(PrologSize)+uint64(commentLen)+HeaderSize {
			return Decision{}, fmt.Errorf("%w: binary section size %d too small", ErrLength, pr.Size)
		}
		p.st.BinaryLen = pr.Size - commentLen - HeaderSize - PrologSize
		p.st.PaddingLen = PaddingFor(pr.Size)
	case SectionSignature:
		if uint64(pr.Size) < uint64(PrologSize)+uint64(commentLen) {
			return Decision{}, fmt.Errorf("%w: signature section size %d too small", ErrLength, pr.Size)
		}
		p.st.SignatureLen = pr.Size - commentLen - PrologSize
	default:
		return Decision{}, fmt.Errorf("%w: %s", ErrUnsupportedSection, pr.Kind)
	}
	p.st.Section = pr.Kind
	p.st.CommentLen = commentLen

	// Magic, checksum and size of the first prolog are outside the checksum.
	if p.st.First {
		p.st.Declared = pr.Checksum
		p.st.First = false
		p.sum(chunk[offStatus:offChecksum])
		p.sum(chunk[offTimestamp:PrologSize])
	} else {
		p.sum(chunk)
	}

	p.st.Sub = SubComments
	p.st.Remaining = commentLen
	return p.download(p.bounded()), nil
}

func (p *Parser) parseComments(chunk []byte) (Decision, error) {
	if err := p.consume(chunk); err != nil {
		return Decision{}, err
	}
	if p.st.Remaining > 0 {
		return p.download(p.bounded()), nil
	}
	if p.st.Section == SectionSignature {
		// The signature sub-section is reached: the checksum is final.
		if p.st.Computed != p.st.Declared {
			return Decision{}, fmt.Errorf("%w: computed 0x%08x, declared 0x%08x", ErrChecksum, p.st.Computed, p.st.Declared)
		}
		p.st.Sub = SubSignatureData
		p.st.Remaining = p.st.SignatureLen
		return p.download(p.bounded()), nil
	}
	p.st.Sub = SubHeader
	return p.download(HeaderSize), nil
}

func (p *Parser) parseHeader(chunk []byte) (Decision, error) {
	if len(chunk) != HeaderSize {
		return Decision{}, fmt.Errorf("%w: header is %d bytes, got %d", ErrLength, HeaderSize, len(chunk))
	}
	p.sum(chunk)

	switch p.st.Section {
	case SectionUpdatePackage:
		subType := binary.LittleEndian.Uint32(chunk[0:4])
		if subType != SubTypeFirmware && subType != SubTypeAMSS {
			return Decision{}, fmt.Errorf("%w: %s", ErrUnsupportedSubType, SectionKind(subType))
		}
		p.st.Sub = SubProlog
		return p.download(PrologSize), nil
	case SectionBinary:
		p.st.Remaining = p.st.BinaryLen
		if p.st.Remaining == 0 {
			p.st.Sub = SubPadding
			return p.download(p.st.PaddingLen), nil
		}
		p.st.Sub = SubBinaryData
		return p.download(p.bounded()), nil
	}
	return Decision{}, fmt.Errorf("%w: header in %s section", ErrUnsupportedSection, p.st.Section)
}

func (p *Parser) parseBinary(chunk []byte) (Decision, error) {
	if err := p.consume(chunk); err != nil {
		return Decision{}, err
	}
	if p.st.Remaining > 0 {
		return Decision{Action: ActionStore, Next: p.bounded()}, nil
	}
	p.st.Sub = SubPadding
	return Decision{Action: ActionStore, Next: p.st.PaddingLen}, nil
}

func (p *Parser) parsePadding(chunk []byte) (Decision, error) {
	if uint32(len(chunk)) != p.st.PaddingLen {
		return Decision{}, fmt.Errorf("%w: padding is %d bytes, got %d", ErrLength, p.st.PaddingLen, len(chunk))
	}
	p.sum(chunk)
	p.st.Sub = SubProlog
	return p.download(PrologSize), nil
}

func (p *Parser) parseSignature(chunk []byte) (Decision, error) {
	if err := p.consume(chunk); err != nil {
		return Decision{}, err
	}
	if p.st.Remaining > 0 {
		return p.download(p.bounded()), nil
	}
	p.st.Sub = SubDone
	return Decision{Action: ActionDone}, nil
}

// consume accounts a chunk against the remaining length of the current sub-section.
func (p *Parser) consume(chunk []byte) error {
	n := uint64(len(chunk))
	if n > uint64(p.st.Remaining) {
		return fmt.Errorf("%w: received %d bytes, %d remaining in %s", ErrLength, n, p.st.Remaining, p.st.Sub)
	}
	if n == 0 && p.st.Remaining > 0 {
		return fmt.Errorf("%w: empty chunk, %d remaining in %s", ErrLength, p.st.Remaining, p.st.Sub)
	}
	p.sum(chunk)
	p.st.Remaining -= uint32(n)
	return nil
}

// sum folds b into the running checksum. Signature sections are excluded.
func (p *Parser) sum(b []byte) {
	if p.st.Section == SectionSignature {
		return
	}
	p.st.Computed = crc32.Update(p.st.Computed, crc32.IEEETable, b)
}

func (p *Parser) bounded() uint32 {
	return min(p.st.Remaining, p.maxChunk)
}

func (p *Parser) download(n uint32) Decision {
	return Decision{Action: ActionDownload, Next: n}
}
