// Package format implements the DES v1 container codecs: the fixed-width
// header and footer, the variable-length index entry, and the validation
// rules every well-formed container must satisfy.
//
// A container is a single octet stream laid out as
// HEADER | DATA | META | INDEX | FOOTER. All integers are little-endian and
// all offsets are absolute from the start of the stream.
package format

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// HeaderMagic opens every DES v1 container.
	HeaderMagic = "DESHEAD1"

	// FooterMagic terminates every DES v1 container. Consumers must refuse
	// any stream whose trailing 8 bytes differ.
	FooterMagic = "DESFOOT1"

	// Version is the only container version this package produces or accepts.
	Version uint16 = 1

	// HeaderSize is the fixed size of the HEADER region. DATA always starts
	// at this offset.
	HeaderSize = 16

	// FooterSize is the fixed size of the FOOTER region. Reading the last
	// FooterSize bytes of an object is enough to locate the index.
	FooterSize = 80

	// MaxNameLength is the maximum UTF-8 byte length of a file name.
	MaxNameLength = 65535

	// entryFixedSize is the fixed tail of an index entry after the name:
	// data_offset(8) + data_length(8) + meta_offset(8) + meta_length(4) +
	// flags(4) + reserved(8).
	entryFixedSize = 40
)

// Flag bits stored in an index entry. Bits 1 and 2 are reserved for a future
// version and must be zero in v1.
const (
	FlagExternal uint32 = 1 << 0
	flagReserved uint32 = ^FlagExternal
)

// IndexEntry describes one file inside a container. Entries appear in the
// INDEX region in insertion order.
type IndexEntry struct {
	Name       string `json:"name"`
	DataOffset uint64 `json:"data_offset"`
	DataLength uint64 `json:"data_length"`
	MetaOffset uint64 `json:"meta_offset"`
	MetaLength uint32 `json:"meta_length"`
	Flags      uint32 `json:"flags"`
}

// External reports whether the entry's bytes live outside the container.
func (e *IndexEntry) External() bool {
	return e.Flags&FlagExternal != 0
}

// EncodedSize returns the number of bytes the entry occupies in the INDEX
// region.
func (e *IndexEntry) EncodedSize() int {
	return 2 + len(e.Name) + entryFixedSize
}

// Footer is the decoded FOOTER region.
type Footer struct {
	DataStart   uint64
	DataLength  uint64
	MetaStart   uint64
	MetaLength  uint64
	IndexStart  uint64
	IndexLength uint64
	FileCount   uint64
	Version     uint16
}

// FooterStart returns the absolute offset of the footer itself.
func (f *Footer) FooterStart() uint64 {
	return f.IndexStart + f.IndexLength
}

// EncodeHeader renders the 16-byte HEADER region.
func EncodeHeader() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, HeaderMagic)
	binary.LittleEndian.PutUint16(buf[8:], Version)
	return buf
}

// DecodeHeader validates a HEADER region. Containers with a version above
// Version are refused with ErrUnsupportedVersion.
func DecodeHeader(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header truncated (%d bytes)", ErrCorruptContainer, len(buf))
	}
	if !bytes.Equal(buf[:8], []byte(HeaderMagic)) {
		return fmt.Errorf("%w: bad header magic %q", ErrCorruptContainer, buf[:8])
	}
	if v := binary.LittleEndian.Uint16(buf[8:10]); v != Version {
		return fmt.Errorf("%w: container version %d", ErrUnsupportedVersion, v)
	}
	return nil
}

// EncodeFooter renders the 80-byte FOOTER region.
func EncodeFooter(f *Footer) []byte {
	buf := make([]byte, FooterSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], f.DataStart)
	le.PutUint64(buf[8:], f.DataLength)
	le.PutUint64(buf[16:], f.MetaStart)
	le.PutUint64(buf[24:], f.MetaLength)
	le.PutUint64(buf[32:], f.IndexStart)
	le.PutUint64(buf[40:], f.IndexLength)
	le.PutUint64(buf[48:], f.FileCount)
	le.PutUint16(buf[56:], Version)
	copy(buf[FooterSize-8:], FooterMagic)
	return buf
}

// DecodeFooter parses and validates a FOOTER region read from the tail of a
// container. objectSize is the total size of the stream; the footer must be
// self-consistent with it.
func DecodeFooter(buf []byte, objectSize uint64) (*Footer, error) {
	if len(buf) != FooterSize {
		return nil, fmt.Errorf("%w: footer must be %d bytes, got %d", ErrCorruptContainer, FooterSize, len(buf))
	}
	if !bytes.Equal(buf[FooterSize-8:], []byte(FooterMagic)) {
		return nil, fmt.Errorf("%w: bad footer magic %q", ErrCorruptContainer, buf[FooterSize-8:])
	}
	le := binary.LittleEndian
	f := &Footer{
		DataStart:   le.Uint64(buf[0:]),
		DataLength:  le.Uint64(buf[8:]),
		MetaStart:   le.Uint64(buf[16:]),
		MetaLength:  le.Uint64(buf[24:]),
		IndexStart:  le.Uint64(buf[32:]),
		IndexLength: le.Uint64(buf[40:]),
		FileCount:   le.Uint64(buf[48:]),
		Version:     le.Uint16(buf[56:]),
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: container version %d", ErrUnsupportedVersion, f.Version)
	}
	if err := f.validate(objectSize); err != nil {
		return nil, err
	}
	return f, nil
}

// validate checks the region chain: regions are adjacent, in order, and the
// footer closes the stream.
func (f *Footer) validate(objectSize uint64) error {
	if f.DataStart != HeaderSize {
		return fmt.Errorf("%w: data_start %d, want %d", ErrCorruptContainer, f.DataStart, HeaderSize)
	}
	// Bound the lengths before any additive checks. A crafted footer whose
	// fields wrap mod 2^64 could otherwise tile the chain, "close" the
	// object, and drive the index read into an absurd allocation.
	if objectSize > 0 {
		if objectSize < HeaderSize+FooterSize {
			return fmt.Errorf("%w: %d byte object cannot hold header and footer",
				ErrCorruptContainer, objectSize)
		}
		payload := objectSize - HeaderSize - FooterSize
		if f.DataLength > payload ||
			f.MetaLength > payload-f.DataLength ||
			f.IndexLength != payload-f.DataLength-f.MetaLength {
			return fmt.Errorf("%w: region lengths do not tile a %d byte object",
				ErrCorruptContainer, objectSize)
		}
	}
	if f.MetaStart != f.DataStart+f.DataLength {
		return fmt.Errorf("%w: meta_start %d does not follow data region", ErrCorruptContainer, f.MetaStart)
	}
	if f.IndexStart != f.MetaStart+f.MetaLength {
		return fmt.Errorf("%w: index_start %d does not follow meta region", ErrCorruptContainer, f.IndexStart)
	}
	if objectSize > 0 && f.FooterStart()+FooterSize != objectSize {
		return fmt.Errorf("%w: footer at %d does not close a %d byte object",
			ErrCorruptContainer, f.FooterStart(), objectSize)
	}
	return nil
}

// AppendEntry encodes one index entry onto buf and returns the result.
func AppendEntry(buf []byte, e *IndexEntry) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint16(buf, uint16(len(e.Name)))
	buf = append(buf, e.Name...)
	buf = le.AppendUint64(buf, e.DataOffset)
	buf = le.AppendUint64(buf, e.DataLength)
	buf = le.AppendUint64(buf, e.MetaOffset)
	buf = le.AppendUint32(buf, e.MetaLength)
	buf = le.AppendUint32(buf, e.Flags)
	buf = append(buf, make([]byte, 8)...) // reserved
	return buf
}

// DecodeIndex parses the whole INDEX region sequentially. Entries are
// variable length (the name is embedded), so the region is always scanned
// front to back; the index cache absorbs the cost on the read path.
func DecodeIndex(buf []byte, fileCount uint64) ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0, fileCount)
	p := 0
	for p < len(buf) {
		if len(buf)-p < 2 {
			return nil, fmt.Errorf("%w: index entry truncated at %d", ErrCorruptContainer, p)
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[p:]))
		p += 2
		if len(buf)-p < nameLen+entryFixedSize {
			return nil, fmt.Errorf("%w: index entry truncated at %d", ErrCorruptContainer, p)
		}
		name := string(buf[p : p+nameLen])
		p += nameLen
		le := binary.LittleEndian
		entries = append(entries, IndexEntry{
			Name:       name,
			DataOffset: le.Uint64(buf[p:]),
			DataLength: le.Uint64(buf[p+8:]),
			MetaOffset: le.Uint64(buf[p+16:]),
			MetaLength: le.Uint32(buf[p+24:]),
			Flags:      le.Uint32(buf[p+28:]),
		})
		p += entryFixedSize
	}
	if fileCount != uint64(len(entries)) {
		return nil, fmt.Errorf("%w: footer says %d files, index holds %d",
			ErrCorruptContainer, fileCount, len(entries))
	}
	return entries, nil
}

// ValidateName enforces the container naming rules: non-empty UTF-8 of at most
// MaxNameLength bytes, with no NUL, no "..", no path separators, and no
// leading or trailing whitespace.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: name is %d bytes (max %d)", ErrInvalidName, len(name), MaxNameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidName)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: name contains NUL", ErrInvalidName)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: name contains %q", ErrInvalidName, "..")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: name contains a path separator", ErrInvalidName)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: name has leading or trailing whitespace", ErrInvalidName)
	}
	return nil
}
