// Package redolog implements the copy-on-write log a BlockDevice can
// interpose in front of a vfat.Image, per spec.md §4.7: writes accumulate
// into the log's own extents rather than touching the virtual FAT view (and
// therefore the host directory) directly, and reads prefer the log's copy
// of a sector over the synthesized one whenever the log has it.
//
// The on-disk format is the classic Bochs/QEMU "redolog" layout: a fixed
// header naming the format, a catalog mapping logical extents to physical
// extent slots (or "unallocated"), and per-extent bitmaps tracking which
// sectors inside an allocated extent have actually been written.
package redolog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dargueta/vvfatbridge/errors"
)

const (
	headerMagic = "Bochs Virtual HD Image"
	headerType  = "Redolog"
)

// Subtype names, matching the original engine's three redo-log flavors:
// Undoable logs persist across sessions and can be discarded to roll back,
// Volatile logs exist only for the lifetime of one mount and are always
// discarded, and Growing logs are persisted like Undoable ones. RedoLog
// itself treats all three alike (a rewritten sector is overwritten in place
// whatever the subtype); the subtype is recorded in the header and decides
// whether blockdevice.BlockDevice.Flush saves the log.
const (
	SubtypeUndoable = "Undoable"
	SubtypeVolatile = "Volatile"
	SubtypeGrowing  = "Growing"
)

// Header versions. V1 predates the timestamp field; V2 (current) has it.
const (
	HeaderVersionV1 = 0x00010000
	HeaderVersionV2 = 0x00020000
)

// HeaderSize is the fixed on-disk size of the combined standard + specific
// header, padded with reserved bytes.
const HeaderSize = 512

// check_format result codes, preserved verbatim from the original engine
// so a caller's error handling can switch on the same integers a port of
// the original would expect.
const (
	FormatOK          = 0
	FormatSizeError   = -1
	FormatReadError   = -2
	FormatNoSignature = -3
	FormatTypeError   = -4
	FormatVersionError = -5
)

// StandardHeader identifies the file as a redo log and names its subtype.
type StandardHeader struct {
	Magic      [32]byte
	Type       [16]byte
	Subtype    [16]byte
	Version    uint32
	HeaderSize uint32
}

// SpecificHeader carries the geometry of the catalog/bitmap/extent layout.
// Timestamp is zero and unused under HeaderVersionV1.
type SpecificHeader struct {
	Catalog   uint32 // number of entries in the catalog
	Bitmap    uint32 // bitmap size in bytes, per extent
	Extent    uint32 // extent size in bytes
	DiskSize  uint64 // size in bytes of the disk this log shadows
	Timestamp uint64 // unix seconds; only meaningful under HeaderVersionV2
}

func newStandardHeader(subtype string, version uint32) StandardHeader {
	h := StandardHeader{Version: version, HeaderSize: HeaderSize}
	copy(h.Magic[:], headerMagic)
	copy(h.Type[:], headerType)
	copy(h.Subtype[:], subtype)
	return h
}

// Bytes serializes the standard and specific headers into one HeaderSize-byte
// block, reserved bytes zero-filled.
func (h StandardHeader) Bytes(s SpecificHeader) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)
	binary.Write(buf, binary.LittleEndian, s.Catalog)
	binary.Write(buf, binary.LittleEndian, s.Bitmap)
	binary.Write(buf, binary.LittleEndian, s.Extent)
	binary.Write(buf, binary.LittleEndian, s.DiskSize)
	if h.Version >= HeaderVersionV2 {
		binary.Write(buf, binary.LittleEndian, s.Timestamp)
	}
	out := make([]byte, HeaderSize)
	copy(out, buf.Bytes())
	return out
}

// DecodeHeader parses a HeaderSize-byte block into its standard and
// specific parts, and runs CheckFormat against it.
func DecodeHeader(raw []byte) (StandardHeader, SpecificHeader, int) {
	if len(raw) < HeaderSize {
		return StandardHeader{}, SpecificHeader{}, FormatSizeError
	}
	var h StandardHeader
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return StandardHeader{}, SpecificHeader{}, FormatReadError
	}

	var s SpecificHeader
	binary.Read(r, binary.LittleEndian, &s.Catalog)
	binary.Read(r, binary.LittleEndian, &s.Bitmap)
	binary.Read(r, binary.LittleEndian, &s.Extent)
	binary.Read(r, binary.LittleEndian, &s.DiskSize)
	if h.Version >= HeaderVersionV2 {
		binary.Read(r, binary.LittleEndian, &s.Timestamp)
	}

	code := CheckFormat(h)
	return h, s, code
}

// CheckFormat validates a StandardHeader's magic, type, and version,
// returning one of the Format* codes.
func CheckFormat(h StandardHeader) int {
	if !bytes.HasPrefix(h.Magic[:], []byte(headerMagic)) {
		return FormatNoSignature
	}
	if !bytes.HasPrefix(h.Type[:], []byte(headerType)) {
		return FormatTypeError
	}
	switch h.Version {
	case HeaderVersionV1, HeaderVersionV2:
		return FormatOK
	default:
		return FormatVersionError
	}
}

// FormatErrorMessage renders a Format* code as a human-readable string, for
// wrapping into an errors.ErrImageFormat.
func FormatErrorMessage(code int) string {
	switch code {
	case FormatOK:
		return "ok"
	case FormatSizeError:
		return "file too small to hold a redo-log header"
	case FormatReadError:
		return "failed to read redo-log header"
	case FormatNoSignature:
		return "missing redo-log magic signature"
	case FormatTypeError:
		return "not a redo-log file"
	case FormatVersionError:
		return "unsupported redo-log header version"
	default:
		return fmt.Sprintf("unknown format error code %d", code)
	}
}

// errImageFormatFor wraps a non-OK CheckFormat code as an errors.DriverError.
func errImageFormatFor(code int) error {
	return errors.ErrImageFormat.WithMessage(FormatErrorMessage(code))
}

func unixTimestamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}
