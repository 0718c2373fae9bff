package vfat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/dargueta/vvfatbridge/errors"
)

// DirentSize is the fixed size of one FAT directory entry slot, short-name
// or long-name, in bytes.
const DirentSize = 32

// Attribute bits for RawDirent.Attributes, per the FAT standard.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	direntFree       = 0x00 // unused slot, and every slot after it is also free
	direntErasedMark = 0xE5 // first byte of a deleted entry's name
	direntDotLength  = 8
)

// RawDirent is the 32-byte on-disk short-name directory entry. Field order
// and widths follow original_source/vvfat.h's direntry_t exactly -- it is
// more authoritative for the wire format than any in-memory convenience
// struct, since it is what a real FAT driver parses byte for byte.
type RawDirent struct {
	Name        [8]byte
	Extension   [3]byte
	Attributes  uint8
	Reserved    [2]byte
	CreatedTime uint16
	CreatedDate uint16
	AccessDate  uint16
	BeginHi     uint16
	ModifiedTime uint16
	ModifiedDate uint16
	BeginLo      uint16
	Size         uint32
}

// FirstCluster reassembles the 32-bit cluster number FAT16 splits across
// BeginHi/BeginLo (BeginHi is always 0 for FAT12/FAT16 volumes but is kept
// for wire compatibility with FAT32 readers that inspect it).
func (d RawDirent) FirstCluster() ClusterID {
	return ClusterID(uint32(d.BeginHi)<<16 | uint32(d.BeginLo))
}

func (d *RawDirent) SetFirstCluster(c ClusterID) {
	d.BeginHi = uint16(uint32(c) >> 16)
	d.BeginLo = uint16(uint32(c) & 0xFFFF)
}

func (d RawDirent) IsFree() bool       { return d.Name[0] == direntFree }
func (d RawDirent) IsDeleted() bool    { return d.Name[0] == direntErasedMark }
func (d RawDirent) IsLongNameSlot() bool { return d.Attributes&AttrLongName == AttrLongName }
func (d RawDirent) IsVolumeLabel() bool { return d.Attributes&AttrVolumeID != 0 }
func (d RawDirent) IsDirectory() bool   { return d.Attributes&AttrDirectory != 0 }

// Bytes serializes the entry to its 32-byte wire form.
func (d RawDirent) Bytes() []byte {
	buf := new(bytes.Buffer)
	// RawDirent's fields are all fixed-width and already in wire order, so
	// binary.Write can't fail here; the error is only checked defensively.
	if err := binary.Write(buf, binary.LittleEndian, d); err != nil {
		panic(fmt.Sprintf("internal error: direntry serialization failed: %s", err))
	}
	return buf.Bytes()
}

// DecodeRawDirent parses one 32-byte slot.
func DecodeRawDirent(raw []byte) (RawDirent, error) {
	if len(raw) != DirentSize {
		return RawDirent{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("directory entry must be %d bytes, got %d", DirentSize, len(raw)))
	}
	var d RawDirent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &d); err != nil {
		return RawDirent{}, errors.ErrIOFailed.WrapError(err)
	}
	return d, nil
}

// LongNameSlot is one 32-byte VFAT long-filename continuation entry.
// spec.md's Open Question decision (see SPEC_FULL.md) is that these are
// only ever parsed, never synthesized on write-back: the short name is the
// single source of truth for renames coming back from the guest.
type LongNameSlot struct {
	Order     uint8
	Name1     [5]uint16
	Attribute uint8
	Type      uint8
	Checksum  uint8
	Name2     [6]uint16
	FirstClusterLow uint16
	Name3     [2]uint16
}

const longNameLastFlag = 0x40

// DecodeLongNameSlot parses one 32-byte VFAT long-name slot.
func DecodeLongNameSlot(raw []byte) (LongNameSlot, error) {
	if len(raw) != DirentSize {
		return LongNameSlot{}, errors.ErrInvalidArgument.WithMessage("long name slot must be 32 bytes")
	}
	var s LongNameSlot
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &s); err != nil {
		return LongNameSlot{}, errors.ErrIOFailed.WrapError(err)
	}
	return s, nil
}

// runes extracts the (up to) 13 UTF-16 code units a long-name slot carries,
// stopping at the first 0x0000 terminator.
func (s LongNameSlot) runes() []uint16 {
	all := make([]uint16, 0, 13)
	all = append(all, s.Name1[:]...)
	all = append(all, s.Name2[:]...)
	all = append(all, s.Name3[:]...)
	out := make([]uint16, 0, len(all))
	for _, r := range all {
		if r == 0x0000 {
			break
		}
		out = append(out, r)
	}
	return out
}

// AssembleLongName reconstructs the long file name from a run of long-name
// slots, which are stored highest-order-first immediately before the short
// name entry they belong to. This is only used to validate/display names;
// the short name remains authoritative for write-back per spec.md's Open
// Question decision.
func AssembleLongName(slots []LongNameSlot) string {
	var units []uint16
	// Slots are encountered in on-disk (descending order) sequence; the
	// first physical slot carries the highest order number and thus the
	// last fragment of the name.
	for i := len(slots) - 1; i >= 0; i-- {
		units = append(units, slots[i].runes()...)
	}
	return string(utf16.Decode(units))
}

// DateToInt packs a time.Time into the FAT date format: bits 15-9 years
// since 1980, bits 8-5 month (1-12), bits 4-0 day (1-31).
func DateToInt(t time.Time) uint16 {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	return uint16(year)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// TimeToInt packs a time.Time into the FAT time format: bits 15-11 hours,
// bits 10-5 minutes, bits 4-0 seconds/2 (FAT has 2-second resolution).
func TimeToInt(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

// DateTimeFromFAT reverses DateToInt/TimeToInt.
func DateTimeFromFAT(date, clock uint16) time.Time {
	year := 1980 + int(date>>9)
	month := int((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	hour := int(clock >> 11)
	minute := int((clock >> 5) & 0x3F)
	second := int(clock&0x1F) * 2
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}

// Dirent is the decoded, host-friendly view of a directory entry: the
// RawDirent plus the long name recovered from any preceding long-name
// slots, and its slot position within its parent directory.
type Dirent struct {
	ShortName    string // "NAME.EXT" form, trimmed
	LongName     string // empty if no long-name slots preceded this entry
	Attributes   uint8
	CreatedAt    time.Time
	AccessedAt   time.Time
	ModifiedAt   time.Time
	FirstCluster ClusterID
	Size         uint32

	// SlotIndex is this entry's 32-byte slot offset within its parent
	// directory's entry list, including any long-name slots that precede
	// it; used to locate exactly which bytes a write touched.
	SlotIndex int
	// LongNameSlotCount is how many long-name slots precede SlotIndex.
	LongNameSlotCount int
}

// DisplayName prefers the recovered long name, falling back to the 8.3
// short name.
func (d Dirent) DisplayName() string {
	if d.LongName != "" {
		return d.LongName
	}
	return d.ShortName
}

// decodeShortName turns the fixed 8+3 on-disk fields into a "NAME.EXT"
// string, handling the 0xE5 erased-marker escape (0x05 stands in for a
// genuine leading 0xE5 byte, a quirk of the original Kanji-era FAT spec that
// the original engine still honors) and trimming trailing spaces.
func decodeShortName(raw RawDirent) string {
	name := make([]byte, 8)
	copy(name, raw.Name[:])
	if name[0] == 0x05 {
		name[0] = direntErasedMark
	}
	nameStr := strings.TrimRight(string(name), " ")
	extStr := strings.TrimRight(string(raw.Extension[:]), " ")
	if extStr == "" {
		return nameStr
	}
	return nameStr + "." + extStr
}

// ToDirent decodes a RawDirent plus any preceding long-name slots into a
// Dirent, at the given slot index within the parent directory.
func ToDirent(raw RawDirent, longSlots []LongNameSlot, slotIndex int) Dirent {
	d := Dirent{
		ShortName:         decodeShortName(raw),
		Attributes:        raw.Attributes,
		CreatedAt:         DateTimeFromFAT(raw.CreatedDate, raw.CreatedTime),
		AccessedAt:        DateTimeFromFAT(raw.AccessDate, 0),
		ModifiedAt:        DateTimeFromFAT(raw.ModifiedDate, raw.ModifiedTime),
		FirstCluster:      raw.FirstCluster(),
		Size:              raw.Size,
		SlotIndex:         slotIndex,
		LongNameSlotCount: len(longSlots),
	}
	if len(longSlots) > 0 {
		d.LongName = AssembleLongName(longSlots)
	}
	return d
}

// BuildShortName derives an 8.3 short name for hostName, applying the
// "~N" tail-number collision scheme real FAT writers use when hostName
// isn't already legal 8.3 or collides with takenNames. takenNames holds
// already-assigned short names within the same directory, uppercased.
func BuildShortName(hostName string, takenNames map[string]bool) string {
	base, ext := splitExt(hostName)
	base = sanitizeShortNameComponent(base, 8)
	ext = sanitizeShortNameComponent(ext, 3)

	candidate := joinShortName(base, ext)
	if !needsTail(hostName, base, ext) && !takenNames[candidate] {
		return candidate
	}

	for n := 1; n < 1000000; n++ {
		suffix := fmt.Sprintf("~%d", n)
		truncatedBase := base
		maxBaseLen := 8 - len(suffix)
		if maxBaseLen < 1 {
			maxBaseLen = 1
		}
		if len(truncatedBase) > maxBaseLen {
			truncatedBase = truncatedBase[:maxBaseLen]
		}
		candidate = joinShortName(truncatedBase+suffix, ext)
		if !takenNames[candidate] {
			return candidate
		}
	}
	// Astronomically unlikely with any real directory; fall back to a
	// truncated, unguaranteed-unique name rather than looping forever.
	return candidate
}

func needsTail(original, base, ext string) bool {
	upper := strings.ToUpper(original)
	reassembled := joinShortName(base, ext)
	return upper != reassembled && upper != strings.TrimRight(base, " ")
}

func splitExt(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func sanitizeShortNameComponent(s string, maxLen int) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if isLegalShortNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

func isLegalShortNameRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("$%'-_@~`!(){}^#&", r):
		return true
	}
	return false
}

func joinShortName(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}
