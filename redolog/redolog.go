package redolog

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/vvfatbridge/errors"
)

// SectorSize is fixed at 512, matching the virtual disk this log shadows.
const SectorSize = 512

// UnallocatedExtent is the catalog sentinel marking a logical extent that
// has never been written.
const UnallocatedExtent = 0xFFFFFFFF

// DefaultExtentSize is used when a caller doesn't have a specific extent
// size in mind; 128 sectors keeps the per-extent bitmap small (16 bytes)
// while still amortizing allocation overhead across a run of nearby writes.
const DefaultExtentSize = 128 * SectorSize

// RedoLog is an in-memory, copy-on-write overlay: writes land in
// arbitrarily-ordered "extents" allocated on demand, and reads consult the
// per-extent bitmap to decide whether a sector has been written here or
// should fall through to the base image.
type RedoLog struct {
	Subtype   string
	Version   uint32
	DiskSize  uint64
	CreatedAt time.Time

	extentSize       uint32
	sectorsPerExtent uint32

	catalog []uint32
	bitmaps map[uint32]bitmap.Bitmap
	extents map[uint32][]byte
	nextSlot uint32
}

// New creates an empty redo log of the given subtype shadowing a disk of
// diskSizeBytes, using DefaultExtentSize extents.
func New(subtype string, diskSizeBytes uint64) (*RedoLog, error) {
	return NewWithExtentSize(subtype, diskSizeBytes, DefaultExtentSize)
}

// NewWithExtentSize is New with an explicit extent size, for tests that
// want small extents to exercise allocation boundaries.
func NewWithExtentSize(subtype string, diskSizeBytes uint64, extentSizeBytes uint32) (*RedoLog, error) {
	if extentSizeBytes == 0 || extentSizeBytes%SectorSize != 0 {
		return nil, errors.ErrConfigInvalid.WithMessage("extent size must be a nonzero multiple of the sector size")
	}
	numExtents := (diskSizeBytes + uint64(extentSizeBytes) - 1) / uint64(extentSizeBytes)
	catalog := make([]uint32, numExtents)
	for i := range catalog {
		catalog[i] = UnallocatedExtent
	}
	return &RedoLog{
		Subtype:          subtype,
		Version:          HeaderVersionV2,
		DiskSize:         diskSizeBytes,
		extentSize:       extentSizeBytes,
		sectorsPerExtent: extentSizeBytes / SectorSize,
		catalog:          catalog,
		bitmaps:          make(map[uint32]bitmap.Bitmap),
		extents:          make(map[uint32][]byte),
	}, nil
}

func (r *RedoLog) extentIndexFor(offset int64) (extentIdx uint32, sectorInExtent uint32, byteInSector int64) {
	extentIdx = uint32(uint64(offset) / uint64(r.extentSize))
	withinExtent := uint64(offset) % uint64(r.extentSize)
	sectorInExtent = uint32(withinExtent / SectorSize)
	byteInSector = int64(withinExtent % SectorSize)
	return
}

// HasSector reports whether offset (sector-aligned) has been written to
// this log.
func (r *RedoLog) HasSector(offset int64) bool {
	extentIdx, sectorInExtent, _ := r.extentIndexFor(offset)
	if int(extentIdx) >= len(r.catalog) {
		return false
	}
	slot := r.catalog[extentIdx]
	if slot == UnallocatedExtent {
		return false
	}
	bm, ok := r.bitmaps[slot]
	if !ok {
		return false
	}
	return bm.Get(int(sectorInExtent))
}

// ReadAt fills p from the log's own extents wherever a sector has been
// written, and zero-fills every sector that hasn't -- it is the caller's
// job (e.g. blockdevice.BlockDevice) to instead consult the base image for
// sectors HasSector reports false for, if that's the desired behavior.
func (r *RedoLog) ReadAt(p []byte, offset int64) (int, error) {
	if len(p)%SectorSize != 0 || offset%SectorSize != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("redo-log I/O must be sector-aligned")
	}
	n := 0
	for n < len(p) {
		cur := offset + int64(n)
		extentIdx, sectorInExtent, _ := r.extentIndexFor(cur)
		dst := p[n : n+SectorSize]
		if int(extentIdx) < len(r.catalog) {
			slot := r.catalog[extentIdx]
			if slot != UnallocatedExtent && r.bitmaps[slot].Get(int(sectorInExtent)) {
				ext := r.extents[slot]
				start := int(sectorInExtent) * SectorSize
				copy(dst, ext[start:start+SectorSize])
				n += SectorSize
				continue
			}
		}
		for i := range dst {
			dst[i] = 0
		}
		n += SectorSize
	}
	return n, nil
}

// WriteAt copies p into the log's extents, allocating a new extent (and its
// bitmap) the first time a given extent index is touched.
func (r *RedoLog) WriteAt(p []byte, offset int64) (int, error) {
	if len(p)%SectorSize != 0 || offset%SectorSize != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("redo-log I/O must be sector-aligned")
	}
	n := 0
	for n < len(p) {
		cur := offset + int64(n)
		extentIdx, sectorInExtent, _ := r.extentIndexFor(cur)
		if int(extentIdx) >= len(r.catalog) {
			return n, errors.ErrArgumentOutOfRange.WithMessage("write past the end of the shadowed disk")
		}
		slot := r.catalog[extentIdx]
		if slot == UnallocatedExtent {
			slot = r.nextSlot
			r.nextSlot++
			r.catalog[extentIdx] = slot
			r.bitmaps[slot] = bitmap.NewSlice(int(r.sectorsPerExtent))
			r.extents[slot] = make([]byte, r.extentSize)
		}
		start := int(sectorInExtent) * SectorSize
		copy(r.extents[slot][start:start+SectorSize], p[n:n+SectorSize])
		r.bitmaps[slot].Set(int(sectorInExtent), true)
		n += SectorSize
	}
	return n, nil
}

// ExtentStream exposes the allocated extent backing logicalExtentIndex as a
// seekable stream, for tools that want random access to one extent's worth
// of scratch space without going through the sector-oriented ReadAt/WriteAt
// pair -- e.g. a diagnostic dump of a single extent's contents. Returns
// false if logicalExtentIndex has never been written to.
func (r *RedoLog) ExtentStream(logicalExtentIndex uint32) (io.ReadWriteSeeker, bool) {
	if int(logicalExtentIndex) >= len(r.catalog) {
		return nil, false
	}
	slot := r.catalog[logicalExtentIndex]
	if slot == UnallocatedExtent {
		return nil, false
	}
	return bytesextra.NewReadWriteSeeker(r.extents[slot]), true
}

// Save serializes the header, catalog, and every allocated extent's bitmap
// and data to w, in slot order.
func (r *RedoLog) Save(w io.Writer) error {
	std := newStandardHeader(r.Subtype, r.Version)
	spec := SpecificHeader{
		Catalog:   uint32(len(r.catalog)),
		Bitmap:    uint32(len(bitmap.NewSlice(int(r.sectorsPerExtent)))),
		Extent:    r.extentSize,
		DiskSize:  r.DiskSize,
		Timestamp: unixTimestamp(r.CreatedAt),
	}
	if _, err := w.Write(std.Bytes(spec)); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	for _, slot := range r.catalog {
		if err := binary.Write(w, binary.LittleEndian, slot); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
	}

	for slot := uint32(0); slot < r.nextSlot; slot++ {
		if _, err := w.Write(r.bitmaps[slot]); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
		if _, err := w.Write(r.extents[slot]); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
	}
	return nil
}

// Load reads a redo log previously written by Save.
func Load(r io.Reader) (*RedoLog, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, errImageFormatFor(FormatReadError)
	}
	std, spec, code := DecodeHeader(headerBuf)
	if code != FormatOK {
		return nil, errImageFormatFor(code)
	}

	log := &RedoLog{
		Subtype:          string(trimNulls(std.Subtype[:])),
		Version:          std.Version,
		DiskSize:         spec.DiskSize,
		extentSize:       spec.Extent,
		sectorsPerExtent: spec.Extent / SectorSize,
		bitmaps:          make(map[uint32]bitmap.Bitmap),
		extents:          make(map[uint32][]byte),
	}
	if spec.Timestamp != 0 {
		log.CreatedAt = time.Unix(int64(spec.Timestamp), 0)
	}

	log.catalog = make([]uint32, spec.Catalog)
	for i := range log.catalog {
		if err := binary.Read(r, binary.LittleEndian, &log.catalog[i]); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
	}

	maxSlot := uint32(0)
	anyAllocated := false
	for _, slot := range log.catalog {
		if slot != UnallocatedExtent {
			anyAllocated = true
			if slot+1 > maxSlot {
				maxSlot = slot + 1
			}
		}
	}
	if anyAllocated {
		for slot := uint32(0); slot < maxSlot; slot++ {
			bm := make([]byte, spec.Bitmap)
			if _, err := io.ReadFull(r, bm); err != nil {
				return nil, errors.ErrIOFailed.WrapError(err)
			}
			ext := make([]byte, spec.Extent)
			if _, err := io.ReadFull(r, ext); err != nil {
				return nil, errors.ErrIOFailed.WrapError(err)
			}
			log.bitmaps[slot] = bitmap.Bitmap(bm)
			log.extents[slot] = ext
		}
		log.nextSlot = maxSlot
	}
	return log, nil
}

func trimNulls(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
