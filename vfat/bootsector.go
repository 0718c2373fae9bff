package vfat

import (
	"encoding/binary"
	"time"

	"github.com/noxer/bytewriter"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/geometry"
)

// RawBootSector is the on-disk BIOS Parameter Block plus the FAT12/16
// extended BPB, byte-exact per the MS-DOS 2.0/3.0 standard and spec.md §4.3.
// Field order and sizes match the layout a real FAT reader expects on the
// wire; encoding/binary writes fields in declared order regardless of Go's
// native struct padding, same technique the teacher's
// RawFATBootSectorWithBPB uses.
type RawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	DriveNumber       uint8
	Reserved1         uint8
	BootSignature     uint8 // 0x29 marks VolumeID/VolumeLabel/FileSystemType as valid
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
	BootCode          [448]byte
	Signature         uint16 // 0xAA55
}

// BootSectorSize is the fixed size of a FAT boot sector on disk.
const BootSectorSize = 512

const bootSectorSignature = 0xAA55
const extendedBootSignature = 0x29

// BootSector extends RawBootSector with the derived fields the rest of the
// engine needs repeatedly, mirroring the teacher's FATBootSector, which
// wraps RawFATBootSectorWithBPB the same way.
type BootSector struct {
	Raw RawBootSector

	FATVersion        int
	SectorsPerFAT     uint32
	BytesPerCluster   uint32
	TotalClusters     uint32
	RootDirSectors    uint32
	FirstDataSector   SectorID
	DirentsPerCluster int
	OffsetToBootSector SectorID
	OffsetToFAT        SectorID
	OffsetToRootDir    SectorID
	OffsetToData       SectorID
}

// BuildBootSectorOptions configures NewBootSector.
type BuildBootSectorOptions struct {
	Geometry     geometry.Geometry
	VolumeLabel  string
	WithMBR      bool
	PartitionLBA uint32 // only used when WithMBR is true
	CreatedAt    time.Time
}

// NewBootSector synthesizes a BootSector from a chosen geometry, matching
// spec.md §4.3's init_mbr()/boot sector construction: OEM "BOCHS   ",
// reserved=1, 2 FATs, media descriptor from geometry, CHS geometry filled
// with conventional values, extended boot signature 0x29, volume ID derived
// from the creation time, and an 11-byte, space-padded volume label.
func NewBootSector(opts BuildBootSectorOptions) (*BootSector, error) {
	g := opts.Geometry
	if g.BytesPerSector == 0 {
		return nil, errors.ErrConfigInvalid.WithMessage("geometry is zero-valued")
	}

	bytesPerCluster := uint32(g.BytesPerSector) * uint32(g.SectorsPerCluster)
	totalClusters := g.TotalSectors / uint32(g.SectorsPerCluster)

	// Each FAT16 entry is 2 bytes, each FAT12 entry is 1.5 bytes (12 bits);
	// round the sector count for the FAT region up generously, same as the
	// original's sectors_per_fat computation.
	var bitsPerEntry uint32
	if g.FATVersion == 12 {
		bitsPerEntry = 12
	} else {
		bitsPerEntry = 16
	}
	fatBytes := ((totalClusters + reservedClusterCount) * bitsPerEntry) / 8
	sectorsPerFAT := (fatBytes + uint32(g.BytesPerSector) - 1) / uint32(g.BytesPerSector)
	if sectorsPerFAT == 0 {
		sectorsPerFAT = 1
	}

	rootDirBytes := uint32(g.RootEntries) * DirentSize
	rootDirSectors := (rootDirBytes + uint32(g.BytesPerSector) - 1) / uint32(g.BytesPerSector)

	reservedSectors := uint16(1)

	var offsetToBootSector SectorID
	if opts.WithMBR {
		offsetToBootSector = SectorID(opts.PartitionLBA)
	}
	offsetToFAT := offsetToBootSector + SectorID(reservedSectors)
	offsetToRootDir := offsetToFAT + SectorID(uint32(2)*sectorsPerFAT)
	offsetToData := offsetToRootDir + SectorID(rootDirSectors)

	// Only the sectors after the root directory region hold clusters.
	metaSectors := uint32(offsetToData - offsetToBootSector)
	if g.TotalSectors <= metaSectors {
		return nil, errors.ErrConfigInvalid.WithMessage("target size leaves no room for data clusters")
	}
	totalClusters = (g.TotalSectors - metaSectors) / uint32(g.SectorsPerCluster)

	raw := RawBootSector{
		BytesPerSector:    g.BytesPerSector,
		SectorsPerCluster: g.SectorsPerCluster,
		ReservedSectors:   reservedSectors,
		NumFATs:           2,
		RootEntryCount:    g.RootEntries,
		Media:             g.MediaByte,
		SectorsPerFAT16:   uint16(sectorsPerFAT),
		SectorsPerTrack:   63,
		NumHeads:          16,
		DriveNumber:       0x80,
		BootSignature:     extendedBootSignature,
		VolumeID:          volumeIDFromTime(opts.CreatedAt),
		Signature:         bootSectorSignature,
	}
	copy(raw.JmpBoot[:], []byte{0xEB, 0x3C, 0x90})
	copy(raw.OEMName[:], padRight("BOCHS", 8))
	copy(raw.VolumeLabel[:], padRight(opts.VolumeLabel, 11))

	if g.TotalSectors <= 0xFFFF {
		raw.TotalSectors16 = uint16(g.TotalSectors)
	} else {
		raw.TotalSectors32 = g.TotalSectors
	}

	if g.FATVersion == 12 {
		copy(raw.FileSystemType[:], padRight("FAT12", 8))
	} else {
		copy(raw.FileSystemType[:], padRight("FAT16", 8))
	}

	bs := &BootSector{
		Raw:                raw,
		FATVersion:         g.FATVersion,
		SectorsPerFAT:      sectorsPerFAT,
		BytesPerCluster:    bytesPerCluster,
		TotalClusters:      totalClusters,
		RootDirSectors:     rootDirSectors,
		FirstDataSector:    offsetToData,
		DirentsPerCluster:  int(bytesPerCluster) / DirentSize,
		OffsetToBootSector: offsetToBootSector,
		OffsetToFAT:        offsetToFAT,
		OffsetToRootDir:    offsetToRootDir,
		OffsetToData:       offsetToData,
	}
	return bs, nil
}

// Bytes serializes the boot sector into a fixed BootSectorSize-byte buffer,
// the same fixed-slice-backed io.Writer pattern the teacher's disk image
// formatters use to avoid an extra intermediate allocation.
func (bs *BootSector) Bytes() ([]byte, error) {
	out := make([]byte, BootSectorSize)
	writer := bytewriter.New(out)
	if err := binary.Write(writer, binary.LittleEndian, bs.Raw); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	return out, nil
}

func volumeIDFromTime(t time.Time) uint32 {
	if t.IsZero() {
		t = time.Now()
	}
	// Matches the spirit of the original's use of the creation timestamp to
	// seed the volume serial number: date in the high 16 bits, time in the
	// low 16, the same way DOS FORMAT has always done it.
	date := DateToInt(t)
	clock := TimeToInt(t)
	return uint32(date)<<16 | uint32(clock)
}

func padRight(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// MBRPartitionEntry is one 16-byte entry in the partition table.
type MBRPartitionEntry struct {
	BootIndicator uint8
	StartCHS      [3]byte
	PartitionType uint8
	EndCHS        [3]byte
	StartLBA      uint32
	TotalSectors  uint32
}

// MasterBootRecord is the 512-byte sector 0 written ahead of the boot sector
// when BuildOptions.WithMBR is set. Build does not choose this from the disk
// size: NeedsMBR states the size rule (at least 1 MiB), but Build does not
// call it.
type MasterBootRecord struct {
	BootCode      [440]byte
	DiskSignature uint32
	Reserved      uint16
	Partitions    [4]MBRPartitionEntry
	Signature     uint16
}

const mbrThresholdBytes = 1 << 20 // ~1 MiB, per spec.md §4.3

// fatPartitionType returns the MBR partition type byte for a FAT12/16
// volume of totalSectors sectors, following the conventional small-vs-large
// FAT16 split real partitioning tools use.
func fatPartitionType(fatVersion int, totalSectors uint32) uint8 {
	switch {
	case fatVersion == 12:
		return 0x01
	case totalSectors < 65536:
		return 0x04 // FAT16 < 32MB
	default:
		return 0x06 // FAT16 >= 32MB
	}
}

// NewMasterBootRecord builds the MBR pointing at a single partition
// starting at partitionLBA spanning totalSectors sectors.
func NewMasterBootRecord(fatVersion int, partitionLBA, totalSectors uint32, createdAt time.Time) *MasterBootRecord {
	mbr := &MasterBootRecord{
		DiskSignature: volumeIDFromTime(createdAt),
		Signature:     bootSectorSignature,
	}
	mbr.Partitions[0] = MBRPartitionEntry{
		BootIndicator: 0x80,
		PartitionType: fatPartitionType(fatVersion, totalSectors),
		StartLBA:      partitionLBA,
		TotalSectors:  totalSectors,
	}
	return mbr
}

// Bytes serializes the MBR to its 512-byte on-disk form.
func (m *MasterBootRecord) Bytes() ([]byte, error) {
	out := make([]byte, BootSectorSize)
	writer := bytewriter.New(out)
	if err := binary.Write(writer, binary.LittleEndian, *m); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	return out, nil
}

// NeedsMBR reports whether a virtual disk of targetSizeBytes should carry a
// partition table ahead of its boot sector, per spec.md §4.3.
func NeedsMBR(targetSizeBytes uint64) bool {
	return targetSizeBytes >= mbrThresholdBytes
}
