package vfat

import (
	"io"
	"time"

	"github.com/golang/glog"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/hostfs"
)

// Resolver turns a sector number into bytes, synthesizing the boot sector,
// FAT region, and root directory region, and reading real file content on
// demand for data-region sectors that belong to an ordinary file mapping.
// It caches exactly one open host file descriptor at a time and keeps no
// cluster cache -- sequential reads (the overwhelmingly common access pattern for a guest
// scanning or copying a file) hit the cache; random access across files
// pays a reopen each time, which is an acceptable trade against the
// complexity of a real LRU for this workload.
type Resolver struct {
	provider hostfs.Provider
	result   *BuildResult

	cachedPath    string
	cachedReader  io.ReaderAt
	cachedCloser  io.Closer
}

func NewResolver(provider hostfs.Provider, result *BuildResult) *Resolver {
	return &Resolver{provider: provider, result: result}
}

// Close releases any cached host file descriptor.
func (r *Resolver) Close() error {
	if r.cachedCloser != nil {
		err := r.cachedCloser.Close()
		r.cachedCloser = nil
		r.cachedReader = nil
		r.cachedPath = ""
		return err
	}
	return nil
}

// regionKind classifies a sector for ReadSector's dispatch.
type regionKind int

const (
	regionMBR regionKind = iota
	regionBoot
	regionReserved
	regionFAT
	regionRootDir
	regionData
)

// Classify reports which region sector belongs to, per spec.md §4.5.
func (r *Resolver) Classify(sector SectorID) regionKind {
	boot := r.result.Boot
	switch {
	case boot.OffsetToBootSector > 0 && sector == 0:
		return regionMBR
	case sector == boot.OffsetToBootSector:
		return regionBoot
	case sector >= boot.OffsetToFAT && sector < boot.OffsetToRootDir:
		return regionFAT
	case sector >= boot.OffsetToRootDir && sector < boot.OffsetToData:
		return regionRootDir
	case sector >= boot.OffsetToData:
		return regionData
	default:
		return regionReserved
	}
}

// ReadSector returns the 512-byte contents of sector.
func (r *Resolver) ReadSector(sector SectorID) ([]byte, error) {
	boot := r.result.Boot
	bps := int(boot.Raw.BytesPerSector)

	switch r.Classify(sector) {
	case regionMBR:
		mbr := NewMasterBootRecord(boot.FATVersion, uint32(boot.OffsetToBootSector), boot.TotalClusters*uint32(boot.Raw.SectorsPerCluster), time.Time{})
		return mbr.Bytes()

	case regionBoot:
		return boot.Bytes()

	case regionReserved:
		// Between the boot sector and the first FAT copy on images whose
		// ReservedSectors exceeds 1; nothing lives here in this engine.
		return zeroSector(bps), nil

	case regionFAT:
		return r.readFATSector(sector)

	case regionRootDir:
		offset := int(sector-boot.OffsetToRootDir) * bps
		return sliceOrZero(r.result.RootDir, offset, bps), nil

	case regionData:
		return r.readDataSector(sector)
	}
	return zeroSector(bps), nil
}

func (r *Resolver) readFATSector(sector SectorID) ([]byte, error) {
	boot := r.result.Boot
	bps := int(boot.Raw.BytesPerSector)
	encoded := r.result.FAT1.Encode()

	offsetWithinFATs := int(sector-boot.OffsetToFAT) * bps
	fatSizeBytes := int(boot.SectorsPerFAT) * bps
	// Two identical copies of the FAT are exposed; a sector of either copy
	// maps to the same offset in the single encoded table. On write-back,
	// the write interpreter likewise folds writes to either copy into one
	// shadow table (see WriteInterpreter.writeFATSector).
	offsetWithinSingleFAT := offsetWithinFATs % fatSizeBytes
	return sliceOrZero(encoded, offsetWithinSingleFAT, bps), nil
}

func (r *Resolver) readDataSector(sector SectorID) ([]byte, error) {
	boot := r.result.Boot
	bps := int(boot.Raw.BytesPerSector)

	clusterOffset := uint32(sector - boot.OffsetToData)
	cluster := firstDataCluster + ClusterID(clusterOffset/uint32(boot.Raw.SectorsPerCluster))
	sectorWithinCluster := int(clusterOffset % uint32(boot.Raw.SectorsPerCluster))
	byteOffsetInCluster := sectorWithinCluster * bps

	if data, ok := r.result.DirClusterData[cluster]; ok {
		return sliceOrZero(data, byteOffsetInCluster, bps), nil
	}

	m := r.result.Mappings.Find(cluster)
	if m == nil {
		// Unmapped data cluster: either genuinely free, or reserved by an
		// in-progress write not yet committed. Either way, a read here
		// returns zeros rather than an error, matching a freshly formatted
		// FAT volume's behavior for unused space.
		return zeroSector(bps), nil
	}
	if m.Mode.Has(ModeFaked) || m.Mode.Has(ModeDeleted) {
		return zeroSector(bps), nil
	}

	clusterIndexInFile := uint32(cluster - m.Begin)
	fileOffset := int64(clusterIndexInFile)*int64(boot.BytesPerCluster) + int64(byteOffsetInCluster)

	reader, err := r.readerFor(m.Path)
	if err != nil {
		glog.Warningf("vfat: reading %q: %s", m.Path, err)
		return zeroSector(bps), nil
	}

	buf := make([]byte, bps)
	n, err := reader.ReadAt(buf, fileOffset)
	if err != nil && err != io.EOF {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	for i := n; i < bps; i++ {
		buf[i] = 0
	}
	return buf, nil
}

func (r *Resolver) readerFor(hostPath string) (io.ReaderAt, error) {
	if r.cachedPath == hostPath && r.cachedReader != nil {
		return r.cachedReader, nil
	}
	if r.cachedCloser != nil {
		r.cachedCloser.Close()
	}
	reader, closer, err := r.provider.OpenRead(hostPath)
	if err != nil {
		r.cachedPath = ""
		r.cachedReader = nil
		r.cachedCloser = nil
		return nil, err
	}
	r.cachedPath = hostPath
	r.cachedReader = reader
	r.cachedCloser = closer
	return reader, nil
}

func zeroSector(n int) []byte {
	return make([]byte, n)
}

func sliceOrZero(data []byte, offset, length int) []byte {
	out := make([]byte, length)
	if offset >= len(data) {
		return out
	}
	end := offset + length
	if end > len(data) {
		end = len(data)
	}
	copy(out, data[offset:end])
	return out
}
