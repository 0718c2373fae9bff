package vfat

import (
	"github.com/boljen/go-bitmap"
	"github.com/golang/glog"

	"github.com/dargueta/vvfatbridge/errors"
)

// pendingFileWrite is one write span a guest made into a file's data
// clusters, buffered until Commit so it can be applied to the real host
// file in one pass.
type pendingFileWrite struct {
	offset int64
	data   []byte
}

// WriteInterpreter accumulates sector writes against a snapshot produced by
// Build, classifying each one by region (spec.md §4.6) and keeping a
// "shadow" copy of the FAT and directory regions -- the same role the
// original engine's fat2/modified-directory-entries arrays play -- so that
// Commit can diff shadow against original to discover renames, deletes, and
// truncations instead of trying to infer them one write at a time.
type WriteInterpreter struct {
	result *BuildResult

	fat2          *FAT
	fat2Cloned    bool
	rootDirShadow []byte

	dirShadow map[ClusterID][]byte

	pendingFileWrites      map[string][]pendingFileWrite
	pendingNewClusterData  map[ClusterID][]byte

	dirtySectors bitmap.Bitmap
	totalSectors int
}

// NewWriteInterpreter wraps result for a fresh write-accumulation session.
func NewWriteInterpreter(result *BuildResult) *WriteInterpreter {
	totalSectors := int(result.Boot.OffsetToData) + int(result.Boot.TotalClusters)*int(result.Boot.Raw.SectorsPerCluster)
	return &WriteInterpreter{
		result:            result,
		dirShadow:         make(map[ClusterID][]byte),
		pendingFileWrites: make(map[string][]pendingFileWrite),
		dirtySectors:      bitmap.NewSlice(totalSectors),
		totalSectors:      totalSectors,
	}
}

func (w *WriteInterpreter) markDirty(sector SectorID) {
	if int(sector) < w.totalSectors {
		w.dirtySectors.Set(int(sector), true)
	}
}

func (w *WriteInterpreter) resolver() *Resolver {
	return &Resolver{result: w.result}
}

// ClassifyAndApply is the entry point Image.Write calls: it applies
// one sector write against the shadow state, deferring any host file
// mutation until Commit.
func (w *WriteInterpreter) ClassifyAndApply(sector SectorID, data []byte) error {
	boot := w.result.Boot
	bps := int(boot.Raw.BytesPerSector)
	if len(data) != bps {
		return errors.ErrInvalidArgument.WithMessage("write must be exactly one sector")
	}

	r := w.resolver()
	switch r.Classify(sector) {
	case regionMBR, regionBoot, regionReserved:
		// Per the Open Question decision recorded in SPEC_FULL.md: writes
		// here have no defined effect and are dropped, not an error
		// returned to the caller.
		glog.V(1).Infof("vfat: dropping write to reserved sector %d", sector)
		return nil

	case regionFAT:
		w.writeFATSector(sector, data)
		w.markDirty(sector)
		return nil

	case regionRootDir:
		w.writeRootDirSector(sector, data)
		w.markDirty(sector)
		return nil

	case regionData:
		return w.writeDataSector(sector, data)
	}
	return nil
}

func (w *WriteInterpreter) ensureFAT2() {
	if !w.fat2Cloned {
		w.fat2 = w.result.FAT1.Clone()
		w.fat2Cloned = true
	}
}

func (w *WriteInterpreter) writeFATSector(sector SectorID, data []byte) {
	w.ensureFAT2()
	boot := w.result.Boot
	bps := int(boot.Raw.BytesPerSector)
	fatSizeBytes := int(boot.SectorsPerFAT) * bps
	offsetWithinFATs := int(sector-boot.OffsetToFAT) * bps
	offsetWithinSingleFAT := offsetWithinFATs % fatSizeBytes

	encoded := w.fat2.Encode()
	if offsetWithinSingleFAT+bps > len(encoded) {
		return
	}
	copy(encoded[offsetWithinSingleFAT:offsetWithinSingleFAT+bps], data)
	decoded, err := DecodeFAT(encoded, w.fat2.Version(), uint32(w.fat2.Len())-reservedClusterCount)
	if err != nil {
		glog.Warningf("vfat: re-decoding shadow FAT after write failed: %s", err)
		return
	}
	w.fat2 = decoded
}

func (w *WriteInterpreter) writeRootDirSector(sector SectorID, data []byte) {
	if w.rootDirShadow == nil {
		w.rootDirShadow = append([]byte(nil), w.result.RootDir...)
	}
	boot := w.result.Boot
	bps := int(boot.Raw.BytesPerSector)
	offset := int(sector-boot.OffsetToRootDir) * bps
	if offset+bps > len(w.rootDirShadow) {
		return
	}
	copy(w.rootDirShadow[offset:offset+bps], data)
}

func (w *WriteInterpreter) writeDataSector(sector SectorID, data []byte) error {
	boot := w.result.Boot
	bps := int(boot.Raw.BytesPerSector)

	clusterOffset := uint32(sector - boot.OffsetToData)
	cluster := firstDataCluster + ClusterID(clusterOffset/uint32(boot.Raw.SectorsPerCluster))
	sectorWithinCluster := int(clusterOffset % uint32(boot.Raw.SectorsPerCluster))
	byteOffsetInCluster := sectorWithinCluster * bps

	if _, isDirCluster := w.result.DirClusterData[cluster]; isDirCluster {
		w.writeDirClusterSector(cluster, byteOffsetInCluster, bps, data)
		w.markDirty(sector)
		return nil
	}

	m := w.result.Mappings.Find(cluster)
	if m == nil {
		// A write into a cluster no mapping covers is buffered by cluster.
		// Commit uses these bytes where an existing file's fat2 chain runs
		// through the cluster; a new dirent naming the cluster does not by
		// itself create a host file from them.
		w.bufferPendingClusterWrite(cluster, byteOffsetInCluster, bps, data)
		w.markDirty(sector)
		return nil
	}
	if m.Mode.Has(ModeFaked) {
		return errors.ErrInvalidWrite.WithMessage("write targets a faked (out-of-tree) mapping")
	}

	clusterIndexInFile := uint32(cluster - m.Begin)
	fileOffset := int64(clusterIndexInFile)*int64(boot.BytesPerCluster) + int64(byteOffsetInCluster)
	w.pendingFileWrites[m.Path] = append(w.pendingFileWrites[m.Path], pendingFileWrite{
		offset: fileOffset,
		data:   append([]byte(nil), data...),
	})
	w.markDirty(sector)
	return nil
}

// bufferPendingClusterWrite accumulates writes to clusters the builder
// never mapped to a host path, keyed by cluster. Commit reads them back
// when a file's fat2 chain includes the cluster (see
// concatenateChainContent).
func (w *WriteInterpreter) bufferPendingClusterWrite(cluster ClusterID, byteOffset, length int, data []byte) {
	if w.pendingNewClusterData == nil {
		w.pendingNewClusterData = make(map[ClusterID][]byte)
	}
	buf, ok := w.pendingNewClusterData[cluster]
	if !ok {
		buf = make([]byte, w.result.Boot.BytesPerCluster)
		w.pendingNewClusterData[cluster] = buf
	}
	copy(buf[byteOffset:byteOffset+length], data)
}

func (w *WriteInterpreter) writeDirClusterSector(cluster ClusterID, byteOffset, length int, data []byte) {
	shadow, ok := w.dirShadow[cluster]
	if !ok {
		original := w.result.DirClusterData[cluster]
		shadow = append([]byte(nil), original...)
		w.dirShadow[cluster] = shadow
	}
	if byteOffset+length > len(shadow) {
		return
	}
	copy(shadow[byteOffset:byteOffset+length], data)
}

// HasChanges reports whether anything was written since construction.
func (w *WriteInterpreter) HasChanges() bool {
	return w.fat2Cloned || w.rootDirShadow != nil || len(w.dirShadow) > 0 ||
		len(w.pendingFileWrites) > 0 || len(w.pendingNewClusterData) > 0
}
