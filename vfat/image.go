package vfat

import (
	"github.com/golang/glog"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/hostfs"
)

// Image is the virtual VFAT engine's top-level handle: a BuildResult paired
// with a Resolver for reads and a WriteInterpreter accumulating writes
// until Flush. It is the Go analog of the original engine's
// vvfat_image_t, minus the BDRVVVFATState fields that only existed to
// satisfy QEMU's block driver ABI (spec.md explicitly puts that glue out of
// scope; blockdevice.BlockDevice is where a transport adapter lives).
type Image struct {
	provider hostfs.Provider
	rootPath string
	opts     BuildOptions

	result   *BuildResult
	resolver *Resolver
	writer   *WriteInterpreter

	position int64
}

// TotalSectors returns the addressable size of the virtual disk in sectors,
// including any MBR sector.
func (img *Image) TotalSectors() int64 {
	boot := img.result.Boot
	dataSectors := int64(boot.TotalClusters) * int64(boot.Raw.SectorsPerCluster)
	return int64(boot.OffsetToData) + dataSectors
}

// SectorSize is always 512 in this engine.
func (img *Image) SectorSize() int64 { return int64(img.result.Boot.Raw.BytesPerSector) }

// Open scans rootPath under provider and builds the virtual disk layout,
// per spec.md §4.3/§4.4.
func Open(provider hostfs.Provider, rootPath string, opts BuildOptions) (*Image, error) {
	result, err := Build(provider, rootPath, opts)
	if err != nil {
		return nil, err
	}
	img := &Image{
		provider: provider,
		rootPath: rootPath,
		opts:     opts,
		result:   result,
	}
	img.resolver = NewResolver(provider, result)
	img.writer = NewWriteInterpreter(result)
	return img, nil
}

// Lseek repositions the next Read/Write's starting byte offset, the same
// contract as the original's lseek64 callback.
func (img *Image) Lseek(offset int64) error {
	if offset < 0 {
		return errors.ErrInvalidArgument.WithMessage("negative seek offset")
	}
	img.position = offset
	return nil
}

// Position returns the current byte offset.
func (img *Image) Position() int64 { return img.position }

// Read fills buf starting at the current position, advancing it by
// len(buf). buf's length must be a multiple of the sector size; spec.md
// §4.5 specifies whole-sector I/O only, matching the block device contract
// this engine is built to sit behind.
func (img *Image) Read(buf []byte) (int, error) {
	sectorSize := int(img.SectorSize())
	if len(buf)%sectorSize != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("read length must be a multiple of the sector size")
	}
	if img.position%int64(sectorSize) != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("read offset must be sector-aligned")
	}

	startSector := SectorID(img.position / int64(sectorSize))
	numSectors := len(buf) / sectorSize

	for i := 0; i < numSectors; i++ {
		sector := startSector + SectorID(i)
		data, err := img.readSectorPreferShadow(sector)
		if err != nil {
			return i * sectorSize, err
		}
		copy(buf[i*sectorSize:(i+1)*sectorSize], data)
	}
	img.position += int64(len(buf))
	return len(buf), nil
}

// readSectorPreferShadow serves a sector from any pending (uncommitted)
// write first, falling back to the Resolver's synthesized view. This gives
// a guest that writes then immediately reads back the same sector the
// value it just wrote, without requiring a Flush in between.
func (img *Image) readSectorPreferShadow(sector SectorID) ([]byte, error) {
	boot := img.result.Boot
	bps := int(boot.Raw.BytesPerSector)

	switch img.resolver.Classify(sector) {
	case regionFAT:
		if img.writer.fat2Cloned {
			encoded := img.writer.fat2.Encode()
			fatSizeBytes := int(boot.SectorsPerFAT) * bps
			offsetWithinFATs := int(sector-boot.OffsetToFAT) * bps
			return sliceOrZero(encoded, offsetWithinFATs%fatSizeBytes, bps), nil
		}
	case regionRootDir:
		if img.writer.rootDirShadow != nil {
			offset := int(sector-boot.OffsetToRootDir) * bps
			return sliceOrZero(img.writer.rootDirShadow, offset, bps), nil
		}
	case regionData:
		clusterOffset := uint32(sector - boot.OffsetToData)
		cluster := firstDataCluster + ClusterID(clusterOffset/uint32(boot.Raw.SectorsPerCluster))
		sectorWithinCluster := int(clusterOffset % uint32(boot.Raw.SectorsPerCluster))
		byteOffset := sectorWithinCluster * bps
		if shadow, ok := img.writer.dirShadow[cluster]; ok {
			return sliceOrZero(shadow, byteOffset, bps), nil
		}
		if pending, ok := img.writer.pendingNewClusterData[cluster]; ok {
			return sliceOrZero(pending, byteOffset, bps), nil
		}
		if m := img.result.Mappings.Find(cluster); m != nil {
			fileOffset := int64(cluster-m.Begin)*int64(boot.BytesPerCluster) + int64(byteOffset)
			spans := img.writer.pendingFileWrites[m.Path]
			for i := len(spans) - 1; i >= 0; i-- {
				if spans[i].offset == fileOffset {
					return sliceOrZero(spans[i].data, 0, bps), nil
				}
			}
		}
	}
	return img.resolver.ReadSector(sector)
}

// Write interprets buf, whose length must be a sector-size multiple, as a
// sequence of whole-sector writes starting at the current position,
// advancing it by len(buf). Writes are held until Flush.
func (img *Image) Write(buf []byte) (int, error) {
	sectorSize := int(img.SectorSize())
	if len(buf)%sectorSize != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("write length must be a multiple of the sector size")
	}
	if img.position%int64(sectorSize) != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("write offset must be sector-aligned")
	}

	startSector := SectorID(img.position / int64(sectorSize))
	numSectors := len(buf) / sectorSize

	for i := 0; i < numSectors; i++ {
		sector := startSector + SectorID(i)
		chunk := buf[i*sectorSize : (i+1)*sectorSize]
		if err := img.writer.ClassifyAndApply(sector, chunk); err != nil {
			return i * sectorSize, err
		}
	}
	img.position += int64(len(buf))
	return len(buf), nil
}

// Flush commits every accumulated write to the host file system and starts
// a fresh accumulation window, matching spec.md §4.6/§6's commit_changes
// callback semantics: after Flush returns, a freshly rescanned Image would
// observe the same state this one does.
func (img *Image) Flush() error {
	if !img.writer.HasChanges() {
		return nil
	}
	if err := img.writer.Commit(img.provider); err != nil {
		glog.Warningf("vvfat: commit completed with errors: %s", err)
		return err
	}
	rebuilt, err := Build(img.provider, img.rootPath, img.opts)
	if err != nil {
		return err
	}
	img.result = rebuilt
	img.resolver = NewResolver(img.provider, rebuilt)
	img.writer = NewWriteInterpreter(rebuilt)
	return nil
}

// Close releases the resolver's cached host file descriptor. It does not
// implicitly Flush; an unflushed Image's writes are simply discarded,
// matching the original's behavior when commit_changes is never called.
func (img *Image) Close() error {
	return img.resolver.Close()
}
