// Package vfat implements the virtual VFAT engine described in spec.md §4:
// the on-the-fly construction of the boot sector, FAT tables, and directory
// entries from a host directory tree; the bidirectional mapping between
// virtual cluster numbers and host files; and the write-back interpreter
// and commit engine that turn sector writes into host file system
// mutations. These pieces share one package because the write path has to
// reason about the exact layout the read path produced (spec.md §1).
//
// The types here track the original vvfat engine's vocabulary closely
// (SectorID ~ Bit32u sector_num, ClusterID ~ Bit32u cluster_num) so that the
// struct layouts and arithmetic in bootsector.go, dirent.go, resolver.go,
// and writer.go can be checked against original_source/vvfat.h line for
// line.
package vfat

// SectorID addresses a 512-byte sector on the virtual disk, counted from
// sector 0 at the very start of the image (before any MBR offset).
type SectorID uint32

// ClusterID addresses a FAT cluster. Clusters 0 and 1 are reserved (see
// NewFAT); the first real cluster is always 2, matching the FAT
// standard and spec.md's DirEntry invariants.
type ClusterID uint32

const (
	// reservedClusterCount is the number of cluster numbers ([0,1]) that
	// the FAT standard reserves before the first usable cluster, 2.
	reservedClusterCount = 2

	// firstDataCluster is the first cluster number available for use by
	// files and directories.
	firstDataCluster = ClusterID(2)
)

// fatVersionFromClusterCount applies the same thresholds geometry.ChooseForSize
// uses, taken from Microsoft's FAT documentation v1.03 p.14: fewer than 4085
// clusters is FAT12, fewer than 65525 is FAT16. This rewrite never produces
// FAT32 (spec.md §1 scope is limited to FAT12/16).
func fatVersionFromClusterCount(totalClusters uint32) int {
	if totalClusters < 4085 {
		return 12
	}
	return 16
}
