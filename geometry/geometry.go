// Package geometry chooses the physical layout -- bytes per sector, sectors
// per cluster, root directory entry count, media descriptor byte -- for a
// virtual FAT disk, per spec.md §3 and §4.3.
//
// It has two entry points: Lookup finds a named, well-known floppy geometry
// (the kind of thing disko's disks.DiskGeometry catalogs for real physical
// media), loaded from an embedded CSV exactly as disko's disks package
// loads disk-geometries.csv with gocsv. ChooseForSize computes a geometry
// for an arbitrary target size the way the original vvfat engine does: pick
// the smallest sectors-per-cluster that keeps the cluster count under the
// FAT12/FAT16 ceiling.
package geometry

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/vvfatbridge/errors"
)

// BytesPerSector is fixed at 512 throughout this implementation, per
// spec.md §3.
const BytesPerSector = 512

// Profile is a named, fixed geometry for well-known removable media.
type Profile struct {
	Slug              string `csv:"slug"`
	Name              string `csv:"name"`
	TotalBytes        int64  `csv:"total_bytes"`
	BytesPerSector    uint16 `csv:"bytes_per_sector"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	RootEntries       uint16 `csv:"root_entries"`
	MediaByte         uint8  `csv:"media_byte"`
}

//go:embed profiles.csv
var rawProfilesCSV string

var profiles map[string]Profile

func init() {
	profiles = make(map[string]Profile)
	reader := strings.NewReader(rawProfilesCSV)
	err := gocsv.UnmarshalToCallback(reader, func(p Profile) error {
		if _, exists := profiles[p.Slug]; exists {
			return fmt.Errorf("duplicate geometry profile slug %q", p.Slug)
		}
		profiles[p.Slug] = p
		return nil
	})
	if err != nil && err != io.EOF {
		panic(fmt.Sprintf("geometry: malformed embedded profiles.csv: %s", err))
	}
}

// Lookup returns the well-known floppy geometry profile for slug (e.g.
// "1440k"), or an error if no such profile is defined.
func Lookup(slug string) (Profile, error) {
	p, ok := profiles[slug]
	if !ok {
		return Profile{}, errors.ErrConfigInvalid.WithMessage(
			fmt.Sprintf("no predefined geometry profile named %q", slug))
	}
	return p, nil
}

// Geometry is a computed (not necessarily named) physical layout for a
// virtual disk of arbitrary size.
type Geometry struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	RootEntries       uint16
	MediaByte         uint8
	TotalSectors      uint32
	FATVersion        int // 12 or 16; this engine never produces FAT32 (spec.md §3)
}

// fat12ClusterCeiling and fat16ClusterCeiling are the cluster-count
// thresholds from Microsoft's FAT documentation that distinguish FAT12 from
// FAT16 from FAT32 (see also vfat's fatVersionFromClusterCount, grounded on
// the same constants).
const (
	fat12ClusterCeiling = 4085
	fat16ClusterCeiling = 65525
)

// ChooseForSize picks sectors-per-cluster, root-entry count, and media byte
// for a virtual disk holding approximately targetSizeBytes of data, per
// spec.md §4.3: "Sectors per cluster chosen so that cluster count fits
// FAT12 (<4085) or FAT16 (<65525)".
//
// isFloppyLike controls the media descriptor and root entry count: floppy
// media (targetSizeBytes below ~4 MiB, by convention) gets the floppy
// defaults (224 root entries, media byte 0xF0); anything larger is treated
// as an HDD-like image (512 root entries, media byte 0xF8), matching
// spec.md §3's "root entries = 512 for FAT16 / 224 for FAT12 floppy-like".
func ChooseForSize(targetSizeBytes uint64) (Geometry, error) {
	if targetSizeBytes == 0 {
		return Geometry{}, errors.ErrConfigInvalid.WithMessage("target size must be nonzero")
	}

	totalSectors := targetSizeBytes / BytesPerSector
	if totalSectors == 0 {
		return Geometry{}, errors.ErrConfigInvalid.WithMessage("target size smaller than one sector")
	}
	if totalSectors > 0xFFFFFFFF {
		return Geometry{}, errors.ErrConfigInvalid.WithMessage("target size too large to address with 32-bit sector counts")
	}

	isFloppyLike := targetSizeBytes <= 4*1024*1024

	for _, spc := range []uint8{1, 2, 4, 8, 16, 32, 64, 128} {
		clusterCount := totalSectors / uint64(spc)
		if clusterCount < fat16ClusterCeiling {
			g := Geometry{
				BytesPerSector:    BytesPerSector,
				SectorsPerCluster: spc,
				TotalSectors:      uint32(totalSectors),
			}
			if clusterCount < fat12ClusterCeiling {
				g.FATVersion = 12
			} else {
				g.FATVersion = 16
			}
			if isFloppyLike {
				g.RootEntries = 224
				g.MediaByte = 0xF0
			} else {
				g.RootEntries = 512
				g.MediaByte = 0xF8
			}
			return g, nil
		}
	}

	return Geometry{}, errors.ErrConfigInvalid.WithMessage(
		"target size too large to address with legal FAT12/16 cluster sizes")
}
