package vfat

import (
	"fmt"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/internal/array"
)

// FAT12 and FAT16 reserved cluster-value ranges, per the FAT standard.
const (
	fat12Free    = 0x000
	fat12Bad     = 0xFF7
	fat12EOCMin  = 0xFF8
	fat12Max     = 0xFFF

	fat16Free    = 0x0000
	fat16Bad     = 0xFFF7
	fat16EOCMin  = 0xFFF8
	fat16Max     = 0xFFFF
)

// FAT is the decoded, in-memory cluster-chain table. Entries are kept
// unpacked (one uint32 per cluster, regardless of FAT12/16) in a growable
// array the same way the original engine's array_t backs fat1/fat2 --
// indices (cluster numbers) stay stable across growth, which matters
// because Mapping.Begin and DirEntry references hold onto cluster
// numbers, not pointers (see internal/array's doc comment).
type FAT struct {
	version int
	table   *array.Array[uint32]
}

// NewFAT allocates a FAT of the given version (12 or 16) with totalClusters
// entries plus the 2 reserved leading entries, all initialized free.
func NewFAT(version int, totalClusters uint32) (*FAT, error) {
	if version != 12 && version != 16 {
		return nil, errors.ErrConfigInvalid.WithMessage(
			fmt.Sprintf("unsupported FAT version %d", version))
	}
	f := &FAT{
		version: version,
		table:   array.New[uint32](int(totalClusters) + reservedClusterCount),
	}
	for i := uint32(0); i < totalClusters+reservedClusterCount; i++ {
		f.table.GetNext()
	}
	// Both reserved entries start as all 1 bits (EOC). Build then stores the
	// media descriptor in the low byte of cluster 0, as real FAT formatters
	// and the original engine's init_fat() do; cluster 1 stays EOC.
	f.Set(0, uint32(f.eocValue()))
	f.Set(1, uint32(f.eocValue()))
	return f, nil
}

func (f *FAT) eocValue() uint32 {
	if f.version == 12 {
		return fat12Max
	}
	return fat16Max
}

// Version returns 12 or 16.
func (f *FAT) Version() int { return f.version }

// ChainEndValue returns the canonical end-of-chain marker for this FAT's
// bit width, used by allocators to terminate a freshly written chain.
func (f *FAT) ChainEndValue() uint32 { return f.eocValue() }

// Len returns the number of cluster entries, including the 2 reserved ones.
func (f *FAT) Len() int { return f.table.Len() }

// Get returns the raw cluster-chain value stored at cluster.
func (f *FAT) Get(cluster ClusterID) uint32 {
	p := f.table.Get(int(cluster))
	if p == nil {
		return 0
	}
	return *p
}

// Set stores value at cluster, masked to the FAT's bit width.
func (f *FAT) Set(cluster ClusterID, value uint32) {
	p := f.table.Get(int(cluster))
	if p == nil {
		return
	}
	if f.version == 12 {
		*p = value & 0xFFF
	} else {
		*p = value & 0xFFFF
	}
}

// IsEOC reports whether value marks the end of a cluster chain.
func (f *FAT) IsEOC(value uint32) bool {
	if f.version == 12 {
		return value >= fat12EOCMin
	}
	return value >= fat16EOCMin
}

// IsFree reports whether value marks a cluster as unused.
func (f *FAT) IsFree(value uint32) bool {
	if f.version == 12 {
		return value == fat12Free
	}
	return value == fat16Free
}

// ChainFrom walks the cluster chain starting at start, returning every
// cluster number visited in order. A chain that reaches an EOC marker is
// returned with a nil error. Any other ending -- a free entry, a link to a
// cluster outside the table (which is how a bad-cluster marker ends the
// walk), or a chain longer than the table (a cycle) -- returns the clusters
// walked so far together with ErrFileSystemCorrupted, rather than looping
// forever.
func (f *FAT) ChainFrom(start ClusterID) ([]ClusterID, error) {
	var chain []ClusterID
	cur := start
	limit := f.Len() + 1
	for i := 0; i < limit; i++ {
		val := f.Get(cur)
		if f.IsFree(val) {
			break
		}
		chain = append(chain, cur)
		if f.IsEOC(val) {
			return chain, nil
		}
		cur = ClusterID(val)
	}
	return chain, errors.ErrFileSystemCorrupted.WithMessage("cluster chain did not terminate")
}

// Clone produces an independent copy, used to build the "fat2" shadow the
// write interpreter diffs the live table against (spec.md §4.6).
func (f *FAT) Clone() *FAT {
	clone := &FAT{version: f.version, table: array.New[uint32](f.Len())}
	for i := 0; i < f.Len(); i++ {
		clone.table.GetNext()
		clone.Set(ClusterID(i), f.Get(ClusterID(i)))
	}
	return clone
}

// bytesPerEntry12 is the number of on-disk bytes needed to hold n FAT12
// entries (1.5 bytes each, rounded up).
func bytesPerEntry12(n int) int {
	return (n*3 + 1) / 2
}

// Encode packs the table into its on-disk byte form: 2 bytes/entry
// little-endian for FAT16, or the 3-bytes-per-2-entries packing for FAT12.
func (f *FAT) Encode() []byte {
	n := f.Len()
	if f.version == 16 {
		out := make([]byte, n*2)
		for i := 0; i < n; i++ {
			v := f.Get(ClusterID(i))
			out[i*2] = byte(v)
			out[i*2+1] = byte(v >> 8)
		}
		return out
	}

	out := make([]byte, bytesPerEntry12(n))
	for i := 0; i < n; i += 2 {
		v0 := f.Get(ClusterID(i)) & 0xFFF
		var v1 uint32
		if i+1 < n {
			v1 = f.Get(ClusterID(i+1)) & 0xFFF
		}
		byteIdx := (i * 3) / 2
		out[byteIdx] = byte(v0)
		out[byteIdx+1] = byte(v0>>8) | byte(v1<<4)
		if byteIdx+2 < len(out) {
			out[byteIdx+2] = byte(v1 >> 4)
		}
	}
	return out
}

// DecodeFAT unpacks raw on-disk FAT bytes into a FAT of totalClusters+2
// entries.
func DecodeFAT(raw []byte, version int, totalClusters uint32) (*FAT, error) {
	f, err := NewFAT(version, totalClusters)
	if err != nil {
		return nil, err
	}
	n := f.Len()

	if version == 16 {
		if len(raw) < n*2 {
			return nil, errors.ErrInvalidArgument.WithMessage("FAT16 buffer too short")
		}
		for i := 0; i < n; i++ {
			v := uint32(raw[i*2]) | uint32(raw[i*2+1])<<8
			f.Set(ClusterID(i), v)
		}
		return f, nil
	}

	if len(raw) < bytesPerEntry12(n) {
		return nil, errors.ErrInvalidArgument.WithMessage("FAT12 buffer too short")
	}
	for i := 0; i < n; i += 2 {
		byteIdx := (i * 3) / 2
		v0 := uint32(raw[byteIdx]) | (uint32(raw[byteIdx+1]&0x0F) << 8)
		f.Set(ClusterID(i), v0)
		if i+1 < n {
			v1 := uint32(raw[byteIdx+1]>>4) | (uint32(raw[byteIdx+2]) << 4)
			f.Set(ClusterID(i+1), v1)
		}
	}
	return f, nil
}
