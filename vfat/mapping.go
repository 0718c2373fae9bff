package vfat

import (
	"sort"
)

// MappingMode is a bitmask describing what kind of host-backed region a
// Mapping covers and how the write interpreter should treat writes into it.
// spec.md's REDESIGN FLAGS call for these to be combinable rather than a
// single enum, since a mapping is frequently both MODIFIED and DIRECTORY (a
// host directory whose own dirent was rewritten) at once.
type MappingMode uint8

const (
	ModeUndefined MappingMode = 0
	ModeNormal    MappingMode = 1 << (iota - 1)
	ModeModified
	ModeDirectory
	ModeFaked
	ModeDeleted
	ModeRenamed
)

func (m MappingMode) Has(bit MappingMode) bool { return m&bit != 0 }

// Mapping binds a contiguous half-open cluster range [Begin, End) to a
// single host path, mirroring the original engine's mapping_t. Directories
// and files both get mappings; a directory's mapping covers the clusters
// holding ITS directory entry table, not the files inside it.
type Mapping struct {
	Begin ClusterID
	End   ClusterID
	Path  string
	Mode  MappingMode

	// DirIndex names the slot index of this entry's RawDirent within its
	// PARENT directory's entry table. Build leaves it 0 and nothing in this
	// package reads it.
	DirIndex int
	// FirstMappingIndex, for a directory mapping, names the index into
	// MappingTable.entries of the first child entry (the original engine's
	// "first_mapping_index"). Build leaves it 0 and nothing in this package
	// reads it.
	FirstMappingIndex int
}

func (m Mapping) Contains(c ClusterID) bool {
	return c >= m.Begin && c < m.End
}

// MappingTable is the sorted-by-Begin collection of every Mapping in the
// virtual disk, supporting O(log n) lookup by cluster number the way the
// original engine's get_mapping_for_cluster binary search does.
type MappingTable struct {
	entries []Mapping
	sorted  bool
}

func NewMappingTable() *MappingTable {
	return &MappingTable{}
}

// Add appends a mapping; the table is re-sorted lazily on the next lookup.
func (t *MappingTable) Add(m Mapping) int {
	t.entries = append(t.entries, m)
	t.sorted = false
	return len(t.entries) - 1
}

func (t *MappingTable) Len() int { return len(t.entries) }

func (t *MappingTable) At(index int) *Mapping {
	if index < 0 || index >= len(t.entries) {
		return nil
	}
	return &t.entries[index]
}

func (t *MappingTable) ensureSorted() {
	if t.sorted {
		return
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Begin < t.entries[j].Begin
	})
	t.sorted = true
}

// Find returns the mapping covering cluster, or nil if cluster isn't
// claimed by any mapping (it belongs to a free cluster, or one pending
// allocation by an in-progress write).
func (t *MappingTable) Find(cluster ClusterID) *Mapping {
	t.ensureSorted()
	entries := t.entries
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].End > cluster
	})
	if i < len(entries) && entries[i].Contains(cluster) {
		return &entries[i]
	}
	return nil
}

// All returns every mapping in ascending Begin order.
func (t *MappingTable) All() []Mapping {
	t.ensureSorted()
	out := make([]Mapping, len(t.entries))
	copy(out, t.entries)
	return out
}

// Clone returns a deep copy, used when the write interpreter needs a
// pristine snapshot to diff rename/delete decisions against.
func (t *MappingTable) Clone() *MappingTable {
	t.ensureSorted()
	clone := &MappingTable{sorted: true}
	clone.entries = make([]Mapping, len(t.entries))
	copy(clone.entries, t.entries)
	return clone
}
