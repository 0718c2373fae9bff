package vfat

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/golang/glog"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/geometry"
	"github.com/dargueta/vvfatbridge/hostfs"
)

// BuildOptions configures a directory tree scan.
type BuildOptions struct {
	// TargetSizeBytes picks a geometry via geometry.ChooseForSize. Ignored
	// if GeometryOverride is set.
	TargetSizeBytes  uint64
	GeometryOverride *geometry.Geometry
	VolumeLabel      string
	WithMBR          bool
	Now              time.Time
}

// BuildResult is everything the resolver and writer need to serve reads and
// interpret writes against a freshly scanned host directory tree.
type BuildResult struct {
	Boot     *BootSector
	FAT1     *FAT
	Mappings *MappingTable

	// RootDir holds the fixed-size root directory region's bytes, exactly
	// Boot.Raw.RootEntryCount*DirentSize long.
	RootDir []byte

	// DirClusterData holds the synthesized directory-entry bytes for every
	// cluster that belongs to a SUBDIRECTORY's own entry table (the root
	// directory lives in the fixed region above, not here), keyed by
	// cluster number. Each slice is exactly Boot.BytesPerCluster long.
	DirClusterData map[ClusterID][]byte
}

// builder holds the mutable state threaded through one recursive scan. It
// mirrors the original engine's read_directory(): a single free-cluster
// cursor advances monotonically as files and subdirectories are assigned
// clusters, and the whole build is discarded (never partially retained) if
// the disk runs out of space partway through, per spec.md §4.4.
type builder struct {
	provider hostfs.Provider
	boot     *BootSector
	fat      *FAT
	mappings *MappingTable
	dirData  map[ClusterID][]byte
	now      time.Time

	nextFree ClusterID
}

// Build scans rootPath (relative to provider's root) and produces a
// complete virtual FAT layout, per spec.md §4.3/§4.4.
func Build(provider hostfs.Provider, rootPath string, opts BuildOptions) (*BuildResult, error) {
	var g geometry.Geometry
	if opts.GeometryOverride != nil {
		g = *opts.GeometryOverride
	} else {
		chosen, err := geometry.ChooseForSize(opts.TargetSizeBytes)
		if err != nil {
			return nil, err
		}
		g = chosen
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var partitionLBA uint32
	if opts.WithMBR {
		partitionLBA = 1
	}

	boot, err := NewBootSector(BuildBootSectorOptions{
		Geometry:     g,
		VolumeLabel:  opts.VolumeLabel,
		WithMBR:      opts.WithMBR,
		PartitionLBA: partitionLBA,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, err
	}

	fat, err := NewFAT(boot.FATVersion, boot.TotalClusters)
	if err != nil {
		return nil, err
	}
	// Cluster 0 carries the media descriptor in its low byte, high bits set.
	fat.Set(0, 0xFF00|uint32(boot.Raw.Media))

	b := &builder{
		provider: provider,
		boot:     boot,
		fat:      fat,
		mappings: NewMappingTable(),
		dirData:  make(map[ClusterID][]byte),
		now:      now,
		nextFree: firstDataCluster,
	}

	rootEntries, err := b.scanChildren(rootPath, 0, 0)
	if err != nil {
		return nil, err
	}
	rootEntries = append([]encodedDirent{volumeLabelEntry(opts.VolumeLabel, now)}, rootEntries...)

	rootDirBytes := make([]byte, int(boot.Raw.RootEntryCount)*DirentSize)
	if err := packDirents(rootDirBytes, rootEntries); err != nil {
		return nil, err
	}

	return &BuildResult{
		Boot:     boot,
		FAT1:     fat,
		Mappings: b.mappings,
		RootDir:  rootDirBytes,
		DirClusterData: b.dirData,
	}, nil
}

// encodedDirent pairs a RawDirent with the long-name slots that must
// precede it on disk, if any.
type encodedDirent struct {
	longSlots []LongNameSlot
	short     RawDirent
}

func packDirents(dest []byte, entries []encodedDirent) error {
	slot := 0
	capacity := len(dest) / DirentSize
	write := func(raw []byte) error {
		if slot >= capacity {
			return errors.ErrOutOfSpace.WithMessage("directory region has no room for its own entries")
		}
		copy(dest[slot*DirentSize:(slot+1)*DirentSize], raw)
		slot++
		return nil
	}
	for _, e := range entries {
		for _, ls := range e.longSlots {
			if err := write(encodeLongNameSlot(ls)); err != nil {
				return err
			}
		}
		if err := write(e.short.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func encodeLongNameSlot(s LongNameSlot) []byte {
	// LongNameSlot's fields are fixed width and already wire-ordered.
	out := make([]byte, DirentSize)
	out[0] = s.Order
	for i, u := range s.Name1 {
		out[1+i*2] = byte(u)
		out[1+i*2+1] = byte(u >> 8)
	}
	out[11] = s.Attribute
	out[12] = s.Type
	out[13] = s.Checksum
	for i, u := range s.Name2 {
		out[14+i*2] = byte(u)
		out[14+i*2+1] = byte(u >> 8)
	}
	out[26] = byte(s.FirstClusterLow)
	out[27] = byte(s.FirstClusterLow >> 8)
	for i, u := range s.Name3 {
		out[28+i*2] = byte(u)
		out[28+i*2+1] = byte(u >> 8)
	}
	return out
}

// scanChildren lists hostPath's children and builds the encoded entry run
// for them: "." and ".." (unless this is the root, which has neither),
// followed by one run of entries per child, sorted by host name.
func (b *builder) scanChildren(hostPath string, ownCluster, parentCluster ClusterID) ([]encodedDirent, error) {
	children, err := b.provider.List(hostPath)
	if err != nil {
		return nil, errors.ErrHostScanFailed.WrapError(err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	var entries []encodedDirent
	isRoot := ownCluster == 0 && hostPath == "" || hostPath == "."
	if !isRoot {
		entries = append(entries,
			encodedDirent{short: dotEntry(".", ownCluster, b.now)},
			encodedDirent{short: dotEntry("..", parentCluster, b.now)},
		)
	}

	taken := map[string]bool{}
	for _, child := range children {
		childPath := path.Join(hostPath, child.Name)
		short := BuildShortName(child.Name, taken)
		taken[short] = true

		var longSlots []LongNameSlot
		if strings.ToUpper(short) != strings.ToUpper(child.Name) {
			longSlots = generateLongNameSlots(child.Name, shortNameChecksum(short))
		}

		raw := RawDirent{
			CreatedTime:  TimeToInt(child.ModTime),
			CreatedDate:  DateToInt(child.ModTime),
			AccessDate:   DateToInt(child.ModTime),
			ModifiedTime: TimeToInt(child.ModTime),
			ModifiedDate: DateToInt(child.ModTime),
		}
		copy(raw.Name[:], padRight(shortNameBase(short), 8))
		copy(raw.Extension[:], padRight(shortNameExt(short), 3))
		if child.ReadOnly {
			raw.Attributes |= AttrReadOnly
		}
		raw.Attributes |= AttrArchive

		if child.IsSymlink && !b.symlinkStaysInTree(childPath, child.LinkTarget) {
			// Out-of-tree symlink target: fake an empty, zero-cluster
			// entry rather than following it off the host directory.
			raw.Attributes |= AttrArchive
			b.mappings.Add(Mapping{Path: childPath, Mode: ModeFaked})
			entries = append(entries, encodedDirent{longSlots: longSlots, short: raw})
			continue
		}

		if child.IsDir {
			raw.Attributes |= AttrDirectory
			raw.Size = 0
			chain, err := b.allocateChain(1)
			if err != nil {
				return nil, err
			}
			first := chain[0]
			raw.SetFirstCluster(first)

			childEntries, err := b.scanChildren(childPath, first, ownCluster)
			if err != nil {
				return nil, err
			}
			if err := b.writeDirectoryClusters(childPath, chain, childEntries); err != nil {
				return nil, err
			}
			b.mappings.Add(Mapping{
				Begin: first,
				End:   first + ClusterID(len(chain)),
				Path:  childPath,
				Mode:  ModeNormal | ModeDirectory,
			})
		} else {
			raw.Size = uint32(child.Size)
			clustersNeeded := 0
			if child.Size > 0 {
				clustersNeeded = int((child.Size + uint64(b.boot.BytesPerCluster) - 1) / uint64(b.boot.BytesPerCluster))
			}
			if clustersNeeded > 0 {
				chain, err := b.allocateChain(clustersNeeded)
				if err != nil {
					return nil, err
				}
				raw.SetFirstCluster(chain[0])
				b.mappings.Add(Mapping{
					Begin: chain[0],
					End:   chain[0] + ClusterID(len(chain)),
					Path:  childPath,
					Mode:  ModeNormal,
				})
			}
		}

		entries = append(entries, encodedDirent{longSlots: longSlots, short: raw})
	}
	return entries, nil
}

func (b *builder) symlinkStaysInTree(childPath, target string) bool {
	if target == "" {
		return false
	}
	cleanTarget := path.Clean(target)
	if path.IsAbs(cleanTarget) {
		return false
	}
	resolved := path.Clean(path.Join(path.Dir(childPath), cleanTarget))
	return !strings.HasPrefix(resolved, "..")
}

// allocateChain claims n consecutive never-before-used cluster numbers (the
// original engine's free-cluster cursor never reuses a cluster within one
// build, since there's nothing yet to free), chains them in the FAT, and
// returns them in order. It fails with ErrOutOfSpace, and nothing it wrote
// to the FAT is rolled back, since the entire Build() is abandoned on
// error per spec.md §4.4.
func (b *builder) allocateChain(n int) ([]ClusterID, error) {
	if n <= 0 {
		return nil, nil
	}
	total := ClusterID(b.fat.Len())
	chain := make([]ClusterID, 0, n)
	for i := 0; i < n; i++ {
		if b.nextFree >= total {
			return nil, errors.ErrOutOfSpace.WithMessage(
				fmt.Sprintf("host tree needs more than %d clusters", b.fat.Len()-reservedClusterCount))
		}
		chain = append(chain, b.nextFree)
		b.nextFree++
	}
	for i, c := range chain {
		if i == len(chain)-1 {
			b.fat.Set(c, b.fat.ChainEndValue())
		} else {
			b.fat.Set(c, uint32(chain[i+1]))
		}
	}
	return chain, nil
}

func (b *builder) writeDirectoryClusters(dirPath string, chain []ClusterID, entries []encodedDirent) error {
	bytesPerCluster := int(b.boot.BytesPerCluster)
	totalBytes := bytesPerCluster * len(chain)
	buf := make([]byte, totalBytes)
	if err := packDirents(buf, entries); err != nil {
		glog.Warningf("vfat: directory %q has more entries than its allocated clusters hold: %s", dirPath, err)
		return err
	}
	for i, c := range chain {
		b.dirData[c] = buf[i*bytesPerCluster : (i+1)*bytesPerCluster]
	}
	return nil
}

func dotEntry(name string, cluster ClusterID, now time.Time) RawDirent {
	raw := RawDirent{
		Attributes:   AttrDirectory,
		CreatedTime:  TimeToInt(now),
		CreatedDate:  DateToInt(now),
		AccessDate:   DateToInt(now),
		ModifiedTime: TimeToInt(now),
		ModifiedDate: DateToInt(now),
	}
	copy(raw.Name[:], padRight(strings.ToUpper(name), 8))
	raw.SetFirstCluster(cluster)
	return raw
}

// volumeLabelEntry builds the root directory's volume label dirent (entry
// 0 of the virtual root, per spec.md §3's Directory Array invariant). The
// 11-byte Name+Extension field holds the label verbatim (no implied dot),
// space-padded/truncated, with no associated cluster or content.
func volumeLabelEntry(label string, now time.Time) encodedDirent {
	raw := RawDirent{
		Attributes:   AttrVolumeID,
		CreatedTime:  TimeToInt(now),
		CreatedDate:  DateToInt(now),
		AccessDate:   DateToInt(now),
		ModifiedTime: TimeToInt(now),
		ModifiedDate: DateToInt(now),
	}
	packed := padRight(strings.ToUpper(label), 11)
	copy(raw.Name[:], packed[:8])
	copy(raw.Extension[:], packed[8:11])
	return encodedDirent{short: raw}
}

func shortNameBase(short string) string {
	if idx := strings.Index(short, "."); idx >= 0 {
		return short[:idx]
	}
	return short
}

func shortNameExt(short string) string {
	if idx := strings.Index(short, "."); idx >= 0 {
		return short[idx+1:]
	}
	return ""
}

// shortNameChecksum computes the VFAT checksum byte that ties long-name
// slots to their short-name entry, per the standard algorithm.
func shortNameChecksum(short string) uint8 {
	raw := RawDirent{}
	copy(raw.Name[:], padRight(shortNameBase(short), 8))
	copy(raw.Extension[:], padRight(shortNameExt(short), 3))
	var sum uint8
	for _, b := range append(raw.Name[:], raw.Extension[:]...) {
		sum = (sum>>1 | sum<<7) + b
	}
	return sum
}

// generateLongNameSlots splits longName into 13-UTF16-unit slots, highest
// order first as the standard requires, each checksummed against the short
// name it accompanies.
func generateLongNameSlots(longName string, checksum uint8) []LongNameSlot {
	units := toUTF16WithTerminator(longName)
	const perSlot = 13
	total := (len(units) + perSlot - 1) / perSlot
	if total == 0 {
		total = 1
	}
	slots := make([]LongNameSlot, total)
	for i := 0; i < total; i++ {
		start := i * perSlot
		end := start + perSlot
		chunk := make([]uint16, perSlot)
		for j := 0; j < perSlot; j++ {
			if start+j < len(units) {
				chunk[j] = units[start+j]
			} else {
				chunk[j] = 0xFFFF
			}
		}
		order := uint8(i + 1)
		if i == total-1 {
			order |= longNameLastFlag
		}
		slot := LongNameSlot{
			Order:     order,
			Attribute: AttrLongName,
			Checksum:  checksum,
		}
		copy(slot.Name1[:], chunk[0:5])
		copy(slot.Name2[:], chunk[5:11])
		copy(slot.Name3[:], chunk[11:13])
		slots[total-1-i] = slot
	}
	return slots
}

func toUTF16WithTerminator(s string) []uint16 {
	units := utf16.Encode([]rune(s))
	units = append(units, 0x0000)
	return units
}
