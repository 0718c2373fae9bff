package vfat

import (
	"bytes"
	"io"
	"path"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/hostfs"
)

// direntSlotChange describes one 32-byte short-name slot whose bytes
// differ between the live shadow and the snapshot Build produced, found by
// CollectDirentChanges.
type direntSlotChange struct {
	dirPath   string // "" for the root directory
	slot      int
	original  RawDirent
	current   RawDirent
	// host path of the directory this slot lives in, "" for root; names
	// decoded from the slot are joined onto it to form host paths.
	parentPath string
}

// collectDirentChanges walks every directory region (root plus every
// scanned subdirectory) comparing shadow bytes against the snapshot, one
// 32-byte slot at a time. A directory that was never written has no shadow
// and contributes no changes.
func (w *WriteInterpreter) collectDirentChanges() []direntSlotChange {
	var changes []direntSlotChange

	if w.rootDirShadow != nil {
		changes = append(changes, diffDirentRegion("", "", w.result.RootDir, w.rootDirShadow)...)
	}

	for _, m := range w.result.Mappings.All() {
		if !m.Mode.Has(ModeDirectory) {
			continue
		}
		original := concatDirClusters(w.result.DirClusterData, m.Begin, m.End)
		shadow := concatDirClustersShadowed(w.result.DirClusterData, w.dirShadow, m.Begin, m.End)
		if shadow == nil {
			continue
		}
		changes = append(changes, diffDirentRegion(m.Path, m.Path, original, shadow)...)
	}
	return changes
}

func concatDirClusters(data map[ClusterID][]byte, begin, end ClusterID) []byte {
	var out []byte
	for c := begin; c < end; c++ {
		out = append(out, data[c]...)
	}
	return out
}

func concatDirClustersShadowed(original, shadow map[ClusterID][]byte, begin, end ClusterID) []byte {
	touched := false
	var out []byte
	for c := begin; c < end; c++ {
		if s, ok := shadow[c]; ok {
			touched = true
			out = append(out, s...)
		} else {
			out = append(out, original[c]...)
		}
	}
	if !touched {
		return nil
	}
	return out
}

func diffDirentRegion(dirPath, parentPath string, original, shadow []byte) []direntSlotChange {
	var changes []direntSlotChange
	n := len(shadow) / DirentSize
	for i := 0; i < n; i++ {
		start := i * DirentSize
		end := start + DirentSize
		if end > len(original) || end > len(shadow) {
			break
		}
		if bytes.Equal(original[start:end], shadow[start:end]) {
			continue
		}
		orig, err1 := DecodeRawDirent(original[start:end])
		cur, err2 := DecodeRawDirent(shadow[start:end])
		if err1 != nil || err2 != nil {
			continue
		}
		if orig.IsLongNameSlot() || cur.IsLongNameSlot() {
			continue
		}
		changes = append(changes, direntSlotChange{
			dirPath:    dirPath,
			slot:       i,
			original:   orig,
			current:    cur,
			parentPath: parentPath,
		})
	}
	return changes
}

// Commit materializes every accumulated write against the host file system
// through provider, in this order:
//  1. changed short-name slots in the root and subdirectory shadows, in slot
//     order: a deleted entry removes its host file, a new directory entry
//     creates the directory, and a changed name renames the host entry;
//  2. every file whose fat2 chain differs from its build-time chain is
//     rewritten from that chain (applyFAT2Changes);
//  3. buffered writes into the clusters of other existing files are
//     overlaid onto their host content;
//  4. buffered data for clusters no mapping covered is written to the
//     build-time mapping covering that cluster, if there is one.
//
// A new dirent for a regular file creates no host file; cluster data the
// guest wrote for it reaches the host only as part of an existing file's
// changed fat2 chain (step 2).
//
// Each dirent change and each file content update is applied independently;
// a failure on one entry is recorded but does not prevent the rest from
// being applied, matching the per-entry isolation spec.md §7 requires. The
// returned error, if any, is a *multierror.Error aggregating every failure.
func (w *WriteInterpreter) Commit(provider hostfs.Provider) error {
	var result *multierror.Error

	changes := w.collectDirentChanges()

	for _, ch := range changes {
		if err := w.applyDirentChange(provider, ch); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// Files whose fat2 chain diverged from fat1's (relocation, extension,
	// truncation) are fully rewritten from the chain below; the simpler
	// offset-based overlay in applyFileWrites only runs for paths that
	// weren't already handled that way, so the two don't fight over the
	// same file.
	handled := map[string]bool{}
	if err := w.applyFAT2Changes(provider, handled); err != nil {
		result = multierror.Append(result, err)
	}

	for hostPath, spans := range w.pendingFileWrites {
		if handled[hostPath] {
			continue
		}
		if err := w.applyFileWrites(provider, hostPath, spans); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for cluster, data := range w.pendingNewClusterData {
		if m := w.result.Mappings.Find(cluster); m != nil && handled[m.Path] {
			continue
		}
		if err := w.adoptNewClusterData(provider, cluster, data); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

// applyFAT2Changes implements spec.md §4.6 step 3: for every file mapping
// whose fat2 cluster chain no longer matches the chain fat1 (the build-time
// snapshot) recorded, follow the fat2 chain and rewrite the host file from
// its concatenated cluster contents. This is what actually carries
// relocation, extension, and truncation back to the host, since those all
// show up as a changed chain rather than as a dirent rename/delete.
func (w *WriteInterpreter) applyFAT2Changes(provider hostfs.Provider, handled map[string]bool) error {
	if !w.fat2Cloned {
		return nil
	}
	var result *multierror.Error
	for _, m := range w.result.Mappings.All() {
		if m.Mode.Has(ModeDirectory) || m.Mode.Has(ModeFaked) || m.Begin == 0 {
			continue
		}
		originalChain, err := w.result.FAT1.ChainFrom(m.Begin)
		if err != nil {
			continue
		}
		shadowChain, err := w.fat2.ChainFrom(m.Begin)
		if err != nil {
			continue
		}
		if chainsEqual(originalChain, shadowChain) {
			continue
		}

		content := w.concatenateChainContent(provider, m, shadowChain)
		if err := writeWholeFileAtomic(provider, m.Path, content); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		handled[m.Path] = true
	}
	return result.ErrorOrNil()
}

func chainsEqual(a, b []ClusterID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// concatenateChainContent gathers a file's bytes by walking chain in order:
// a cluster the guest wrote as brand new data (never part of any mapping at
// build time) comes from pendingNewClusterData, everything else comes from
// whichever mapping owned that cluster when Build ran. m's own buffered
// pendingFileWrites spans are then overlaid on top, since those offsets are
// relative to m's own chain position and still apply as long as m's first
// cluster didn't move.
func (w *WriteInterpreter) concatenateChainContent(provider hostfs.Provider, m Mapping, chain []ClusterID) []byte {
	bytesPerCluster := int64(w.result.Boot.BytesPerCluster)
	out := make([]byte, 0, len(chain)*int(bytesPerCluster))
	for _, c := range chain {
		if data, ok := w.pendingNewClusterData[c]; ok {
			out = append(out, data...)
			continue
		}
		out = append(out, w.readOriginalClusterBytes(provider, m, c, bytesPerCluster)...)
	}
	return overlayPendingWrites(out, w.pendingFileWrites[m.Path])
}

// readOriginalClusterBytes returns cluster c's content as of Build time,
// using whichever mapping actually owned it (falling back to fallback if
// the cluster isn't claimed by any mapping any more), zero-filled past the
// owning file's end or if it isn't readable.
func (w *WriteInterpreter) readOriginalClusterBytes(provider hostfs.Provider, fallback Mapping, c ClusterID, bytesPerCluster int64) []byte {
	buf := make([]byte, bytesPerCluster)
	owner := w.result.Mappings.Find(c)
	if owner == nil {
		owner = &fallback
	}
	if !owner.Contains(c) || owner.Mode.Has(ModeDirectory) || owner.Mode.Has(ModeFaked) {
		return buf
	}

	offset := int64(c-owner.Begin) * bytesPerCluster
	reader, closer, err := provider.OpenRead(owner.Path)
	if err != nil {
		return buf
	}
	defer closer.Close()

	if _, err := reader.ReadAt(buf, offset); err != nil && err != io.EOF {
		return make([]byte, bytesPerCluster)
	}
	return buf
}

// overlayPendingWrites copies each buffered span into content at its
// recorded offset, growing content if a span extends past its current end.
func overlayPendingWrites(content []byte, spans []pendingFileWrite) []byte {
	for _, sp := range spans {
		end := sp.offset + int64(len(sp.data))
		if end > int64(len(content)) {
			grown := make([]byte, end)
			copy(grown, content)
			content = grown
		}
		copy(content[sp.offset:], sp.data)
	}
	return content
}

func (w *WriteInterpreter) applyDirentChange(provider hostfs.Provider, ch direntSlotChange) error {
	oldName := decodeShortName(ch.original)
	newName := decodeShortName(ch.current)

	// Prefer the mapping table's recorded host path over reconstructing one
	// from the short name: the short name is always uppercase 8.3, but the
	// real host file may have a mixed-case or long name the scanner
	// recorded in the mapping when it first assigned this cluster.
	oldPath := path.Join(ch.parentPath, oldName)
	if m := w.result.Mappings.Find(ch.original.FirstCluster()); m != nil && ch.original.FirstCluster() != 0 {
		oldPath = m.Path
	}
	newPath := path.Join(ch.parentPath, newName)

	switch {
	case ch.current.IsDeleted():
		if err := provider.Remove(oldPath); err != nil && !errors.ErrNotFound.IsSameError(err) {
			return errors.ErrHostScanFailed.WithMessage("delete " + oldPath)
		}
		return nil

	case ch.original.IsFree() && !ch.current.IsFree() && ch.current.IsDirectory():
		return provider.Mkdir(newPath)

	case !ch.original.IsFree() && oldName != newName:
		if err := provider.Rename(oldPath, newPath); err != nil {
			return err
		}
		return nil

	default:
		// Attribute/timestamp changes, and size or first-cluster changes
		// from a truncation or extension, need no dirent-level host
		// operation here: the host file's actual length and content for a
		// changed cluster chain are handled by applyFAT2Changes, which
		// rewrites the file from fat2 directly rather than from this slot
		// diff.
		return nil
	}
}

func (w *WriteInterpreter) applyFileWrites(provider hostfs.Provider, hostPath string, spans []pendingFileWrite) error {
	existing, err := readWholeFile(provider, hostPath)
	if err != nil && !errors.ErrNotFound.IsSameError(err) {
		return err
	}

	maxEnd := int64(len(existing))
	for _, sp := range spans {
		end := sp.offset + int64(len(sp.data))
		if end > maxEnd {
			maxEnd = end
		}
	}
	buf := make([]byte, maxEnd)
	copy(buf, existing)
	for _, sp := range spans {
		copy(buf[sp.offset:], sp.data)
	}

	return writeWholeFileAtomic(provider, hostPath, buf)
}

func (w *WriteInterpreter) adoptNewClusterData(provider hostfs.Provider, cluster ClusterID, data []byte) error {
	// Writes data, as the file's whole content, to the build-time mapping
	// that covers cluster. For a cluster no mapping covers, nothing is
	// written and the data stays in pendingNewClusterData; after a Commit
	// without errors Image.Flush replaces the WriteInterpreter, so that
	// data is not carried into a later Commit.
	for _, m := range w.result.Mappings.All() {
		if m.Contains(cluster) {
			return writeWholeFileAtomic(provider, m.Path, data)
		}
	}
	return nil
}

func readWholeFile(provider hostfs.Provider, hostPath string) ([]byte, error) {
	reader, closer, err := provider.OpenRead(hostPath)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	stat, err := provider.Stat(hostPath)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, stat.Size)
	if _, err := reader.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func writeWholeFileAtomic(provider hostfs.Provider, hostPath string, content []byte) error {
	tempPath := hostPath + ".vvfatbridge.tmp"
	w, err := provider.CreateOrTruncate(tempPath)
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return provider.Rename(tempPath, hostPath)
}
