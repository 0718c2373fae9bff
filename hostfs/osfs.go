package hostfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/dargueta/vvfatbridge/errors"
)

// OSProvider implements Provider directly against the local file system
// rooted at Root. It's the "real" collaborator behind the interface in
// hostfs.go; production use of the vfat package always plugs this in, while
// tests plug in fakes.
type OSProvider struct {
	Root string
}

// NewOSProvider returns a Provider rooted at root. root must already exist
// and be a directory.
func NewOSProvider(root string) *OSProvider {
	return &OSProvider{Root: filepath.Clean(root)}
}

func (p *OSProvider) resolve(path string) string {
	return filepath.Join(p.Root, filepath.FromSlash(path))
}

func toEntry(name string, info os.FileInfo) Entry {
	mode := info.Mode()
	entry := Entry{
		Name:      name,
		IsDir:     info.IsDir(),
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		ReadOnly:  mode.Perm()&0o222 == 0,
		IsSymlink: mode&os.ModeSymlink != 0,
	}
	return entry
}

func (p *OSProvider) List(path string) ([]Entry, error) {
	dirents, err := os.ReadDir(p.resolve(path))
	if err != nil {
		glog.Warningf("hostfs: failed to list %q: %v", path, err)
		return nil, errors.ErrHostScanFailed.WrapError(err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			glog.Warningf("hostfs: failed to stat %q/%q: %v", path, de.Name(), err)
			return nil, errors.ErrHostScanFailed.WrapError(err)
		}

		entry := toEntry(de.Name(), info)
		if entry.IsSymlink {
			target, err := os.Readlink(filepath.Join(p.resolve(path), de.Name()))
			if err == nil {
				entry.LinkTarget = filepath.ToSlash(target)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (p *OSProvider) Stat(path string) (Entry, error) {
	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return Entry{}, errors.ErrNotFound.WrapError(err)
	}
	return toEntry(filepath.Base(path), info), nil
}

func (p *OSProvider) OpenRead(path string) (io.ReaderAt, io.Closer, error) {
	f, err := os.Open(p.resolve(path))
	if err != nil {
		return nil, nil, errors.ErrIOFailed.WrapError(err)
	}
	return f, f, nil
}

func (p *OSProvider) CreateOrTruncate(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(p.resolve(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	return f, nil
}

func (p *OSProvider) Mkdir(path string) error {
	if err := os.Mkdir(p.resolve(path), 0o755); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

func (p *OSProvider) Rename(oldPath, newPath string) error {
	if err := os.Rename(p.resolve(oldPath), p.resolve(newPath)); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

func (p *OSProvider) Remove(path string) error {
	if err := os.Remove(p.resolve(path)); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

var _ Provider = (*OSProvider)(nil)
