// Package hostfs abstracts the host file system operations the virtual FAT
// engine needs: the spec's "Host FS Provider" collaborator (see spec.md
// §4.2). This lets the engine's scanner, resolver, and commit engine be
// tested against an in-memory or synthetic provider without touching a real
// disk, and lets the real implementation stay a thin wrapper around the
// standard os package.
//
// All calls are synchronous, matching spec.md §5: the engine has no
// suspension points of its own, and every Provider call blocks the single
// I/O thread that drives it.
package hostfs

import (
	"io"
	"time"
)

// Entry describes one item returned by Provider.List, matching the
// attributes the directory tree scanner needs to build a DirEntry and
// Mapping: whether it's a directory, its size, modification time, and
// read-only bit.
type Entry struct {
	Name       string
	IsDir      bool
	Size       int64
	ModTime    time.Time
	ReadOnly   bool
	IsSymlink  bool
	LinkTarget string
}

// Provider is the set of host file system operations the virtual FAT engine
// depends on. Paths use '/' as a separator regardless of host OS, same as
// spec.md §4.2.
type Provider interface {
	// List returns the entries of the directory at path, in OS-enumeration
	// order ("." and ".." are never included).
	List(path string) ([]Entry, error)

	// Stat returns the Entry for the object at path.
	Stat(path string) (Entry, error)

	// OpenRead opens path for read-only, random-access reads. Closing the
	// returned handle is the caller's responsibility.
	OpenRead(path string) (io.ReaderAt, io.Closer, error)

	// CreateOrTruncate creates (or truncates) path and returns a writer for
	// its full content. It's used by the commit engine to materialize a
	// modified or newly created file in one shot.
	CreateOrTruncate(path string) (io.WriteCloser, error)

	// Mkdir creates a new, empty directory at path. The parent is guaranteed
	// to already exist.
	Mkdir(path string) error

	// Rename moves oldPath to newPath, both within the mounted subtree.
	Rename(oldPath, newPath string) error

	// Remove deletes the file or empty directory at path.
	Remove(path string) error
}
