package hostfs

import (
	"bytes"
	"io"
	"path"
	"sort"
	"time"

	"github.com/dargueta/vvfatbridge/errors"
)

// memNode is one file or directory in a MemProvider tree.
type memNode struct {
	isDir    bool
	data     []byte
	modTime  time.Time
	readOnly bool
	children map[string]*memNode
}

// MemProvider is an in-memory Provider used by vfat/redolog/blockdevice
// tests so they don't need a real directory on disk. It implements the same
// contract OSProvider does.
type MemProvider struct {
	root *memNode
}

// NewMemProvider returns an empty in-memory provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{
		root: &memNode{isDir: true, children: map[string]*memNode{}, modTime: time.Now()},
	}
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	parts := []string{}
	for _, part := range bytes.Split([]byte(p), []byte("/")) {
		if len(part) > 0 {
			parts = append(parts, string(part))
		}
	}
	return parts
}

func (m *MemProvider) lookup(p string) (*memNode, error) {
	node := m.root
	for _, part := range splitPath(p) {
		if !node.isDir {
			return nil, errors.ErrNotADirectory
		}
		next, ok := node.children[part]
		if !ok {
			return nil, errors.ErrNotFound
		}
		node = next
	}
	return node, nil
}

func (m *MemProvider) parentAndName(p string) (*memNode, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", errors.ErrInvalidArgument
	}
	parent, err := m.lookup(path.Dir("/" + path.Join(parts[:len(parts)-1]...)))
	if err != nil {
		return nil, "", err
	}
	return parent, parts[len(parts)-1], nil
}

// WriteFile creates (or overwrites) a file at p with the given content, plus
// every intermediate directory. Used to seed a test tree.
func (m *MemProvider) WriteFile(p string, content []byte, modTime time.Time) {
	parts := splitPath(p)
	node := m.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := node.children[part]
		if !ok {
			next = &memNode{isDir: true, children: map[string]*memNode{}, modTime: modTime}
			node.children[part] = next
		}
		node = next
	}
	name := parts[len(parts)-1]
	node.children[name] = &memNode{data: append([]byte(nil), content...), modTime: modTime}
}

// Mkdir creates an empty directory, matching Provider.Mkdir.
func (m *MemProvider) Mkdir(p string) error {
	parent, name, err := m.parentAndName(p)
	if err != nil {
		return err
	}
	if _, exists := parent.children[name]; exists {
		return errors.ErrExists
	}
	parent.children[name] = &memNode{isDir: true, children: map[string]*memNode{}, modTime: time.Now()}
	return nil
}

func (m *MemProvider) List(p string) ([]Entry, error) {
	node, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if !node.isDir {
		return nil, errors.ErrNotADirectory
	}

	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		child := node.children[name]
		entries = append(entries, Entry{
			Name:     name,
			IsDir:    child.isDir,
			Size:     int64(len(child.data)),
			ModTime:  child.modTime,
			ReadOnly: child.readOnly,
		})
	}
	return entries, nil
}

func (m *MemProvider) Stat(p string) (Entry, error) {
	node, err := m.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Name:     path.Base(p),
		IsDir:    node.isDir,
		Size:     int64(len(node.data)),
		ModTime:  node.modTime,
		ReadOnly: node.readOnly,
	}, nil
}

type nopCloser struct{ io.ReaderAt }

func (nopCloser) Close() error { return nil }

func (m *MemProvider) OpenRead(p string) (io.ReaderAt, io.Closer, error) {
	node, err := m.lookup(p)
	if err != nil {
		return nil, nil, err
	}
	if node.isDir {
		return nil, nil, errors.ErrIsADirectory
	}
	return nopCloser{bytes.NewReader(node.data)}, nopCloser{}, nil
}

type memWriter struct {
	node *memNode
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.node.data = w.buf.Bytes()
	w.node.modTime = time.Now()
	return nil
}

func (m *MemProvider) CreateOrTruncate(p string) (io.WriteCloser, error) {
	parent, name, err := m.parentAndName(p)
	if err != nil {
		return nil, err
	}
	node, exists := parent.children[name]
	if !exists {
		node = &memNode{}
		parent.children[name] = node
	}
	return &memWriter{node: node}, nil
}

func (m *MemProvider) Rename(oldPath, newPath string) error {
	oldParent, oldName, err := m.parentAndName(oldPath)
	if err != nil {
		return err
	}
	node, ok := oldParent.children[oldName]
	if !ok {
		return errors.ErrNotFound
	}
	newParent, newName, err := m.parentAndName(newPath)
	if err != nil {
		return err
	}
	delete(oldParent.children, oldName)
	newParent.children[newName] = node
	return nil
}

func (m *MemProvider) Remove(p string) error {
	parent, name, err := m.parentAndName(p)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; !ok {
		return errors.ErrNotFound
	}
	delete(parent.children, name)
	return nil
}

var _ Provider = (*MemProvider)(nil)
