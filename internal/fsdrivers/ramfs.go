package fsdrivers

import (
	"sort"
	"strings"
	"sync"

	"anyos/internal/vfs"
)

// ramNode is one file, directory, or symlink in a RamFS.
type ramNode struct {
	typ    vfs.NodeType
	data   []byte
	target string // symlink target, when typ == NodeSymlink
	uid    int
	gid    int
	mode   vfs.Mode
}

// RamFS is the writable in-memory filesystem backing the boot root
// (/System, /Users, /Applications live here until a block device is
// mounted over them). Unlike the FAT/NTFS drivers it supports the full
// mutating half of vfs.FileDriver, which is what the mkdir/chmod/write
// round-trip syscalls exercise.
type RamFS struct {
	mu    sync.Mutex
	nodes map[string]*ramNode
}

// NewRamFS constructs a RamFS holding only the root directory, owned by
// uid 0 with full owner permissions and read for group/other.
func NewRamFS() *RamFS {
	return &RamFS{
		nodes: map[string]*ramNode{
			"/": {
				typ:  vfs.TypeDirectory,
				mode: vfs.NewMode(vfs.PermRead|vfs.PermModify|vfs.PermDelete|vfs.PermCreate, vfs.PermRead, vfs.PermRead),
			},
		},
	}
}

func ramPath(p string) string {
	p = vfs.Normalize(p)
	if p == "" {
		return "/"
	}
	return p
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (r *RamFS) lookupLocked(p string) (*ramNode, bool) {
	n, ok := r.nodes[p]
	return n, ok
}

func (r *RamFS) Lookup(p string) (vfs.Stat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(ramPath(p))
	if !ok {
		return vfs.Stat{}, vfs.ErrNotFound
	}
	return vfs.Stat{
		Type: n.typ,
		Size: uint64(len(n.data)),
		UID:  n.uid,
		GID:  n.gid,
		Mode: n.mode,
	}, nil
}

func (r *RamFS) ReadDir(p string) ([]string, error) {
	p = ramPath(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(p)
	if !ok {
		return nil, vfs.ErrNotFound
	}
	if n.typ != vfs.TypeDirectory {
		return nil, vfs.ErrNotADirectory
	}
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for path := range r.nodes {
		if path == p || !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if strings.ContainsRune(rest, '/') {
			continue // deeper than one level
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RamFS) ReadAt(p string, off int64, buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(ramPath(p))
	if !ok {
		return 0, vfs.ErrNotFound
	}
	if n.typ == vfs.TypeDirectory {
		return 0, vfs.ErrIsADirectory
	}
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[off:]), nil
}

func (r *RamFS) WriteAt(p string, off int64, buf []byte) (int, error) {
	p = ramPath(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(p)
	if !ok {
		// Create-on-write: files spring into existence the way open(CREATE)
		// produces them, inheriting the parent directory's ownership.
		parent, pok := r.lookupLocked(parentOf(p))
		if !pok || parent.typ != vfs.TypeDirectory {
			return 0, vfs.ErrNotFound
		}
		n = &ramNode{
			typ:  vfs.TypeFile,
			uid:  parent.uid,
			gid:  parent.gid,
			mode: parent.mode,
		}
		r.nodes[p] = n
	}
	if n.typ == vfs.TypeDirectory {
		return 0, vfs.ErrIsADirectory
	}
	end := off + int64(len(buf))
	if int64(len(n.data)) < end {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], buf)
	return len(buf), nil
}

func (r *RamFS) Readlink(p string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(ramPath(p))
	if !ok {
		return "", vfs.ErrNotFound
	}
	if n.typ != vfs.TypeSymlink {
		return "", vfs.ErrInvalidOperation("ramfs", "readlink on non-symlink")
	}
	return n.target, nil
}

func (r *RamFS) Symlink(target, linkPath string) error {
	linkPath = ramPath(linkPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lookupLocked(linkPath); exists {
		return vfs.ErrExists
	}
	r.nodes[linkPath] = &ramNode{typ: vfs.TypeSymlink, target: target}
	return nil
}

// Mkdir creates p. A second Mkdir of the same path returns Exists and
// leaves the tree untouched.
func (r *RamFS) Mkdir(p string) error {
	p = ramPath(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lookupLocked(p); exists {
		return vfs.ErrExists
	}
	parent, ok := r.lookupLocked(parentOf(p))
	if !ok {
		return vfs.ErrNotFound
	}
	if parent.typ != vfs.TypeDirectory {
		return vfs.ErrNotADirectory
	}
	r.nodes[p] = &ramNode{
		typ:  vfs.TypeDirectory,
		uid:  parent.uid,
		gid:  parent.gid,
		mode: parent.mode,
	}
	return nil
}

func (r *RamFS) Unlink(p string) error {
	p = ramPath(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(p)
	if !ok {
		return vfs.ErrNotFound
	}
	if n.typ == vfs.TypeDirectory {
		prefix := p + "/"
		for path := range r.nodes {
			if strings.HasPrefix(path, prefix) {
				return vfs.ErrBusyResource
			}
		}
	}
	delete(r.nodes, p)
	return nil
}

func (r *RamFS) Chmod(p string, m vfs.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(ramPath(p))
	if !ok {
		return vfs.ErrNotFound
	}
	n.mode = m
	return nil
}

func (r *RamFS) Chown(p string, uid, gid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookupLocked(ramPath(p))
	if !ok {
		return vfs.ErrNotFound
	}
	n.uid, n.gid = uid, gid
	return nil
}
