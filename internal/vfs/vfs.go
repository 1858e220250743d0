package vfs

import (
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"anyos/internal/errs"
)

var (
	ErrPermissionDenied = errs.New(errs.PermissionDenied, "vfs: permission denied")
	ErrNotFound         = errs.New(errs.NotFound, "vfs: not found")
	ErrExists           = errs.New(errs.Exists, "vfs: already exists")
	ErrNotADirectory    = errs.New(errs.NotADirectory, "vfs: not a directory")
	ErrIsADirectory     = errs.New(errs.IsADirectory, "vfs: is a directory")
	ErrBusyResource     = errs.New(errs.BusyResource, "vfs: mount point busy")
	ErrTooManyLinks     = errs.New(errs.TooManyLinks, "vfs: too many symlink levels")
	ErrCrossDeviceLink  = errs.New(errs.CrossDeviceLink, "vfs: cross-device link")
)

// MaxSymlinkDepth bounds symlink expansion.
const MaxSymlinkDepth = 8

// NodeType classifies a resolved VFS entry.
type NodeType int

const (
	TypeFile NodeType = iota
	TypeDirectory
	TypeSymlink
	TypeDevice
)

// Stat mirrors the 7-word stat buffer of the syscall ABI.
type Stat struct {
	Type     NodeType
	Size     uint64
	Flags    uint32
	UID      int
	GID      int
	Mode     Mode
	Reserved uint32
}

// FileDriver is the capability trait a filesystem backend (FAT, NTFS-ro,
// devfs, ramfs) implements.
type FileDriver interface {
	Lookup(path string) (Stat, error)
	ReadDir(path string) ([]string, error)
	ReadAt(path string, off int64, buf []byte) (int, error)
	WriteAt(path string, off int64, buf []byte) (int, error)
	Readlink(path string) (string, error)
	Symlink(target, linkPath string) error
	Mkdir(path string) error
	Unlink(path string) error
	Chmod(path string, m Mode) error
	Chown(path string, uid, gid int) error
}

// mount is one entry in the mount table.
type mount struct {
	device     string
	mountpoint string
	fs         FileDriver
	openFds    atomic.Int64
}

// Mount is the global mount table: path normalization, longest-prefix
// resolution, one dedicated spinlock.
type Mount struct {
	log *slog.Logger

	mu     sync.Mutex
	mounts []*mount // unsorted; longest-prefix match computed at resolve time
}

// NewMount constructs an empty mount table.
func NewMount(log *slog.Logger) *Mount {
	if log == nil {
		log = slog.Default()
	}
	return &Mount{log: log}
}

// MountFS registers fs at mountpoint.
func (m *Mount) MountFS(device, mountpoint string, fs FileDriver) error {
	mountpoint = Normalize(mountpoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.mounts {
		if e.mountpoint == mountpoint {
			return ErrExists
		}
	}
	m.mounts = append(m.mounts, &mount{device: device, mountpoint: mountpoint, fs: fs})
	m.log.Debug("vfs: mounted", "device", device, "mountpoint", mountpoint)
	return nil
}

// Umount removes the mount at mountpoint. Requires no open fds beneath
// it.
func (m *Mount) Umount(mountpoint string) error {
	mountpoint = Normalize(mountpoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.mounts {
		if e.mountpoint == mountpoint {
			if e.openFds.Load() > 0 {
				return ErrBusyResource
			}
			m.mounts = append(m.mounts[:i], m.mounts[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// resolveMount picks the mount entry with the longest matching prefix for
// an already-normalized absolute path.
func (m *Mount) resolveMount(p string) (*mount, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *mount
	bestLen := -1
	for _, e := range m.mounts {
		if e.mountpoint == "/" || p == e.mountpoint || strings.HasPrefix(p, e.mountpoint+"/") {
			if len(e.mountpoint) > bestLen {
				best = e
				bestLen = len(e.mountpoint)
			}
		}
	}
	if best == nil {
		return nil, "", ErrNotFound
	}
	rel := strings.TrimPrefix(p, best.mountpoint)
	if rel == "" {
		rel = "/"
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return best, rel, nil
}

// Normalize collapses "." and ".." and duplicate slashes in an absolute
// path.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Resolve walks the mount table choosing longest-prefix match, expanding
// symlinks up to MaxSymlinkDepth, and returns the Stat for the resolved
// path together with the owning driver and the path relative to its
// mount.
func (m *Mount) Resolve(p string) (FileDriver, string, Stat, error) {
	p = Normalize(p)
	for depth := 0;; depth++ {
		if depth > MaxSymlinkDepth {
			return nil, "", Stat{}, ErrTooManyLinks
		}
		mnt, rel, err := m.resolveMount(p)
		if err != nil {
			return nil, "", Stat{}, err
		}
		st, err := mnt.fs.Lookup(rel)
		if err != nil {
			return nil, "", Stat{}, err
		}
		if st.Type != TypeSymlink {
			return mnt.fs, rel, st, nil
		}
		target, err := mnt.fs.Readlink(rel)
		if err != nil {
			return nil, "", Stat{}, err
		}
		if !strings.HasPrefix(target, "/") {
			target = path.Join(path.Dir(p), target)
		}
		p = Normalize(target)
	}
}

// ResolveNoFollow resolves p to its owning driver and mount-relative path
// without expanding a final-component symlink — the readlink/symlink/mkdir
// paths, where the node itself need not exist yet.
func (m *Mount) ResolveNoFollow(p string) (FileDriver, string, error) {
	mnt, rel, err := m.resolveMount(Normalize(p))
	if err != nil {
		return nil, "", err
	}
	return mnt.fs, rel, nil
}

// Lstat stats p without following a final symlink.
func (m *Mount) Lstat(p string) (Stat, error) {
	mnt, rel, err := m.resolveMount(Normalize(p))
	if err != nil {
		return Stat{}, err
	}
	return mnt.fs.Lookup(rel)
}

// FdHandle is one entry in a process's fd table.
type FdHandle struct {
	MountDevice string
	Path        string
	Driver      FileDriver
	Position    int64
	Flags       int
	refcount    int
}

// FdTable is a per-process table of open-file handles, mutated only by the
// owning process; fork duplicates it under the process lock.
type FdTable struct {
	mu      sync.Mutex
	entries map[int]*FdHandle
	next    int
}

// NewFdTable constructs an empty fd table, fds starting at 3 (0/1/2 stay
// reserved for stdio).
func NewFdTable() *FdTable {
	return &FdTable{entries: make(map[int]*FdHandle), next: 3}
}

// Open installs a new fd for an already-resolved driver+path.
func (t *FdTable) Open(driver FileDriver, p string, flags int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.entries[fd] = &FdHandle{Driver: driver, Path: p, Flags: flags, refcount: 1}
	return fd
}

// Get returns the handle for fd.
func (t *FdTable) Get(fd int) (*FdHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fd]
	return h, ok
}

// Dup installs a new fd number referencing the same handle (refcounted).
func (t *FdTable) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fd]
	if !ok {
		return 0, ErrNotFound
	}
	h.refcount++
	newFd := t.next
	t.next++
	t.entries[newFd] = h
	return newFd, nil
}

// Close drops fd; the handle is freed once its refcount reaches 0.
func (t *FdTable) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fd]
	if !ok {
		return ErrNotFound
	}
	delete(t.entries, fd)
	h.refcount--
	return nil
}

// Clone duplicates the entire table by refcounted clone — used by fork()
func (t *FdTable) Clone() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := NewFdTable()
	clone.next = t.next
	for fd, h := range t.entries {
		h.refcount++
		clone.entries[fd] = h
	}
	return clone
}

// Count returns the number of open fds — consulted by the Zombie invariant
func (t *FdTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll closes every open fd — called on process exit before the
// process transitions to Zombie.
func (t *FdTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[int]*FdHandle)
}

// bootTime stands in for the real kernel's inode mtime/ctime, used only
// by devfs/procfs-style synthetic views that need a boot-relative instant.
var bootTime = time.Now()

// ErrInvalidOperation builds a NotSupported error for a driver operation
// that has no meaning on a given backend (devfs symlink/mkdir, a read-only
// FAT/NTFS driver's write path).
func ErrInvalidOperation(driver, op string) error {
	return errs.New(errs.NotSupported, driver+": "+op+" not supported")
}
