// Package fsdrivers implements the block/FS drivers below the VFS layer:
// a read-only FAT16/32 driver, a read-only NTFS driver, devfs, and a
// writable in-memory filesystem for the boot root. Each backend
// implements the vfs.FileDriver capability trait and registers through the
// mount table.
package fsdrivers

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"anyos/internal/vfs"
)

// Device is one entry anyctl's devlist syscall enumerates, matching the
// 64-byte device-list ABI entry.
type Device struct {
	Path   string
	Driver string
	Type   uint8
}

// DevFS is the synthetic /dev view over registered kernel devices — the
// devfs row of the component table, "below VFS" alongside FAT/NTFS.
type DevFS struct {
	log *slog.Logger

	mu      sync.Mutex
	devices map[string]Device
	readers map[string]func(off int64, buf []byte) (int, error)
	writers map[string]func(off int64, buf []byte) (int, error)
}

// NewDevFS constructs an empty devfs.
func NewDevFS(log *slog.Logger) *DevFS {
	if log == nil {
		log = slog.Default()
	}
	return &DevFS{
		log:     log,
		devices: make(map[string]Device),
		readers: make(map[string]func(int64, []byte) (int, error)),
		writers: make(map[string]func(int64, []byte) (int, error)),
	}
}

// Register installs a device node at p (e.g. "/kbd0", "/fb0"), backed by
// the given IRQ-registered driver's read/write hooks.
func (d *DevFS) Register(p string, driverName string, typ uint8, read, write func(off int64, buf []byte) (int, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = vfs.Normalize(p)
	d.devices[p] = Device{Path: p, Driver: driverName, Type: typ}
	if read != nil {
		d.readers[p] = read
	}
	if write != nil {
		d.writers[p] = write
	}
	d.log.Debug("devfs: registered device", "path", p, "driver", driverName)
}

// List enumerates all registered devices, sorted by path for deterministic
// output (feeds the devlist syscall).
func (d *DevFS) List() []Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (d *DevFS) Lookup(p string) (vfs.Stat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p = vfs.Normalize(p)
	if p == "/" {
		return vfs.Stat{Type: vfs.TypeDirectory}, nil
	}
	if _, ok := d.devices[p]; ok {
		return vfs.Stat{Type: vfs.TypeDevice}, nil
	}
	return vfs.Stat{}, vfs.ErrNotFound
}

func (d *DevFS) ReadDir(p string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vfs.Normalize(p) != "/" {
		return nil, vfs.ErrNotADirectory
	}
	out := make([]string, 0, len(d.devices))
	for name := range d.devices {
		out = append(out, strings.TrimPrefix(name, "/"))
	}
	sort.Strings(out)
	return out, nil
}

func (d *DevFS) ReadAt(p string, off int64, buf []byte) (int, error) {
	d.mu.Lock()
	read := d.readers[vfs.Normalize(p)]
	d.mu.Unlock()
	if read == nil {
		return 0, vfs.ErrNotFound
	}
	return read(off, buf)
}

func (d *DevFS) WriteAt(p string, off int64, buf []byte) (int, error) {
	d.mu.Lock()
	write := d.writers[vfs.Normalize(p)]
	d.mu.Unlock()
	if write == nil {
		return 0, vfs.ErrNotFound
	}
	return write(off, buf)
}

func (d *DevFS) Readlink(p string) (string, error)    { return "", vfs.ErrInvalidOperation("devfs", "readlink") }
func (d *DevFS) Symlink(t, l string) error             { return vfs.ErrInvalidOperation("devfs", "symlink") }
func (d *DevFS) Mkdir(p string) error                  { return vfs.ErrInvalidOperation("devfs", "mkdir") }
func (d *DevFS) Unlink(p string) error                  { return vfs.ErrInvalidOperation("devfs", "unlink") }
func (d *DevFS) Chmod(p string, m vfs.Mode) error       { return vfs.ErrInvalidOperation("devfs", "chmod") }
func (d *DevFS) Chown(p string, uid, gid int) error     { return vfs.ErrInvalidOperation("devfs", "chown") }

var _ vfs.FileDriver = (*DevFS)(nil)
