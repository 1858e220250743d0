package fsdrivers

import (
	"encoding/binary"
	"io"
	"path"
	"strings"
	"sync"

	"anyos/internal/vfs"
)

// FAT implements a read-only FAT16/32 driver over an io.ReaderAt backing
// device, decoding the on-disk structures with encoding/binary.
type FAT struct {
	dev io.ReaderAt

	mu         sync.Mutex
	bytesPerSec  uint16
	secPerClus   uint8
	reservedSecs uint16
	numFATs      uint8
	rootEntries  uint16
	totalSecs32  uint32
	fatSize32    uint32
	rootCluster  uint32
	is32         bool

	fatStartSector  uint32
	rootDirSector   uint32
	rootDirSectors  uint32
	dataStartSector uint32
}

// bpb is the BIOS Parameter Block layout shared by FAT16 and FAT32, offsets
// per the FAT spec.
type bpb struct {
	BytesPerSector   uint16
	SectorsPerCluster uint8
	ReservedSectors  uint16
	NumFATs          uint8
	RootEntryCount   uint16
	TotalSectors16   uint16
	FATSize16        uint16
	TotalSectors32   uint32
	FATSize32        uint32
	RootCluster      uint32
}

// OpenFAT parses the BPB from sector 0 of dev and classifies FAT16 vs
// FAT32 by the documented "FATSize16 == 0" rule.
func OpenFAT(dev io.ReaderAt) (*FAT, error) {
	sec0 := make([]byte, 512)
	if _, err := dev.ReadAt(sec0, 0); err != nil {
		return nil, vfs.ErrNotFound
	}
	b := bpb{
		BytesPerSector:    binary.LittleEndian.Uint16(sec0[11:13]),
		SectorsPerCluster: sec0[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sec0[14:16]),
		NumFATs:           sec0[16],
		RootEntryCount:    binary.LittleEndian.Uint16(sec0[17:19]),
		TotalSectors16:    binary.LittleEndian.Uint16(sec0[19:21]),
		FATSize16:         binary.LittleEndian.Uint16(sec0[22:24]),
		TotalSectors32:    binary.LittleEndian.Uint32(sec0[32:36]),
	}
	f := &FAT{
		dev:          dev,
		bytesPerSec:  b.BytesPerSector,
		secPerClus:   b.SectorsPerCluster,
		reservedSecs: b.ReservedSectors,
		numFATs:      b.NumFATs,
		rootEntries:  b.RootEntryCount,
		totalSecs32:  b.TotalSectors32,
	}
	if b.FATSize16 == 0 {
		f.is32 = true
		f.fatSize32 = binary.LittleEndian.Uint32(sec0[36:40])
		f.rootCluster = binary.LittleEndian.Uint32(sec0[44:48])
	} else {
		f.fatSize32 = uint32(b.FATSize16)
	}

	f.fatStartSector = uint32(f.reservedSecs)
	f.rootDirSector = f.fatStartSector + uint32(f.numFATs)*f.fatSize32
	rootDirBytes := uint32(f.rootEntries) * 32
	f.rootDirSectors = (rootDirBytes + uint32(f.bytesPerSec) - 1) / uint32(f.bytesPerSec)
	f.dataStartSector = f.rootDirSector + f.rootDirSectors
	return f, nil
}

func (f *FAT) readSector(n uint32, out []byte) error {
	off := int64(n) * int64(f.bytesPerSec)
	_, err := f.dev.ReadAt(out, off)
	return err
}

// dirEntry is one 32-byte FAT directory entry.
type dirEntry struct {
	Name       string
	IsDir      bool
	Size       uint32
	Cluster    uint32
}

func parseDirEntry(b []byte) (dirEntry, bool) {
	if b[0] == 0x00 {
		return dirEntry{}, false // end of directory
	}
	if b[0] == 0xE5 || b[11] == 0x0F { // deleted or LFN entry, skip
		return dirEntry{}, true
	}
	nameRaw := strings.TrimRight(string(b[0:8]), " ")
	ext := strings.TrimRight(string(b[8:11]), " ")
	name := nameRaw
	if ext != "" {
		name = nameRaw + "." + ext
	}
	attr := b[11]
	clusHi := binary.LittleEndian.Uint16(b[20:22])
	clusLo := binary.LittleEndian.Uint16(b[26:28])
	cluster := uint32(clusHi)<<16 | uint32(clusLo)
	size := binary.LittleEndian.Uint32(b[28:32])
	return dirEntry{Name: name, IsDir: attr&0x10 != 0, Size: size, Cluster: cluster}, true
}

// listRoot reads the fixed-size FAT16 root directory region (FAT32 root is
// a normal cluster chain, handled via listCluster instead).
func (f *FAT) listRoot() ([]dirEntry, error) {
	if f.is32 {
		return f.listCluster(f.rootCluster)
	}
	var out []dirEntry
	buf := make([]byte, f.bytesPerSec)
	for s := uint32(0); s < f.rootDirSectors; s++ {
		if err := f.readSector(f.rootDirSector+s, buf); err != nil {
			return nil, err
		}
		for off := 0; off+32 <= len(buf); off += 32 {
			e, more := parseDirEntry(buf[off : off+32])
			if !more {
				return out, nil
			}
			if e.Name != "" {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *FAT) clusterToSector(c uint32) uint32 {
	return f.dataStartSector + (c-2)*uint32(f.secPerClus)
}

// nextCluster follows one link of the FAT for cluster c, reporting false at
// end-of-chain (or on a free/bad entry, which terminates the walk rather
// than wandering into unrelated data).
func (f *FAT) nextCluster(c uint32) (uint32, bool) {
	var entry [4]byte
	fatBase := int64(f.fatStartSector) * int64(f.bytesPerSec)
	if f.is32 {
		if _, err := f.dev.ReadAt(entry[:4], fatBase+int64(c)*4); err != nil {
			return 0, false
		}
		next := binary.LittleEndian.Uint32(entry[:4]) & 0x0FFFFFFF
		if next < 2 || next >= 0x0FFFFFF8 {
			return 0, false
		}
		return next, true
	}
	if _, err := f.dev.ReadAt(entry[:2], fatBase+int64(c)*2); err != nil {
		return 0, false
	}
	next := uint32(binary.LittleEndian.Uint16(entry[:2]))
	if next < 2 || next >= 0xFFF8 {
		return 0, false
	}
	return next, true
}

// maxChainClusters bounds a chain walk so a corrupt FAT with a cycle
// terminates instead of looping.
const maxChainClusters = 1 << 20

// clusterChain collects start's full cluster chain in file order.
func (f *FAT) clusterChain(start uint32) []uint32 {
	chain := make([]uint32, 0, 8)
	for c, n := start, 0; n < maxChainClusters; n++ {
		chain = append(chain, c)
		next, ok := f.nextCluster(c)
		if !ok {
			break
		}
		c = next
	}
	return chain
}

func (f *FAT) findEntry(rel string) (dirEntry, error) {
	rel = strings.Trim(path.Clean(rel), "/")
	if rel == "" || rel == "." {
		return dirEntry{IsDir: true}, nil
	}
	parts := strings.Split(rel, "/")
	entries, err := f.listRoot()
	if err != nil {
		return dirEntry{}, err
	}
	var cur dirEntry
	for i, part := range parts {
		found := false
		for _, e := range entries {
			if strings.EqualFold(e.Name, part) {
				cur = e
				found = true
				break
			}
		}
		if !found {
			return dirEntry{}, vfs.ErrNotFound
		}
		if i < len(parts)-1 {
			if !cur.IsDir {
				return dirEntry{}, vfs.ErrNotADirectory
			}
			entries, err = f.listCluster(cur.Cluster)
			if err != nil {
				return dirEntry{}, err
			}
		}
	}
	return cur, nil
}

// listCluster scans a directory's entries across its whole cluster chain.
func (f *FAT) listCluster(cluster uint32) ([]dirEntry, error) {
	var out []dirEntry
	buf := make([]byte, f.bytesPerSec)
	for _, c := range f.clusterChain(cluster) {
		sector := f.clusterToSector(c)
		for s := uint32(0); s < uint32(f.secPerClus); s++ {
			if err := f.readSector(sector+s, buf); err != nil {
				return nil, err
			}
			for off := 0; off+32 <= len(buf); off += 32 {
				e, more := parseDirEntry(buf[off : off+32])
				if !more {
					return out, nil
				}
				if e.Name != "" {
					out = append(out, e)
				}
			}
		}
	}
	return out, nil
}

func (f *FAT) Lookup(p string) (vfs.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.findEntry(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	typ := vfs.TypeFile
	if e.IsDir {
		typ = vfs.TypeDirectory
	}
	return vfs.Stat{Type: typ, Size: uint64(e.Size), Mode: vfs.NewMode(vfs.PermRead, vfs.PermRead, vfs.PermRead)}, nil
}

func (f *FAT) ReadDir(p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.findEntry(p)
	if err != nil {
		return nil, err
	}
	var entries []dirEntry
	if path.Clean("/"+p) == "/" {
		entries, err = f.listRoot()
	} else {
		if !e.IsDir {
			return nil, vfs.ErrNotADirectory
		}
		entries, err = f.listCluster(e.Cluster)
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out, nil
}

func (f *FAT) ReadAt(p string, off int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.findEntry(p)
	if err != nil {
		return 0, err
	}
	if e.IsDir {
		return 0, vfs.ErrIsADirectory
	}
	if off >= int64(e.Size) {
		return 0, nil
	}
	n := len(buf)
	if remaining := int64(e.Size) - off; int64(n) > remaining {
		n = int(remaining)
	}

	// Walk the cluster chain to the cluster containing off, then read
	// cluster by cluster across chain links until n bytes are gathered.
	clusterBytes := int64(f.secPerClus) * int64(f.bytesPerSec)
	chain := f.clusterChain(e.Cluster)
	idx := int(off / clusterBytes)
	inCluster := off % clusterBytes
	read := 0
	for read < n && idx < len(chain) {
		base := int64(f.clusterToSector(chain[idx])) * int64(f.bytesPerSec)
		want := clusterBytes - inCluster
		if int64(n-read) < want {
			want = int64(n - read)
		}
		r, err := f.dev.ReadAt(buf[read:read+int(want)], base+inCluster)
		read += r
		if err != nil {
			return read, err
		}
		inCluster = 0
		idx++
	}
	return read, nil
}

func (f *FAT) WriteAt(p string, off int64, buf []byte) (int, error) {
	return 0, vfs.ErrInvalidOperation("fat", "write (read-only driver)")
}
func (f *FAT) Readlink(p string) (string, error) { return "", vfs.ErrInvalidOperation("fat", "readlink") }
func (f *FAT) Symlink(t, l string) error          { return vfs.ErrInvalidOperation("fat", "symlink") }
func (f *FAT) Mkdir(p string) error               { return vfs.ErrInvalidOperation("fat", "mkdir (read-only)") }
func (f *FAT) Unlink(p string) error               { return vfs.ErrInvalidOperation("fat", "unlink (read-only)") }
func (f *FAT) Chmod(p string, m vfs.Mode) error    { return vfs.ErrInvalidOperation("fat", "chmod (read-only)") }
func (f *FAT) Chown(p string, uid, gid int) error  { return vfs.ErrInvalidOperation("fat", "chown (read-only)") }

var _ vfs.FileDriver = (*FAT)(nil)
