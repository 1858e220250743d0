package fsdrivers

import (
	"encoding/binary"
	"io"
	"path"
	"strings"
	"sync"

	"anyos/internal/vfs"
)

// NTFS implements a read-only NTFS driver: it
// parses the boot sector for cluster geometry and the $MFT location, then
// walks MFT FILE records for resident $FILE_NAME and $DATA attributes. Non-
// resident data outside the first run and directory index B-trees beyond a
// flat scan are intentionally not modeled — this driver covers the common
// case of small read-only system files under /System, not a general NTFS
// implementation.
type NTFS struct {
	dev io.ReaderAt

	mu           sync.Mutex
	bytesPerSec  uint16
	secPerClus   uint8
	mftCluster   uint64
	mftRecordSz  uint32
	entries      map[string]ntfsEntry // flat name -> entry, built lazily on first use
	scanned      bool
}

type ntfsEntry struct {
	isDir     bool
	size      uint64
	dataLCN   uint64 // first cluster of a non-resident $DATA run
	dataClen  uint64 // run length in clusters
	resident  []byte // resident $DATA payload, if any
}

// OpenNTFS parses the NTFS boot sector from dev.
func OpenNTFS(dev io.ReaderAt) (*NTFS, error) {
	sec0 := make([]byte, 512)
	if _, err := dev.ReadAt(sec0, 0); err != nil {
		return nil, vfs.ErrNotFound
	}
	if string(sec0[3:11]) != "NTFS    " {
		return nil, vfs.ErrNotFound
	}
	bytesPerSec := binary.LittleEndian.Uint16(sec0[11:13])
	secPerClus := sec0[13]
	mftCluster := binary.LittleEndian.Uint64(sec0[48:56])
	clustersPerRecordRaw := int8(sec0[64])
	var recordSize uint32
	if clustersPerRecordRaw > 0 {
		recordSize = uint32(clustersPerRecordRaw) * uint32(secPerClus) * uint32(bytesPerSec)
	} else {
		recordSize = 1 << uint(-clustersPerRecordRaw)
	}
	return &NTFS{
		dev:         dev,
		bytesPerSec: bytesPerSec,
		secPerClus:  secPerClus,
		mftCluster:  mftCluster,
		mftRecordSz: recordSize,
		entries:     make(map[string]ntfsEntry),
	}, nil
}

func (n *NTFS) clusterSize() uint64 { return uint64(n.secPerClus) * uint64(n.bytesPerSec) }

func (n *NTFS) readClusterAt(lcn uint64, buf []byte) error {
	off := int64(lcn) * int64(n.clusterSize())
	_, err := n.dev.ReadAt(buf, off)
	return err
}

// parseFileRecord extracts $FILE_NAME and $DATA attributes from one
// (already-read) MFT FILE record buffer. Attribute walking follows the
// standard type/length/resident-flag header layout.
func parseFileRecord(rec []byte) (name string, isDir bool, entry ntfsEntry, ok bool) {
	if len(rec) < 48 || string(rec[0:4]) != "FILE" {
		return "", false, ntfsEntry{}, false
	}
	attrOff := binary.LittleEndian.Uint16(rec[20:22])
	flags := binary.LittleEndian.Uint16(rec[22:24])
	isDir = flags&0x0002 != 0
	off := int(attrOff)
	for off+8 <= len(rec) {
		attrType := binary.LittleEndian.Uint32(rec[off : off+4])
		if attrType == 0xFFFFFFFF {
			break
		}
		attrLen := binary.LittleEndian.Uint32(rec[off+4 : off+8])
		if attrLen == 0 || off+int(attrLen) > len(rec) {
			break
		}
		nonResident := rec[off+8]
		switch attrType {
		case 0x30: // $FILE_NAME
			if nonResident == 0 {
				contentOff := binary.LittleEndian.Uint16(rec[off+20 : off+22])
				base := off + int(contentOff)
				if base+0x42 <= len(rec) {
					nameLen := int(rec[base+0x40])
					nameUTF16 := rec[base+0x42 : base+0x42+nameLen*2]
					name = utf16leToString(nameUTF16)
				}
			}
		case 0x80: // $DATA
			if nonResident == 0 {
				contentLen := binary.LittleEndian.Uint32(rec[off+16 : off+20])
				contentOff := binary.LittleEndian.Uint16(rec[off+20 : off+22])
				base := off + int(contentOff)
				if base+int(contentLen) <= len(rec) {
					entry.resident = append([]byte(nil), rec[base:base+int(contentLen)]...)
					entry.size = uint64(contentLen)
				}
			} else {
				entry.size = binary.LittleEndian.Uint64(rec[off+48 : off+56])
				runListOff := binary.LittleEndian.Uint16(rec[off+32 : off+34])
				lcn, clen := parseFirstDataRun(rec[off+int(runListOff) : off+int(attrLen)])
				entry.dataLCN, entry.dataClen = lcn, clen
			}
		}
		off += int(attrLen)
	}
	entry.isDir = isDir
	return name, isDir, entry, name != ""
}

// parseFirstDataRun decodes the first run of an NTFS data-run list: a
// header byte whose low/high nibbles give the length/offset byte counts,
// followed by little-endian length then signed LCN delta.
func parseFirstDataRun(runlist []byte) (lcn, clen uint64) {
	if len(runlist) == 0 || runlist[0] == 0 {
		return 0, 0
	}
	header := runlist[0]
	lenBytes := int(header & 0x0F)
	offBytes := int(header >> 4)
	p := 1
	if p+lenBytes > len(runlist) {
		return 0, 0
	}
	var length uint64
	for i := 0; i < lenBytes; i++ {
		length |= uint64(runlist[p+i]) << (8 * i)
	}
	p += lenBytes
	if p+offBytes > len(runlist) {
		return length, 0
	}
	var delta int64
	for i := 0; i < offBytes; i++ {
		delta |= int64(runlist[p+i]) << (8 * i)
	}
	if offBytes > 0 && runlist[p+offBytes-1]&0x80 != 0 {
		delta -= 1 << (8 * uint(offBytes))
	}
	return uint64(delta), length
}

func utf16leToString(b []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i]) | uint16(b[i+1])<<8
		sb.WriteRune(rune(u))
	}
	return sb.String()
}

// ensureScanned walks MFT records sequentially from record 5 (the
// conventional first user-visible record, after the reserved metafiles),
// skipping records that are not valid named FILE records, until a read fails
// or 4096 records have been examined, building a flat name index.
// This is the "common small system volume" shortcut this driver targets.
func (n *NTFS) ensureScanned() {
	if n.scanned {
		return
	}
	n.scanned = true
	buf := make([]byte, n.mftRecordSz)
	mftBase := n.mftCluster * n.clusterSize()
	const maxRecords = 4096
	for i := uint64(5); i < maxRecords; i++ {
		off := int64(mftBase) + int64(i)*int64(n.mftRecordSz)
		if _, err := n.dev.ReadAt(buf, off); err != nil {
			break
		}
		name, _, entry, ok := parseFileRecord(buf)
		if !ok {
			continue
		}
		n.entries["/"+name] = entry
	}
}

func (n *NTFS) Lookup(p string) (vfs.Stat, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensureScanned()
	p = path.Clean("/" + p)
	if p == "/" {
		return vfs.Stat{Type: vfs.TypeDirectory}, nil
	}
	e, ok := n.entries[p]
	if !ok {
		return vfs.Stat{}, vfs.ErrNotFound
	}
	typ := vfs.TypeFile
	if e.isDir {
		typ = vfs.TypeDirectory
	}
	return vfs.Stat{Type: typ, Size: e.size, Mode: vfs.NewMode(vfs.PermRead, vfs.PermRead, vfs.PermRead)}, nil
}

func (n *NTFS) ReadDir(p string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensureScanned()
	if path.Clean("/"+p) != "/" {
		return nil, vfs.ErrNotADirectory
	}
	out := make([]string, 0, len(n.entries))
	for name := range n.entries {
		out = append(out, strings.TrimPrefix(name, "/"))
	}
	return out, nil
}

func (n *NTFS) ReadAt(p string, off int64, buf []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensureScanned()
	p = path.Clean("/" + p)
	e, ok := n.entries[p]
	if !ok {
		return 0, vfs.ErrNotFound
	}
	if e.isDir {
		return 0, vfs.ErrIsADirectory
	}
	if e.resident != nil {
		if off >= int64(len(e.resident)) {
			return 0, nil
		}
		return copy(buf, e.resident[off:]), nil
	}
	if e.dataClen == 0 {
		return 0, nil
	}
	runBytes := int64(e.dataClen) * int64(n.clusterSize())
	if off >= runBytes {
		return 0, nil
	}
	base := int64(e.dataLCN) * int64(n.clusterSize())
	want := int64(len(buf))
	if off+want > runBytes {
		want = runBytes - off
	}
	return n.dev.ReadAt(buf[:want], base+off)
}

func (n *NTFS) WriteAt(p string, off int64, buf []byte) (int, error) {
	return 0, vfs.ErrInvalidOperation("ntfs", "write (read-only driver)")
}
func (n *NTFS) Readlink(p string) (string, error) { return "", vfs.ErrInvalidOperation("ntfs", "readlink") }
func (n *NTFS) Symlink(t, l string) error          { return vfs.ErrInvalidOperation("ntfs", "symlink") }
func (n *NTFS) Mkdir(p string) error               { return vfs.ErrInvalidOperation("ntfs", "mkdir (read-only)") }
func (n *NTFS) Unlink(p string) error                { return vfs.ErrInvalidOperation("ntfs", "unlink (read-only)") }
func (n *NTFS) Chmod(p string, m vfs.Mode) error     { return vfs.ErrInvalidOperation("ntfs", "chmod (read-only)") }
func (n *NTFS) Chown(p string, uid, gid int) error   { return vfs.ErrInvalidOperation("ntfs", "chown (read-only)") }

var _ vfs.FileDriver = (*NTFS)(nil)
