package fsdrivers

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"anyos/internal/vfs"
)

func TestDevFSRegisterAndReadWrite(t *testing.T) {
	d := NewDevFS(nil)
	var stored []byte
	d.Register("/fb0", "framebuffer", 1,
		func(off int64, buf []byte) (int, error) { return copy(buf, stored), nil },
		func(off int64, buf []byte) (int, error) { stored = append([]byte(nil), buf...); return len(buf), nil })

	st, err := d.Lookup("/fb0")
	if err != nil || st.Type != vfs.TypeDevice {
		t.Fatalf("Lookup(/fb0) = %+v, %v", st, err)
	}
	n, err := d.WriteAt("/fb0", 0, []byte("pixels"))
	if err != nil || n != 6 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	out := make([]byte, 6)
	n, err = d.ReadAt("/fb0", 0, out)
	if err != nil || string(out[:n]) != "pixels" {
		t.Fatalf("ReadAt = %q, %v", out[:n], err)
	}

	devs := d.List()
	if len(devs) != 1 || devs[0].Driver != "framebuffer" {
		t.Fatalf("List() = %+v", devs)
	}
}

func TestDevFSUnregisteredPathNotFound(t *testing.T) {
	d := NewDevFS(nil)
	if _, err := d.Lookup("/nope"); err == nil {
		t.Fatalf("Lookup of unregistered device should fail")
	}
}

// buildFAT16Image constructs a minimal in-memory FAT16 disk image with a
// single root-directory file "HELLO.TXT" containing payload.
func buildFAT16Image(payload []byte) []byte {
	const bytesPerSec = 512
	const secPerClus = 1
	const reservedSecs = 1
	const numFATs = 1
	const rootEntries = 16
	const fatSize = 1

	img := make([]byte, bytesPerSec*64)
	binary.LittleEndian.PutUint16(img[11:13], bytesPerSec)
	img[13] = secPerClus
	binary.LittleEndian.PutUint16(img[14:16], reservedSecs)
	img[16] = numFATs
	binary.LittleEndian.PutUint16(img[17:19], rootEntries)
	binary.LittleEndian.PutUint16(img[19:21], 64)
	binary.LittleEndian.PutUint16(img[22:24], fatSize) // FATSize16 != 0 -> FAT16

	rootDirSector := reservedSecs + numFATs*fatSize
	dirOff := rootDirSector * bytesPerSec
	name := []byte("HELLO   TXT")
	copy(img[dirOff:dirOff+11], name)
	img[dirOff+11] = 0x20 // archive attribute
	binary.LittleEndian.PutUint16(img[dirOff+26:dirOff+28], 2) // first cluster = 2
	binary.LittleEndian.PutUint32(img[dirOff+28:dirOff+32], uint32(len(payload)))

	rootDirBytes := rootEntries * 32
	rootDirSectors := (rootDirBytes + bytesPerSec - 1) / bytesPerSec
	dataStartSector := rootDirSector + rootDirSectors
	dataOff := dataStartSector * bytesPerSec
	copy(img[dataOff:], payload)

	// Chain consecutive clusters in the FAT for payloads larger than one
	// cluster; the last link gets the FAT16 end-of-chain marker.
	fatOff := reservedSecs * bytesPerSec
	numClusters := (len(payload) + bytesPerSec - 1) / bytesPerSec
	if numClusters < 1 {
		numClusters = 1
	}
	for i := 0; i < numClusters; i++ {
		cluster := 2 + i
		next := uint16(0xFFFF)
		if i < numClusters-1 {
			next = uint16(cluster + 1)
		}
		binary.LittleEndian.PutUint16(img[fatOff+cluster*2:fatOff+cluster*2+2], next)
	}
	return img
}

func TestFATReadFile(t *testing.T) {
	img := buildFAT16Image([]byte("hello fat"))
	f, err := OpenFAT(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenFAT: %v", err)
	}
	st, err := f.Lookup("/HELLO.TXT")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if st.Type != vfs.TypeFile || st.Size != 9 {
		t.Fatalf("Lookup stat = %+v", st)
	}
	buf := make([]byte, 9)
	n, err := f.ReadAt("/HELLO.TXT", 0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:n]) != "hello fat" {
		t.Fatalf("ReadAt = %q", buf[:n])
	}
}

func TestFATReadDirListsEntry(t *testing.T) {
	img := buildFAT16Image([]byte("x"))
	f, _ := OpenFAT(bytes.NewReader(img))
	names, err := f.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "HELLO.TXT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ReadDir(/) = %v, want HELLO.TXT present", names)
	}
}

func TestFATWriteUnsupported(t *testing.T) {
	img := buildFAT16Image([]byte("x"))
	f, _ := OpenFAT(bytes.NewReader(img))
	if _, err := f.WriteAt("/HELLO.TXT", 0, []byte("y")); err == nil {
		t.Fatalf("WriteAt should fail on a read-only FAT driver")
	}
}

func TestOpenNTFSRejectsNonNTFSImage(t *testing.T) {
	img := make([]byte, 512)
	if _, err := OpenNTFS(bytes.NewReader(img)); err == nil {
		t.Fatalf("OpenNTFS should reject an image without the NTFS OEM id")
	}
}

func TestOpenNTFSParsesBootSector(t *testing.T) {
	img := make([]byte, 512)
	copy(img[3:11], []byte("NTFS    "))
	binary.LittleEndian.PutUint16(img[11:13], 512)
	img[13] = 8                                         // sectors per cluster
	binary.LittleEndian.PutUint64(img[48:56], 4)         // $MFT starts at cluster 4
	clustersPerRecordRaw := int8(-10)
	img[64] = byte(clustersPerRecordRaw)                  // 2^10 = 1024-byte MFT records
	n, err := OpenNTFS(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenNTFS: %v", err)
	}
	if n.mftRecordSz != 1024 {
		t.Fatalf("mftRecordSz = %d, want 1024", n.mftRecordSz)
	}
	if n.mftCluster != 4 {
		t.Fatalf("mftCluster = %d, want 4", n.mftCluster)
	}
}

func TestRamFSMkdirWriteReadRoundTrip(t *testing.T) {
	r := NewRamFS()
	if err := r.Mkdir("/home"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := r.Mkdir("/home"); !errors.Is(err, vfs.ErrExists) {
		t.Fatalf("second Mkdir = %v, want Exists", err)
	}

	payload := []byte("persistent state")
	if _, err := r.WriteAt("/home/state", 0, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := r.ReadAt("/home/state", 0, out)
	if err != nil || !bytes.Equal(out[:n], payload) {
		t.Fatalf("ReadAt = %q, %v", out[:n], err)
	}

	names, err := r.ReadDir("/home")
	if err != nil || len(names) != 1 || names[0] != "state" {
		t.Fatalf("ReadDir = %v, %v", names, err)
	}
}

func TestRamFSChmodChownVisibleInLookup(t *testing.T) {
	r := NewRamFS()
	if _, err := r.WriteAt("/f", 0, []byte("x")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	mode := vfs.NewMode(vfs.PermRead|vfs.PermModify, vfs.PermRead, 0)
	if err := r.Chmod("/f", mode); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := r.Chown("/f", 1000, 5); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	st, err := r.Lookup("/f")
	if err != nil || st.Mode != mode || st.UID != 1000 || st.GID != 5 {
		t.Fatalf("Lookup after chmod/chown = %+v, %v", st, err)
	}
}

func TestRamFSSymlinkAndUnlink(t *testing.T) {
	r := NewRamFS()
	if _, err := r.WriteAt("/target", 0, []byte("t")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := r.Symlink("/target", "/link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	got, err := r.Readlink("/link")
	if err != nil || got != "/target" {
		t.Fatalf("Readlink = %q, %v", got, err)
	}

	if err := r.Mkdir("/dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := r.WriteAt("/dir/child", 0, []byte("c")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := r.Unlink("/dir"); !errors.Is(err, vfs.ErrBusyResource) {
		t.Fatalf("Unlink of non-empty dir = %v, want BusyResource", err)
	}
	if err := r.Unlink("/dir/child"); err != nil {
		t.Fatalf("Unlink child: %v", err)
	}
	if err := r.Unlink("/dir"); err != nil {
		t.Fatalf("Unlink empty dir: %v", err)
	}
}

func TestFATReadSpansClusterChain(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 80) // 1280 bytes, 3 clusters
	img := buildFAT16Image(payload)
	f, err := OpenFAT(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenFAT: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := f.ReadAt("/HELLO.TXT", 0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf[:n], payload) {
		t.Fatalf("chain read = %d bytes, mismatch at full length %d", n, len(payload))
	}

	// An offset landing in the second cluster follows the chain there.
	tail := make([]byte, 32)
	n, err = f.ReadAt("/HELLO.TXT", 700, tail)
	if err != nil {
		t.Fatalf("ReadAt(700): %v", err)
	}
	if n != 32 || !bytes.Equal(tail, payload[700:732]) {
		t.Fatalf("offset read across cluster boundary = %q", tail[:n])
	}
}
