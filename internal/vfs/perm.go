// Package vfs implements mount points, path resolution with permission
// checks, a per-process fd table, and a devfs/procfs-style view. Modes are
// anyOS's own owner/group/other nibbles of {R=1, M=2, D=4, C=8}, not Unix
// rwxrwxrwx bits; the check is named constants plus small pure functions,
// not a general ACL engine.
package vfs

// Perm is one of the four permission bits a nibble can carry.
type Perm uint8

const (
	PermRead   Perm = 1 << iota // R
	PermModify                  // M
	PermDelete                  // D
	PermCreate                  // C
)

// Mode is the 12-bit owner/group/other mode: three nibbles, each a Perm
// bitmask.
type Mode uint16

func NewMode(owner, group, other Perm) Mode {
	return Mode(uint16(owner)<<8 | uint16(group)<<4 | uint16(other))
}

func (m Mode) Owner() Perm { return Perm((m >> 8) & 0xF) }
func (m Mode) Group() Perm { return Perm((m >> 4) & 0xF) }
func (m Mode) Other() Perm { return Perm(m & 0xF) }

// Identity is the caller's credentials consulted by the permission gate.
type Identity struct {
	UID    int
	Groups []int
}

func (id Identity) inGroup(gid int) bool {
	for _, g := range id.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// Check implements the permission rule: uid 0 is always allowed;
// otherwise the owner/group/other nibble is selected by matching uid, then
// group membership, then falling through to other; needed must be a subset
// of the selected nibble.
func Check(caller Identity, fileUID, fileGID int, mode Mode, needed Perm) error {
	if caller.UID == 0 {
		return nil
	}
	var nibble Perm
	switch {
	case caller.UID == fileUID:
		nibble = mode.Owner()
	case caller.inGroup(fileGID):
		nibble = mode.Group()
	default:
		nibble = mode.Other()
	}
	if needed&^nibble != 0 {
		return ErrPermissionDenied
	}
	return nil
}
