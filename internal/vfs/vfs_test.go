package vfs

import "testing"

func TestPermCheckOwnerGroupOther(t *testing.T) {
	mode := NewMode(PermRead|PermModify, PermRead, 0)

	if err := Check(Identity{UID: 1}, 1, 10, mode, PermModify); err != nil {
		t.Fatalf("owner modify: %v", err)
	}
	if err := Check(Identity{UID: 2, Groups: []int{10}}, 1, 10, mode, PermRead); err != nil {
		t.Fatalf("group read: %v", err)
	}
	if err := Check(Identity{UID: 2, Groups: []int{10}}, 1, 10, mode, PermModify); err == nil {
		t.Fatalf("group modify should be denied")
	}
	if err := Check(Identity{UID: 3}, 1, 10, mode, PermRead); err == nil {
		t.Fatalf("other read should be denied (mode grants nothing to other)")
	}
}

func TestPermCheckRootBypasses(t *testing.T) {
	mode := NewMode(0, 0, 0)
	if err := Check(Identity{UID: 0}, 5, 5, mode, PermDelete); err != nil {
		t.Fatalf("uid 0 should bypass all checks: %v", err)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/a/./b//c": "/a/b/c",
		"/a/../b":   "/b",
		"":          "/",
		"rel/path":  "/rel/path",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

type memDriver struct {
	files map[string]Stat
	links map[string]string
}

func newMemDriver() *memDriver {
	return &memDriver{files: make(map[string]Stat), links: make(map[string]string)}
}

func (d *memDriver) Lookup(p string) (Stat, error) {
	if st, ok := d.files[p]; ok {
		return st, nil
	}
	return Stat{}, ErrNotFound
}
func (d *memDriver) ReadDir(p string) ([]string, error)            { return nil, nil }
func (d *memDriver) ReadAt(p string, off int64, b []byte) (int, error) { return 0, nil }
func (d *memDriver) WriteAt(p string, off int64, b []byte) (int, error) { return 0, nil }
func (d *memDriver) Readlink(p string) (string, error) {
	if t, ok := d.links[p]; ok {
		return t, nil
	}
	return "", ErrNotFound
}
func (d *memDriver) Symlink(target, linkPath string) error {
	d.links[linkPath] = target
	d.files[linkPath] = Stat{Type: TypeSymlink}
	return nil
}
func (d *memDriver) Mkdir(p string) error {
	if _, ok := d.files[p]; ok {
		return ErrExists
	}
	d.files[p] = Stat{Type: TypeDirectory}
	return nil
}
func (d *memDriver) Unlink(p string) error { delete(d.files, p); return nil }
func (d *memDriver) Chmod(p string, m Mode) error {
	st := d.files[p]
	st.Mode = m
	d.files[p] = st
	return nil
}
func (d *memDriver) Chown(p string, uid, gid int) error {
	st := d.files[p]
	st.UID, st.GID = uid, gid
	d.files[p] = st
	return nil
}

func TestMountResolveLongestPrefix(t *testing.T) {
	m := NewMount(nil)
	root := newMemDriver()
	root.files["/"] = Stat{Type: TypeDirectory}
	root.files["/etc"] = Stat{Type: TypeFile}
	sub := newMemDriver()
	sub.files["/"] = Stat{Type: TypeDirectory}

	if err := m.MountFS("root0", "/", root); err != nil {
		t.Fatalf("mount /: %v", err)
	}
	if err := m.MountFS("dev0", "/System/compositor", sub); err != nil {
		t.Fatalf("mount /System/compositor: %v", err)
	}

	_, rel, st, err := m.Resolve("/System/compositor")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rel != "/" || st.Type != TypeDirectory {
		t.Fatalf("Resolve picked wrong mount: rel=%q st=%+v", rel, st)
	}

	_, rel, _, err = m.Resolve("/etc")
	if err != nil {
		t.Fatalf("Resolve /etc: %v", err)
	}
	if rel != "/etc" {
		t.Fatalf("Resolve /etc rel = %q, want /etc", rel)
	}
}

func TestMkdirExistsDoesNotAlterState(t *testing.T) {
	d := newMemDriver()
	d.files["/"] = Stat{Type: TypeDirectory}
	if err := d.Mkdir("/a"); err != nil {
		t.Fatalf("first mkdir: %v", err)
	}
	before := d.files["/a"]
	if err := d.Mkdir("/a"); err == nil {
		t.Fatalf("second mkdir should fail with Exists")
	}
	if d.files["/a"] != before {
		t.Fatalf("second mkdir altered existing entry")
	}
}

func TestFdTableDupAndClone(t *testing.T) {
	tbl := NewFdTable()
	drv := newMemDriver()
	fd := tbl.Open(drv, "/a", 0)
	dup, err := tbl.Dup(fd)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if dup == fd {
		t.Fatalf("Dup returned same fd number")
	}
	clone := tbl.Clone()
	if clone.Count() != tbl.Count() {
		t.Fatalf("clone count %d != original %d", clone.Count(), tbl.Count())
	}
	tbl.CloseAll()
	if tbl.Count() != 0 {
		t.Fatalf("CloseAll left %d fds open", tbl.Count())
	}
	if clone.Count() == 0 {
		t.Fatalf("clone fd table affected by original's CloseAll")
	}
}

func TestUmountBusyWithOpenFds(t *testing.T) {
	m := NewMount(nil)
	drv := newMemDriver()
	drv.files["/"] = Stat{Type: TypeDirectory}
	if err := m.MountFS("dev0", "/mnt", drv); err != nil {
		t.Fatalf("mount: %v", err)
	}
	m.mu.Lock()
	m.mounts[0].openFds.Add(1)
	m.mu.Unlock()
	if err := m.Umount("/mnt"); err == nil {
		t.Fatalf("Umount with open fds should fail")
	}
}
