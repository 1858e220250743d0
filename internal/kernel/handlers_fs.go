package kernel

import (
	"strings"

	"anyos/internal/errs"
	"anyos/internal/syscall"
	"anyos/internal/vfs"
	"anyos/internal/vma"
)

// resolveFor resolves path against the caller's working directory and runs
// the permission gate with the caller's credentials.
func (k *Kernel) resolveFor(c syscall.Caller, path string, needed vfs.Perm) (vfs.FileDriver, string, vfs.Stat, error) {
	if !strings.HasPrefix(path, "/") {
		if ps, ok := k.proc(c.PID); ok {
			ps.mu.Lock()
			path = ps.cwd + "/" + path
			ps.mu.Unlock()
		}
	}
	drv, rel, st, err := k.mounts.Resolve(path)
	if err != nil {
		return nil, "", vfs.Stat{}, err
	}
	ident := k.identityFor(c.UID)
	if ps, ok := k.proc(c.PID); ok {
		ident = ps.identity
	}
	if needed != 0 {
		if err := vfs.Check(ident, st.UID, st.GID, st.Mode, needed); err != nil {
			return nil, "", vfs.Stat{}, err
		}
	}
	return drv, rel, st, nil
}

func (k *Kernel) fdHandle(c syscall.Caller, fd uint64) (*vfs.FdHandle, *procState, error) {
	ps, ok := k.proc(c.PID)
	if !ok {
		return nil, nil, errs.New(errs.NoSuchProcess, "no process state")
	}
	h, ok := ps.fds.Get(int(fd))
	if !ok {
		return nil, nil, errs.New(errs.NotFound, "bad file descriptor")
	}
	return h, ps, nil
}

func (k *Kernel) registerFSHandlers() {
	// open(pathPtr, pathLen, flags) -> fd
	k.disp.Register(syscall.SysOpen, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		needed := vfs.PermRead
		if a.A2&openWrite != 0 {
			needed = vfs.PermModify
		}
		drv, rel, st, err := k.resolveFor(c, path, needed)
		if err != nil {
			if errs.As(err) == errs.NotFound && a.A2&openCreate != 0 {
				drv, rel, err = k.createFile(c, path)
				if err != nil {
					return errSentinel, err
				}
				st = vfs.Stat{}
			} else {
				return errSentinel, err
			}
		}
		if st.Type == vfs.TypeDirectory && needed == vfs.PermModify {
			return errSentinel, vfs.ErrIsADirectory
		}
		ps, _ := k.proc(c.PID)
		fd := ps.fds.Open(drv, rel, int(a.A2))
		if p, ok := k.sched.Process(c.PID); ok {
			p.SetFdCount(ps.fds.Count())
		}
		return uint64(fd), nil
	})

	k.disp.Register(syscall.SysClose, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "close: no process state")
		}
		if err := ps.fds.Close(int(a.A0)); err != nil {
			return errSentinel, err
		}
		if p, ok := k.sched.Process(c.PID); ok {
			p.SetFdCount(ps.fds.Count())
		}
		return 0, nil
	})

	// read(fd, bufPtr, bufLen) -> bytes read
	k.disp.Register(syscall.SysRead, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		h, _, err := k.fdHandle(c, a.A0)
		if err != nil {
			return errSentinel, err
		}
		if err := k.disp.ValidateUserPointer(c.PID, a.A1, a.A2); err != nil {
			return errSentinel, err
		}
		buf := make([]byte, a.A2)
		n, err := h.Driver.ReadAt(h.Path, h.Position, buf)
		if err != nil {
			return errSentinel, err
		}
		h.Position += int64(n)
		if err := k.copyOut(c, a.A1, buf[:n]); err != nil {
			return errSentinel, err
		}
		if t, ok := k.sched.Thread(c.Tid); ok {
			t.AccountIO(uint64(n), 0)
		}
		return uint64(n), nil
	})

	// write(fd, bufPtr, bufLen) -> bytes written
	k.disp.Register(syscall.SysWrite, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		h, _, err := k.fdHandle(c, a.A0)
		if err != nil {
			return errSentinel, err
		}
		data, err := k.copyIn(c, a.A1, a.A2)
		if err != nil {
			return errSentinel, err
		}
		n, err := h.Driver.WriteAt(h.Path, h.Position, data)
		if err != nil {
			return errSentinel, err
		}
		h.Position += int64(n)
		if t, ok := k.sched.Thread(c.Tid); ok {
			t.AccountIO(0, uint64(n))
		}
		return uint64(n), nil
	})

	// stat(pathPtr, pathLen, bufPtr): fills the 7-word stat buffer.
	k.disp.Register(syscall.SysStat, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		_, _, st, err := k.resolveFor(c, path, 0)
		if err != nil {
			return errSentinel, err
		}
		if err := k.copyOut(c, a.A2, encodeStat(st)); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// lstat: like stat but does not follow a final symlink; resolution of
	// the final component is done against the owning mount directly.
	k.disp.Register(syscall.SysLstat, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		st, err := k.mounts.Lstat(path)
		if err != nil {
			return errSentinel, err
		}
		if err := k.copyOut(c, a.A2, encodeStat(st)); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// readdir(pathPtr, pathLen, bufPtr, bufLen): newline-joined names.
	k.disp.Register(syscall.SysReaddir, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, _, err := k.resolveFor(c, path, vfs.PermRead)
		if err != nil {
			return errSentinel, err
		}
		names, err := drv.ReadDir(rel)
		if err != nil {
			return errSentinel, err
		}
		return k.copyOutBounded(c, a.A2, a.A3, []byte(strings.Join(names, "\n")))
	})

	// readlink(pathPtr, pathLen, bufPtr, bufLen)
	k.disp.Register(syscall.SysReadlink, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, err := k.mounts.ResolveNoFollow(path)
		if err != nil {
			return errSentinel, err
		}
		target, err := drv.Readlink(rel)
		if err != nil {
			return errSentinel, err
		}
		return k.copyOutBounded(c, a.A2, a.A3, []byte(target))
	})

	// symlink(targetPtr, targetLen, linkPtr, linkLen)
	k.disp.Register(syscall.SysSymlink, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		target, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		linkPath, err := k.copyInString(c, a.A2, a.A3)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, err := k.parentChecked(c, linkPath, vfs.PermCreate)
		if err != nil {
			return errSentinel, err
		}
		if err := drv.Symlink(target, rel); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// unlink(pathPtr, pathLen)
	k.disp.Register(syscall.SysUnlink, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, _, err := k.resolveFor(c, path, vfs.PermDelete)
		if err != nil {
			return errSentinel, err
		}
		if err := drv.Unlink(rel); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// mkdir(pathPtr, pathLen): second call on the same path returns Exists
	// without altering state.
	k.disp.Register(syscall.SysMkdir, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, err := k.parentChecked(c, path, vfs.PermCreate)
		if err != nil {
			return errSentinel, err
		}
		if err := drv.Mkdir(rel); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// chmod(pathPtr, pathLen, mode)
	k.disp.Register(syscall.SysChmod, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, _, err := k.resolveFor(c, path, vfs.PermModify)
		if err != nil {
			return errSentinel, err
		}
		if err := drv.Chmod(rel, vfs.Mode(uint16(a.A2))); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// chown(pathPtr, pathLen, uid, gid): root only.
	k.disp.Register(syscall.SysChown, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if c.UID != 0 {
			return errSentinel, vfs.ErrPermissionDenied
		}
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		drv, rel, _, err := k.resolveFor(c, path, 0)
		if err != nil {
			return errSentinel, err
		}
		if err := drv.Chown(rel, int(a.A2), int(a.A3)); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// mmap(length) -> va: anonymous RW mapping at the next free region.
	k.disp.Register(syscall.SysMmap, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if a.A0 == 0 {
			return errSentinel, errs.New(errs.InvalidArgument, "mmap: zero length")
		}
		proc, ok := k.sched.Process(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "mmap: no process")
		}
		ps, _ := k.proc(c.PID)
		length := (a.A0 + 0xFFF) &^ uint64(0xFFF)
		ps.mu.Lock()
		if ps.mmapNext == 0 {
			ps.mmapNext = userMmapBase
		}
		base := ps.mmapNext
		ps.mmapNext += length
		ps.mu.Unlock()
		if err := proc.VMAs.Insert(&vma.Area{Base: base, Limit: base + length, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Anonymous}); err != nil {
			return errSentinel, err
		}
		return base, nil
	})

	// munmap(va): removes the area based at va and returns its pages.
	k.disp.Register(syscall.SysMunmap, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		proc, ok := k.sched.Process(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "munmap: no process")
		}
		area, found := proc.VMAs.Find(a.A0)
		if !found || area.Base != a.A0 {
			return errSentinel, errs.New(errs.BadAddress, "munmap: no area at address")
		}
		proc.VMAs.Remove(area.Base)
		k.releasePageRange(c.PID, area.Base, area.Limit)
		return 0, nil
	})
}

// Flag bits of open()'s third argument.
const (
	openWrite  = 1 << 0
	openCreate = 1 << 1
)

// createFile backs open(O_CREATE) for paths that do not exist yet: a
// zero-length write to the driver materializes the node.
func (k *Kernel) createFile(c syscall.Caller, path string) (vfs.FileDriver, string, error) {
	drv, rel, err := k.parentChecked(c, path, vfs.PermCreate)
	if err != nil {
		return nil, "", err
	}
	if _, err := drv.WriteAt(rel, 0, nil); err != nil {
		return nil, "", err
	}
	return drv, rel, nil
}

// parentChecked resolves path's parent directory, runs the permission gate
// for needed on it, and returns the driver plus the child's mount-relative
// path — the create/delete paths where the *parent's* nibble is consulted.
func (k *Kernel) parentChecked(c syscall.Caller, path string, needed vfs.Perm) (vfs.FileDriver, string, error) {
	path = vfs.Normalize(path)
	parent := "/"
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		parent = path[:i]
	}
	_, _, pst, err := k.mounts.Resolve(parent)
	if err != nil {
		return nil, "", err
	}
	ident := k.identityFor(c.UID)
	if ps, ok := k.proc(c.PID); ok {
		ident = ps.identity
	}
	if err := vfs.Check(ident, pst.UID, pst.GID, pst.Mode, needed); err != nil {
		return nil, "", err
	}
	drv, rel, err := k.mounts.ResolveNoFollow(path)
	if err != nil {
		return nil, "", err
	}
	return drv, rel, nil
}

// releasePageRange unmaps and frees resident pages inside [base, limit)
// after munmap. Unmapping first keeps the deferred page-directory destroy
// from freeing the same frames again at process exit.
func (k *Kernel) releasePageRange(pid uint64, base, limit uint64) {
	ps, ok := k.proc(pid)
	if !ok {
		return
	}
	proc, haveProc := k.sched.Process(pid)
	ps.mu.Lock()
	type doomedPage struct {
		va   uint64
		page *userPage
	}
	var doomed []doomedPage
	for va, page := range ps.mem {
		if va >= base && va < limit {
			doomed = append(doomed, doomedPage{va, page})
			delete(ps.mem, va)
		}
	}
	ps.mu.Unlock()
	for _, d := range doomed {
		if haveProc {
			k.vm.Unmap(proc.PageTable, d.va)
		}
		d.page.refs--
		// A fork sharer's page table may still map this frame; in that
		// case the last sharer's page-directory destroy returns it.
		if d.page.refs == 0 && !k.vm.FrameMapped(d.page.frame) {
			k.frames.Free(d.page.frame)
		}
	}
}
