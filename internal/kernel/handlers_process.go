package kernel

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"anyos/internal/errs"
	"anyos/internal/sched"
	"anyos/internal/syscall"
	"anyos/internal/vfs"
	"anyos/internal/vma"
)

func (k *Kernel) currentThread(c syscall.Caller) (*sched.Thread, error) {
	t, ok := k.sched.Thread(c.Tid)
	if !ok {
		return nil, errs.New(errs.NoSuchProcess, "no such thread")
	}
	return t, nil
}

// releaseHooksFor builds the exit-time cleanup closures: fds, shm
// participations, IPC subscriptions, plus the kernel's own page store.
func (k *Kernel) releaseHooksFor(pid uint64) sched.ReleaseHooks {
	return sched.ReleaseHooks{
		ReleaseFds: func(uint64) {
			if ps, ok := k.proc(pid); ok {
				ps.fds.CloseAll()
			}
			if p, ok := k.sched.Process(pid); ok {
				p.SetFdCount(0)
			}
		},
		ReleaseShm: func(uint64) {
			p, ok := k.sched.Process(pid)
			if !ok {
				return
			}
			ids := p.ShmParticipations()
			k.shm.ReleaseProcess(pid, ids)
			for _, id := range ids {
				p.RemoveShmParticipation(id)
			}
		},
		ReleaseSubscriptions: func(uint64) {
			ps, ok := k.proc(pid)
			if !ok {
				return
			}
			ps.mu.Lock()
			subs := ps.subIDs
			ps.subIDs = nil
			ps.mu.Unlock()
			for _, sub := range subs {
				k.events.ReleaseSubscriptions(sub)
			}
		},
	}
}

// exitThread runs the full exit path for t with code, then reclaims the
// kernel-side page store once the process is gone.
func (k *Kernel) exitThread(t *sched.Thread, code int) {
	pid := t.ProcessID
	proc, _ := k.sched.Process(pid)
	k.sched.Exit(t, code, k.releaseHooksFor(pid))
	if proc != nil && proc.IsZombie() {
		k.releaseMemory(pid)
		k.events.Open("sys:events").Emit([]byte(fmt.Sprintf("process-exited %d %d", pid, code)))
	}
}

func (k *Kernel) registerProcessHandlers() {
	// exit(code): never returns to the caller's instruction stream.
	k.disp.Register(syscall.SysExit, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		t, err := k.currentThread(c)
		if err != nil {
			return errSentinel, err
		}
		k.exitThread(t, int(int32(uint32(a.A0))))
		return 0, nil
	})

	k.disp.Register(syscall.SysGetpid, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return c.PID, nil
	})

	// yield: voluntary reschedule on the caller's CPU.
	k.disp.Register(syscall.SysYield, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		for cpu := 0; cpu < k.machine.NumCPUs(); cpu++ {
			if cur := k.sched.Current(cpu); cur != nil && cur.Tid == c.Tid {
				k.sched.Reschedule(cpu)
				break
			}
		}
		return 0, nil
	})

	// sleep(ticks): park on the sorted deadline list until the timer wakes
	// us. Interruptible.
	k.disp.Register(syscall.SysSleep, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		t, err := k.currentThread(c)
		if err != nil {
			return errSentinel, err
		}
		if t.PendingUnmasked() != 0 && sched.Interruptible(sched.SyscallSleepUntil) {
			return errSentinel, errs.New(errs.Interrupted, "sleep: signal pending")
		}
		deadline := time.Now().Add(time.Duration(a.A0) * time.Second / TickHz)
		ch := k.sched.SleepUntil(t, deadline)
		select {
		case <-ch:
			return 0, nil
		case <-k.stopCh:
			return errSentinel, errs.New(errs.Interrupted, "sleep: kernel stopping")
		}
	})

	// sbrk(delta): grows (or shrinks) the heap VMA, returning the old break.
	k.disp.Register(syscall.SysSbrk, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "sbrk: no process state")
		}
		proc, ok := k.sched.Process(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "sbrk: no process")
		}
		delta := int64(a.A0)
		ps.mu.Lock()
		old := ps.brk
		newBrk := uint64(int64(old) + delta)
		if newBrk < userHeapBase {
			ps.mu.Unlock()
			return errSentinel, errs.New(errs.InvalidArgument, "sbrk: break below heap base")
		}
		ps.brk = newBrk
		ps.mu.Unlock()
		if area, ok := proc.VMAs.Find(userHeapBase); ok && newBrk > area.Limit {
			area.Limit = newBrk
		}
		return old, nil
	})

	// fork(): child returns 0, parent returns the child's tid; the pair's
	// return values sum to the child tid.
	k.disp.Register(syscall.SysFork, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		parent, err := k.currentThread(c)
		if err != nil {
			return errSentinel, err
		}
		child, childPID, err := k.sched.Fork(parent, ^uint64(0), ^uint64(0))
		if err != nil {
			return errSentinel, err
		}
		childProc, _ := k.sched.Process(childPID)
		cs := k.forkMemory(c.PID, childProc)
		cs.mu.Lock()
		cs.forkReturn = 0
		cs.mu.Unlock()
		k.Dmesg(fmt.Sprintf("fork: %d -> %d (tid %d)", c.PID, childPID, child.Tid))
		return child.Tid, nil
	})

	// exec(path, pathLen): replaces the process image in place; fds and pid
	// survive, memory and VMAs are rebuilt.
	k.disp.Register(syscall.SysExec, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		_, _, st, err := k.mounts.Resolve(path)
		if err != nil {
			return errSentinel, err
		}
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "exec: no process state")
		}
		if err := vfs.Check(ps.identity, st.UID, st.GID, st.Mode, vfs.PermRead); err != nil {
			return errSentinel, err
		}
		proc, _ := k.sched.Process(c.PID)
		// The old image's pages are unmapped from the still-live page
		// table, not just dropped from the page store.
		k.releasePageRange(c.PID, 0, ^uint64(0))
		for _, area := range proc.VMAs.Snapshot() {
			proc.VMAs.Remove(area.Base)
		}
		_ = proc.VMAs.Insert(&vma.Area{Base: userCodeBase, Limit: userCodeBase + userCodeSize, Prot: vma.ProtRead | vma.ProtExec, Kind: vma.FileBacked})
		_ = proc.VMAs.Insert(&vma.Area{Base: userHeapBase, Limit: userHeapBase + userHeapInit, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Anonymous})
		_ = proc.VMAs.Insert(&vma.Area{Base: userStackBase, Limit: userStackBase + userStackSize, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Anonymous})
		ps.mu.Lock()
		ps.args = []string{path}
		ps.brk = userHeapBase + userHeapInit
		ps.mu.Unlock()
		if t, ok := k.sched.Thread(c.Tid); ok {
			t.Name = path
		}
		return 0, nil
	})

	// waitpid(tid): blocks until the child is a Zombie, reaps it, returns
	// the exit code; a second call returns ChildNotFound.
	k.disp.Register(syscall.SysWaitpid, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		code, err := k.sched.Waitpid(a.A0)
		if err != nil {
			return errSentinel, err
		}
		return uint64(uint32(code)), nil
	})

	// kill(tid): asynchronous; the target is Dead at its next scheduling
	// point. kill(self) terminates the caller immediately.
	k.disp.Register(syscall.SysKill, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		target, ok := k.sched.Thread(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "kill: no such thread")
		}
		if ps, ok := k.proc(target.ProcessID); ok && ps.isCritical() && c.UID != 0 {
			return errSentinel, errs.New(errs.PermissionDenied, "kill: target is critical")
		}
		target.Raise(sched.SIGKILL)
		if target.State() == sched.Running && a.A0 != c.Tid {
			k.sched.KillRemote(target, k.releaseHooksFor(target.ProcessID))
			return 0, nil
		}
		k.exitThread(target, 137)
		return 0, nil
	})

	// spawn(path, pathLen, argsPtr, argsLen): loads the binary named by
	// path into a fresh process at DefaultPriority.
	k.disp.Register(syscall.SysSpawn, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		var argv []string
		if a.A3 > 0 {
			raw, err := k.copyIn(c, a.A2, a.A3)
			if err != nil {
				return errSentinel, err
			}
			argv = strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		}
		tid, err := k.SpawnProcess(c.UID, path, argv)
		if err != nil {
			return errSentinel, err
		}
		return tid, nil
	})

	k.disp.Register(syscall.SysSetPriority, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		t, ok := k.sched.Thread(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "set_priority: no such thread")
		}
		p := int(a.A1)
		if p < 0 || p >= sched.NumPriorities {
			return errSentinel, errs.New(errs.InvalidArgument, "set_priority: out of range")
		}
		t.SetPriority(p)
		return 0, nil
	})

	// getargs(buf, bufLen): argv joined by NUL, truncated to the buffer.
	k.disp.Register(syscall.SysGetargs, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "getargs: no process state")
		}
		ps.mu.Lock()
		joined := strings.Join(ps.args, "\x00")
		ps.mu.Unlock()
		return k.copyOutBounded(c, a.A0, a.A1, []byte(joined))
	})

	// setenv(keyPtr, keyLen, valPtr, valLen)
	k.disp.Register(syscall.SysSetenv, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		key, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		val, err := k.copyInString(c, a.A2, a.A3)
		if err != nil {
			return errSentinel, err
		}
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "setenv: no process state")
		}
		ps.mu.Lock()
		ps.env[key] = val
		ps.mu.Unlock()
		return 0, nil
	})

	// getenv(keyPtr, keyLen, bufPtr, bufLen)
	k.disp.Register(syscall.SysGetenv, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		key, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "getenv: no process state")
		}
		ps.mu.Lock()
		val, exists := ps.env[key]
		ps.mu.Unlock()
		if !exists {
			return errSentinel, errs.New(errs.NotFound, "getenv: unset")
		}
		return k.copyOutBounded(c, a.A2, a.A3, []byte(val))
	})

	// listenv(bufPtr, bufLen): KEY=VALUE lines.
	k.disp.Register(syscall.SysListenv, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "listenv: no process state")
		}
		ps.mu.Lock()
		keys := make([]string, 0, len(ps.env))
		for key := range ps.env {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, key := range keys {
			fmt.Fprintf(&b, "%s=%s\n", key, ps.env[key])
		}
		ps.mu.Unlock()
		return k.copyOutBounded(c, a.A0, a.A1, []byte(b.String()))
	})

	// chdir(pathPtr, pathLen)
	k.disp.Register(syscall.SysChdir, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		path, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		_, _, st, err := k.mounts.Resolve(path)
		if err != nil {
			return errSentinel, err
		}
		if st.Type != vfs.TypeDirectory {
			return errSentinel, vfs.ErrNotADirectory
		}
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "chdir: no process state")
		}
		ps.mu.Lock()
		ps.cwd = vfs.Normalize(path)
		ps.mu.Unlock()
		return 0, nil
	})

	// getcwd(bufPtr, bufLen)
	k.disp.Register(syscall.SysGetcwd, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "getcwd: no process state")
		}
		ps.mu.Lock()
		cwd := ps.cwd
		ps.mu.Unlock()
		return k.copyOutBounded(c, a.A0, a.A1, []byte(cwd))
	})
}

// SpawnProcess is the loader half of spawn(): path-existence and
// permission checks against the VFS, then scheduler bookkeeping plus the
// standard image layout. Exposed for cmd/anyosd's startup list.
func (k *Kernel) SpawnProcess(uid int, path string, argv []string) (uint64, error) {
	_, _, st, err := k.mounts.Resolve(path)
	if err != nil {
		return 0, err
	}
	ident := k.identityFor(uid)
	if err := vfs.Check(ident, st.UID, st.GID, st.Mode, vfs.PermRead); err != nil {
		return 0, err
	}
	proc, t := k.sched.Spawn(uid, userCodeBase, path, ^uint64(0), 0)
	ps := k.newProcState(proc, append([]string{path}, argv...), ident)
	ps.mu.Lock()
	ps.forkReturn = t.Tid
	ps.mu.Unlock()
	k.events.Open("sys:events").Emit([]byte(fmt.Sprintf("process-spawned %d %s", proc.PID, path)))
	k.Dmesg(fmt.Sprintf("spawn: pid %d tid %d %s", proc.PID, t.Tid, path))
	return t.Tid, nil
}

func (k *Kernel) identityFor(uid int) vfs.Identity {
	k.usersMu.Lock()
	defer k.usersMu.Unlock()
	if u, ok := k.users[uid]; ok {
		return vfs.Identity{UID: uid, Groups: u.groups}
	}
	return vfs.Identity{UID: uid}
}

func (ps *procState) isCritical() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.critical
}

// copyOutBounded writes data truncated to a bufLen-byte user buffer and
// returns the number of bytes written — the common "fill caller's buffer"
// return convention.
func (k *Kernel) copyOutBounded(c syscall.Caller, va, bufLen uint64, data []byte) (uint64, error) {
	if uint64(len(data)) > bufLen {
		data = data[:bufLen]
	}
	if err := k.copyOut(c, va, data); err != nil {
		return errSentinel, err
	}
	return uint64(len(data)), nil
}
