package kernel

import (
	"anyos/internal/errs"
	"anyos/internal/ipc"
	"anyos/internal/pmm"
	"anyos/internal/sched"
	"anyos/internal/syscall"
	"anyos/internal/vfs"
	"anyos/internal/vma"
	"anyos/internal/vmm"
)

// userPage is one demand-paged 4 KiB page of a process image. Fork shares
// pages between parent and child by reference; refs > 1 means a write must
// break the sharing first (copy-on-write).
type userPage struct {
	frame pmm.Frame
	data  []byte
	refs  int
}

// Default image layout for spawned processes: a code region at the
// canonical load address, a heap above it, a stack high in the user half.
const (
	userCodeBase  = 0x0040_0000
	userCodeSize  = 0x0010_0000
	userHeapBase  = 0x0060_0000
	userHeapInit  = 0x0001_0000
	userStackBase = 0x7ffe_0000
	userStackSize = 0x0002_0000
	userMmapBase  = 0x1000_0000
)

func (k *Kernel) proc(pid uint64) (*procState, bool) {
	k.procMu.Lock()
	defer k.procMu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// newProcState builds the kernel-side record plus the standard VMA layout
// for a fresh process.
func (k *Kernel) newProcState(p *sched.Process, args []string, identity vfs.Identity) *procState {
	ps := &procState{
		pid:      p.PID,
		fds:      vfs.NewFdTable(),
		identity: identity,
		args:     args,
		env:      make(map[string]string),
		cwd:      "/",
		brk:      userHeapBase + userHeapInit,
		mem:      make(map[uint64]*userPage),
		dlls:     make(map[string]uint64),
	}
	_ = p.VMAs.Insert(&vma.Area{Base: userCodeBase, Limit: userCodeBase + userCodeSize, Prot: vma.ProtRead | vma.ProtExec, Kind: vma.FileBacked})
	_ = p.VMAs.Insert(&vma.Area{Base: userHeapBase, Limit: userHeapBase + userHeapInit, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Anonymous})
	_ = p.VMAs.Insert(&vma.Area{Base: userStackBase, Limit: userStackBase + userStackSize, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Anonymous})
	k.procMu.Lock()
	k.procs[p.PID] = ps
	k.procMu.Unlock()
	return ps
}

// fault services a page fault on (pid, va): classify against the VMA list,
// then allocate-and-zero, break COW, or fail SIGSEGV-equivalent with
// BadAddress. The returned page is resident.
func (k *Kernel) fault(pid uint64, va uint64, write bool) (*userPage, *vma.Area, error) {
	proc, ok := k.sched.Process(pid)
	if !ok {
		return nil, nil, errs.New(errs.NoSuchProcess, "fault: no such process")
	}
	ps, ok := k.proc(pid)
	if !ok {
		return nil, nil, errs.New(errs.NoSuchProcess, "fault: no process state")
	}

	decision, area := proc.VMAs.Classify(va, write)
	pageVA := va &^ (pmm.FrameSize - 1)

	switch decision {
	case vma.FaultSIGSEGV:
		return nil, area, errs.New(errs.BadAddress, "fault: unmapped or protection violation")
	case vma.FaultMMIOMap:
		// Shm and device areas are serviced by the caller against the
		// backing object directly; no anonymous page exists for them.
		return nil, area, nil
	}

	ps.mu.Lock()
	page, resident := ps.mem[pageVA]
	ps.mu.Unlock()

	// Classify's FaultCOWResolve routes every write in a fork-tagged area
	// here; the break itself is per page. A page whose refcount already
	// dropped back to one has no sharing left to break and is written in
	// place.
	if resident && decision == vma.FaultCOWResolve && page.refs > 1 {
		// Break the sharing: one fresh frame, contents copied, old page
		// unreferenced. The old frame stays with the remaining sharers.
		frame, err := k.frames.Allocate()
		if err != nil {
			return nil, area, err
		}
		fresh := &userPage{frame: frame, data: make([]byte, pmm.FrameSize), refs: 1}
		copy(fresh.data, page.data)
		ps.mu.Lock()
		page.refs--
		ps.mem[pageVA] = fresh
		ps.mu.Unlock()
		k.mapUserPage(proc, pageVA, frame, area)
		return fresh, area, nil
	}
	if resident {
		// Map-on-touch: a fork-shared page lives in the sharer's page
		// store before the sharer's own page table maps it; installing the
		// PTE here keeps the vmm's per-frame sharer count authoritative
		// for deferred destruction.
		k.mapUserPage(proc, pageVA, page.frame, area)
		return page, area, nil
	}

	frame, err := k.frames.Allocate()
	if err != nil {
		return nil, area, err
	}
	page = &userPage{frame: frame, data: make([]byte, pmm.FrameSize), refs: 1}
	ps.mu.Lock()
	ps.mem[pageVA] = page
	ps.mu.Unlock()
	k.mapUserPage(proc, pageVA, frame, area)
	return page, area, nil
}

func (k *Kernel) mapUserPage(proc *sched.Process, pageVA uint64, frame pmm.Frame, area *vma.Area) {
	flags := vmm.FlagRead | vmm.FlagUser
	if area != nil && area.Prot&vma.ProtWrite != 0 {
		flags |= vmm.FlagWrite
	}
	if area != nil && area.Prot&vma.ProtExec != 0 {
		flags |= vmm.FlagExec
	}
	_ = k.vm.MapPage(proc.PageTable, pageVA, frame, flags)
}

// copyIn reads length bytes of user memory at va, validating the pointer
// against the caller's VMAs first — an invalid pointer yields BadAddress,
// never a kernel fault.
func (k *Kernel) copyIn(c syscall.Caller, va uint64, length uint64) ([]byte, error) {
	if err := k.disp.ValidateUserPointer(c.PID, va, length); err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for off := uint64(0); off < length; {
		cur := va + off
		page, area, err := k.fault(c.PID, cur, false)
		if err != nil {
			return nil, err
		}
		pageVA := cur &^ (pmm.FrameSize - 1)
		inPage := cur - pageVA
		n := pmm.FrameSize - inPage
		if n > length-off {
			n = length - off
		}
		if page != nil {
			out = append(out, page.data[inPage:inPage+n]...)
		} else if seg := k.shmAt(area); seg != nil {
			segOff := cur - area.Base
			out = append(out, seg.Bytes()[segOff:segOff+n]...)
		} else {
			return nil, errs.New(errs.BadAddress, "copyin: unbacked device area")
		}
		off += n
	}
	return out, nil
}

// copyOut writes data to user memory at va with the same validation.
func (k *Kernel) copyOut(c syscall.Caller, va uint64, data []byte) error {
	length := uint64(len(data))
	if err := k.disp.ValidateUserPointer(c.PID, va, length); err != nil {
		return err
	}
	for off := uint64(0); off < length; {
		cur := va + off
		page, area, err := k.fault(c.PID, cur, true)
		if err != nil {
			return err
		}
		pageVA := cur &^ (pmm.FrameSize - 1)
		inPage := cur - pageVA
		n := pmm.FrameSize - inPage
		if n > length-off {
			n = length - off
		}
		if page != nil {
			copy(page.data[inPage:inPage+n], data[off:off+n])
		} else if seg := k.shmAt(area); seg != nil {
			segOff := cur - area.Base
			copy(seg.Bytes()[segOff:segOff+n], data[off:off+n])
		} else {
			return errs.New(errs.BadAddress, "copyout: unbacked device area")
		}
		off += n
	}
	return nil
}

func (k *Kernel) shmAt(area *vma.Area) *ipc.Segment {
	if area == nil || area.Kind != vma.Shm {
		return nil
	}
	seg, ok := k.shm.Lookup(area.ShmID)
	if !ok {
		return nil
	}
	return seg
}

// copyInString reads a NUL-bounded or length-bounded string argument.
func (k *Kernel) copyInString(c syscall.Caller, va uint64, length uint64) (string, error) {
	b, err := k.copyIn(c, va, length)
	if err != nil {
		return "", err
	}
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

// forkMemory shares every resident page of parent with child by reference
// and bumps shm segment refcounts, the memory half of fork().
func (k *Kernel) forkMemory(parentPID uint64, childProc *sched.Process) *procState {
	parent, _ := k.proc(parentPID)
	child := &procState{
		pid:  childProc.PID,
		fds:  parent.fds.Clone(),
		env:  make(map[string]string),
		mem:  make(map[uint64]*userPage),
		dlls: make(map[string]uint64),
	}
	parent.mu.Lock()
	child.identity = parent.identity
	child.args = append([]string(nil), parent.args...)
	child.cwd = parent.cwd
	child.brk = parent.brk
	for k2, v := range parent.env {
		child.env[k2] = v
	}
	for pva, page := range parent.mem {
		page.refs++
		child.mem[pva] = page
	}
	parent.mu.Unlock()

	k.shm.Fork(parentPID, childProc.PID, childProc.ShmParticipations())

	k.procMu.Lock()
	k.procs[childProc.PID] = child
	k.procMu.Unlock()
	return child
}

// releaseMemory drops every page reference of pid. Frames mapped in a page
// table are returned to the bitmap by the deferred page-directory destroy,
// which walks the PTEs off the scheduler lock — freeing those here too
// would free each frame twice. A page whose last reference goes while no
// table maps it (an inherited page its sharer never touched) is reclaimed
// directly, since no destroy will ever see it.
func (k *Kernel) releaseMemory(pid uint64) {
	ps, ok := k.proc(pid)
	if !ok {
		return
	}
	ps.mu.Lock()
	pages := ps.mem
	ps.mem = make(map[uint64]*userPage)
	ps.mu.Unlock()
	for _, page := range pages {
		page.refs--
		if page.refs == 0 && !k.vm.FrameMapped(page.frame) && k.frames.IsAllocated(page.frame) {
			k.frames.Free(page.frame)
		}
	}
}

// releaseIPCByTid is the janitor-side IPC cleanup for a remote kill: the
// thread is already gone from the scheduler tables, so resolve what can be
// resolved and drop the rest.
func (k *Kernel) releaseIPCByTid(tid uint64) {
	k.events.ReleaseSubscriptions(tid)
}
