package sched

import (
	"sort"

	"anyos/internal/errs"
	"anyos/internal/vma"
)

// SpawnFlags modify spawn() behavior; currently reserved for future ABI
// growth (e.g. suspended-start), kept as a named type so call sites read
// clearly rather than passing a bare int.
type SpawnFlags uint32

// Spawn loads a binary into a new page table, builds the initial thread at
// DefaultPriority, and enqueues it Ready on the least-loaded CPU. entry is
// the ELF/flat binary's entry point, already resolved by
// the VFS+loader layer one level up; this package owns only the
// thread/process bookkeeping, not ELF parsing.
func (s *Scheduler) Spawn(uid int, entry uint64, name string, caps uint64, flags SpawnFlags) (*Process, *Thread) {
	pid := s.nextPid.Add(1)
	pt := s.vmm.NewPageTable()
	p := newProcess(pid, uid, pt)

	tid := s.nextTid.Add(1)
	t := newThread(tid, pid, uid, entry, name, DefaultPriority, caps)

	s.mu.Lock()
	s.processes[pid] = p
	s.threads[tid] = t
	s.mu.Unlock()

	p.mu.Lock()
	p.threads[tid] = t
	p.mu.Unlock()

	s.enqueue(s.leastLoadedCPU(), t)
	return p, t
}

// leastLoadedCPU picks the CPU with the fewest runnable threads, a simple
// placement heuristic for newly spawned threads (distinct from work
// stealing, which triggers only once a CPU actually goes idle).
func (s *Scheduler) leastLoadedCPU() int {
	best, bestLen := 0, -1
	for i, q := range s.queues {
		l := q.length()
		if bestLen < 0 || l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

// Fork creates the child with a new page table and a copy of parent's VMA
// list: every writable user VMA is tagged copy-on-write (Prot unchanged) in
// both the parent's and the child's VMA lists, and the page-fault handler later distinguishes a COW break
// from a true permission violation by consulting the VMA.
// Capability inheritance: child's cap mask = parent's ∧ bundle-declared ∧
// runtime-granted; bundleCaps and grantedCaps let the VFS/loader and the
// security subsystem narrow what Fork alone cannot know about.
// Per DESIGN.md's Open Question decision, the child inherits the parent's
// shm participations with a refcount bump (performed by the caller, which
// owns the shm registry) rather than re-creating segments.
func (s *Scheduler) Fork(parent *Thread, bundleCaps, grantedCaps uint64) (child *Thread, childPID uint64, err error) {
	s.mu.Lock()
	parentProc, ok := s.processes[parent.ProcessID]
	s.mu.Unlock()
	if !ok {
		return nil, 0, errs.New(errs.NoSuchProcess, "fork: parent process not found")
	}

	childPT := s.vmm.NewPageTable() // real kernel: copy-populated from parent's PD with every writable page reprotected RO
	pid := s.nextPid.Add(1)
	childProc := newProcess(pid, parentProc.UID, childPT)

	for _, area := range parentProc.VMAs.Snapshot() {
		a := area
		_ = childProc.VMAs.Insert(&a)
	}
	parentProc.VMAs.MarkCOW()
	childProc.VMAs.MarkCOW()

	for _, id := range parentProc.ShmParticipations() {
		childProc.AddShmParticipation(id) // refcount bump performed by the ipc.Shm caller
	}

	tid := s.nextTid.Add(1)
	childCaps := parent.CapMask() & bundleCaps & grantedCaps
	t := newThread(tid, pid, parentProc.UID, parent.EntryPoint, parent.Name, parent.Priority(), childCaps)
	t.ctx = parent.Regs() // child resumes at the same point, returns 0 (caller sets return-value convention)

	s.mu.Lock()
	s.processes[pid] = childProc
	s.threads[tid] = t
	s.mu.Unlock()

	childProc.mu.Lock()
	childProc.threads[tid] = t
	childProc.mu.Unlock()

	s.enqueue(s.leastLoadedCPU(), t)
	return t, pid, nil
}

// EnsureProcessVMAArea is a small helper for test harnesses and the loader
// to register an anonymous VMA on a freshly spawned process.
func (s *Scheduler) EnsureProcessVMAArea(pid uint64, a *vma.Area) error {
	s.mu.Lock()
	p, ok := s.processes[pid]
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.NoSuchProcess, "no such process")
	}
	return p.VMAs.Insert(a)
}

// Process looks up a process by pid.
func (s *Scheduler) Process(pid uint64) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// Thread looks up a thread by tid.
func (s *Scheduler) Thread(tid uint64) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// Threads returns a snapshot of every live thread, sorted by tid, for the
// sysinfo(1) thread listing.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}
