package sched

import (
	"sync"
	"time"

	"anyos/internal/vma"
	"anyos/internal/vmm"
)

// ThreadState is the thread lifecycle state.
type ThreadState int

const (
	Ready ThreadState = iota
	Running
	Blocked
	BlockedDebugged
	Dead
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case BlockedDebugged:
		return "BlockedDebugged"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// NumPriorities is the Mach-style priority level count.
const NumPriorities = 128

// DefaultPriority is the priority assigned to freshly spawned threads.
const DefaultPriority = 50

// WaitOn describes what a Blocked thread is waiting for.
type WaitOn int

const (
	WaitNone WaitOn = iota
	WaitPipe
	WaitChild
	WaitSleep
	WaitSemaphore
)

// CpuContext is the simulated saved register file: GPRs + SP + PC + CR3 are
// folded into a single opaque struct here since no real instruction stream
// is being resumed; RIP is kept because the debugger's read_regs(T).rip
// contract depends on it.
type CpuContext struct {
	RIP uint64
	RSP uint64
	CR3 uint64
}

// Thread is the schedulable unit.
type Thread struct {
	Tid           uint64
	CreatingUID   int
	EntryPoint    uint64
	Name          string

	mu            sync.Mutex
	state         ThreadState
	priority      int
	ctx           CpuContext
	kernelStack   []byte
	fpuArea       [512]byte // XSAVE-sized legacy area; AVX extension omitted from the simulation
	fpuDirty      bool
	sleepDeadline time.Time
	waitOn        WaitOn
	waitTarget    uint64 // pipe id / child tid, depending on waitOn

	sigMask    uint32
	sigPending uint32

	debugAttached bool
	debugSession  uint64
	breakpoints   map[uint64]byte // addr -> saved original byte

	capMask uint64
	cpuID   int // -1 when not bound to any CPU's "current"

	ProcessID uint64

	cpuTicks uint32
	ioRead   uint64
	ioWrite  uint64
}

func newThread(tid uint64, pid uint64, uid int, entry uint64, name string, priority int, caps uint64) *Thread {
	return &Thread{
		Tid:         tid,
		ProcessID:   pid,
		CreatingUID: uid,
		EntryPoint:  entry,
		Name:        name,
		state:       Ready,
		priority:    priority,
		capMask:     caps,
		cpuID:       -1,
		breakpoints: make(map[uint64]byte),
		ctx:         CpuContext{RIP: entry},
	}
}

// State returns the thread's current state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Priority returns the thread's current priority (0..127).
func (t *Thread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetPriority updates priority, clamped to [0, NumPriorities). Used by
// set_priority and nice-style adjustments.
func (t *Thread) SetPriority(p int) {
	if p < 0 {
		p = 0
	}
	if p >= NumPriorities {
		p = NumPriorities - 1
	}
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
}

// Regs returns a copy of the thread's saved CPU context (read_regs).
func (t *Thread) Regs() CpuContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// CapMask returns the thread's capability mask.
func (t *Thread) CapMask() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capMask
}

// Ticks returns the CPU ticks accounted to this thread so far.
func (t *Thread) Ticks() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpuTicks
}

// IOCounters returns the bytes read and written through the io syscall
// family, reported in the sysinfo thread-info record.
func (t *Thread) IOCounters() (read, written uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ioRead, t.ioWrite
}

// AccountIO adds to the thread's io counters.
func (t *Thread) AccountIO(read, written uint64) {
	t.mu.Lock()
	t.ioRead += read
	t.ioWrite += written
	t.mu.Unlock()
}

// Process is a group of threads sharing a page table, fd table, VMA list,
// shm participation, and working directory.
type Process struct {
	PID uint64
	UID int

	mu          sync.Mutex
	threads     map[uint64]*Thread
	zombie      bool
	exitCode    int
	reaped      bool
	cwd         string
	PageTable   *vmm.PageTable
	VMAs        *vma.List
	shmParticipation map[uint64]struct{} // shm segment ids this process maps
	fdCount     int                      // VFS fd table lives in internal/vfs; count mirrored here for the Zombie invariant check

	waitersMu sync.Mutex
	waiters   []chan int // waitpid() callers blocked on this process
}

func newProcess(pid uint64, uid int, pt *vmm.PageTable) *Process {
	return &Process{
		PID:              pid,
		UID:              uid,
		threads:          make(map[uint64]*Thread),
		PageTable:        pt,
		VMAs:             vma.New(),
		shmParticipation: make(map[uint64]struct{}),
		cwd:              "/",
	}
}

// IsZombie reports whether the process's last thread has exited and it is
// awaiting reap by waitpid.
func (p *Process) IsZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zombie
}

// ThreadCount returns the number of live threads in the process.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// FdCountForInvariantCheck exposes the mirrored fd count so tests can assert
// the Zombie invariant (fd table empty before reap) without importing vfs.
func (p *Process) FdCountForInvariantCheck() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fdCount
}

// SetFdCount is called by internal/kernel whenever the process's fd table
// changes size: on open, on close, and when it is emptied on exit.
func (p *Process) SetFdCount(n int) {
	p.mu.Lock()
	p.fdCount = n
	p.mu.Unlock()
}

// AddShmParticipation records that the process maps shm segment id.
func (p *Process) AddShmParticipation(id uint64) {
	p.mu.Lock()
	p.shmParticipation[id] = struct{}{}
	p.mu.Unlock()
}

// RemoveShmParticipation drops the record, called as each mapping is torn down.
func (p *Process) RemoveShmParticipation(id uint64) {
	p.mu.Lock()
	delete(p.shmParticipation, id)
	p.mu.Unlock()
}

// ShmParticipations returns a snapshot of currently mapped shm segment ids.
func (p *Process) ShmParticipations() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.shmParticipation))
	for id := range p.shmParticipation {
		out = append(out, id)
	}
	return out
}
