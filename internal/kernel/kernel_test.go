package kernel

import (
	"bytes"
	"testing"

	"anyos/internal/config"
	"anyos/internal/errs"
	"anyos/internal/syscall"
	"anyos/internal/vfs"
)

func newTestKernel(tb testing.TB) *Kernel {
	tb.Helper()
	k, err := Boot(nil, config.Default())
	if err != nil {
		tb.Fatalf("boot: %v", err)
	}
	// Seed the VFS with the paths the spawn tests reference.
	seedPath(tb, k, "/System")
	seedPath(tb, k, "/System/bin")
	seedFile(tb, k, "/System/bin/echo")
	seedFile(tb, k, "/System/bin/init")
	return k
}

func seedPath(tb testing.TB, k *Kernel, p string) {
	tb.Helper()
	drv, rel, err := k.mounts.ResolveNoFollow(p)
	if err != nil {
		tb.Fatalf("resolve %s: %v", p, err)
	}
	if err := drv.Mkdir(rel); err != nil {
		tb.Fatalf("mkdir %s: %v", p, err)
	}
}

func seedFile(tb testing.TB, k *Kernel, p string) {
	tb.Helper()
	drv, rel, err := k.mounts.ResolveNoFollow(p)
	if err != nil {
		tb.Fatalf("resolve %s: %v", p, err)
	}
	if _, err := drv.WriteAt(rel, 0, []byte{0x7f, 'A', 'N', 'Y'}); err != nil {
		tb.Fatalf("seed %s: %v", p, err)
	}
}

// spawnInit starts a root-owned process and returns its caller identity.
func spawnInit(tb testing.TB, k *Kernel) syscall.Caller {
	tb.Helper()
	tid, err := k.SpawnProcess(0, "/System/bin/init", nil)
	if err != nil {
		tb.Fatalf("spawn init: %v", err)
	}
	t, ok := k.sched.Thread(tid)
	if !ok {
		tb.Fatalf("spawned thread %d not found", tid)
	}
	return syscall.Caller{Tid: tid, PID: t.ProcessID, UID: 0, Path: syscall.PathNative}
}

// pushString stages a string argument in the caller's heap and returns its
// address, the way a libc shim would place syscall arguments.
func pushString(tb testing.TB, k *Kernel, c syscall.Caller, s string) uint64 {
	tb.Helper()
	va := uint64(userHeapBase) + 0x100
	if err := k.copyOut(c, va, append([]byte(s), 0)); err != nil {
		tb.Fatalf("stage string: %v", err)
	}
	return va
}

func invoke(tb testing.TB, k *Kernel, c syscall.Caller, nr syscall.Number, a syscall.Args) uint64 {
	tb.Helper()
	ret, err := k.Invoke(c, nr, a)
	if err != nil {
		tb.Fatalf("%s failed: %v", nr, err)
	}
	return ret
}

func TestBootSequencePATBeforeAPs(t *testing.T) {
	k := newTestKernel(t)
	for cpu := 0; cpu < k.machine.NumCPUs(); cpu++ {
		if !k.vm.PATProgrammed(cpu) {
			t.Errorf("cpu %d: PAT not programmed at boot", cpu)
		}
	}
	if got, _ := k.Invoke(spawnInit(t, k), syscall.SysBootReady, syscall.Args{}); got != 1 {
		t.Fatalf("boot_ready = %d, want 1", got)
	}
}

func TestSpawnAndWaitpid(t *testing.T) {
	k := newTestKernel(t)
	parent := spawnInit(t, k)

	pathVA := pushString(t, k, parent, "/System/bin/echo")
	childTid := invoke(t, k, parent, syscall.SysSpawn, syscall.Args{A0: pathVA, A1: 32})

	childThread, ok := k.sched.Thread(childTid)
	if !ok {
		t.Fatalf("child thread %d not found", childTid)
	}
	child := syscall.Caller{Tid: childTid, PID: childThread.ProcessID, UID: 0}
	invoke(t, k, child, syscall.SysExit, syscall.Args{A0: 0})

	if got := invoke(t, k, parent, syscall.SysWaitpid, syscall.Args{A0: childTid}); got != 0 {
		t.Fatalf("waitpid = %d, want 0", got)
	}
	// A second waitpid for the same tid reports ChildNotFound.
	if _, err := k.Invoke(parent, syscall.SysWaitpid, syscall.Args{A0: childTid}); errs.As(err) != errs.ChildNotFound {
		t.Fatalf("second waitpid error = %v, want ChildNotFound", err)
	}
}

func TestZombieInvariantBeforeReap(t *testing.T) {
	k := newTestKernel(t)
	parent := spawnInit(t, k)
	pathVA := pushString(t, k, parent, "/System/bin/echo")
	childTid := invoke(t, k, parent, syscall.SysSpawn, syscall.Args{A0: pathVA, A1: 32})
	childThread, _ := k.sched.Thread(childTid)
	child := syscall.Caller{Tid: childTid, PID: childThread.ProcessID, UID: 0}

	// Open an fd and map an shm segment so exit has something to release.
	fdPathVA := pushString(t, k, child, "/System/bin/echo")
	invoke(t, k, child, syscall.SysOpen, syscall.Args{A0: fdPathVA, A1: 32})
	segID := invoke(t, k, child, syscall.SysShmCreate, syscall.Args{A0: 4096})
	invoke(t, k, child, syscall.SysShmMap, syscall.Args{A0: segID})

	invoke(t, k, child, syscall.SysExit, syscall.Args{A0: 3})

	proc, ok := k.sched.Process(childThread.ProcessID)
	if !ok {
		t.Fatalf("zombie process gone before reap")
	}
	if !proc.IsZombie() {
		t.Fatalf("process not zombie after last thread exit")
	}
	if n := proc.FdCountForInvariantCheck(); n != 0 {
		t.Errorf("zombie fd count = %d, want 0", n)
	}
	if n := len(proc.ShmParticipations()); n != 0 {
		t.Errorf("zombie shm participations = %d, want 0", n)
	}
	if got := invoke(t, k, parent, syscall.SysWaitpid, syscall.Args{A0: childTid}); got != 3 {
		t.Fatalf("waitpid = %d, want 3", got)
	}
}

func TestForkCOW(t *testing.T) {
	k := newTestKernel(t)
	parent := spawnInit(t, k)

	// Parent maps 8 KiB and fills it with 0xAA.
	base := invoke(t, k, parent, syscall.SysMmap, syscall.Args{A0: 8192})
	fill := bytes.Repeat([]byte{0xAA}, 8192)
	if err := k.copyOut(parent, base, fill); err != nil {
		t.Fatalf("fill: %v", err)
	}

	_, freeBefore := k.frames.Stats()
	childTid := invoke(t, k, parent, syscall.SysFork, syscall.Args{})
	childThread, _ := k.sched.Thread(childTid)
	child := syscall.Caller{Tid: childTid, PID: childThread.ProcessID, UID: 0}

	// Child observes the parent's bytes.
	got, err := k.copyIn(child, base, 8192)
	if err != nil {
		t.Fatalf("child read: %v", err)
	}
	if !bytes.Equal(got, fill) {
		t.Fatalf("child does not see parent's 0xAA fill")
	}

	// Child writes one page; the parent must still see 0xAA.
	if err := k.copyOut(child, base, bytes.Repeat([]byte{0x55}, 4096)); err != nil {
		t.Fatalf("child write: %v", err)
	}
	parentView, err := k.copyIn(parent, base, 4096)
	if err != nil {
		t.Fatalf("parent re-read: %v", err)
	}
	for i, b := range parentView {
		if b != 0xAA {
			t.Fatalf("parent byte %d = %#x after child COW write, want 0xAA", i, b)
		}
	}

	// Exactly one COW-broken page: frame-bitmap delta = +1.
	_, freeAfter := k.frames.Stats()
	if delta := freeBefore - freeAfter; delta != 1 {
		t.Errorf("frame delta across COW break = %d, want 1", delta)
	}

	// fork() returned the child tid to the parent above; the child observes 0.
	cs, _ := k.proc(childThread.ProcessID)
	if cs.forkReturn != 0 {
		t.Errorf("child fork return = %d, want 0", cs.forkReturn)
	}
}

func TestFrameBitmapBacksEveryMappedPTE(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)
	base := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 16384})
	if err := k.copyOut(c, base, make([]byte, 16384)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	ps, _ := k.proc(c.PID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for va, page := range ps.mem {
		if !k.frames.IsAllocated(page.frame) {
			t.Errorf("page at %#x backed by free frame %d", va, page.frame)
		}
	}
}

func TestSyscallPointerPastVMAEnd(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)
	base := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 4096})
	pathVA := pushString(t, k, c, "/System/bin/echo")
	fd := invoke(t, k, c, syscall.SysOpen, syscall.Args{A0: pathVA, A1: 32})

	// One byte past the end of the area: BadAddress, not a crash.
	_, err := k.Invoke(c, syscall.SysWrite, syscall.Args{A0: fd, A1: base + 4096 - 1, A2: 2})
	if errs.As(err) != errs.BadAddress {
		t.Fatalf("error = %v, want BadAddress", err)
	}
}

func TestPipeOrderingAndRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)

	nameVA := pushString(t, k, c, "test:pipe")
	pipeID := invoke(t, k, c, syscall.SysPipeCreate, syscall.Args{A0: nameVA, A1: 16})

	bufVA := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 4096})
	for _, s := range []string{"A", "B", "C"} {
		if err := k.copyOut(c, bufVA, []byte(s)); err != nil {
			t.Fatalf("stage: %v", err)
		}
		invoke(t, k, c, syscall.SysPipeWrite, syscall.Args{A0: pipeID, A1: bufVA, A2: 1, A3: 1})
	}
	n := invoke(t, k, c, syscall.SysPipeRead, syscall.Args{A0: pipeID, A1: bufVA, A2: 3, A3: 1})
	if n != 3 {
		t.Fatalf("pipe_read = %d bytes, want 3", n)
	}
	got, _ := k.copyIn(c, bufVA, 3)
	if string(got) != "ABC" {
		t.Fatalf("pipe order = %q, want ABC", got)
	}
}

func TestPipeWriteNeverOverflows(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)

	nameVA := pushString(t, k, c, "test:small")
	pipeID := invoke(t, k, c, syscall.SysPipeCreate, syscall.Args{A0: nameVA, A1: 16, A2: 32})
	p, _ := k.pipes.Lookup(pipeID)

	bufVA := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 4096})
	if err := k.copyOut(c, bufVA, bytes.Repeat([]byte{'x'}, 33)); err != nil {
		t.Fatalf("stage: %v", err)
	}
	// capacity+1 bytes, non-blocking: partial count, never overflow.
	n := invoke(t, k, c, syscall.SysPipeWrite, syscall.Args{A0: pipeID, A1: bufVA, A2: 33, A3: 1})
	if n != 32 {
		t.Fatalf("partial write = %d, want 32", n)
	}
	if p.Buffered() != 32 {
		t.Fatalf("buffered = %d, exceeds capacity", p.Buffered())
	}
}

func TestMkdirChmodStatRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)

	pathVA := pushString(t, k, c, "/Users")
	statVA := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 4096})

	invoke(t, k, c, syscall.SysMkdir, syscall.Args{A0: pathVA, A1: 16})
	if _, err := k.Invoke(c, syscall.SysMkdir, syscall.Args{A0: pathVA, A1: 16}); errs.As(err) != errs.Exists {
		t.Fatalf("second mkdir error = %v, want Exists", err)
	}

	mode := vfs.NewMode(vfs.PermRead|vfs.PermModify, vfs.PermRead, 0)
	invoke(t, k, c, syscall.SysChmod, syscall.Args{A0: pathVA, A1: 16, A2: uint64(mode)})
	invoke(t, k, c, syscall.SysStat, syscall.Args{A0: pathVA, A1: 16, A2: statVA})

	raw, _ := k.copyIn(c, statVA, 28)
	gotType := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	gotMode := uint32(raw[20]) | uint32(raw[21])<<8
	if gotType != uint32(vfs.TypeDirectory) {
		t.Errorf("stat type = %d, want directory", gotType)
	}
	if gotMode != uint32(mode) {
		t.Errorf("stat mode = %#x, want %#x (chmod round trip)", gotMode, mode)
	}
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)

	pathVA := pushString(t, k, c, "/note.txt")
	fd := invoke(t, k, c, syscall.SysOpen, syscall.Args{A0: pathVA, A1: 16, A2: openWrite | openCreate})

	bufVA := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 4096})
	payload := []byte("hello, compositor")
	if err := k.copyOut(c, bufVA, payload); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if n := invoke(t, k, c, syscall.SysWrite, syscall.Args{A0: fd, A1: bufVA, A2: uint64(len(payload))}); n != uint64(len(payload)) {
		t.Fatalf("write = %d, want %d", n, len(payload))
	}

	// Reopen to reset the position, then read back.
	invoke(t, k, c, syscall.SysClose, syscall.Args{A0: fd})
	fd = invoke(t, k, c, syscall.SysOpen, syscall.Args{A0: pathVA, A1: 16})
	n := invoke(t, k, c, syscall.SysRead, syscall.Args{A0: fd, A1: bufVA, A2: uint64(len(payload))})
	got, _ := k.copyIn(c, bufVA, n)
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestPermissionGateOtherNibble(t *testing.T) {
	k := newTestKernel(t)
	root := spawnInit(t, k)

	// Root creates a directory only the owner can touch.
	pathVA := pushString(t, k, root, "/secret")
	invoke(t, k, root, syscall.SysMkdir, syscall.Args{A0: pathVA, A1: 16})
	mode := vfs.NewMode(vfs.PermRead|vfs.PermModify|vfs.PermCreate|vfs.PermDelete, 0, 0)
	invoke(t, k, root, syscall.SysChmod, syscall.Args{A0: pathVA, A1: 16, A2: uint64(mode)})

	// An unprivileged process is rejected by the other-nibble check.
	tid, err := k.SpawnProcess(0, "/System/bin/echo", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	th, _ := k.sched.Thread(tid)
	other := syscall.Caller{Tid: tid, PID: th.ProcessID, UID: 1000}
	if ps, ok := k.proc(th.ProcessID); ok {
		ps.identity = vfs.Identity{UID: 1000}
	}
	otherPathVA := pushString(t, k, other, "/secret")
	if _, err := k.Invoke(other, syscall.SysReaddir, syscall.Args{A0: otherPathVA, A1: 16, A2: otherPathVA, A3: 0}); errs.As(err) != errs.PermissionDenied {
		t.Fatalf("readdir error = %v, want PermissionDenied", err)
	}
}

func TestShmCreateMapRefcountAndForkInheritance(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)

	segID := invoke(t, k, c, syscall.SysShmCreate, syscall.Args{A0: 8192})
	base := invoke(t, k, c, syscall.SysShmMap, syscall.Args{A0: segID})

	seg, ok := k.shm.Lookup(segID)
	if !ok {
		t.Fatalf("segment %d missing", segID)
	}
	refsBefore := seg.Refcount()

	// Writes through the mapping land in the segment.
	if err := k.copyOut(c, base, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("shm write: %v", err)
	}
	if !bytes.Equal(seg.Bytes()[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("shm bytes not visible through segment")
	}

	// The child inherits the segment with a refcount bump.
	childTid := invoke(t, k, c, syscall.SysFork, syscall.Args{})
	childThread, _ := k.sched.Thread(childTid)
	childProc, _ := k.sched.Process(childThread.ProcessID)
	found := false
	for _, id := range childProc.ShmParticipations() {
		if id == segID {
			found = true
		}
	}
	if !found {
		t.Errorf("child did not inherit shm participation")
	}
	if seg.Refcount() <= refsBefore {
		t.Errorf("refcount = %d, want > %d after fork", seg.Refcount(), refsBefore)
	}
}

func TestEventChannelCPULoadPublishes(t *testing.T) {
	k := newTestKernel(t)
	ch := k.events.Open("sys:cpu_load")
	sub := k.events.NewSubscriberID()
	ch.Subscribe(sub, 8)

	k.Step(TickHz) // one tick-second

	ev, ok := ch.Poll(sub)
	if !ok {
		t.Fatalf("no sys:cpu_load sample after one tick-second")
	}
	if !bytes.HasPrefix(ev.Payload, []byte("cpu0=")) {
		t.Fatalf("sample payload = %q", ev.Payload)
	}
}

func TestDeferredDestroyDrainsFromIdle(t *testing.T) {
	k := newTestKernel(t)
	parent := spawnInit(t, k)
	pathVA := pushString(t, k, parent, "/System/bin/echo")
	childTid := invoke(t, k, parent, syscall.SysSpawn, syscall.Args{A0: pathVA, A1: 32})
	childThread, _ := k.sched.Thread(childTid)
	child := syscall.Caller{Tid: childTid, PID: childThread.ProcessID, UID: 0}

	invoke(t, k, child, syscall.SysExit, syscall.Args{A0: 0})
	if k.vm.PendingDeferredCount() == 0 {
		t.Fatalf("exit did not enqueue deferred page-directory destruction")
	}
	k.Step(1) // idle CPU runs the janitor
	if n := k.vm.PendingDeferredCount(); n != 0 {
		t.Fatalf("deferred queue depth = %d after idle drain, want 0", n)
	}
}

func TestDebugAttachBreakpointFlow(t *testing.T) {
	k := newTestKernel(t)
	dbg := spawnInit(t, k)
	pathVA := pushString(t, k, dbg, "/System/bin/echo")
	targetTid := invoke(t, k, dbg, syscall.SysSpawn, syscall.Args{A0: pathVA, A1: 32})

	sess := invoke(t, k, dbg, syscall.SysDebugAttach, syscall.Args{A0: targetTid})

	// Attaching twice: BusyResource.
	if _, err := k.Invoke(dbg, syscall.SysDebugAttach, syscall.Args{A0: targetTid}); errs.As(err) != errs.BusyResource {
		t.Fatalf("double attach error = %v, want BusyResource", err)
	}

	// Plant INT3 at the entry point, continue, and expect one breakpoint
	// event with rip at the instruction address.
	invoke(t, k, dbg, syscall.SysDebugSetBp, syscall.Args{A0: sess, A1: userCodeBase})
	invoke(t, k, dbg, syscall.SysDebugContinue, syscall.Args{A0: sess})

	evVA := invoke(t, k, dbg, syscall.SysMmap, syscall.Args{A0: 4096})
	if got := invoke(t, k, dbg, syscall.SysDebugEvents, syscall.Args{A0: sess, A1: evVA}); got != 1 {
		t.Fatalf("debug_events = %d, want 1 pending event", got)
	}
	raw, _ := k.copyIn(dbg, evVA, 24)
	rip := uint64(raw[16]) | uint64(raw[17])<<8 | uint64(raw[18])<<16 | uint64(raw[19])<<24
	if rip != userCodeBase {
		t.Fatalf("breakpoint rip = %#x, want %#x", rip, uint64(userCodeBase))
	}

	// Clearing restores the original byte.
	invoke(t, k, dbg, syscall.SysDebugClearBp, syscall.Args{A0: sess, A1: userCodeBase})
	regsVA := invoke(t, k, dbg, syscall.SysMmap, syscall.Args{A0: 4096})
	invoke(t, k, dbg, syscall.SysDebugReadMem, syscall.Args{A0: sess, A1: userCodeBase, A2: 1, A3: regsVA})
	b, _ := k.copyIn(dbg, regsVA, 1)
	if b[0] == int3 {
		t.Fatalf("breakpoint byte not restored after clear")
	}

	invoke(t, k, dbg, syscall.SysDebugDetach, syscall.Args{A0: sess})
}

func TestSysinfoThreadRecordLayout(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)

	bufVA := invoke(t, k, c, syscall.SysMmap, syscall.Args{A0: 65536})
	n := invoke(t, k, c, syscall.SysSysinfo, syscall.Args{A0: 1, A1: bufVA, A2: 65536})
	if n == 0 || n%threadInfoSize != 0 {
		t.Fatalf("thread list length %d not a multiple of %d", n, threadInfoSize)
	}
	raw, _ := k.copyIn(c, bufVA, n)
	first := raw[:threadInfoSize]
	tid := uint32(first[0]) | uint32(first[1])<<8 | uint32(first[2])<<16 | uint32(first[3])<<24
	if tid == 0 {
		t.Fatalf("first thread record has tid 0")
	}
	if first[4] > 127 {
		t.Fatalf("priority byte %d out of range", first[4])
	}
}

func TestDllLoadStableAddress(t *testing.T) {
	k := newTestKernel(t)
	c := spawnInit(t, k)
	nameVA := pushString(t, k, c, "compositor.dll")
	addr1 := invoke(t, k, c, syscall.SysDllLoad, syscall.Args{A0: nameVA, A1: 32})
	addr2 := invoke(t, k, c, syscall.SysDllLoad, syscall.Args{A0: nameVA, A1: 32})
	if addr1 != addr2 {
		t.Fatalf("dll_load not idempotent: %#x vs %#x", addr1, addr2)
	}
	if addr1 < dllBase {
		t.Fatalf("dll address %#x below the fixed load region", addr1)
	}
}

func TestControlFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCtlFrame(&buf, CtlDmesg, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	msgType, payload, err := ReadCtlFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType != CtlDmesg || string(payload) != "payload" {
		t.Fatalf("frame round trip = (%d, %q)", msgType, payload)
	}
}

func TestParentExitKeepsForkSharedFrameAlive(t *testing.T) {
	k := newTestKernel(t)
	parent := spawnInit(t, k)

	base := invoke(t, k, parent, syscall.SysMmap, syscall.Args{A0: 4096})
	if err := k.copyOut(parent, base, bytes.Repeat([]byte{0xC3}, 4096)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	pps, _ := k.proc(parent.PID)
	pps.mu.Lock()
	frame := pps.mem[base].frame
	pps.mu.Unlock()

	childTid := invoke(t, k, parent, syscall.SysFork, syscall.Args{})
	childThread, _ := k.sched.Thread(childTid)
	child := syscall.Caller{Tid: childTid, PID: childThread.ProcessID, UID: 0}

	// Child read-faults the shared page so its own page table maps the
	// same frame.
	if _, err := k.copyIn(child, base, 16); err != nil {
		t.Fatalf("child touch: %v", err)
	}

	parentThread, _ := k.sched.Thread(parent.Tid)
	k.exitThread(parentThread, 0)
	k.Step(1) // janitor destroys the parent's page directory

	if !k.frames.IsAllocated(frame) {
		t.Fatalf("fork-shared frame freed while the child still maps it")
	}
	got, err := k.copyIn(child, base, 16)
	if err != nil {
		t.Fatalf("child read after parent exit: %v", err)
	}
	for i, b := range got {
		if b != 0xC3 {
			t.Fatalf("byte %d = %#x after parent exit, want 0xC3", i, b)
		}
	}

	// The last sharer's exit returns the frame to the bitmap.
	invoke(t, k, child, syscall.SysExit, syscall.Args{A0: 0})
	k.Step(1)
	if k.frames.IsAllocated(frame) {
		t.Fatalf("frame still allocated after the last sharer exited")
	}
}
