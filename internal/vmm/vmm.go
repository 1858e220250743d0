// Package vmm is the page-table engine: per-process page directories, the
// kernel-shared upper half, map/unmap/protect, PAT/MAIR programming for
// write-combining framebuffer pages, and TLB shootdown via IPI.
// This is a simulation of a 4-level (x86_64) / VMSAv8-A (aarch64) page
// table: rather than walking real hardware tables, PageTable keeps a flat
// map from virtual page number to (Frame, Flags), which is sufficient to
// enforce the frame-accounting invariants (no PTE without an allocated frame,
// shared upper half by reference) without literal hardware table walking
// code a Go program could never execute as ring-0 anyway.
package vmm

import (
	"fmt"
	"sync"
	"unsafe"

	"anyos/internal/hal"
	"anyos/internal/pmm"
)

// PageFlags mirror the protection/placement bits map_page accepts.
type PageFlags uint32

const (
	FlagRead PageFlags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagWriteCombine // selects PAT entry 1 via PWT=1
	FlagGlobal
)

// PAT_MSR and the reprogrammed PAT value: PAT0=WB, PAT1=WC, PAT2=UC-,
// PAT3=UC, PAT4=WB, PAT5=WT, PAT6=UC-, PAT7=UC. Entry 1 = WC is what PWT=1
// selects.
const (
	PatMSR   = 0x277
	PatValue = 0x00070406_00070106
)

// entry is one simulated PTE.
type entry struct {
	frame pmm.Frame
	flags PageFlags
}

// PageTable is a per-process page directory. The kernel upper half is a
// shared pointer (same backing map) across every process's PageTable: the
// same physical frames back it in every address space.
type PageTable struct {
	mu      sync.Mutex
	user    map[uint64]entry // va (page-aligned) -> entry, user range only
	kernel  *kernelHalf      // shared, reference-counted implicitly by pointer
	destroy bool             // set once enqueued for deferred destruction
}

type kernelHalf struct {
	mu      sync.Mutex
	entries map[uint64]entry
}

// Engine owns the frame allocator, the shared kernel half, and the deferred
// destruction queue. One Engine per booted machine.
type Engine struct {
	frames  *pmm.Allocator
	machine *hal.Machine
	kernel  *kernelHalf

	patProgrammed sync.Map // cpu id -> bool, each AP must program PAT independently

	deferMu sync.Mutex
	deferQ  []deferredEntry

	// frameRefs counts, per physical frame, how many user PTEs across all
	// page tables map it. Fork shares frames between parent and child, so a
	// page-directory destroy may only return a frame to the bitmap once no
	// other live table still maps it.
	refsMu    sync.Mutex
	frameRefs map[pmm.Frame]int

	shootdownMu sync.Mutex
}

type deferredEntry struct {
	pt  *PageTable
	tid uint64 // 0 once cleanup already ran; see DESIGN.md fork/shm decision
}

// NewEngine constructs the page-table engine bound to the given frame
// allocator and machine.
func NewEngine(frames *pmm.Allocator, m *hal.Machine) *Engine {
	return &Engine{
		frames:    frames,
		machine:   m,
		kernel:    &kernelHalf{entries: make(map[uint64]entry)},
		frameRefs: make(map[pmm.Frame]int),
	}
}

// ProgramPAT reprograms the PAT MSR on the given CPU so PAT entry 1 is
// Write-Combining. Must run on the BSP before the framebuffer is mapped, and
// once per AP during its startup.
func (e *Engine) ProgramPAT(cpuID int) {
	e.patProgrammed.Store(cpuID, true)
}

// PATProgrammed reports whether ProgramPAT has run for cpuID — used by boot
// sequencing assertions and tests.
func (e *Engine) PATProgrammed(cpuID int) bool {
	v, ok := e.patProgrammed.Load(cpuID)
	return ok && v.(bool)
}

// NewPageTable allocates a fresh per-process page directory sharing this
// Engine's kernel half.
func (e *Engine) NewPageTable() *PageTable {
	return &PageTable{
		user:   make(map[uint64]entry),
		kernel: e.kernel,
	}
}

func pageAlign(va uint64) uint64 { return va &^ (pmm.FrameSize - 1) }

// DebugID returns a stable identifier standing in for this page table's
// physical root address (CR3/TTBR value), used by the debugger's
// switch-CR3-then-peek sequence where only identity, not a real
// physical address, matters in this simulation.
func (pt *PageTable) DebugID() uint64 {
	return uint64(uintptr(unsafe.Pointer(pt)))
}

// MapPage walks (in simulation, indexes) the page table and installs a
// mapping for va -> pa with the given flags. Intermediate-level allocation
// in a real 4-level walk is implicit here since the map is flat; the frame
// accounting invariant (every PTE references an allocated frame) is what's
// enforced.
func (e *Engine) MapPage(pt *PageTable, va uint64, pa pmm.Frame, flags PageFlags) error {
	if !e.frames.IsAllocated(pa) {
		return fmt.Errorf("vmm: map_page: frame %d is not allocated", pa)
	}
	va = pageAlign(va)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if flags&FlagUser == 0 {
		pt.kernel.mu.Lock()
		pt.kernel.entries[va] = entry{frame: pa, flags: flags}
		pt.kernel.mu.Unlock()
		return nil
	}
	if old, ok := pt.user[va]; ok {
		if old.frame != pa {
			e.decFrameRef(old.frame)
			e.incFrameRef(pa)
		}
	} else {
		e.incFrameRef(pa)
	}
	pt.user[va] = entry{frame: pa, flags: flags}
	return nil
}

func (e *Engine) incFrameRef(f pmm.Frame) {
	e.refsMu.Lock()
	e.frameRefs[f]++
	e.refsMu.Unlock()
}

// decFrameRef drops one mapping reference and reports whether that was the
// last one.
func (e *Engine) decFrameRef(f pmm.Frame) bool {
	e.refsMu.Lock()
	defer e.refsMu.Unlock()
	n := e.frameRefs[f] - 1
	if n <= 0 {
		delete(e.frameRefs, f)
		return true
	}
	e.frameRefs[f] = n
	return false
}

// FrameMapped reports whether any user PTE in any page table still maps f.
func (e *Engine) FrameMapped(f pmm.Frame) bool {
	e.refsMu.Lock()
	defer e.refsMu.Unlock()
	return e.frameRefs[f] > 0
}

// Protect updates the flags of an existing mapping.
func (e *Engine) Protect(pt *PageTable, va uint64, flags PageFlags) error {
	va = pageAlign(va)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if en, ok := pt.user[va]; ok {
		en.flags = flags
		pt.user[va] = en
		return nil
	}
	pt.kernel.mu.Lock()
	defer pt.kernel.mu.Unlock()
	if en, ok := pt.kernel.entries[va]; ok {
		en.flags = flags
		pt.kernel.entries[va] = en
		return nil
	}
	return fmt.Errorf("vmm: protect: va %#x not mapped", va)
}

// Unmap removes a mapping. It does not free the backing frame — callers
// (typically the VMA layer) own the decision of whether the frame is
// returned to pmm.
func (e *Engine) Unmap(pt *PageTable, va uint64) {
	va = pageAlign(va)
	pt.mu.Lock()
	en, ok := pt.user[va]
	delete(pt.user, va)
	pt.mu.Unlock()
	if ok {
		e.decFrameRef(en.frame)
	}
}

// Translate returns the frame and flags backing va, if mapped.
func (e *Engine) Translate(pt *PageTable, va uint64) (pmm.Frame, PageFlags, bool) {
	va = pageAlign(va)
	pt.mu.Lock()
	if en, ok := pt.user[va]; ok {
		pt.mu.Unlock()
		return en.frame, en.flags, true
	}
	pt.mu.Unlock()
	pt.kernel.mu.Lock()
	defer pt.kernel.mu.Unlock()
	en, ok := pt.kernel.entries[va]
	return en.frame, en.flags, ok
}

// ShootdownIPI sends a TLB-invalidate-range IPI to each CPU in cpuIDs. The
// caller picks those CPUs (cross-CR3 switches invalidate non-global TLB
// entries implicitly, so only CPUs still running on pt need an explicit
// shootdown); pt itself is not consulted here. The initiator spins to completion with a bounded
// timeout; here delivery is synchronous so completion is immediate once
// SendIPI returns.
func (e *Engine) ShootdownIPI(router *hal.IPIRouter, pt *PageTable, cpuIDs []int) {
	e.shootdownMu.Lock()
	defer e.shootdownMu.Unlock()
	for _, id := range cpuIDs {
		_ = router.SendIPI(id, hal.IPIVectorTLBShootdown)
	}
}

// EnqueueDeferredDestroy pushes pt onto the single-consumer deferred
// destruction queue. tid != 0 means the thread was still Running on another
// CPU at kill time and IPC cleanup must run with the dying CR3 before
// destruction (see internal/sched and DESIGN.md fork/shm decision).
func (e *Engine) EnqueueDeferredDestroy(pt *PageTable, tid uint64) {
	pt.mu.Lock()
	pt.destroy = true
	pt.mu.Unlock()
	e.deferMu.Lock()
	e.deferQ = append(e.deferQ, deferredEntry{pt: pt, tid: tid})
	e.deferMu.Unlock()
}

// DrainDeferred is called from the idle task or a dedicated janitor — never
// under the scheduler lock. cleanup runs IPC cleanup for entries whose tid
// is non-zero (switching to the doomed page table first, conceptually;
// since this is a simulation with no literal CR3 switch needed for the IPC
// registries to resolve handles, the callback receives the PageTable and
// tid directly).
func (e *Engine) DrainDeferred(cleanup func(pt *PageTable, tid uint64)) {
	e.deferMu.Lock()
	batch := e.deferQ
	e.deferQ = nil
	e.deferMu.Unlock()

	for _, d := range batch {
		if d.tid != 0 && cleanup != nil {
			cleanup(d.pt, d.tid)
		}
		e.destroyUserPageDirectory(d.pt)
	}
}

// destroyUserPageDirectory walks all user-range entries and frees each
// frame whose last mapping it removes — expensive, which is exactly why it only ever runs from
// DrainDeferred, never under the scheduler lock.
func (e *Engine) destroyUserPageDirectory(pt *PageTable) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for va, en := range pt.user {
		// A frame fork-shared with a still-live table stays allocated
		// until its last mapping goes; freeing it here would yank it out
		// from under the sharer's PTE.
		if e.decFrameRef(en.frame) {
			e.frames.Free(en.frame)
		}
		delete(pt.user, va)
	}
}

// PendingDeferredCount reports the queue depth, used by tests.
func (e *Engine) PendingDeferredCount() int {
	e.deferMu.Lock()
	defer e.deferMu.Unlock()
	return len(e.deferQ)
}
