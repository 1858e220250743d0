package vmm

import (
	"testing"

	"anyos/internal/hal"
	"anyos/internal/pmm"
)

func newTestEngine(tb testing.TB) (*Engine, *pmm.Allocator) {
	tb.Helper()
	frames := pmm.New(nil, []pmm.Range{{Base: 0, Size: 64 * pmm.FrameSize}})
	m, err := hal.NewMachine(hal.ArchitectureX86_64, 2)
	if err != nil {
		tb.Fatalf("new machine: %v", err)
	}
	return NewEngine(frames, m), frames
}

func TestMapUnmapTranslate(t *testing.T) {
	e, frames := newTestEngine(t)
	pt := e.NewPageTable()

	f, err := frames.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	const va = 0x400000
	if err := e.MapPage(pt, va, f, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatalf("map_page: %v", err)
	}

	got, flags, ok := e.Translate(pt, va+10) // unaligned offset still resolves the page
	if !ok || got != f {
		t.Fatalf("translate mismatch: got frame=%d ok=%v want frame=%d", got, ok, f)
	}
	if flags&FlagWrite == 0 {
		t.Fatalf("expected write flag preserved")
	}

	e.Unmap(pt, va)
	if _, _, ok := e.Translate(pt, va); ok {
		t.Fatalf("expected translate to fail after unmap")
	}
}

func TestMapPageRejectsUnallocatedFrame(t *testing.T) {
	e, _ := newTestEngine(t)
	pt := e.NewPageTable()
	if err := e.MapPage(pt, 0x1000, pmm.Frame(999), FlagUser|FlagRead); err == nil {
		t.Fatalf("expected error mapping an unallocated frame")
	}
}

func TestKernelHalfSharedAcrossProcesses(t *testing.T) {
	e, frames := newTestEngine(t)
	pt1 := e.NewPageTable()
	pt2 := e.NewPageTable()

	f, _ := frames.Allocate()
	const va = 0xffff800000000000 // higher-half address
	if err := e.MapPage(pt1, va, f, FlagRead|FlagGlobal); err != nil {
		t.Fatalf("map_page: %v", err)
	}

	got, _, ok := e.Translate(pt2, va)
	if !ok || got != f {
		t.Fatalf("expected kernel half mapping visible from second process, got ok=%v frame=%d", ok, got)
	}
}

func TestDeferredDestroyFreesFramesOffTheCaller(t *testing.T) {
	e, frames := newTestEngine(t)
	pt := e.NewPageTable()
	f, _ := frames.Allocate()
	if err := e.MapPage(pt, 0x2000, f, FlagUser|FlagRead|FlagWrite); err != nil {
		t.Fatalf("map_page: %v", err)
	}

	e.EnqueueDeferredDestroy(pt, 0)
	if n := e.PendingDeferredCount(); n != 1 {
		t.Fatalf("expected 1 pending deferred entry, got %d", n)
	}

	var cleanedUp bool
	e.DrainDeferred(func(pt *PageTable, tid uint64) { cleanedUp = true })
	if cleanedUp {
		t.Fatalf("cleanup callback should not run when tid == 0")
	}
	if frames.IsAllocated(f) {
		t.Fatalf("expected frame freed after deferred destroy")
	}
	if n := e.PendingDeferredCount(); n != 0 {
		t.Fatalf("expected queue drained, got %d pending", n)
	}
}

func TestDeferredDestroyRunsCleanupWhenTidSet(t *testing.T) {
	e, frames := newTestEngine(t)
	pt := e.NewPageTable()
	f, _ := frames.Allocate()
	_ = e.MapPage(pt, 0x3000, f, FlagUser|FlagRead)

	e.EnqueueDeferredDestroy(pt, 42)

	var gotTid uint64
	e.DrainDeferred(func(pt *PageTable, tid uint64) { gotTid = tid })
	if gotTid != 42 {
		t.Fatalf("expected cleanup invoked with tid 42, got %d", gotTid)
	}
}
