package pmm

import "testing"

func newTestAllocator(tb testing.TB) *Allocator {
	tb.Helper()
	return New(nil, []Range{{Base: 0, Size: 16 * FrameSize}})
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	total, free := a.Stats()
	if total != 16 || free != 16 {
		t.Fatalf("unexpected initial stats: total=%d free=%d", total, free)
	}

	f, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !a.IsAllocated(f) {
		t.Fatalf("frame %d not marked allocated after Allocate", f)
	}

	a.Free(f)
	if a.IsAllocated(f) {
		t.Fatalf("frame %d still marked allocated after Free", f)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := New(nil, []Range{{Base: 0, Size: 2 * FrameSize}})
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if _, err := a.Allocate(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestRoundRobinCursorAvoidsImmediateReuse(t *testing.T) {
	a := newTestAllocator(t)
	f1, _ := a.Allocate()
	a.Free(f1)
	f2, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if f2 != f1+1 {
		t.Fatalf("expected cursor to advance past freed frame %d, got %d", f1, f2)
	}
}

func TestDoubleFreeIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	f, _ := a.Allocate()
	a.Free(f)
	_, free1 := a.Stats()
	a.Free(f) // double free — logged, not fatal
	_, free2 := a.Stats()
	if free1 != free2 {
		t.Fatalf("double free changed free count: %d -> %d", free1, free2)
	}
}
