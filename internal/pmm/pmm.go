// Package pmm implements the physical frame allocator: a bitmap of 4 KiB
// frames over the usable memory map. The bitmap is authoritative; frames are
// single-owner and never refcounted. Allocation scans forward from a
// round-robin cursor to keep repeated alloc/free cycles from hammering the
// low frames.
package pmm

import (
	"errors"
	"log/slog"
	"sync"
)

// FrameSize is the fixed physical page size.
const FrameSize = 4096

// ErrOutOfMemory is returned by Allocate when no free frame remains.
var ErrOutOfMemory = errors.New("pmm: out of memory")

// Frame identifies a physical 4 KiB page by index (phys addr = index * FrameSize).
type Frame uint64

// Allocator is a single spinlock-guarded bitmap of free frames.
type Allocator struct {
	mu     sync.Mutex
	bitmap []uint64 // one bit per frame; 1 == allocated
	cursor uint64   // round-robin scan cursor, reduces lock contention under churn
	total  uint64
	free   uint64
	log    *slog.Logger
}

// Range describes a usable physical memory range (an E820/DTB entry already
// filtered down to USABLE and stripped of the kernel image and any
// bootloader-protected ranges).
type Range struct {
	Base uint64
	Size uint64
}

// New builds an Allocator whose bitmap covers frames over the given usable
// ranges. All frames start free.
func New(log *slog.Logger, ranges []Range) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	var maxFrame uint64
	for _, r := range ranges {
		end := (r.Base + r.Size) / FrameSize
		if end > maxFrame {
			maxFrame = end
		}
	}
	a := &Allocator{
		bitmap: make([]uint64, (maxFrame/64)+1),
		total:  maxFrame,
		log:    log,
	}
	// Everything starts allocated (reserved); then the usable ranges are
	// carved out as free, mirroring the boot sequence: frame allocator
	// initialized from E820 USABLE ranges minus kernel image minus
	// bootloader-protected ranges.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	for _, r := range ranges {
		start := r.Base / FrameSize
		end := (r.Base + r.Size) / FrameSize
		for f := start; f < end; f++ {
			a.clearBit(f)
			a.free++
		}
	}
	a.log.Debug("pmm: allocator initialized", "total_frames", a.total, "free_frames", a.free)
	return a
}

func (a *Allocator) bitSet(f uint64) bool {
	return a.bitmap[f/64]&(1<<(f%64)) != 0
}

func (a *Allocator) setBit(f uint64)   { a.bitmap[f/64] |= 1 << (f % 64) }
func (a *Allocator) clearBit(f uint64) { a.bitmap[f/64] &^= 1 << (f % 64) }

// Allocate scans forward from the round-robin cursor, flips the first free
// bit it finds, and returns that frame. Fails with ErrOutOfMemory.
func (a *Allocator) Allocate() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free == 0 {
		return 0, ErrOutOfMemory
	}

	n := a.total
	for i := uint64(0); i < n; i++ {
		f := (a.cursor + i) % n
		if !a.bitSet(f) {
			a.setBit(f)
			a.free--
			a.cursor = (f + 1) % n
			return Frame(f), nil
		}
	}
	return 0, ErrOutOfMemory
}

// Free returns a previously allocated frame to the pool. Freeing an
// already-free frame is a caller bug; it is reported but does not panic the
// allocator (a VMA-layer double free should not take down the whole kernel).
func (a *Allocator) Free(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint64(f)
	if idx >= a.total {
		a.log.Warn("pmm: free of out-of-range frame", "frame", idx)
		return
	}
	if !a.bitSet(idx) {
		a.log.Warn("pmm: double free of frame", "frame", idx)
		return
	}
	a.clearBit(idx)
	a.free++
}

// IsAllocated reports the bitmap bit for a frame — used by the invariant
// check in vmm: every mapped PTE must point to a Frame marked allocated.
func (a *Allocator) IsAllocated(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(f) >= a.total {
		return false
	}
	return a.bitSet(uint64(f))
}

// Stats reports total and free frame counts, consumed by the sysinfo(cmd=0) syscall.
func (a *Allocator) Stats() (total, free uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.free
}
