// Package vma is the per-process VMA manager: an ordered list of virtual
// memory areas that is authoritative for page-fault demand paging and fork
// copy-on-write.
package vma

import (
	"sort"
	"sync"

	"anyos/internal/errs"
)

// Kind classifies the backing of a VMA.
type Kind int

const (
	Anonymous Kind = iota
	FileBacked
	Shm
	Device
)

// Prot is a protection bitmask.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Area is one [Base, Limit) virtual memory area.
type Area struct {
	Base  uint64
	Limit uint64
	Prot  Prot
	Kind  Kind

	// ShmID is set when Kind == Shm; FileOffset when Kind == FileBacked.
	ShmID      uint64
	FileOffset int64

	// cow marks a page range reprotected read-only by fork() purely to force
	// copy-on-write faults; it is orthogonal to Prot, which records the
	// process's own requested protection.
	cow bool
}

func (a Area) contains(va uint64) bool { return va >= a.Base && va < a.Limit }

// List is a per-process, address-ordered VMA list.
type List struct {
	mu    sync.Mutex
	areas []*Area
}

// New returns an empty VMA list for a freshly created process.
func New() *List { return &List{} }

// Insert adds a VMA, keeping the list sorted by base address. Overlapping
// insertions are rejected — the caller (spawn/mmap) must have already
// reserved the range.
func (l *List) Insert(a *Area) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.areas {
		if a.Base < existing.Limit && existing.Base < a.Limit {
			return errs.New(errs.InvalidArgument, "vma: overlapping range")
		}
	}
	l.areas = append(l.areas, a)
	sort.Slice(l.areas, func(i, j int) bool { return l.areas[i].Base < l.areas[j].Base })
	return nil
}

// Remove deletes the VMA whose base address matches base.
func (l *List) Remove(base uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.areas {
		if a.Base == base {
			l.areas = append(l.areas[:i], l.areas[i+1:]...)
			return
		}
	}
}

// Find returns the VMA containing va, if any.
func (l *List) Find(va uint64) (*Area, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Linear scan: process VMA counts are small (tens, not thousands); a
	// sorted slice plus binary search would be premature here.
	for _, a := range l.areas {
		if a.contains(va) {
			return a, true
		}
	}
	return nil, false
}

// Snapshot returns a shallow copy of the current VMA list, used by fork().
func (l *List) Snapshot() []Area {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Area, len(l.areas))
	for i, a := range l.areas {
		out[i] = *a
	}
	return out
}

// FaultDecision is the page-fault handler's classification of a fault.
type FaultDecision int

const (
	FaultAllocateZero FaultDecision = iota
	FaultCOWResolve
	FaultDemandPage
	FaultMMIOMap
	FaultSIGSEGV
)

// Classify looks up the faulting VA and decides how the VMM must service
// the fault. writeFault reports whether the fault was caused by a write
// (needed to distinguish a COW break from a true permission violation).
func (l *List) Classify(va uint64, writeFault bool) (FaultDecision, *Area) {
	a, ok := l.Find(va)
	if !ok {
		return FaultSIGSEGV, nil
	}
	if writeFault {
		// The cow tag takes precedence over the write bit: fork leaves
		// Prot untouched and tags the area instead, so a write fault on a
		// tagged area is a sharing break, not a permission violation.
		if a.cow {
			return FaultCOWResolve, a
		}
		if a.Prot&ProtWrite == 0 {
			return FaultSIGSEGV, a
		}
	}
	switch a.Kind {
	case Anonymous:
		return FaultAllocateZero, a
	case FileBacked:
		return FaultDemandPage, a
	case Device:
		return FaultMMIOMap, a
	case Shm:
		return FaultMMIOMap, a
	default:
		return FaultSIGSEGV, a
	}
}

// MarkCOW tags every writable area as COW, leaving its Prot unchanged —
// called once by fork() on both the parent's and child's VMA lists (the
// backing page tables are reprotected separately by the caller via vmm).
func (l *List) MarkCOW() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.areas {
		if a.Prot&ProtWrite != 0 {
			a.cow = true
		}
	}
}

// ResolveCOW clears the cow tag on the area containing va once the fault
// handler has broken the sharing (copied the page, remapped writable).
func (l *List) ResolveCOW(va uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.areas {
		if a.contains(va) {
			a.cow = false
			return
		}
	}
}
