package ipc

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"anyos/internal/errs"
)

// Segment is a refcounted shared-memory region.
type Segment struct {
	ID   uint64
	Size uint64

	mu       sync.Mutex
	refcount int
	owners   map[uint64]struct{} // pids currently mapping this segment
	data     []byte              // backing store for the simulation
}

// Bytes exposes the segment's backing store — the compositor uses this
// directly to read/write surface pixels without a separate host mmap.
func (s *Segment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Refcount returns the current mapping count.
func (s *Segment) Refcount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount
}

// ShmRegistry is the global shm segment table.
type ShmRegistry struct {
	log *slog.Logger

	mu     sync.Mutex
	byID   map[uint64]*Segment
	nextID atomic.Uint64
}

// NewShmRegistry constructs an empty shm registry.
func NewShmRegistry(log *slog.Logger) *ShmRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &ShmRegistry{log: log, byID: make(map[uint64]*Segment)}
}

// Create allocates a new segment of the given size, owned by pid with
// refcount 1 (shm_create(size)).
func (r *ShmRegistry) Create(pid uint64, size uint64) (*Segment, error) {
	if size == 0 {
		return nil, errs.New(errs.InvalidArgument, "shm_create: zero size")
	}
	id := r.nextID.Add(1)
	seg := &Segment{
		ID:       id,
		Size:     size,
		refcount: 1,
		owners:   map[uint64]struct{}{pid: {}},
		data:     make([]byte, size),
	}
	r.mu.Lock()
	r.byID[id] = seg
	r.mu.Unlock()
	r.log.Debug("ipc: shm segment created", "id", id, "size", size, "owner", pid)
	return seg, nil
}

// Map bumps refcount and records pid as a mapper (shm_map(id)).
// The caller (the VFS/VMA layer) is responsible for minting the VMA entry
// in pid's address space; this call only manages segment lifetime.
func (r *ShmRegistry) Map(id uint64, pid uint64) (*Segment, error) {
	r.mu.Lock()
	seg, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "shm_map: no such segment")
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if _, already := seg.owners[pid]; !already {
		seg.refcount++
		seg.owners[pid] = struct{}{}
	}
	return seg, nil
}

// Unmap drops pid's mapping; the segment is freed once refcount hits 0.
func (r *ShmRegistry) Unmap(id uint64, pid uint64) {
	r.mu.Lock()
	seg, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	seg.mu.Lock()
	if _, ok := seg.owners[pid]; ok {
		delete(seg.owners, pid)
		seg.refcount--
	}
	dead := seg.refcount <= 0
	seg.mu.Unlock()
	if dead {
		r.mu.Lock()
		delete(r.byID, id)
		r.mu.Unlock()
		r.log.Debug("ipc: shm segment freed", "id", id)
	}
}

// ReleaseProcess walks pid's participation list (owned by the caller,
// typically sched.Process.ShmParticipations) and drops each mapping; the
// segment is freed when its refcount hits 0.
func (r *ShmRegistry) ReleaseProcess(pid uint64, segmentIDs []uint64) {
	for _, id := range segmentIDs {
		r.Unmap(id, pid)
	}
}

// Fork implements the DESIGN.md Open Question decision: the child inherits
// the same segment ids as the parent, with a refcount bump per segment.
func (r *ShmRegistry) Fork(parentPID, childPID uint64, segmentIDs []uint64) {
	for _, id := range segmentIDs {
		if _, err := r.Map(id, childPID); err != nil {
			r.log.Warn("ipc: fork shm inherit failed", "segment", id, "err", err)
		}
	}
}

// Lookup resolves a segment by id.
func (r *ShmRegistry) Lookup(id uint64) (*Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.byID[id]
	return seg, ok
}
