package sched

// HandleDeviceNotAvailable implements the lazy FPU/SSE/AVX #NM trap
// handler's bookkeeping: it records the current thread as this CPU's FPU
// owner and marks both the previous owner and the current thread as
// holding saved state. No register contents are copied into or out of the
// save areas, and nothing in this package sets CR0.TS.
func (s *Scheduler) HandleDeviceNotAvailable(cpuID int) {
	cpu := s.machine.CPU(cpuID)
	if cpu == nil {
		return
	}
	cur := s.current[cpuID].Load()
	if cur == nil {
		return
	}

	owner := cpu.FPUOwner()
	if owner == cur.Tid {
		// State already resident; just clear the trap (CR0.TS).
		return
	}

	if owner != 0 {
		if old, ok := s.Thread(owner); ok {
			old.mu.Lock()
			old.fpuDirty = true // marks that old.fpuArea holds valid saved state
			old.mu.Unlock()
		}
	}

	cur.mu.Lock()
	cur.fpuDirty = true
	cur.mu.Unlock()
	cpu.SetFPUOwner(cur.Tid)
}

// FPUArea exposes the thread's FPU save area for test inspection and for
// the arch-specific XSAVE/XRSTOR primitive one layer below hal.
func (t *Thread) FPUArea() *[512]byte {
	return &t.fpuArea
}

// FPUDirty reports whether this thread's FPU area currently holds saved
// state (i.e. it has taken at least one #NM trap).
func (t *Thread) FPUDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fpuDirty
}
