package sched

import (
	"sync"
	"sync/atomic"

	"anyos/internal/errs"
)

// DebugEventKind is posted to a debugger session's per-session channel.
type DebugEventKind int

const (
	DebugEventBreakpoint DebugEventKind = iota
	DebugEventSingleStep
	DebugEventExit
)

// DebugEvent is one anyTrace notification.
type DebugEvent struct {
	Kind DebugEventKind
	Tid  uint64
	RIP  uint64
}

// DebugSession tracks one debugger attachment: attach blocks the target,
// breakpoints save/restore a single byte, a single step posts an event at
// the current RIP without executing an instruction (RFLAGS.TF is not
// modelled), and events post to a per-session channel.
type DebugSession struct {
	ID     uint64
	Target *Thread
	Events chan DebugEvent
}

var debugSessionCounter atomic.Uint64

// DebugAttach attaches a debugger to target, moving it to
// BlockedDebugged. Attaching to an already-attached thread fails with
// BusyResource.
func (s *Scheduler) DebugAttach(target *Thread) (*DebugSession, error) {
	target.mu.Lock()
	if target.debugAttached {
		target.mu.Unlock()
		return nil, errs.New(errs.BusyResource, "debug_attach: thread already attached")
	}
	target.debugAttached = true
	target.state = BlockedDebugged
	target.mu.Unlock()

	id := debugSessionCounter.Add(1)
	sess := &DebugSession{ID: id, Target: target, Events: make(chan DebugEvent, 16)}
	target.mu.Lock()
	target.debugSession = id
	target.mu.Unlock()
	return sess, nil
}

// DebugDetach releases the attachment and returns the thread to Ready.
func (s *Scheduler) DebugDetach(sess *DebugSession) {
	sess.Target.mu.Lock()
	sess.Target.debugAttached = false
	sess.Target.debugSession = 0
	sess.Target.mu.Unlock()
	s.Unblock(sess.Target)
	close(sess.Events)
}

// ReadRegs returns the target's saved CPU context — read_regs(T).rip is
// the contract anyTrace's breakpoint flow depends on.
func (s *Scheduler) ReadRegs(sess *DebugSession) CpuContext {
	return sess.Target.Regs()
}

// peekMemFn abstracts the CR3-switch-then-read operation the real kernel
// performs; here it is supplied by the VMM-aware caller (internal/kernel),
// since sched itself has no notion of physical memory contents.
type peekMemFn func(pt uint64, va uint64, length int) ([]byte, error)

var peekMu sync.Mutex

// ReadMem peeks length bytes at va in the target's address space. The
// kernel temporarily switches to the target's CR3, reads, and switches back
// under disabled interrupts; peek is the injected primitive
// that performs that switch-read-switch sequence.
func (s *Scheduler) ReadMem(sess *DebugSession, va uint64, length int, peek peekMemFn) ([]byte, error) {
	peekMu.Lock()
	defer peekMu.Unlock()
	s.mu.Lock()
	proc, ok := s.processes[sess.Target.ProcessID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NoSuchProcess, "read_mem: process gone")
	}
	cpu := s.machine.CPU(0)
	irq := cpu.SaveAndDisableInterrupts()
	defer cpu.RestoreInterruptState(irq)
	saved := cpu.CurrentPageTable()
	cpu.SwitchPageTable(proc.PageTable.DebugID())
	defer cpu.SwitchPageTable(saved)
	return peek(proc.PageTable.DebugID(), va, length)
}

// SetBreakpoint records an INT3 breakpoint at addr for t and keeps
// originalByte so ClearBreakpoint can hand it back for restoring. It does
// not write to the target's memory; the caller does that.
func (s *Scheduler) SetBreakpoint(t *Thread, addr uint64, originalByte byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakpoints[addr] = originalByte
}

// ClearBreakpoint removes the instrumentation record and returns the
// original byte so the caller can restore it.
func (s *Scheduler) ClearBreakpoint(t *Thread, addr uint64) (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakpoints[addr]
	delete(t.breakpoints, addr)
	return b, ok
}

// PostDebugEvent delivers an event to the session, dropping it if the
// channel is full rather than blocking the notifying CPU.
func PostDebugEvent(sess *DebugSession, ev DebugEvent) {
	select {
	case sess.Events <- ev:
	default:
	}
}
