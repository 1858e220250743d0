package kernel

import (
	"encoding/binary"
	"fmt"
	"strings"

	"anyos/internal/errs"
	"anyos/internal/sched"
	"anyos/internal/syscall"
)

// int3 is the x86 software-breakpoint opcode byte saved/restored by
// debug_set_bp / debug_clear_bp.
const int3 = 0xCC

func (k *Kernel) registerDebugHandlers() {
	// debug_attach(tid) -> session id. Privileged; attaching to an
	// already-attached thread fails BusyResource.
	k.disp.Register(syscall.SysDebugAttach, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if c.UID != 0 {
			return errSentinel, errs.New(errs.PermissionDenied, "debug_attach: not privileged")
		}
		target, ok := k.sched.Thread(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "debug_attach: no such thread")
		}
		sess, err := k.sched.DebugAttach(target)
		if err != nil {
			return errSentinel, err
		}
		k.debugMu.Lock()
		k.nextSess++
		id := k.nextSess
		k.sessions[id] = sess
		k.debugMu.Unlock()
		return id, nil
	})

	k.disp.Register(syscall.SysDebugDetach, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		k.sched.DebugDetach(sess)
		k.debugMu.Lock()
		delete(k.sessions, a.A0)
		k.debugMu.Unlock()
		return 0, nil
	})

	// debug_read_regs(sess, bufPtr): RIP, RSP, CR3 as three u64 words.
	k.disp.Register(syscall.SysDebugReadRegs, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		regs := k.sched.ReadRegs(sess)
		var buf [24]byte
		binary.LittleEndian.PutUint64(buf[0:8], regs.RIP)
		binary.LittleEndian.PutUint64(buf[8:16], regs.RSP)
		binary.LittleEndian.PutUint64(buf[16:24], regs.CR3)
		if err := k.copyOut(c, a.A1, buf[:]); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// debug_read_mem(sess, va, length, bufPtr): peeks the target's memory
	// with the CR3-switched read primitive.
	k.disp.Register(syscall.SysDebugReadMem, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		data, err := k.sched.ReadMem(sess, a.A1, int(a.A2), k.peekMem(sess.Target.ProcessID))
		if err != nil {
			return errSentinel, err
		}
		if err := k.copyOut(c, a.A3, data); err != nil {
			return errSentinel, err
		}
		return uint64(len(data)), nil
	})

	// debug_write_mem(sess, va, bufPtr, bufLen)
	k.disp.Register(syscall.SysDebugWriteMem, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		data, err := k.copyIn(c, a.A2, a.A3)
		if err != nil {
			return errSentinel, err
		}
		if err := k.pokeMem(sess.Target.ProcessID, a.A1, data); err != nil {
			return errSentinel, err
		}
		return uint64(len(data)), nil
	})

	// debug_set_bp(sess, addr): saves the original byte and plants INT3.
	k.disp.Register(syscall.SysDebugSetBp, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		orig, err := k.sched.ReadMem(sess, a.A1, 1, k.peekMem(sess.Target.ProcessID))
		if err != nil {
			return errSentinel, err
		}
		if err := k.pokeMem(sess.Target.ProcessID, a.A1, []byte{int3}); err != nil {
			return errSentinel, err
		}
		k.sched.SetBreakpoint(sess.Target, a.A1, orig[0])
		return 0, nil
	})

	// debug_clear_bp(sess, addr): restores the saved byte.
	k.disp.Register(syscall.SysDebugClearBp, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		orig, ok := k.sched.ClearBreakpoint(sess.Target, a.A1)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "debug_clear_bp: no breakpoint at address")
		}
		if err := k.pokeMem(sess.Target.ProcessID, a.A1, []byte{orig}); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// debug_step(sess): posts a single_step event carrying the target's
	// current RIP. No instruction is executed and the trap flag is not set.
	k.disp.Register(syscall.SysDebugStep, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		regs := k.sched.ReadRegs(sess)
		sched.PostDebugEvent(sess, sched.DebugEvent{Kind: sched.DebugEventSingleStep, Tid: sess.Target.Tid, RIP: regs.RIP})
		return 0, nil
	})

	// debug_continue(sess): resumes the target until the next breakpoint;
	// if the resume address carries an INT3, a breakpoint event fires.
	k.disp.Register(syscall.SysDebugContinue, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		regs := k.sched.ReadRegs(sess)
		if b, err := k.sched.ReadMem(sess, regs.RIP, 1, k.peekMem(sess.Target.ProcessID)); err == nil && len(b) == 1 && b[0] == int3 {
			sched.PostDebugEvent(sess, sched.DebugEvent{Kind: sched.DebugEventBreakpoint, Tid: sess.Target.Tid, RIP: regs.RIP})
			return 0, nil
		}
		k.sched.Unblock(sess.Target)
		return 0, nil
	})

	// debug_map(sess, bufPtr, bufLen): the target's VMA list as text.
	k.disp.Register(syscall.SysDebugMap, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		proc, ok := k.sched.Process(sess.Target.ProcessID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "debug_map: process gone")
		}
		var b strings.Builder
		for _, area := range proc.VMAs.Snapshot() {
			fmt.Fprintf(&b, "%#x-%#x prot=%d kind=%d\n", area.Base, area.Limit, area.Prot, area.Kind)
		}
		return k.copyOutBounded(c, a.A1, a.A2, []byte(b.String()))
	})

	// debug_events(sess, bufPtr): drains one pending event as three u64
	// words (kind, tid, rip); WouldBlock when none is pending.
	k.disp.Register(syscall.SysDebugEvents, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		sess, err := k.session(a.A0)
		if err != nil {
			return errSentinel, err
		}
		select {
		case ev, ok := <-sess.Events:
			if !ok {
				return errSentinel, errs.New(errs.BrokenPipe, "debug_events: session closed")
			}
			var buf [24]byte
			binary.LittleEndian.PutUint64(buf[0:8], uint64(ev.Kind))
			binary.LittleEndian.PutUint64(buf[8:16], ev.Tid)
			binary.LittleEndian.PutUint64(buf[16:24], ev.RIP)
			if err := k.copyOut(c, a.A1, buf[:]); err != nil {
				return errSentinel, err
			}
			return 1, nil
		default:
			return errSentinel, errs.New(errs.WouldBlock, "debug_events: none pending")
		}
	})
}

func (k *Kernel) session(id uint64) (*sched.DebugSession, error) {
	k.debugMu.Lock()
	defer k.debugMu.Unlock()
	sess, ok := k.sessions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "debug: no such session")
	}
	return sess, nil
}

// peekMem builds the injected switch-read-switch primitive for ReadMem:
// reads straight from the target's page store once sched has switched to
// (and pinned) the target's page table.
func (k *Kernel) peekMem(pid uint64) func(pt uint64, va uint64, length int) ([]byte, error) {
	return func(pt uint64, va uint64, length int) ([]byte, error) {
		ps, ok := k.proc(pid)
		if !ok {
			return nil, errs.New(errs.NoSuchProcess, "peek: no process state")
		}
		out := make([]byte, 0, length)
		for off := 0; off < length; {
			cur := va + uint64(off)
			pageVA := cur &^ 0xFFF
			ps.mu.Lock()
			page, resident := ps.mem[pageVA]
			ps.mu.Unlock()
			if !resident {
				// Fault the page in on the target's behalf.
				var err error
				page, _, err = k.fault(pid, cur, false)
				if err != nil {
					return nil, err
				}
				if page == nil {
					return nil, errs.New(errs.BadAddress, "peek: unbacked area")
				}
			}
			inPage := int(cur - pageVA)
			n := 4096 - inPage
			if n > length-off {
				n = length - off
			}
			out = append(out, page.data[inPage:inPage+n]...)
			off += n
		}
		return out, nil
	}
}

// pokeMem writes into the target's address space (debug_write_mem and the
// breakpoint byte patch).
func (k *Kernel) pokeMem(pid uint64, va uint64, data []byte) error {
	for off := 0; off < len(data); {
		cur := va + uint64(off)
		// Read-fault to materialize the page: the debugger writes through
		// page protections (INT3 patches land in read-execute code pages).
		page, _, err := k.fault(pid, cur, false)
		if err != nil {
			return err
		}
		if page == nil {
			return errs.New(errs.BadAddress, "poke: unbacked area")
		}
		pageVA := cur &^ 0xFFF
		inPage := int(cur - pageVA)
		n := 4096 - inPage
		if n > len(data)-off {
			n = len(data) - off
		}
		copy(page.data[inPage:inPage+n], data[off:off+n])
		off += n
	}
	return nil
}
