package kernel

import (
	"anyos/internal/errs"
	"anyos/internal/ipc"
	"anyos/internal/sched"
	"anyos/internal/syscall"
	"anyos/internal/vma"
)

func (k *Kernel) registerIPCHandlers() {
	// pipe_create(namePtr, nameLen, capacity) -> pipe id. capacity 0 means
	// the 16 KiB default.
	k.disp.Register(syscall.SysPipeCreate, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		p, err := k.pipes.Create(name, int(a.A2))
		if err != nil {
			return errSentinel, err
		}
		return p.ID, nil
	})

	// pipe_close(id): wakes blocked peers with EOF.
	k.disp.Register(syscall.SysPipeClose, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if err := k.pipes.Close(a.A0); err != nil {
			return errSentinel, err
		}
		k.sched.WakePipeWaiters(a.A0)
		return 0, nil
	})

	// pipe_read(id, bufPtr, bufLen, flags): flags bit 0 = non-blocking.
	// Blocking reads park the thread on the pipe's waiter list; a pending
	// unmasked signal interrupts them (interruptible per the documented
	// policy).
	k.disp.Register(syscall.SysPipeRead, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		p, ok := k.pipes.Lookup(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "pipe_read: no such pipe")
		}
		if err := k.disp.ValidateUserPointer(c.PID, a.A1, a.A2); err != nil {
			return errSentinel, err
		}
		nonBlocking := a.A3&1 != 0
		buf := make([]byte, a.A2)
		for {
			n, err := p.Read(buf, true)
			if err == nil && n == 0 && !nonBlocking && !p.Closed() {
				t, terr := k.currentThread(c)
				if terr != nil {
					return errSentinel, terr
				}
				if t.PendingUnmasked() != 0 && sched.Interruptible(sched.SyscallPipeRead) {
					return errSentinel, errs.New(errs.Interrupted, "pipe_read: signal pending")
				}
				ch := k.sched.WaitOnPipe(t, a.A0)
				select {
				case <-ch:
					continue
				case <-k.stopCh:
					return errSentinel, errs.New(errs.Interrupted, "pipe_read: kernel stopping")
				}
			}
			if err != nil {
				return errSentinel, err
			}
			if n > 0 {
				if err := k.copyOut(c, a.A1, buf[:n]); err != nil {
					return errSentinel, err
				}
			}
			return uint64(n), nil
		}
	})

	// pipe_write(id, bufPtr, bufLen, flags): flags bit 0 = non-blocking
	// (returns the count written so far instead of blocking when the ring
	// is full).
	k.disp.Register(syscall.SysPipeWrite, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		p, ok := k.pipes.Lookup(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "pipe_write: no such pipe")
		}
		data, err := k.copyIn(c, a.A1, a.A2)
		if err != nil {
			return errSentinel, err
		}
		nonBlocking := a.A3&1 != 0
		written := 0
		for written < len(data) {
			n, err := p.Write(data[written:], true)
			if err != nil {
				if errs.As(err) != errs.WouldBlock {
					return errSentinel, err
				}
				// Ring full: block until a reader drains, or return the
				// partial count — never overflow the buffer.
				if nonBlocking {
					return uint64(written), nil
				}
				t, terr := k.currentThread(c)
				if terr != nil {
					return errSentinel, terr
				}
				ch := k.sched.WaitOnPipe(t, a.A0)
				select {
				case <-ch:
					continue
				case <-k.stopCh:
					return errSentinel, errs.New(errs.Interrupted, "pipe_write: kernel stopping")
				}
			}
			written += n
		}
		return uint64(written), nil
	})

	// pipe_list(bufPtr, bufLen): 80-byte entries.
	k.disp.Register(syscall.SysPipeList, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return k.copyOutBounded(c, a.A0, a.A1, encodePipeList(k.pipes.List()))
	})

	// shm_create(size) -> segment id, refcount 1 owned by the caller.
	k.disp.Register(syscall.SysShmCreate, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		seg, err := k.shm.Create(c.PID, a.A0)
		if err != nil {
			return errSentinel, err
		}
		if p, ok := k.sched.Process(c.PID); ok {
			p.AddShmParticipation(seg.ID)
		}
		return seg.ID, nil
	})

	// shm_map(id) -> va: bumps the refcount and mints a Shm VMA.
	k.disp.Register(syscall.SysShmMap, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		seg, err := k.shm.Map(a.A0, c.PID)
		if err != nil {
			return errSentinel, err
		}
		proc, ok := k.sched.Process(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "shm_map: no process")
		}
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "shm_map: no process state")
		}
		length := (seg.Size + 0xFFF) &^ uint64(0xFFF)
		ps.mu.Lock()
		if ps.mmapNext == 0 {
			ps.mmapNext = userMmapBase
		}
		base := ps.mmapNext
		ps.mmapNext += length
		ps.mu.Unlock()
		if err := proc.VMAs.Insert(&vma.Area{Base: base, Limit: base + length, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Shm, ShmID: seg.ID}); err != nil {
			k.shm.Unmap(seg.ID, c.PID)
			return errSentinel, err
		}
		proc.AddShmParticipation(seg.ID)
		return base, nil
	})

	// shm_unmap(id): drops the mapping; the segment is freed when its
	// refcount hits 0.
	k.disp.Register(syscall.SysShmUnmap, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		proc, ok := k.sched.Process(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "shm_unmap: no process")
		}
		for _, area := range proc.VMAs.Snapshot() {
			if area.Kind == vma.Shm && area.ShmID == a.A0 {
				proc.VMAs.Remove(area.Base)
			}
		}
		k.shm.Unmap(a.A0, c.PID)
		proc.RemoveShmParticipation(a.A0)
		return 0, nil
	})

	// msgq_create(capacity) -> queue id.
	k.disp.Register(syscall.SysMsgqCreate, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		q := k.msgqs.Create(int(a.A0))
		return q.ID, nil
	})

	// msgq_send(id, type, payloadPtr, payloadLen): fails when full.
	k.disp.Register(syscall.SysMsgqSend, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		q, ok := k.msgqs.Lookup(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "msgq_send: no such queue")
		}
		payload, err := k.copyIn(c, a.A2, a.A3)
		if err != nil {
			return errSentinel, err
		}
		if err := q.Send(c.Tid, uint32(a.A1), payload); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// msgq_recv(id, bufPtr, bufLen) -> payload length; WouldBlock when
	// empty (receive is non-blocking by default).
	k.disp.Register(syscall.SysMsgqRecv, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		q, ok := k.msgqs.Lookup(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "msgq_recv: no such queue")
		}
		m, ok := q.Recv()
		if !ok {
			return errSentinel, errs.New(errs.WouldBlock, "msgq_recv: empty")
		}
		return k.copyOutBounded(c, a.A1, a.A2, m.Payload)
	})

	k.disp.Register(syscall.SysMsgqClose, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.msgqs.Close(a.A0)
		return 0, nil
	})

	// eventchan_open(namePtr, nameLen) -> channel id.
	k.disp.Register(syscall.SysEventchanOpen, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		return k.channelID(name), nil
	})

	// eventchan_subscribe(chanID, ringSize) -> subscriber id.
	k.disp.Register(syscall.SysEventchanSubscribe, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ch, ok := k.channelByID(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "eventchan_subscribe: no such channel")
		}
		sub := k.events.NewSubscriberID()
		ch.Subscribe(sub, int(a.A1))
		if ps, ok := k.proc(c.PID); ok {
			ps.mu.Lock()
			ps.subIDs = append(ps.subIDs, sub)
			ps.mu.Unlock()
		}
		return sub, nil
	})

	k.disp.Register(syscall.SysEventchanUnsubscribe, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ch, ok := k.channelByID(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "eventchan_unsubscribe: no such channel")
		}
		ch.Unsubscribe(a.A1)
		return 0, nil
	})

	// eventchan_emit(chanID, payloadPtr, payloadLen): fans out to all
	// current subscribers.
	k.disp.Register(syscall.SysEventchanEmit, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ch, ok := k.channelByID(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "eventchan_emit: no such channel")
		}
		payload, err := k.copyIn(c, a.A1, a.A2)
		if err != nil {
			return errSentinel, err
		}
		ch.Emit(payload)
		return 0, nil
	})

	// eventchan_poll(chanID, subID, bufPtr, bufLen) -> payload length;
	// WouldBlock when the subscriber's ring is empty.
	k.disp.Register(syscall.SysEventchanPoll, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ch, ok := k.channelByID(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "eventchan_poll: no such channel")
		}
		ev, ok := ch.Poll(a.A1)
		if !ok {
			return errSentinel, errs.New(errs.WouldBlock, "eventchan_poll: empty")
		}
		return k.copyOutBounded(c, a.A2, a.A3, ev.Payload)
	})
}

// channelID maps a topic name to a stable numeric id for the ABI.
func (k *Kernel) channelID(name string) uint64 {
	k.chanMu.Lock()
	defer k.chanMu.Unlock()
	if id, ok := k.chanIDs[name]; ok {
		return id
	}
	k.nextChan++
	id := k.nextChan
	k.chanIDs[name] = id
	k.chanByID[id] = k.events.Open(name)
	return id
}

func (k *Kernel) channelByID(id uint64) (*ipc.Channel, bool) {
	k.chanMu.Lock()
	defer k.chanMu.Unlock()
	ch, ok := k.chanByID[id]
	return ch, ok
}
