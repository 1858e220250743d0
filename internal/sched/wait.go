package sched

import (
	"time"

	"anyos/internal/errs"
)

// SleepUntil blocks the calling thread until deadline, or until the
// scheduler tick loop promotes it back to Ready. The returned channel is
// closed exactly once, at wake time; callers select on it alongside any
// signal-interrupt channel to honor the "block-interruptible" policy for
// this syscall (DESIGN.md's per-syscall interruptibility decision).
func (s *Scheduler) SleepUntil(t *Thread, deadline time.Time) <-chan struct{} {
	t.mu.Lock()
	t.state = Blocked
	t.waitOn = WaitSleep
	t.sleepDeadline = deadline
	t.mu.Unlock()

	wake := make(chan struct{})
	s.deadlinesMu.Lock()
	s.deadlines = append(s.deadlines, sleeper{deadline: deadline, tid: t.Tid, wake: wake})
	s.deadlinesMu.Unlock()
	return wake
}

// WaitOnPipe blocks the calling thread until data/space becomes available
// on pipeID, signaled by the ipc package calling WakePipeWaiters. This
// syscall is interruptible: a pending unmasked signal aborts the wait with
// errs.Interrupted (DESIGN.md).
func (s *Scheduler) WaitOnPipe(t *Thread, pipeID uint64) <-chan struct{} {
	t.mu.Lock()
	t.state = Blocked
	t.waitOn = WaitPipe
	t.waitTarget = pipeID
	t.mu.Unlock()

	ch := make(chan struct{})
	s.pipeWaitMu.Lock()
	s.pipeWaiters[pipeID] = append(s.pipeWaiters[pipeID], ch)
	s.pipeWaitMu.Unlock()
	return ch
}

// WakePipeWaiters promotes every thread blocked on pipeID back to Ready.
// Called by internal/ipc whenever a pipe transitions from empty to
// non-empty (or full to non-full, for blocked writers).
func (s *Scheduler) WakePipeWaiters(pipeID uint64) {
	s.pipeWaitMu.Lock()
	waiters := s.pipeWaiters[pipeID]
	delete(s.pipeWaiters, pipeID)
	s.pipeWaitMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Unblock transitions t from Blocked back to Ready and requeues it at its
// current priority — called once the condition a blocking primitive was
// waiting on has resolved (data ready, child reaped, deadline elapsed).
func (s *Scheduler) Unblock(t *Thread) {
	t.mu.Lock()
	if t.state != Blocked && t.state != BlockedDebugged {
		t.mu.Unlock()
		return
	}
	t.state = Ready
	t.waitOn = WaitNone
	t.mu.Unlock()
	s.enqueue(s.leastLoadedCPU(), t)
}

// Waitpid blocks the calling thread until the child with the given tid
// becomes a Zombie, then reaps it: the process is removed from the process
// table and its exit code is returned. A second Waitpid call for the same
// tid returns ChildNotFound.
func (s *Scheduler) Waitpid(childTid uint64) (exitCode int, err error) {
	s.mu.Lock()
	child, ok := s.threads[childTid]
	s.mu.Unlock()
	if !ok {
		return 0, errs.New(errs.ChildNotFound, "waitpid: no such child")
	}

	s.mu.Lock()
	proc, ok := s.processes[child.ProcessID]
	s.mu.Unlock()
	if !ok {
		return 0, errs.New(errs.ChildNotFound, "waitpid: process already reaped")
	}

	proc.mu.Lock()
	if proc.reaped {
		proc.mu.Unlock()
		return 0, errs.New(errs.ChildNotFound, "waitpid: already reaped")
	}
	if proc.zombie {
		code := proc.exitCode
		proc.reaped = true
		proc.mu.Unlock()
		s.mu.Lock()
		delete(s.processes, proc.PID)
		delete(s.threads, childTid)
		s.mu.Unlock()
		return code, nil
	}
	waitCh := make(chan int, 1)
	proc.waitersMu.Lock()
	proc.waiters = append(proc.waiters, waitCh)
	proc.waitersMu.Unlock()
	proc.mu.Unlock()

	code := <-waitCh

	proc.mu.Lock()
	proc.reaped = true
	proc.mu.Unlock()
	s.mu.Lock()
	delete(s.processes, proc.PID)
	delete(s.threads, childTid)
	s.mu.Unlock()
	return code, nil
}
