package sched

// ReleaseHooks lets the owning kernel wire fd-table, shm, and
// IPC-subscription cleanup into process exit without sched importing
// vfs/ipc directly.
type ReleaseHooks struct {
	ReleaseFds          func(pid uint64)
	ReleaseShm          func(pid uint64)
	ReleaseSubscriptions func(pid uint64)
}

// Exit implements the exit(code) sequence for a single thread:
//  1. state = Dead.
//  2. fds/shm/IPC subscriptions released via hooks.
//  3. if this was the process's last thread, it transitions to Zombie
//     (strictly after step 2, so a reaped process is already clean),
//     waitpid()-ers are woken, and the page directory is enqueued for
//     deferred destruction rather than freed inline — walking hundreds of
//     leaf/intermediate entries takes milliseconds and must never happen
//     under the scheduler lock.
//  4. the thread is dropped from its run queue (enforced lazily: Reschedule
//     skips Dead threads it pops).
func (s *Scheduler) Exit(t *Thread, code int, hooks ReleaseHooks) {
	t.mu.Lock()
	t.state = Dead
	cpuID := t.cpuID
	t.mu.Unlock()

	if cpuID >= 0 && cpuID < len(s.current) {
		if s.current[cpuID].Load() == t {
			s.current[cpuID].Store(nil)
		}
	}

	s.mu.Lock()
	proc, ok := s.processes[t.ProcessID]
	s.mu.Unlock()
	if !ok {
		return
	}

	proc.mu.Lock()
	delete(proc.threads, t.Tid)
	lastThread := len(proc.threads) == 0
	proc.mu.Unlock()

	if hooks.ReleaseFds != nil {
		hooks.ReleaseFds(t.Tid)
	}
	if hooks.ReleaseShm != nil {
		hooks.ReleaseShm(t.Tid)
	}
	if hooks.ReleaseSubscriptions != nil {
		hooks.ReleaseSubscriptions(t.Tid)
	}

	if lastThread {
		// Zombie only after the hooks above have run: Waitpid reaps as
		// soon as it observes zombie, and a reaped process must already
		// have an empty fd table and no shm participations.
		proc.mu.Lock()
		proc.zombie = true
		proc.exitCode = code
		proc.mu.Unlock()

		proc.waitersMu.Lock()
		waiters := proc.waiters
		proc.waiters = nil
		proc.waitersMu.Unlock()
		for _, ch := range waiters {
			ch <- code
		}

		// tid == 0 here because cleanup already ran above via hooks; a
		// kill from another CPU that catches the thread still Running
		// uses KillRemote instead, which passes a non-zero tid so the
		// janitor performs cleanup with the dying CR3.
		s.vmm.EnqueueDeferredDestroy(proc.PageTable, 0)
	}
}

// KillRemote implements the asynchronous kill(tid) semantics:
// a target that is not Running exits at once through Exit. A target still
// Running on another CPU is marked Dead; if it was its process's last
// thread, the killer runs the release hooks itself before the zombie
// transition, and the page directory is queued for deferred destruction
// with the target's tid so the janitor runs a further IPC cleanup pass.
func (s *Scheduler) KillRemote(t *Thread, hooks ReleaseHooks) {
	wasRunning := t.State() == Running
	if !wasRunning {
		s.Exit(t, -1, hooks)
		return
	}

	t.mu.Lock()
	t.state = Dead
	t.mu.Unlock()

	s.mu.Lock()
	proc, ok := s.processes[t.ProcessID]
	s.mu.Unlock()
	if !ok {
		return
	}
	proc.mu.Lock()
	delete(proc.threads, t.Tid)
	lastThread := len(proc.threads) == 0
	proc.mu.Unlock()

	if lastThread {
		// fds/shm/subscriptions must be released before the zombie
		// transition below — Waitpid reaps as soon as it sees zombie —
		// so the killer runs the hooks here even though the target was
		// caught mid-run on another CPU.
		if hooks.ReleaseFds != nil {
			hooks.ReleaseFds(t.Tid)
		}
		if hooks.ReleaseShm != nil {
			hooks.ReleaseShm(t.Tid)
		}
		if hooks.ReleaseSubscriptions != nil {
			hooks.ReleaseSubscriptions(t.Tid)
		}

		proc.mu.Lock()
		proc.zombie = true
		proc.exitCode = -1
		proc.mu.Unlock()

		proc.waitersMu.Lock()
		waiters := proc.waiters
		proc.waiters = nil
		proc.waitersMu.Unlock()
		for _, ch := range waiters {
			ch <- -1
		}
		// Non-zero tid: the janitor still switches to the dying CR3 to
		// resolve any process-local handles the synchronous pass above
		// could not reach, before destroying the page directory.
		s.vmm.EnqueueDeferredDestroy(proc.PageTable, t.Tid)
	}
}
