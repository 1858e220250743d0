package sched

import (
	"testing"
	"time"

	"anyos/internal/hal"
	"anyos/internal/pmm"
	"anyos/internal/vmm"
)

func newTestScheduler(tb testing.TB, nCPUs int) *Scheduler {
	tb.Helper()
	m, err := hal.NewMachine(hal.ArchitectureX86_64, nCPUs)
	if err != nil {
		tb.Fatalf("new machine: %v", err)
	}
	frames := pmm.New(nil, []pmm.Range{{Base: 0, Size: 256 * pmm.FrameSize}})
	ve := vmm.NewEngine(frames, m)
	router := hal.NewIPIRouter()
	return New(nil, m, ve, router)
}

func TestRunQueueBitmapInvariant(t *testing.T) {
	q := newRunQueue()
	threads := []*Thread{
		newThread(1, 1, 0, 0, "a", 10, 0),
		newThread(2, 1, 0, 0, "b", 10, 0),
		newThread(3, 1, 0, 0, "c", 50, 0),
	}
	for _, th := range threads {
		q.push(th)
	}
	if got, want := q.popcount(), q.nonEmptyLevelCount(); got != want {
		t.Fatalf("bitmap popcount %d != non-empty level count %d", got, want)
	}

	got := q.pickNextLocal()
	if got.Tid != 3 {
		t.Fatalf("expected highest-priority thread (tid 3) picked first, got tid %d", got.Tid)
	}
}

func TestSpawnEnqueuesReadyThread(t *testing.T) {
	s := newTestScheduler(t, 2)
	proc, th := s.Spawn(0, 0x400000, "init", 0, 0)
	if th.State() != Ready {
		t.Fatalf("expected spawned thread Ready, got %v", th.State())
	}
	if proc.ThreadCount() != 1 {
		t.Fatalf("expected 1 thread in process, got %d", proc.ThreadCount())
	}
}

func TestRescheduleDispatchesHighestPriority(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, lo := s.Spawn(0, 0, "lo", 0, 0)
	lo.SetPriority(10)
	_, hi := s.Spawn(0, 0, "hi", 0, 0)
	hi.SetPriority(100)

	next := s.Reschedule(0)
	if next.Tid != hi.Tid {
		t.Fatalf("expected high-priority thread dispatched first, got tid %d", next.Tid)
	}
}

func TestWorkStealing(t *testing.T) {
	s := newTestScheduler(t, 2)
	// Fill CPU 0's queue manually to simulate an imbalanced load, then force
	// CPU 1 (idle) to steal from it.
	busy := newThread(100, 1, 0, 0, "busy", 20, 0)
	s.queues[0].push(busy)

	stolen := s.stealWork(1)
	if stolen == nil || stolen.Tid != 100 {
		t.Fatalf("expected work stolen from CPU 0, got %v", stolen)
	}
}

func TestForkInheritsShmParticipation(t *testing.T) {
	s := newTestScheduler(t, 1)
	parentProc, parentThread := s.Spawn(0, 0, "parent", 0, 0)
	parentProc.AddShmParticipation(7)

	child, childPID, err := s.Fork(parentThread, ^uint64(0), ^uint64(0))
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	childProc, ok := s.Process(childPID)
	if !ok {
		t.Fatalf("child process not registered")
	}
	found := false
	for _, id := range childProc.ShmParticipations() {
		if id == 7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected child to inherit shm participation 7")
	}
	if child.Tid == parentThread.Tid {
		t.Fatalf("expected distinct child tid")
	}
}

func TestWaitpidRoundTrip(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, th := s.Spawn(0, 0, "child", 0, 0)

	s.Exit(th, 7, ReleaseHooks{})

	code, err := s.Waitpid(th.Tid)
	if err != nil {
		t.Fatalf("waitpid: %v", err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}

	if _, err := s.Waitpid(th.Tid); err == nil {
		t.Fatalf("expected second waitpid to fail with ChildNotFound")
	}
}

func TestWaitpidBlocksUntilExit(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, th := s.Spawn(0, 0, "child", 0, 0)

	done := make(chan int, 1)
	go func() {
		code, err := s.Waitpid(th.Tid)
		if err != nil {
			t.Errorf("waitpid: %v", err)
		}
		done <- code
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter register
	s.Exit(th, 3, ReleaseHooks{})

	select {
	case code := <-done:
		if code != 3 {
			t.Fatalf("expected exit code 3, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("waitpid did not unblock after exit")
	}
}

func TestDebugAttachBusyOnSecondAttach(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, th := s.Spawn(0, 0, "target", 0, 0)

	sess, err := s.DebugAttach(th)
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if th.State() != BlockedDebugged {
		t.Fatalf("expected BlockedDebugged, got %v", th.State())
	}

	if _, err := s.DebugAttach(th); err == nil {
		t.Fatalf("expected second attach to fail with BusyResource")
	}

	s.DebugDetach(sess)
}

func TestInterruptiblePolicy(t *testing.T) {
	if !Interruptible(SyscallPipeRead) {
		t.Fatalf("pipe_read must be interruptible")
	}
	if Interruptible(SyscallFork) {
		t.Fatalf("fork must be uninterruptible")
	}
}

func TestDeferredDestroyOnLastThreadExit(t *testing.T) {
	s := newTestScheduler(t, 1)
	proc, th := s.Spawn(0, 0, "solo", 0, 0)
	_ = proc
	s.Exit(th, 0, ReleaseHooks{})
	if n := s.vmm.PendingDeferredCount(); n != 1 {
		t.Fatalf("expected page directory enqueued for deferred destruction, got %d pending", n)
	}
}

func TestTimesliceFairnessAtEqualPriority(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, a := s.Spawn(0, 0x1000, "worker-a", 0, 0)
	_, b := s.Spawn(0, 0x2000, "worker-b", 0, 0)

	// Drive one simulated second of 1 kHz ticks; the slice-exhaustion
	// check alternates the two runnable threads round-robin.
	s.Reschedule(0)
	for i := 0; i < 1000; i++ {
		if s.Tick(0) {
			s.Reschedule(0)
		}
	}

	ta, tb := a.Ticks(), b.Ticks()
	total := ta + tb
	if total == 0 {
		t.Fatalf("no ticks accounted to either thread")
	}
	diff := int64(ta) - int64(tb)
	if diff < 0 {
		diff = -diff
	}
	if diff*100 > int64(total)*5 {
		t.Fatalf("tick split %d/%d exceeds 5%% fairness bound", ta, tb)
	}
}

func TestExitRunsHooksBeforeZombie(t *testing.T) {
	s := newTestScheduler(t, 1)
	proc, thread := s.Spawn(0, 0x1000, "doomed", 0, 0)

	sawZombieInHook := false
	hooks := ReleaseHooks{
		ReleaseFds:           func(uint64) { sawZombieInHook = sawZombieInHook || proc.IsZombie() },
		ReleaseShm:           func(uint64) { sawZombieInHook = sawZombieInHook || proc.IsZombie() },
		ReleaseSubscriptions: func(uint64) { sawZombieInHook = sawZombieInHook || proc.IsZombie() },
	}
	s.Exit(thread, 0, hooks)

	if sawZombieInHook {
		t.Fatalf("process observable as Zombie while release hooks were still running")
	}
	if !proc.IsZombie() {
		t.Fatalf("process not Zombie after Exit completed")
	}
}
