// Package sched implements the Mach-style per-CPU multi-level priority
// scheduler and the thread/process subsystem: 128-level run queues,
// preemptive round-robin with work stealing, lazy FPU/SSE/AVX via CR0.TS,
// fork/exec/waitpid, deferred page-directory destruction, signal delivery,
// and debugger attach.
package sched

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"anyos/internal/hal"
	"anyos/internal/vmm"
)

// TimeSliceTicks is how many 1 kHz preemption ticks a thread runs before
// the scheduler considers its slice exhausted.
const TimeSliceTicks = 10

// Scheduler owns the per-CPU run queues, the process/thread tables, and the
// deferred page-directory destruction queue.
type Scheduler struct {
	log     *slog.Logger
	machine *hal.Machine
	vmm     *vmm.Engine
	router  *hal.IPIRouter

	queues []*runQueue

	mu        sync.Mutex
	processes map[uint64]*Process
	threads   map[uint64]*Thread
	nextTid   atomic.Uint64
	nextPid   atomic.Uint64

	current []atomic.Pointer[Thread] // per-CPU currently-Running thread
	ticks   []atomic.Uint64          // per-CPU slice-tick counters
	idle    []atomic.Uint64          // per-CPU idle-tick counters

	crashMu   sync.Mutex
	crashRing []CrashReport

	deadlinesMu sync.Mutex
	deadlines   []sleeper // sorted deadline list for sleep_until

	pipeWaitMu sync.Mutex
	pipeWaiters map[uint64][]chan struct{} // pipe id -> waiters
}

type sleeper struct {
	deadline time.Time
	tid      uint64
	wake     chan struct{}
}

// CrashReport is captured for a user-program crash, keyed by tid, and
// retrievable by the parent via get_crash_info.
type CrashReport struct {
	Tid       uint64
	RIP       uint64
	RSP       uint64
	FaultVA   uint64
	ShortTrace []uint64
}

// New constructs a Scheduler bound to an already-booted Machine and page
// table Engine, with one run queue per CPU.
func New(log *slog.Logger, m *hal.Machine, ve *vmm.Engine, router *hal.IPIRouter) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	n := m.NumCPUs()
	s := &Scheduler{
		log:         log,
		machine:     m,
		vmm:         ve,
		router:      router,
		queues:      make([]*runQueue, n),
		processes:   make(map[uint64]*Process),
		threads:     make(map[uint64]*Thread),
		current:     make([]atomic.Pointer[Thread], n),
		ticks:       make([]atomic.Uint64, n),
		idle:        make([]atomic.Uint64, n),
		pipeWaiters: make(map[uint64][]chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = newRunQueue()
	}
	s.nextTid.Store(1)
	s.nextPid.Store(1)
	router.Register(hal.IPIVectorReschedule, func(cpuID, vector int) {
		s.idle[cpuID].Store(0)
	})
	return s
}

// NumCPUs returns the number of CPUs this scheduler balances across.
func (s *Scheduler) NumCPUs() int { return len(s.queues) }

// Current returns the thread currently Running on cpuID, or nil if idle.
func (s *Scheduler) Current(cpuID int) *Thread {
	return s.current[cpuID].Load()
}

// enqueue makes t Ready and pushes it onto cpuID's run queue.
func (s *Scheduler) enqueue(cpuID int, t *Thread) {
	t.setState(Ready)
	s.queues[cpuID%len(s.queues)].push(t)
}

// Tick is invoked once per CPU per 1 kHz timer interrupt. It
// accounts CPU time to the current thread and returns true if the scheduler
// trap should run on the way back to user (slice exhausted, or a
// higher-priority ready thread exists locally).
func (s *Scheduler) Tick(cpuID int) bool {
	s.machine.AdvanceTSC(1)
	cur := s.current[cpuID].Load()
	if cur == nil {
		s.idle[cpuID].Add(1)
		return s.queues[cpuID].popcount() > 0
	}
	cur.mu.Lock()
	cur.cpuTicks++
	cur.mu.Unlock()

	s.wakeDueSleepers()

	ticks := s.ticks[cpuID].Add(1)
	if ticks >= TimeSliceTicks {
		s.ticks[cpuID].Store(0)
		return true
	}
	// A higher-priority ready thread locally preempts immediately.
	if top, ok := s.queues[cpuID].peekTopLevel(); ok && top > cur.Priority() {
		return true
	}
	return false
}

// peekTopLevel reports the highest populated priority level without
// popping, used by Tick's local-preemption check.
func (q *runQueue) peekTopLevel() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for word := 1; word >= 0; word-- {
		w := q.bitmap[word]
		if w == 0 {
			continue
		}
		for lvl := NumPriorities - 1; lvl >= 0; lvl-- {
			if lvl/64 != word {
				continue
			}
			if len(q.levels[lvl]) > 0 {
				return lvl, true
			}
		}
	}
	return 0, false
}

// Reschedule performs one scheduling decision on cpuID: the outgoing thread
// (if still Ready, i.e. preempted rather than blocked/dead) is re-enqueued,
// then the next thread is picked — locally first, falling back to work
// stealing from the most loaded CPU — and installed as Running, simulating
// the architecture context-switch primitive.
func (s *Scheduler) Reschedule(cpuID int) *Thread {
	cur := s.current[cpuID].Load()
	if cur != nil && cur.State() == Running {
		s.enqueue(cpuID, cur)
	}

	var next *Thread
	for {
		next = s.queues[cpuID].pickNextLocal()
		if next == nil {
			next = s.stealWork(cpuID)
		}
		if next == nil || next.State() != Dead {
			break
		}
		// A thread killed while merely Ready (never dispatched) can still
		// be sitting in a run queue; drop it and keep looking.
	}
	if next == nil {
		s.current[cpuID].Store(nil)
		return nil
	}

	next.mu.Lock()
	next.state = Running
	next.cpuID = cpuID
	next.mu.Unlock()
	s.current[cpuID].Store(next)
	s.idle[cpuID].Store(0)

	cpu := s.machine.CPU(cpuID)
	if cpu != nil {
		cpu.SwitchPageTable(next.ctx.CR3)
	}
	return next
}

// stealWork finds the CPU with the largest run queue length and takes one
// ready thread from the highest populated priority level of that queue. No
// per-CPU idle threshold limits the levels it may take from. Only non-Running threads are eligible — every entry in a
// runQueue is by construction Ready, so any popped thread already qualifies.
func (s *Scheduler) stealWork(idleCPU int) *Thread {
	bestCPU := -1
	bestLen := 0
	for i, q := range s.queues {
		if i == idleCPU {
			continue
		}
		if l := q.length(); l > bestLen {
			bestLen = l
			bestCPU = i
		}
	}
	if bestCPU < 0 {
		return nil
	}
	return s.queues[bestCPU].popBelow(NumPriorities - 1)
}

// wakeDueSleepers promotes any sleeper whose deadline has elapsed back to
// Ready, requeued at its priority — called once per tick.
func (s *Scheduler) wakeDueSleepers() {
	now := time.UnixMilli(s.machine.ReadTSCMillis())
	s.deadlinesMu.Lock()
	var due []sleeper
	remaining := s.deadlines[:0]
	for _, d := range s.deadlines {
		if !now.Before(d.deadline) {
			due = append(due, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.deadlines = remaining
	s.deadlinesMu.Unlock()

	for _, d := range due {
		close(d.wake)
	}
}

// RecordCrash appends a crash report for tid, bounded to the most recent 64
// entries.
func (s *Scheduler) RecordCrash(r CrashReport) {
	s.crashMu.Lock()
	defer s.crashMu.Unlock()
	s.crashRing = append(s.crashRing, r)
	if len(s.crashRing) > 64 {
		s.crashRing = s.crashRing[len(s.crashRing)-64:]
	}
}

// GetCrashInfo returns the most recent crash report for tid, if any.
func (s *Scheduler) GetCrashInfo(tid uint64) (CrashReport, bool) {
	s.crashMu.Lock()
	defer s.crashMu.Unlock()
	for i := len(s.crashRing) - 1; i >= 0; i-- {
		if s.crashRing[i].Tid == tid {
			return s.crashRing[i], true
		}
	}
	return CrashReport{}, false
}

// CPULoad reports idle ticks vs total ticks observed for cpuID since boot —
// feeds the sys:cpu_load event channel.
func (s *Scheduler) CPULoad(cpuID int) (idleTicks, totalTicks uint64) {
	return s.idle[cpuID].Load(), uint64(s.machine.ReadTSCMillis())
}
