// Package kernel boots and wires the L0-L3 subsystems into a running
// kernel: HAL machine, frame allocator, page-table engine, scheduler, IPC
// registries, VFS, and the syscall dispatch table, driven through the same
// operation names the syscall ABI exposes.
package kernel

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"anyos/internal/config"
	"anyos/internal/fsdrivers"
	"anyos/internal/hal"
	"anyos/internal/ipc"
	"anyos/internal/pmm"
	"anyos/internal/sched"
	"anyos/internal/syscall"
	"anyos/internal/vfs"
	"anyos/internal/vma"
	"anyos/internal/vmm"
)

// TickHz is the generic timer frequency.
const TickHz = 1000

const dmesgRingSize = 1024

// errSentinel is the u32::MAX inline-failure encoding of the syscall ABI:
// no errno slot exists, failure is the return value itself.
const errSentinel = uint64(^uint32(0))

// procState is the kernel-side per-process record the scheduler does not
// own: fd table, environment, args, credentials, and the demand-paged user
// memory image.
type procState struct {
	pid      uint64
	fds      *vfs.FdTable
	identity vfs.Identity
	args     []string

	mu   sync.Mutex
	env  map[string]string
	cwd  string
	brk  uint64
	mmapNext uint64
	mem  map[uint64]*userPage // page-aligned va -> backing page
	dlls map[string]uint64    // dll name -> load address (dll_load)

	subIDs []uint64 // event-channel subscriber ids owned by this process

	critical   bool
	forkReturn uint64 // value fork() observes in this process (0 in a child)
}

type user struct {
	uid      int
	name     string
	password string
	groups   []int
}

// Kernel owns every global singleton of the core: constructed during boot,
// never torn down.
type Kernel struct {
	log *slog.Logger
	cfg config.Root

	machine *hal.Machine
	router  *hal.IPIRouter
	frames  *pmm.Allocator
	vm      *vmm.Engine
	sched   *sched.Scheduler
	fb      *hal.Framebuffer

	pipes  *ipc.PipeRegistry
	shm    *ipc.ShmRegistry
	msgqs  *ipc.MsgQRegistry
	events *ipc.EventChanRegistry
	mounts *vfs.Mount
	devfs  *fsdrivers.DevFS
	disp   *syscall.Dispatcher

	bootAt    time.Time
	bootReady atomic.Bool
	ticks     atomic.Uint64

	dmesgMu   sync.Mutex
	dmesgRing []string

	procMu sync.Mutex
	procs  map[uint64]*procState

	usersMu sync.Mutex
	users   map[int]user
	groups  map[string]int
	nextUID int

	permMu sync.Mutex
	perms  map[string]map[string]bool // app -> permission -> granted

	chanMu    sync.Mutex
	chanByID  map[uint64]*ipc.Channel
	chanIDs   map[string]uint64
	nextChan  uint64

	net netState

	sockMu sync.Mutex
	socks  map[uint64]*socket
	nextSock uint64

	kbdMu     sync.Mutex
	kbdLayout string

	audioMu   sync.Mutex
	audioBusy bool

	debugMu  sync.Mutex
	sessions map[uint64]*sched.DebugSession
	nextSess uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Boot runs the BSP boot sequence against the supplied
// configuration: boot info parse, frame allocator, framebuffer map with WC
// programming ordered after PAT setup, mount table, AP bringup, and the
// syscall table install. The returned Kernel is running but not ticking;
// call Run (daemons) or Step (tests) to advance time.
func Boot(log *slog.Logger, cfg config.Root) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Boot.Validate(); err != nil {
		return nil, err
	}

	arch := hal.ArchitectureX86_64
	if cfg.Boot.Arch == "aarch64" {
		arch = hal.ArchitectureARM64
	}
	machine, err := hal.NewMachine(arch, cfg.Boot.NumCPUs)
	if err != nil {
		return nil, err
	}

	ranges := make([]pmm.Range, 0, len(cfg.Boot.MemoryMap))
	for _, r := range cfg.Boot.MemoryMap {
		ranges = append(ranges, pmm.Range{Base: r.Base, Size: r.Size})
	}
	frames := pmm.New(log, ranges)

	router := hal.NewIPIRouter()
	vm := vmm.NewEngine(frames, machine)

	// PAT before framebuffer map: the WC PTEs installed for the aperture
	// select PAT entry 1, which must already read Write-Combining on the
	// BSP.
	vm.ProgramPAT(0)
	fbCfg := cfg.Boot.Framebuffer
	if fbCfg.Pitch == 0 {
		fbCfg.Pitch = fbCfg.Width * 4
	}
	fb, err := machine.MapFramebuffer(fbCfg.Width, fbCfg.Height, fbCfg.Pitch)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		log:       log,
		cfg:       cfg,
		machine:   machine,
		router:    router,
		frames:    frames,
		vm:        vm,
		fb:        fb,
		shm:       ipc.NewShmRegistry(log),
		msgqs:     ipc.NewMsgQRegistry(),
		events:    ipc.NewEventChanRegistry(),
		mounts:    vfs.NewMount(log),
		devfs:     fsdrivers.NewDevFS(log),
		bootAt:    time.Now(),
		procs:     make(map[uint64]*procState),
		users:     map[int]user{0: {uid: 0, name: "root"}},
		groups:    map[string]int{"wheel": 0},
		nextUID:   1000,
		perms:     make(map[string]map[string]bool),
		chanByID:  make(map[uint64]*ipc.Channel),
		chanIDs:   make(map[string]uint64),
		socks:     make(map[uint64]*socket),
		kbdLayout: cfg.Compositor.DefaultLayout,
		sessions:  make(map[uint64]*sched.DebugSession),
		stopCh:    make(chan struct{}),
	}
	if k.kbdLayout == "" {
		k.kbdLayout = "us"
	}

	k.sched = sched.New(log, machine, vm, router)
	k.pipes = ipc.NewPipeRegistry(log, k.sched.WakePipeWaiters)
	k.disp = syscall.NewDispatcher(log, k.vmaOf)

	if err := k.mountAll(); err != nil {
		return nil, err
	}
	k.registerDevices()
	k.registerHandlers()

	// AP bringup: each AP re-runs PAT programming before it can touch the
	// WC aperture.
	for cpu := 1; cpu < machine.NumCPUs(); cpu++ {
		vm.ProgramPAT(cpu)
	}

	k.Dmesg(fmt.Sprintf("anyos: booted arch=%s cpus=%d mem=%d frames", arch, machine.NumCPUs(), totalFrames(ranges)))
	k.bootReady.Store(true)
	return k, nil
}

func totalFrames(ranges []pmm.Range) uint64 {
	var n uint64
	for _, r := range ranges {
		n += r.Size / pmm.FrameSize
	}
	return n
}

func (k *Kernel) mountAll() error {
	mounted := false
	for _, m := range k.cfg.Mounts {
		var drv vfs.FileDriver
		switch m.Driver {
		case "devfs":
			drv = k.devfs
		case "ram", "ramfs":
			drv = fsdrivers.NewRamFS()
		default:
			// FAT/NTFS need a block device image; the harness config names
			// them but only a present image file can back them; cmd/anyosd
			// mounts those over this table after Boot. Unknown drivers fall
			// back to ramfs so boot proceeds.
			k.log.Warn("kernel: no block image for mount, using ramfs", "driver", m.Driver, "mountpoint", m.Mountpoint)
			drv = fsdrivers.NewRamFS()
		}
		if err := k.mounts.MountFS(m.Device, m.Mountpoint, drv); err != nil {
			return err
		}
		if m.Mountpoint == "/" {
			mounted = true
		}
	}
	if !mounted {
		if err := k.mounts.MountFS("ram0", "/", fsdrivers.NewRamFS()); err != nil {
			return err
		}
	}
	if _, _, _, err := k.mounts.Resolve("/dev"); err != nil {
		if err := k.mounts.MountFS("dev0", "/dev", k.devfs); err != nil {
			return err
		}
	}
	return nil
}

// Mount exposes the mount table to cmd/anyosd, which layers image-backed
// FAT/NTFS mounts on top of the boot-time table once host files are open.
func (k *Kernel) Mount(device, mountpoint string, drv vfs.FileDriver) error {
	return k.mounts.MountFS(device, mountpoint, drv)
}

func (k *Kernel) registerDevices() {
	k.devfs.Register("/null", "mem", 0,
		func(off int64, buf []byte) (int, error) { return 0, nil },
		func(off int64, buf []byte) (int, error) { return len(buf), nil })
	k.devfs.Register("/zero", "mem", 0,
		func(off int64, buf []byte) (int, error) {
			for i := range buf {
				buf[i] = 0
			}
			return len(buf), nil
		}, nil)
	k.devfs.Register("/fb0", "fbcon", 1, func(off int64, buf []byte) (int, error) {
		mem := k.fb.Bytes()
		if off >= int64(len(mem)) {
			return 0, nil
		}
		return copy(buf, mem[off:]), nil
	}, func(off int64, buf []byte) (int, error) {
		mem := k.fb.Bytes()
		if off >= int64(len(mem)) {
			return 0, nil
		}
		return copy(mem[off:], buf), nil
	})
	k.devfs.Register("/kbd0", "ps2kbd", 2, nil, nil)
	k.devfs.Register("/mouse0", "ps2mouse", 2, nil, nil)
	k.devfs.Register("/audio0", "hda", 3, nil, nil)
}

// vmaOf is the VMALookup the dispatcher uses for user-pointer validation.
func (k *Kernel) vmaOf(pid uint64) (*vma.List, bool) {
	p, ok := k.sched.Process(pid)
	if !ok {
		return nil, false
	}
	return p.VMAs, true
}

// Scheduler exposes the scheduler for the compositor daemon and tests.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Frames exposes the physical frame allocator for invariant checks.
func (k *Kernel) Frames() *pmm.Allocator { return k.frames }

// VM exposes the page-table engine.
func (k *Kernel) VM() *vmm.Engine { return k.vm }

// Machine exposes the HAL machine.
func (k *Kernel) Machine() *hal.Machine { return k.machine }

// Framebuffer exposes the WC-mapped display memory.
func (k *Kernel) Framebuffer() *hal.Framebuffer { return k.fb }

// Events exposes the event-channel registry (the compositor daemon opens
// compositor:events through it directly, being in-process).
func (k *Kernel) Events() *ipc.EventChanRegistry { return k.events }

// Shm exposes the shared-memory registry for the compositor's surface
// allocation path.
func (k *Kernel) Shm() *ipc.ShmRegistry { return k.shm }

// Pipes exposes the pipe registry; the compositor's request server
// discovers per-client request pipes through it.
func (k *Kernel) Pipes() *ipc.PipeRegistry { return k.pipes }

// Invoke dispatches one syscall on behalf of caller c, exactly as the trap
// path would: decode already happened (Args), the table routes by number.
func (k *Kernel) Invoke(c syscall.Caller, nr syscall.Number, a syscall.Args) (uint64, error) {
	return k.disp.Dispatch(c, nr, a)
}

// Dmesg appends a line to the kernel message ring.
func (k *Kernel) Dmesg(line string) {
	k.dmesgMu.Lock()
	k.dmesgRing = append(k.dmesgRing, line)
	if len(k.dmesgRing) > dmesgRingSize {
		k.dmesgRing = k.dmesgRing[len(k.dmesgRing)-dmesgRingSize:]
	}
	k.dmesgMu.Unlock()
	k.log.Debug("dmesg", "line", line)
}

func (k *Kernel) dmesgText() string {
	k.dmesgMu.Lock()
	defer k.dmesgMu.Unlock()
	return strings.Join(k.dmesgRing, "\n")
}

// Step advances the machine n timer ticks on every CPU: preemption
// accounting, sleeper wakeup, deferred page-directory draining from idle
// CPUs, and the sys:cpu_load sample each tick-second.
func (k *Kernel) Step(n int) {
	for i := 0; i < n; i++ {
		anyIdle := false
		for cpu := 0; cpu < k.machine.NumCPUs(); cpu++ {
			if k.sched.Current(cpu) == nil {
				anyIdle = true
			}
			if k.sched.Tick(cpu) {
				k.sched.Reschedule(cpu)
			}
		}
		if anyIdle {
			k.drainDeferred()
		}
		if t := k.ticks.Add(1); t%TickHz == 0 {
			k.publishCPULoad()
		}
	}
}

// Run ticks the machine at TickHz wall-clock until Stop or ctx-free
// channel close; daemons use this, tests use Step.
func (k *Kernel) Run() {
	ticker := time.NewTicker(time.Second / TickHz)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.Step(1)
		}
	}
}

// Stop terminates Run.
func (k *Kernel) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

// drainDeferred runs the janitor: deferred page-directory destruction off
// the scheduler lock, releasing the doomed process's remaining user pages
// back to the frame bitmap.
func (k *Kernel) drainDeferred() {
	k.vm.DrainDeferred(func(pt *vmm.PageTable, tid uint64) {
		// KillRemote path: the janitor performs the IPC cleanup the killer
		// could not, with the doomed page table still resolvable.
		cpu := k.machine.CPU(0)
		prev := cpu.CurrentPageTable()
		cpu.SwitchPageTable(pt.DebugID())
		k.releaseIPCByTid(tid)
		cpu.SwitchPageTable(prev)
	})
}

func (k *Kernel) publishCPULoad() {
	var b strings.Builder
	for cpu := 0; cpu < k.machine.NumCPUs(); cpu++ {
		idle, total := k.sched.CPULoad(cpu)
		load := 0
		if total > 0 {
			load = int(100 - idle*100/total)
		}
		if cpu > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "cpu%d=%d", cpu, load)
	}
	k.events.Open("sys:cpu_load").Emit([]byte(b.String()))
}

// Uptime returns wall-clock time since Boot.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.bootAt) }
