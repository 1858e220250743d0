package syscall

import (
	"log/slog"
	"sync"

	"anyos/internal/errs"
	"anyos/internal/vma"
)

// ABIPath distinguishes the two syscall entry paths.
type ABIPath int

const (
	// PathCompat is the 32-bit INT 0x80 path: all args zero-extended to u32.
	PathCompat ABIPath = iota
	// PathNative is the 64-bit SYSCALL/SVC path: full 64-bit args.
	PathNative
)

// Args holds the decoded register arguments for one syscall invocation,
// already normalized to the native 64-bit width regardless of entry path
// (the compat path's zero-extension happens before Args is constructed).
type Args struct {
	A0, A1, A2, A3, A4 uint64
}

// DecodeCompat builds Args from the 32-bit compat ABI registers
// (RAX=nr, RBX=a1, R10=a2, RDX=a3, RSI=a4, RDI=a5), zero-extending each to
// 64 bits.
func DecodeCompat(a1, a2, a3, a4, a5 uint32) Args {
	return Args{A0: uint64(a1), A1: uint64(a2), A2: uint64(a3), A3: uint64(a4), A4: uint64(a5)}
}

// DecodeNative builds Args from the native 64-bit ABI registers, passed
// through unchanged.
func DecodeNative(a1, a2, a3, a4, a5 uint64) Args {
	return Args{A0: a1, A1: a2, A2: a3, A3: a4, A4: a5}
}

// VMALookup resolves the calling process's VMA list, used by pointer
// validation below. Supplied by internal/kernel at wiring time so this
// package does not need to know about sched.Process directly.
type VMALookup func(pid uint64) (*vma.List, bool)

// Caller identifies the thread/process issuing a syscall.
type Caller struct {
	Tid  uint64
	PID  uint64
	UID  int
	Path ABIPath
}

// HandlerFunc implements one syscall number. It returns the ABI's raw
// return value; a failing handler returns the ABI sentinel together with
// its error, and the Dispatcher passes both through unchanged.
type HandlerFunc func(c Caller, a Args) (uint64, error)

// Dispatcher holds the static (nr -> handler) table both entry paths
// funnel into.
type Dispatcher struct {
	log      *slog.Logger
	vmaOf    VMALookup

	mu       sync.RWMutex
	handlers map[Number]HandlerFunc
}

// NewDispatcher constructs an empty dispatch table bound to a VMA lookup
// callback for user-pointer validation.
func NewDispatcher(log *slog.Logger, vmaOf VMALookup) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, vmaOf: vmaOf, handlers: make(map[Number]HandlerFunc)}
}

// Register installs the handler for syscall number n. Re-registering a
// number is almost certainly a programming error (two families both
// claiming it), so it panics at wiring time rather than silently
// overwriting.
func (d *Dispatcher) Register(n Number, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[n]; exists {
		panic("syscall: duplicate handler registration for " + n.String())
	}
	d.handlers[n] = h
}

// ValidateUserPointer checks that [va, va+length) lies entirely within
// one VMA of the caller's address space before any handler dereferences
// it; invalid pointers yield a BadAddress error, never a kernel
// page-fault.
func (d *Dispatcher) ValidateUserPointer(pid uint64, va uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	list, ok := d.vmaOf(pid)
	if !ok {
		return errs.New(errs.BadAddress, "dispatch: no VMA list for process")
	}
	area, ok := list.Find(va)
	if !ok {
		return errs.New(errs.BadAddress, "dispatch: pointer not mapped")
	}
	end := va + length
	if end < va || end > area.Limit {
		return errs.New(errs.BadAddress, "dispatch: range extends past VMA end")
	}
	return nil
}

// Dispatch implements dispatch_inner(nr, a0..a4): both entry paths funnel
// here after decoding their own register convention.
func (d *Dispatcher) Dispatch(c Caller, nr Number, a Args) (uint64, error) {
	d.mu.RLock()
	h, ok := d.handlers[nr]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("syscall: no handler for number", "nr", int(nr), "name", nr.String())
		return uint64(errs.SentinelU32), errs.New(errs.NotSupported, "dispatch: unknown syscall "+nr.String())
	}
	ret, err := h(c, a)
	if err != nil {
		d.log.Debug("syscall: handler error", "nr", nr.String(), "tid", c.Tid, "err", err)
	}
	return ret, err
}

// EncodeSentinelU32 and EncodeNegativeInt expose the two inline failure
// encodings of the ABI, so cmd/anyosd's trap handler doesn't need to
// import internal/errs directly for the common case.
func EncodeSentinelU32(err error) uint32 { return errs.ToSentinelU32(err) }
func EncodeNegativeInt(err error) int    { return errs.ToNegativeInt(err) }
