package syscall

import (
	"testing"

	"anyos/internal/errs"
	"anyos/internal/vma"
)

func TestDecodeCompatZeroExtends(t *testing.T) {
	a := DecodeCompat(1, 2, 3, 4, 5)
	if a.A0 != 1 || a.A4 != 5 {
		t.Fatalf("DecodeCompat = %+v", a)
	}
}

func TestDispatchUnknownSyscallSentinel(t *testing.T) {
	d := NewDispatcher(nil, func(pid uint64) (*vma.List, bool) { return nil, false })
	ret, err := d.Dispatch(Caller{Tid: 1}, Number(9999), Args{})
	if err == nil {
		t.Fatalf("Dispatch of unregistered number should fail")
	}
	if ret != uint64(errs.SentinelU32) {
		t.Fatalf("Dispatch of unregistered number returned %#x, want the u32 sentinel", ret)
	}
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher(nil, func(pid uint64) (*vma.List, bool) { return nil, false })
	called := false
	d.Register(SysGetpid, func(c Caller, a Args) (uint64, error) {
		called = true
		return c.PID, nil
	})
	ret, err := d.Dispatch(Caller{PID: 42}, SysGetpid, Args{})
	if err != nil || ret != 42 || !called {
		t.Fatalf("Dispatch(SysGetpid) = %d, %v, called=%v", ret, err, called)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	d := NewDispatcher(nil, func(pid uint64) (*vma.List, bool) { return nil, false })
	d.Register(SysGetpid, func(c Caller, a Args) (uint64, error) { return 0, nil })
	defer func() {
		if recover() == nil {
			t.Fatalf("Register of a duplicate number should panic")
		}
	}()
	d.Register(SysGetpid, func(c Caller, a Args) (uint64, error) { return 0, nil })
}

func TestValidateUserPointerRejectsUnmapped(t *testing.T) {
	d := NewDispatcher(nil, func(pid uint64) (*vma.List, bool) {
		return vma.New(), true
	})
	if err := d.ValidateUserPointer(1, 0x1000, 8); err == nil {
		t.Fatalf("ValidateUserPointer on empty VMA list should fail with BadAddress")
	}
}

func TestValidateUserPointerAcceptsInRange(t *testing.T) {
	list := vma.New()
	if err := list.Insert(&vma.Area{Base: 0x1000, Limit: 0x2000, Prot: vma.ProtRead | vma.ProtWrite, Kind: vma.Anonymous}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	d := NewDispatcher(nil, func(pid uint64) (*vma.List, bool) { return list, true })
	if err := d.ValidateUserPointer(1, 0x1000, 16); err != nil {
		t.Fatalf("ValidateUserPointer in range: %v", err)
	}
	if err := d.ValidateUserPointer(1, 0x1ff8, 16); err == nil {
		t.Fatalf("ValidateUserPointer past VMA end should fail")
	}
}

func TestFamilyOfGroupsKnownSyscalls(t *testing.T) {
	if FamilyOf(SysPipeRead) != FamilyIPC {
		t.Fatalf("SysPipeRead family = %v, want FamilyIPC", FamilyOf(SysPipeRead))
	}
	if FamilyOf(SysDebugAttach) != FamilyDebug {
		t.Fatalf("SysDebugAttach family = %v, want FamilyDebug", FamilyOf(SysDebugAttach))
	}
}

func TestSyscallNumberString(t *testing.T) {
	if SysWrite.String() != "write" {
		t.Fatalf("SysWrite.String() = %q, want write", SysWrite.String())
	}
}
