package kernel

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"

	"anyos/internal/compositor/layout"
	"anyos/internal/errs"
	"anyos/internal/syscall"
)

func (k *Kernel) registerSystemHandlers() {
	k.disp.Register(syscall.SysTime, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return uint64(time.Now().Unix()), nil
	})

	k.disp.Register(syscall.SysUptime, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return uint64(k.Uptime() / time.Second), nil
	})

	k.disp.Register(syscall.SysUptimeMs, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return uint64(k.Uptime() / time.Millisecond), nil
	})

	k.disp.Register(syscall.SysTickHz, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return TickHz, nil
	})

	// sysinfo(cmd, bufPtr, bufLen): cmd 0 = memory, 1 = threads (60-byte
	// entries), 2 = cpus.
	k.disp.Register(syscall.SysSysinfo, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		var out []byte
		switch a.A0 {
		case 0:
			total, free := k.frames.Stats()
			out = []byte(fmt.Sprintf("total_frames=%d free_frames=%d frame_size=4096", total, free))
		case 1:
			out = k.encodeThreadList()
		case 2:
			var b strings.Builder
			for cpu := 0; cpu < k.machine.NumCPUs(); cpu++ {
				idle, totalTicks := k.sched.CPULoad(cpu)
				fmt.Fprintf(&b, "cpu%d arch=%s idle=%d total=%d\n", cpu, k.machine.CPU(cpu).Arch, idle, totalTicks)
			}
			out = []byte(b.String())
		default:
			return errSentinel, errs.New(errs.InvalidArgument, "sysinfo: unknown cmd")
		}
		return k.copyOutBounded(c, a.A1, a.A2, out)
	})

	k.disp.Register(syscall.SysDmesg, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return k.copyOutBounded(c, a.A0, a.A1, []byte(k.dmesgText()))
	})

	// devlist(bufPtr, bufLen): 64-byte entries.
	k.disp.Register(syscall.SysDevlist, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return k.copyOutBounded(c, a.A0, a.A1, encodeDeviceList(k.devfs.List()))
	})

	// random(bufPtr, bufLen): fills the buffer from the entropy pool.
	k.disp.Register(syscall.SysRandom, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		buf := make([]byte, a.A1&0xFFFF) // bounded request
		if _, err := rand.Read(buf); err != nil {
			return errSentinel, errs.New(errs.IoError, "random: entropy pool")
		}
		return k.copyOutBounded(c, a.A0, a.A1, buf)
	})

	k.disp.Register(syscall.SysBootReady, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if k.bootReady.Load() {
			return 1, nil
		}
		return 0, nil
	})

	// capture_screen(bufPtr, bufLen): raw ARGB framebuffer bytes.
	k.disp.Register(syscall.SysCaptureScreen, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return k.copyOutBounded(c, a.A0, a.A1, k.fb.Bytes())
	})

	// set_critical(): marks the calling process critical — never killed by
	// kernel recovery (the compositor does this at startup).
	k.disp.Register(syscall.SysSetCritical, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "set_critical: no process state")
		}
		ps.mu.Lock()
		ps.critical = true
		ps.mu.Unlock()
		return 0, nil
	})

	// get_crash_info(tid, bufPtr, bufLen)
	k.disp.Register(syscall.SysGetCrashInfo, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		r, ok := k.sched.GetCrashInfo(a.A0)
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "get_crash_info: no report for tid")
		}
		out := fmt.Sprintf("tid=%d rip=%#x rsp=%#x fault_va=%#x", r.Tid, r.RIP, r.RSP, r.FaultVA)
		return k.copyOutBounded(c, a.A1, a.A2, []byte(out))
	})

	// dll_load(namePtr, nameLen) -> load address. The compositor's export
	// table lives at a fixed virtual address clients resolve this way.
	k.disp.Register(syscall.SysDllLoad, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		ps, ok := k.proc(c.PID)
		if !ok {
			return errSentinel, errs.New(errs.NoSuchProcess, "dll_load: no process state")
		}
		ps.mu.Lock()
		addr, loaded := ps.dlls[name]
		if !loaded {
			addr = dllBase + uint64(len(ps.dlls))*dllSlide
			ps.dlls[name] = addr
		}
		ps.mu.Unlock()
		return addr, nil
	})

	// set_dll_u32(addr, value): pokes a u32 into a loaded library's data
	// segment (the tray/menu shared-state words).
	k.disp.Register(syscall.SysSetDllU32, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		var word [4]byte
		word[0] = byte(a.A1)
		word[1] = byte(a.A1 >> 8)
		word[2] = byte(a.A1 >> 16)
		word[3] = byte(a.A1 >> 24)
		if err := k.copyOut(c, a.A0, word[:]); err != nil {
			return errSentinel, err
		}
		return 0, nil
	})

	// kbd_get_layout(bufPtr, bufLen)
	k.disp.Register(syscall.SysKbdGetLayout, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.kbdMu.Lock()
		name := k.kbdLayout
		k.kbdMu.Unlock()
		return k.copyOutBounded(c, a.A0, a.A1, []byte(name))
	})

	// kbd_set_layout(namePtr, nameLen): the change is broadcast on
	// sys:events; the compositor's input router picks it up there and
	// swaps its scancode translation table.
	k.disp.Register(syscall.SysKbdSetLayout, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		if _, ok := layout.Get(name); !ok {
			return errSentinel, errs.New(errs.InvalidArgument, "kbd_set_layout: unknown layout "+name)
		}
		k.kbdMu.Lock()
		k.kbdLayout = name
		k.kbdMu.Unlock()
		k.events.Open("sys:events").Emit([]byte("kbd-layout " + name))
		return 0, nil
	})

	// kbd_list_layouts(bufPtr, bufLen): newline-joined names.
	k.disp.Register(syscall.SysKbdListLayouts, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return k.copyOutBounded(c, a.A0, a.A1, []byte(strings.Join(layout.List(), "\n")))
	})

	// audio_play(bufPtr, bufLen): hands the sample buffer to the audio
	// device; one stream at a time.
	k.disp.Register(syscall.SysAudioPlay, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if _, err := k.copyIn(c, a.A0, a.A1); err != nil {
			return errSentinel, err
		}
		k.audioMu.Lock()
		defer k.audioMu.Unlock()
		if k.audioBusy {
			return errSentinel, errs.New(errs.BusyResource, "audio_play: stream active")
		}
		k.audioBusy = true
		return 0, nil
	})

	k.disp.Register(syscall.SysAudioStop, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.audioMu.Lock()
		k.audioBusy = false
		k.audioMu.Unlock()
		return 0, nil
	})
}

// Fixed client-visible library load addresses; clients resolve the
// compositor export table here without a dynamic linker.
const (
	dllBase  = 0x7f00_0000
	dllSlide = 0x0010_0000
)

func (k *Kernel) registerSecurityHandlers() {
	// authenticate(userPtr, userLen, passPtr, passLen) -> uid
	k.disp.Register(syscall.SysAuthenticate, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		pass, err := k.copyInString(c, a.A2, a.A3)
		if err != nil {
			return errSentinel, err
		}
		k.usersMu.Lock()
		defer k.usersMu.Unlock()
		for uid, u := range k.users {
			if u.name == name {
				if u.password != pass {
					return errSentinel, errs.New(errs.Unauthenticated, "authenticate: bad password")
				}
				return uint64(uid), nil
			}
		}
		return errSentinel, errs.New(errs.Unauthenticated, "authenticate: unknown user")
	})

	k.disp.Register(syscall.SysGetuid, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		return uint64(c.UID), nil
	})

	// getusername(uid, bufPtr, bufLen)
	k.disp.Register(syscall.SysGetusername, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.usersMu.Lock()
		u, ok := k.users[int(a.A0)]
		k.usersMu.Unlock()
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "getusername: no such uid")
		}
		return k.copyOutBounded(c, a.A1, a.A2, []byte(u.name))
	})

	// adduser(namePtr, nameLen, passPtr, passLen) -> uid. Root only.
	k.disp.Register(syscall.SysAdduser, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if c.UID != 0 {
			return errSentinel, errs.New(errs.PermissionDenied, "adduser: not root")
		}
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		pass, err := k.copyInString(c, a.A2, a.A3)
		if err != nil {
			return errSentinel, err
		}
		k.usersMu.Lock()
		defer k.usersMu.Unlock()
		for _, u := range k.users {
			if u.name == name {
				return errSentinel, errs.New(errs.Exists, "adduser: name taken")
			}
		}
		uid := k.nextUID
		k.nextUID++
		k.users[uid] = user{uid: uid, name: name, password: pass}
		return uint64(uid), nil
	})

	k.disp.Register(syscall.SysDeluser, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if c.UID != 0 {
			return errSentinel, errs.New(errs.PermissionDenied, "deluser: not root")
		}
		uid := int(a.A0)
		if uid == 0 {
			return errSentinel, errs.New(errs.InvalidArgument, "deluser: cannot remove root")
		}
		k.usersMu.Lock()
		defer k.usersMu.Unlock()
		if _, ok := k.users[uid]; !ok {
			return errSentinel, errs.New(errs.NotFound, "deluser: no such uid")
		}
		delete(k.users, uid)
		return 0, nil
	})

	// listusers(bufPtr, bufLen): "uid name" lines.
	k.disp.Register(syscall.SysListusers, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.usersMu.Lock()
		uids := make([]int, 0, len(k.users))
		for uid := range k.users {
			uids = append(uids, uid)
		}
		sort.Ints(uids)
		var b strings.Builder
		for _, uid := range uids {
			fmt.Fprintf(&b, "%d %s\n", uid, k.users[uid].name)
		}
		k.usersMu.Unlock()
		return k.copyOutBounded(c, a.A0, a.A1, []byte(b.String()))
	})

	// addgroup(namePtr, nameLen) -> gid
	k.disp.Register(syscall.SysAddgroup, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if c.UID != 0 {
			return errSentinel, errs.New(errs.PermissionDenied, "addgroup: not root")
		}
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		k.usersMu.Lock()
		defer k.usersMu.Unlock()
		if _, ok := k.groups[name]; ok {
			return errSentinel, errs.New(errs.Exists, "addgroup: name taken")
		}
		gid := len(k.groups) + 1
		k.groups[name] = gid
		return uint64(gid), nil
	})

	k.disp.Register(syscall.SysDelgroup, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		if c.UID != 0 {
			return errSentinel, errs.New(errs.PermissionDenied, "delgroup: not root")
		}
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		k.usersMu.Lock()
		defer k.usersMu.Unlock()
		if _, ok := k.groups[name]; !ok {
			return errSentinel, errs.New(errs.NotFound, "delgroup: no such group")
		}
		delete(k.groups, name)
		return 0, nil
	})

	k.disp.Register(syscall.SysListgroups, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.usersMu.Lock()
		names := make([]string, 0, len(k.groups))
		for name := range k.groups {
			names = append(names, name)
		}
		k.usersMu.Unlock()
		sort.Strings(names)
		return k.copyOutBounded(c, a.A0, a.A1, []byte(strings.Join(names, "\n")))
	})

	// cap_get_capabilities() -> the calling thread's capability mask.
	k.disp.Register(syscall.SysCapGetCapabilities, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		t, err := k.currentThread(c)
		if err != nil {
			return errSentinel, err
		}
		return t.CapMask(), nil
	})

	// perm_check(appPtr, appLen, permPtr, permLen) -> 1 granted / 0 not.
	k.disp.Register(syscall.SysPermCheck, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		app, perm, err := k.permArgs(c, a)
		if err != nil {
			return errSentinel, err
		}
		k.permMu.Lock()
		granted := k.perms[app][perm]
		k.permMu.Unlock()
		if granted {
			return 1, nil
		}
		return 0, nil
	})

	// perm_store(appPtr, appLen, permPtr, permLen): persists a grant.
	k.disp.Register(syscall.SysPermStore, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		app, perm, err := k.permArgs(c, a)
		if err != nil {
			return errSentinel, err
		}
		k.permMu.Lock()
		if k.perms[app] == nil {
			k.perms[app] = make(map[string]bool)
		}
		k.perms[app][perm] = true
		k.permMu.Unlock()
		return 0, nil
	})

	// perm_list(bufPtr, bufLen): "app perm" lines.
	k.disp.Register(syscall.SysPermList, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.permMu.Lock()
		var lines []string
		for app, perms := range k.perms {
			for perm, granted := range perms {
				if granted {
					lines = append(lines, app+" "+perm)
				}
			}
		}
		k.permMu.Unlock()
		sort.Strings(lines)
		return k.copyOutBounded(c, a.A0, a.A1, []byte(strings.Join(lines, "\n")))
	})

	// perm_delete(appPtr, appLen, permPtr, permLen)
	k.disp.Register(syscall.SysPermDelete, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		app, perm, err := k.permArgs(c, a)
		if err != nil {
			return errSentinel, err
		}
		k.permMu.Lock()
		delete(k.perms[app], perm)
		k.permMu.Unlock()
		return 0, nil
	})
}

func (k *Kernel) permArgs(c syscall.Caller, a syscall.Args) (app, perm string, err error) {
	app, err = k.copyInString(c, a.A0, a.A1)
	if err != nil {
		return "", "", err
	}
	perm, err = k.copyInString(c, a.A2, a.A3)
	if err != nil {
		return "", "", err
	}
	return app, perm, nil
}
