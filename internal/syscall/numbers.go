// Package syscall implements the dual-path dispatch layer: the 32-bit
// compat path (INT 0x80, args zero-extended to u32) and the 64-bit native
// path (SYSCALL/SVC, full 64-bit args) both funnel into one
// dispatch_inner(nr, a0..a4) that consults a static (nr -> handler) table
// and routes to a syscall family handler. Numbers are stable and
// monotonic; new calls append, nothing renumbers.
package syscall

import "fmt"

// Number is anyOS's own stable, monotonic syscall number.
type Number int

// Representative syscall table, in the declared, stable order.
const (
	SysExit Number = iota
	SysWrite
	SysRead
	SysOpen
	SysClose
	SysGetpid
	SysYield
	SysSleep
	SysSbrk
	SysFork
	SysExec
	SysWaitpid
	SysKill
	SysMmap
	SysMunmap
	SysStat
	SysLstat
	SysReaddir
	SysReadlink
	SysSymlink
	SysUnlink
	SysMkdir
	SysChmod
	SysChown
	SysChdir
	SysGetcwd
	SysGetargs
	SysSetenv
	SysGetenv
	SysListenv
	SysSpawn
	SysAuthenticate
	SysGetuid
	SysGetusername
	SysSetPriority
	SysAddgroup
	SysDelgroup
	SysListgroups
	SysAdduser
	SysDeluser
	SysListusers
	SysPipeCreate
	SysPipeClose
	SysPipeRead
	SysPipeWrite
	SysPipeList
	SysShmCreate
	SysShmMap
	SysShmUnmap
	SysMsgqCreate
	SysMsgqSend
	SysMsgqRecv
	SysMsgqClose
	SysEventchanOpen
	SysEventchanSubscribe
	SysEventchanUnsubscribe
	SysEventchanEmit
	SysEventchanPoll
	SysNetConfig
	SysNetDHCP
	SysNetDNS
	SysNetARP
	SysNetPing
	SysTCPListen
	SysTCPAccept
	SysTCPConnect
	SysTCPSend
	SysTCPRecv
	SysTCPClose
	SysTime
	SysUptime
	SysUptimeMs
	SysTickHz
	SysSysinfo
	SysDmesg
	SysDevlist
	SysRandom
	SysBootReady
	SysCaptureScreen
	SysSetCritical
	SysGetCrashInfo
	SysCapGetCapabilities
	SysPermCheck
	SysPermStore
	SysPermList
	SysPermDelete
	SysDllLoad
	SysSetDllU32
	SysDebugAttach
	SysDebugDetach
	SysDebugReadRegs
	SysDebugReadMem
	SysDebugWriteMem
	SysDebugSetBp
	SysDebugClearBp
	SysDebugStep
	SysDebugContinue
	SysDebugMap
	SysDebugEvents
	SysKbdGetLayout
	SysKbdSetLayout
	SysKbdListLayouts
	SysAudioPlay
	SysAudioStop
	numSyscalls
)

var names = [numSyscalls]string{
	SysExit: "exit", SysWrite: "write", SysRead: "read", SysOpen: "open",
	SysClose: "close", SysGetpid: "getpid", SysYield: "yield", SysSleep: "sleep",
	SysSbrk: "sbrk", SysFork: "fork", SysExec: "exec", SysWaitpid: "waitpid",
	SysKill: "kill", SysMmap: "mmap", SysMunmap: "munmap", SysStat: "stat",
	SysLstat: "lstat", SysReaddir: "readdir", SysReadlink: "readlink",
	SysSymlink: "symlink", SysUnlink: "unlink", SysMkdir: "mkdir",
	SysChmod: "chmod", SysChown: "chown", SysChdir: "chdir", SysGetcwd: "getcwd",
	SysGetargs: "getargs", SysSetenv: "setenv", SysGetenv: "getenv",
	SysListenv: "listenv", SysSpawn: "spawn", SysAuthenticate: "authenticate",
	SysGetuid: "getuid", SysGetusername: "getusername",
	SysSetPriority: "set_priority", SysAddgroup: "addgroup", SysDelgroup: "delgroup",
	SysListgroups: "listgroups", SysAdduser: "adduser", SysDeluser: "deluser",
	SysListusers: "listusers", SysPipeCreate: "pipe_create", SysPipeClose: "pipe_close",
	SysPipeRead: "pipe_read", SysPipeWrite: "pipe_write", SysPipeList: "pipe_list",
	SysShmCreate: "shm_create", SysShmMap: "shm_map", SysShmUnmap: "shm_unmap",
	SysMsgqCreate: "msgq_create", SysMsgqSend: "msgq_send", SysMsgqRecv: "msgq_recv",
	SysMsgqClose: "msgq_close", SysEventchanOpen: "eventchan_open",
	SysEventchanSubscribe: "eventchan_subscribe", SysEventchanUnsubscribe: "eventchan_unsubscribe",
	SysEventchanEmit: "eventchan_emit", SysEventchanPoll: "eventchan_poll",
	SysNetConfig: "net_config", SysNetDHCP: "net_dhcp", SysNetDNS: "net_dns",
	SysNetARP: "net_arp", SysNetPing: "net_ping", SysTCPListen: "tcp_listen",
	SysTCPAccept: "tcp_accept", SysTCPConnect: "tcp_connect", SysTCPSend: "tcp_send",
	SysTCPRecv: "tcp_recv", SysTCPClose: "tcp_close", SysTime: "time",
	SysUptime: "uptime", SysUptimeMs: "uptime_ms", SysTickHz: "tick_hz",
	SysSysinfo: "sysinfo", SysDmesg: "dmesg", SysDevlist: "devlist",
	SysRandom: "random", SysBootReady: "boot_ready", SysCaptureScreen: "capture_screen",
	SysSetCritical: "set_critical", SysGetCrashInfo: "get_crash_info",
	SysCapGetCapabilities: "cap_get_capabilities", SysPermCheck: "perm_check",
	SysPermStore: "perm_store", SysPermList: "perm_list", SysPermDelete: "perm_delete",
	SysDllLoad: "dll_load", SysSetDllU32: "set_dll_u32", SysDebugAttach: "debug_attach",
	SysDebugDetach: "debug_detach", SysDebugReadRegs: "debug_read_regs",
	SysDebugReadMem: "debug_read_mem", SysDebugWriteMem: "debug_write_mem",
	SysDebugSetBp: "debug_set_bp", SysDebugClearBp: "debug_clear_bp",
	SysDebugStep: "debug_step", SysDebugContinue: "debug_continue",
	SysDebugMap: "debug_map", SysDebugEvents: "debug_events",
	SysKbdGetLayout: "kbd_get_layout", SysKbdSetLayout: "kbd_set_layout",
	SysKbdListLayouts: "kbd_list_layouts", SysAudioPlay: "audio_play", SysAudioStop: "audio_stop",
}

func (n Number) String() string {
	if n >= 0 && int(n) < len(names) && names[n] != "" {
		return names[n]
	}
	return fmt.Sprintf("syscall(%d)", int(n))
}

// Family groups syscall numbers into the dispatch families:
// process, fs, io, net, ipc, display, security, signal, system, disk, debug.
type Family int

const (
	FamilyProcess Family = iota
	FamilyFS
	FamilyIO
	FamilyNet
	FamilyIPC
	FamilyDisplay
	FamilySecurity
	FamilySignal
	FamilySystem
	FamilyDisk
	FamilyDebug
)

var familyOf = map[Number]Family{
	SysExit: FamilyProcess, SysGetpid: FamilyProcess, SysYield: FamilyProcess,
	SysSleep: FamilyProcess, SysSbrk: FamilyProcess, SysFork: FamilyProcess,
	SysExec: FamilyProcess, SysWaitpid: FamilyProcess, SysKill: FamilyProcess,
	SysSpawn: FamilyProcess, SysSetPriority: FamilyProcess, SysGetargs: FamilyProcess,
	SysSetenv: FamilyProcess, SysGetenv: FamilyProcess, SysListenv: FamilyProcess,
	SysChdir: FamilyProcess, SysGetcwd: FamilyProcess,

	SysOpen: FamilyFS, SysClose: FamilyFS, SysStat: FamilyFS, SysLstat: FamilyFS,
	SysReaddir: FamilyFS, SysReadlink: FamilyFS, SysSymlink: FamilyFS,
	SysUnlink: FamilyFS, SysMkdir: FamilyFS, SysChmod: FamilyFS, SysChown: FamilyFS,

	SysWrite: FamilyIO, SysRead: FamilyIO, SysMmap: FamilyIO, SysMunmap: FamilyIO,

	SysNetConfig: FamilyNet, SysNetDHCP: FamilyNet, SysNetDNS: FamilyNet,
	SysNetARP: FamilyNet, SysNetPing: FamilyNet, SysTCPListen: FamilyNet,
	SysTCPAccept: FamilyNet, SysTCPConnect: FamilyNet, SysTCPSend: FamilyNet,
	SysTCPRecv: FamilyNet, SysTCPClose: FamilyNet,

	SysPipeCreate: FamilyIPC, SysPipeClose: FamilyIPC, SysPipeRead: FamilyIPC,
	SysPipeWrite: FamilyIPC, SysPipeList: FamilyIPC, SysShmCreate: FamilyIPC,
	SysShmMap: FamilyIPC, SysShmUnmap: FamilyIPC, SysMsgqCreate: FamilyIPC,
	SysMsgqSend: FamilyIPC, SysMsgqRecv: FamilyIPC, SysMsgqClose: FamilyIPC,
	SysEventchanOpen: FamilyIPC, SysEventchanSubscribe: FamilyIPC,
	SysEventchanUnsubscribe: FamilyIPC, SysEventchanEmit: FamilyIPC, SysEventchanPoll: FamilyIPC,

	SysCaptureScreen: FamilyDisplay, SysKbdGetLayout: FamilyDisplay,
	SysKbdSetLayout: FamilyDisplay, SysKbdListLayouts: FamilyDisplay,
	SysAudioPlay: FamilyDisplay, SysAudioStop: FamilyDisplay,

	SysAuthenticate: FamilySecurity, SysGetuid: FamilySecurity, SysGetusername: FamilySecurity,
	SysAddgroup: FamilySecurity, SysDelgroup: FamilySecurity, SysListgroups: FamilySecurity,
	SysAdduser: FamilySecurity, SysDeluser: FamilySecurity, SysListusers: FamilySecurity,
	SysCapGetCapabilities: FamilySecurity, SysPermCheck: FamilySecurity,
	SysPermStore: FamilySecurity, SysPermList: FamilySecurity, SysPermDelete: FamilySecurity,

	SysTime: FamilySystem, SysUptime: FamilySystem, SysUptimeMs: FamilySystem,
	SysTickHz: FamilySystem, SysSysinfo: FamilySystem, SysDmesg: FamilySystem,
	SysDevlist: FamilySystem, SysRandom: FamilySystem, SysBootReady: FamilySystem,
	SysSetCritical: FamilySystem, SysGetCrashInfo: FamilySystem, SysDllLoad: FamilySystem,
	SysSetDllU32: FamilySystem,

	SysDebugAttach: FamilyDebug, SysDebugDetach: FamilyDebug, SysDebugReadRegs: FamilyDebug,
	SysDebugReadMem: FamilyDebug, SysDebugWriteMem: FamilyDebug, SysDebugSetBp: FamilyDebug,
	SysDebugClearBp: FamilyDebug, SysDebugStep: FamilyDebug, SysDebugContinue: FamilyDebug,
	SysDebugMap: FamilyDebug, SysDebugEvents: FamilyDebug,
}

// FamilyOf returns the dispatch family a syscall number belongs to.
func FamilyOf(n Number) Family {
	if f, ok := familyOf[n]; ok {
		return f
	}
	return FamilyDisk // block/fs-driver-adjacent calls default here; none in this table are undeclared
}
