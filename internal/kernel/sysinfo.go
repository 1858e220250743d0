package kernel

import (
	"encoding/binary"

	"anyos/internal/fsdrivers"
	"anyos/internal/hal"
	"anyos/internal/ipc"
	"anyos/internal/vfs"
)

// Binary record encoders for the fixed-layout ABI structures.
// All fields little-endian, names NUL-padded to their fixed width.

// encodeStat packs the 7-word stat buffer:
// (type, size, flags, uid, gid, mode, reserved).
func encodeStat(st vfs.Stat) []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(st.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(st.Size))
	binary.LittleEndian.PutUint32(buf[8:12], st.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(st.UID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(st.GID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(st.Mode))
	binary.LittleEndian.PutUint32(buf[24:28], st.Reserved)
	return buf
}

// threadInfoSize is the 60-byte thread-info sysinfo entry:
// (tid:u32, prio:u8, state:u8, arch:u8, pad:u8, name:[24]u8,
// user_pages:u32, cpu_ticks:u32, io_read:u64, io_write:u64,
// uid:u16, pad:u16).
const threadInfoSize = 60

func (k *Kernel) encodeThreadList() []byte {
	threads := k.sched.Threads()
	out := make([]byte, 0, len(threads)*threadInfoSize)
	archByte := byte(0)
	if k.machine.CPU(0).Arch == hal.ArchitectureARM64 {
		archByte = 1
	}
	for _, t := range threads {
		var rec [threadInfoSize]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(t.Tid))
		rec[4] = byte(t.Priority())
		rec[5] = byte(t.State())
		rec[6] = archByte
		copy(rec[8:32], t.Name)
		var pages uint32
		if ps, ok := k.proc(t.ProcessID); ok {
			ps.mu.Lock()
			pages = uint32(len(ps.mem))
			ps.mu.Unlock()
		}
		binary.LittleEndian.PutUint32(rec[32:36], pages)
		binary.LittleEndian.PutUint32(rec[36:40], t.Ticks())
		ioR, ioW := t.IOCounters()
		binary.LittleEndian.PutUint64(rec[40:48], ioR)
		binary.LittleEndian.PutUint64(rec[48:56], ioW)
		binary.LittleEndian.PutUint16(rec[56:58], uint16(t.CreatingUID))
		out = append(out, rec[:]...)
	}
	return out
}

// deviceEntrySize is the 64-byte device-list entry:
// (path:[32]u8, driver:[24]u8, type:u8, pad:[7]u8).
const deviceEntrySize = 64

func encodeDeviceList(devices []fsdrivers.Device) []byte {
	out := make([]byte, 0, len(devices)*deviceEntrySize)
	for _, d := range devices {
		var rec [deviceEntrySize]byte
		copy(rec[0:32], d.Path)
		copy(rec[32:56], d.Driver)
		rec[56] = d.Type
		out = append(out, rec[:]...)
	}
	return out
}

// pipeEntrySize is the 80-byte pipe-list entry:
// (id:u32, buffered:u32, name:[64]u8, pad:[8]u8).
const pipeEntrySize = 80

func encodePipeList(pipes []ipc.PipeInfo) []byte {
	out := make([]byte, 0, len(pipes)*pipeEntrySize)
	for _, p := range pipes {
		var rec [pipeEntrySize]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(p.ID))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(p.Buffered))
		copy(rec[8:72], p.Name)
		out = append(out, rec[:]...)
	}
	return out
}

// registerHandlers installs every family's handlers into the dispatch
// table; the static (nr -> handler) table is complete after this.
func (k *Kernel) registerHandlers() {
	k.registerProcessHandlers()
	k.registerFSHandlers()
	k.registerIPCHandlers()
	k.registerNetHandlers()
	k.registerSystemHandlers()
	k.registerSecurityHandlers()
	k.registerDebugHandlers()
}
