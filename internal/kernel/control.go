package kernel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"anyos/internal/sched"
)

// Control opcodes spoken by cmd/anyctl over the daemon's Unix socket. The
// control plane is a host-side diagnostic tap onto the same kernel state
// the sysinfo/dmesg/debug syscalls expose; anyctl is the privileged
// anyTrace/task-manager front end.
const (
	CtlSysinfoMem uint16 = iota + 1
	CtlThreads
	CtlCPUs
	CtlDmesg
	CtlPipeList
	CtlDevList
	CtlCaptureScreen
	CtlScreenInfo
	CtlUptimeMs
	CtlDebugAttach
	CtlDebugDetach
	CtlDebugReadRegs
	CtlDebugReadMem
	CtlDebugSetBp
	CtlDebugClearBp
	CtlDebugStep
	CtlDebugContinue
	CtlDebugEvents

	ctlResponse uint16 = 0xFFFE
	ctlError    uint16 = 0xFFFF
)

const ctlHeaderSize = 6 // uint16 type + uint32 length

// ControlServer serves anyctl requests over a Unix socket with the same
// (Type, Length) header-then-payload framing the compositor protocol uses.
type ControlServer struct {
	kernel     *Kernel
	listener   net.Listener
	socketPath string
	closed     atomic.Bool
	wg         sync.WaitGroup
}

// NewControlServer listens on socketPath, replacing a stale socket file.
func NewControlServer(k *Kernel, socketPath string) (*ControlServer, error) {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	return &ControlServer{kernel: k, listener: l, socketPath: socketPath}, nil
}

// SocketPath returns the bound socket path.
func (s *ControlServer) SocketPath() string { return s.socketPath }

// Serve accepts connections until Close.
func (s *ControlServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops the listener and waits for in-flight connections.
func (s *ControlServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}

func (s *ControlServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		msgType, payload, err := ReadCtlFrame(conn)
		if err != nil {
			return
		}
		resp, err := s.dispatch(msgType, payload)
		if err != nil {
			_ = WriteCtlFrame(conn, ctlError, []byte(err.Error()))
			continue
		}
		if err := WriteCtlFrame(conn, ctlResponse, resp); err != nil {
			return
		}
	}
}

// ReadCtlFrame reads one (Type, Length, payload) frame.
func ReadCtlFrame(r io.Reader) (uint16, []byte, error) {
	var hdr [ctlHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	msgType := binary.BigEndian.Uint16(hdr[0:2])
	length := binary.BigEndian.Uint32(hdr[2:6])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}

// WriteCtlFrame writes one frame.
func WriteCtlFrame(w io.Writer, msgType uint16, payload []byte) error {
	var hdr [ctlHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], msgType)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// IsCtlError reports whether a response frame type carries an error string.
func IsCtlError(msgType uint16) bool { return msgType == ctlError }

func (s *ControlServer) dispatch(msgType uint16, payload []byte) ([]byte, error) {
	k := s.kernel
	switch msgType {
	case CtlSysinfoMem:
		total, free := k.frames.Stats()
		return []byte(fmt.Sprintf("total_frames=%d free_frames=%d frame_size=4096", total, free)), nil
	case CtlThreads:
		return k.encodeThreadList(), nil
	case CtlCPUs:
		var out []byte
		for cpu := 0; cpu < k.machine.NumCPUs(); cpu++ {
			idle, total := k.sched.CPULoad(cpu)
			out = append(out, []byte(fmt.Sprintf("cpu%d arch=%s idle=%d total=%d\n", cpu, k.machine.CPU(cpu).Arch, idle, total))...)
		}
		return out, nil
	case CtlDmesg:
		return []byte(k.dmesgText()), nil
	case CtlPipeList:
		return encodePipeList(k.pipes.List()), nil
	case CtlDevList:
		return encodeDeviceList(k.devfs.List()), nil
	case CtlCaptureScreen:
		fb := k.fb.Bytes()
		out := make([]byte, len(fb))
		copy(out, fb)
		return out, nil
	case CtlScreenInfo:
		var out [12]byte
		binary.BigEndian.PutUint32(out[0:4], uint32(k.fb.Width))
		binary.BigEndian.PutUint32(out[4:8], uint32(k.fb.Height))
		binary.BigEndian.PutUint32(out[8:12], uint32(k.fb.Pitch))
		return out[:], nil
	case CtlUptimeMs:
		var out [8]byte
		binary.BigEndian.PutUint64(out[:], uint64(k.Uptime().Milliseconds()))
		return out[:], nil
	case CtlDebugAttach:
		if len(payload) < 8 {
			return nil, fmt.Errorf("control: attach needs a tid")
		}
		tid := binary.BigEndian.Uint64(payload)
		target, ok := k.sched.Thread(tid)
		if !ok {
			return nil, fmt.Errorf("control: no thread %d", tid)
		}
		sess, err := k.sched.DebugAttach(target)
		if err != nil {
			return nil, err
		}
		k.debugMu.Lock()
		k.nextSess++
		id := k.nextSess
		k.sessions[id] = sess
		k.debugMu.Unlock()
		var out [8]byte
		binary.BigEndian.PutUint64(out[:], id)
		return out[:], nil
	case CtlDebugDetach:
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		k.sched.DebugDetach(sess)
		k.debugMu.Lock()
		delete(k.sessions, binary.BigEndian.Uint64(payload))
		k.debugMu.Unlock()
		return nil, nil
	case CtlDebugReadRegs:
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		regs := k.sched.ReadRegs(sess)
		var out [24]byte
		binary.BigEndian.PutUint64(out[0:8], regs.RIP)
		binary.BigEndian.PutUint64(out[8:16], regs.RSP)
		binary.BigEndian.PutUint64(out[16:24], regs.CR3)
		return out[:], nil
	case CtlDebugReadMem:
		if len(payload) < 24 {
			return nil, fmt.Errorf("control: read_mem needs (sess, va, len)")
		}
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		va := binary.BigEndian.Uint64(payload[8:16])
		length := binary.BigEndian.Uint64(payload[16:24])
		return k.sched.ReadMem(sess, va, int(length), k.peekMem(sess.Target.ProcessID))
	case CtlDebugSetBp:
		if len(payload) < 16 {
			return nil, fmt.Errorf("control: set_bp needs (sess, addr)")
		}
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		addr := binary.BigEndian.Uint64(payload[8:16])
		orig, err := k.sched.ReadMem(sess, addr, 1, k.peekMem(sess.Target.ProcessID))
		if err != nil {
			return nil, err
		}
		if err := k.pokeMem(sess.Target.ProcessID, addr, []byte{int3}); err != nil {
			return nil, err
		}
		k.sched.SetBreakpoint(sess.Target, addr, orig[0])
		return nil, nil
	case CtlDebugClearBp:
		if len(payload) < 16 {
			return nil, fmt.Errorf("control: clear_bp needs (sess, addr)")
		}
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		addr := binary.BigEndian.Uint64(payload[8:16])
		orig, ok := k.sched.ClearBreakpoint(sess.Target, addr)
		if !ok {
			return nil, fmt.Errorf("control: no breakpoint at %#x", addr)
		}
		return nil, k.pokeMem(sess.Target.ProcessID, addr, []byte{orig})
	case CtlDebugStep:
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		regs := k.sched.ReadRegs(sess)
		sched.PostDebugEvent(sess, sched.DebugEvent{Kind: sched.DebugEventSingleStep, Tid: sess.Target.Tid, RIP: regs.RIP})
		return nil, nil
	case CtlDebugContinue:
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		regs := k.sched.ReadRegs(sess)
		if b, err := k.sched.ReadMem(sess, regs.RIP, 1, k.peekMem(sess.Target.ProcessID)); err == nil && len(b) == 1 && b[0] == int3 {
			sched.PostDebugEvent(sess, sched.DebugEvent{Kind: sched.DebugEventBreakpoint, Tid: sess.Target.Tid, RIP: regs.RIP})
		} else {
			k.sched.Unblock(sess.Target)
		}
		return nil, nil
	case CtlDebugEvents:
		sess, err := s.sessionArg(payload)
		if err != nil {
			return nil, err
		}
		select {
		case ev, ok := <-sess.Events:
			if !ok {
				return nil, fmt.Errorf("control: session closed")
			}
			var out [24]byte
			binary.BigEndian.PutUint64(out[0:8], uint64(ev.Kind))
			binary.BigEndian.PutUint64(out[8:16], ev.Tid)
			binary.BigEndian.PutUint64(out[16:24], ev.RIP)
			return out[:], nil
		default:
			return nil, nil // no event pending: empty response
		}
	default:
		return nil, fmt.Errorf("control: unknown opcode %d", msgType)
	}
}

func (s *ControlServer) sessionArg(payload []byte) (*sched.DebugSession, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("control: missing session id")
	}
	sess, err := s.kernel.session(binary.BigEndian.Uint64(payload))
	if err != nil {
		return nil, err
	}
	return sess, nil
}
