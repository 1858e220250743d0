// Command anyctl is the debug and introspection CLI for a running anyosd:
// process listing, memory stats, dmesg, pipe/device tables, screen capture,
// and the anyTrace debugger front end (attach, registers, memory dumps,
// breakpoints, single-step).
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"anyos/internal/kernel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "anyctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: anyctl [-ctl socket] <command> [args]

commands:
  ps                     list threads (sysinfo thread table)
  mem                    frame allocator statistics
  cpus                   per-CPU load counters
  dmesg                  kernel message ring
  pipes                  live named pipes with buffered byte counts
  devlist                registered devices
  uptime                 daemon uptime
  capture <out.argb>     dump the framebuffer to a raw ARGB file
  debug <tid>            interactive anyTrace session on a thread
`)
	os.Exit(1)
}

func run() error {
	ctlSocket := flag.String("ctl", "/tmp/anyosd.sock", "anyosd control socket")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	conn, err := net.Dial("unix", *ctlSocket)
	if err != nil {
		return fmt.Errorf("connect to anyosd at %s: %w", *ctlSocket, err)
	}
	defer conn.Close()
	cl := &client{conn: conn}

	switch flag.Arg(0) {
	case "ps":
		return cl.ps()
	case "mem":
		return cl.text(kernel.CtlSysinfoMem)
	case "cpus":
		return cl.text(kernel.CtlCPUs)
	case "dmesg":
		return cl.text(kernel.CtlDmesg)
	case "pipes":
		return cl.pipes()
	case "devlist":
		return cl.devlist()
	case "uptime":
		return cl.uptime()
	case "capture":
		if flag.NArg() < 2 {
			usage()
		}
		return cl.capture(flag.Arg(1))
	case "debug":
		if flag.NArg() < 2 {
			usage()
		}
		tid, err := strconv.ParseUint(flag.Arg(1), 10, 64)
		if err != nil {
			return fmt.Errorf("bad tid %q", flag.Arg(1))
		}
		return cl.debugREPL(tid)
	default:
		usage()
	}
	return nil
}

type client struct {
	conn net.Conn
}

// call sends one control frame and returns the response payload.
func (c *client) call(op uint16, payload []byte) ([]byte, error) {
	if err := kernel.WriteCtlFrame(c.conn, op, payload); err != nil {
		return nil, err
	}
	msgType, resp, err := kernel.ReadCtlFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if kernel.IsCtlError(msgType) {
		return nil, fmt.Errorf("%s", resp)
	}
	return resp, nil
}

func (c *client) text(op uint16) error {
	resp, err := c.call(op, nil)
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}

const threadRecSize = 60

func (c *client) ps() error {
	resp, err := c.call(kernel.CtlThreads, nil)
	if err != nil {
		return err
	}
	states := []string{"ready", "running", "blocked", "debugged", "dead"}
	fmt.Printf("%-6s %-5s %-9s %-24s %8s %10s %10s %10s %5s\n",
		"TID", "PRI", "STATE", "NAME", "PAGES", "TICKS", "IO-R", "IO-W", "UID")
	for off := 0; off+threadRecSize <= len(resp); off += threadRecSize {
		rec := resp[off : off+threadRecSize]
		state := "?"
		if int(rec[5]) < len(states) {
			state = states[rec[5]]
		}
		name := strings.TrimRight(string(rec[8:32]), "\x00")
		fmt.Printf("%-6d %-5d %-9s %-24s %8d %10d %10d %10d %5d\n",
			binary.LittleEndian.Uint32(rec[0:4]), rec[4], state, name,
			binary.LittleEndian.Uint32(rec[32:36]),
			binary.LittleEndian.Uint32(rec[36:40]),
			binary.LittleEndian.Uint64(rec[40:48]),
			binary.LittleEndian.Uint64(rec[48:56]),
			binary.LittleEndian.Uint16(rec[56:58]))
	}
	return nil
}

const pipeRecSize = 80

func (c *client) pipes() error {
	resp, err := c.call(kernel.CtlPipeList, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%-6s %-10s %s\n", "ID", "BUFFERED", "NAME")
	for off := 0; off+pipeRecSize <= len(resp); off += pipeRecSize {
		rec := resp[off : off+pipeRecSize]
		name := strings.TrimRight(string(rec[8:72]), "\x00")
		fmt.Printf("%-6d %-10d %s\n",
			binary.LittleEndian.Uint32(rec[0:4]),
			binary.LittleEndian.Uint32(rec[4:8]), name)
	}
	return nil
}

const devRecSize = 64

func (c *client) devlist() error {
	resp, err := c.call(kernel.CtlDevList, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%-32s %-24s %s\n", "PATH", "DRIVER", "TYPE")
	for off := 0; off+devRecSize <= len(resp); off += devRecSize {
		rec := resp[off : off+devRecSize]
		path := strings.TrimRight(string(rec[0:32]), "\x00")
		driver := strings.TrimRight(string(rec[32:56]), "\x00")
		fmt.Printf("%-32s %-24s %d\n", path, driver, rec[56])
	}
	return nil
}

func (c *client) uptime() error {
	resp, err := c.call(kernel.CtlUptimeMs, nil)
	if err != nil {
		return err
	}
	if len(resp) < 8 {
		return fmt.Errorf("short uptime response")
	}
	ms := binary.BigEndian.Uint64(resp)
	fmt.Printf("up %d.%03ds\n", ms/1000, ms%1000)
	return nil
}

// capture pulls the framebuffer in one response and streams it to disk
// with a progress bar sized from the screen geometry.
func (c *client) capture(outPath string) error {
	info, err := c.call(kernel.CtlScreenInfo, nil)
	if err != nil {
		return err
	}
	if len(info) < 12 {
		return fmt.Errorf("short screen info")
	}
	w := binary.BigEndian.Uint32(info[0:4])
	h := binary.BigEndian.Uint32(info[4:8])
	pitch := binary.BigEndian.Uint32(info[8:12])

	resp, err := c.call(kernel.CtlCaptureScreen, nil)
	if err != nil {
		return err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(len(resp)), fmt.Sprintf("capture %dx%d", w, h))
	const chunk = 64 * 1024
	for off := 0; off < len(resp); off += chunk {
		end := off + chunk
		if end > len(resp) {
			end = len(resp)
		}
		if _, err := f.Write(resp[off:end]); err != nil {
			return err
		}
		_ = bar.Add(end - off)
	}
	fmt.Printf("\nwrote %s (%dx%d, pitch %d)\n", outPath, w, h, pitch)
	return nil
}

// debugREPL drives an interactive anyTrace session in raw terminal mode.
func (c *client) debugREPL(tid uint64) error {
	var tidBuf [8]byte
	binary.BigEndian.PutUint64(tidBuf[:], tid)
	resp, err := c.call(kernel.CtlDebugAttach, tidBuf[:])
	if err != nil {
		return err
	}
	if len(resp) < 8 {
		return fmt.Errorf("short attach response")
	}
	sess := binary.BigEndian.Uint64(resp)
	fmt.Printf("attached to tid %d (session %d); type 'help'\n", tid, sess)

	// Raw mode with term.Terminal line editing when stdin is a tty;
	// falls back to a plain scanner when driven from a script.
	fd := int(os.Stdin.Fd())
	var readLine func() (string, bool)
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, oldState)
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "(anytrace) ")
		readLine = func() (string, bool) {
			line, err := t.ReadLine()
			return line, err == nil
		}
	} else {
		in := bufio.NewScanner(os.Stdin)
		readLine = func() (string, bool) {
			fmt.Print("(anytrace) ")
			if !in.Scan() {
				return "", false
			}
			return in.Text(), true
		}
	}

	defer func() {
		var sessBuf [8]byte
		binary.BigEndian.PutUint64(sessBuf[:], sess)
		_, _ = c.call(kernel.CtlDebugDetach, sessBuf[:])
		fmt.Println("detached")
	}()

	sessArg := func(extra ...uint64) []byte {
		buf := make([]byte, 8+8*len(extra))
		binary.BigEndian.PutUint64(buf[0:8], sess)
		for i, v := range extra {
			binary.BigEndian.PutUint64(buf[8+8*i:16+8*i], v)
		}
		return buf
	}

	for {
		line, ok := readLine()
		if !ok {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			fmt.Println("regs | mem <addr> <len> | bp <addr> | clear <addr> | step | cont | events | quit")
		case "quit", "q":
			return nil
		case "regs":
			r, err := c.call(kernel.CtlDebugReadRegs, sessArg())
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("rip=%#x rsp=%#x cr3=%#x\n",
				binary.BigEndian.Uint64(r[0:8]),
				binary.BigEndian.Uint64(r[8:16]),
				binary.BigEndian.Uint64(r[16:24]))
		case "mem":
			if len(fields) < 3 {
				fmt.Println("usage: mem <addr> <len>")
				continue
			}
			addr, _ := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
			length, _ := strconv.ParseUint(fields[2], 10, 64)
			bar := progressbar.DefaultBytes(int64(length), "read_mem")
			data, err := c.call(kernel.CtlDebugReadMem, sessArg(addr, length))
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			_ = bar.Add(len(data))
			fmt.Println()
			dumpHex(addr, data)
		case "bp":
			if len(fields) < 2 {
				fmt.Println("usage: bp <addr>")
				continue
			}
			addr, _ := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
			if _, err := c.call(kernel.CtlDebugSetBp, sessArg(addr)); err != nil {
				fmt.Println("error:", err)
			}
		case "clear":
			if len(fields) < 2 {
				fmt.Println("usage: clear <addr>")
				continue
			}
			addr, _ := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
			if _, err := c.call(kernel.CtlDebugClearBp, sessArg(addr)); err != nil {
				fmt.Println("error:", err)
			}
		case "step":
			if _, err := c.call(kernel.CtlDebugStep, sessArg()); err != nil {
				fmt.Println("error:", err)
			}
		case "cont", "c":
			if _, err := c.call(kernel.CtlDebugContinue, sessArg()); err != nil {
				fmt.Println("error:", err)
			}
		case "events":
			ev, err := c.call(kernel.CtlDebugEvents, sessArg())
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if len(ev) < 24 {
				fmt.Println("no pending events")
				continue
			}
			kinds := []string{"breakpoint", "single_step", "exit"}
			kind := binary.BigEndian.Uint64(ev[0:8])
			name := "?"
			if int(kind) < len(kinds) {
				name = kinds[kind]
			}
			fmt.Printf("%s tid=%d rip=%#x\n", name,
				binary.BigEndian.Uint64(ev[8:16]),
				binary.BigEndian.Uint64(ev[16:24]))
		default:
			fmt.Println("unknown command; type 'help'")
		}
	}
}

func dumpHex(base uint64, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%#08x  ", base+uint64(off))
		for i := off; i < end; i++ {
			fmt.Printf("%02x ", data[i])
		}
		fmt.Println()
	}
}
