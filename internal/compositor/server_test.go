package compositor

import (
	"encoding/binary"
	"testing"
	"time"

	"anyos/internal/ipc"
	"anyos/internal/protocol"
)

type testClient struct {
	tb     testing.TB
	id     uint64
	req    *ipc.Pipe
	rsp    *ipc.Pipe
	server *Server
}

// newTestServer boots a compositor plus its request server on fresh IPC
// registries and connects one pipe-backed client.
func newTestServer(tb testing.TB, w, h int) (*Server, *Compositor, *ipc.ShmRegistry, *testClient, func()) {
	tb.Helper()
	comp := New(nil, w, h)
	pipes := ipc.NewPipeRegistry(nil, nil)
	shm := ipc.NewShmRegistry(nil)
	events := ipc.NewEventChanRegistry()
	srv := NewServer(nil, comp, pipes, shm, events)

	const clientID = 1
	req, err := pipes.Create(RequestPipePrefix+"1", 0)
	if err != nil {
		tb.Fatalf("create request pipe: %v", err)
	}
	rsp, err := pipes.Create(ResponsePipePrefix+"1", 0)
	if err != nil {
		tb.Fatalf("create response pipe: %v", err)
	}

	stop := make(chan struct{})
	go srv.Serve(stop)

	cl := &testClient{tb: tb, id: clientID, req: req, rsp: rsp, server: srv}
	return srv, comp, shm, cl, func() { close(stop) }
}

// call frames one request onto the wire and waits for the response frame.
func (c *testClient) call(t protocol.MsgType, payload []byte) (protocol.MsgType, []byte) {
	c.tb.Helper()
	frame := protocol.AppendHeader(nil, protocol.Header{Type: t, Length: uint32(len(payload))})
	frame = append(frame, payload...)
	for len(frame) > 0 {
		n, err := c.req.Write(frame, true)
		if err != nil {
			c.tb.Fatalf("request write: %v", err)
		}
		frame = frame[n:]
	}

	deadline := time.Now().Add(2 * time.Second)
	read := func(n int) []byte {
		buf := make([]byte, n)
		got := 0
		for got < n {
			r, err := c.rsp.Read(buf[got:], true)
			if err != nil {
				c.tb.Fatalf("response read: %v", err)
			}
			got += r
			if r == 0 {
				if time.Now().After(deadline) {
					c.tb.Fatalf("timed out waiting for response")
				}
				time.Sleep(time.Millisecond)
			}
		}
		return buf
	}
	h, _, err := protocol.ReadHeader(read(6))
	if err != nil {
		c.tb.Fatalf("response header: %v", err)
	}
	return h.Type, read(int(h.Length))
}

func TestServerCreatePresentCapture(t *testing.T) {
	_, comp, shm, cl, stop := newTestServer(t, 640, 480)
	defer stop()

	// create_window(200, 100, 0) through the wire.
	msgType, resp := cl.call(protocol.MsgCreateWindow, protocol.EncodeCreateWindowRequest(protocol.CreateWindowRequest{
		Width: 200, Height: 100, Title: "conformance",
	}))
	if msgType != protocol.MsgResponse {
		t.Fatalf("create_window answered %d: %s", msgType, resp)
	}
	windowID := binary.BigEndian.Uint64(resp[0:8])
	shmID := binary.BigEndian.Uint64(resp[8:16])

	// The surface pointer is the shm mapping: 200*100*4 bytes of ARGB.
	seg, ok := shm.Lookup(shmID)
	if !ok {
		t.Fatalf("create_window response names unknown segment %d", shmID)
	}
	if got := len(seg.Bytes()); got != 200*100*4 {
		t.Fatalf("segment size = %d, want %d", got, 200*100*4)
	}
	pixels := seg.Bytes()
	for i := 0; i < len(pixels); i += 4 {
		pixels[i] = 0x00   // B
		pixels[i+1] = 0x00 // G
		pixels[i+2] = 0xFF // R
		pixels[i+3] = 0xFF // A
	}

	// present(window_id) and compose one frame.
	if msgType, resp := cl.call(protocol.MsgPresent, be64(windowID)); msgType != protocol.MsgResponse {
		t.Fatalf("present answered %d: %s", msgType, resp)
	}
	comp.BeginFrame(nil)
	fb := comp.CaptureScreen(true)

	// Every pixel of the window region reads back 0xFFFF0000 ARGB.
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			i := (y*640 + x) * 4
			if fb[i] != 0x00 || fb[i+1] != 0x00 || fb[i+2] != 0xFF || fb[i+3] != 0xFF {
				t.Fatalf("pixel (%d,%d) = % x, want red", x, y, fb[i:i+4])
			}
		}
	}
}

func TestServerRejectsZeroDimensionWindow(t *testing.T) {
	_, _, _, cl, stop := newTestServer(t, 640, 480)
	defer stop()

	msgType, resp := cl.call(protocol.MsgCreateWindow, protocol.EncodeCreateWindowRequest(protocol.CreateWindowRequest{
		Width: 0, Height: 100,
	}))
	if msgType != protocol.MsgError {
		t.Fatalf("zero-width create_window answered %d: %s", msgType, resp)
	}
}

func TestServerDispatchTable(t *testing.T) {
	srv, comp, shm, _, stop := newTestServer(t, 320, 200)
	defer stop()

	// init allocates a subscriber id.
	resp, err := srv.HandleRequest(2, protocol.MsgInit, nil)
	if err != nil || len(resp) != 8 {
		t.Fatalf("init = %v, %v", resp, err)
	}
	sub := binary.BigEndian.Uint64(resp)

	// screen_size reflects the framebuffer geometry.
	resp, err = srv.HandleRequest(2, protocol.MsgScreenSize, nil)
	if err != nil {
		t.Fatalf("screen_size: %v", err)
	}
	if binary.BigEndian.Uint32(resp[0:4]) != 320 || binary.BigEndian.Uint32(resp[4:8]) != 200 {
		t.Fatalf("screen_size = % x", resp)
	}

	// create + move + set_blur_behind + set_title through the dispatcher.
	resp, err = srv.HandleRequest(2, protocol.MsgCreateWindow, protocol.EncodeCreateWindowRequest(protocol.CreateWindowRequest{Width: 10, Height: 10}))
	if err != nil {
		t.Fatalf("create_window: %v", err)
	}
	windowID := binary.BigEndian.Uint64(resp[0:8])

	if _, err := srv.HandleRequest(2, protocol.MsgMoveWindow, protocol.EncodeMoveWindowRequest(protocol.MoveWindowRequest{WindowID: windowID, X: 50, Y: 60})); err != nil {
		t.Fatalf("move_window: %v", err)
	}
	if got := comp.HitTest(55, 65); got == nil || got.ID != windowID {
		t.Fatalf("window did not move")
	}

	blurReq := append(be64(windowID), 0, 0, 0, 4)
	if _, err := srv.HandleRequest(2, protocol.MsgSetBlurBehind, blurReq); err != nil {
		t.Fatalf("set_blur_behind: %v", err)
	}

	titleReq := append(be64(windowID), []byte("Settings")...)
	if _, err := srv.HandleRequest(2, protocol.MsgSetTitle, titleReq); err != nil {
		t.Fatalf("set_title: %v", err)
	}
	if surf, _ := comp.Surface(windowID); surf.Title() != "Settings" {
		t.Fatalf("title = %q", surf.Title())
	}

	// destroy_window broadcasts a close event to init's subscriber.
	if _, err := srv.HandleRequest(2, protocol.MsgDestroyWindow, be64(windowID)); err != nil {
		t.Fatalf("destroy_window: %v", err)
	}
	resp, err = srv.HandleRequest(2, protocol.MsgPollEvent, be64(sub))
	if err != nil || len(resp) != 20 {
		t.Fatalf("poll_event after destroy = %v, %v", resp, err)
	}
	pkt, err := protocol.UnmarshalEventPacket(resp)
	if err != nil || pkt[0] != protocol.EvWindowClose {
		t.Fatalf("event after destroy = %v, %v", pkt, err)
	}

	// tray: add, click, poll, remove.
	resp, err = srv.HandleRequest(2, protocol.MsgAddStatusIcon, make([]byte, 16*16*4))
	if err != nil {
		t.Fatalf("add_status_icon: %v", err)
	}
	iconID := binary.BigEndian.Uint64(resp)
	comp.ClickStatusIcon(iconID, 1)
	resp, err = srv.HandleRequest(2, protocol.MsgTrayPollEvent, nil)
	if err != nil || len(resp) != 20 {
		t.Fatalf("tray_poll_event = %v, %v", resp, err)
	}
	if _, err := srv.HandleRequest(2, protocol.MsgRemoveStatusIcon, be64(iconID)); err != nil {
		t.Fatalf("remove_status_icon: %v", err)
	}

	// set_wallpaper by shm segment id.
	seg, err := shm.Create(2, 320*200*4)
	if err != nil {
		t.Fatalf("wallpaper segment: %v", err)
	}
	if _, err := srv.HandleRequest(2, protocol.MsgSetWallpaper, be64(seg.ID)); err != nil {
		t.Fatalf("set_wallpaper: %v", err)
	}
}
