package compositor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"anyos/internal/errs"
	"anyos/internal/ipc"
	"anyos/internal/protocol"
)

// RequestPipePrefix and ResponsePipePrefix name the per-client request and
// response pipes. A client creates "compositor:req:<id>" and
// "compositor:rsp:<id>" through pipe_create, then speaks the protocol
// package's (Type, Length) frames over them; the server's discovery scan
// stands in for a socket accept loop.
const (
	RequestPipePrefix  = "compositor:req:"
	ResponsePipePrefix = "compositor:rsp:"
)

// EventsChannelName is the broadcast topic clients subscribe to during
// MsgInit; input and window events fan out through it.
const EventsChannelName = "compositor:events"

// Server decodes client protocol requests and dispatches them to the
// Compositor, one goroutine per connected client.
type Server struct {
	log    *slog.Logger
	comp   *Compositor
	pipes  *ipc.PipeRegistry
	shm    *ipc.ShmRegistry
	events *ipc.EventChanRegistry

	mu      sync.Mutex
	clients map[uint64]bool // client id -> handler goroutine attached
}

// NewServer wires a Server to the compositor and the IPC registries it
// allocates surfaces and event subscriptions from.
func NewServer(log *slog.Logger, comp *Compositor, pipes *ipc.PipeRegistry, shm *ipc.ShmRegistry, events *ipc.EventChanRegistry) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log,
		comp:    comp,
		pipes:   pipes,
		shm:     shm,
		events:  events,
		clients: make(map[uint64]bool),
	}
}

// Serve scans the pipe registry for new request pipes and attaches a
// handler goroutine to each, until stop closes.
func (s *Server) Serve(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, info := range s.pipes.List() {
				if !strings.HasPrefix(info.Name, RequestPipePrefix) {
					continue
				}
				clientID, err := strconv.ParseUint(strings.TrimPrefix(info.Name, RequestPipePrefix), 10, 64)
				if err != nil {
					continue
				}
				s.mu.Lock()
				attached := s.clients[clientID]
				if !attached {
					s.clients[clientID] = true
				}
				s.mu.Unlock()
				if !attached {
					go s.serveClient(clientID, stop)
				}
			}
		}
	}
}

// serveClient is the per-connection loop: read a frame, dispatch, answer
// with MsgResponse or MsgError.
func (s *Server) serveClient(clientID uint64, stop <-chan struct{}) {
	req, ok := s.pipes.LookupByName(RequestPipePrefix + strconv.FormatUint(clientID, 10))
	if !ok {
		return
	}
	rsp, err := s.responsePipe(clientID)
	if err != nil {
		s.log.Warn("compositor: no response pipe for client", "client", clientID, "err", err)
		return
	}
	for {
		h, payload, err := s.readFrame(req, stop)
		if err != nil {
			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
			return
		}
		resp, err := s.HandleRequest(clientID, h.Type, payload)
		if err != nil {
			s.writeFrame(rsp, protocol.MsgError, []byte(err.Error()), stop)
			continue
		}
		s.writeFrame(rsp, protocol.MsgResponse, resp, stop)
	}
}

func (s *Server) responsePipe(clientID uint64) (*ipc.Pipe, error) {
	name := ResponsePipePrefix + strconv.FormatUint(clientID, 10)
	if p, ok := s.pipes.LookupByName(name); ok {
		return p, nil
	}
	return s.pipes.Create(name, 0)
}

// readFrame blocks until one full (Type, Length, payload) frame has been
// drained from the request pipe, or stop closes, or the pipe reaches EOF.
func (s *Server) readFrame(p *ipc.Pipe, stop <-chan struct{}) (protocol.Header, []byte, error) {
	hdr, err := s.readFull(p, 6, stop)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	h, _, err := protocol.ReadHeader(hdr)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	payload, err := s.readFull(p, int(h.Length), stop)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	return h, payload, nil
}

func (s *Server) readFull(p *ipc.Pipe, n int, stop <-chan struct{}) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		r, err := p.Read(buf[got:], true)
		if err != nil {
			return nil, err
		}
		if r == 0 {
			if p.Closed() && p.Buffered() == 0 {
				return nil, fmt.Errorf("compositor: request pipe closed")
			}
			select {
			case <-stop:
				return nil, fmt.Errorf("compositor: server stopping")
			case <-time.After(time.Millisecond):
			}
			continue
		}
		got += r
	}
	return buf, nil
}

func (s *Server) writeFrame(p *ipc.Pipe, t protocol.MsgType, payload []byte, stop <-chan struct{}) {
	frame := protocol.AppendHeader(nil, protocol.Header{Type: t, Length: uint32(len(payload))})
	frame = append(frame, payload...)
	for len(frame) > 0 {
		n, err := p.Write(frame, true)
		if err != nil {
			if errs.As(err) != errs.WouldBlock {
				return
			}
			// Response pipe full: wait for the client to drain it.
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		frame = frame[n:]
	}
}

// HandleRequest dispatches one decoded request to the Compositor and
// returns the raw response payload. It is the protocol's (type, payload)
// -> response mapping, exposed for tests and for in-process callers that
// bypass the pipe transport.
func (s *Server) HandleRequest(clientID uint64, msgType protocol.MsgType, payload []byte) ([]byte, error) {
	switch msgType {
	case protocol.MsgInit:
		sub := s.events.NewSubscriberID()
		s.events.Open(EventsChannelName).Subscribe(sub, 0)
		return be64(sub), nil

	case protocol.MsgCreateWindow:
		req, err := protocol.DecodeCreateWindowRequest(payload)
		if err != nil {
			return nil, err
		}
		if req.Width == 0 || req.Height == 0 {
			return nil, errs.New(errs.InvalidArgument, "create_window: zero dimension")
		}
		seg, err := s.shm.Create(clientID, uint64(req.Width)*uint64(req.Height)*4)
		if err != nil {
			return nil, err
		}
		surf := s.comp.CreateWindow(clientID, 0, int(req.Width), int(req.Height), SurfaceFlags(req.Flags), seg.ID, seg)
		if req.Title != "" {
			surf.SetTitle(req.Title)
		}
		return append(be64(surf.ID), be64(seg.ID)...), nil

	case protocol.MsgDestroyWindow:
		id, err := oneU64(payload)
		if err != nil {
			return nil, err
		}
		if err := s.comp.DestroyWindow(id); err != nil {
			return nil, err
		}
		s.events.Open(EventsChannelName).Emit(protocol.EncodeWindowEvent(protocol.EvWindowClose, id).Marshal())
		return nil, nil

	case protocol.MsgPresent:
		if len(payload) < 8 {
			return nil, errs.New(errs.InvalidArgument, "present: short payload")
		}
		id := binary.BigEndian.Uint64(payload[0:8])
		surf, ok := s.comp.Surface(id)
		if !ok {
			return nil, errs.New(errs.NotFound, "present: no such window")
		}
		w, h := surf.Size()
		r := Rect{X: 0, Y: 0, W: w, H: h}
		if len(payload) >= 24 {
			r = Rect{
				X: int(int32(binary.BigEndian.Uint32(payload[8:12]))),
				Y: int(int32(binary.BigEndian.Uint32(payload[12:16]))),
				W: int(int32(binary.BigEndian.Uint32(payload[16:20]))),
				H: int(int32(binary.BigEndian.Uint32(payload[20:24]))),
			}
		}
		if err := s.comp.Damage(id, r); err != nil {
			return nil, err
		}
		return nil, nil

	case protocol.MsgResizeShm:
		if len(payload) < 16 {
			return nil, errs.New(errs.InvalidArgument, "resize_shm: short payload")
		}
		id := binary.BigEndian.Uint64(payload[0:8])
		w := int(binary.BigEndian.Uint32(payload[8:12]))
		h := int(binary.BigEndian.Uint32(payload[12:16]))
		if w <= 0 || h <= 0 {
			return nil, errs.New(errs.InvalidArgument, "resize_shm: zero dimension")
		}
		seg, err := s.shm.Create(clientID, uint64(w)*uint64(h)*4)
		if err != nil {
			return nil, err
		}
		if err := s.comp.ResizeShm(id, seg, w, h); err != nil {
			return nil, err
		}
		return be64(seg.ID), nil

	case protocol.MsgSetTitle:
		if len(payload) < 8 {
			return nil, errs.New(errs.InvalidArgument, "set_title: short payload")
		}
		surf, ok := s.comp.Surface(binary.BigEndian.Uint64(payload[0:8]))
		if !ok {
			return nil, errs.New(errs.NotFound, "set_title: no such window")
		}
		surf.SetTitle(string(payload[8:]))
		return nil, nil

	case protocol.MsgScreenSize:
		w, h := s.comp.ScreenSize()
		out := make([]byte, 8)
		binary.BigEndian.PutUint32(out[0:4], uint32(w))
		binary.BigEndian.PutUint32(out[4:8], uint32(h))
		return out, nil

	case protocol.MsgSetWallpaper:
		// The pixels arrive by shm segment id — a full screen of ARGB
		// does not fit a request pipe.
		id, err := oneU64(payload)
		if err != nil {
			return nil, err
		}
		seg, ok := s.shm.Lookup(id)
		if !ok {
			return nil, errs.New(errs.NotFound, "set_wallpaper: no such segment")
		}
		return nil, s.comp.SetWallpaper(seg.Bytes())

	case protocol.MsgMoveWindow:
		req, err := protocol.DecodeMoveWindowRequest(payload)
		if err != nil {
			return nil, err
		}
		surf, ok := s.comp.Surface(req.WindowID)
		if !ok {
			return nil, errs.New(errs.NotFound, "move_window: no such window")
		}
		surf.Move(int(req.X), int(req.Y))
		return nil, nil

	case protocol.MsgSetMenu:
		id, items, err := decodeMenu(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.comp.SetMenu(id, items)

	case protocol.MsgUpdateMenuItem:
		id, items, err := decodeMenu(payload)
		if err != nil {
			return nil, err
		}
		if len(items) != 1 {
			return nil, errs.New(errs.InvalidArgument, "update_menu_item: exactly one item expected")
		}
		return nil, s.comp.UpdateMenuItem(id, items[0])

	case protocol.MsgAddStatusIcon:
		return be64(s.comp.AddStatusIcon(clientID, payload)), nil

	case protocol.MsgRemoveStatusIcon:
		id, err := oneU64(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.comp.RemoveStatusIcon(id)

	case protocol.MsgTrayPollEvent:
		iconID, button, ok := s.comp.TrayPollEvent(clientID)
		if !ok {
			return nil, nil // empty response: nothing pending
		}
		return protocol.EncodeTrayEvent(iconID, button).Marshal(), nil

	case protocol.MsgSetBlurBehind:
		if len(payload) < 12 {
			return nil, errs.New(errs.InvalidArgument, "set_blur_behind: short payload")
		}
		surf, ok := s.comp.Surface(binary.BigEndian.Uint64(payload[0:8]))
		if !ok {
			return nil, errs.New(errs.NotFound, "set_blur_behind: no such window")
		}
		surf.SetBlurBehind(int(binary.BigEndian.Uint32(payload[8:12])))
		return nil, nil

	case protocol.MsgPollEvent:
		sub, err := oneU64(payload)
		if err != nil {
			return nil, err
		}
		ev, ok := s.events.Open(EventsChannelName).Poll(sub)
		if !ok {
			return nil, nil // empty response: nothing pending
		}
		return ev.Payload, nil

	default:
		return nil, errs.New(errs.NotSupported, fmt.Sprintf("compositor: unknown request type %d", msgType))
	}
}

func be64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func oneU64(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, errs.New(errs.InvalidArgument, "compositor: short payload")
	}
	return binary.BigEndian.Uint64(payload), nil
}

// decodeMenu parses (windowID u64, count u16, then per item: id u32,
// enabled u8, labelLen u16, label).
func decodeMenu(payload []byte) (uint64, []MenuItem, error) {
	if len(payload) < 10 {
		return 0, nil, errs.New(errs.InvalidArgument, "menu: short payload")
	}
	id := binary.BigEndian.Uint64(payload[0:8])
	count := int(binary.BigEndian.Uint16(payload[8:10]))
	items := make([]MenuItem, 0, count)
	off := 10
	for i := 0; i < count; i++ {
		if len(payload) < off+7 {
			return 0, nil, errs.New(errs.InvalidArgument, "menu: truncated item")
		}
		item := MenuItem{
			ID:      binary.BigEndian.Uint32(payload[off : off+4]),
			Enabled: payload[off+4] != 0,
		}
		labelLen := int(binary.BigEndian.Uint16(payload[off+5 : off+7]))
		off += 7
		if len(payload) < off+labelLen {
			return 0, nil, errs.New(errs.InvalidArgument, "menu: truncated label")
		}
		item.Label = string(payload[off : off+labelLen])
		off += labelLen
		items = append(items, item)
	}
	return id, items, nil
}
