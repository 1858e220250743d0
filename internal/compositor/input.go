package compositor

import (
	"sync"

	"anyos/internal/compositor/layout"
)

// InputEventKind distinguishes the event payloads delivered to a focused or
// hit-tested surface.
type InputEventKind int

const (
	EventKeyDown InputEventKind = iota
	EventKeyUp
	EventMouseMove
	EventMouseButtonDown
	EventMouseButtonUp
	EventFocusLost
	EventFocusGained
)

// InputEvent is queued to a surface's client-visible event ring; it packs
// into the [5]uint32 wire format defined by internal/protocol.
type InputEvent struct {
	Kind      InputEventKind
	Key       layout.Keycode
	X, Y      int
	Button    int
	SurfaceID uint64
}

// Router owns the active keyboard layout and the mouse cursor position, and
// turns raw scancodes/pointer deltas into InputEvents addressed to the
// correct surface.
type Router struct {
	comp *Compositor

	mu         sync.Mutex
	activeName string
	active     *layout.Layout
	curX, curY int
	shiftDown  bool

	deliver func(surfaceID uint64, ev InputEvent)
}

// NewRouter constructs a Router bound to a Compositor for hit-testing and
// focus changes, and a delivery callback that enqueues events onto the
// addressed surface's client-visible ring (wired by cmd/compositord).
func NewRouter(comp *Compositor, deliver func(surfaceID uint64, ev InputEvent)) *Router {
	us, _ := layout.Get("us")
	return &Router{comp: comp, activeName: "us", active: us, deliver: deliver}
}

// SetLayout implements kbd_set_layout; an unknown name leaves the active
// layout unchanged and reports false.
func (r *Router) SetLayout(name string) bool {
	l, ok := layout.Get(name)
	if !ok {
		return false
	}
	r.mu.Lock()
	r.active, r.activeName = l, name
	r.mu.Unlock()
	return true
}

// GetLayout implements kbd_get_layout.
func (r *Router) GetLayout() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeName
}

// ListLayouts implements kbd_list_layouts.
func (r *Router) ListLayouts() []string { return layout.List() }

// HandleScancode translates a raw scancode through the active layout and
// delivers a key event to whichever surface currently holds focus.
func (r *Router) HandleScancode(scancode byte, down bool) {
	r.mu.Lock()
	l := r.active
	if scancode == 0x12 || scancode == 0x59 {
		r.shiftDown = down
	}
	r.mu.Unlock()

	key := l.Translate(scancode)
	kind := EventKeyUp
	if down {
		kind = EventKeyDown
	}

	focused := r.comp.focusedSurfaceID()
	if focused == 0 {
		return
	}
	r.deliver(focused, InputEvent{Kind: kind, Key: key, SurfaceID: focused})
}

// HandleMouseMove hit-tests the new cursor position and delivers a move
// event to the surface under the cursor. Focus is left unchanged; it moves
// only on a button press (HandleMouseButton).
func (r *Router) HandleMouseMove(dx, dy int) {
	r.mu.Lock()
	r.curX += dx
	r.curY += dy
	x, y := r.curX, r.curY
	r.mu.Unlock()

	s := r.comp.HitTest(x, y)
	if s == nil {
		return
	}
	r.deliver(s.ID, InputEvent{Kind: EventMouseMove, X: x, Y: y, SurfaceID: s.ID})
}

// HandleMouseButton hit-tests the current cursor position and, on a button
// press, transitions focus to the hit surface before delivering the button
// event (click-to-focus).
func (r *Router) HandleMouseButton(button int, down bool) {
	r.mu.Lock()
	x, y := r.curX, r.curY
	r.mu.Unlock()

	s := r.comp.HitTest(x, y)
	if s == nil {
		return
	}
	if down {
		r.comp.SetFocus(s.ID, func(surfaceID uint64, ev FocusEvent) {
			kind := EventFocusLost
			if ev == FocusGained {
				kind = EventFocusGained
			}
			r.deliver(surfaceID, InputEvent{Kind: kind, SurfaceID: surfaceID})
		})
	}
	kind := EventMouseButtonUp
	if down {
		kind = EventMouseButtonDown
	}
	r.deliver(s.ID, InputEvent{Kind: kind, Button: button, X: x, Y: y, SurfaceID: s.ID})
}

func (c *Compositor) focusedSurfaceID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}
