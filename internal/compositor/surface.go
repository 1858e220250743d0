// Package compositor implements the userspace window-manager daemon: the
// surface manager, Z-ordered damage compositor, input router, and
// menu/dock/tray protocol. The menu bar, dock, and tray are regular
// clients pinned to dedicated Z-levels rather than compositor-internal
// widgets.
package compositor

import (
	"sync"

	"anyos/internal/ipc"
)

// ZLevel orders a surface's stacking position; the menu bar, dock, and tray
// are regular clients pinned to elevated Z-levels.
type ZLevel int

const (
	ZNormal ZLevel = iota
	ZAlwaysOnTop
	ZDock
	ZMenuBar
	ZTray
)

// SurfaceFlags mirror create_window's flags bitmask.
type SurfaceFlags uint32

const (
	FlagBorderless SurfaceFlags = 1 << iota
	FlagAlwaysOnTop
	FlagNoClose
)

// Rect is an axis-aligned pixel rectangle, used both for a surface's bounds
// and for damage entries.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) intersect(o Rect) (Rect, bool) {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}, false
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}, true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Surface is the compositor-side record for one client window:
// owning client channel, shm id, current pixel size, stacking position,
// Z-order, title, flags, damage rect list, focus state.
type Surface struct {
	ID       uint64
	ClientID uint64 // (channel_id, sub_id) pair identifying the owning client
	SubID    uint64

	mu        sync.Mutex
	shmID     uint64
	seg       *ipc.Segment
	w, h      int
	pos       Rect
	z         ZLevel
	title     string
	flags     SurfaceFlags
	damage     []Rect
	focused    bool
	destroyed  bool
	blurBehind int // pixels; 0 = no blur

	// pendingDestroy/pendingSeg implement the Open Question decision
	// (DESIGN.md): destroy_window/resize_shm take effect only at
	// the next frame boundary, never mid-compose.
	pendingDestroy bool
	pendingSeg     *ipc.Segment
	pendingW       int
	pendingH       int
}

func newSurface(id uint64, clientID, subID uint64, w, h int, flags SurfaceFlags, shmID uint64, seg *ipc.Segment) *Surface {
	return &Surface{
		ID: id, ClientID: clientID, SubID: subID,
		shmID: shmID, seg: seg, w: w, h: h,
		pos:   Rect{X: 0, Y: 0, W: w, H: h},
		z:     ZNormal,
		flags: flags,
	}
}

// SetTitle updates the window title shown by the menu bar and task
// switcher (set_title).
func (s *Surface) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// Title returns the window title.
func (s *Surface) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Move repositions the surface's top-left corner (move_window).
func (s *Surface) Move(x, y int) {
	s.mu.Lock()
	s.pos.X = x
	s.pos.Y = y
	s.mu.Unlock()
}

// SetBlurBehind sets the blur-behind radius composited beneath this
// surface each frame; 0 disables it (set_blur_behind).
func (s *Surface) SetBlurBehind(radius int) {
	s.mu.Lock()
	s.blurBehind = radius
	s.mu.Unlock()
}

// Size returns the surface's current pixel dimensions.
func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

// AddDamage records a damaged rect since the last present, intersected with
// the surface's own bounds.
func (s *Surface) AddDamage(r Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clipped, ok := r.intersect(Rect{X: 0, Y: 0, W: s.w, H: s.h}); ok {
		s.damage = append(s.damage, clipped)
	}
}

// TakeDamage returns and clears the accumulated damage list. The
// compositor's frame path (BeginFrame, CaptureScreen) does not call it.
func (s *Surface) TakeDamage() []Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.damage
	s.damage = nil
	return d
}

// SetFocused sets the keyboard-focus flag directly; focus transition
// ordering (FocusLost before FocusGained) is enforced by Compositor.SetFocus,
// not here.
func (s *Surface) SetFocused(v bool) {
	s.mu.Lock()
	s.focused = v
	s.mu.Unlock()
}

// Focused reports whether this surface currently holds keyboard focus.
func (s *Surface) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// MarkPendingDestroy schedules destruction for the next frame boundary
// rather than taking effect immediately.
func (s *Surface) MarkPendingDestroy() {
	s.mu.Lock()
	s.pendingDestroy = true
	s.mu.Unlock()
}

// MarkPendingResize schedules an shm backing swap for the next frame
// boundary (resize_shm).
func (s *Surface) MarkPendingResize(seg *ipc.Segment, w, h int) {
	s.mu.Lock()
	s.pendingSeg, s.pendingW, s.pendingH = seg, w, h
	s.mu.Unlock()
}

// applyPending is called only at a frame boundary (Compositor.BeginFrame),
// never mid-compose, implementing the Open Question decision.
func (s *Surface) applyPending() (destroyed bool, oldSeg *ipc.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingDestroy {
		s.destroyed = true
		return true, s.seg
	}
	if s.pendingSeg != nil {
		old := s.seg
		s.seg, s.w, s.h = s.pendingSeg, s.pendingW, s.pendingH
		s.pos.W, s.pos.H = s.pendingW, s.pendingH
		s.pendingSeg = nil
		return false, old
	}
	return false, nil
}

// Pixels returns the surface's raw ARGB backing store.
func (s *Surface) Pixels() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil
	}
	return s.seg.Bytes()
}
