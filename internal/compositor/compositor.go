package compositor

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"anyos/internal/errs"
	"anyos/internal/ipc"
)

// Compositor is the userspace window-manager daemon: it owns the surface
// table, walks it in Z-order once per frame to composite every live surface
// in full (recorded damage rects do not narrow the redraw), and routes
// input events to whichever surface currently has focus.
type Compositor struct {
	log *slog.Logger

	mu       sync.Mutex
	surfaces map[uint64]*Surface
	nextID   uint64
	focused  uint64 // surface ID, 0 = none
	frame    uint64

	fbW, fbH  int
	wallpaper []byte // fbW*fbH*4 ARGB, nil = black

	menu *menuState
}

// New constructs a Compositor for a framebuffer of the given pixel
// dimensions.
func New(log *slog.Logger, fbW, fbH int) *Compositor {
	if log == nil {
		log = slog.Default()
	}
	return &Compositor{
		log:      log,
		surfaces: make(map[uint64]*Surface),
		fbW:      fbW,
		fbH:      fbH,
		menu:     newMenuState(),
	}
}

// CreateWindow allocates a new surface backed by the given shm segment
// (create_window).
func (c *Compositor) CreateWindow(clientID, subID uint64, w, h int, flags SurfaceFlags, shmID uint64, seg *ipc.Segment) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := newSurface(c.nextID, clientID, subID, w, h, flags, shmID, seg)
	if flags&FlagAlwaysOnTop != 0 {
		s.z = ZAlwaysOnTop
	}
	c.surfaces[s.ID] = s
	return s
}

// CreateSpecialSurface registers a menu bar, dock, or tray surface:
// the menu bar, dock, and tray are regular clients pinned to
// an elevated Z-level rather than compositor-internal special cases.
func (c *Compositor) CreateSpecialSurface(clientID, subID uint64, w, h int, shmID uint64, seg *ipc.Segment, z ZLevel) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := newSurface(c.nextID, clientID, subID, w, h, 0, shmID, seg)
	s.z = z
	c.surfaces[s.ID] = s
	return s
}

// ResizeShm schedules a new backing segment for the surface, taking
// effect only at the next frame boundary (the Open Question decision
// recorded in DESIGN.md).
func (c *Compositor) ResizeShm(id uint64, seg *ipc.Segment, w, h int) error {
	c.mu.Lock()
	s, ok := c.surfaces[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("compositor: no such surface %d", id)
	}
	s.MarkPendingResize(seg, w, h)
	return nil
}

// DestroyWindow schedules surface removal for the next frame boundary
// rather than removing it mid-compose.
func (c *Compositor) DestroyWindow(id uint64) error {
	c.mu.Lock()
	s, ok := c.surfaces[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("compositor: no such surface %d", id)
	}
	s.MarkPendingDestroy()
	return nil
}

// Damage records a damaged rect on a client's present() call.
func (c *Compositor) Damage(id uint64, r Rect) error {
	c.mu.Lock()
	s, ok := c.surfaces[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("compositor: no such surface %d", id)
	}
	s.AddDamage(r)
	return nil
}

// zOrdered returns all live surfaces sorted back-to-front: normal windows by
// creation order, then always-on-top, then dock, then menu bar, then tray.
func (c *Compositor) zOrdered() []*Surface {
	out := make([]*Surface, 0, len(c.surfaces))
	for _, s := range c.surfaces {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].z != out[j].z {
			return out[i].z < out[j].z
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BeginFrame applies every surface's pending destroy/resize, releasing any
// replaced shm segment, then returns the live surfaces in Z order. This
// is the only point at which pending mutations take effect — never
// mid-compose.
func (c *Compositor) BeginFrame(release func(seg *ipc.Segment)) []*Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame++
	for id, s := range c.surfaces {
		destroyed, oldSeg := s.applyPending()
		if oldSeg != nil && release != nil {
			release(oldSeg)
		}
		if destroyed {
			delete(c.surfaces, id)
			if c.focused == id {
				c.focused = 0
			}
			c.menu.mu.Lock()
			delete(c.menu.menus, id)
			c.menu.mu.Unlock()
		}
	}
	return c.zOrdered()
}

// ScreenSize returns the framebuffer dimensions (screen_size).
func (c *Compositor) ScreenSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fbW, c.fbH
}

// SetWallpaper installs the backdrop composed beneath every surface
// (set_wallpaper). A short buffer is rejected rather than tiled.
func (c *Compositor) SetWallpaper(pixels []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(pixels) < c.fbW*c.fbH*4 {
		return errs.New(errs.InvalidArgument, "set_wallpaper: buffer smaller than screen")
	}
	c.wallpaper = append([]byte(nil), pixels[:c.fbW*c.fbH*4]...)
	return nil
}

// Surface returns the surface record for id.
func (c *Compositor) Surface(id uint64) (*Surface, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.surfaces[id]
	return s, ok
}

// HitTest returns the topmost surface whose bounds contain (x, y), or nil.
func (c *Compositor) HitTest(x, y int) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	ordered := c.zOrdered()
	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		s.mu.Lock()
		pos := s.pos
		s.mu.Unlock()
		if x >= pos.X && x < pos.X+pos.W && y >= pos.Y && y < pos.Y+pos.H {
			return s
		}
	}
	return nil
}

// SetFocus transitions keyboard focus to id, delivering FocusLost to the
// previous holder before FocusGained to the new one, in that order.
func (c *Compositor) SetFocus(id uint64, deliver func(surfaceID uint64, ev FocusEvent)) {
	c.mu.Lock()
	prev := c.focused
	prevSurf, prevOK := c.surfaces[prev]
	next, nextOK := c.surfaces[id]
	c.focused = id
	c.mu.Unlock()

	if prevOK && prev != id {
		prevSurf.SetFocused(false)
		if deliver != nil {
			deliver(prev, FocusLost)
		}
	}
	if nextOK {
		next.SetFocused(true)
		if deliver != nil {
			deliver(id, FocusGained)
		}
	}
}

// FocusEvent distinguishes the two halves of a focus transition.
type FocusEvent int

const (
	FocusLost FocusEvent = iota
	FocusGained
)

// CaptureScreen composites the current frame and returns it as raw ARGB
// bytes. When hasGraphicalBackend is false (headless CI mode),
// it instead returns a textual capture built from ansi cursor-positioning
// and SGR truecolor sequences, one cell per 8x16 pixel block — a readable
// diagnostic dump rather than a pixel-exact capture.
func (c *Compositor) CaptureScreen(hasGraphicalBackend bool) []byte {
	c.mu.Lock()
	ordered := c.zOrdered()
	fbW, fbH := c.fbW, c.fbH
	wallpaper := c.wallpaper
	c.mu.Unlock()

	fb := make([]byte, fbW*fbH*4)
	if wallpaper != nil {
		copy(fb, wallpaper)
	}
	for _, s := range ordered {
		s.mu.Lock()
		pos, seg, blur := s.pos, s.seg, s.blurBehind
		s.mu.Unlock()
		if seg == nil {
			continue
		}
		if blur > 0 {
			blurRegion(fb, fbW, fbH, pos, blur)
		}
		blit(fb, fbW, fbH, pos, seg.Bytes())
	}
	if hasGraphicalBackend {
		return fb
	}
	return renderHeadlessANSI(fb, fbW, fbH)
}

func blit(dst []byte, dstW, dstH int, pos Rect, src []byte) {
	for row := 0; row < pos.H; row++ {
		dy := pos.Y + row
		if dy < 0 || dy >= dstH {
			continue
		}
		srcOff := row * pos.W * 4
		if srcOff+pos.W*4 > len(src) {
			break
		}
		for col := 0; col < pos.W; col++ {
			dx := pos.X + col
			if dx < 0 || dx >= dstW {
				continue
			}
			di := (dy*dstW + dx) * 4
			si := srcOff + col*4
			copy(dst[di:di+4], src[si:si+4])
		}
	}
}

// blurRegion applies a single horizontal+vertical box-blur pass of the
// given radius to the framebuffer area beneath a blur-behind surface.
func blurRegion(fb []byte, w, h int, pos Rect, radius int) {
	x0, y0 := max(pos.X, 0), max(pos.Y, 0)
	x1, y1 := min(pos.X+pos.W, w), min(pos.Y+pos.H, h)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			var rs, gs, bs, n int
			for dx := -radius; dx <= radius; dx++ {
				sx := x + dx
				if sx < x0 || sx >= x1 {
					continue
				}
				i := (y*w + sx) * 4
				bs += int(fb[i])
				gs += int(fb[i+1])
				rs += int(fb[i+2])
				n++
			}
			i := (y*w + x) * 4
			fb[i] = byte(bs / n)
			fb[i+1] = byte(gs / n)
			fb[i+2] = byte(rs / n)
		}
	}
	for x := x0; x < x1; x++ {
		for y := y0; y < y1; y++ {
			var rs, gs, bs, n int
			for dy := -radius; dy <= radius; dy++ {
				sy := y + dy
				if sy < y0 || sy >= y1 {
					continue
				}
				i := (sy*w + x) * 4
				bs += int(fb[i])
				gs += int(fb[i+1])
				rs += int(fb[i+2])
				n++
			}
			i := (y*w + x) * 4
			fb[i] = byte(bs / n)
			fb[i+1] = byte(gs / n)
			fb[i+2] = byte(rs / n)
		}
	}
}

// renderHeadlessANSI downsamples the framebuffer into a grid of
// foreground-colored blocks, one 24-bit SGR truecolor escape per cell, used
// as the no-graphical-backend fallback for capture_screen. The
// escape sequences are written directly rather than through a terminal
// library.
func renderHeadlessANSI(fb []byte, w, h int) []byte {
	const cellW, cellH = 8, 16
	const csi = "\x1b["
	var out strings.Builder
	out.WriteString(csi + "H") // home cursor
	for cy := 0; cy*cellH < h; cy++ {
		for cx := 0; cx*cellW < w; cx++ {
			x, y := cx*cellW, cy*cellH
			i := (y*w + x) * 4
			if i+3 >= len(fb) {
				out.WriteByte(' ')
				continue
			}
			r, g, b := fb[i], fb[i+1], fb[i+2]
			fmt.Fprintf(&out, "%s38;2;%d;%d;%dm█", csi, r, g, b)
		}
		out.WriteString(csi + "0m\n")
	}
	return []byte(out.String())
}
