package compositor

import (
	"testing"

	"anyos/internal/compositor/layout"
	"anyos/internal/ipc"
)

func testSegment(tb testing.TB, size int) *ipc.Segment {
	tb.Helper()
	reg := ipc.NewShmRegistry(nil)
	seg, err := reg.Create(1, uint64(size))
	if err != nil {
		tb.Fatalf("Create: %v", err)
	}
	return seg
}

func TestCreateWindowAndHitTest(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 100*100*4)
	s := c.CreateWindow(1, 0, 100, 100, 0, 1, seg)

	if got := c.HitTest(50, 50); got == nil || got.ID != s.ID {
		t.Fatalf("HitTest(50,50) = %v, want surface %d", got, s.ID)
	}
	if got := c.HitTest(500, 500); got != nil {
		t.Fatalf("HitTest outside bounds should miss, got %v", got)
	}
}

func TestZOrderingSpecialSurfacesOnTop(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	normal := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)
	tray := c.CreateSpecialSurface(2, 0, 10, 10, 2, seg, ZTray)

	ordered := c.zOrdered()
	if ordered[len(ordered)-1].ID != tray.ID {
		t.Fatalf("tray surface should be topmost in Z-order")
	}
	if ordered[0].ID != normal.ID {
		t.Fatalf("normal surface should be bottommost when alone with a tray")
	}
}

func TestDestroyWindowDefersToFrameBoundary(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	s := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)

	if err := c.DestroyWindow(s.ID); err != nil {
		t.Fatalf("DestroyWindow: %v", err)
	}
	c.mu.Lock()
	_, stillPresent := c.surfaces[s.ID]
	c.mu.Unlock()
	if !stillPresent {
		t.Fatalf("surface should still be present before the next frame boundary")
	}

	released := false
	c.BeginFrame(func(*ipc.Segment) { released = true })

	c.mu.Lock()
	_, present := c.surfaces[s.ID]
	c.mu.Unlock()
	if present {
		t.Fatalf("surface should be gone after BeginFrame applies pending destroy")
	}
	if !released {
		t.Fatalf("BeginFrame should release the destroyed surface's segment")
	}
}

func TestResizeShmDefersToFrameBoundary(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	s := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)
	newSeg := testSegment(t, 20*20*4)

	if err := c.ResizeShm(s.ID, newSeg, 20, 20); err != nil {
		t.Fatalf("ResizeShm: %v", err)
	}
	if w, h := s.Size(); w != 10 || h != 10 {
		t.Fatalf("size should be unchanged before frame boundary, got %dx%d", w, h)
	}
	c.BeginFrame(nil)
	if w, h := s.Size(); w != 20 || h != 20 {
		t.Fatalf("size should update after BeginFrame, got %dx%d", w, h)
	}
}

func TestSetFocusOrdersLostBeforeGained(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	a := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)
	b := c.CreateWindow(2, 0, 10, 10, 0, 2, seg)

	c.SetFocus(a.ID, nil)

	var events []FocusEvent
	var ids []uint64
	c.SetFocus(b.ID, func(id uint64, ev FocusEvent) {
		ids = append(ids, id)
		events = append(events, ev)
	})
	if len(events) != 2 || events[0] != FocusLost || events[1] != FocusGained {
		t.Fatalf("focus transition events = %v, want [Lost, Gained]", events)
	}
	if ids[0] != a.ID || ids[1] != b.ID {
		t.Fatalf("focus transition ids = %v, want [%d, %d]", ids, a.ID, b.ID)
	}
	if a.Focused() {
		t.Fatalf("surface a should have lost focus")
	}
	if !b.Focused() {
		t.Fatalf("surface b should now be focused")
	}
}

func TestRouterLayoutSwitch(t *testing.T) {
	r := NewRouter(New(nil, 640, 480), func(uint64, InputEvent) {})
	if r.GetLayout() != "us" {
		t.Fatalf("default layout = %q, want us", r.GetLayout())
	}
	if !r.SetLayout("de") {
		t.Fatalf("SetLayout(de) should succeed")
	}
	if r.GetLayout() != "de" {
		t.Fatalf("GetLayout() after switch = %q, want de", r.GetLayout())
	}
	if r.SetLayout("nonexistent") {
		t.Fatalf("SetLayout of unknown layout should fail")
	}
	if r.GetLayout() != "de" {
		t.Fatalf("failed SetLayout should not change active layout")
	}
}

func TestRouterScancodeDeliversToFocusedSurface(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	s := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)
	c.SetFocus(s.ID, nil)

	var got InputEvent
	r := NewRouter(c, func(id uint64, ev InputEvent) { got = ev })
	r.HandleScancode(0x1c, true) // 'A' in scancode set 2
	if got.Key != layout.KeyA || got.Kind != EventKeyDown {
		t.Fatalf("HandleScancode delivered %+v, want KeyA down", got)
	}
}

func TestCaptureScreenHeadlessFallback(t *testing.T) {
	c := New(nil, 16, 16)
	seg := testSegment(t, 16*16*4)
	c.CreateWindow(1, 0, 16, 16, 0, 1, seg)

	out := c.CaptureScreen(false)
	if len(out) == 0 {
		t.Fatalf("headless CaptureScreen should return a non-empty textual dump")
	}
}

func TestMenuFollowsFocus(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	a := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)
	b := c.CreateWindow(2, 0, 10, 10, 0, 2, seg)

	if err := c.SetMenu(a.ID, []MenuItem{{ID: 1, Label: "File", Enabled: true}}); err != nil {
		t.Fatalf("SetMenu: %v", err)
	}
	if err := c.SetMenu(b.ID, []MenuItem{{ID: 1, Label: "Edit", Enabled: true}}); err != nil {
		t.Fatalf("SetMenu: %v", err)
	}

	c.SetFocus(a.ID, nil)
	if items := c.FocusedMenu(); len(items) != 1 || items[0].Label != "File" {
		t.Fatalf("FocusedMenu = %+v, want File", items)
	}
	c.SetFocus(b.ID, nil)
	if items := c.FocusedMenu(); len(items) != 1 || items[0].Label != "Edit" {
		t.Fatalf("FocusedMenu = %+v, want Edit", items)
	}

	if err := c.UpdateMenuItem(b.ID, MenuItem{ID: 1, Label: "Edit", Enabled: false}); err != nil {
		t.Fatalf("UpdateMenuItem: %v", err)
	}
	if items := c.FocusedMenu(); items[0].Enabled {
		t.Fatalf("menu item still enabled after UpdateMenuItem")
	}
}

func TestTrayIconClickRouting(t *testing.T) {
	c := New(nil, 640, 480)
	icon := c.AddStatusIcon(7, make([]byte, 16*16*4))

	c.ClickStatusIcon(icon, 1)
	gotIcon, button, ok := c.TrayPollEvent(7)
	if !ok || gotIcon != icon || button != 1 {
		t.Fatalf("TrayPollEvent = (%d, %d, %v)", gotIcon, button, ok)
	}
	if _, _, ok := c.TrayPollEvent(7); ok {
		t.Fatalf("second TrayPollEvent should report nothing pending")
	}

	if err := c.RemoveStatusIcon(icon); err != nil {
		t.Fatalf("RemoveStatusIcon: %v", err)
	}
	if err := c.RemoveStatusIcon(icon); err == nil {
		t.Fatalf("second RemoveStatusIcon should fail")
	}
}

func TestWallpaperComposedBeneathSurfaces(t *testing.T) {
	c := New(nil, 4, 4)
	wall := make([]byte, 4*4*4)
	for i := 0; i < len(wall); i += 4 {
		wall[i], wall[i+1], wall[i+2], wall[i+3] = 0x10, 0x20, 0x30, 0xFF
	}
	if err := c.SetWallpaper(wall); err != nil {
		t.Fatalf("SetWallpaper: %v", err)
	}
	if err := c.SetWallpaper(wall[:8]); err == nil {
		t.Fatalf("short wallpaper buffer should be rejected")
	}

	fb := c.CaptureScreen(true)
	if fb[0] != 0x10 || fb[1] != 0x20 || fb[2] != 0x30 {
		t.Fatalf("framebuffer corner = %v, want wallpaper pixel", fb[:4])
	}
}

func TestMoveWindowChangesHitTest(t *testing.T) {
	c := New(nil, 640, 480)
	seg := testSegment(t, 10*10*4)
	s := c.CreateWindow(1, 0, 10, 10, 0, 1, seg)

	if got := c.HitTest(5, 5); got == nil || got.ID != s.ID {
		t.Fatalf("HitTest before move missed the surface")
	}
	s.Move(100, 100)
	if got := c.HitTest(5, 5); got != nil {
		t.Fatalf("HitTest at old position should miss after move")
	}
	if got := c.HitTest(105, 105); got == nil || got.ID != s.ID {
		t.Fatalf("HitTest at new position missed the surface")
	}
}

func TestScreenSize(t *testing.T) {
	c := New(nil, 1024, 768)
	w, h := c.ScreenSize()
	if w != 1024 || h != 768 {
		t.Fatalf("ScreenSize = %dx%d", w, h)
	}
}
