package compositor

import (
	"sync"

	"anyos/internal/errs"
)

// MenuItem is one entry of a window's menu bar contribution (set_menu /
// update_menu_item).
type MenuItem struct {
	ID      uint32
	Label   string
	Enabled bool
}

// StatusIcon is one tray icon registered by a client (add_status_icon).
type StatusIcon struct {
	ID       uint64
	ClientID uint64
	Pixels   []byte // 16x16 ARGB
}

// trayEvent is an icon-click delivered through tray_poll_event.
type trayEvent struct {
	iconID uint64
	button int
}

// menuState holds the menu bar and tray models. The menu bar shows the
// focused window's items; the tray shows every registered icon at ZTray.
type menuState struct {
	mu        sync.Mutex
	menus     map[uint64][]MenuItem // surface id -> items
	icons     map[uint64]*StatusIcon
	nextIcon  uint64
	trayQueue map[uint64][]trayEvent // client id -> pending clicks
}

func newMenuState() *menuState {
	return &menuState{
		menus:     make(map[uint64][]MenuItem),
		icons:     make(map[uint64]*StatusIcon),
		trayQueue: make(map[uint64][]trayEvent),
	}
}

// SetMenu replaces the menu bar contribution of the given surface
// (set_menu). The items become visible when the surface gains focus.
func (c *Compositor) SetMenu(surfaceID uint64, items []MenuItem) error {
	c.mu.Lock()
	_, ok := c.surfaces[surfaceID]
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "set_menu: no such surface")
	}
	c.menu.mu.Lock()
	c.menu.menus[surfaceID] = append([]MenuItem(nil), items...)
	c.menu.mu.Unlock()
	return nil
}

// UpdateMenuItem patches a single item in place (update_menu_item).
func (c *Compositor) UpdateMenuItem(surfaceID uint64, item MenuItem) error {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	items, ok := c.menu.menus[surfaceID]
	if !ok {
		return errs.New(errs.NotFound, "update_menu_item: surface has no menu")
	}
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	return errs.New(errs.NotFound, "update_menu_item: no such item")
}

// FocusedMenu returns the menu items of the focused surface, or nil when
// nothing focused (what the menu bar client renders).
func (c *Compositor) FocusedMenu() []MenuItem {
	c.mu.Lock()
	focused := c.focused
	c.mu.Unlock()
	if focused == 0 {
		return nil
	}
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	return append([]MenuItem(nil), c.menu.menus[focused]...)
}

// AddStatusIcon registers a tray icon owned by clientID and returns its id
// (add_status_icon).
func (c *Compositor) AddStatusIcon(clientID uint64, pixels []byte) uint64 {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	c.menu.nextIcon++
	id := c.menu.nextIcon
	c.menu.icons[id] = &StatusIcon{ID: id, ClientID: clientID, Pixels: append([]byte(nil), pixels...)}
	return id
}

// RemoveStatusIcon drops a tray icon (remove_status_icon).
func (c *Compositor) RemoveStatusIcon(id uint64) error {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	if _, ok := c.menu.icons[id]; !ok {
		return errs.New(errs.NotFound, "remove_status_icon: no such icon")
	}
	delete(c.menu.icons, id)
	return nil
}

// StatusIcons returns the current tray icons, for the tray client's render
// pass.
func (c *Compositor) StatusIcons() []*StatusIcon {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	out := make([]*StatusIcon, 0, len(c.menu.icons))
	for _, ic := range c.menu.icons {
		out = append(out, ic)
	}
	return out
}

// ClickStatusIcon routes a tray click to the owning client's tray queue.
// The input router does not call it; clicks reach the tray queue only
// through a direct call.
func (c *Compositor) ClickStatusIcon(iconID uint64, button int) {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	ic, ok := c.menu.icons[iconID]
	if !ok {
		return
	}
	c.menu.trayQueue[ic.ClientID] = append(c.menu.trayQueue[ic.ClientID], trayEvent{iconID: iconID, button: button})
}

// TrayPollEvent pops the oldest pending tray click for clientID
// (tray_poll_event). Returns (iconID, button, true) or ok=false when none
// is pending.
func (c *Compositor) TrayPollEvent(clientID uint64) (iconID uint64, button int, ok bool) {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	q := c.menu.trayQueue[clientID]
	if len(q) == 0 {
		return 0, 0, false
	}
	ev := q[0]
	c.menu.trayQueue[clientID] = q[1:]
	return ev.iconID, ev.button, true
}
